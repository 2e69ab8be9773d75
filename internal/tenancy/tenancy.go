// Package tenancy carries the current tenant and caller on a context.
package tenancy

import (
	"context"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/pkg/models"
)

type ctxKey int

const (
	tenantKey ctxKey = iota
	actorKey
)

// WithTenant returns a context carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// WithActor returns a context carrying the caller identity.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// TenantID returns the tenant on ctx or a Forbidden error when absent.
func TenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantKey).(string)
	if !ok || id == "" {
		return "", apperr.New(apperr.Forbidden, "tenancy.TenantID", "tenant not found in context")
	}
	return id, nil
}

// ActorFrom returns the caller identity on ctx. A missing actor yields the
// zero Actor, which holds no role.
func ActorFrom(ctx context.Context) models.Actor {
	a, _ := ctx.Value(actorKey).(models.Actor)
	return a
}

// Copy moves tenant and actor from src onto dst.
func Copy(dst, src context.Context) context.Context {
	if id, ok := src.Value(tenantKey).(string); ok {
		dst = WithTenant(dst, id)
	}
	if a, ok := src.Value(actorKey).(models.Actor); ok {
		dst = WithActor(dst, a)
	}
	return dst
}
