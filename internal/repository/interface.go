package repository

import (
	"context"
	"time"

	"msgflow/backend/pkg/models"
)

// TenantStore resolves tenants for the auth boundary.
type TenantStore interface {
	// GetTenantByDomain retrieves a tenant by its email domain.
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	// CreateTenant persists a new tenant.
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// FlowStore persists flows, their versions and authored nodes.
type FlowStore interface {
	// CreateFlow inserts the flow together with its first version and points
	// the flow's current version at it.
	CreateFlow(ctx context.Context, flow *models.Flow, first *models.FlowVersion) error
	GetFlow(ctx context.Context, tenantID, id string) (*models.Flow, error)
	// ListFlows returns the tenant's flows, newest first, with aggregates.
	ListFlows(ctx context.Context, tenantID string) ([]*models.FlowSummary, error)
	// UpdateFlow saves name, description, channel and trigger settings.
	UpdateFlow(ctx context.Context, flow *models.Flow) error
	// DeleteFlow removes nodes, versions, runs, approvals and then the flow
	// in one transaction.
	DeleteFlow(ctx context.Context, tenantID, id string) error
	CountActiveFlows(ctx context.Context, tenantID string) (int, error)

	// CreateVersion assigns the next version number, stores the version as
	// a draft, repoints the flow's current version and resets its lifecycle
	// to draft.
	CreateVersion(ctx context.Context, version *models.FlowVersion) error
	GetVersion(ctx context.Context, tenantID, flowID, versionID string) (*models.FlowVersion, error)
	// LatestVersion returns the version with the highest number.
	LatestVersion(ctx context.Context, tenantID, flowID string) (*models.FlowVersion, error)
	ListVersions(ctx context.Context, tenantID, flowID string) ([]*models.FlowVersion, error)
	// PublishVersion archives every published version of the flow, publishes
	// versionID, repoints both flow pointers and activates the flow, all in
	// one transaction.
	PublishVersion(ctx context.Context, tenantID, flowID, versionID string, at time.Time) (*models.Flow, error)
	// UnpublishFlow archives the published version, clears the published
	// pointer, resets the lifecycle to draft and deactivates the flow.
	UnpublishFlow(ctx context.Context, tenantID, flowID string) (*models.Flow, error)

	// UpsertNode inserts or replaces the node with the same flow and key.
	UpsertNode(ctx context.Context, node *models.Node) error
	ListNodes(ctx context.Context, tenantID, flowID string) ([]*models.Node, error)
}

// RunStore persists runs.
type RunStore interface {
	// CreateRun inserts run under its idempotency key. A non-retry insert
	// that collides with an existing run returns that run and created=false.
	// A retry takes the next retry generation and sets RetryCount to it.
	CreateRun(ctx context.Context, run *models.Run, isRetry bool) (stored *models.Run, created bool, err error)
	// FindRunByKey returns the most recent run for the idempotency key.
	FindRunByKey(ctx context.Context, tenantID, flowID, key string) (*models.Run, error)
	// UpdateRun saves the outcome fields of a run.
	UpdateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, tenantID, id string) (*models.Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, tenantID string, filter models.RunFilter) ([]*models.Run, error)
}

// ApprovalStore persists publish approvals.
type ApprovalStore interface {
	// CreateApproval fails with Conflict when a pending approval exists for
	// the same flow and version.
	CreateApproval(ctx context.Context, approval *models.Approval) error
	GetApproval(ctx context.Context, tenantID, flowID, id string) (*models.Approval, error)
	// DecideApproval records the decision only if the approval is still
	// pending; otherwise it fails with Invalid.
	DecideApproval(ctx context.Context, approval *models.Approval) error
	ListApprovals(ctx context.Context, tenantID, flowID string) ([]*models.Approval, error)
	// HasApproved reports whether an approved approval exists for the version.
	HasApproved(ctx context.Context, tenantID, flowID, versionID string) (bool, error)
}

// UsageStore keeps the per-tenant daily counters.
type UsageStore interface {
	// IncrementUsage atomically adds to the day's bucket, creating it on
	// first use, and refreshes the active flow count.
	IncrementUsage(ctx context.Context, tenantID string, day time.Time, runs, apiCalls int) (*models.UsageCounter, error)
	// GetUsage returns the day's bucket or a zero counter.
	GetUsage(ctx context.Context, tenantID string, day time.Time) (*models.UsageCounter, error)
}

// FaqStore persists FAQ knowledge items.
type FaqStore interface {
	// ListActiveFaqs returns up to limit active items, most recently updated first.
	ListActiveFaqs(ctx context.Context, tenantID string, limit int) ([]*models.FaqItem, error)
	CreateFaq(ctx context.Context, item *models.FaqItem) error
}

// Repository is the full Flow Store.
type Repository interface {
	TenantStore
	FlowStore
	RunStore
	ApprovalStore
	UsageStore
	FaqStore
	// Ping checks that storage is reachable.
	Ping(ctx context.Context) error
}
