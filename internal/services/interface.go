package services

import (
	"context"

	"msgflow/backend/internal/repository"
)

// FlowRepository is the slice of the Flow Store the lifecycle needs.
type FlowRepository interface {
	repository.FlowStore
	repository.RunStore
	repository.ApprovalStore
}

// ActivationGuard enforces the plan limits checked at publish time.
type ActivationGuard interface {
	// CheckActivation refuses activating one more flow for the tenant.
	CheckActivation(ctx context.Context, tenantID string) error
	// NodeLimit is the maximum number of nodes per flow.
	NodeLimit() int
}

// KnowledgeRepository stores FAQ items.
type KnowledgeRepository interface {
	repository.FaqStore
}

// Answerer looks free text up in a tenant's FAQ items.
type Answerer interface {
	Answer(ctx context.Context, tenantID, text string) (string, error)
}
