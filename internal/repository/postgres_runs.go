package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/pkg/models"
)

const runColumns = `id, tenant_id, flow_id, version_id, parent_run_id, mode, trigger_type, idempotency_key,
	trigger_payload, status, log, trace, failure_reason, retry_generation, messages_sent, api_calls,
	started_at, completed_at`

func scanRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	var payload, trace []byte
	err := row.Scan(&r.ID, &r.TenantID, &r.FlowID, &r.VersionID, &r.ParentRunID, &r.Mode, &r.TriggerType,
		&r.IdempotencyKey, &payload, &r.Status, &r.Log, &trace, &r.FailureReason, &r.RetryCount,
		&r.MessagesSent, &r.APICalls, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.TriggerPayload, r.Trace = payload, trace
	return &r, nil
}

// maxGenerationAttempts bounds retries against concurrent retry requests
// racing for the same generation.
const maxGenerationAttempts = 5

// CreateRun inserts the run guarded by the idempotency unique index.
func (s *PostgresStore) CreateRun(ctx context.Context, r *models.Run, isRetry bool) (*models.Run, bool, error) {
	gen := 0
	if isRetry {
		err := s.db.QueryRow(ctx, `
			SELECT COALESCE(MAX(retry_generation) + 1, 0) FROM flow_runs
			WHERE tenant_id = $1 AND flow_id = $2 AND idempotency_key = $3`,
			r.TenantID, r.FlowID, r.IdempotencyKey).Scan(&gen)
		if err != nil {
			return nil, false, mapErr("repository.CreateRun", err)
		}
	}

	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		r.RetryCount = gen
		tag, err := s.db.Exec(ctx, `
			INSERT INTO flow_runs (id, tenant_id, flow_id, version_id, parent_run_id, mode, trigger_type,
				idempotency_key, retry_generation, trigger_payload, status, log, trace, failure_reason,
				messages_sent, api_calls, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13::jsonb, $14, $15, $16, $17, $18)
			ON CONFLICT (tenant_id, flow_id, idempotency_key, retry_generation) DO NOTHING`,
			r.ID, r.TenantID, r.FlowID, r.VersionID, r.ParentRunID, r.Mode, r.TriggerType,
			r.IdempotencyKey, gen, jsonText(r.TriggerPayload, "{}"), r.Status, r.Log, jsonText(r.Trace, "[]"), r.FailureReason,
			r.MessagesSent, r.APICalls, r.StartedAt, r.CompletedAt)
		if err != nil {
			return nil, false, mapErr("repository.CreateRun", err)
		}
		if tag.RowsAffected() == 1 {
			return r, true, nil
		}
		if !isRetry {
			existing, err := s.FindRunByKey(ctx, r.TenantID, r.FlowID, r.IdempotencyKey)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		gen++
	}
	return nil, false, apperr.Conflictf("repository.CreateRun", "could not allocate retry generation for key %q", r.IdempotencyKey)
}

// FindRunByKey returns the most recent run for an idempotency key.
func (s *PostgresStore) FindRunByKey(ctx context.Context, tenantID, flowID, key string) (*models.Run, error) {
	r, err := scanRun(s.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM flow_runs
		WHERE tenant_id = $1 AND flow_id = $2 AND idempotency_key = $3
		ORDER BY retry_generation DESC, started_at DESC LIMIT 1`, tenantID, flowID, key))
	if err != nil {
		return nil, mapErr("repository.FindRunByKey", err)
	}
	return r, nil
}

// UpdateRun saves a run's outcome.
func (s *PostgresStore) UpdateRun(ctx context.Context, r *models.Run) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE flow_runs SET status = $3, log = $4, trace = $5::jsonb, failure_reason = $6,
			messages_sent = $7, api_calls = $8, completed_at = $9
		WHERE tenant_id = $1 AND id = $2`,
		r.TenantID, r.ID, r.Status, r.Log, jsonText(r.Trace, "[]"), r.FailureReason,
		r.MessagesSent, r.APICalls, r.CompletedAt)
	if err != nil {
		return mapErr("repository.UpdateRun", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("repository.UpdateRun", "run %s not found", r.ID)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *PostgresStore) GetRun(ctx context.Context, tenantID, id string) (*models.Run, error) {
	r, err := scanRun(s.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM flow_runs WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, mapErr("repository.GetRun", err)
	}
	return r, nil
}

// ListRuns returns runs newest first, optionally for one flow.
func (s *PostgresStore) ListRuns(ctx context.Context, tenantID string, filter models.RunFilter) ([]*models.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+` FROM flow_runs
		WHERE tenant_id = $1 AND ($2 = '' OR flow_id = $2)
		ORDER BY started_at DESC LIMIT $3`, tenantID, filter.FlowID, limit)
	if err != nil {
		return nil, mapErr("repository.ListRuns", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, mapErr("repository.ListRuns", err)
		}
		out = append(out, r)
	}
	return out, mapErr("repository.ListRuns", rows.Err())
}

const approvalColumns = `id, tenant_id, flow_id, version_id, requested_by, requested_by_role, status,
	decision_comment, decided_by, requested_at, decided_at`

func scanApproval(row pgx.Row) (*models.Approval, error) {
	var a models.Approval
	err := row.Scan(&a.ID, &a.TenantID, &a.FlowID, &a.VersionID, &a.RequestedBy, &a.RequestedByRole, &a.Status,
		&a.DecisionComment, &a.DecidedBy, &a.RequestedAt, &a.DecidedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateApproval stores a pending approval request.
func (s *PostgresStore) CreateApproval(ctx context.Context, a *models.Approval) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO flow_approvals (id, tenant_id, flow_id, version_id, requested_by, requested_by_role, status,
			decision_comment, decided_by, requested_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.TenantID, a.FlowID, a.VersionID, a.RequestedBy, a.RequestedByRole, a.Status,
		a.DecisionComment, a.DecidedBy, a.RequestedAt, a.DecidedAt)
	if err != nil {
		err = mapErr("repository.CreateApproval", err)
		if apperr.Is(err, apperr.Conflict) {
			return apperr.Conflictf("repository.CreateApproval", "a pending approval already exists for version %s", a.VersionID)
		}
		return err
	}
	return nil
}

// GetApproval retrieves an approval of the flow.
func (s *PostgresStore) GetApproval(ctx context.Context, tenantID, flowID, id string) (*models.Approval, error) {
	a, err := scanApproval(s.db.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM flow_approvals WHERE tenant_id = $1 AND flow_id = $2 AND id = $3`,
		tenantID, flowID, id))
	if err != nil {
		return nil, mapErr("repository.GetApproval", err)
	}
	return a, nil
}

// DecideApproval records a decision on a pending approval.
func (s *PostgresStore) DecideApproval(ctx context.Context, a *models.Approval) error {
	if a.DecidedAt == nil {
		now := time.Now().UTC()
		a.DecidedAt = &now
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE flow_approvals SET status = $4, decision_comment = $5, decided_by = $6, decided_at = $7
		WHERE tenant_id = $1 AND flow_id = $2 AND id = $3 AND status = 'pending'`,
		a.TenantID, a.FlowID, a.ID, a.Status, a.DecisionComment, a.DecidedBy, a.DecidedAt)
	if err != nil {
		return mapErr("repository.DecideApproval", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := s.GetApproval(ctx, a.TenantID, a.FlowID, a.ID)
	if err != nil {
		return err
	}
	return apperr.Invalidf("repository.DecideApproval", "approval is already %s", current.Status)
}

// ListApprovals returns the flow's approvals, newest first.
func (s *PostgresStore) ListApprovals(ctx context.Context, tenantID, flowID string) ([]*models.Approval, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+approvalColumns+` FROM flow_approvals WHERE tenant_id = $1 AND flow_id = $2
		ORDER BY requested_at DESC`, tenantID, flowID)
	if err != nil {
		return nil, mapErr("repository.ListApprovals", err)
	}
	defer rows.Close()

	var out []*models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, mapErr("repository.ListApprovals", err)
		}
		out = append(out, a)
	}
	return out, mapErr("repository.ListApprovals", rows.Err())
}

// HasApproved reports whether the version has an approved approval.
func (s *PostgresStore) HasApproved(ctx context.Context, tenantID, flowID, versionID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM flow_approvals
			WHERE tenant_id = $1 AND flow_id = $2 AND version_id = $3 AND status = 'approved')`,
		tenantID, flowID, versionID).Scan(&ok)
	return ok, mapErr("repository.HasApproved", err)
}
