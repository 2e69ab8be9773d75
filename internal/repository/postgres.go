package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/pkg/models"
)

// PostgresStore is a PostgreSQL implementation of Repository.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Repository = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore. The schema must already be
// migrated with Migrate.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// mapErr classifies driver errors.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Wrap(apperr.NotFound, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apperr.Wrap(apperr.Conflict, op, err)
		case "23503":
			return apperr.Wrap(apperr.NotFound, op, err)
		case "42P01", "42703":
			return apperr.Wrap(apperr.Unavailable, op, err)
		}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return apperr.Wrap(apperr.Unavailable, op, err)
	}
	return apperr.Wrap(apperr.Internal, op, err)
}

// jsonText returns raw as text for a jsonb parameter, or def when empty.
func jsonText(raw []byte, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return mapErr("repository.Ping", s.db.Ping(ctx))
}

// GetTenantByDomain retrieves a tenant by its email domain.
func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRow(ctx,
		`SELECT id, name, domain, plan, created_at, updated_at FROM tenants WHERE domain = $1`, domain,
	).Scan(&t.ID, &t.Name, &t.Domain, &t.Plan, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapErr("repository.GetTenantByDomain", err)
	}
	return &t, nil
}

// CreateTenant persists a new tenant.
func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO tenants (id, name, domain, plan, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Domain, t.Plan, t.CreatedAt, t.UpdatedAt)
	return mapErr("repository.CreateTenant", err)
}

// IncrementUsage adds to the tenant's daily bucket with a single upsert.
func (s *PostgresStore) IncrementUsage(ctx context.Context, tenantID string, day time.Time, runs, apiCalls int) (*models.UsageCounter, error) {
	var u models.UsageCounter
	err := s.db.QueryRow(ctx, `
		INSERT INTO usage_counters (tenant_id, day, runs, api_calls, active_flows, updated_at)
		VALUES ($1, $2, $3, $4, (SELECT count(*) FROM flows WHERE tenant_id = $1 AND is_active), now())
		ON CONFLICT (tenant_id, day) DO UPDATE SET
			runs         = usage_counters.runs + EXCLUDED.runs,
			api_calls    = usage_counters.api_calls + EXCLUDED.api_calls,
			active_flows = EXCLUDED.active_flows,
			updated_at   = EXCLUDED.updated_at
		RETURNING tenant_id, day, runs, api_calls, active_flows, updated_at`,
		tenantID, day, runs, apiCalls,
	).Scan(&u.TenantID, &u.Day, &u.Runs, &u.APICalls, &u.ActiveFlows, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr("repository.IncrementUsage", err)
	}
	return &u, nil
}

// GetUsage returns the tenant's bucket for day, or a zero counter.
func (s *PostgresStore) GetUsage(ctx context.Context, tenantID string, day time.Time) (*models.UsageCounter, error) {
	u := models.UsageCounter{TenantID: tenantID, Day: day}
	err := s.db.QueryRow(ctx, `
		SELECT runs, api_calls, active_flows, updated_at
		FROM usage_counters WHERE tenant_id = $1 AND day = $2`, tenantID, day,
	).Scan(&u.Runs, &u.APICalls, &u.ActiveFlows, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &u, nil
	}
	if err != nil {
		return nil, mapErr("repository.GetUsage", err)
	}
	return &u, nil
}

// ListActiveFaqs returns active FAQ items, most recently updated first.
func (s *PostgresStore) ListActiveFaqs(ctx context.Context, tenantID string, limit int) ([]*models.FaqItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, question, answer, category, is_active, created_at, updated_at
		FROM faq_items WHERE tenant_id = $1 AND is_active
		ORDER BY updated_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, mapErr("repository.ListActiveFaqs", err)
	}
	defer rows.Close()

	var items []*models.FaqItem
	for rows.Next() {
		var f models.FaqItem
		if err := rows.Scan(&f.ID, &f.TenantID, &f.Question, &f.Answer, &f.Category, &f.IsActive, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, mapErr("repository.ListActiveFaqs", err)
		}
		items = append(items, &f)
	}
	return items, mapErr("repository.ListActiveFaqs", rows.Err())
}

// CreateFaq persists a FAQ item.
func (s *PostgresStore) CreateFaq(ctx context.Context, f *models.FaqItem) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO faq_items (id, tenant_id, question, answer, category, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.TenantID, f.Question, f.Answer, f.Category, f.IsActive, f.CreatedAt, f.UpdatedAt)
	return mapErr("repository.CreateFaq", err)
}
