package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/pkg/models"
)

const flowColumns = `id, tenant_id, name, description, channel, trigger_type, trigger_config,
	lifecycle_status, current_version_id, published_version_id, last_published_at, is_active,
	created_at, updated_at`

func scanFlow(row pgx.Row) (*models.Flow, error) {
	var f models.Flow
	var cfg []byte
	err := row.Scan(&f.ID, &f.TenantID, &f.Name, &f.Description, &f.Channel, &f.TriggerType, &cfg,
		&f.LifecycleStatus, &f.CurrentVersionID, &f.PublishedVersionID, &f.LastPublishedAt, &f.IsActive,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.TriggerConfig = cfg
	return &f, nil
}

const versionColumns = `id, tenant_id, flow_id, version_number, status, definition, change_note,
	is_staged_release, created_at, published_at`

func scanVersion(row pgx.Row) (*models.FlowVersion, error) {
	var v models.FlowVersion
	var def []byte
	err := row.Scan(&v.ID, &v.TenantID, &v.FlowID, &v.VersionNumber, &v.Status, &def, &v.ChangeNote,
		&v.IsStagedRelease, &v.CreatedAt, &v.PublishedAt)
	if err != nil {
		return nil, err
	}
	v.Definition = def
	return &v, nil
}

// lockFlow takes a row lock on the flow for the rest of tx.
func lockFlow(ctx context.Context, tx pgx.Tx, tenantID, flowID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM flows WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, flowID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFoundf("repository.lockFlow", "flow %s not found", flowID)
		}
		return err
	}
	return nil
}

func insertVersion(ctx context.Context, q querier, v *models.FlowVersion) error {
	_, err := q.Exec(ctx, `
		INSERT INTO flow_versions (id, tenant_id, flow_id, version_number, status, definition, change_note,
			is_staged_release, created_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)`,
		v.ID, v.TenantID, v.FlowID, v.VersionNumber, v.Status, jsonText(v.Definition, "{}"), v.ChangeNote,
		v.IsStagedRelease, v.CreatedAt, v.PublishedAt)
	return err
}

// CreateFlow inserts the flow and its first version in one transaction.
func (s *PostgresStore) CreateFlow(ctx context.Context, f *models.Flow, first *models.FlowVersion) error {
	first.FlowID = f.ID
	first.TenantID = f.TenantID
	first.VersionNumber = 1
	f.CurrentVersionID = first.ID

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO flows (id, tenant_id, name, description, channel, trigger_type, trigger_config,
				lifecycle_status, current_version_id, published_version_id, last_published_at, is_active,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12, $13, $14)`,
			f.ID, f.TenantID, f.Name, f.Description, f.Channel, f.TriggerType, jsonText(f.TriggerConfig, "{}"),
			f.LifecycleStatus, f.CurrentVersionID, f.PublishedVersionID, f.LastPublishedAt, f.IsActive,
			f.CreatedAt, f.UpdatedAt)
		if err != nil {
			return err
		}
		return insertVersion(ctx, tx, first)
	})
	return mapErr("repository.CreateFlow", err)
}

// GetFlow retrieves a flow by id.
func (s *PostgresStore) GetFlow(ctx context.Context, tenantID, id string) (*models.Flow, error) {
	f, err := scanFlow(s.db.QueryRow(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, mapErr("repository.GetFlow", err)
	}
	return f, nil
}

// ListFlows returns the tenant's flows with version and run aggregates.
func (s *PostgresStore) ListFlows(ctx context.Context, tenantID string) ([]*models.FlowSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+flowColumns+`,
			(SELECT count(*) FROM flow_versions v WHERE v.flow_id = flows.id),
			(SELECT count(*) FROM flow_runs r WHERE r.flow_id = flows.id),
			(SELECT count(*) FROM flow_runs r WHERE r.flow_id = flows.id AND r.status = 'completed')
		FROM flows WHERE tenant_id = $1
		ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, mapErr("repository.ListFlows", err)
	}
	defer rows.Close()

	var out []*models.FlowSummary
	for rows.Next() {
		var fs models.FlowSummary
		var cfg []byte
		var completed int
		err := rows.Scan(&fs.ID, &fs.TenantID, &fs.Name, &fs.Description, &fs.Channel, &fs.TriggerType, &cfg,
			&fs.LifecycleStatus, &fs.CurrentVersionID, &fs.PublishedVersionID, &fs.LastPublishedAt, &fs.IsActive,
			&fs.CreatedAt, &fs.UpdatedAt, &fs.VersionCount, &fs.RunCount, &completed)
		if err != nil {
			return nil, mapErr("repository.ListFlows", err)
		}
		fs.TriggerConfig = cfg
		fs.SuccessRate = successRate(completed, fs.RunCount)
		out = append(out, &fs)
	}
	return out, mapErr("repository.ListFlows", rows.Err())
}

// UpdateFlow saves the editable flow fields.
func (s *PostgresStore) UpdateFlow(ctx context.Context, f *models.Flow) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE flows SET name = $3, description = $4, channel = $5, trigger_type = $6,
			trigger_config = $7::jsonb, updated_at = $8
		WHERE tenant_id = $1 AND id = $2`,
		f.TenantID, f.ID, f.Name, f.Description, f.Channel, f.TriggerType, jsonText(f.TriggerConfig, "{}"), f.UpdatedAt)
	if err != nil {
		return mapErr("repository.UpdateFlow", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("repository.UpdateFlow", "flow %s not found", f.ID)
	}
	return nil
}

// DeleteFlow cascades through nodes, versions, runs and approvals.
func (s *PostgresStore) DeleteFlow(ctx context.Context, tenantID, id string) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockFlow(ctx, tx, tenantID, id); err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE FROM flow_nodes WHERE flow_id = $1`,
			`DELETE FROM flow_versions WHERE flow_id = $1`,
			`DELETE FROM flow_runs WHERE flow_id = $1`,
			`DELETE FROM flow_approvals WHERE flow_id = $1`,
			`DELETE FROM flows WHERE id = $1`,
		} {
			if _, err := tx.Exec(ctx, stmt, id); err != nil {
				return err
			}
		}
		return nil
	})
	return mapErr("repository.DeleteFlow", err)
}

// CountActiveFlows counts the tenant's active flows.
func (s *PostgresStore) CountActiveFlows(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM flows WHERE tenant_id = $1 AND is_active`, tenantID).Scan(&n)
	return n, mapErr("repository.CountActiveFlows", err)
}

// CreateVersion stores the next version of a flow as a draft.
func (s *PostgresStore) CreateVersion(ctx context.Context, v *models.FlowVersion) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockFlow(ctx, tx, v.TenantID, v.FlowID); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version_number), 0) + 1 FROM flow_versions WHERE flow_id = $1`, v.FlowID,
		).Scan(&v.VersionNumber); err != nil {
			return err
		}
		v.Status = models.VersionDraft
		if err := insertVersion(ctx, tx, v); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE flows SET current_version_id = $2, lifecycle_status = 'draft', updated_at = $3
			WHERE id = $1`, v.FlowID, v.ID, v.CreatedAt)
		return err
	})
	return mapErr("repository.CreateVersion", err)
}

// GetVersion retrieves a version owned by the flow.
func (s *PostgresStore) GetVersion(ctx context.Context, tenantID, flowID, versionID string) (*models.FlowVersion, error) {
	v, err := scanVersion(s.db.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM flow_versions WHERE tenant_id = $1 AND flow_id = $2 AND id = $3`,
		tenantID, flowID, versionID))
	if err != nil {
		return nil, mapErr("repository.GetVersion", err)
	}
	return v, nil
}

// LatestVersion retrieves the highest-numbered version of the flow.
func (s *PostgresStore) LatestVersion(ctx context.Context, tenantID, flowID string) (*models.FlowVersion, error) {
	v, err := scanVersion(s.db.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM flow_versions WHERE tenant_id = $1 AND flow_id = $2
		ORDER BY version_number DESC LIMIT 1`, tenantID, flowID))
	if err != nil {
		return nil, mapErr("repository.LatestVersion", err)
	}
	return v, nil
}

// ListVersions returns the flow's versions, newest first.
func (s *PostgresStore) ListVersions(ctx context.Context, tenantID, flowID string) ([]*models.FlowVersion, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+versionColumns+` FROM flow_versions WHERE tenant_id = $1 AND flow_id = $2
		ORDER BY version_number DESC`, tenantID, flowID)
	if err != nil {
		return nil, mapErr("repository.ListVersions", err)
	}
	defer rows.Close()

	var out []*models.FlowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, mapErr("repository.ListVersions", err)
		}
		out = append(out, v)
	}
	return out, mapErr("repository.ListVersions", rows.Err())
}

// PublishVersion flips exactly one version to published.
func (s *PostgresStore) PublishVersion(ctx context.Context, tenantID, flowID, versionID string, at time.Time) (*models.Flow, error) {
	var flow *models.Flow
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockFlow(ctx, tx, tenantID, flowID); err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM flow_versions WHERE flow_id = $1 AND id = $2)`, flowID, versionID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFoundf("repository.PublishVersion", "version %s not found", versionID)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE flow_versions SET status = 'archived'
			WHERE flow_id = $1 AND status = 'published' AND id <> $2`, flowID, versionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE flow_versions SET status = 'published', published_at = $2 WHERE id = $1`, versionID, at); err != nil {
			return err
		}
		var err error
		flow, err = scanFlow(tx.QueryRow(ctx, `
			UPDATE flows SET current_version_id = $2, published_version_id = $2, lifecycle_status = 'published',
				last_published_at = $3, is_active = true, updated_at = $3
			WHERE id = $1
			RETURNING `+flowColumns, flowID, versionID, at))
		return err
	})
	if err != nil {
		return nil, mapErr("repository.PublishVersion", err)
	}
	return flow, nil
}

// UnpublishFlow archives the published version and deactivates the flow.
func (s *PostgresStore) UnpublishFlow(ctx context.Context, tenantID, flowID string) (*models.Flow, error) {
	var flow *models.Flow
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockFlow(ctx, tx, tenantID, flowID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE flow_versions SET status = 'archived' WHERE flow_id = $1 AND status = 'published'`, flowID); err != nil {
			return err
		}
		var err error
		flow, err = scanFlow(tx.QueryRow(ctx, `
			UPDATE flows SET published_version_id = '', lifecycle_status = 'draft', is_active = false,
				updated_at = now()
			WHERE id = $1
			RETURNING `+flowColumns, flowID))
		return err
	})
	if err != nil {
		return nil, mapErr("repository.UnpublishFlow", err)
	}
	return flow, nil
}

// UpsertNode inserts or replaces a node keyed by flow and key. A flow owned by
// another tenant reads as missing.
func (s *PostgresStore) UpsertNode(ctx context.Context, n *models.Node) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO flow_nodes (id, tenant_id, flow_id, version_id, node_key, node_type, name, config, edges,
			sequence, is_reusable, created_at, updated_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::text, $7::text, $8::jsonb, $9::jsonb,
			$10::integer, $11::boolean, $12::timestamptz, $13::timestamptz
		WHERE EXISTS (SELECT 1 FROM flows WHERE id = $3::text AND tenant_id = $2::text)
		ON CONFLICT (flow_id, node_key) DO UPDATE SET
			version_id  = EXCLUDED.version_id,
			node_type   = EXCLUDED.node_type,
			name        = EXCLUDED.name,
			config      = EXCLUDED.config,
			edges       = EXCLUDED.edges,
			sequence    = EXCLUDED.sequence,
			is_reusable = EXCLUDED.is_reusable,
			updated_at  = EXCLUDED.updated_at
		WHERE flow_nodes.tenant_id = EXCLUDED.tenant_id
		RETURNING id, created_at`,
		n.ID, n.TenantID, n.FlowID, n.VersionID, n.Key, n.Type, n.Name, jsonText(n.Config, "{}"), jsonText(n.Edges, "{}"),
		n.Sequence, n.IsReusable, n.CreatedAt, n.UpdatedAt,
	).Scan(&n.ID, &n.CreatedAt)
	return mapErr("repository.UpsertNode", err)
}

// ListNodes returns the flow's authored nodes ordered by sequence.
func (s *PostgresStore) ListNodes(ctx context.Context, tenantID, flowID string) ([]*models.Node, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, tenant_id, flow_id, version_id, node_key, node_type, name, config, edges, sequence,
			is_reusable, created_at, updated_at
		FROM flow_nodes WHERE tenant_id = $1 AND flow_id = $2
		ORDER BY sequence, node_key`, tenantID, flowID)
	if err != nil {
		return nil, mapErr("repository.ListNodes", err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		var n models.Node
		var cfg, edges []byte
		if err := rows.Scan(&n.ID, &n.TenantID, &n.FlowID, &n.VersionID, &n.Key, &n.Type, &n.Name, &cfg, &edges,
			&n.Sequence, &n.IsReusable, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, mapErr("repository.ListNodes", err)
		}
		n.Config, n.Edges = cfg, edges
		out = append(out, &n)
	}
	return out, mapErr("repository.ListNodes", rows.Err())
}

// successRate is the percentage of runs that completed, rounded to one decimal.
func successRate(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	pct := float64(completed) * 1000 / float64(total)
	return float64(int(pct+0.5)) / 10
}
