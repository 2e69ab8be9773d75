package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/repository"
	"msgflow/backend/pkg/models"
)

func fixedClock() time.Time {
	return time.Date(2026, 5, 1, 23, 59, 0, 0, time.FixedZone("IST", 5*3600+1800))
}

func TestDay(t *testing.T) {
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), Day(fixedClock()))
}

func TestGuard_CheckRun(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	g := NewGuard(store, WithClock(fixedClock))

	require.NoError(t, g.CheckRun(ctx, "t1"))

	store.SetUsage(models.UsageCounter{TenantID: "t1", Day: g.Today(), Runs: 25000})
	err := g.CheckRun(ctx, "t1")
	require.Error(t, err)

	var lr *LimitReachedError
	require.True(t, errors.As(err, &lr))
	assert.Equal(t, LimitRunsPerDay, lr.Limit)
	assert.Equal(t, 25000, lr.Usage)
	assert.Equal(t, 25000, lr.Max)
	assert.Equal(t, apperr.LimitReached, apperr.KindOf(err))

	store.SetUsage(models.UsageCounter{TenantID: "t1", Day: g.Today(), Runs: 10, APICalls: 50000})
	err = g.CheckRun(ctx, "t1")
	require.True(t, errors.As(err, &lr))
	assert.Equal(t, LimitAPICallsPerDay, lr.Limit)

	// other days and tenants are unaffected
	require.NoError(t, g.CheckRun(ctx, "t2"))
	tomorrow := NewGuard(store, WithClock(func() time.Time { return fixedClock().Add(24 * time.Hour) }))
	require.NoError(t, tomorrow.CheckRun(ctx, "t1"))
}

func TestGuard_RecordAndSnapshot(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	g := NewGuard(store, WithClock(fixedClock), WithPlan(Plan{Name: "tiny", RunsPerDay: 2, APICallsPerDay: 5, NodesPerFlow: 3, ActiveFlows: 1}))

	_, err := g.Record(ctx, "t1", 1, 2)
	require.NoError(t, err)
	require.NoError(t, g.CheckRun(ctx, "t1"))
	u, err := g.Record(ctx, "t1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, u.Runs)

	assert.Error(t, g.CheckRun(ctx, "t1"))

	snap, err := g.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "tiny", snap.Plan.Name)
	assert.Equal(t, 2, snap.Usage.Runs)
	assert.Equal(t, 2, snap.Usage.APICalls)
}

func TestGuard_CheckActivation(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	g := NewGuard(store, WithPlan(Plan{ActiveFlows: 1}))

	require.NoError(t, g.CheckActivation(ctx, "t1"))

	now := time.Now()
	f := &models.Flow{ID: "f1", TenantID: "t1", Name: "a", CreatedAt: now, UpdatedAt: now}
	v := &models.FlowVersion{ID: "v1", CreatedAt: now}
	require.NoError(t, store.CreateFlow(ctx, f, v))
	_, err := store.PublishVersion(ctx, "t1", "f1", "v1", now)
	require.NoError(t, err)

	err = g.CheckActivation(ctx, "t1")
	var lr *LimitReachedError
	require.True(t, errors.As(err, &lr))
	assert.Equal(t, LimitActiveFlows, lr.Limit)
	assert.Equal(t, 1, lr.Usage)
}

func TestPlanFor(t *testing.T) {
	assert.Equal(t, Standard, PlanFor("unknown"))
	assert.Equal(t, 300, PlanFor("standard").NodesPerFlow)
}
