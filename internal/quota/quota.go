// Package quota enforces per-tenant daily plan limits.
package quota

import (
	"context"
	"fmt"
	"time"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/metrics"
	"msgflow/backend/internal/repository"
	"msgflow/backend/pkg/models"
)

// Limit names reported in LimitReachedError.
const (
	LimitRunsPerDay     = "runs_per_day"
	LimitAPICallsPerDay = "api_calls_per_day"
	LimitNodesPerFlow   = "nodes_per_flow"
	LimitActiveFlows    = "active_flows"
)

// Plan is a static set of limits.
type Plan struct {
	Name           string `json:"name"`
	RunsPerDay     int    `json:"runsPerDay"`
	APICallsPerDay int    `json:"apiCallsPerDay"`
	NodesPerFlow   int    `json:"nodesPerFlow"`
	ActiveFlows    int    `json:"activeFlows"`
}

// Standard is the plan every tenant gets unless the catalog says otherwise.
var Standard = Plan{
	Name:           "standard",
	RunsPerDay:     25000,
	APICallsPerDay: 50000,
	NodesPerFlow:   300,
	ActiveFlows:    50,
}

var catalog = map[string]Plan{
	Standard.Name: Standard,
}

// PlanFor looks a plan up by name, falling back to Standard.
func PlanFor(name string) Plan {
	if p, ok := catalog[name]; ok {
		return p
	}
	return Standard
}

// LimitReachedError refuses an operation because a plan limit is met.
type LimitReachedError struct {
	Limit string `json:"limit"`
	Usage int    `json:"usage"`
	Max   int    `json:"max"`
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("limit reached: %s (%d/%d)", e.Limit, e.Usage, e.Max)
}

// Kind classifies the error for the API boundary.
func (e *LimitReachedError) Kind() apperr.Kind {
	return apperr.LimitReached
}

// Store is what the guard needs from the Flow Store.
type Store interface {
	repository.UsageStore
	CountActiveFlows(ctx context.Context, tenantID string) (int, error)
}

// Guard checks and records usage against a plan.
type Guard struct {
	store Store
	plan  Plan
	now   func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source used to pick the daily bucket.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithPlan overrides the plan.
func WithPlan(p Plan) Option {
	return func(g *Guard) { g.plan = p }
}

// NewGuard creates a Guard on the Standard plan.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{store: store, plan: Standard, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Plan returns the enforced plan.
func (g *Guard) Plan() Plan {
	return g.plan
}

// Day returns the UTC date bucket containing t.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NodeLimit is the plan's maximum number of nodes per flow.
func (g *Guard) NodeLimit() int {
	return g.plan.NodesPerFlow
}

// Today returns the current bucket.
func (g *Guard) Today() time.Time {
	return Day(g.now())
}

// CheckRun refuses a live run when today's runs or API calls have reached
// the plan limit.
func (g *Guard) CheckRun(ctx context.Context, tenantID string) error {
	u, err := g.store.GetUsage(ctx, tenantID, g.Today())
	if err != nil {
		return err
	}
	if u.Runs >= g.plan.RunsPerDay {
		return refuse(LimitRunsPerDay, u.Runs, g.plan.RunsPerDay)
	}
	if u.APICalls >= g.plan.APICallsPerDay {
		return refuse(LimitAPICallsPerDay, u.APICalls, g.plan.APICallsPerDay)
	}
	return nil
}

// CheckActivation refuses activating another flow when the tenant already
// has the maximum number of active flows.
func (g *Guard) CheckActivation(ctx context.Context, tenantID string) error {
	n, err := g.store.CountActiveFlows(ctx, tenantID)
	if err != nil {
		return err
	}
	if n >= g.plan.ActiveFlows {
		return refuse(LimitActiveFlows, n, g.plan.ActiveFlows)
	}
	return nil
}

// Record adds a finished run and its API calls to today's bucket.
func (g *Guard) Record(ctx context.Context, tenantID string, runs, apiCalls int) (*models.UsageCounter, error) {
	return g.store.IncrementUsage(ctx, tenantID, g.Today(), runs, apiCalls)
}

// Snapshot is the plan together with today's usage.
type Snapshot struct {
	Plan  Plan                `json:"plan"`
	Usage models.UsageCounter `json:"usage"`
}

// Snapshot returns the plan and today's usage with a live active flow count.
func (g *Guard) Snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	u, err := g.store.GetUsage(ctx, tenantID, g.Today())
	if err != nil {
		return nil, err
	}
	active, err := g.store.CountActiveFlows(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	u.ActiveFlows = active
	return &Snapshot{Plan: g.plan, Usage: *u}, nil
}

func refuse(limit string, usage, ceiling int) error {
	metrics.RecordQuotaRefusal(limit)
	return &LimitReachedError{Limit: limit, Usage: usage, Max: ceiling}
}
