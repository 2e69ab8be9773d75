// Package engine executes flow versions: it resolves the version to run,
// deduplicates requests by idempotency key, walks the node graph and records
// the outcome of every step on the run.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/flowdef"
	"msgflow/backend/internal/gateway"
	"msgflow/backend/internal/logging"
	"msgflow/backend/internal/metrics"
	"msgflow/backend/internal/tenancy"
	"msgflow/backend/pkg/models"
)

// ErrCycleDetected fails a run whose walk revisits a node. A cyclic graph
// fails on the first revisit instead of spinning until the step budget is
// spent; the budget only stops long acyclic walks and subflow fan-out.
var ErrCycleDetected = errors.New("cycle_detected")

// Defaults applied when Options leave a field zero.
const (
	DefaultMaxSteps        = 300
	DefaultMaxDelay        = 120 * time.Second
	DefaultMaxTotalDelay   = 120 * time.Second
	DefaultMaxSubflowDepth = 8
)

// Store is what the executor needs from the Flow Store.
type Store interface {
	GetFlow(ctx context.Context, tenantID, id string) (*models.Flow, error)
	GetVersion(ctx context.Context, tenantID, flowID, versionID string) (*models.FlowVersion, error)
	LatestVersion(ctx context.Context, tenantID, flowID string) (*models.FlowVersion, error)
	CreateRun(ctx context.Context, run *models.Run, isRetry bool) (*models.Run, bool, error)
	FindRunByKey(ctx context.Context, tenantID, flowID, key string) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
}

// FAQ answers free text from the tenant's knowledge base.
type FAQ interface {
	Answer(ctx context.Context, tenantID, text string) (string, error)
}

// Quota gates live runs and records their usage.
type Quota interface {
	CheckRun(ctx context.Context, tenantID string) error
	Record(ctx context.Context, tenantID string, runs, apiCalls int) (*models.UsageCounter, error)
}

// Request asks for one execution of a flow.
type Request struct {
	FlowID         string
	VersionID      string
	TriggerType    string
	Payload        json.RawMessage
	Mode           models.RunMode
	IdempotencyKey string
	IsRetry        bool
}

// Options bounds execution.
type Options struct {
	MaxSteps        int
	MaxDelay        time.Duration
	MaxSubflowDepth int

	// MaxTotalDelay caps the time one run, subflows included, may spend in
	// delay nodes. Keep it under the HTTP write timeout.
	MaxTotalDelay time.Duration
}

// Executor runs flows.
type Executor struct {
	store   Store
	gateway gateway.Gateway
	faq     FAQ
	quota   Quota
	logger  *logging.Logger
	opts    Options

	tracer  trace.Tracer
	runHist metric.Float64Histogram
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithOptions sets execution bounds.
func WithOptions(o Options) Option {
	return func(e *Executor) { e.opts = o }
}

// WithSleep replaces the delay implementation.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an Executor. faq and quota may be nil.
func New(store Store, gw gateway.Gateway, faq FAQ, quota Quota, logger *logging.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:   store,
		gateway: gw,
		faq:     faq,
		quota:   quota,
		logger:  logger,
		tracer:  otel.Tracer("msgflow/engine"),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.opts.MaxSteps <= 0 {
		e.opts.MaxSteps = DefaultMaxSteps
	}
	if e.opts.MaxDelay <= 0 {
		e.opts.MaxDelay = DefaultMaxDelay
	}
	if e.opts.MaxTotalDelay <= 0 {
		e.opts.MaxTotalDelay = DefaultMaxTotalDelay
	}
	if e.opts.MaxSubflowDepth <= 0 {
		e.opts.MaxSubflowDepth = DefaultMaxSubflowDepth
	}
	hist, err := otel.Meter("msgflow/engine").Float64Histogram("msgflow.run.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of flow runs"))
	if err != nil {
		logger.Warn("run duration histogram unavailable", "error", err)
	}
	e.runHist = hist
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// budget is the step allowance shared by a run and all of its subflows.
type budget struct {
	remaining int
	delay     time.Duration
}

// wait reserves up to d of the delay budget and returns what was granted.
func (b *budget) wait(d time.Duration) time.Duration {
	if d > b.delay {
		d = b.delay
	}
	b.delay -= d
	return d
}

func (b *budget) take() bool {
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// Execute runs a flow for the tenant on ctx. A repeated non-retry request
// with a known idempotency key returns the earlier run unchanged. Node
// failures do not surface as errors: they mark the returned run failed.
func (e *Executor) Execute(ctx context.Context, req Request) (*models.Run, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = models.RunModeLive
	}
	if mode != models.RunModeLive && mode != models.RunModeSimulate {
		return nil, apperr.Invalidf("engine.Execute", "unsupported run mode %q", mode)
	}

	flow, err := e.store.GetFlow(ctx, tenantID, req.FlowID)
	if err != nil {
		return nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	} else if !req.IsRetry {
		existing, err := e.store.FindRunByKey(ctx, tenantID, flow.ID, key)
		if err == nil {
			e.logger.Debug("returning existing run", "run_id", existing.ID, "idempotency_key", key)
			return existing, nil
		}
		if !apperr.Is(err, apperr.NotFound) {
			return nil, err
		}
	}

	version, err := e.resolveVersion(ctx, tenantID, flow, req.VersionID)
	if err != nil {
		return nil, err
	}

	if mode == models.RunModeLive && e.quota != nil {
		if err := e.quota.CheckRun(ctx, tenantID); err != nil {
			return nil, err
		}
	}

	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = string(flow.TriggerType)
	}
	run := &models.Run{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		FlowID:         flow.ID,
		VersionID:      version.ID,
		Mode:           mode,
		TriggerType:    triggerType,
		IdempotencyKey: key,
		TriggerPayload: req.Payload,
	}
	return e.run(ctx, flow, version, run, req.IsRetry, mode == models.RunModeLive, 0, &budget{remaining: e.opts.MaxSteps, delay: e.opts.MaxTotalDelay})
}

// resolveVersion picks the explicit version when the flow owns it, then the
// published version, then the current version, then the highest number.
func (e *Executor) resolveVersion(ctx context.Context, tenantID string, flow *models.Flow, explicit string) (*models.FlowVersion, error) {
	candidates := []string{explicit, flow.PublishedVersionID, flow.CurrentVersionID}
	for i, id := range candidates {
		if id == "" {
			continue
		}
		v, err := e.store.GetVersion(ctx, tenantID, flow.ID, id)
		if err == nil {
			return v, nil
		}
		if !apperr.Is(err, apperr.NotFound) {
			return nil, err
		}
		if i == 0 {
			e.logger.Warn("requested version not found, falling back", "flow_id", flow.ID, "version_id", id)
		}
	}
	v, err := e.store.LatestVersion(ctx, tenantID, flow.ID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, apperr.NotFoundf("engine.resolveVersion", "flow %s has no runnable version", flow.ID)
		}
		return nil, err
	}
	return v, nil
}

// runState is the mutable state of one walk.
type runState struct {
	flow    *models.Flow
	run     *models.Run
	graph   *flowdef.Graph
	payload Payload
	live    bool
	depth   int
	budget  *budget
	trace   []models.TraceEntry
	lines   []string
	effects Effects
}

func (st *runState) logf(format string, args ...any) {
	st.lines = append(st.lines, fmt.Sprintf(format, args...))
}

// run persists the run as running, walks the graph and persists the outcome.
func (e *Executor) run(ctx context.Context, flow *models.Flow, version *models.FlowVersion, run *models.Run,
	isRetry, live bool, depth int, b *budget) (*models.Run, error) {
	started := e.now()
	run.Status = models.RunRunning
	run.StartedAt = started.UTC()
	run.Trace = json.RawMessage("[]")

	stored, created, err := e.store.CreateRun(ctx, run, isRetry)
	if err != nil {
		return nil, err
	}
	if !created {
		return stored, nil
	}
	run = stored

	ctx, span := e.tracer.Start(ctx, "flow.run", trace.WithAttributes(
		attribute.String("flow.id", flow.ID),
		attribute.String("flow.version_id", version.ID),
		attribute.String("run.id", run.ID),
		attribute.String("run.mode", string(run.Mode)),
	))
	defer span.End()

	logger := e.logger.With("run_id", run.ID, "flow_id", flow.ID, "mode", string(run.Mode))
	st := &runState{flow: flow, run: run, live: live, depth: depth, budget: b}

	walkErr := e.prepare(ctx, st, version)
	if walkErr == nil {
		walkErr = e.walk(ctx, st)
	}

	finished := e.now()
	run.CompletedAt = &finished
	run.MessagesSent = st.effects.MessagesSent
	run.APICalls = st.effects.APICalls
	if walkErr != nil {
		run.Status = models.RunFailed
		run.FailureReason = walkErr.Error()
		st.trace = append(st.trace, models.TraceEntry{NodeID: "runtime", Status: "failed", Error: walkErr.Error()})
		st.logf("run failed: %s", walkErr.Error())
		span.RecordError(walkErr)
		span.SetStatus(codes.Error, walkErr.Error())
		logger.Warn("run failed", "error", walkErr)
	} else {
		run.Status = models.RunCompleted
		logger.Info("run completed", "steps", len(st.trace), "messages_sent", run.MessagesSent)
	}
	run.Log = strings.Join(st.lines, "\n")
	run.Trace, _ = json.Marshal(st.trace)

	persistCtx := context.WithoutCancel(ctx)
	if err := e.store.UpdateRun(persistCtx, run); err != nil {
		return nil, err
	}

	elapsed := finished.Sub(started)
	metrics.RecordRun(string(run.Mode), string(run.Status), elapsed)
	if e.runHist != nil {
		e.runHist.Record(persistCtx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("mode", string(run.Mode)),
			attribute.String("status", string(run.Status)),
		))
	}

	if live && e.quota != nil {
		if _, err := e.quota.Record(persistCtx, run.TenantID, 1, run.APICalls); err != nil {
			logger.Error("failed to record usage", "error", err)
		}
	}
	return run, nil
}

// prepare parses the payload and graph and injects the FAQ answer.
func (e *Executor) prepare(ctx context.Context, st *runState, version *models.FlowVersion) error {
	payload, err := ParsePayload(st.run.TriggerPayload)
	if err != nil {
		return err
	}
	st.payload = payload

	if !payload.Has("faq_answer") && payload.Has("message") && e.faq != nil {
		answer, err := e.faq.Answer(ctx, st.run.TenantID, payload.Get("message"))
		if err != nil {
			e.logger.Warn("faq lookup failed", "run_id", st.run.ID, "error", err)
		} else {
			payload.Set("faq_answer", answer)
			if answer != "" {
				st.logf("faq answer resolved for message")
			}
		}
	}

	graph, err := flowdef.Parse(version.Definition)
	if err != nil {
		return err
	}
	st.graph = graph
	return nil
}

// walk visits nodes from the start node until an end node, an empty edge,
// a missing node or an exhausted step budget.
func (e *Executor) walk(ctx context.Context, st *runState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during walk: %v", r)
		}
	}()

	visited := make(map[string]bool)
	cursor := st.graph.StartID
	for cursor != "" {
		if !st.budget.take() {
			st.logf("step limit reached after %d steps", len(st.trace))
			return nil
		}
		node, ok := st.graph.Node(cursor)
		if !ok {
			st.logf("missing node %s, stopping", cursor)
			return nil
		}
		key := strings.ToLower(node.ID)
		if visited[key] {
			return fmt.Errorf("%w: node %s visited twice", ErrCycleDetected, node.ID)
		}
		visited[key] = true

		next, err := e.step(ctx, st, node)
		if err != nil {
			return fmt.Errorf("node %s: %w", node.ID, err)
		}
		if node.Kind() == flowdef.KindEnd {
			return nil
		}
		cursor = next
	}
	return nil
}

// step dispatches one node and records its trace entry and log line.
func (e *Executor) step(ctx context.Context, st *runState, node *flowdef.Node) (string, error) {
	ctx, span := e.tracer.Start(ctx, "flow.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.Kind()),
	))
	defer span.End()

	start := e.now()
	res, err := e.dispatch(ctx, st, node)
	elapsed := e.now().Sub(start).Milliseconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordNodeDispatch(node.Kind(), "failed")
		return "", err
	}
	metrics.RecordNodeDispatch(node.Kind(), "ok")

	st.effects.add(res.effects)
	status := res.status
	if status == "" {
		status = "ok"
	}
	st.trace = append(st.trace, models.TraceEntry{
		NodeID:     node.ID,
		NodeType:   node.Kind(),
		NextNodeID: res.next,
		ElapsedMs:  elapsed,
		Status:     status,
	})
	target := res.next
	if target == "" || node.Kind() == flowdef.KindEnd {
		target = "(end)"
	}
	st.logf("%s [%s] %s -> %s", node.ID, node.Kind(), res.note, target)
	return res.next, nil
}
