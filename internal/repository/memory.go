package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/pkg/models"
)

// MemoryStore is a goroutine-safe Repository backed by maps. It backs tests
// and single-process dev runs.
type MemoryStore struct {
	mu        sync.RWMutex
	tenants   map[string]*models.Tenant
	flows     map[string]*models.Flow
	versions  map[string]*models.FlowVersion
	nodes     map[string]*models.Node
	runs      map[string]*runRecord
	approvals map[string]*models.Approval
	usage     map[string]*models.UsageCounter
	faqs      map[string]*models.FaqItem
	seq       int64
}

type runRecord struct {
	run        models.Run
	generation int
	seq        int64
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:   make(map[string]*models.Tenant),
		flows:     make(map[string]*models.Flow),
		versions:  make(map[string]*models.FlowVersion),
		nodes:     make(map[string]*models.Node),
		runs:      make(map[string]*runRecord),
		approvals: make(map[string]*models.Approval),
		usage:     make(map[string]*models.UsageCounter),
		faqs:      make(map[string]*models.FaqItem),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetTenantByDomain(_ context.Context, domain string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tenants {
		if t.Domain == domain {
			c := *t
			return &c, nil
		}
	}
	return nil, apperr.NotFoundf("repository.GetTenantByDomain", "tenant for domain %s not found", domain)
}

func (s *MemoryStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tenants {
		if existing.Domain == t.Domain {
			return apperr.Conflictf("repository.CreateTenant", "tenant for domain %s exists", t.Domain)
		}
	}
	c := *t
	s.tenants[t.ID] = &c
	return nil
}

// flow returns the stored flow; callers hold the lock.
func (s *MemoryStore) flow(op, tenantID, id string) (*models.Flow, error) {
	f, ok := s.flows[id]
	if !ok || f.TenantID != tenantID {
		return nil, apperr.NotFoundf(op, "flow %s not found", id)
	}
	return f, nil
}

func (s *MemoryStore) CreateFlow(_ context.Context, f *models.Flow, first *models.FlowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[f.ID]; ok {
		return apperr.Conflictf("repository.CreateFlow", "flow %s exists", f.ID)
	}
	first.FlowID = f.ID
	first.TenantID = f.TenantID
	first.VersionNumber = 1
	f.CurrentVersionID = first.ID

	fc, vc := *f, *first
	s.flows[f.ID] = &fc
	s.versions[first.ID] = &vc
	return nil
}

func (s *MemoryStore) GetFlow(_ context.Context, tenantID, id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.flow("repository.GetFlow", tenantID, id)
	if err != nil {
		return nil, err
	}
	c := *f
	return &c, nil
}

func (s *MemoryStore) ListFlows(_ context.Context, tenantID string) ([]*models.FlowSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.FlowSummary
	for _, f := range s.flows {
		if f.TenantID != tenantID {
			continue
		}
		fs := &models.FlowSummary{Flow: *f}
		for _, v := range s.versions {
			if v.FlowID == f.ID {
				fs.VersionCount++
			}
		}
		completed := 0
		for _, r := range s.runs {
			if r.run.FlowID == f.ID {
				fs.RunCount++
				if r.run.Status == models.RunCompleted {
					completed++
				}
			}
		}
		fs.SuccessRate = successRate(completed, fs.RunCount)
		out = append(out, fs)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateFlow(_ context.Context, f *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.flow("repository.UpdateFlow", f.TenantID, f.ID)
	if err != nil {
		return err
	}
	stored.Name = f.Name
	stored.Description = f.Description
	stored.Channel = f.Channel
	stored.TriggerType = f.TriggerType
	stored.TriggerConfig = f.TriggerConfig
	stored.UpdatedAt = f.UpdatedAt
	return nil
}

func (s *MemoryStore) DeleteFlow(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.flow("repository.DeleteFlow", tenantID, id); err != nil {
		return err
	}
	for k, n := range s.nodes {
		if n.FlowID == id {
			delete(s.nodes, k)
		}
	}
	for k, v := range s.versions {
		if v.FlowID == id {
			delete(s.versions, k)
		}
	}
	for k, r := range s.runs {
		if r.run.FlowID == id {
			delete(s.runs, k)
		}
	}
	for k, a := range s.approvals {
		if a.FlowID == id {
			delete(s.approvals, k)
		}
	}
	delete(s.flows, id)
	return nil
}

func (s *MemoryStore) CountActiveFlows(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countActive(tenantID), nil
}

func (s *MemoryStore) countActive(tenantID string) int {
	n := 0
	for _, f := range s.flows {
		if f.TenantID == tenantID && f.IsActive {
			n++
		}
	}
	return n
}

func (s *MemoryStore) CreateVersion(_ context.Context, v *models.FlowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.flow("repository.CreateVersion", v.TenantID, v.FlowID)
	if err != nil {
		return err
	}
	highest := 0
	for _, existing := range s.versions {
		if existing.FlowID == v.FlowID && existing.VersionNumber > highest {
			highest = existing.VersionNumber
		}
	}
	v.VersionNumber = highest + 1
	v.Status = models.VersionDraft
	c := *v
	s.versions[v.ID] = &c

	f.CurrentVersionID = v.ID
	f.LifecycleStatus = models.LifecycleDraft
	f.UpdatedAt = v.CreatedAt
	return nil
}

func (s *MemoryStore) GetVersion(_ context.Context, tenantID, flowID, versionID string) (*models.FlowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[versionID]
	if !ok || v.TenantID != tenantID || v.FlowID != flowID {
		return nil, apperr.NotFoundf("repository.GetVersion", "version %s not found", versionID)
	}
	c := *v
	return &c, nil
}

func (s *MemoryStore) LatestVersion(_ context.Context, tenantID, flowID string) (*models.FlowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.FlowVersion
	for _, v := range s.versions {
		if v.TenantID == tenantID && v.FlowID == flowID && (latest == nil || v.VersionNumber > latest.VersionNumber) {
			latest = v
		}
	}
	if latest == nil {
		return nil, apperr.NotFoundf("repository.LatestVersion", "flow %s has no versions", flowID)
	}
	c := *latest
	return &c, nil
}

func (s *MemoryStore) ListVersions(_ context.Context, tenantID, flowID string) ([]*models.FlowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.FlowVersion
	for _, v := range s.versions {
		if v.TenantID == tenantID && v.FlowID == flowID {
			c := *v
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (s *MemoryStore) PublishVersion(_ context.Context, tenantID, flowID, versionID string, at time.Time) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.flow("repository.PublishVersion", tenantID, flowID)
	if err != nil {
		return nil, err
	}
	target, ok := s.versions[versionID]
	if !ok || target.FlowID != flowID {
		return nil, apperr.NotFoundf("repository.PublishVersion", "version %s not found", versionID)
	}
	for _, v := range s.versions {
		if v.FlowID == flowID && v.Status == models.VersionPublished && v.ID != versionID {
			v.Status = models.VersionArchived
		}
	}
	published := at
	target.Status = models.VersionPublished
	target.PublishedAt = &published

	f.CurrentVersionID = versionID
	f.PublishedVersionID = versionID
	f.LifecycleStatus = models.LifecyclePublished
	f.LastPublishedAt = &published
	f.IsActive = true
	f.UpdatedAt = at
	c := *f
	return &c, nil
}

func (s *MemoryStore) UnpublishFlow(_ context.Context, tenantID, flowID string) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.flow("repository.UnpublishFlow", tenantID, flowID)
	if err != nil {
		return nil, err
	}
	for _, v := range s.versions {
		if v.FlowID == flowID && v.Status == models.VersionPublished {
			v.Status = models.VersionArchived
		}
	}
	f.PublishedVersionID = ""
	f.LifecycleStatus = models.LifecycleDraft
	f.IsActive = false
	f.UpdatedAt = time.Now().UTC()
	c := *f
	return &c, nil
}

func (s *MemoryStore) UpsertNode(_ context.Context, n *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.flow("repository.UpsertNode", n.TenantID, n.FlowID); err != nil {
		return err
	}
	for _, existing := range s.nodes {
		if existing.FlowID == n.FlowID && existing.Key == n.Key {
			n.ID = existing.ID
			n.CreatedAt = existing.CreatedAt
			break
		}
	}
	c := *n
	s.nodes[n.ID] = &c
	return nil
}

func (s *MemoryStore) ListNodes(_ context.Context, tenantID, flowID string) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Node
	for _, n := range s.nodes {
		if n.TenantID == tenantID && n.FlowID == flowID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// latestRun returns the newest record for a key; callers hold the lock.
func (s *MemoryStore) latestRun(tenantID, flowID, key string) *runRecord {
	var latest *runRecord
	for _, r := range s.runs {
		if r.run.TenantID != tenantID || r.run.FlowID != flowID || r.run.IdempotencyKey != key {
			continue
		}
		if latest == nil || r.generation > latest.generation ||
			(r.generation == latest.generation && r.seq > latest.seq) {
			latest = r
		}
	}
	return latest
}

func (s *MemoryStore) CreateRun(_ context.Context, r *models.Run, isRetry bool) (*models.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := s.latestRun(r.TenantID, r.FlowID, r.IdempotencyKey)
	gen := 0
	if latest != nil {
		if !isRetry {
			c := latest.run
			return &c, false, nil
		}
		gen = latest.generation + 1
	}
	s.seq++
	r.RetryCount = gen
	s.runs[r.ID] = &runRecord{run: *r, generation: gen, seq: s.seq}
	return r, true, nil
}

func (s *MemoryStore) FindRunByKey(_ context.Context, tenantID, flowID, key string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latestRun(tenantID, flowID, key)
	if latest == nil {
		return nil, apperr.NotFoundf("repository.FindRunByKey", "no run for key %q", key)
	}
	c := latest.run
	return &c, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, r *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[r.ID]
	if !ok || rec.run.TenantID != r.TenantID {
		return apperr.NotFoundf("repository.UpdateRun", "run %s not found", r.ID)
	}
	rec.run.Status = r.Status
	rec.run.Log = r.Log
	rec.run.Trace = r.Trace
	rec.run.FailureReason = r.FailureReason
	rec.run.MessagesSent = r.MessagesSent
	rec.run.APICalls = r.APICalls
	rec.run.CompletedAt = r.CompletedAt
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, tenantID, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[id]
	if !ok || rec.run.TenantID != tenantID {
		return nil, apperr.NotFoundf("repository.GetRun", "run %s not found", id)
	}
	c := rec.run
	return &c, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, tenantID string, filter models.RunFilter) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []*runRecord
	for _, rec := range s.runs {
		if rec.run.TenantID != tenantID {
			continue
		}
		if filter.FlowID != "" && rec.run.FlowID != filter.FlowID {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	out := make([]*models.Run, 0, limit)
	for _, rec := range recs {
		if len(out) == limit {
			break
		}
		c := rec.run
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) CreateApproval(_ context.Context, a *models.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.approvals {
		if existing.FlowID == a.FlowID && existing.VersionID == a.VersionID && existing.Status == models.ApprovalPending {
			return apperr.Conflictf("repository.CreateApproval", "a pending approval already exists for version %s", a.VersionID)
		}
	}
	c := *a
	s.approvals[a.ID] = &c
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, tenantID, flowID, id string) (*models.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.approvals[id]
	if !ok || a.TenantID != tenantID || a.FlowID != flowID {
		return nil, apperr.NotFoundf("repository.GetApproval", "approval %s not found", id)
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) DecideApproval(_ context.Context, a *models.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.approvals[a.ID]
	if !ok || stored.TenantID != a.TenantID || stored.FlowID != a.FlowID {
		return apperr.NotFoundf("repository.DecideApproval", "approval %s not found", a.ID)
	}
	if stored.Status != models.ApprovalPending {
		return apperr.Invalidf("repository.DecideApproval", "approval is already %s", stored.Status)
	}
	if a.DecidedAt == nil {
		now := time.Now().UTC()
		a.DecidedAt = &now
	}
	stored.Status = a.Status
	stored.DecisionComment = a.DecisionComment
	stored.DecidedBy = a.DecidedBy
	stored.DecidedAt = a.DecidedAt
	return nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, tenantID, flowID string) ([]*models.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Approval
	for _, a := range s.approvals {
		if a.TenantID == tenantID && a.FlowID == flowID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out, nil
}

func (s *MemoryStore) HasApproved(_ context.Context, tenantID, flowID, versionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.approvals {
		if a.TenantID == tenantID && a.FlowID == flowID && a.VersionID == versionID && a.Status == models.ApprovalApproved {
			return true, nil
		}
	}
	return false, nil
}

func usageKey(tenantID string, day time.Time) string {
	return tenantID + "/" + day.UTC().Format(time.DateOnly)
}

func (s *MemoryStore) IncrementUsage(_ context.Context, tenantID string, day time.Time, runs, apiCalls int) (*models.UsageCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(tenantID, day)
	u, ok := s.usage[key]
	if !ok {
		u = &models.UsageCounter{TenantID: tenantID, Day: day}
		s.usage[key] = u
	}
	u.Runs += runs
	u.APICalls += apiCalls
	u.ActiveFlows = s.countActive(tenantID)
	u.UpdatedAt = time.Now().UTC()
	c := *u
	return &c, nil
}

func (s *MemoryStore) GetUsage(_ context.Context, tenantID string, day time.Time) (*models.UsageCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.usage[usageKey(tenantID, day)]; ok {
		c := *u
		return &c, nil
	}
	return &models.UsageCounter{TenantID: tenantID, Day: day}, nil
}

// SetUsage overwrites a day's bucket.
func (s *MemoryStore) SetUsage(u models.UsageCounter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[usageKey(u.TenantID, u.Day)] = &u
}

func (s *MemoryStore) ListActiveFaqs(_ context.Context, tenantID string, limit int) ([]*models.FaqItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.FaqItem
	for _, f := range s.faqs {
		if f.TenantID == tenantID && f.IsActive {
			c := *f
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateFaq(_ context.Context, f *models.FaqItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *f
	s.faqs[f.ID] = &c
	return nil
}
