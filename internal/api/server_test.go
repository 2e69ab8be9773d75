package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/auth"
	"msgflow/backend/internal/engine"
	"msgflow/backend/internal/faq"
	"msgflow/backend/internal/gateway"
	"msgflow/backend/internal/logging"
	"msgflow/backend/internal/quota"
	"msgflow/backend/internal/repository"
	"msgflow/backend/internal/services"
	"msgflow/backend/internal/tenancy"
	"msgflow/backend/pkg/models"
)

const tenantID = "tenant-1"

type testEnv struct {
	e     *echo.Echo
	store *repository.MemoryStore
	gw    *gateway.Recorder
	guard *quota.Guard
}

// unavailableStore fails flow listings the way a missing table would.
type unavailableStore struct {
	*repository.MemoryStore
}

func (unavailableStore) ListFlows(context.Context, string) ([]*models.FlowSummary, error) {
	return nil, apperr.New(apperr.Unavailable, "repository.ListFlows", "flows table is not present")
}

func newTestEnv(t *testing.T, wrap func(*repository.MemoryStore) services.FlowRepository) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	var flowStore services.FlowRepository = store
	if wrap != nil {
		flowStore = wrap(store)
	}
	gw := &gateway.Recorder{}
	guard := quota.NewGuard(store)
	matcher := faq.NewMatcher(store, 0)
	logger := logging.Nop()

	srv := NewServer(
		services.NewFlowService(flowStore, guard, logger),
		services.NewFaqService(store, matcher, 0),
		engine.New(store, gw, matcher, guard, logger),
		guard,
		store,
		logger,
	)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	e.Use(Metrics())
	e.GET("/health", srv.HandleHealth)
	e.GET("/ready", srv.HandleReady)
	g := e.Group("/api/v1", withCaller)
	srv.RegisterRoutes(g)
	return &testEnv{e: e, store: store, gw: gw, guard: guard}
}

// withCaller stands in for the auth middleware. The X-Role header picks
// the caller's role; owner by default.
func withCaller(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		role := c.Request().Header.Get("X-Role")
		if role == "" {
			role = auth.RoleOwner
		}
		ctx := tenancy.WithTenant(c.Request().Context(), tenantID)
		ctx = tenancy.WithActor(ctx, models.Actor{ID: role + "@acme.com", Role: role})
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (env *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (env *testEnv) createFlow(t *testing.T, body string) *models.Flow {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/flows", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*models.Flow](t, rec)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthStatus](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFlowLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	flow := env.createFlow(t, `{"name":"Welcome"}`)

	rec := env.do(t, http.MethodGet, "/api/v1/flows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	flows := decode[ListResponse[models.FlowSummary]](t, rec)
	require.Len(t, flows.Items, 1)
	assert.Equal(t, 1, flows.Items[0].VersionCount)
	assert.Empty(t, flows.Warning)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/versions", `{"changeNote":"copy"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[services.VersionResult](t, rec)
	assert.Equal(t, 2, created.Version.VersionNumber)
	assert.Empty(t, created.Warnings)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/versions/"+created.Version.ID+"/publish", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	published := decode[*models.Flow](t, rec)
	assert.True(t, published.IsActive)
	assert.Equal(t, created.Version.ID, published.PublishedVersionID)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/versions/"+flow.CurrentVersionID+"/rollback", "", "X-Role", auth.RoleEditor)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/versions/"+flow.CurrentVersionID+"/rollback", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, flow.CurrentVersionID, decode[*models.Flow](t, rec).PublishedVersionID)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/unpublish", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[*models.Flow](t, rec).IsActive)

	rec = env.do(t, http.MethodDelete, "/api/v1/flows/"+flow.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/flows/"+flow.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalsOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	flow := env.createFlow(t, `{"name":"Refunds"}`)

	rec := env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/versions/"+flow.CurrentVersionID+"/publish",
		`{"requireApproval":true}`, "X-Role", auth.RoleEditor)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/approvals/request", `{}`, "X-Role", auth.RoleEditor)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	approval := decode[*models.Approval](t, rec)
	assert.Equal(t, flow.CurrentVersionID, approval.VersionID)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/approvals/"+approval.ID+"/decide",
		`{"decision":"approved","comment":"ok"}`, "X-Role", auth.RoleViewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/approvals/"+approval.ID+"/decide",
		`{"decision":"approved","comment":"ok"}`, "X-Role", auth.RoleAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/approvals/"+approval.ID+"/decide",
		`{"decision":"rejected"}`, "X-Role", auth.RoleAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/versions/"+flow.CurrentVersionID+"/publish",
		`{"requireApproval":true}`, "X-Role", auth.RoleEditor)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/flows/"+flow.ID+"/approvals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListResponse[models.Approval]](t, rec).Items, 1)
}

func TestNodesOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	flow := env.createFlow(t, `{"name":"Authored"}`)

	for _, body := range []string{
		`{"key":"s","type":"start","sequence":1,"edges":{"next":"t"}}`,
		`{"key":"t","type":"text","sequence":2,"config":{"body":"hello"},"edges":{"next":"e"}}`,
		`{"key":"e","type":"end","sequence":3}`,
	} {
		rec := env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/nodes", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/nodes", `{"key":"x","type":"text","config":[1]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/flows/"+flow.ID+"/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListResponse[models.Node]](t, rec).Items, 3)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/versions", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, string(decode[services.VersionResult](t, rec).Version.Definition), `"hello"`)
}

func TestSimulateAndRun(t *testing.T) {
	env := newTestEnv(t, nil)
	flow := env.createFlow(t, `{"name":"Welcome"}`)

	rec := env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/simulate",
		`{"triggerType":"keyword","triggerPayloadJson":"{\"recipient\":\"+1555\",\"message\":\"hi\"}"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sim := decode[*models.Run](t, rec)
	assert.Equal(t, models.RunModeSimulate, sim.Mode)
	assert.Equal(t, models.RunCompleted, sim.Status)
	assert.Empty(t, env.gw.Messages())

	body := `{"triggerPayloadJson":{"recipient":"+1555","message":"hi"}}`
	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/run", body, "Idempotency-Key", "order-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[*models.Run](t, rec)
	assert.Equal(t, models.RunModeLive, first.Mode)
	assert.Equal(t, "order-1", first.IdempotencyKey)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/run", body, "Idempotency-Key", "order-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decode[*models.Run](t, rec).ID)
	require.Len(t, env.gw.Messages(), 1)
	assert.Equal(t, "Thanks for your message: hi", env.gw.Messages()[0].Body)

	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/run", body, "X-Role", auth.RoleViewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/runs?flowId="+flow.ID+"&limit=500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListResponse[models.Run]](t, rec).Items, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+first.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decode[*models.Run](t, rec).ID)

	rec = env.do(t, http.MethodGet, "/api/v1/limits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[quota.Snapshot](t, rec)
	assert.Equal(t, quota.Standard, snap.Plan)
	assert.Equal(t, 1, snap.Usage.Runs)
}

func TestRunFailureStillReturns200(t *testing.T) {
	env := newTestEnv(t, nil)
	flow := env.createFlow(t, `{"name":"Broken","definitionJson":{"startNodeId":"a","nodes":[
		{"id":"a","type":"start","next":"b"},{"id":"b","type":"wait","next":"a"}]}}`)

	rec := env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/simulate", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[*models.Run](t, rec)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Contains(t, run.FailureReason, "cycle_detected")
}

func TestStringPayloadMustHoldJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	flow := env.createFlow(t, `{"name":"Welcome"}`)

	rec := env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/run", `{"triggerPayloadJson":"hello"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, decode[ProblemDetails](t, rec).Detail, "triggerPayloadJson")

	rec = env.do(t, http.MethodGet, "/api/v1/runs?flowId="+flow.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ListResponse[models.Run]](t, rec).Items)
	assert.Empty(t, env.gw.Messages())
}

func TestProblemResponses(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/flows/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	p := decode[ProblemDetails](t, rec)
	assert.Equal(t, http.StatusNotFound, p.Status)
	assert.Equal(t, "/api/v1/flows/missing", p.Instance)

	rec = env.do(t, http.MethodPost, "/api/v1/flows", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/flows", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/flows", `{"name":"x"}`, "X-Role", auth.RoleViewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
}

func TestPublishInvalidDefinitionListsProblems(t *testing.T) {
	env := newTestEnv(t, nil)
	flow := env.createFlow(t, `{"name":"Dangling","definitionJson":{"startNodeId":"s","nodes":[
		{"id":"s","type":"start","next":"ghost"}]}}`)

	rec := env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/versions/"+flow.CurrentVersionID+"/publish", "")
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	p := decode[ProblemDetails](t, rec)
	require.NotEmpty(t, p.Errors)
	assert.Contains(t, strings.Join(p.Errors, "\n"), "ghost")
}

func TestQuotaRefusalIs429(t *testing.T) {
	env := newTestEnv(t, nil)
	flow := env.createFlow(t, `{"name":"Welcome"}`)
	env.store.SetUsage(models.UsageCounter{TenantID: tenantID, Day: env.guard.Today(), Runs: quota.Standard.RunsPerDay})

	rec := env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/run", `{}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	p := decode[ProblemDetails](t, rec)
	assert.Equal(t, quota.LimitRunsPerDay, p.Limit)
	require.NotNil(t, p.Usage)
	require.NotNil(t, p.Max)
	assert.Equal(t, quota.Standard.RunsPerDay, *p.Usage)
	assert.Equal(t, quota.Standard.RunsPerDay, *p.Max)

	// simulate is not quota-checked
	rec = env.do(t, http.MethodPost, "/api/v1/flows/"+flow.ID+"/simulate", `{}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListingDegradesWhenStorageUnavailable(t *testing.T) {
	env := newTestEnv(t, func(s *repository.MemoryStore) services.FlowRepository {
		return unavailableStore{s}
	})

	rec := env.do(t, http.MethodGet, "/api/v1/flows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[ListResponse[models.FlowSummary]](t, rec)
	assert.Empty(t, res.Items)
	assert.Contains(t, res.Warning, "not present")
	assert.Contains(t, rec.Body.String(), `"items":[]`)
}

func TestFaqOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/faq", `{"question":"What are your opening hours?","answer":"9 to 5"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/faq", `{"question":"","answer":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/faq", "", "X-Role", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListResponse[models.FaqItem]](t, rec).Items, 1)

	rec = env.do(t, http.MethodPost, "/api/v1/faq/match", `{"text":"what are the opening hours today"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[matchResponse](t, rec)
	assert.True(t, m.Matched)
	assert.Equal(t, "9 to 5", m.Answer)
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-5, 1},
		{0, 1},
		{1, 1},
		{50, 50},
		{200, 200},
		{201, 200},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampLimit(tt.in), "limit %d", tt.in)
	}
}

func TestSpecHandler(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil), rec)
	require.NoError(t, SpecHandler("https://issuer.example.com")(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://issuer.example.com/v1/authorize")
	assert.NotContains(t, rec.Body.String(), "{oktaIssuer}")
}

func TestSwaggerHandler(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/docs", nil)
	req.Host = "api.example.com"
	c := e.NewContext(req, rec)
	require.NoError(t, SwaggerHandler("docs-client")(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "usePkceWithAuthorizationCodeGrant")
	assert.Contains(t, body, `"docs-client"`)
	assert.Contains(t, body, "api.example.com")

	rec = httptest.NewRecorder()
	require.NoError(t, SwaggerHandler("")(e.NewContext(httptest.NewRequest(http.MethodGet, "/docs", nil), rec)))
	assert.NotContains(t, rec.Body.String(), "initOAuth")
}
