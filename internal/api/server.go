// Package api contains the HTTP handlers for the flow service
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/auth"
	"msgflow/backend/internal/engine"
	"msgflow/backend/internal/logging"
	"msgflow/backend/internal/quota"
	"msgflow/backend/internal/services"
	"msgflow/backend/internal/tenancy"
	"msgflow/backend/pkg/models"
)

// Run listing bounds.
const (
	DefaultRunLimit = 50
	MaxRunLimit     = 200
)

// Runner executes flows.
type Runner interface {
	Execute(ctx context.Context, req engine.Request) (*models.Run, error)
}

// Limits reports a tenant's plan and today's usage.
type Limits interface {
	Snapshot(ctx context.Context, tenantID string) (*quota.Snapshot, error)
}

// Pinger checks storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the API server.
type Server struct {
	flows  *services.FlowService
	faqs   *services.FaqService
	runner Runner
	limits Limits
	pinger Pinger
	logger *logging.Logger
}

// NewServer creates a new Server.
func NewServer(flows *services.FlowService, faqs *services.FaqService, runner Runner, limits Limits, pinger Pinger, logger *logging.Logger) *Server {
	return &Server{
		flows:  flows,
		faqs:   faqs,
		runner: runner,
		limits: limits,
		pinger: pinger,
		logger: logger,
	}
}

// RegisterRoutes mounts the tenant-scoped API on g. The group must already
// carry the auth middleware.
func (s *Server) RegisterRoutes(g *echo.Group) {
	read := auth.RequirePermission(auth.PermFlowsRead)
	write := auth.RequirePermission(auth.PermFlowsWrite)
	publish := auth.RequirePermission(auth.PermFlowsPublish)
	run := auth.RequirePermission(auth.PermFlowsRun)
	runsRead := auth.RequirePermission(auth.PermRunsRead)

	g.GET("/flows", s.ListFlows, read)
	g.POST("/flows", s.CreateFlow, write)
	g.GET("/flows/:id", s.GetFlow, read)
	g.PUT("/flows/:id", s.UpdateFlow, write)
	g.DELETE("/flows/:id", s.DeleteFlow, write)

	g.GET("/flows/:id/versions", s.ListVersions, read)
	g.POST("/flows/:id/versions", s.CreateVersion, write)
	g.POST("/flows/:id/versions/:vid/publish", s.PublishVersion, publish)
	g.POST("/flows/:id/versions/:vid/rollback", s.RollbackVersion, publish)
	g.POST("/flows/:id/unpublish", s.UnpublishFlow, publish)

	g.GET("/flows/:id/approvals", s.ListApprovals, read)
	g.POST("/flows/:id/approvals/request", s.RequestApproval, write)
	g.POST("/flows/:id/approvals/:aid/decide", s.DecideApproval, publish)

	g.GET("/flows/:id/nodes", s.ListNodes, read)
	g.POST("/flows/:id/nodes", s.UpsertNode, write)

	g.POST("/flows/:id/simulate", s.SimulateFlow, write)
	g.POST("/flows/:id/run", s.RunFlow, run)

	g.GET("/runs", s.ListRuns, runsRead)
	g.GET("/runs/:id", s.GetRun, runsRead)
	g.GET("/limits", s.GetLimits, runsRead)

	g.GET("/faq", s.ListFaqs, auth.RequirePermission(auth.PermFaqRead))
	g.POST("/faq", s.CreateFaq, auth.RequirePermission(auth.PermFaqWrite))
	g.POST("/faq/match", s.MatchFaq, auth.RequirePermission(auth.PermFaqRead))
}

// ListResponse wraps listing results. Warning is set when storage could
// not be read and Items is empty as a result.
type ListResponse[T any] struct {
	Items   []T    `json:"items"`
	Warning string `json:"warning,omitempty"`
}

// list degrades an Unavailable storage error to an empty listing.
func list[T any](c echo.Context, s *Server, items []T, err error) error {
	if err != nil {
		if !apperr.Is(err, apperr.Unavailable) {
			return err
		}
		s.logger.Warn("listing degraded", "path", c.Path(), "error", err)
		return c.JSON(http.StatusOK, ListResponse[T]{Items: []T{}, Warning: err.Error()})
	}
	if items == nil {
		items = []T{}
	}
	return c.JSON(http.StatusOK, ListResponse[T]{Items: items})
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return apperr.Invalidf("api.bind", "invalid request body: %v", err)
	}
	return nil
}

// ListFlows returns the tenant's flows with aggregates
// (GET /api/v1/flows)
func (s *Server) ListFlows(c echo.Context) error {
	flows, err := s.flows.ListFlows(c.Request().Context())
	return list(c, s, flows, err)
}

// CreateFlow creates a draft flow with its first version
// (POST /api/v1/flows)
func (s *Server) CreateFlow(c echo.Context) error {
	var in services.CreateFlowInput
	if err := bind(c, &in); err != nil {
		return err
	}
	flow, err := s.flows.CreateFlow(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, flow)
}

// GetFlow returns one flow with its versions
// (GET /api/v1/flows/{id})
func (s *Server) GetFlow(c echo.Context) error {
	flow, err := s.flows.GetFlow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flow)
}

// UpdateFlow changes flow settings
// (PUT /api/v1/flows/{id})
func (s *Server) UpdateFlow(c echo.Context) error {
	var in services.UpdateFlowInput
	if err := bind(c, &in); err != nil {
		return err
	}
	flow, err := s.flows.UpdateFlow(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flow)
}

// DeleteFlow removes a flow and everything under it
// (DELETE /api/v1/flows/{id})
func (s *Server) DeleteFlow(c echo.Context) error {
	if err := s.flows.DeleteFlow(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListVersions (GET /api/v1/flows/{id}/versions)
func (s *Server) ListVersions(c echo.Context) error {
	versions, err := s.flows.ListVersions(c.Request().Context(), c.Param("id"))
	return list(c, s, versions, err)
}

// CreateVersion cuts the next draft version
// (POST /api/v1/flows/{id}/versions)
func (s *Server) CreateVersion(c echo.Context) error {
	var in services.CreateVersionInput
	if err := bind(c, &in); err != nil {
		return err
	}
	res, err := s.flows.CreateVersion(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

type publishRequest struct {
	RequireApproval bool `json:"requireApproval"`
}

// PublishVersion (POST /api/v1/flows/{id}/versions/{vid}/publish)
func (s *Server) PublishVersion(c echo.Context) error {
	var in publishRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	flow, err := s.flows.Publish(c.Request().Context(), c.Param("id"), c.Param("vid"), in.RequireApproval)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flow)
}

// RollbackVersion (POST /api/v1/flows/{id}/versions/{vid}/rollback)
func (s *Server) RollbackVersion(c echo.Context) error {
	flow, err := s.flows.Rollback(c.Request().Context(), c.Param("id"), c.Param("vid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flow)
}

// UnpublishFlow (POST /api/v1/flows/{id}/unpublish)
func (s *Server) UnpublishFlow(c echo.Context) error {
	flow, err := s.flows.Unpublish(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flow)
}

// ListApprovals (GET /api/v1/flows/{id}/approvals)
func (s *Server) ListApprovals(c echo.Context) error {
	approvals, err := s.flows.ListApprovals(c.Request().Context(), c.Param("id"))
	return list(c, s, approvals, err)
}

type approvalRequest struct {
	VersionID string `json:"versionId"`
}

// RequestApproval (POST /api/v1/flows/{id}/approvals/request)
func (s *Server) RequestApproval(c echo.Context) error {
	var in approvalRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	approval, err := s.flows.RequestApproval(c.Request().Context(), c.Param("id"), in.VersionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, approval)
}

type decisionRequest struct {
	Decision models.ApprovalStatus `json:"decision"`
	Comment  string                `json:"comment"`
}

// DecideApproval (POST /api/v1/flows/{id}/approvals/{aid}/decide)
func (s *Server) DecideApproval(c echo.Context) error {
	var in decisionRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	approval, err := s.flows.DecideApproval(c.Request().Context(), c.Param("id"), c.Param("aid"), in.Decision, in.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, approval)
}

// ListNodes (GET /api/v1/flows/{id}/nodes)
func (s *Server) ListNodes(c echo.Context) error {
	nodes, err := s.flows.ListNodes(c.Request().Context(), c.Param("id"))
	return list(c, s, nodes, err)
}

// UpsertNode (POST /api/v1/flows/{id}/nodes)
func (s *Server) UpsertNode(c echo.Context) error {
	var in services.NodeInput
	if err := bind(c, &in); err != nil {
		return err
	}
	node, err := s.flows.UpsertNode(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, node)
}

// ExecuteRequest is the body of the simulate and run endpoints.
// TriggerPayloadJSON may be a JSON object or a string holding one.
type ExecuteRequest struct {
	VersionID          string          `json:"versionId"`
	TriggerType        string          `json:"triggerType"`
	TriggerPayloadJSON json.RawMessage `json:"triggerPayloadJson"`
	IdempotencyKey     string          `json:"idempotencyKey"`
	IsRetry            bool            `json:"isRetry"`
}

// payload unwraps a string-encoded payload. The string must itself be JSON.
func (r ExecuteRequest) payload() (json.RawMessage, error) {
	raw := bytes.TrimSpace(r.TriggerPayloadJSON)
	if len(raw) == 0 || raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperr.Invalidf("api.payload", "triggerPayloadJson: %v", err)
	}
	if s = strings.TrimSpace(s); s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, apperr.Invalidf("api.payload", "triggerPayloadJson must hold valid JSON")
	}
	return json.RawMessage(s), nil
}

// SimulateFlow runs a flow without sending messages
// (POST /api/v1/flows/{id}/simulate)
func (s *Server) SimulateFlow(c echo.Context) error {
	return s.execute(c, models.RunModeSimulate)
}

// RunFlow runs a flow live
// (POST /api/v1/flows/{id}/run)
func (s *Server) RunFlow(c echo.Context) error {
	return s.execute(c, models.RunModeLive)
}

func (s *Server) execute(c echo.Context, mode models.RunMode) error {
	var in ExecuteRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	payload, err := in.payload()
	if err != nil {
		return err
	}
	req := engine.Request{
		FlowID:      c.Param("id"),
		VersionID:   in.VersionID,
		TriggerType: in.TriggerType,
		Payload:     payload,
		Mode:        mode,
	}
	if mode == models.RunModeLive {
		req.IdempotencyKey = in.IdempotencyKey
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
		}
		req.IsRetry = in.IsRetry
	}
	run, err := s.runner.Execute(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns returns recent runs, optionally for one flow
// (GET /api/v1/runs?flowId=&limit=)
func (s *Server) ListRuns(c echo.Context) error {
	filter := models.RunFilter{Limit: DefaultRunLimit}
	query := c.QueryParams()
	if err := runtime.BindQueryParameter("form", true, false, "flowId", query, &filter.FlowID); err != nil {
		return apperr.Invalidf("api.ListRuns", "invalid flowId: %v", err)
	}
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &limit); err != nil {
		return apperr.Invalidf("api.ListRuns", "invalid limit: %v", err)
	}
	if limit != nil {
		filter.Limit = ClampLimit(*limit)
	}
	runs, err := s.flows.ListRuns(c.Request().Context(), filter)
	return list(c, s, runs, err)
}

// ClampLimit bounds a run listing limit to [1, MaxRunLimit].
func ClampLimit(n int) int {
	return min(max(n, 1), MaxRunLimit)
}

// GetRun (GET /api/v1/runs/{id})
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.flows.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// GetLimits returns the plan catalog entry and today's usage
// (GET /api/v1/limits)
func (s *Server) GetLimits(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	snap, err := s.limits.Snapshot(ctx, tenantID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

// ListFaqs (GET /api/v1/faq)
func (s *Server) ListFaqs(c echo.Context) error {
	items, err := s.faqs.ListFaqs(c.Request().Context())
	return list(c, s, items, err)
}

// CreateFaq (POST /api/v1/faq)
func (s *Server) CreateFaq(c echo.Context) error {
	var in services.FaqInput
	if err := bind(c, &in); err != nil {
		return err
	}
	item, err := s.faqs.CreateFaq(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, item)
}

type matchRequest struct {
	Text string `json:"text"`
}

type matchResponse struct {
	Answer  string `json:"answer"`
	Matched bool   `json:"matched"`
}

// MatchFaq (POST /api/v1/faq/match)
func (s *Server) MatchFaq(c echo.Context) error {
	var in matchRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	answer, err := s.faqs.Match(c.Request().Context(), in.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, matchResponse{Answer: answer, Matched: answer != ""})
}
