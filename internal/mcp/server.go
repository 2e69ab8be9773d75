// Package mcp exposes flow listing, execution and run lookup as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"msgflow/backend/internal/auth"
	"msgflow/backend/internal/engine"
	"msgflow/backend/internal/services"
	"msgflow/backend/internal/tenancy"
	"msgflow/backend/pkg/models"
)

// Runner executes flows.
type Runner interface {
	Execute(ctx context.Context, req engine.Request) (*models.Run, error)
}

type Server struct {
	mcpServer *server.MCPServer
	flows     *services.FlowService
	runner    Runner
}

func NewServer(flows *services.FlowService, runner Runner) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"msgflow",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		flows:  flows,
		runner: runner,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_flows",
			mcp.WithDescription("List the tenant's flows with version count, run count and success rate"),
		),
		s.handleListFlows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"simulate_flow",
			mcp.WithDescription("Run a flow without sending messages and return the run with its trace"),
			mcp.WithString("flowId", mcp.Required(), mcp.Description("The ID of the flow")),
			mcp.WithString("versionId", mcp.Description("Version to run; defaults to the published version")),
			mcp.WithString("payload", mcp.Description("Trigger payload as a JSON object string")),
		),
		s.handleSimulateFlow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_flow",
			mcp.WithDescription("Run a flow live, sending messages and consuming quota"),
			mcp.WithString("flowId", mcp.Required(), mcp.Description("The ID of the flow")),
			mcp.WithString("versionId", mcp.Description("Version to run; defaults to the published version")),
			mcp.WithString("payload", mcp.Description("Trigger payload as a JSON object string")),
			mcp.WithString("idempotencyKey", mcp.Description("Returns the existing run when reused")),
		),
		s.handleRunFlow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run",
			mcp.WithDescription("Get a run with its log and trace"),
			mcp.WithString("runId", mcp.Required(), mcp.Description("The ID of the run")),
		),
		s.handleGetRun,
	)
}

func arguments(request mcp.CallToolRequest) map[string]any {
	args, _ := request.Params.Arguments.(map[string]any)
	return args
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func allowed(ctx context.Context, perm auth.Permission) *mcp.CallToolResult {
	actor := tenancy.ActorFrom(ctx)
	if !auth.Allowed(actor.Role, perm) {
		return mcp.NewToolResultError(fmt.Sprintf("role %q lacks permission %s", actor.Role, perm))
	}
	return nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListFlows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if denied := allowed(ctx, auth.PermFlowsRead); denied != nil {
		return denied, nil
	}
	flows, err := s.flows.ListFlows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list flows: %v", err)), nil
	}
	return jsonResult(flows)
}

func (s *Server) handleSimulateFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if denied := allowed(ctx, auth.PermFlowsWrite); denied != nil {
		return denied, nil
	}
	return s.execute(ctx, arguments(request), models.RunModeSimulate)
}

func (s *Server) handleRunFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if denied := allowed(ctx, auth.PermFlowsRun); denied != nil {
		return denied, nil
	}
	return s.execute(ctx, arguments(request), models.RunModeLive)
}

func (s *Server) execute(ctx context.Context, args map[string]any, mode models.RunMode) (*mcp.CallToolResult, error) {
	flowID := stringArg(args, "flowId")
	if flowID == "" {
		return mcp.NewToolResultError("Missing required parameter: flowId"), nil
	}
	req := engine.Request{
		FlowID:    flowID,
		VersionID: stringArg(args, "versionId"),
		Mode:      mode,
	}
	if payload := stringArg(args, "payload"); payload != "" {
		if !json.Valid([]byte(payload)) {
			return mcp.NewToolResultError("payload must be a JSON object string"), nil
		}
		req.Payload = json.RawMessage(payload)
	}
	if mode == models.RunModeLive {
		req.IdempotencyKey = stringArg(args, "idempotencyKey")
	}

	run, err := s.runner.Execute(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to execute %s run: %v", mode, err)), nil
	}
	return jsonResult(run)
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if denied := allowed(ctx, auth.PermRunsRead); denied != nil {
		return denied, nil
	}
	runID := stringArg(arguments(request), "runId")
	if runID == "" {
		return mcp.NewToolResultError("Missing required parameter: runId"), nil
	}
	run, err := s.flows.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}
	return jsonResult(run)
}

// MountHTTPHandlers serves the SSE transport under /mcp. Tenant and actor
// are carried over from the authenticated HTTP request.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return tenancy.Copy(ctx, r.Context())
		}),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
