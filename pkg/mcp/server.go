package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flowrelay/relay/internal/dispatch"
	"github.com/flowrelay/relay/internal/store"
)

// Runner is the interface the MCP surface uses for manual dispatch.
// Satisfied by *dispatch.Dispatcher.
type Runner interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*store.Execution, error)
}

// RelayServerDeps holds the dependencies for creating a RelayServer.
type RelayServerDeps struct {
	Store  store.Store
	Runner Runner
	Logger *slog.Logger
}

// RelayServer wraps an MCP server with relay-specific tool handlers so
// agents can inspect and drive workflow automations.
type RelayServer struct {
	store     store.Store
	runner    Runner
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewRelayServer creates a new RelayServer with all 5 tools registered.
func NewRelayServer(deps RelayServerDeps) *RelayServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RelayServer{
		store:  deps.Store,
		runner: deps.Runner,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"relay",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Relay orchestrates trigger-driven workflow automations. Use relay.workflows.list to browse automations, relay.workflows.toggle to enable or disable one, relay.workflows.run_now to dispatch immediately, relay.executions.get to inspect an execution and its step log, and relay.triggers.list to see what fires a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RelayServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RelayServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *RelayServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
		{Tool: toggleWorkflowTool(), Handler: s.handleToggleWorkflow},
		{Tool: runNowTool(), Handler: s.handleRunNow},
		{Tool: getExecutionTool(), Handler: s.handleGetExecution},
		{Tool: listTriggersTool(), Handler: s.handleListTriggers},
	}
}

// --- Tool definitions ---

func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool("relay.workflows.list",
		mcp.WithDescription("List workflow automations"),
		mcp.WithString("owner_id", mcp.Description("Only workflows owned by this identity")),
		mcp.WithString("enabled", mcp.Enum("true", "false"), mcp.Description("Filter by enabled flag")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of workflows to return (default 50)")),
	)
}

func toggleWorkflowTool() mcp.Tool {
	return mcp.NewTool("relay.workflows.toggle",
		mcp.WithDescription("Enable or disable a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("Desired enabled state")),
	)
}

func runNowTool() mcp.Tool {
	return mcp.NewTool("relay.workflows.run_now",
		mcp.WithDescription("Dispatch a workflow immediately, bypassing its triggers"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("payload", mcp.Description("Trigger payload handed to the execution")),
		mcp.WithString("identity", mcp.Description("Identity to run as (default: workflow owner)")),
	)
}

func getExecutionTool() mcp.Tool {
	return mcp.NewTool("relay.executions.get",
		mcp.WithDescription("Get an execution with its ordered step outcome log"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func listTriggersTool() mcp.Tool {
	return mcp.NewTool("relay.triggers.list",
		mcp.WithDescription("List triggers, optionally scoped to one workflow"),
		mcp.WithString("workflow_id", mcp.Description("Only triggers bound to this workflow")),
		mcp.WithString("kind", mcp.Enum("event", "schedule", "webhook"), mcp.Description("Filter by trigger kind")),
	)
}
