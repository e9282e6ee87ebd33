// Package mcp exposes the workflow engine as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/healflow/internal/engine"
	"github.com/rendis/healflow/internal/store"
	"github.com/rendis/healflow/internal/validation"
	"github.com/rendis/healflow/pkg/schema"
)

// Runner is the slice of the engine the tools drive. Satisfied by
// *engine.Engine.
type Runner interface {
	Execute(ctx context.Context, doc *schema.WorkflowDefinition) (*store.RunState, error)
	Start(ctx context.Context, doc *schema.WorkflowDefinition) (string, error)
	Resume(ctx context.Context, runID string) (*store.RunState, error)
	Cancel(ctx context.Context, runID string) (*store.RunState, error)
	ResolveEscalation(ctx context.Context, runID, step string, decision schema.Decision) (*store.RunState, error)
	Status(ctx context.Context, runID string) (*engine.StatusReport, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runner Runner
	// Loader parses definitions passed to healflow.execute. Nil binds the
	// document without schema validation; the engine still checks the DAG.
	Loader  *validation.Loader
	Version string
	Logger  *slog.Logger
}

// Server wraps an MCP server with healflow tool handlers.
type Server struct {
	runner    Runner
	loader    *validation.Loader
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 5 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		runner: deps.Runner,
		loader: deps.Loader,
		logger: logger.With("component", "mcp"),
	}

	mcpSrv := server.NewMCPServer(
		"healflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("healflow runs DAG workflows that heal their own step failures. Use healflow.execute to start a run, healflow.status to inspect it, healflow.resolve to decide an escalated step, healflow.resume to continue an interrupted run, and healflow.cancel to stop one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: statusTool(), Handler: s.handleStatus},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("healflow.execute",
		mcp.WithDescription("Start a workflow run from a definition"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("definition_yaml", mcp.Description("Workflow definition as a YAML document (alternative to definition)")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run is terminal or escalated (default: false, returns the run_id)")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("healflow.resume",
		mcp.WithDescription("Continue an interrupted run without replaying completed steps"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("healflow.cancel",
		mcp.WithDescription("Cancel a run and every in-flight step attempt"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("healflow.resolve",
		mcp.WithDescription("Decide an escalated step"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the escalated run")),
		mcp.WithString("step", mcp.Required(), mcp.Description("Name of the escalated step")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum(string(schema.DecisionRetry), string(schema.DecisionSkip), string(schema.DecisionAbort)),
			mcp.Description("retry resets the attempt budget, skip satisfies dependents, abort fails the run"),
		),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("healflow.status",
		mcp.WithDescription("Get run state, summary, execution levels and events"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
		mcp.WithBoolean("include_events", mcp.Description("Include the event log (default: true)")),
	)
}
