package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cascadeio/cascade/internal/engine"
	"github.com/cascadeio/cascade/internal/scheduler"
	"github.com/cascadeio/cascade/pkg/schema"
)

// Engine is the execution surface the MCP tools drive. Satisfied by
// *engine.Engine.
type Engine interface {
	Register(def *schema.WorkflowDefinition) error
	Submit(ctx context.Context, workflowID string, input any) (*schema.ExecutionResult, error)
	SubmitDefinition(ctx context.Context, def *schema.WorkflowDefinition, input any) (*schema.ExecutionResult, error)
	Result(executionID string) (*schema.ExecutionResult, error)
	History(limit int) ([]*schema.ExecutionResult, error)
	Stats() engine.Stats
}

// CascadeServerDeps holds the dependencies for creating a CascadeServer.
type CascadeServerDeps struct {
	Engine    Engine
	Scheduler *scheduler.Scheduler // optional; nil disables cascade.schedule
	Logger    *slog.Logger
}

// CascadeServer wraps an MCP server with cascade-specific tool handlers.
type CascadeServer struct {
	engine    Engine
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewCascadeServer creates a new CascadeServer with all tools registered.
func NewCascadeServer(deps CascadeServerDeps) *CascadeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CascadeServer{
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"cascade",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Cascade is a workflow execution engine. Use cascade.register to store workflow definitions, cascade.submit to run them, cascade.history to inspect finished executions, cascade.stats for engine activity, and cascade.schedule to bind workflows to cron triggers."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CascadeServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CascadeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *CascadeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func registerTool() mcp.Tool {
	return mcp.NewTool("cascade.register",
		mcp.WithDescription("Register an immutable workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: id, pattern, steps")),
	)
}

func submitTool() mcp.Tool {
	return mcp.NewTool("cascade.submit",
		mcp.WithDescription("Run a workflow to completion and return its result"),
		mcp.WithString("workflow_id", mcp.Description("ID of a registered workflow")),
		mcp.WithObject("definition", mcp.Description("One-shot definition to run without registering (alternative to workflow_id)")),
		mcp.WithObject("input", mcp.Description("Input value handed to the execution")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("cascade.history",
		mcp.WithDescription("Inspect finished executions"),
		mcp.WithString("execution_id", mcp.Description("Fetch a single execution result")),
		mcp.WithNumber("limit", mcp.Description("Max results to return, most recent first (default 20)")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("cascade.stats",
		mcp.WithDescription("Engine activity: registered definitions, in-flight executions, ledger size"),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("cascade.schedule",
		mcp.WithDescription("Manage cron bindings for registered workflows"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("bind", "unbind", "list"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("workflow_id", mcp.Description("Workflow to bind (required for bind)")),
		mcp.WithString("cron", mcp.Description("Cron expression, 5-field (required for bind)")),
		mcp.WithObject("input", mcp.Description("Input for scheduled submissions")),
		mcp.WithString("binding_id", mcp.Description("Binding to remove (required for unbind)")),
	)
}
