// Package mcp exposes workflow execution over the Model Context Protocol:
// agents can run, resume, validate, and list workflows through stdio tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomctl/loom/internal/engine"
	"github.com/loomctl/loom/internal/parser"
	"github.com/loomctl/loom/internal/registry"
)

// ServerDeps holds the dependencies for creating a LoomServer.
type ServerDeps struct {
	Executor *engine.Executor
	Registry *registry.Registry
	Logger   *slog.Logger
}

// LoomServer wraps an MCP server with loom-specific tool handlers.
type LoomServer struct {
	executor  *engine.Executor
	registry  *registry.Registry
	parser    *parser.Parser
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewLoomServer creates a LoomServer with all four tools registered.
func NewLoomServer(deps ServerDeps) (*LoomServer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	p, err := parser.New(deps.Registry)
	if err != nil {
		return nil, err
	}

	s := &LoomServer{
		executor: deps.Executor,
		registry: deps.Registry,
		parser:   p,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom executes declarative workflows. Use loom.run to execute a registered workflow, loom.resume to continue from a saved checkpoint, loom.validate to check a workflow document without executing it, and loom.workflows to list registered components."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *LoomServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("loom.run",
		mcp.WithDescription("Execute a registered workflow"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the registered workflow to execute")),
		mcp.WithObject("inputs", mcp.Description("Input parameters for the workflow")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("loom.resume",
		mcp.WithDescription("Resume a workflow from its saved checkpoint. Fails if no checkpoint exists"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the registered workflow to resume")),
		mcp.WithObject("inputs", mcp.Description("Input parameters; must match the checkpointed run's inputs")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("loom.validate",
		mcp.WithDescription("Validate a workflow document without executing it. Returns collected errors and warnings"),
		mcp.WithString("document", mcp.Required(), mcp.Description("Workflow document content (YAML or JSON)")),
		mcp.WithString("mode", mcp.Enum("strict", "lenient", "validate_only"),
			mcp.Description("Validation mode (default: validate_only)")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("loom.workflows",
		mcp.WithDescription("List registered workflows and executable components"),
	)
}
