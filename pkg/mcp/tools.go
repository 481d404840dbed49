package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomctl/loom/internal/engine"
	"github.com/loomctl/loom/internal/parser"
)

// handleRun executes a registered workflow to completion.
func (s *LoomServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	ref, lookupErr := s.registry.Workflow(name)
	if lookupErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", lookupErr)), nil
	}

	result, runErr := s.executor.Run(ctx, ref.File, inputs)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}
	return marshalResult(runSummary(result))
}

// handleResume continues a workflow from its saved checkpoint.
func (s *LoomServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	ref, lookupErr := s.registry.Workflow(name)
	if lookupErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", lookupErr)), nil
	}

	result, runErr := s.executor.Resume(ctx, ref.File, inputs)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow resume failed: %v", runErr)), nil
	}
	return marshalResult(runSummary(result))
}

// handleValidate parses a workflow document without executing it and
// reports every collected issue.
func (s *LoomServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	document, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document is required"), nil
	}

	mode := parser.ModeValidateOnly
	switch req.GetString("mode", "validate_only") {
	case "strict":
		mode = parser.ModeStrict
	case "lenient":
		mode = parser.ModeLenient
	case "validate_only":
	default:
		return mcp.NewToolResultError("mode must be strict, lenient, or validate_only"), nil
	}

	wf, result, parseErr := s.parser.Parse([]byte(document), mode)

	out := map[string]any{"valid": parseErr == nil}
	if wf != nil {
		out["workflow"] = wf.Name
		out["steps"] = len(wf.Steps)
	}
	if result != nil {
		if len(result.Errors) > 0 {
			out["errors"] = result.Errors
		}
		if len(result.Warnings) > 0 {
			out["warnings"] = result.Warnings
		}
	}
	return marshalResult(out)
}

// handleWorkflows lists the registered workflows and executable
// components.
func (s *LoomServer) handleWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"workflows":        s.registry.WorkflowNames(),
		"actions":          s.registry.ActionNames(),
		"agents":           s.registry.AgentNames(),
		"generators":       s.registry.GeneratorNames(),
		"context_builders": s.registry.ContextBuilderNames(),
	})
}

// runSummary shapes a RunResult for the tool response.
func runSummary(result *engine.RunResult) map[string]any {
	return map[string]any{
		"run_id":      result.RunID,
		"workflow":    result.Workflow,
		"status":      result.Status,
		"resumed":     result.Resumed,
		"duration_ms": result.Duration.Milliseconds(),
		"results":     result.Results,
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
