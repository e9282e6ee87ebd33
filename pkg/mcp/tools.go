package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/healflow/internal/validation"
	"github.com/rendis/healflow/pkg/schema"
)

// handleExecute parses a definition and starts a run.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := s.parseDefinition(req)
	if err != nil {
		return toolError("invalid definition", err), nil
	}

	if req.GetBool("wait", false) {
		run, runErr := s.runner.Execute(ctx, doc)
		if runErr != nil {
			return toolError("execution failed", runErr), nil
		}
		return marshalResult(run)
	}

	// The run outlives this call; it is driven by the engine's own context.
	runID, startErr := s.runner.Start(ctx, doc)
	if startErr != nil {
		return toolError("start failed", startErr), nil
	}
	s.logger.Info("run started", "run_id", runID, "workflow", doc.Name)
	return marshalResult(map[string]any{
		"run_id":   runID,
		"workflow": doc.Name,
		"status":   schema.RunStatusRunning,
	})
}

// handleResume continues a persisted run and returns its final state.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, resumeErr := s.runner.Resume(ctx, runID)
	if resumeErr != nil {
		return toolError("resume failed", resumeErr), nil
	}
	return marshalResult(run)
}

// handleCancel cancels a run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, cancelErr := s.runner.Cancel(ctx, runID)
	if cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	return marshalResult(run)
}

// handleResolve applies an operator decision to an escalated step.
func (s *Server) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	step, err := req.RequireString("step")
	if err != nil {
		return mcp.NewToolResultError("step is required"), nil
	}
	raw, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	decision, err := schema.ParseDecision(raw)
	if err != nil {
		return toolError("invalid decision", err), nil
	}

	run, resolveErr := s.runner.ResolveEscalation(ctx, runID, step, decision)
	if resolveErr != nil {
		return toolError("resolve failed", resolveErr), nil
	}
	return marshalResult(run)
}

// handleStatus returns the run report.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	rep, statusErr := s.runner.Status(ctx, runID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	if !req.GetBool("include_events", true) {
		cp := *rep
		cp.Events = nil
		rep = &cp
	}
	return marshalResult(rep)
}

// --- Internal helpers ---

// parseDefinition reads either the definition object or the YAML text.
func (s *Server) parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	obj := mcp.ParseStringMap(req, "definition", nil)
	text := req.GetString("definition_yaml", "")
	switch {
	case obj != nil && text != "":
		return nil, schema.NewError(schema.ErrCodeDefinition, "pass either definition or definition_yaml, not both")
	case obj == nil && text == "":
		return nil, schema.NewError(schema.ErrCodeDefinition, "definition or definition_yaml is required")
	}

	if text != "" {
		if s.loader == nil {
			return nil, schema.NewError(schema.ErrCodeDefinition, "YAML definitions need a loader")
		}
		return s.loader.Parse([]byte(text), validation.FormatYAML)
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "encode definition").WithCause(err)
	}
	if s.loader != nil {
		return s.loader.Parse(data, validation.FormatJSON)
	}
	var doc schema.WorkflowDefinition
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "decode definition").WithCause(err)
	}
	return &doc, nil
}

// toolError reports err to the caller. FlowError text carries its code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
