package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cascadeio/cascade/pkg/schema"
)

// handleRegister stores an immutable workflow definition.
func (s *CascadeServer) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	def, err := decodeDefinition(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	if err := s.engine.Register(def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registration failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": def.ID,
		"pattern":     def.Pattern,
		"steps":       len(def.Steps),
	})
}

// handleSubmit runs a workflow to completion and returns its result.
func (s *CascadeServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	rawDef := mcp.ParseStringMap(req, "definition", nil)
	input := anyInput(mcp.ParseStringMap(req, "input", nil))

	var (
		result *schema.ExecutionResult
		err    error
	)
	switch {
	case workflowID != "" && rawDef != nil:
		return mcp.NewToolResultError("pass workflow_id or definition, not both"), nil
	case workflowID != "":
		result, err = s.engine.Submit(ctx, workflowID, input)
	case rawDef != nil:
		var def *schema.WorkflowDefinition
		def, err = decodeDefinition(rawDef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		result, err = s.engine.SubmitDefinition(ctx, def, input)
	default:
		return mcp.NewToolResultError("workflow_id or definition is required"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submission failed: %v", err)), nil
	}

	return marshalResult(result)
}

// handleHistory fetches one execution by id, or lists recent executions.
func (s *CascadeServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		result, err := s.engine.Result(executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		return marshalResult(result)
	}

	limit := req.GetInt("limit", 20)
	results, err := s.engine.History(limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"count":      len(results),
		"executions": results,
	})
}

// handleStats reports engine activity.
func (s *CascadeServer) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.engine.Stats()
	out := map[string]any{
		"definitions":       stats.Definitions,
		"active_executions": stats.ActiveExecutions,
		"max_concurrent":    stats.MaxConcurrent,
		"ledger_size":       stats.LedgerSize,
	}
	if s.scheduler != nil {
		out["schedule_bindings"] = len(s.scheduler.Bindings())
	}
	return marshalResult(out)
}

// handleSchedule manages cron bindings.
func (s *CascadeServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "bind":
		workflowID := req.GetString("workflow_id", "")
		cronExpr := req.GetString("cron", "")
		if workflowID == "" || cronExpr == "" {
			return mcp.NewToolResultError("bind requires workflow_id and cron"), nil
		}
		input := mcp.ParseStringMap(req, "input", nil)
		bindingID, err := s.scheduler.Bind(workflowID, cronExpr, input)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bind failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"binding_id": bindingID})

	case "unbind":
		bindingID := req.GetString("binding_id", "")
		if bindingID == "" {
			return mcp.NewToolResultError("unbind requires binding_id"), nil
		}
		if err := s.scheduler.Unbind(bindingID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unbind failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"removed": bindingID})

	case "list":
		return marshalResult(map[string]any{"bindings": s.scheduler.Bindings()})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
}

// decodeDefinition converts a raw tool argument map into a typed definition.
func decodeDefinition(raw map[string]any) (*schema.WorkflowDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// anyInput keeps an absent input distinguishable from an empty object.
func anyInput(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
