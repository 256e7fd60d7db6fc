package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flowrelay/relay/internal/dispatch"
	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/pkg/schema"
)

// handleListWorkflows lists workflow automations.
func (s *RelayServer) handleListWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.WorkflowFilter{
		OwnerID: req.GetString("owner_id", ""),
		Limit:   req.GetInt("limit", 50),
	}
	if enabled := req.GetString("enabled", ""); enabled != "" {
		v := enabled == "true"
		filter.Enabled = &v
	}

	workflows, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// handleToggleWorkflow flips the enabled flag. A disabled workflow keeps its
// triggers; the scheduler simply skips them at dispatch time.
func (s *RelayServer) handleToggleWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	enabled, err := req.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError("enabled is required"), nil
	}

	if updateErr := s.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{Enabled: &enabled}); updateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("toggle failed: %v", updateErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"enabled":     enabled,
	})
}

// handleRunNow dispatches a workflow through the same dispatcher the
// scheduler uses, so manual runs get the same execution record, capability
// token and failure handling as triggered ones.
func (s *RelayServer) handleRunNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, wfErr := s.store.GetWorkflow(ctx, workflowID)
	if wfErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", wfErr)), nil
	}

	var payload json.RawMessage
	if params := mcp.ParseStringMap(req, "payload", nil); params != nil {
		if raw, err := json.Marshal(params); err == nil {
			payload = raw
		}
	}

	exec, runErr := s.runner.Dispatch(ctx, dispatch.Request{
		Workflow:       wf,
		TriggerPayload: payload,
		Identity:       req.GetString("identity", ""),
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", runErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": exec.ID,
		"workflow_id":  workflowID,
		"status":       exec.Status,
	})
}

// handleGetExecution returns the execution with its step log.
func (s *RelayServer) handleGetExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, execErr := s.store.GetExecution(ctx, executionID)
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", execErr)), nil
	}
	steps, stepsErr := s.store.ListStepOutcomes(ctx, executionID)
	if stepsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step log lookup failed: %v", stepsErr)), nil
	}

	return marshalResult(map[string]any{
		"execution": exec,
		"steps":     steps,
	})
}

// handleListTriggers lists triggers, optionally scoped to a workflow or kind.
func (s *RelayServer) handleListTriggers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.TriggerFilter{
		WorkflowID: req.GetString("workflow_id", ""),
	}
	if kind := req.GetString("kind", ""); kind != "" {
		filter.Kind = schema.TriggerKind(kind)
	}

	triggers, err := s.store.ListTriggers(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
