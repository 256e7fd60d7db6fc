package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrelay/relay/internal/dispatch"
	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	workflows  []*store.Workflow
	triggers   []*store.Trigger
	executions map[string]*store.Execution
	steps      map[string][]*store.StepOutcome

	updateWorkflowFn func(ctx context.Context, id string, update store.WorkflowUpdate) error

	updates []store.WorkflowUpdate
}

func newMockStore() *mockStore {
	return &mockStore{
		executions: make(map[string]*store.Execution),
		steps:      make(map[string][]*store.StepOutcome),
	}
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	for _, wf := range m.workflows {
		if wf.ID == id {
			return wf, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	result := make([]*store.Workflow, 0)
	for _, wf := range m.workflows {
		if filter.Enabled != nil && wf.Enabled != *filter.Enabled {
			continue
		}
		if filter.OwnerID != "" && wf.OwnerID != filter.OwnerID {
			continue
		}
		result = append(result, wf)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) UpdateWorkflow(ctx context.Context, id string, update store.WorkflowUpdate) error {
	if m.updateWorkflowFn != nil {
		return m.updateWorkflowFn(ctx, id, update)
	}
	m.updates = append(m.updates, update)
	for _, wf := range m.workflows {
		if wf.ID == id {
			if update.Enabled != nil {
				wf.Enabled = *update.Enabled
			}
			return nil
		}
	}
	return schema.NewError(schema.ErrCodeNotFound, "workflow not found")
}

func (m *mockStore) ListTriggers(_ context.Context, filter store.TriggerFilter) ([]*store.Trigger, error) {
	result := make([]*store.Trigger, 0)
	for _, tr := range m.triggers {
		if filter.WorkflowID != "" && tr.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Kind != "" && tr.Kind != filter.Kind {
			continue
		}
		result = append(result, tr)
	}
	return result, nil
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	if exec, ok := m.executions[id]; ok {
		return exec, nil
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found")
}

func (m *mockStore) ListStepOutcomes(_ context.Context, executionID string) ([]*store.StepOutcome, error) {
	return m.steps[executionID], nil
}

// --- Fake Runner ---

type fakeRunner struct {
	dispatched []dispatch.Request
	err        error
}

func (f *fakeRunner) Dispatch(_ context.Context, req dispatch.Request) (*store.Execution, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.dispatched = append(f.dispatched, req)
	return &store.Execution{
		ID:         "exec-1",
		WorkflowID: req.Workflow.ID,
		Status:     schema.ExecutionRunning,
		Identity:   req.Identity,
	}, nil
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestListWorkflowsTool(t *testing.T) {
	ms := newMockStore()
	ms.workflows = []*store.Workflow{
		{ID: "wf-1", Name: "digest", OwnerID: "alice", Enabled: true},
		{ID: "wf-2", Name: "triage", OwnerID: "alice", Enabled: false},
		{ID: "wf-3", Name: "sync", OwnerID: "bob", Enabled: true},
	}

	s := NewRelayServer(RelayServerDeps{Store: ms})

	// All workflows.
	result, err := s.handleListWorkflows(context.Background(), buildRequest("relay.workflows.list", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Workflows []store.Workflow `json:"workflows"`
	}
	unmarshalResult(t, result, &resp)
	assert.Len(t, resp.Workflows, 3)

	// Enabled only, scoped to one owner.
	result, err = s.handleListWorkflows(context.Background(), buildRequest("relay.workflows.list", map[string]any{
		"owner_id": "alice",
		"enabled":  "true",
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &resp)
	require.Len(t, resp.Workflows, 1)
	assert.Equal(t, "wf-1", resp.Workflows[0].ID)
}

func TestToggleWorkflowTool(t *testing.T) {
	ms := newMockStore()
	ms.workflows = []*store.Workflow{{ID: "wf-1", Enabled: true}}

	s := NewRelayServer(RelayServerDeps{Store: ms})

	result, err := s.handleToggleWorkflow(context.Background(), buildRequest("relay.workflows.toggle", map[string]any{
		"workflow_id": "wf-1",
		"enabled":     false,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.False(t, ms.workflows[0].Enabled)

	require.Len(t, ms.updates, 1)
	require.NotNil(t, ms.updates[0].Enabled)
	assert.False(t, *ms.updates[0].Enabled)
}

func TestToggleWorkflowToolMissingArgs(t *testing.T) {
	s := NewRelayServer(RelayServerDeps{Store: newMockStore()})

	result, err := s.handleToggleWorkflow(context.Background(), buildRequest("relay.workflows.toggle", map[string]any{
		"workflow_id": "wf-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleToggleWorkflow(context.Background(), buildRequest("relay.workflows.toggle", map[string]any{
		"enabled": true,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunNowTool(t *testing.T) {
	ms := newMockStore()
	ms.workflows = []*store.Workflow{{ID: "wf-1", Name: "digest", OwnerID: "alice", Enabled: true}}
	runner := &fakeRunner{}

	s := NewRelayServer(RelayServerDeps{Store: ms, Runner: runner})

	result, err := s.handleRunNow(context.Background(), buildRequest("relay.workflows.run_now", map[string]any{
		"workflow_id": "wf-1",
		"payload":     map[string]any{"source": "manual"},
		"identity":    "alice",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, runner.dispatched, 1)
	assert.Equal(t, "wf-1", runner.dispatched[0].Workflow.ID)
	assert.Equal(t, "alice", runner.dispatched[0].Identity)
	assert.JSONEq(t, `{"source":"manual"}`, string(runner.dispatched[0].TriggerPayload))

	var resp struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
	}
	unmarshalResult(t, result, &resp)
	assert.Equal(t, "exec-1", resp.ExecutionID)
	assert.Equal(t, string(schema.ExecutionRunning), resp.Status)
}

func TestRunNowToolUnknownWorkflow(t *testing.T) {
	s := NewRelayServer(RelayServerDeps{Store: newMockStore(), Runner: &fakeRunner{}})

	result, err := s.handleRunNow(context.Background(), buildRequest("relay.workflows.run_now", map[string]any{
		"workflow_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunNowToolDispatchFailure(t *testing.T) {
	ms := newMockStore()
	ms.workflows = []*store.Workflow{{ID: "wf-1", Enabled: true}}
	runner := &fakeRunner{err: schema.NewError(schema.ErrCodeCancelled, "workflow disabled before dispatch")}

	s := NewRelayServer(RelayServerDeps{Store: ms, Runner: runner})

	result, err := s.handleRunNow(context.Background(), buildRequest("relay.workflows.run_now", map[string]any{
		"workflow_id": "wf-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetExecutionTool(t *testing.T) {
	now := time.Now().UTC()
	ms := newMockStore()
	ms.executions["exec-1"] = &store.Execution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		Status:     schema.ExecutionCompleted,
		CreatedAt:  now,
	}
	ms.steps["exec-1"] = []*store.StepOutcome{
		{ExecutionID: "exec-1", Action: "fetch_feed", Result: schema.StepSuccess, Sequence: 1, Timestamp: now},
		{ExecutionID: "exec-1", Action: "send_digest", Result: schema.StepSuccess, Sequence: 2, Timestamp: now},
	}

	s := NewRelayServer(RelayServerDeps{Store: ms})

	result, err := s.handleGetExecution(context.Background(), buildRequest("relay.executions.get", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Execution store.Execution     `json:"execution"`
		Steps     []store.StepOutcome `json:"steps"`
	}
	unmarshalResult(t, result, &resp)
	assert.Equal(t, "exec-1", resp.Execution.ID)
	require.Len(t, resp.Steps, 2)
	assert.Equal(t, "fetch_feed", resp.Steps[0].Action)
}

func TestGetExecutionToolNotFound(t *testing.T) {
	s := NewRelayServer(RelayServerDeps{Store: newMockStore()})

	result, err := s.handleGetExecution(context.Background(), buildRequest("relay.executions.get", map[string]any{
		"execution_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListTriggersTool(t *testing.T) {
	ms := newMockStore()
	ms.triggers = []*store.Trigger{
		{ID: "t-1", WorkflowID: "wf-1", Kind: schema.TriggerEvent, EventName: "push"},
		{ID: "t-2", WorkflowID: "wf-1", Kind: schema.TriggerSchedule, CronExpr: "0 9 * * *"},
		{ID: "t-3", WorkflowID: "wf-2", Kind: schema.TriggerWebhook, WebhookKey: "hook-1"},
	}

	s := NewRelayServer(RelayServerDeps{Store: ms})

	result, err := s.handleListTriggers(context.Background(), buildRequest("relay.triggers.list", map[string]any{
		"workflow_id": "wf-1",
	}))
	require.NoError(t, err)

	var resp struct {
		Triggers []store.Trigger `json:"triggers"`
	}
	unmarshalResult(t, result, &resp)
	assert.Len(t, resp.Triggers, 2)

	result, err = s.handleListTriggers(context.Background(), buildRequest("relay.triggers.list", map[string]any{
		"kind": "webhook",
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &resp)
	require.Len(t, resp.Triggers, 1)
	assert.Equal(t, "t-3", resp.Triggers[0].ID)
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
