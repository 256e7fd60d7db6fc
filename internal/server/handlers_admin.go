package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/pkg/schema"
)

// --- Workflows ---

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name           string          `json:"name"`
		Instructions   string          `json:"instructions"`
		AllowedActions []string        `json:"allowed_actions,omitempty"`
		SandboxID      string          `json:"sandbox_id,omitempty"`
		Model          string          `json:"model,omitempty"`
		ModelConfig    json.RawMessage `json:"model_config,omitempty"`
		OwnerID        string          `json:"owner_id"`
		Enabled        *bool           `json:"enabled,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	if body.OwnerID == "" {
		writeBadRequest(w, "owner_id is required")
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:             uuid.NewString(),
		Name:           body.Name,
		Instructions:   body.Instructions,
		AllowedActions: body.AllowedActions,
		SandboxID:      body.SandboxID,
		Enabled:        enabled,
		Model:          body.Model,
		ModelConfig:    body.ModelConfig,
		OwnerID:        body.OwnerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deps.Store.CreateWorkflow(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		OwnerID: r.URL.Query().Get("owner_id"),
		Limit:   queryInt(r, "limit", 100),
		Offset:  queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}

	workflows, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.deps.Store.UpdateWorkflow(r.Context(), id, store.WorkflowUpdate{Enabled: &enabled}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": enabled})
	}
}

// --- Triggers ---

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowID    string          `json:"workflow_id"`
		Kind          string          `json:"kind"`
		EventName     string          `json:"event_name,omitempty"`
		Filter        string          `json:"filter,omitempty"`
		FilterEngine  string          `json:"filter_engine,omitempty"`
		CronExpr      string          `json:"cron_expr,omitempty"`
		WebhookKey    string          `json:"webhook_key,omitempty"`
		PayloadSchema json.RawMessage `json:"payload_schema,omitempty"`
		Transform     string          `json:"transform,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	trig := &store.Trigger{
		ID:            uuid.NewString(),
		WorkflowID:    body.WorkflowID,
		Kind:          schema.TriggerKind(body.Kind),
		EventName:     body.EventName,
		Filter:        body.Filter,
		FilterEngine:  body.FilterEngine,
		CronExpr:      body.CronExpr,
		WebhookKey:    body.WebhookKey,
		PayloadSchema: body.PayloadSchema,
		Transform:     body.Transform,
		CreatedAt:     time.Now().UTC(),
	}
	if err := trig.Validate(); err != nil {
		writeError(w, err)
		return
	}

	// The workflow must exist; orphaned triggers are tolerated after
	// deletion, never at creation.
	if _, err := s.deps.Store.GetWorkflow(r.Context(), trig.WorkflowID); err != nil {
		writeError(w, err)
		return
	}

	if trig.Kind == schema.TriggerSchedule {
		next, err := s.deps.Triggers.NextOccurrence(trig.CronExpr, trig.CreatedAt)
		if err != nil {
			writeError(w, err)
			return
		}
		trig.NextFireAt = &next
	}

	if err := s.deps.Store.CreateTrigger(r.Context(), trig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trig)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	filter := store.TriggerFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Kind:       schema.TriggerKind(r.URL.Query().Get("kind")),
		EventName:  r.URL.Query().Get("event_name"),
		Limit:      queryInt(r, "limit", 100),
	}

	triggers, err := s.deps.Store.ListTriggers(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteTrigger(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Executions ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}

	executions, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

// handleGetExecution returns the execution with its ordered step log.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.deps.Store.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	steps, err := s.deps.Recorder.StepOutcomes(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution": exec,
		"steps":     steps,
	})
}

// --- Runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		TriggerID: r.URL.Query().Get("trigger_id"),
		Limit:     queryInt(r, "limit", 100),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
