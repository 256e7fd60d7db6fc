package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowrelay/relay/internal/logging"
	"github.com/flowrelay/relay/pkg/schema"
)

// authorizeCallback checks the capability token minted at execution
// creation. The token only opens the execution it was issued for.
func (s *Server) authorizeCallback(w http.ResponseWriter, r *http.Request, executionID string) bool {
	if _, err := s.deps.Lifecycle.Tokens().VerifyFor(bearerToken(r), executionID); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

// handleStepOutcome records one step result reported by the remote host.
// Recording is best-effort, so after auth and parsing the response is always
// a 200; a storage hiccup must not make the host re-run the action.
func (s *Server) handleStepOutcome(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "id")
	if !s.authorizeCallback(w, r, executionID) {
		return
	}

	var body struct {
		Action  string `json:"action"`
		Outcome string `json:"outcome"`
		Error   string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Action == "" {
		writeBadRequest(w, "action is required")
		return
	}

	result := schema.StepResult(body.Outcome)
	if result != schema.StepSuccess && result != schema.StepFailure {
		writeBadRequest(w, `outcome must be "success" or "failure"`)
		return
	}

	ctx := logging.WithExecutionID(r.Context(), executionID)
	s.deps.Recorder.RecordStepOutcome(ctx, executionID, body.Action, result, body.Error)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleFinalize moves an execution to its terminal state. Finalize is
// idempotent: a duplicate callback (or one racing the dispatch-failure path)
// reports finalized=false and leaves the first outcome in place.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "id")
	if !s.authorizeCallback(w, r, executionID) {
		return
	}

	var body struct {
		Outcome string          `json:"outcome"`
		Output  json.RawMessage `json:"output,omitempty"`
		Error   string          `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var status schema.ExecutionStatus
	switch body.Outcome {
	case "completed":
		status = schema.ExecutionCompleted
	case "failed":
		status = schema.ExecutionFailed
	default:
		writeBadRequest(w, `outcome must be "completed" or "failed"`)
		return
	}

	ctx := logging.WithExecutionID(r.Context(), executionID)

	var (
		finalized bool
		err       error
	)
	if status == schema.ExecutionFailed {
		// The failure path also re-arms the workflow's schedule triggers.
		errText := body.Error
		if errText == "" {
			errText = "execution failed"
		}
		finalized, err = s.deps.Lifecycle.FailExecution(ctx, executionID, errText)
	} else {
		finalized, err = s.deps.Lifecycle.FinalizeExecution(ctx, executionID, status, body.Output, "")
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "finalized": finalized})
}

// handleCancel requests cancellation of a live execution. The remote host
// observes the terminal state cooperatively; nothing is forcibly killed.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "id")
	ctx := logging.WithExecutionID(r.Context(), executionID)

	cancelled, err := s.deps.Lifecycle.Cancel(ctx, executionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cancelled": cancelled})
}
