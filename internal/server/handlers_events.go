package server

import (
	"encoding/json"
	"net/http"

	"github.com/flowrelay/relay/internal/dispatch"
)

// handleEmitEvent fires an internal event. Matching event triggers dispatch
// immediately; events never pass through the webhook run queue. Per-workflow
// dispatch failures are counted, not surfaced as an overall error, so one
// failing workflow cannot hide the event from the rest.
func (s *Server) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string         `json:"name"`
		OwnerID string         `json:"owner_id,omitempty"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	matches, err := s.deps.Triggers.TriggersForEvent(r.Context(), body.Name, body.OwnerID, body.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(matches) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "matched": 0, "dispatched": 0})
		return
	}

	var payload json.RawMessage
	if body.Payload != nil {
		payload, _ = json.Marshal(body.Payload)
	}

	reqs := make([]dispatch.Request, 0, len(matches))
	for _, m := range matches {
		reqs = append(reqs, dispatch.Request{
			Workflow:       m.Workflow,
			TriggerPayload: payload,
		})
	}

	errs := s.deps.Dispatcher.DispatchBatch(r.Context(), reqs)
	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"matched":    len(matches),
		"dispatched": len(matches) - failed,
		"failed":     failed,
	})
}
