package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// maxWebhookBody caps inbound payload size at 1 MiB.
const maxWebhookBody = 1 << 20

// handleWebhook ingests an inbound webhook call. The body is treated as an
// opaque payload regardless of content type; the 200 only acknowledges
// queuing, never downstream execution outcome.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "triggerKey")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeBadRequest(w, "read request body")
		return
	}

	runID, err := s.deps.Queue.Ingest(r.Context(), key, bearerToken(r), body, r.Header, r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}

	s.deps.Logger.Info("webhook accepted",
		slog.String("trigger_key", key),
		slog.String("run_id", runID),
	)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run_id": runID})
}
