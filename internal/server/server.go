package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowrelay/relay/internal/dispatch"
	"github.com/flowrelay/relay/internal/lifecycle"
	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/internal/telemetry"
	"github.com/flowrelay/relay/internal/trigger"
	"github.com/flowrelay/relay/internal/webhook"
)

// Batcher dispatches a batch of execution requests. Satisfied by
// *dispatch.Dispatcher.
type Batcher interface {
	DispatchBatch(ctx context.Context, reqs []dispatch.Request) []error
}

// Deps holds the collaborators the HTTP surface exposes.
type Deps struct {
	Store      store.Store
	Queue      *webhook.Queue
	Lifecycle  *lifecycle.Manager
	Recorder   *telemetry.Recorder
	Triggers   *trigger.Service
	Dispatcher Batcher
	Logger     *slog.Logger
}

// Server is the HTTP front: webhook ingestion, remote-host callbacks and the
// admin API. Auth beyond the webhook shared secret and capability tokens is
// expected to sit in front of this process.
type Server struct {
	deps Deps
	http *http.Server
}

// New creates a server listening on addr.
func New(addr string, deps Deps) *Server {
	s := &Server{deps: deps}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed so tests can drive handlers without a
// listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/{triggerKey}", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.handleEmitEvent)

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Get("/{id}", s.handleGetExecution)
			r.Post("/{id}/steps", s.handleStepOutcome)
			r.Post("/{id}/finalize", s.handleFinalize)
			r.Post("/{id}/cancel", s.handleCancel)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", s.handleCreateWorkflow)
			r.Get("/", s.handleListWorkflows)
			r.Get("/{id}", s.handleGetWorkflow)
			r.Delete("/{id}", s.handleDeleteWorkflow)
			r.Post("/{id}/enable", s.handleSetEnabled(true))
			r.Post("/{id}/disable", s.handleSetEnabled(false))
		})

		r.Route("/triggers", func(r chi.Router) {
			r.Post("/", s.handleCreateTrigger)
			r.Get("/", s.handleListTriggers)
			r.Delete("/{id}", s.handleDeleteTrigger)
		})

		r.Get("/runs", s.handleListRuns)
	})

	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.deps.Logger.Info("http server listening", slog.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
