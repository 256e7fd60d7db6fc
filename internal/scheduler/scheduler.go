package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowrelay/relay/internal/dispatch"
	"github.com/flowrelay/relay/internal/logging"
	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/internal/trigger"
	"github.com/flowrelay/relay/pkg/schema"
)

const defaultInterval = 60 * time.Second

// staleExecutionError marks executions found stranded before dispatch
// completed, so the failure is attributed like any other dispatch failure.
const staleExecutionError = "Dispatch error: interrupted before dispatch completed"

// Batcher is the interface the scheduler uses to hand work to the
// dispatcher. Satisfied by *dispatch.Dispatcher.
type Batcher interface {
	DispatchBatch(ctx context.Context, reqs []dispatch.Request) []error
}

// Lifecycle is the slice of the execution state machine the scheduler drives
// directly: staging an execution before a schedule window is consumed, and
// resolving executions that never reached the remote host. Satisfied by
// *lifecycle.Manager.
type Lifecycle interface {
	CreateExecution(ctx context.Context, workflowID string, triggerPayload json.RawMessage, identity string) (*store.Execution, string, error)
	Cancel(ctx context.Context, id string) (bool, error)
	FailExecution(ctx context.Context, id, errText string) (bool, error)
}

// Scheduler drives the tick loop: evaluate due schedule triggers, promote
// queued webhook runs, and submit the resulting dispatch requests as one
// independently-failing batch. Ticks never overlap; a tick that arrives
// while the previous one is still working is skipped, and the windowed
// due-schedule query picks the work up on the next tick.
type Scheduler struct {
	store      store.Store
	triggers   *trigger.Service
	lifecycle  Lifecycle
	dispatcher Batcher
	logger     *slog.Logger
	interval   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	tickMu sync.Mutex
}

// NewScheduler creates a scheduler. A zero interval falls back to one
// minute.
func NewScheduler(s store.Store, triggers *trigger.Service, lc Lifecycle, dispatcher Batcher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		store:      s,
		triggers:   triggers,
		lifecycle:  lc,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   interval,
	}
}

// Start launches the background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	tickCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(tickCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Resolve executions a previous process stranded, then run an initial
	// tick immediately; missed windows since the last run are covered by
	// the due-schedule query itself.
	s.RecoverStale(ctx)
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. Exported so tests and operational tooling
// can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		s.logger.Warn("previous tick still running, skipping")
		return
	}
	defer s.tickMu.Unlock()

	now := time.Now().UTC()
	reqs := s.collectDueSchedules(ctx, now)
	reqs = append(reqs, s.collectQueuedRuns(ctx)...)
	if len(reqs) == 0 {
		return
	}

	errs := s.dispatcher.DispatchBatch(ctx, reqs)
	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	s.logger.Info("tick dispatched",
		slog.Int("requests", len(reqs)),
		slog.Int("failures", failures),
	)
}

// collectDueSchedules claims due schedule triggers. A pending execution is
// persisted before the last_evaluated CAS consumes the window, so a crash
// between the two leaves either an unconsumed window (re-fired next tick) or
// a staged execution (resolved by RecoverStale); a fire is never lost with no
// trace. The CAS still decides the winner: concurrent schedulers agree on
// exactly one dispatch per window, and a loser cancels its staged execution.
func (s *Scheduler) collectDueSchedules(ctx context.Context, now time.Time) []dispatch.Request {
	due, err := s.triggers.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("listing due schedules failed", slog.String("error", err.Error()))
		return nil
	}

	var reqs []dispatch.Request
	for _, d := range due {
		tctx := logging.WithIDs(ctx, d.Trigger.WorkflowID, "", d.Trigger.ID)

		wf, ok := s.liveWorkflow(tctx, d.Trigger.WorkflowID, d.Trigger.ID)
		if !ok {
			// Consume the window anyway so a disabled or deleted workflow
			// does not stay due forever.
			if _, err := s.triggers.MarkEvaluated(tctx, d.Trigger, now); err != nil {
				s.logger.ErrorContext(tctx, "advancing schedule failed",
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		payload, _ := json.Marshal(map[string]any{
			"trigger_id": d.Trigger.ID,
			"fired_at":   d.FireTime.Format(time.RFC3339),
		})

		exec, _, err := s.lifecycle.CreateExecution(tctx, wf.ID, payload, wf.OwnerID)
		if err != nil {
			// Window left unconsumed; the next tick retries the fire.
			s.logger.ErrorContext(tctx, "staging execution failed",
				slog.String("error", err.Error()),
			)
			continue
		}

		won, err := s.triggers.MarkEvaluated(tctx, d.Trigger, now)
		if err != nil || !won {
			if err != nil {
				s.logger.ErrorContext(tctx, "advancing schedule failed",
					slog.String("error", err.Error()),
				)
			}
			// Another evaluator owns this window; discard the staged record.
			if _, cErr := s.lifecycle.Cancel(tctx, exec.ID); cErr != nil {
				s.logger.ErrorContext(tctx, "cancelling staged execution failed",
					slog.String("execution_id", exec.ID),
					slog.String("error", cErr.Error()),
				)
			}
			continue
		}

		reqs = append(reqs, dispatch.Request{
			Execution:      exec,
			Workflow:       wf,
			TriggerPayload: payload,
			Identity:       wf.OwnerID,
		})
	}
	return reqs
}

// RecoverStale fails executions left pending or dispatching by a previous
// process. It runs once at startup, before the first tick, when no in-process
// dispatch can still be holding one. Failing goes through the lifecycle
// manager, so the owning workflow's schedule triggers are re-armed and an
// interrupted fire is rescheduled instead of silently dropped. Running
// executions are left alone; the remote host owns those and reports back
// through the callbacks.
func (s *Scheduler) RecoverStale(ctx context.Context) {
	for _, status := range []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionDispatching} {
		st := status
		execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{Status: &st})
		if err != nil {
			s.logger.Error("listing stale executions failed",
				slog.String("status", string(st)),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, e := range execs {
			ectx := logging.WithIDs(ctx, e.WorkflowID, e.ID, "")
			failed, err := s.lifecycle.FailExecution(ectx, e.ID, staleExecutionError)
			if err != nil {
				s.logger.ErrorContext(ectx, "failing stale execution failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if failed {
				s.logger.InfoContext(ectx, "stale execution failed and rescheduled")
			}
		}
	}
}

// collectQueuedRuns claims queued webhook runs. Each run is claimed via CAS
// and marked consumed before dispatch, so an overlapping claimer or a later
// tick can never promote the same run twice. The pending execution is staged
// between claim and consume; a crash after the consume leaves a record
// RecoverStale resolves instead of a run that vanished.
func (s *Scheduler) collectQueuedRuns(ctx context.Context) []dispatch.Request {
	queued := schema.RunQueued
	runs, err := s.store.ListRuns(ctx, store.RunFilter{Status: &queued})
	if err != nil {
		s.logger.Error("listing queued runs failed", slog.String("error", err.Error()))
		return nil
	}

	var reqs []dispatch.Request
	for _, run := range runs {
		claimed, err := s.store.ClaimRun(ctx, run.ID)
		if err != nil {
			s.logger.Error("claiming run failed",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !claimed {
			continue
		}

		req, ok := s.promoteRun(ctx, run)
		if ok {
			exec, _, err := s.lifecycle.CreateExecution(ctx, req.Workflow.ID, req.TriggerPayload, req.Identity)
			if err != nil {
				s.logger.Error("staging execution for run failed",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
				ok = false
			} else {
				req.Execution = exec
			}
		}

		// Consumed either way: a run whose trigger or workflow has gone
		// away is dropped, not retried forever.
		if err := s.store.MarkRunConsumed(ctx, run.ID); err != nil {
			s.logger.Error("marking run consumed failed",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
		if ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// promoteRun turns a claimed webhook run into a dispatch request. The
// workflow enabled flag is re-checked here, immediately before dispatch, not
// only at enqueue time.
func (s *Scheduler) promoteRun(ctx context.Context, run *store.WorkflowRun) (dispatch.Request, bool) {
	trig, err := s.store.GetTrigger(ctx, run.TriggerID)
	if err != nil {
		if !schema.IsNotFound(err) {
			s.logger.Error("loading run trigger failed",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
		return dispatch.Request{}, false
	}

	wf, ok := s.liveWorkflow(ctx, trig.WorkflowID, trig.ID)
	if !ok {
		return dispatch.Request{}, false
	}

	return dispatch.Request{
		Workflow:       wf,
		TriggerPayload: s.triggers.TransformPayload(ctx, trig, run.Payload),
		Identity:       wf.OwnerID,
	}, true
}

// liveWorkflow loads a workflow and checks it is still enabled. A deleted
// workflow leaves its triggers orphaned; they are skipped here, never an
// error.
func (s *Scheduler) liveWorkflow(ctx context.Context, workflowID, triggerID string) (*store.Workflow, bool) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if !schema.IsNotFound(err) {
			s.logger.Error("loading workflow failed",
				slog.String("workflow_id", workflowID),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	if !wf.Enabled {
		s.logger.Info("workflow disabled, skipping dispatch",
			slog.String("workflow_id", workflowID),
			slog.String("trigger_id", triggerID),
		)
		return nil, false
	}
	return wf, true
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
