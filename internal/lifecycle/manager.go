package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/internal/trigger"
	"github.com/flowrelay/relay/pkg/schema"
)

// Manager owns the execution state machine. All status changes go through
// conditional store writes so that finalization is exactly-once and every
// other path is safe to retry.
type Manager struct {
	store    store.Store
	triggers *trigger.Service
	tokens   *TokenIssuer
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates an execution lifecycle manager.
func NewManager(s store.Store, triggers *trigger.Service, tokens *TokenIssuer, logger *slog.Logger) *Manager {
	return &Manager{
		store:    s,
		triggers: triggers,
		tokens:   tokens,
		logger:   logger,
		now:      time.Now,
	}
}

// Tokens exposes the issuer so callback authentication can share it.
func (m *Manager) Tokens() *TokenIssuer {
	return m.tokens
}

// CreateExecution creates a pending execution for a workflow. The sandbox
// binding and identity are captured at creation time; later workflow edits
// do not affect an execution already in flight. The returned token is the
// capability the remote host must present on callbacks.
func (m *Manager) CreateExecution(ctx context.Context, workflowID string, triggerPayload json.RawMessage, identity string) (*store.Execution, string, error) {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, "", err
	}
	if identity == "" {
		identity = wf.OwnerID
	}

	exec := &store.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		Status:         schema.ExecutionPending,
		TriggerPayload: triggerPayload,
		Identity:       identity,
		SandboxID:      wf.SandboxID,
		CreatedAt:      m.now().UTC(),
	}
	if err := m.store.CreateExecution(ctx, exec); err != nil {
		return nil, "", err
	}

	token, err := m.tokens.Mint(exec.ID, identity)
	if err != nil {
		return nil, "", err
	}
	return exec, token, nil
}

// MarkDispatching transitions pending -> dispatching. Returns false when the
// execution already left pending (cancelled, or another dispatcher got it).
func (m *Manager) MarkDispatching(ctx context.Context, id string) (bool, error) {
	return m.store.SetExecutionStatus(ctx, id, schema.ExecutionPending, schema.ExecutionDispatching)
}

// MarkRunning transitions dispatching -> running once the remote host has
// accepted the work.
func (m *Manager) MarkRunning(ctx context.Context, id string) (bool, error) {
	return m.store.SetExecutionStatus(ctx, id, schema.ExecutionDispatching, schema.ExecutionRunning)
}

// FinalizeExecution moves an execution to a terminal state exactly once.
// Calling it again on an already terminal execution returns false with no
// error and changes nothing, so a duplicated remote callback is harmless.
func (m *Manager) FinalizeExecution(ctx context.Context, id string, status schema.ExecutionStatus, output json.RawMessage, errText string) (bool, error) {
	if !status.IsTerminal() {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"finalize requires a terminal status, got %q", status)
	}
	return m.store.FinalizeExecution(ctx, id, status, output, errText, m.now().UTC())
}

// FailExecution finalizes an execution as failed. When the finalize actually
// transitioned (the execution was still live), the owning workflow's schedule
// triggers are re-armed from now so one failed dispatch does not silence a
// recurring workflow.
func (m *Manager) FailExecution(ctx context.Context, id, errText string) (bool, error) {
	transitioned, err := m.store.FinalizeExecution(ctx, id, schema.ExecutionFailed, nil, errText, m.now().UTC())
	if err != nil || !transitioned {
		return false, err
	}

	exec, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return true, err
	}
	m.rearmSchedules(ctx, exec.WorkflowID)
	return true, nil
}

// Cancel requests termination of a live execution. Valid from pending,
// dispatching and running; a second cancel or a cancel after completion is a
// no-op. Returns whether this call performed the transition.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	return m.store.FinalizeExecution(ctx, id, schema.ExecutionCancelled, nil, "", m.now().UTC())
}

// rearmSchedules recomputes next fire times for the workflow's schedule
// triggers. Failures here are logged, not returned: the execution is already
// terminal and the next scheduler window will retry.
func (m *Manager) rearmSchedules(ctx context.Context, workflowID string) {
	triggers, err := m.store.ListTriggers(ctx, store.TriggerFilter{
		WorkflowID: workflowID,
		Kind:       schema.TriggerSchedule,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "listing schedule triggers for reschedule failed",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
		return
	}
	now := m.now().UTC()
	for _, t := range triggers {
		if err := m.triggers.Reschedule(ctx, t, now); err != nil {
			m.logger.WarnContext(ctx, "rescheduling trigger after failure failed",
				slog.String("trigger_id", t.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
