package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowrelay/relay/internal/logging"
	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/pkg/schema"
)

// Recorder appends per-action step outcomes to an execution's log as the
// remote host reports them. Recording is best-effort: a storage failure is
// logged and swallowed, never surfaced to the remote host and never allowed
// to alter the action's result. Losing a telemetry row is acceptable;
// duplicating or re-running an action because telemetry failed is not.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a step outcome recorder.
func NewRecorder(s store.Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, logger: logger, now: time.Now}
}

// RecordStepOutcome appends one step outcome. The store assigns the sequence
// number inside the append transaction, so a record is a single write and
// concurrent reports for one execution still land in a gapless order.
func (r *Recorder) RecordStepOutcome(ctx context.Context, executionID, action string, result schema.StepResult, errText string) {
	so := &store.StepOutcome{
		ExecutionID: executionID,
		Action:      action,
		Result:      result,
		Error:       errText,
		Timestamp:   r.now().UTC(),
	}
	if err := r.store.AppendStepOutcome(ctx, so); err != nil {
		r.drop(ctx, action, err)
	}
}

// StepOutcomes returns the ordered step log for an execution.
func (r *Recorder) StepOutcomes(ctx context.Context, executionID string) ([]*store.StepOutcome, error) {
	return r.store.ListStepOutcomes(ctx, executionID)
}

func (r *Recorder) drop(ctx context.Context, action string, err error) {
	logging.LogWith(ctx, r.logger).Warn("step outcome dropped",
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
}
