package store

import (
	"context"
	"time"

	"github.com/flowrelay/relay/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Triggers
	CreateTrigger(ctx context.Context, t *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	GetTriggerByWebhookKey(ctx context.Context, key string) (*Trigger, error)
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	// AdvanceSchedule atomically records a schedule evaluation: it sets
	// last_evaluated and next_fire_at only if last_evaluated still matches
	// prev (nil for never-evaluated). Returns false when another evaluator
	// won the race.
	AdvanceSchedule(ctx context.Context, triggerID string, prev *time.Time, evaluatedAt, nextFireAt time.Time) (bool, error)

	// Executions
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// SetExecutionStatus performs a conditional from -> to transition.
	// Returns false when the execution was not in the expected from state.
	SetExecutionStatus(ctx context.Context, id string, from, to schema.ExecutionStatus) (bool, error)

	// FinalizeExecution moves an execution to a terminal state, recording
	// output/error and completion time. It is a no-op returning false when
	// the execution is already terminal.
	FinalizeExecution(ctx context.Context, id string, status schema.ExecutionStatus, output []byte, errText string, completedAt time.Time) (bool, error)

	// Step outcomes (append-only)
	AppendStepOutcome(ctx context.Context, so *StepOutcome) error
	ListStepOutcomes(ctx context.Context, executionID string) ([]*StepOutcome, error)

	// Webhook runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)

	// ClaimRun atomically transitions a run queued -> consuming.
	// Returns false when the run was already claimed.
	ClaimRun(ctx context.Context, id string) (bool, error)
	MarkRunConsumed(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
