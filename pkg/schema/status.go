package schema

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending     ExecutionStatus = "pending"
	ExecutionDispatching ExecutionStatus = "dispatching"
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionCancelled   ExecutionStatus = "cancelled"
)

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:     {ExecutionDispatching, ExecutionFailed, ExecutionCancelled},
	ExecutionDispatching: {ExecutionRunning, ExecutionFailed, ExecutionCancelled},
	ExecutionRunning:     {ExecutionCompleted, ExecutionFailed, ExecutionCancelled},
	ExecutionCompleted:   {},
	ExecutionFailed:      {},
	ExecutionCancelled:   {},
}

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// CanTransition reports whether from -> to is a valid execution transition.
func CanTransition(from, to ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// TriggerKind tags the trigger variant. Every site that needs
// kind-specific behavior switches on this exhaustively.
type TriggerKind string

const (
	TriggerEvent    TriggerKind = "event"
	TriggerSchedule TriggerKind = "schedule"
	TriggerWebhook  TriggerKind = "webhook"
)

// RunStatus is the lifecycle of a queued webhook run.
// A run is claimed by exactly one scheduler tick via an atomic
// queued -> consuming transition.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunConsuming RunStatus = "consuming"
	RunConsumed  RunStatus = "consumed"
)

// StepResult is the recorded outcome of one action within an execution.
type StepResult string

const (
	StepSuccess StepResult = "success"
	StepFailure StepResult = "failure"
)
