package store

import (
	"encoding/json"
	"time"

	"github.com/flowrelay/relay/pkg/schema"
)

// Workflow is a user-authored automation. The engine never interprets the
// instructions; they are forwarded verbatim to the remote execution host.
type Workflow struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Instructions   string          `json:"instructions"`
	AllowedActions []string        `json:"allowed_actions,omitempty"`
	SandboxID      string          `json:"sandbox_id,omitempty"`
	Enabled        bool            `json:"enabled"`
	Model          string          `json:"model,omitempty"`
	ModelConfig    json.RawMessage `json:"model_config,omitempty"`
	OwnerID        string          `json:"owner_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Trigger is a tagged variant bound to exactly one workflow.
// Kind selects which of the variant fields are meaningful:
//
//	event:    EventName, optional Filter/FilterEngine
//	schedule: CronExpr, LastEvaluated, NextFireAt
//	webhook:  WebhookKey (globally unique, immutable), optional
//	          PayloadSchema and Transform
type Trigger struct {
	ID         string             `json:"id"`
	WorkflowID string             `json:"workflow_id"`
	Kind       schema.TriggerKind `json:"kind"`

	EventName    string `json:"event_name,omitempty"`
	Filter       string `json:"filter,omitempty"`
	FilterEngine string `json:"filter_engine,omitempty"` // "expr" or "cel"

	CronExpr      string     `json:"cron_expr,omitempty"`
	LastEvaluated *time.Time `json:"last_evaluated,omitempty"`
	NextFireAt    *time.Time `json:"next_fire_at,omitempty"`

	WebhookKey    string          `json:"webhook_key,omitempty"`
	PayloadSchema json.RawMessage `json:"payload_schema,omitempty"`
	Transform     string          `json:"transform,omitempty"` // jq expression applied at promotion time

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks kind-specific required fields.
func (t *Trigger) Validate() error {
	if t.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger workflow_id is required")
	}
	switch t.Kind {
	case schema.TriggerEvent:
		if t.EventName == "" {
			return schema.NewError(schema.ErrCodeValidation, "event trigger requires event_name")
		}
	case schema.TriggerSchedule:
		if t.CronExpr == "" {
			return schema.NewError(schema.ErrCodeValidation, "schedule trigger requires cron_expr")
		}
	case schema.TriggerWebhook:
		if t.WebhookKey == "" {
			return schema.NewError(schema.ErrCodeValidation, "webhook trigger requires webhook_key")
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger kind %q", t.Kind)
	}
	return nil
}

// Execution is one attempt to run a workflow. Created exactly once per
// dispatch attempt; a failed dispatch is terminal and a fresh execution is
// created for the next scheduled attempt.
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	Status         schema.ExecutionStatus `json:"status"`
	TriggerPayload json.RawMessage        `json:"trigger_payload,omitempty"`
	Output         json.RawMessage        `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Identity       string                 `json:"identity"`
	SandboxID      string                 `json:"sandbox_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// StepOutcome is an append-only record of one action performed during an
// execution. Write-once; never mutated or deleted.
type StepOutcome struct {
	ID          int64             `json:"id"`
	ExecutionID string            `json:"execution_id"`
	Action      string            `json:"action"`
	Result      schema.StepResult `json:"result"`
	Error       string            `json:"error,omitempty"`
	Sequence    int64             `json:"sequence"`
	Timestamp   time.Time         `json:"timestamp"`
}

// WorkflowRun is a queued webhook invocation awaiting promotion by the
// scheduler. Event and schedule triggers bypass this queue.
type WorkflowRun struct {
	ID        string           `json:"id"`
	TriggerID string           `json:"trigger_id"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Headers   json.RawMessage  `json:"headers,omitempty"`
	Query     json.RawMessage  `json:"query,omitempty"`
	Status    schema.RunStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Name           *string         `json:"name,omitempty"`
	Instructions   *string         `json:"instructions,omitempty"`
	AllowedActions []string        `json:"allowed_actions,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
	Model          *string         `json:"model,omitempty"`
	ModelConfig    json.RawMessage `json:"model_config,omitempty"`
	SandboxID      *string         `json:"sandbox_id,omitempty"`
}

// TriggerFilter specifies criteria for listing triggers.
type TriggerFilter struct {
	WorkflowID string             `json:"workflow_id,omitempty"`
	Kind       schema.TriggerKind `json:"kind,omitempty"`
	EventName  string             `json:"event_name,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing webhook runs.
type RunFilter struct {
	TriggerID string            `json:"trigger_id,omitempty"`
	Status    *schema.RunStatus `json:"status,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}
