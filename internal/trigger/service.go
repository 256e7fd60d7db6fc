package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowrelay/relay/internal/filter"
	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/pkg/schema"
)

// Match pairs a trigger with its owning workflow after resolution.
type Match struct {
	Trigger  *store.Trigger
	Workflow *store.Workflow
}

// DueSchedule is a schedule trigger with a fire time inside the evaluated
// window. A backlog of missed fire times collapses to the most recent one.
type DueSchedule struct {
	Trigger  *store.Trigger
	FireTime time.Time
}

// Service resolves which workflows a signal maps to: event name, due cron
// schedule, or webhook key.
type Service struct {
	store   store.Store
	engines *filter.Engines
	parser  cron.Parser
	logger  *slog.Logger
}

// NewService creates a trigger resolution service.
func NewService(s store.Store, engines *filter.Engines, logger *slog.Logger) *Service {
	return &Service{
		store:   s,
		engines: engines,
		parser:  newParser(),
		logger:  logger,
	}
}

// TriggersForEvent returns event triggers matching eventName whose workflow
// is enabled and (when ownerID is non-empty) owned by ownerID. Filter
// expressions are evaluated against the payload; a filter error skips the
// trigger and is logged, never propagated, so one broken filter cannot
// swallow the event for everyone else.
func (s *Service) TriggersForEvent(ctx context.Context, eventName, ownerID string, payload map[string]any) ([]Match, error) {
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{
		Kind:      schema.TriggerEvent,
		EventName: eventName,
	})
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, t := range triggers {
		wf, err := s.store.GetWorkflow(ctx, t.WorkflowID)
		if err != nil {
			// Workflow deleted out from under its trigger: skip defensively.
			if schema.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !wf.Enabled {
			continue
		}
		if ownerID != "" && wf.OwnerID != ownerID {
			continue
		}
		ok, err := s.matchFilter(ctx, t, wf, eventName, payload)
		if err != nil {
			s.logger.Warn("trigger filter evaluation failed, skipping",
				slog.String("trigger_id", t.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			matches = append(matches, Match{Trigger: t, Workflow: wf})
		}
	}
	return matches, nil
}

func (s *Service) matchFilter(ctx context.Context, t *store.Trigger, wf *store.Workflow, eventName string, payload map[string]any) (bool, error) {
	if t.Filter == "" {
		return true, nil
	}
	eng, err := s.engines.ForName(t.FilterEngine)
	if err != nil {
		return false, err
	}
	data := map[string]any{
		"payload": payload,
		"event":   map[string]any{"name": eventName},
		"workflow": map[string]any{
			"id":   wf.ID,
			"name": wf.Name,
		},
	}
	return filter.Match(ctx, eng, t.Filter, data)
}

// DueSchedules returns schedule triggers with at least one cron fire time in
// (last_evaluated, now]. All evaluation is UTC. When several fire times fall
// inside the window only the most recent is reported, so a long backlog
// fires once instead of replaying every missed occurrence.
func (s *Service) DueSchedules(ctx context.Context, now time.Time) ([]DueSchedule, error) {
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Kind: schema.TriggerSchedule})
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	var due []DueSchedule
	for _, t := range triggers {
		sched, err := s.parser.Parse(t.CronExpr)
		if err != nil {
			s.logger.Warn("invalid cron expression, skipping trigger",
				slog.String("trigger_id", t.ID),
				slog.String("cron", t.CronExpr),
				slog.String("error", err.Error()),
			)
			continue
		}

		windowStart := t.CreatedAt.UTC()
		if t.LastEvaluated != nil {
			windowStart = t.LastEvaluated.UTC()
		}

		fire, fired := lastFireIn(sched, windowStart, now)
		if !fired {
			continue
		}
		due = append(due, DueSchedule{Trigger: t, FireTime: fire})
	}
	return due, nil
}

// lastFireIn walks fire times forward from after start and returns the most
// recent one not after end. Bounded to guard against degenerate schedules.
func lastFireIn(sched cron.Schedule, start, end time.Time) (time.Time, bool) {
	var last time.Time
	fired := false
	next := sched.Next(start)
	for i := 0; i < 100000 && !next.IsZero() && !next.After(end); i++ {
		last = next
		fired = true
		next = sched.Next(next)
	}
	return last, fired
}

// MarkEvaluated records that the window up to evaluatedAt has been handled
// for a schedule trigger, advancing last_evaluated and next_fire_at in one
// conditional write. Returns false when another evaluator won the race, in
// which case the caller must not dispatch.
func (s *Service) MarkEvaluated(ctx context.Context, t *store.Trigger, evaluatedAt time.Time) (bool, error) {
	next, err := s.NextOccurrence(t.CronExpr, evaluatedAt)
	if err != nil {
		return false, err
	}
	return s.store.AdvanceSchedule(ctx, t.ID, t.LastEvaluated, evaluatedAt.UTC(), next)
}

// Reschedule recomputes a schedule trigger's next fire time starting from
// now. Used by the failure path so one bad dispatch does not stop future
// scheduled runs. A lost race with a concurrent evaluation is fine; the
// schedule is live either way.
func (s *Service) Reschedule(ctx context.Context, t *store.Trigger, now time.Time) error {
	next, err := s.NextOccurrence(t.CronExpr, now)
	if err != nil {
		return err
	}
	_, err = s.store.AdvanceSchedule(ctx, t.ID, t.LastEvaluated, now.UTC(), next)
	return err
}

// ResolveWebhookKey returns the webhook trigger owning key.
func (s *Service) ResolveWebhookKey(ctx context.Context, key string) (*store.Trigger, error) {
	return s.store.GetTriggerByWebhookKey(ctx, key)
}

// TransformPayload applies a webhook trigger's jq transform to the raw
// payload at promotion time. A missing transform returns the payload
// unchanged; a failing transform falls back to the raw payload so a bad
// expression cannot drop an otherwise valid run.
func (s *Service) TransformPayload(ctx context.Context, t *store.Trigger, payload json.RawMessage) json.RawMessage {
	if t.Transform == "" || len(payload) == 0 {
		return payload
	}
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return payload
	}
	out, err := s.engines.JQ.Evaluate(ctx, t.Transform, data)
	if err != nil {
		s.logger.Warn("payload transform failed, using raw payload",
			slog.String("trigger_id", t.ID),
			slog.String("error", err.Error()),
		)
		return payload
	}
	transformed, err := json.Marshal(out)
	if err != nil {
		return payload
	}
	return transformed
}
