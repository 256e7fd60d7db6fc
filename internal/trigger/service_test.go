package trigger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrelay/relay/internal/filter"
	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/pkg/schema"
)

// mockStore implements just the Store methods the trigger service touches.
type mockStore struct {
	store.Store

	listTriggersFn    func(ctx context.Context, f store.TriggerFilter) ([]*store.Trigger, error)
	getWorkflowFn     func(ctx context.Context, id string) (*store.Workflow, error)
	advanceScheduleFn func(ctx context.Context, triggerID string, prev *time.Time, evaluatedAt, nextFireAt time.Time) (bool, error)
	getByWebhookKeyFn func(ctx context.Context, key string) (*store.Trigger, error)
}

func (m *mockStore) ListTriggers(ctx context.Context, f store.TriggerFilter) ([]*store.Trigger, error) {
	return m.listTriggersFn(ctx, f)
}

func (m *mockStore) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	return m.getWorkflowFn(ctx, id)
}

func (m *mockStore) AdvanceSchedule(ctx context.Context, triggerID string, prev *time.Time, evaluatedAt, nextFireAt time.Time) (bool, error) {
	return m.advanceScheduleFn(ctx, triggerID, prev, evaluatedAt, nextFireAt)
}

func (m *mockStore) GetTriggerByWebhookKey(ctx context.Context, key string) (*store.Trigger, error) {
	return m.getByWebhookKeyFn(ctx, key)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, ms *mockStore) *Service {
	t.Helper()
	engines, err := filter.NewEngines()
	require.NoError(t, err)
	return NewService(ms, engines, discardLogger())
}

func TestTriggersForEvent(t *testing.T) {
	workflows := map[string]*store.Workflow{
		"wf-1": {ID: "wf-1", Name: "issue triage", Enabled: true, OwnerID: "alice"},
		"wf-2": {ID: "wf-2", Name: "disabled one", Enabled: false, OwnerID: "alice"},
		"wf-3": {ID: "wf-3", Name: "other owner", Enabled: true, OwnerID: "bob"},
	}
	ms := &mockStore{
		getWorkflowFn: func(_ context.Context, id string) (*store.Workflow, error) {
			wf, ok := workflows[id]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
			}
			return wf, nil
		},
	}
	svc := newTestService(t, ms)

	t.Run("matches enabled workflows only", func(t *testing.T) {
		ms.listTriggersFn = func(_ context.Context, f store.TriggerFilter) ([]*store.Trigger, error) {
			assert.Equal(t, schema.TriggerEvent, f.Kind)
			assert.Equal(t, "issue.created", f.EventName)
			return []*store.Trigger{
				{ID: "t-1", WorkflowID: "wf-1", Kind: schema.TriggerEvent, EventName: "issue.created"},
				{ID: "t-2", WorkflowID: "wf-2", Kind: schema.TriggerEvent, EventName: "issue.created"},
			}, nil
		}

		matches, err := svc.TriggersForEvent(context.Background(), "issue.created", "", nil)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "t-1", matches[0].Trigger.ID)
		assert.Equal(t, "wf-1", matches[0].Workflow.ID)
	})

	t.Run("owner scoping", func(t *testing.T) {
		ms.listTriggersFn = func(_ context.Context, _ store.TriggerFilter) ([]*store.Trigger, error) {
			return []*store.Trigger{
				{ID: "t-1", WorkflowID: "wf-1", Kind: schema.TriggerEvent, EventName: "issue.created"},
				{ID: "t-3", WorkflowID: "wf-3", Kind: schema.TriggerEvent, EventName: "issue.created"},
			}, nil
		}

		matches, err := svc.TriggersForEvent(context.Background(), "issue.created", "bob", nil)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "t-3", matches[0].Trigger.ID)
	})

	t.Run("expr filter gates the match", func(t *testing.T) {
		ms.listTriggersFn = func(_ context.Context, _ store.TriggerFilter) ([]*store.Trigger, error) {
			return []*store.Trigger{
				{ID: "t-1", WorkflowID: "wf-1", Kind: schema.TriggerEvent, EventName: "issue.created",
					Filter: `payload.priority == "high"`, FilterEngine: "expr"},
			}, nil
		}

		matches, err := svc.TriggersForEvent(context.Background(), "issue.created", "",
			map[string]any{"priority": "high"})
		require.NoError(t, err)
		assert.Len(t, matches, 1)

		matches, err = svc.TriggersForEvent(context.Background(), "issue.created", "",
			map[string]any{"priority": "low"})
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("cel filter sees event and workflow metadata", func(t *testing.T) {
		ms.listTriggersFn = func(_ context.Context, _ store.TriggerFilter) ([]*store.Trigger, error) {
			return []*store.Trigger{
				{ID: "t-1", WorkflowID: "wf-1", Kind: schema.TriggerEvent, EventName: "issue.created",
					Filter: `event.name == "issue.created" && workflow.name == "issue triage"`, FilterEngine: "cel"},
			}, nil
		}

		matches, err := svc.TriggersForEvent(context.Background(), "issue.created", "", nil)
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})

	t.Run("broken filter skips the trigger", func(t *testing.T) {
		ms.listTriggersFn = func(_ context.Context, _ store.TriggerFilter) ([]*store.Trigger, error) {
			return []*store.Trigger{
				{ID: "t-bad", WorkflowID: "wf-1", Kind: schema.TriggerEvent, EventName: "issue.created",
					Filter: "((((", FilterEngine: "expr"},
				{ID: "t-ok", WorkflowID: "wf-1", Kind: schema.TriggerEvent, EventName: "issue.created"},
			}, nil
		}

		matches, err := svc.TriggersForEvent(context.Background(), "issue.created", "", nil)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "t-ok", matches[0].Trigger.ID)
	})

	t.Run("deleted workflow skipped", func(t *testing.T) {
		ms.listTriggersFn = func(_ context.Context, _ store.TriggerFilter) ([]*store.Trigger, error) {
			return []*store.Trigger{
				{ID: "t-orphan", WorkflowID: "wf-gone", Kind: schema.TriggerEvent, EventName: "issue.created"},
			}, nil
		}

		matches, err := svc.TriggersForEvent(context.Background(), "issue.created", "", nil)
		require.NoError(t, err)
		assert.Empty(t, matches)
	})
}

func TestDueSchedules(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	run := func(t *testing.T, trig *store.Trigger) []DueSchedule {
		t.Helper()
		ms := &mockStore{
			listTriggersFn: func(_ context.Context, f store.TriggerFilter) ([]*store.Trigger, error) {
				assert.Equal(t, schema.TriggerSchedule, f.Kind)
				return []*store.Trigger{trig}, nil
			},
		}
		due, err := newTestService(t, ms).DueSchedules(context.Background(), now)
		require.NoError(t, err)
		return due
	}

	t.Run("fire time inside window", func(t *testing.T) {
		last := now.Add(-6 * time.Minute) // 11:54, so 11:55 and 12:00 both fired
		due := run(t, &store.Trigger{
			ID: "t-1", Kind: schema.TriggerSchedule, CronExpr: "*/5 * * * *",
			LastEvaluated: &last,
		})
		require.Len(t, due, 1)
		assert.Equal(t, now, due[0].FireTime)
	})

	t.Run("backlog collapses to most recent fire", func(t *testing.T) {
		last := now.Add(-3 * time.Hour)
		due := run(t, &store.Trigger{
			ID: "t-1", Kind: schema.TriggerSchedule, CronExpr: "*/5 * * * *",
			LastEvaluated: &last,
		})
		require.Len(t, due, 1)
		assert.Equal(t, now, due[0].FireTime)
	})

	t.Run("not due", func(t *testing.T) {
		last := now.Add(-2 * time.Minute)
		due := run(t, &store.Trigger{
			ID: "t-1", Kind: schema.TriggerSchedule, CronExpr: "0 9 * * *",
			LastEvaluated: &last,
		})
		assert.Empty(t, due)
	})

	t.Run("never evaluated windows from creation", func(t *testing.T) {
		due := run(t, &store.Trigger{
			ID: "t-1", Kind: schema.TriggerSchedule, CronExpr: "0 * * * *",
			CreatedAt: now.Add(-90 * time.Minute), // 10:30, fires at 11:00 and 12:00
		})
		require.Len(t, due, 1)
		assert.Equal(t, now, due[0].FireTime)
	})

	t.Run("window boundary is exclusive on the left", func(t *testing.T) {
		last := now.Add(-5 * time.Minute) // 11:55 was already handled
		due := run(t, &store.Trigger{
			ID: "t-1", Kind: schema.TriggerSchedule, CronExpr: "*/5 * * * *",
			LastEvaluated: &last,
		})
		require.Len(t, due, 1)
		assert.Equal(t, now, due[0].FireTime)
	})

	t.Run("invalid cron skipped", func(t *testing.T) {
		due := run(t, &store.Trigger{
			ID: "t-bad", Kind: schema.TriggerSchedule, CronExpr: "nope",
			CreatedAt: now.Add(-time.Hour),
		})
		assert.Empty(t, due)
	})
}

func TestMarkEvaluated(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-5 * time.Minute)
	trig := &store.Trigger{
		ID: "t-1", Kind: schema.TriggerSchedule, CronExpr: "*/5 * * * *",
		LastEvaluated: &last,
	}

	t.Run("advances with computed next fire", func(t *testing.T) {
		var gotPrev *time.Time
		var gotNext time.Time
		ms := &mockStore{
			advanceScheduleFn: func(_ context.Context, triggerID string, prev *time.Time, evaluatedAt, nextFireAt time.Time) (bool, error) {
				assert.Equal(t, "t-1", triggerID)
				gotPrev = prev
				gotNext = nextFireAt
				assert.Equal(t, now, evaluatedAt)
				return true, nil
			},
		}

		ok, err := newTestService(t, ms).MarkEvaluated(context.Background(), trig, now)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NotNil(t, gotPrev)
		assert.Equal(t, last, *gotPrev)
		assert.Equal(t, now.Add(5*time.Minute), gotNext)
	})

	t.Run("lost race surfaces as false", func(t *testing.T) {
		ms := &mockStore{
			advanceScheduleFn: func(_ context.Context, _ string, _ *time.Time, _, _ time.Time) (bool, error) {
				return false, nil
			},
		}

		ok, err := newTestService(t, ms).MarkEvaluated(context.Background(), trig, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestTransformPayload(t *testing.T) {
	svc := newTestService(t, &mockStore{})
	ctx := context.Background()

	t.Run("no transform passes through", func(t *testing.T) {
		payload := json.RawMessage(`{"a":1}`)
		out := svc.TransformPayload(ctx, &store.Trigger{}, payload)
		assert.Equal(t, payload, out)
	})

	t.Run("jq reshapes the payload", func(t *testing.T) {
		trig := &store.Trigger{ID: "t-1", Transform: `{issue: .body.id, actor: .sender}`}
		out := svc.TransformPayload(ctx, trig, json.RawMessage(`{"body":{"id":42},"sender":"alice"}`))
		assert.JSONEq(t, `{"issue":42,"actor":"alice"}`, string(out))
	})

	t.Run("failing transform falls back to raw", func(t *testing.T) {
		trig := &store.Trigger{ID: "t-1", Transform: `.a | error("boom")`}
		payload := json.RawMessage(`{"a":1}`)
		out := svc.TransformPayload(ctx, trig, payload)
		assert.Equal(t, payload, out)
	})

	t.Run("non-object payload falls back to raw", func(t *testing.T) {
		trig := &store.Trigger{ID: "t-1", Transform: `.a`}
		payload := json.RawMessage(`[1,2,3]`)
		out := svc.TransformPayload(ctx, trig, payload)
		assert.Equal(t, payload, out)
	})
}

func TestResolveWebhookKey(t *testing.T) {
	ms := &mockStore{
		getByWebhookKeyFn: func(_ context.Context, key string) (*store.Trigger, error) {
			if key == "hook-abc" {
				return &store.Trigger{ID: "t-1", Kind: schema.TriggerWebhook, WebhookKey: key}, nil
			}
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "trigger for key %s not found", key)
		},
	}
	svc := newTestService(t, ms)

	trig, err := svc.ResolveWebhookKey(context.Background(), "hook-abc")
	require.NoError(t, err)
	assert.Equal(t, "t-1", trig.ID)

	_, err = svc.ResolveWebhookKey(context.Background(), "hook-missing")
	assert.True(t, schema.IsNotFound(err))
}
