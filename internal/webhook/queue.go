package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/pkg/schema"
)

// Queue turns authenticated inbound webhook calls into queued WorkflowRun
// records. Ingestion only writes the queue entry; dispatch happens later on
// a scheduler tick, so webhook request latency is decoupled from workflow
// execution latency.
type Queue struct {
	store     store.Store
	validator *PayloadValidator
	secret    string
	logger    *slog.Logger
	now       func() time.Time
}

// NewQueue creates a webhook ingestion queue. secret is the shared secret
// inbound callers must present.
func NewQueue(s store.Store, secret string, logger *slog.Logger) *Queue {
	return &Queue{
		store:     s,
		validator: NewPayloadValidator(),
		secret:    secret,
		logger:    logger,
		now:       time.Now,
	}
}

// Authenticate checks the presented shared secret. It runs before any
// storage access; an unauthenticated caller learns nothing about which
// webhook keys exist.
func (q *Queue) Authenticate(token string) error {
	if q.secret == "" {
		return schema.NewError(schema.ErrCodeUnauthorized, "webhook ingestion is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(q.secret)) != 1 {
		return schema.NewError(schema.ErrCodeUnauthorized, "invalid webhook token")
	}
	return nil
}

// Ingest authenticates the call, resolves the trigger owning key, validates
// the payload against the trigger's schema when one is set, and writes a
// queued WorkflowRun. It returns the run id; it never dispatches inline.
func (q *Queue) Ingest(ctx context.Context, key, token string, payload json.RawMessage, headers map[string][]string, query url.Values) (string, error) {
	if err := q.Authenticate(token); err != nil {
		return "", err
	}

	trig, err := q.store.GetTriggerByWebhookKey(ctx, key)
	if err != nil {
		return "", err
	}

	if len(trig.PayloadSchema) > 0 {
		if err := q.validator.Validate(payload, trig.PayloadSchema); err != nil {
			return "", err
		}
	}

	run := &store.WorkflowRun{
		ID:        uuid.NewString(),
		TriggerID: trig.ID,
		Payload:   payload,
		Headers:   marshalMeta(headers),
		Query:     marshalMeta(query),
		Status:    schema.RunQueued,
		CreatedAt: q.now().UTC(),
	}
	if err := q.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	q.logger.Info("webhook run queued",
		slog.String("run_id", run.ID),
		slog.String("trigger_id", trig.ID),
	)
	return run.ID, nil
}

// marshalMeta flattens request metadata to JSON. Nil on empty or on encode
// failure; metadata is auxiliary and never blocks ingestion.
func marshalMeta(m map[string][]string) json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}
