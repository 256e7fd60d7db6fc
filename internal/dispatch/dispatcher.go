package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/flowrelay/relay/internal/lifecycle"
	"github.com/flowrelay/relay/internal/logging"
	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/pkg/schema"
)

const defaultTimeout = 30 * time.Second

// Request is one unit of work to hand to the remote execution host. A caller
// that has already persisted its dispatch intent sets Execution to the staged
// pending record; otherwise the dispatcher creates one.
type Request struct {
	Execution      *store.Execution
	Workflow       *store.Workflow
	TriggerPayload json.RawMessage
	Identity       string
}

// Dispatcher creates executions and fires them at the remote execution host
// over HTTP. The dispatch call is self-describing: the host receives the
// workflow, execution id, trigger payload and a capability token in one
// request and needs no extra round-trip before starting work.
type Dispatcher struct {
	lifecycle *lifecycle.Manager
	client    *http.Client
	baseURL   string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher targeting agentBaseURL. A zero timeout
// falls back to 30s; the HTTP call is the only awaited remote operation and
// must never hang a scheduler tick.
func NewDispatcher(lc *lifecycle.Manager, agentBaseURL string, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		lifecycle: lc,
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(agentBaseURL, "/"),
		timeout:   timeout,
		logger:    logger,
	}
}

// Dispatch posts an execution to the remote host, creating the execution
// record first unless the request carries one staged by the caller. Transport
// errors, timeouts and non-2xx responses all mark the execution failed with a
// "Dispatch error" message; the failed execution is never retried in place.
// On success the remote host continues asynchronously and reports back
// through the callback endpoints.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*store.Execution, error) {
	exec, token := req.Execution, ""
	var err error
	if exec == nil {
		exec, token, err = d.lifecycle.CreateExecution(ctx, req.Workflow.ID, req.TriggerPayload, req.Identity)
		if err != nil {
			return nil, err
		}
	} else {
		token, err = d.lifecycle.Tokens().Mint(exec.ID, exec.Identity)
		if err != nil {
			return nil, err
		}
	}
	ctx = logging.WithWorkflowID(ctx, req.Workflow.ID)
	ctx = logging.WithExecutionID(ctx, exec.ID)

	ok, err := d.lifecycle.MarkDispatching(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Cancelled between creation and dispatch.
		return nil, schema.NewErrorf(schema.ErrCodeCancelled,
			"execution %s left pending before dispatch", exec.ID)
	}

	target, err := d.buildURL(req, exec.ID, token)
	if err != nil {
		d.fail(ctx, exec.ID, err)
		return nil, err
	}

	if err := d.post(ctx, target); err != nil {
		d.fail(ctx, exec.ID, err)
		return nil, err
	}

	if _, err := d.lifecycle.MarkRunning(ctx, exec.ID); err != nil {
		return nil, err
	}

	d.logger.InfoContext(ctx, "execution dispatched")
	return exec, nil
}

// DispatchBatch fires all requests concurrently and waits for every one to
// settle. The returned slice is indexed like reqs, nil for successes. One
// request's failure never blocks or fails its siblings; the batch call
// itself never raises.
func (d *Dispatcher) DispatchBatch(ctx context.Context, reqs []Request) []error {
	errs := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			if _, err := d.Dispatch(ctx, req); err != nil {
				errs[i] = err
				d.logger.Warn("dispatch failed",
					slog.String("workflow_id", req.Workflow.ID),
					slog.String("error", err.Error()),
				)
			}
		}(i, req)
	}
	wg.Wait()
	return errs
}

func (d *Dispatcher) buildURL(req Request, executionID, token string) (string, error) {
	modeConfig, err := json.Marshal(map[string]any{
		"mode":           "workflow",
		"workflow":       req.Workflow.ID,
		"executionId":    executionID,
		"triggerPayload": string(req.TriggerPayload),
	})
	if err != nil {
		return "", schema.NewError(schema.ErrCodeDispatch, "encode mode config").WithCause(err)
	}
	tokenConfig, err := json.Marshal(map[string]any{
		"token":    token,
		"identity": req.Identity,
	})
	if err != nil {
		return "", schema.NewError(schema.ErrCodeDispatch, "encode token config").WithCause(err)
	}

	q := url.Values{}
	q.Set("model", req.Workflow.Model)
	q.Set("inputModalities", "csv")
	q.Set("tokenConfig", string(tokenConfig))
	q.Set("modeConfig", string(modeConfig))
	return d.baseURL + "/executeWorkflow?" + q.Encode(), nil
}

func (d *Dispatcher) post(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "Dispatch error: build request").WithCause(err)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDispatch, "Dispatch error: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return schema.NewErrorf(schema.ErrCodeDispatch,
			"Dispatch error: remote host returned %d", resp.StatusCode)
	}
	return nil
}

// fail records the dispatch failure on the execution. A failure of the
// failure path itself is logged and dropped; the original error wins.
func (d *Dispatcher) fail(ctx context.Context, executionID string, cause error) {
	if _, err := d.lifecycle.FailExecution(ctx, executionID, cause.Error()); err != nil {
		d.logger.ErrorContext(ctx, "recording dispatch failure failed",
			slog.String("error", err.Error()),
		)
	}
}
