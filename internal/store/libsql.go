package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/flowrelay/relay/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	actions, err := marshalStringsOrNil(wf.AllowedActions)
	if err != nil {
		return fmt.Errorf("marshal allowed_actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, instructions, allowed_actions, sandbox_id, enabled, model, model_config, owner_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.Instructions, actions, nullStr(wf.SandboxID),
		boolInt(wf.Enabled), nullStr(wf.Model), nullRaw(wf.ModelConfig), wf.OwnerID,
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, instructions, allowed_actions, sandbox_id, enabled, model, model_config, owner_id, created_at, updated_at
		 FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Instructions != nil {
		sets = append(sets, "instructions = ?")
		args = append(args, *update.Instructions)
	}
	if update.AllowedActions != nil {
		actions, err := marshalStringsOrNil(update.AllowedActions)
		if err != nil {
			return fmt.Errorf("marshal allowed_actions: %w", err)
		}
		sets = append(sets, "allowed_actions = ?")
		args = append(args, actions)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, nullStr(*update.Model))
	}
	if update.ModelConfig != nil {
		sets = append(sets, "model_config = ?")
		args = append(args, string(update.ModelConfig))
	}
	if update.SandboxID != nil {
		sets = append(sets, "sandbox_id = ?")
		args = append(args, nullStr(*update.SandboxID))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}

	query := `SELECT id, name, instructions, allowed_actions, sandbox_id, enabled, model, model_config, owner_id, created_at, updated_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		actions, sandboxID, model, modelConfig sql.NullString
		enabled                                int
	)
	err := row.Scan(&wf.ID, &wf.Name, &wf.Instructions, &actions, &sandboxID,
		&enabled, &model, &modelConfig, &wf.OwnerID, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &wf.AllowedActions); err != nil {
			return nil, fmt.Errorf("unmarshal allowed_actions: %w", err)
		}
	}
	wf.SandboxID = sandboxID.String
	wf.Enabled = enabled != 0
	wf.Model = model.String
	wf.ModelConfig = rawOrNil(modelConfig)
	return wf, nil
}

// --- Triggers ---

func (s *LibSQLStore) CreateTrigger(ctx context.Context, t *Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, workflow_id, kind, event_name, filter, filter_engine, cron_expr, last_evaluated, next_fire_at, webhook_key, payload_schema, transform, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, string(t.Kind),
		nullStr(t.EventName), nullStr(t.Filter), nullStr(t.FilterEngine),
		nullStr(t.CronExpr), nullTime(t.LastEvaluated), nullTime(t.NextFireAt),
		nullStr(t.WebhookKey), nullRaw(t.PayloadSchema), nullStr(t.Transform),
		timeOrNow(t.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return schema.NewErrorf(schema.ErrCodeConflict, "webhook key %q already issued", t.WebhookKey).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx, triggerSelect+` WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger", id)
	}
	return t, err
}

func (s *LibSQLStore) GetTriggerByWebhookKey(ctx context.Context, key string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx, triggerSelect+` WHERE webhook_key = ?`, key)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("webhook trigger", key)
	}
	return t, err
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.EventName != "" {
		where = append(where, "event_name = ?")
		args = append(args, filter.EventName)
	}

	query := triggerSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func (s *LibSQLStore) AdvanceSchedule(ctx context.Context, triggerID string, prev *time.Time, evaluatedAt, nextFireAt time.Time) (bool, error) {
	var res sql.Result
	var err error
	if prev == nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE triggers SET last_evaluated = ?, next_fire_at = ?
			 WHERE id = ? AND kind = 'schedule' AND last_evaluated IS NULL`,
			evaluatedAt, nextFireAt, triggerID,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE triggers SET last_evaluated = ?, next_fire_at = ?
			 WHERE id = ? AND kind = 'schedule' AND last_evaluated = ?`,
			evaluatedAt, nextFireAt, triggerID, *prev,
		)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const triggerSelect = `SELECT id, workflow_id, kind, event_name, filter, filter_engine, cron_expr, last_evaluated, next_fire_at, webhook_key, payload_schema, transform, created_at FROM triggers`

func scanTrigger(row rowScanner) (*Trigger, error) {
	t := &Trigger{}
	var (
		kind                                                             string
		eventName, filter, filterEngine, cronExpr, webhookKey, transform sql.NullString
		payloadSchema                                                    sql.NullString
		lastEvaluated, nextFireAt                                        sql.NullTime
	)
	err := row.Scan(&t.ID, &t.WorkflowID, &kind, &eventName, &filter, &filterEngine,
		&cronExpr, &lastEvaluated, &nextFireAt, &webhookKey, &payloadSchema, &transform, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = schema.TriggerKind(kind)
	t.EventName = eventName.String
	t.Filter = filter.String
	t.FilterEngine = filterEngine.String
	t.CronExpr = cronExpr.String
	t.WebhookKey = webhookKey.String
	t.PayloadSchema = rawOrNil(payloadSchema)
	t.Transform = transform.String
	if lastEvaluated.Valid {
		t.LastEvaluated = &lastEvaluated.Time
	}
	if nextFireAt.Valid {
		t.NextFireAt = &nextFireAt.Time
	}
	return t, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, e *Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, trigger_payload, output, error, identity, sandbox_id, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, string(e.Status), nullRaw(e.TriggerPayload),
		nullRaw(e.Output), nullStr(e.Error), e.Identity, nullStr(e.SandboxID),
		timeOrNow(e.CreatedAt), nullTime(e.StartedAt), nullTime(e.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, executionSelect+` WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return e, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := executionSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func (s *LibSQLStore) SetExecutionStatus(ctx context.Context, id string, from, to schema.ExecutionStatus) (bool, error) {
	if !schema.CanTransition(from, to) {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to)
	}
	query := `UPDATE executions SET status = ? WHERE id = ? AND status = ?`
	if to == schema.ExecutionRunning {
		query = `UPDATE executions SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`
	}
	res, err := s.db.ExecContext(ctx, query, string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) FinalizeExecution(ctx context.Context, id string, status schema.ExecutionStatus, output []byte, errText string, completedAt time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"finalize requires a terminal status, got %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, output = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'dispatching', 'running')`,
		string(status), nullRaw(output), nullStr(errText), completedAt, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// Distinguish "already terminal" (no-op) from "no such execution".
	if _, err := s.GetExecution(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

const executionSelect = `SELECT id, workflow_id, status, trigger_payload, output, error, identity, sandbox_id, created_at, started_at, completed_at FROM executions`

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		status                   string
		payload, output, errText sql.NullString
		sandboxID                sql.NullString
		startedAt, completedAt   sql.NullTime
	)
	err := row.Scan(&e.ID, &e.WorkflowID, &status, &payload, &output, &errText,
		&e.Identity, &sandboxID, &e.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.TriggerPayload = rawOrNil(payload)
	e.Output = rawOrNil(output)
	e.Error = errText.String
	e.SandboxID = sandboxID.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

// --- Step outcomes ---

func (s *LibSQLStore) AppendStepOutcome(ctx context.Context, so *StepOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number within this execution.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM step_outcomes WHERE execution_id = ?`, so.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	so.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_outcomes (execution_id, action, result, error, sequence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		so.ExecutionID, so.Action, string(so.Result), nullStr(so.Error), seq, timeOrNow(so.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert step outcome: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step outcome: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListStepOutcomes(ctx context.Context, executionID string) ([]*StepOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, action, result, error, sequence, timestamp
		 FROM step_outcomes WHERE execution_id = ? ORDER BY sequence ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []*StepOutcome
	for rows.Next() {
		so := &StepOutcome{}
		var result string
		var errText sql.NullString
		if err := rows.Scan(&so.ID, &so.ExecutionID, &so.Action, &result, &errText, &so.Sequence, &so.Timestamp); err != nil {
			return nil, err
		}
		so.Result = schema.StepResult(result)
		so.Error = errText.String
		outcomes = append(outcomes, so)
	}
	return outcomes, rows.Err()
}

// --- Webhook runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *WorkflowRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, trigger_id, payload, headers, query, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TriggerID, nullRaw(run.Payload), nullRaw(run.Headers), nullRaw(run.Query),
		string(run.Status), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, trigger_id, payload, headers, query, status, created_at FROM workflow_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow_run", id)
	}
	return r, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	var where []string
	var args []any

	if filter.TriggerID != "" {
		where = append(where, "trigger_id = ?")
		args = append(args, filter.TriggerID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, trigger_id, payload, headers, query, status, created_at FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) ClaimRun(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = 'consuming' WHERE id = ? AND status = 'queued'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) MarkRunConsumed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = 'consumed' WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow_run", id)
}

func scanRun(row rowScanner) (*WorkflowRun, error) {
	r := &WorkflowRun{}
	var status string
	var payload, headers, query sql.NullString
	err := row.Scan(&r.ID, &r.TriggerID, &payload, &headers, &query, &status, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Payload = rawOrNil(payload)
	r.Headers = rawOrNil(headers)
	r.Query = rawOrNil(query)
	r.Status = schema.RunStatus(status)
	return r, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.RelayError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalStringsOrNil(vals []string) (any, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
