package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	stepflow "github.com/stepflow-dev/stepflow"
)

// PostgresStore implements ExecutionStore on PostgreSQL via pgx. Claims
// are row locks taken with FOR UPDATE SKIP LOCKED and held for the
// lifetime of the claim transaction; a crashed claimer releases its
// rows implicitly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to the given DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool for hosts that share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgRunner is satisfied by both pgxpool.Pool and pgx.Tx.
type pgRunner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func jsonArg(j []byte) any {
	if len(j) == 0 {
		return nil
	}
	return j
}

func textArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- scanning ---

const executionColumns = `id, workflow_version_id, execution_id, status, current_state,
	input_data, output_data, error_message, started_at, completed_at, created_at, updated_at`

func scanExecution(row pgx.Row) (*stepflow.WorkflowExecution, error) {
	var e stepflow.WorkflowExecution
	var input, output []byte
	var errMsg *string
	err := row.Scan(&e.ID, &e.WorkflowVersionID, &e.ExecutionID, &e.Status, &e.CurrentState,
		&input, &output, &errMsg, &e.StartedAt, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	e.Input = input
	e.Output = output
	if errMsg != nil {
		e.ErrorMessage = *errMsg
	}
	return &e, nil
}

const stepColumns = `id, execution_id, step_name, step_type, status, input_data, output_data,
	error_type, error_message, retry_count, max_retries, backoff_multiplier,
	initial_interval_ms, timeout_seconds, run_after_ts, started_at, completed_at,
	created_at, updated_at`

func scanStep(row pgx.Row) (*stepflow.ExecutionStep, error) {
	var st stepflow.ExecutionStep
	var input, output []byte
	var errType, errMsg *string
	err := row.Scan(&st.ID, &st.ExecutionID, &st.StepName, &st.StepType, &st.Status,
		&input, &output, &errType, &errMsg, &st.RetryCount, &st.MaxRetries,
		&st.BackoffMultiplier, &st.InitialIntervalMs, &st.TimeoutSeconds,
		&st.RunAfter, &st.StartedAt, &st.CompletedAt, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}
	st.Input = input
	st.Output = output
	if errType != nil {
		st.ErrorType = *errType
	}
	if errMsg != nil {
		st.ErrorMessage = *errMsg
	}
	return &st, nil
}

const versionColumns = `id, workflow_id, version, definition_json, is_active, created_at, updated_at`

func scanVersion(row pgx.Row) (*stepflow.WorkflowVersion, error) {
	var v stepflow.WorkflowVersion
	var def []byte
	err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &def, &v.IsActive, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow version: %w", err)
	}
	v.Definition = def
	return &v, nil
}

const queueColumns = `id, execution_id, priority, scheduled_at, status, retry_count, run_after_ts, created_at, updated_at`

func scanQueueItem(row pgx.Row) (*stepflow.QueueItem, error) {
	var q stepflow.QueueItem
	err := row.Scan(&q.ID, &q.ExecutionID, &q.Priority, &q.ScheduledAt, &q.Status,
		&q.RetryCount, &q.RunAfter, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue item: %w", err)
	}
	return &q, nil
}

// --- Workflow registry ---

func (s *PostgresStore) UpsertWorkflow(ctx context.Context, name, description string, now time.Time) (*stepflow.Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO workflows (name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (name) DO UPDATE SET
			description = CASE WHEN EXCLUDED.description <> '' THEN EXCLUDED.description ELSE workflows.description END,
			updated_at = EXCLUDED.updated_at
		RETURNING id, name, description, created_at, updated_at`,
		name, description, now)

	var wf stepflow.Workflow
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to upsert workflow: %w", err)
	}
	return &wf, nil
}

func (s *PostgresStore) GetWorkflowByName(ctx context.Context, name string) (*stepflow.Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, created_at, updated_at FROM workflows WHERE name = $1`, name)

	var wf stepflow.Workflow
	err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return &wf, nil
}

func (s *PostgresStore) CreateVersion(ctx context.Context, version *stepflow.WorkflowVersion) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_versions (workflow_id, version, definition_json, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id, version) DO NOTHING
		RETURNING id`,
		version.WorkflowID, version.Version, jsonArg(version.Definition), version.IsActive,
		version.CreatedAt, version.UpdatedAt)

	err := row.Scan(&version.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create workflow version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, workflowName, version string) (*stepflow.WorkflowVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+prefixColumns(versionColumns, "v.")+`
		FROM workflow_versions v
		JOIN workflows w ON w.id = v.workflow_id
		WHERE w.name = $1 AND v.version = $2`, workflowName, version)
	return scanVersion(row)
}

func (s *PostgresStore) GetVersionByID(ctx context.Context, id int64) (*stepflow.WorkflowVersion, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM workflow_versions WHERE id = $1`, id)
	return scanVersion(row)
}

func (s *PostgresStore) LatestVersion(ctx context.Context, workflowName string) (*stepflow.WorkflowVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+prefixColumns(versionColumns, "v.")+`
		FROM workflow_versions v
		JOIN workflows w ON w.id = v.workflow_id
		WHERE w.name = $1
		ORDER BY v.version DESC
		LIMIT 1`, workflowName)
	return scanVersion(row)
}

func (s *PostgresStore) ListVersions(ctx context.Context, workflowName string) ([]*stepflow.WorkflowVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixColumns(versionColumns, "v.")+`
		FROM workflow_versions v
		JOIN workflows w ON w.id = v.workflow_id
		WHERE w.name = $1
		ORDER BY v.version DESC`, workflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow versions: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Read-only projections ---

func (s *PostgresStore) GetExecutionByExecutionID(ctx context.Context, executionID string) (*stepflow.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE execution_id = $1`, executionID)
	return scanExecution(row)
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*stepflow.WorkflowExecution, error) {
	query := `SELECT ` + prefixColumns(executionColumns, "e.") + ` FROM workflow_executions e`
	var args []any
	where := ""

	if filter.WorkflowName != "" {
		query += `
			JOIN workflow_versions v ON v.id = e.workflow_version_id
			JOIN workflows w ON w.id = v.workflow_id`
		args = append(args, filter.WorkflowName)
		where = fmt.Sprintf(" WHERE w.name = $%d", len(args))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		clause := fmt.Sprintf("e.status = $%d", len(args))
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}
	query += where + " ORDER BY e.started_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSteps(ctx context.Context, executionID int64) ([]*stepflow.ExecutionStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.ExecutionStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetStepByID(ctx context.Context, executionID, stepID int64) (*stepflow.ExecutionStep, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE id = $1 AND execution_id = $2`, stepID, executionID)
	return scanStep(row)
}

func (s *PostgresStore) ListHistory(ctx context.Context, executionID int64) ([]*stepflow.HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, step_name, event_type, event_data, ts
		FROM execution_history WHERE execution_id = $1 ORDER BY ts, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.HistoryEvent
	for rows.Next() {
		var ev stepflow.HistoryEvent
		var stepName *string
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &stepName, &ev.EventType, &data, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history event: %w", err)
		}
		if stepName != nil {
			ev.StepName = *stepName
		}
		ev.EventData = data
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// --- Transactions ---

type postgresTx struct {
	tx pgx.Tx
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertExecution(ctx context.Context, r pgRunner, e *stepflow.WorkflowExecution) error {
	row := r.QueryRow(ctx, `
		INSERT INTO workflow_executions (workflow_version_id, execution_id, status, current_state,
			input_data, output_data, error_message, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		e.WorkflowVersionID, e.ExecutionID, string(e.Status), e.CurrentState,
		jsonArg(e.Input), jsonArg(e.Output), textArg(e.ErrorMessage),
		e.StartedAt, e.CompletedAt, e.CreatedAt, e.UpdatedAt)
	if err := row.Scan(&e.ID); err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertExecution(ctx context.Context, e *stepflow.WorkflowExecution) error {
	return insertExecution(ctx, t.tx, e)
}

func (t *postgresTx) GetExecution(ctx context.Context, id int64) (*stepflow.WorkflowExecution, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (t *postgresTx) GetExecutionForUpdate(ctx context.Context, id int64) (*stepflow.WorkflowExecution, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1 FOR UPDATE`, id)
	return scanExecution(row)
}

func (t *postgresTx) UpdateExecution(ctx context.Context, e *stepflow.WorkflowExecution) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $2, current_state = $3, output_data = $4, error_message = $5,
			completed_at = $6, updated_at = $7
		WHERE id = $1`,
		e.ID, string(e.Status), e.CurrentState, jsonArg(e.Output), textArg(e.ErrorMessage),
		e.CompletedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) InsertStep(ctx context.Context, st *stepflow.ExecutionStep) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO execution_steps (execution_id, step_name, step_type, status, input_data, output_data,
			error_type, error_message, retry_count, max_retries, backoff_multiplier,
			initial_interval_ms, timeout_seconds, run_after_ts, started_at, completed_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`,
		st.ExecutionID, st.StepName, string(st.StepType), string(st.Status),
		jsonArg(st.Input), jsonArg(st.Output), textArg(st.ErrorType), textArg(st.ErrorMessage),
		st.RetryCount, st.MaxRetries, st.BackoffMultiplier, st.InitialIntervalMs,
		st.TimeoutSeconds, st.RunAfter, st.StartedAt, st.CompletedAt, st.CreatedAt, st.UpdatedAt)
	if err := row.Scan(&st.ID); err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateStep(ctx context.Context, st *stepflow.ExecutionStep) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE execution_steps
		SET status = $2, output_data = $3, error_type = $4, error_message = $5,
			retry_count = $6, run_after_ts = $7, started_at = $8, completed_at = $9, updated_at = $10
		WHERE id = $1`,
		st.ID, string(st.Status), jsonArg(st.Output), textArg(st.ErrorType), textArg(st.ErrorMessage),
		st.RetryCount, st.RunAfter, st.StartedAt, st.CompletedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) GetStepByName(ctx context.Context, executionID int64, stepName string) (*stepflow.ExecutionStep, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+stepColumns+` FROM execution_steps
		WHERE execution_id = $1 AND step_name = $2
		ORDER BY id DESC LIMIT 1`, executionID, stepName)
	return scanStep(row)
}

func (t *postgresTx) InsertQueueItem(ctx context.Context, item *stepflow.QueueItem) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO execution_queue (execution_id, priority, scheduled_at, status, retry_count,
			run_after_ts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		item.ExecutionID, item.Priority, item.ScheduledAt, string(item.Status),
		item.RetryCount, item.RunAfter, item.CreatedAt, item.UpdatedAt)
	if err := row.Scan(&item.ID); err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

func (t *postgresTx) DeleteQueueItem(ctx context.Context, id int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM execution_queue WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete queue item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *postgresTx) DeleteQueueItems(ctx context.Context, executionID int64) (int, error) {
	// items locked by a dispatcher are skipped; the claim holder
	// disposes of them once it observes the terminal status
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM execution_queue
		WHERE id IN (
			SELECT id FROM execution_queue
			WHERE execution_id = $1
			FOR UPDATE SKIP LOCKED
		)`, executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete queue items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *postgresTx) AppendHistory(ctx context.Context, event *stepflow.HistoryEvent) error {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO execution_history (execution_id, step_name, event_type, event_data, ts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		event.ExecutionID, textArg(event.StepName), event.EventType, jsonArg(event.EventData), event.Timestamp)
	if err := row.Scan(&event.ID); err != nil {
		return fmt.Errorf("failed to append history event: %w", err)
	}
	return nil
}

// --- Claims ---

type postgresClaim struct {
	tx    pgx.Tx
	items []*stepflow.QueueItem
}

// ClaimBatch opens a transaction, locks up to limit eligible queue
// items with SKIP LOCKED, and keeps the transaction open so the locks
// are held until Commit or Rollback. A claimer that dies mid-batch
// releases its rows when the database notices the connection is gone.
func (s *PostgresStore) ClaimBatch(ctx context.Context, now time.Time, limit int) (Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT `+queueColumns+` FROM execution_queue
		WHERE status = 'QUEUED'
		  AND scheduled_at <= $1
		  AND (run_after_ts IS NULL OR run_after_ts <= $1)
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to claim queue items: %w", err)
	}
	defer rows.Close()

	claim := &postgresClaim{tx: tx}
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
		claim.items = append(claim.items, item)
	}
	if err := rows.Err(); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to read claimed queue items: %w", err)
	}
	return claim, nil
}

func (c *postgresClaim) Items() []*stepflow.QueueItem {
	return c.items
}

func (c *postgresClaim) DeleteItem(ctx context.Context, id int64) error {
	if _, err := c.tx.Exec(ctx, `DELETE FROM execution_queue WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete claimed queue item: %w", err)
	}
	return nil
}

func (c *postgresClaim) Commit(ctx context.Context) error {
	return c.tx.Commit(ctx)
}

func (c *postgresClaim) Rollback(ctx context.Context) error {
	return c.tx.Rollback(ctx)
}

// ReleaseStaleClaims is a no-op on Postgres: claims are row locks and
// die with the claimer's connection.
func (s *PostgresStore) ReleaseStaleClaims(ctx context.Context, threshold time.Time) (int, error) {
	return 0, nil
}

// --- Scheduler queries ---

func (s *PostgresStore) FindStuckSteps(ctx context.Context, threshold time.Time, limit int) ([]*stepflow.ExecutionStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM execution_steps
		WHERE status = 'RUNNING' AND started_at < $1
		ORDER BY started_at
		LIMIT $2`, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck steps: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.ExecutionStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindDueWaitSteps(ctx context.Context, now time.Time, limit int) ([]*stepflow.ExecutionStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM execution_steps
		WHERE status = 'WAITING' AND run_after_ts <= $1
		ORDER BY run_after_ts
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find due wait steps: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.ExecutionStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PostgresIdempotencyStore keeps start-request keys in the
// idempotency_keys table.
type PostgresIdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewPostgresIdempotencyStore builds a key store over an existing pool.
func NewPostgresIdempotencyStore(pool *pgxpool.Pool) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{pool: pool}
}

func (s *PostgresIdempotencyStore) Lookup(ctx context.Context, keyHash string, now time.Time) (string, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT execution_id FROM idempotency_keys
		WHERE key_hash = $1 AND expires_at > $2`, keyHash, now)

	var executionID string
	err := row.Scan(&executionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return executionID, true, nil
}

func (s *PostgresIdempotencyStore) Record(ctx context.Context, keyHash, executionID string, now, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key_hash, execution_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key_hash) DO UPDATE SET
			execution_id = EXCLUDED.execution_id,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
		WHERE idempotency_keys.expires_at <= $4`,
		keyHash, executionID, expiresAt, now)
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}

func (s *PostgresIdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// prefixColumns rewrites a column list with a table alias prefix on
// each column.
func prefixColumns(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
