package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	stepflow "github.com/stepflow-dev/stepflow"
)

// SQLiteStore implements ExecutionStore on SQLite (embedded) or a
// remote libSQL endpoint. SQLite has no SKIP LOCKED; the claim
// equivalent flips items to PROCESSING in one write transaction, which
// the single-writer lock serializes. Claims abandoned by a dead
// process are requeued by ReleaseStaleClaims.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a local file (file:stepflow.db) or a remote
// libSQL URL (libsql://...).
func NewSQLiteStore(url string) (*SQLiteStore, error) {
	driver := "sqlite"
	if strings.HasPrefix(url, "libsql://") || strings.HasPrefix(url, "https://") {
		driver = "libsql"
	}

	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" {
		// a single writer avoids SQLITE_BUSY churn between the loops
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to configure sqlite: %w", err)
			}
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle, mainly so hosts can run migrations.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- time/null helpers ---

// sqliteTimeLayout is RFC3339 with a fixed-width fraction so that
// lexicographic comparison in SQL matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiteExecution(row rowScanner) (*stepflow.WorkflowExecution, error) {
	var e stepflow.WorkflowExecution
	var input, output, errMsg sql.NullString
	var startedAt, createdAt, updatedAt string
	var completedAt sql.NullString

	err := row.Scan(&e.ID, &e.WorkflowVersionID, &e.ExecutionID, &e.Status, &e.CurrentState,
		&input, &output, &errMsg, &startedAt, &completedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	if input.Valid {
		e.Input = []byte(input.String)
	}
	if output.Valid {
		e.Output = []byte(output.String)
	}
	e.ErrorMessage = errMsg.String
	if e.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if e.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse completed_at: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &e, nil
}

func scanLiteStep(row rowScanner) (*stepflow.ExecutionStep, error) {
	var st stepflow.ExecutionStep
	var input, output, errType, errMsg sql.NullString
	var runAfter, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&st.ID, &st.ExecutionID, &st.StepName, &st.StepType, &st.Status,
		&input, &output, &errType, &errMsg, &st.RetryCount, &st.MaxRetries,
		&st.BackoffMultiplier, &st.InitialIntervalMs, &st.TimeoutSeconds,
		&runAfter, &startedAt, &completedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}

	if input.Valid {
		st.Input = []byte(input.String)
	}
	if output.Valid {
		st.Output = []byte(output.String)
	}
	st.ErrorType = errType.String
	st.ErrorMessage = errMsg.String
	if st.RunAfter, err = parseTimePtr(runAfter); err != nil {
		return nil, fmt.Errorf("failed to parse run_after_ts: %w", err)
	}
	if st.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if st.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse completed_at: %w", err)
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &st, nil
}

func scanLiteVersion(row rowScanner) (*stepflow.WorkflowVersion, error) {
	var v stepflow.WorkflowVersion
	var def string
	var createdAt, updatedAt string

	err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &def, &v.IsActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow version: %w", err)
	}

	v.Definition = []byte(def)
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &v, nil
}

func scanLiteQueueItem(row rowScanner) (*stepflow.QueueItem, error) {
	var q stepflow.QueueItem
	var scheduledAt, createdAt, updatedAt string
	var runAfter sql.NullString

	err := row.Scan(&q.ID, &q.ExecutionID, &q.Priority, &scheduledAt, &q.Status,
		&q.RetryCount, &runAfter, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue item: %w", err)
	}

	if q.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("failed to parse scheduled_at: %w", err)
	}
	if q.RunAfter, err = parseTimePtr(runAfter); err != nil {
		return nil, fmt.Errorf("failed to parse run_after_ts: %w", err)
	}
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if q.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &q, nil
}

const liteExecutionColumns = `id, workflow_version_id, execution_id, status, current_state,
	input_data, output_data, error_message, started_at, completed_at, created_at, updated_at`

const liteStepColumns = `id, execution_id, step_name, step_type, status, input_data, output_data,
	error_type, error_message, retry_count, max_retries, backoff_multiplier,
	initial_interval_ms, timeout_seconds, run_after_ts, started_at, completed_at,
	created_at, updated_at`

const liteVersionColumns = `id, workflow_id, version, definition_json, is_active, created_at, updated_at`

const liteQueueColumns = `id, execution_id, priority, scheduled_at, status, retry_count, run_after_ts, created_at, updated_at`

// --- Workflow registry ---

func (s *SQLiteStore) UpsertWorkflow(ctx context.Context, name, description string, now time.Time) (*stepflow.Workflow, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = CASE WHEN excluded.description <> '' THEN excluded.description ELSE workflows.description END,
			updated_at = excluded.updated_at`,
		name, description, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert workflow: %w", err)
	}
	return s.GetWorkflowByName(ctx, name)
}

func (s *SQLiteStore) GetWorkflowByName(ctx context.Context, name string) (*stepflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM workflows WHERE name = ?`, name)

	var wf stepflow.Workflow
	var createdAt, updatedAt string
	err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &wf, nil
}

func (s *SQLiteStore) CreateVersion(ctx context.Context, version *stepflow.WorkflowVersion) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_versions (workflow_id, version, definition_json, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, version) DO NOTHING`,
		version.WorkflowID, version.Version, string(version.Definition), version.IsActive,
		fmtTime(version.CreatedAt), fmtTime(version.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create workflow version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create workflow version: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to create workflow version: %w", err)
	}
	version.ID = id
	return nil
}

func (s *SQLiteStore) GetVersion(ctx context.Context, workflowName, version string) (*stepflow.WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+prefixColumns(liteVersionColumns, "v.")+`
		FROM workflow_versions v
		JOIN workflows w ON w.id = v.workflow_id
		WHERE w.name = ? AND v.version = ?`, workflowName, version)
	return scanLiteVersion(row)
}

func (s *SQLiteStore) GetVersionByID(ctx context.Context, id int64) (*stepflow.WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+liteVersionColumns+` FROM workflow_versions WHERE id = ?`, id)
	return scanLiteVersion(row)
}

func (s *SQLiteStore) LatestVersion(ctx context.Context, workflowName string) (*stepflow.WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+prefixColumns(liteVersionColumns, "v.")+`
		FROM workflow_versions v
		JOIN workflows w ON w.id = v.workflow_id
		WHERE w.name = ?
		ORDER BY v.version DESC
		LIMIT 1`, workflowName)
	return scanLiteVersion(row)
}

func (s *SQLiteStore) ListVersions(ctx context.Context, workflowName string) ([]*stepflow.WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns(liteVersionColumns, "v.")+`
		FROM workflow_versions v
		JOIN workflows w ON w.id = v.workflow_id
		WHERE w.name = ?
		ORDER BY v.version DESC`, workflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow versions: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.WorkflowVersion
	for rows.Next() {
		v, err := scanLiteVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Read-only projections ---

func (s *SQLiteStore) GetExecutionByExecutionID(ctx context.Context, executionID string) (*stepflow.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+liteExecutionColumns+` FROM workflow_executions WHERE execution_id = ?`, executionID)
	return scanLiteExecution(row)
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*stepflow.WorkflowExecution, error) {
	query := `SELECT ` + prefixColumns(liteExecutionColumns, "e.") + ` FROM workflow_executions e`
	var args []any
	var clauses []string

	if filter.WorkflowName != "" {
		query += `
			JOIN workflow_versions v ON v.id = e.workflow_version_id
			JOIN workflows w ON w.id = v.workflow_id`
		clauses = append(clauses, "w.name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != nil {
		clauses = append(clauses, "e.status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY e.started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.WorkflowExecution
	for rows.Next() {
		e, err := scanLiteExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListSteps(ctx context.Context, executionID int64) ([]*stepflow.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteStepColumns+` FROM execution_steps WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.ExecutionStep
	for rows.Next() {
		st, err := scanLiteStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetStepByID(ctx context.Context, executionID, stepID int64) (*stepflow.ExecutionStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+liteStepColumns+` FROM execution_steps WHERE id = ? AND execution_id = ?`, stepID, executionID)
	return scanLiteStep(row)
}

func (s *SQLiteStore) ListHistory(ctx context.Context, executionID int64) ([]*stepflow.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, step_name, event_type, event_data, ts
		FROM execution_history WHERE execution_id = ? ORDER BY ts, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.HistoryEvent
	for rows.Next() {
		var ev stepflow.HistoryEvent
		var stepName, data sql.NullString
		var ts string
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &stepName, &ev.EventType, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan history event: %w", err)
		}
		ev.StepName = stepName.String
		if data.Valid {
			ev.EventData = []byte(data.String)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse history timestamp: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// --- Transactions ---

type sqliteTx struct {
	tx *sql.Tx
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) InsertExecution(ctx context.Context, e *stepflow.WorkflowExecution) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_executions (workflow_version_id, execution_id, status, current_state,
			input_data, output_data, error_message, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WorkflowVersionID, e.ExecutionID, string(e.Status), e.CurrentState,
		nullBytes(e.Input), nullBytes(e.Output), nullStr(e.ErrorMessage),
		fmtTime(e.StartedAt), fmtTimePtr(e.CompletedAt), fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetExecution(ctx context.Context, id int64) (*stepflow.WorkflowExecution, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+liteExecutionColumns+` FROM workflow_executions WHERE id = ?`, id)
	return scanLiteExecution(row)
}

// GetExecutionForUpdate reads the execution; the transaction's write
// lock provides the serialization FOR UPDATE gives on Postgres.
func (t *sqliteTx) GetExecutionForUpdate(ctx context.Context, id int64) (*stepflow.WorkflowExecution, error) {
	return t.GetExecution(ctx, id)
}

func (t *sqliteTx) UpdateExecution(ctx context.Context, e *stepflow.WorkflowExecution) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, current_state = ?, output_data = ?, error_message = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(e.Status), e.CurrentState, nullBytes(e.Output), nullStr(e.ErrorMessage),
		fmtTimePtr(e.CompletedAt), fmtTime(e.UpdatedAt), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) InsertStep(ctx context.Context, st *stepflow.ExecutionStep) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO execution_steps (execution_id, step_name, step_type, status, input_data, output_data,
			error_type, error_message, retry_count, max_retries, backoff_multiplier,
			initial_interval_ms, timeout_seconds, run_after_ts, started_at, completed_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ExecutionID, st.StepName, string(st.StepType), string(st.Status),
		nullBytes(st.Input), nullBytes(st.Output), nullStr(st.ErrorType), nullStr(st.ErrorMessage),
		st.RetryCount, st.MaxRetries, st.BackoffMultiplier, st.InitialIntervalMs,
		st.TimeoutSeconds, fmtTimePtr(st.RunAfter), fmtTimePtr(st.StartedAt), fmtTimePtr(st.CompletedAt),
		fmtTime(st.CreatedAt), fmtTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	if st.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

func (t *sqliteTx) UpdateStep(ctx context.Context, st *stepflow.ExecutionStep) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE execution_steps
		SET status = ?, output_data = ?, error_type = ?, error_message = ?,
			retry_count = ?, run_after_ts = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(st.Status), nullBytes(st.Output), nullStr(st.ErrorType), nullStr(st.ErrorMessage),
		st.RetryCount, fmtTimePtr(st.RunAfter), fmtTimePtr(st.StartedAt), fmtTimePtr(st.CompletedAt),
		fmtTime(st.UpdatedAt), st.ID)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) GetStepByName(ctx context.Context, executionID int64, stepName string) (*stepflow.ExecutionStep, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+liteStepColumns+` FROM execution_steps
		WHERE execution_id = ? AND step_name = ?
		ORDER BY id DESC LIMIT 1`, executionID, stepName)
	return scanLiteStep(row)
}

func (t *sqliteTx) InsertQueueItem(ctx context.Context, item *stepflow.QueueItem) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO execution_queue (execution_id, priority, scheduled_at, status, retry_count,
			run_after_ts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ExecutionID, item.Priority, fmtTime(item.ScheduledAt), string(item.Status),
		item.RetryCount, fmtTimePtr(item.RunAfter), fmtTime(item.CreatedAt), fmtTime(item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	if item.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteQueueItem(ctx context.Context, id int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM execution_queue WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete queue item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete queue item: %w", err)
	}
	return affected > 0, nil
}

func (t *sqliteTx) DeleteQueueItems(ctx context.Context, executionID int64) (int, error) {
	// claimed (PROCESSING) items are left for their claim holder
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM execution_queue WHERE execution_id = ? AND status = 'QUEUED'`, executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete queue items: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete queue items: %w", err)
	}
	return int(affected), nil
}

func (t *sqliteTx) AppendHistory(ctx context.Context, event *stepflow.HistoryEvent) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO execution_history (execution_id, step_name, event_type, event_data, ts)
		VALUES (?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepName), event.EventType,
		nullBytes(event.EventData), fmtTime(event.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append history event: %w", err)
	}
	if event.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to append history event: %w", err)
	}
	return nil
}

// --- Claims ---

type sqliteClaim struct {
	s     *SQLiteStore
	items []*stepflow.QueueItem
	done  bool
}

// ClaimBatch flips up to limit eligible items to PROCESSING inside one
// write transaction. SQLite's single-writer lock makes the flip
// atomic across concurrent claimers.
func (s *SQLiteStore) ClaimBatch(ctx context.Context, now time.Time, limit int) (Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+liteQueueColumns+` FROM execution_queue
		WHERE status = 'QUEUED'
		  AND scheduled_at <= ?
		  AND (run_after_ts IS NULL OR run_after_ts <= ?)
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT ?`, fmtTime(now), fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable queue items: %w", err)
	}

	var items []*stepflow.QueueItem
	for rows.Next() {
		item, err := scanLiteQueueItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read claimable queue items: %w", err)
	}
	rows.Close()

	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE execution_queue SET status = 'PROCESSING', updated_at = ? WHERE id = ?`,
			fmtTime(now), item.ID); err != nil {
			return nil, fmt.Errorf("failed to mark queue item claimed: %w", err)
		}
		item.Status = stepflow.QueueStatusProcessing
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return &sqliteClaim{s: s, items: items}, nil
}

func (c *sqliteClaim) Items() []*stepflow.QueueItem {
	return c.items
}

func (c *sqliteClaim) DeleteItem(ctx context.Context, id int64) error {
	if _, err := c.s.db.ExecContext(ctx, `DELETE FROM execution_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete claimed queue item: %w", err)
	}
	return nil
}

// Commit requeues items the dispatcher claimed but did not consume.
func (c *sqliteClaim) Commit(ctx context.Context) error {
	return c.release(ctx)
}

func (c *sqliteClaim) Rollback(ctx context.Context) error {
	return c.release(ctx)
}

func (c *sqliteClaim) release(ctx context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	for _, item := range c.items {
		if _, err := c.s.db.ExecContext(ctx,
			`UPDATE execution_queue SET status = 'QUEUED' WHERE id = ? AND status = 'PROCESSING'`,
			item.ID); err != nil {
			return fmt.Errorf("failed to release claimed queue item: %w", err)
		}
	}
	return nil
}

// ReleaseStaleClaims requeues PROCESSING items abandoned by a dead
// process.
func (s *SQLiteStore) ReleaseStaleClaims(ctx context.Context, threshold time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_queue SET status = 'QUEUED' WHERE status = 'PROCESSING' AND updated_at < ?`,
		fmtTime(threshold))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	return int(affected), nil
}

// --- Scheduler queries ---

func (s *SQLiteStore) FindStuckSteps(ctx context.Context, threshold time.Time, limit int) ([]*stepflow.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+liteStepColumns+` FROM execution_steps
		WHERE status = 'RUNNING' AND started_at < ?
		ORDER BY started_at
		LIMIT ?`, fmtTime(threshold), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck steps: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.ExecutionStep
	for rows.Next() {
		st, err := scanLiteStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindDueWaitSteps(ctx context.Context, now time.Time, limit int) ([]*stepflow.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+liteStepColumns+` FROM execution_steps
		WHERE status = 'WAITING' AND run_after_ts <= ?
		ORDER BY run_after_ts
		LIMIT ?`, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find due wait steps: %w", err)
	}
	defer rows.Close()

	var out []*stepflow.ExecutionStep
	for rows.Next() {
		st, err := scanLiteStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SQLiteIdempotencyStore keeps start-request keys in the
// idempotency_keys table.
type SQLiteIdempotencyStore struct {
	db *sql.DB
}

// NewSQLiteIdempotencyStore builds a key store over an existing handle.
func NewSQLiteIdempotencyStore(db *sql.DB) *SQLiteIdempotencyStore {
	return &SQLiteIdempotencyStore{db: db}
}

func (s *SQLiteIdempotencyStore) Lookup(ctx context.Context, keyHash string, now time.Time) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id FROM idempotency_keys WHERE key_hash = ? AND expires_at > ?`,
		keyHash, fmtTime(now))

	var executionID string
	err := row.Scan(&executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return executionID, true, nil
}

func (s *SQLiteIdempotencyStore) Record(ctx context.Context, keyHash, executionID string, now, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key_hash, execution_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key_hash) DO UPDATE SET
			execution_id = excluded.execution_id,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
		WHERE idempotency_keys.expires_at <= excluded.created_at`,
		keyHash, executionID, fmtTime(expiresAt), fmtTime(now))
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}

func (s *SQLiteIdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return int(affected), nil
}
