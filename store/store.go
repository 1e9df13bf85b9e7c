// Package store provides transactional persistence for executions,
// steps, queue items, and history, including the claim protocol the
// scheduler is built on.
package store

import (
	"context"
	"errors"
	"time"

	stepflow "github.com/stepflow-dev/stepflow"
)

// Storage-level sentinel errors.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// Tx is the transactional surface workers and the engine compose their
// state transitions on. Every mutation of an execution's state happens
// through a Tx; implementations guarantee all-or-nothing application.
type Tx interface {
	InsertExecution(ctx context.Context, e *stepflow.WorkflowExecution) error
	GetExecution(ctx context.Context, id int64) (*stepflow.WorkflowExecution, error)
	// GetExecutionForUpdate locks the execution row for the remainder
	// of the transaction, serializing worker updates against
	// cancellation.
	GetExecutionForUpdate(ctx context.Context, id int64) (*stepflow.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, e *stepflow.WorkflowExecution) error

	InsertStep(ctx context.Context, s *stepflow.ExecutionStep) error
	UpdateStep(ctx context.Context, s *stepflow.ExecutionStep) error
	GetStepByName(ctx context.Context, executionID int64, stepName string) (*stepflow.ExecutionStep, error)

	InsertQueueItem(ctx context.Context, item *stepflow.QueueItem) error
	// DeleteQueueItem removes one queue item; false if it was gone.
	DeleteQueueItem(ctx context.Context, id int64) (bool, error)
	// DeleteQueueItems removes every unclaimed queue item of an
	// execution, skipping items currently locked by a dispatcher.
	DeleteQueueItems(ctx context.Context, executionID int64) (int, error)

	AppendHistory(ctx context.Context, event *stepflow.HistoryEvent) error
}

// Claim holds a batch of queue items exclusively until it is committed
// or rolled back. While held, no other claimer can observe the items.
// If the holding process dies, the items become claimable again (lock
// release on Postgres, stale-claim recovery elsewhere).
type Claim interface {
	Items() []*stepflow.QueueItem
	// DeleteItem consumes a claimed item. The delete is final once the
	// claim commits.
	DeleteItem(ctx context.Context, id int64) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowName string
	Status       *stepflow.ExecutionStatus
	Limit        int
}

// ExecutionStore is the persistence contract for the engine and the
// scheduler loops.
type ExecutionStore interface {
	// Workflow registry
	UpsertWorkflow(ctx context.Context, name, description string, now time.Time) (*stepflow.Workflow, error)
	GetWorkflowByName(ctx context.Context, name string) (*stepflow.Workflow, error)
	CreateVersion(ctx context.Context, version *stepflow.WorkflowVersion) error
	GetVersion(ctx context.Context, workflowName, version string) (*stepflow.WorkflowVersion, error)
	GetVersionByID(ctx context.Context, id int64) (*stepflow.WorkflowVersion, error)
	// LatestVersion picks the most recent version by lexicographically
	// descending version string.
	LatestVersion(ctx context.Context, workflowName string) (*stepflow.WorkflowVersion, error)
	ListVersions(ctx context.Context, workflowName string) ([]*stepflow.WorkflowVersion, error)

	// Read-only projections
	GetExecutionByExecutionID(ctx context.Context, executionID string) (*stepflow.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*stepflow.WorkflowExecution, error)
	ListSteps(ctx context.Context, executionID int64) ([]*stepflow.ExecutionStep, error)
	GetStepByID(ctx context.Context, executionID, stepID int64) (*stepflow.ExecutionStep, error)
	ListHistory(ctx context.Context, executionID int64) ([]*stepflow.HistoryEvent, error)

	// Transactional work
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// ClaimBatch selects up to limit eligible queue items, ordered by
	// priority descending then scheduled time ascending, claiming each
	// at most once across concurrent claimers.
	ClaimBatch(ctx context.Context, now time.Time, limit int) (Claim, error)
	// ReleaseStaleClaims requeues claims abandoned by dead processes.
	// Stores whose claims are pure row locks release them implicitly
	// and return zero.
	ReleaseStaleClaims(ctx context.Context, threshold time.Time) (int, error)

	FindStuckSteps(ctx context.Context, threshold time.Time, limit int) ([]*stepflow.ExecutionStep, error)
	FindDueWaitSteps(ctx context.Context, now time.Time, limit int) ([]*stepflow.ExecutionStep, error)

	Close() error
}

// IdempotencyStore maps hashed start-request keys to execution ids for
// the duration of the configured TTL.
type IdempotencyStore interface {
	Lookup(ctx context.Context, keyHash string, now time.Time) (executionID string, ok bool, err error)
	Record(ctx context.Context, keyHash, executionID string, now, expiresAt time.Time) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
