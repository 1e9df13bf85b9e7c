package stepflow

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the current state of a workflow execution
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal returns true if the status is a final state
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// String returns the string representation
func (s ExecutionStatus) String() string {
	return string(s)
}

// StepStatus represents the current state of a step within an execution
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusWaiting   StepStatus = "WAITING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

// IsTerminal returns true if the status is a final state
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// String returns the string representation
func (s StepStatus) String() string {
	return string(s)
}

// StepType discriminates the kind of state a step instantiates
type StepType string

const (
	StepTypeTask    StepType = "Task"
	StepTypeChoice  StepType = "Choice"
	StepTypeWait    StepType = "Wait"
	StepTypeSuccess StepType = "Success"
	StepTypeFail    StepType = "Fail"
)

// QueueStatus represents the claim state of a queue item
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "QUEUED"
	QueueStatusProcessing QueueStatus = "PROCESSING"
)

// Workflow is a named workflow; versions hang off it
type Workflow struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// WorkflowVersion is one immutable revision of a workflow definition.
// Definition holds the normalized JSON source of truth; it is re-parsed
// on each interpretation.
type WorkflowVersion struct {
	ID         int64           `json:"id"`
	WorkflowID int64           `json:"workflowId"`
	Version    string          `json:"version"`
	Definition json.RawMessage `json:"definition"`
	IsActive   bool            `json:"isActive"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// WorkflowExecution represents a single live run of a workflow version.
// ExecutionID is the user-visible identifier; ID is internal.
// CurrentState is an optimization pointer; the authoritative "what runs
// next" is the queue item referencing this execution.
type WorkflowExecution struct {
	ID                int64           `json:"id"`
	WorkflowVersionID int64           `json:"workflowVersionId"`
	ExecutionID       string          `json:"executionId"`
	Status            ExecutionStatus `json:"status"`
	CurrentState      string          `json:"currentState"`
	Input             json.RawMessage `json:"input,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	StartedAt         time.Time       `json:"startedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// ExecutionStep is the instantiation of one state within an execution.
// One row per state visited. The retry columns are stored but not acted
// on by the engine; failures are terminal.
type ExecutionStep struct {
	ID                int64           `json:"id"`
	ExecutionID       int64           `json:"executionId"`
	StepName          string          `json:"stepName"`
	StepType          StepType        `json:"stepType"`
	Status            StepStatus      `json:"status"`
	Input             json.RawMessage `json:"input,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	ErrorType         string          `json:"errorType,omitempty"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	RetryCount        int             `json:"retryCount"`
	MaxRetries        int             `json:"maxRetries"`
	BackoffMultiplier float64         `json:"backoffMultiplier"`
	InitialIntervalMs int             `json:"initialIntervalMs"`
	TimeoutSeconds    int             `json:"timeoutSeconds"`
	RunAfter          *time.Time      `json:"runAfter,omitempty"`
	StartedAt         *time.Time      `json:"startedAt,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// QueueItem is the unit of work a worker claims. At most one item exists
// per RUNNING execution; none for terminal executions.
type QueueItem struct {
	ID          int64       `json:"id"`
	ExecutionID int64       `json:"executionId"`
	Priority    int         `json:"priority"`
	ScheduledAt time.Time   `json:"scheduledAt"`
	Status      QueueStatus `json:"status"`
	RetryCount  int         `json:"retryCount"`
	RunAfter    *time.Time  `json:"runAfter,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// HistoryEvent is one append-only audit record for an execution.
// Ordered by (Timestamp, ID) the events form a linearizable log of the
// execution's progress.
type HistoryEvent struct {
	ID          int64           `json:"id"`
	ExecutionID int64           `json:"executionId"`
	StepName    string          `json:"stepName,omitempty"`
	EventType   string          `json:"eventType"`
	EventData   json.RawMessage `json:"eventData,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
