package engine

import (
	"context"
	"encoding/json"
	"time"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/definition"
	"github.com/stepflow-dev/stepflow/store"
)

// newStepForState builds the ExecutionStep row instantiating a state.
// Wait states are created WAITING with their release instant; Task
// states carry their timeout and the stored (unenforced) retry fields.
func newStepForState(executionID int64, name string, state definition.State, input json.RawMessage, now time.Time) *stepflow.ExecutionStep {
	step := &stepflow.ExecutionStep{
		ExecutionID: executionID,
		StepName:    name,
		StepType:    state.Type(),
		Status:      stepflow.StepStatusPending,
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch s := state.(type) {
	case definition.TaskState:
		step.TimeoutSeconds = s.TimeoutSeconds
		policy := s.RetryPolicy()
		step.MaxRetries = policy.MaxRetries
		step.BackoffMultiplier = policy.BackoffMultiplier
		step.InitialIntervalMs = policy.InitialIntervalMs
	case definition.WaitState:
		step.Status = stepflow.StepStatusWaiting
		runAfter := s.RunAfter(now)
		step.RunAfter = &runAfter
	}
	return step
}

// newQueueItem builds the queue row scheduling a step. A WAITING step's
// item is time-gated so dispatchers leave it alone until it is due.
func newQueueItem(executionID int64, step *stepflow.ExecutionStep, priority int, now time.Time) *stepflow.QueueItem {
	item := &stepflow.QueueItem{
		ExecutionID: executionID,
		Priority:    priority,
		ScheduledAt: now,
		Status:      stepflow.QueueStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if step.RunAfter != nil {
		item.ScheduledAt = *step.RunAfter
		runAfter := *step.RunAfter
		item.RunAfter = &runAfter
	}
	return item
}

// scheduleNextState creates the successor step and queue item, moves
// the execution pointer, and records NEXT_STATE_QUEUED. The caller's
// transaction makes the whole transition atomic.
func scheduleNextState(ctx context.Context, tx store.Tx, def *definition.Definition,
	exec *stepflow.WorkflowExecution, nextName string, nextInput json.RawMessage, now time.Time) error {

	nextState, err := def.StateOf(nextName)
	if err != nil {
		return err
	}

	step := newStepForState(exec.ID, nextName, nextState, nextInput, now)
	if err := tx.InsertStep(ctx, step); err != nil {
		return err
	}
	if err := tx.InsertQueueItem(ctx, newQueueItem(exec.ID, step, 0, now)); err != nil {
		return err
	}

	exec.CurrentState = nextName
	exec.UpdatedAt = now
	if err := tx.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	data, _ := json.Marshal(map[string]string{"nextState": nextName})
	return tx.AppendHistory(ctx, &stepflow.HistoryEvent{
		ExecutionID: exec.ID,
		StepName:    nextName,
		EventType:   stepflow.EventNextStateQueued,
		EventData:   data,
		Timestamp:   now,
	})
}

// completeExecution marks the execution COMPLETED with its final
// output and records EXECUTION_COMPLETED.
func completeExecution(ctx context.Context, tx store.Tx, exec *stepflow.WorkflowExecution,
	output json.RawMessage, now time.Time) error {

	exec.Status = stepflow.ExecutionStatusCompleted
	exec.Output = output
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	if err := tx.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	return tx.AppendHistory(ctx, &stepflow.HistoryEvent{
		ExecutionID: exec.ID,
		EventType:   stepflow.EventExecutionCompleted,
		EventData:   output,
		Timestamp:   now,
	})
}

// failExecution marks the execution FAILED with the step's error
// message and records EXECUTION_FAILED.
func failExecution(ctx context.Context, tx store.Tx, exec *stepflow.WorkflowExecution,
	errorMessage string, now time.Time) error {

	exec.Status = stepflow.ExecutionStatusFailed
	exec.ErrorMessage = errorMessage
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	if err := tx.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	data, _ := json.Marshal(map[string]string{"errorMessage": errorMessage})
	return tx.AppendHistory(ctx, &stepflow.HistoryEvent{
		ExecutionID: exec.ID,
		EventType:   stepflow.EventExecutionFailed,
		EventData:   data,
		Timestamp:   now,
	})
}
