package engine

import (
	"context"
	"errors"
	"fmt"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/definition"
	"github.com/stepflow-dev/stepflow/store"
)

// wakeQueryLimit bounds how many due waits one wake pass releases.
const wakeQueryLimit = 100

// WakeOnce releases Wait steps whose instant has passed: each is
// marked COMPLETED and its execution transitions to the Wait state's
// next state under the same rules as a Task completion.
func (w *Worker) WakeOnce(ctx context.Context) error {
	now := w.clock.Now()

	due, err := w.store.FindDueWaitSteps(ctx, now, wakeQueryLimit)
	if err != nil {
		return fmt.Errorf("find due wait steps: %w", err)
	}

	for _, candidate := range due {
		if err := w.releaseWait(ctx, candidate); err != nil {
			return fmt.Errorf("release wait step %d: %w", candidate.ID, err)
		}
	}
	return nil
}

// releaseWait completes one due Wait step. The wait's queue item must
// be consumable first: if a dispatcher currently holds it (the
// dispatch safety net), the step is skipped and retried on the next
// wake tick.
func (w *Worker) releaseWait(ctx context.Context, candidate *stepflow.ExecutionStep) error {
	now := w.clock.Now()

	exec, err := w.loadExecutionByID(ctx, candidate.ExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	version, err := w.store.GetVersionByID(ctx, exec.WorkflowVersionID)
	if err != nil {
		return err
	}

	return w.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetExecutionForUpdate(ctx, candidate.ExecutionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Status != stepflow.ExecutionStatusRunning {
			return nil
		}

		step, err := tx.GetStepByName(ctx, current.ID, candidate.StepName)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if step.ID != candidate.ID || step.Status != stepflow.StepStatusWaiting {
			return nil
		}

		// consume the wait's queue item; zero means a dispatcher has
		// it claimed right now, so back off until the next tick
		deleted, err := tx.DeleteQueueItems(ctx, current.ID)
		if err != nil {
			return err
		}
		if deleted == 0 {
			return nil
		}

		def, err := definition.Parse(version.Definition)
		if err != nil {
			return failExecution(ctx, tx, current, err.Error(), now)
		}
		state, err := def.StateOf(step.StepName)
		if err != nil {
			return failExecution(ctx, tx, current, err.Error(), now)
		}
		waitState, ok := state.(definition.WaitState)
		if !ok {
			return failExecution(ctx, tx, current,
				fmt.Sprintf("%s: WAITING step %q is not a Wait state", stepflow.ErrorTypeInvariantViolated, step.StepName), now)
		}

		output := []byte(`{"waitCompleted":true}`)
		step.Status = stepflow.StepStatusCompleted
		step.Output = output
		step.CompletedAt = &now
		step.UpdatedAt = now
		if err := tx.UpdateStep(ctx, step); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, &stepflow.HistoryEvent{
			ExecutionID: current.ID,
			StepName:    step.StepName,
			EventType:   stepflow.EventWaitCompleted,
			Timestamp:   now,
		}); err != nil {
			return err
		}

		nextInput := stepflow.ShallowMerge(step.Input, output)
		if err := scheduleNextState(ctx, tx, def, current, waitState.Next, nextInput, now); err != nil {
			if stepflow.IsDefinitionError(err) {
				return failExecution(ctx, tx, current, err.Error(), now)
			}
			return err
		}

		w.metrics.WaitsReleased.Inc()
		stepflow.LogWaitReleased(w.logger, current.ID, step.StepName)
		return nil
	})
}

// loadExecutionByID fetches an execution by internal id outside any
// transaction.
func (w *Worker) loadExecutionByID(ctx context.Context, id int64) (*stepflow.WorkflowExecution, error) {
	var exec *stepflow.WorkflowExecution
	err := w.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		exec, err = tx.GetExecution(ctx, id)
		return err
	})
	return exec, err
}
