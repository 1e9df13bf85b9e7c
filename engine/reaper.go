package engine

import (
	"context"
	"errors"
	"fmt"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/store"
)

// reapQueryLimit bounds how many stuck steps one reap pass handles.
const reapQueryLimit = 100

// ReapOnce rescues steps stuck RUNNING past the configured threshold:
// a worker crashed between its RUNNING mark and its outcome commit, or
// a handler never returned. Each rescue resets the step to PENDING and
// requeues it.
func (w *Worker) ReapOnce(ctx context.Context) error {
	now := w.clock.Now()
	threshold := now.Add(-w.cfg.StuckStepTimeout)

	// stores without lock-backed claims may have PROCESSING items
	// abandoned by a dead claimer
	if released, err := w.store.ReleaseStaleClaims(ctx, threshold); err != nil {
		return fmt.Errorf("release stale claims: %w", err)
	} else if released > 0 {
		w.logger.Warn().Int("released", released).Msg("Requeued abandoned queue claims")
	}

	stuck, err := w.store.FindStuckSteps(ctx, threshold, reapQueryLimit)
	if err != nil {
		return fmt.Errorf("find stuck steps: %w", err)
	}

	for _, candidate := range stuck {
		if err := w.recoverStep(ctx, candidate); err != nil {
			return fmt.Errorf("recover step %d: %w", candidate.ID, err)
		}
	}
	return nil
}

// recoverStep resets one stuck step to PENDING and inserts a fresh
// queue item, re-verifying the step under the execution lock so a
// worker that is merely slow, or an execution cancelled in the
// meantime, is left alone.
func (w *Worker) recoverStep(ctx context.Context, candidate *stepflow.ExecutionStep) error {
	now := w.clock.Now()
	threshold := now.Add(-w.cfg.StuckStepTimeout)

	return w.store.WithTx(ctx, func(tx store.Tx) error {
		exec, err := tx.GetExecutionForUpdate(ctx, candidate.ExecutionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if exec.Status != stepflow.ExecutionStatusRunning || exec.CurrentState != candidate.StepName {
			return nil
		}

		step, err := tx.GetStepByName(ctx, exec.ID, candidate.StepName)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if step.ID != candidate.ID || step.Status != stepflow.StepStatusRunning ||
			step.StartedAt == nil || !step.StartedAt.Before(threshold) {
			return nil
		}

		stuckSince := *step.StartedAt
		step.Status = stepflow.StepStatusPending
		step.StartedAt = nil
		step.CompletedAt = nil
		step.UpdatedAt = now
		if err := tx.UpdateStep(ctx, step); err != nil {
			return err
		}

		if err := tx.InsertQueueItem(ctx, &stepflow.QueueItem{
			ExecutionID: exec.ID,
			Priority:    0,
			ScheduledAt: now,
			Status:      stepflow.QueueStatusQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}

		if err := tx.AppendHistory(ctx, &stepflow.HistoryEvent{
			ExecutionID: exec.ID,
			StepName:    step.StepName,
			EventType:   stepflow.EventStepRecovered,
			Timestamp:   now,
		}); err != nil {
			return err
		}

		w.metrics.StepsRecovered.Inc()
		stepflow.LogStepRecovered(w.logger, exec.ID, step.StepName, stuckSince)
		return nil
	})
}
