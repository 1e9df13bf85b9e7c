package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/definition"
	"github.com/stepflow-dev/stepflow/store"
	"github.com/stepflow-dev/stepflow/task"
)

// Worker runs the three scheduler loops against a shared store. Any
// number of workers may run concurrently across process instances;
// coordination happens entirely through the store's claims and row
// locks.
type Worker struct {
	store    store.ExecutionStore
	registry *task.Registry
	clock    stepflow.Clock
	logger   zerolog.Logger
	cfg      stepflow.WorkerConfig
	metrics  *Metrics
}

// NewWorker builds a worker over a store and handler registry.
func NewWorker(st store.ExecutionStore, registry *task.Registry, opts ...Option) *Worker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Worker{
		store:    st,
		registry: registry,
		clock:    o.clock,
		logger:   o.logger,
		cfg:      o.workerCfg,
		metrics:  o.metrics,
	}
}

// Run drives the dispatch, reap, and wake loops until the context is
// cancelled. Loop errors are logged and counted; the loops never die.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.loop(ctx, "dispatch", w.cfg.PollInterval, w.DispatchOnce) })
	g.Go(func() error { return w.loop(ctx, "reap", w.cfg.ReapInterval, w.ReapOnce) })
	g.Go(func() error { return w.loop(ctx, "wake", w.cfg.WakeInterval, w.WakeOnce) })
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.metrics.LoopErrors.WithLabelValues(name).Inc()
				stepflow.LogLoopError(w.logger, name, err)
			}
		}
	}
}

// DispatchOnce performs one dispatch poll: claim a batch, process each
// item, commit. A store error aborts the batch so unprocessed items
// stay claimable.
func (w *Worker) DispatchOnce(ctx context.Context) error {
	now := w.clock.Now()
	claim, err := w.store.ClaimBatch(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}

	w.metrics.ItemsClaimed.Add(float64(len(claim.Items())))

	for _, item := range claim.Items() {
		if err := w.processItem(ctx, claim, item); err != nil {
			claim.Rollback(ctx)
			return fmt.Errorf("process queue item %d: %w", item.ID, err)
		}
	}
	return claim.Commit(ctx)
}

// itemDisposition says what to do with the claimed queue item after
// the pre-flight transaction.
type itemDisposition int

const (
	dispositionRun itemDisposition = iota
	// dispositionDiscard deletes the item without running anything:
	// terminal execution, stale item, or a frontier the pre-flight
	// already resolved
	dispositionDiscard
	// dispositionKeep leaves the item in place; the wake loop owns it
	dispositionKeep
)

// processItem advances one execution by one state. The claimed item's
// lock is held by the surrounding batch for the whole call; the
// RUNNING mark and the outcome commit in their own transactions so a
// crash mid-handler leaves a RUNNING step for the reaper, exactly as a
// crashed process would.
func (w *Worker) processItem(ctx context.Context, claim store.Claim, item *stepflow.QueueItem) error {
	now := w.clock.Now()

	var exec *stepflow.WorkflowExecution
	var step *stepflow.ExecutionStep
	disposition := dispositionRun

	err := w.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		exec, err = tx.GetExecution(ctx, item.ExecutionID)
		if errors.Is(err, store.ErrNotFound) {
			disposition = dispositionDiscard
			return nil
		}
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			disposition = dispositionDiscard
			return nil
		}

		step, err = tx.GetStepByName(ctx, exec.ID, exec.CurrentState)
		if errors.Is(err, store.ErrNotFound) {
			// impossible per the frontier invariant; fail loudly
			disposition = dispositionDiscard
			return failExecution(ctx, tx, exec,
				fmt.Sprintf("%s: no step exists for current state %q", stepflow.ErrorTypeInvariantViolated, exec.CurrentState), now)
		}
		if err != nil {
			return err
		}

		if step.StepType == stepflow.StepTypeWait {
			// safety net: wait items are released by the wake loop
			disposition = dispositionKeep
			return nil
		}
		if step.Status != stepflow.StepStatusPending {
			// a crashed worker consumed this step already, or its
			// RUNNING mark survives for the reaper; either way the
			// item is stale
			w.logger.Debug().
				Str("event", stepflow.LogEventStaleQueueItem).
				Int64("queue_item_id", item.ID).
				Str("step_status", step.Status.String()).
				Msg("Discarding stale queue item")
			disposition = dispositionDiscard
			return nil
		}

		step.Status = stepflow.StepStatusRunning
		step.StartedAt = &now
		step.UpdatedAt = now
		if err := tx.UpdateStep(ctx, step); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, &stepflow.HistoryEvent{
			ExecutionID: exec.ID,
			StepName:    step.StepName,
			EventType:   stepflow.EventStepStarted,
			Timestamp:   now,
		})
	})
	if err != nil {
		return err
	}

	switch disposition {
	case dispositionKeep:
		return nil
	case dispositionDiscard:
		return claim.DeleteItem(ctx, item.ID)
	}

	stepflow.LogStepStarted(w.logger, exec.ExecutionID, step.StepName, step.StepType)

	outcome := w.interpretStep(ctx, exec, step)

	if err := w.applyOutcome(ctx, exec, step, outcome); err != nil {
		return err
	}
	return claim.DeleteItem(ctx, item.ID)
}

// interpretStep loads and re-parses the definition, then runs the
// interpreter for the step's state.
func (w *Worker) interpretStep(ctx context.Context, exec *stepflow.WorkflowExecution, step *stepflow.ExecutionStep) stepOutcome {
	version, err := w.store.GetVersionByID(ctx, exec.WorkflowVersionID)
	if err != nil {
		return failedOutcome(stepflow.ErrorTypeDefinitionError,
			fmt.Sprintf("failed to load workflow version %d: %v", exec.WorkflowVersionID, err),
			stepflow.EventStepError)
	}

	def, err := definition.Parse(version.Definition)
	if err != nil {
		return failedOutcome(stepflow.ErrorTypeDefinitionError, err.Error(), stepflow.EventStepError)
	}

	state, err := def.StateOf(step.StepName)
	if err != nil {
		return failedOutcome(stepflow.ErrorTypeDefinitionError, err.Error(), stepflow.EventStepError)
	}

	outcome := interpret(ctx, w.registry, w.logger, def, state, exec, step)
	outcome.def = def
	return outcome
}

// applyOutcome persists the step result and either schedules the next
// state or terminates the execution, in one transaction that re-checks
// the execution status under lock so a cancellation that landed during
// the handler call wins.
func (w *Worker) applyOutcome(ctx context.Context, exec *stepflow.WorkflowExecution, step *stepflow.ExecutionStep, outcome stepOutcome) error {
	now := w.clock.Now()

	return w.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetExecutionForUpdate(ctx, exec.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return w.recordCancelledInFlight(ctx, tx, current, step, outcome, now)
		}

		switch outcome.kind {
		case outcomeAdvance:
			step.Status = stepflow.StepStatusCompleted
			step.Output = outcome.output
			step.CompletedAt = &now
			step.UpdatedAt = now
			if err := tx.UpdateStep(ctx, step); err != nil {
				return err
			}
			if err := tx.AppendHistory(ctx, &stepflow.HistoryEvent{
				ExecutionID: current.ID,
				StepName:    step.StepName,
				EventType:   stepflow.EventStepCompleted,
				EventData:   outcome.output,
				Timestamp:   now,
			}); err != nil {
				return err
			}
			w.metrics.StepsProcessed.WithLabelValues("completed").Inc()
			stepflow.LogStepCompleted(w.logger, current.ExecutionID, step.StepName, outcome.nextState)

			if err := scheduleNextState(ctx, tx, outcome.def, current, outcome.nextState, outcome.nextInput, now); err != nil {
				if stepflow.IsDefinitionError(err) {
					return failExecution(ctx, tx, current, err.Error(), now)
				}
				return err
			}
			return nil

		case outcomeComplete:
			step.Status = stepflow.StepStatusCompleted
			step.Output = outcome.output
			step.CompletedAt = &now
			step.UpdatedAt = now
			if err := tx.UpdateStep(ctx, step); err != nil {
				return err
			}
			if err := tx.AppendHistory(ctx, &stepflow.HistoryEvent{
				ExecutionID: current.ID,
				StepName:    step.StepName,
				EventType:   stepflow.EventStepCompleted,
				EventData:   outcome.output,
				Timestamp:   now,
			}); err != nil {
				return err
			}
			w.metrics.StepsProcessed.WithLabelValues("completed").Inc()
			if err := completeExecution(ctx, tx, current, outcome.output, now); err != nil {
				return err
			}
			stepflow.LogExecutionCompleted(w.logger, current.ExecutionID, now.Sub(current.StartedAt))
			return nil

		case outcomeFailWorkflow:
			// the Fail state itself completes; the execution fails
			step.Status = stepflow.StepStatusCompleted
			step.CompletedAt = &now
			step.UpdatedAt = now
			if err := tx.UpdateStep(ctx, step); err != nil {
				return err
			}
			if err := tx.AppendHistory(ctx, &stepflow.HistoryEvent{
				ExecutionID: current.ID,
				StepName:    step.StepName,
				EventType:   stepflow.EventStepCompleted,
				EventData:   errorEventData(outcome.errorType, outcome.errorMsg),
				Timestamp:   now,
			}); err != nil {
				return err
			}
			w.metrics.StepsProcessed.WithLabelValues("workflow_failed").Inc()
			if err := failExecution(ctx, tx, current, outcome.errorMsg, now); err != nil {
				return err
			}
			stepflow.LogExecutionFailed(w.logger, current.ExecutionID, outcome.errorMsg)
			return nil

		case outcomeStepFailed:
			step.Status = stepflow.StepStatusFailed
			step.ErrorType = outcome.errorType
			step.ErrorMessage = outcome.errorMsg
			step.CompletedAt = &now
			step.UpdatedAt = now
			if err := tx.UpdateStep(ctx, step); err != nil {
				return err
			}
			if err := tx.AppendHistory(ctx, &stepflow.HistoryEvent{
				ExecutionID: current.ID,
				StepName:    step.StepName,
				EventType:   outcome.eventType,
				EventData:   errorEventData(outcome.errorType, outcome.errorMsg),
				Timestamp:   now,
			}); err != nil {
				return err
			}
			w.metrics.StepsProcessed.WithLabelValues("step_failed").Inc()
			stepflow.LogStepFailed(w.logger, current.ExecutionID, step.StepName, outcome.errorType, outcome.errorMsg)
			if err := failExecution(ctx, tx, current, outcome.errorMsg, now); err != nil {
				return err
			}
			return nil

		default:
			return fmt.Errorf("unknown outcome kind %d", outcome.kind)
		}
	})
}

// recordCancelledInFlight handles an execution that reached a terminal
// status while its step's handler was running: the RUNNING mark is
// reverted so the step row ends net-unchanged, and the outcome is kept
// as forensic history only. No successor is scheduled.
func (w *Worker) recordCancelledInFlight(ctx context.Context, tx store.Tx,
	current *stepflow.WorkflowExecution, step *stepflow.ExecutionStep, outcome stepOutcome, now time.Time) error {

	step.Status = stepflow.StepStatusPending
	step.StartedAt = nil
	step.UpdatedAt = now
	if err := tx.UpdateStep(ctx, step); err != nil {
		return err
	}

	eventType := stepflow.EventStepCompleted
	var data []byte
	switch outcome.kind {
	case outcomeStepFailed:
		eventType = outcome.eventType
		data = errorEventData(outcome.errorType, outcome.errorMsg)
	default:
		data = outcome.output
	}
	w.metrics.StepsProcessed.WithLabelValues("cancelled_in_flight").Inc()
	return tx.AppendHistory(ctx, &stepflow.HistoryEvent{
		ExecutionID: current.ID,
		StepName:    step.StepName,
		EventType:   eventType,
		EventData:   data,
		Timestamp:   now,
	})
}

func errorEventData(errorType, errorMessage string) []byte {
	data, _ := json.Marshal(map[string]string{
		"errorType":    errorType,
		"errorMessage": errorMessage,
	})
	return data
}
