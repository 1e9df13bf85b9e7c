// Package engine hosts the durable execution core: the programmatic
// API consumed by transport layers, and the worker loops that drive
// executions through their state graphs.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/definition"
	"github.com/stepflow-dev/stepflow/store"
	"github.com/stepflow-dev/stepflow/task"
)

// Engine exposes the core operations: registering workflow versions,
// starting, inspecting, and cancelling executions. It holds no mutable
// state of its own; everything lives in the store.
type Engine struct {
	store       store.ExecutionStore
	registry    *task.Registry
	idempotency store.IdempotencyStore
	clock       stepflow.Clock
	logger      zerolog.Logger
	cfg         stepflow.EngineConfig
}

// New builds an engine over a store and handler registry.
func New(st store.ExecutionStore, registry *task.Registry, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Engine{
		store:       st,
		registry:    registry,
		idempotency: o.idempotency,
		clock:       o.clock,
		logger:      o.logger,
		cfg:         o.engineCfg,
	}
}

// RegisterWorkflow stores a new workflow version. Source may be JSON
// or YAML; it is normalized to JSON and validated before storage so
// broken definitions are rejected at registration time.
func (e *Engine) RegisterWorkflow(ctx context.Context, name, description, version string, source []byte) (*stepflow.WorkflowVersion, error) {
	if name == "" || version == "" {
		return nil, fmt.Errorf("workflow name and version are required")
	}

	normalized, err := definition.Normalize(source)
	if err != nil {
		return nil, stepflow.NewDefinitionError("failed to normalize definition source", err)
	}
	if _, err := definition.Parse(normalized); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	workflow, err := e.store.UpsertWorkflow(ctx, name, description, now)
	if err != nil {
		return nil, fmt.Errorf("failed to register workflow %q: %w", name, err)
	}

	v := &stepflow.WorkflowVersion{
		WorkflowID: workflow.ID,
		Version:    version,
		Definition: normalized,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateVersion(ctx, v); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("version %q of workflow %q already exists", version, name)
		}
		return nil, fmt.Errorf("failed to store workflow version: %w", err)
	}

	e.logger.Info().
		Str("workflow", name).
		Str("version", version).
		Msg("Workflow version registered")
	return v, nil
}

// ListVersions returns a workflow's versions, newest version string
// first.
func (e *Engine) ListVersions(ctx context.Context, name string) ([]*stepflow.WorkflowVersion, error) {
	if _, err := e.store.GetWorkflowByName(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, stepflow.ErrWorkflowNotFound
		}
		return nil, err
	}
	return e.store.ListVersions(ctx, name)
}

// StartRequest asks for a new execution of a workflow.
type StartRequest struct {
	Workflow string
	// Version selects a stored version; empty picks the latest by
	// lexicographically descending version string.
	Version        string
	Input          json.RawMessage
	IdempotencyKey string
	Priority       int
}

// StartResult carries the created (or found) execution. Existing is
// true when an unexpired idempotency key mapped to a prior execution.
type StartResult struct {
	Execution *stepflow.WorkflowExecution
	Existing  bool
}

// StartExecution creates an execution, its first step, and its queue
// item in one transaction. With an idempotency key, a repeated request
// inside the TTL window returns the original execution instead.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.Workflow == "" {
		return nil, stepflow.ErrWorkflowNotFound
	}
	now := e.clock.Now()

	keyHash := ""
	if req.IdempotencyKey != "" {
		sum := sha256.Sum256([]byte(req.IdempotencyKey))
		keyHash = hex.EncodeToString(sum[:])

		executionID, ok, err := e.idempotency.Lookup(ctx, keyHash, now)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if ok {
			existing, err := e.store.GetExecutionByExecutionID(ctx, executionID)
			if err == nil {
				return &StartResult{Execution: existing, Existing: true}, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			// the key points at a vanished execution; fall through and
			// start fresh
		}
	}

	version, err := e.resolveVersion(ctx, req.Workflow, req.Version)
	if err != nil {
		return nil, err
	}

	def, err := definition.Parse(version.Definition)
	if err != nil {
		return nil, err
	}
	startState, err := def.StateOf(def.StartAt)
	if err != nil {
		return nil, err
	}

	exec := &stepflow.WorkflowExecution{
		WorkflowVersionID: version.ID,
		ExecutionID:       uuid.NewString(),
		Status:            stepflow.ExecutionStatusRunning,
		CurrentState:      def.StartAt,
		Input:             req.Input,
		StartedAt:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertExecution(ctx, exec); err != nil {
			return err
		}
		step := newStepForState(exec.ID, def.StartAt, startState, req.Input, now)
		if err := tx.InsertStep(ctx, step); err != nil {
			return err
		}
		if err := tx.InsertQueueItem(ctx, newQueueItem(exec.ID, step, req.Priority, now)); err != nil {
			return err
		}

		data, _ := json.Marshal(map[string]string{
			"workflow": req.Workflow,
			"version":  version.Version,
		})
		return tx.AppendHistory(ctx, &stepflow.HistoryEvent{
			ExecutionID: exec.ID,
			EventType:   stepflow.EventExecutionStarted,
			EventData:   data,
			Timestamp:   now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	if keyHash != "" {
		if err := e.idempotency.Record(ctx, keyHash, exec.ExecutionID, now, now.Add(e.cfg.IdempotencyTTL)); err != nil {
			// the execution exists; a lost key only costs idempotency
			e.logger.Warn().Err(err).
				Str("execution_id", exec.ExecutionID).
				Msg("Failed to record idempotency key")
		}
	}

	stepflow.LogExecutionStarted(e.logger, exec.ExecutionID, req.Workflow, version.Version)
	return &StartResult{Execution: exec}, nil
}

func (e *Engine) resolveVersion(ctx context.Context, workflowName, versionName string) (*stepflow.WorkflowVersion, error) {
	if _, err := e.store.GetWorkflowByName(ctx, workflowName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, stepflow.ErrWorkflowNotFound
		}
		return nil, err
	}

	var version *stepflow.WorkflowVersion
	var err error
	if versionName != "" {
		version, err = e.store.GetVersion(ctx, workflowName, versionName)
	} else {
		version, err = e.store.LatestVersion(ctx, workflowName)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, stepflow.ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return version, nil
}

// GetExecution returns one execution by its user-visible id.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*stepflow.WorkflowExecution, error) {
	exec, err := e.store.GetExecutionByExecutionID(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, stepflow.ErrExecutionNotFound
	}
	return exec, err
}

// ListExecutions returns executions matching the filter, newest first.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*stepflow.WorkflowExecution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// ListSteps returns an execution's steps in creation order.
func (e *Engine) ListSteps(ctx context.Context, executionID string) ([]*stepflow.ExecutionStep, error) {
	exec, err := e.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return e.store.ListSteps(ctx, exec.ID)
}

// GetStep returns one step of an execution.
func (e *Engine) GetStep(ctx context.Context, executionID string, stepID int64) (*stepflow.ExecutionStep, error) {
	exec, err := e.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	step, err := e.store.GetStepByID(ctx, exec.ID, stepID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, stepflow.ErrStepNotFound
	}
	return step, err
}

// ListHistory returns an execution's audit log ordered by
// (timestamp, id).
func (e *Engine) ListHistory(ctx context.Context, executionID string) ([]*stepflow.HistoryEvent, error) {
	exec, err := e.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return e.store.ListHistory(ctx, exec.ID)
}

// CancelExecution cancels a RUNNING execution: queued work is removed
// immediately, while a step already in flight runs to completion of
// its handler and is then discarded. Cancelling a terminal execution
// is an InvalidState error.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) (*stepflow.WorkflowExecution, error) {
	exec, err := e.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()

	var cancelled *stepflow.WorkflowExecution
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetExecutionForUpdate(ctx, exec.ID)
		if err != nil {
			return err
		}
		if current.Status != stepflow.ExecutionStatusRunning {
			return stepflow.ErrInvalidState
		}

		current.Status = stepflow.ExecutionStatusCancelled
		current.CompletedAt = &now
		current.UpdatedAt = now
		if err := tx.UpdateExecution(ctx, current); err != nil {
			return err
		}
		if _, err := tx.DeleteQueueItems(ctx, current.ID); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, &stepflow.HistoryEvent{
			ExecutionID: current.ID,
			EventType:   stepflow.EventExecutionCancelled,
			Timestamp:   now,
		}); err != nil {
			return err
		}
		cancelled = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	stepflow.LogExecutionCancelled(e.logger, cancelled.ExecutionID)
	return cancelled, nil
}

// Registry exposes the handler registry, e.g. for hosts that register
// handlers after constructing the engine.
func (e *Engine) Registry() *task.Registry {
	return e.registry
}
