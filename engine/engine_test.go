package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/definition"
	"github.com/stepflow-dev/stepflow/store"
)

func TestLinearTaskChain(t *testing.T) {
	h := newHarness(t)
	h.register(t, "linear", "1.0.0", linearChain())

	executionID := h.start(t, "linear", `{"orderId":"X"}`)
	exec := h.drive(t, executionID)

	assert.Equal(t, stepflow.ExecutionStatusCompleted, exec.Status)
	assert.JSONEq(t, `{"orderId":"X","processedAt":1}`, string(exec.Output))
	require.NotNil(t, exec.CompletedAt)

	steps := h.steps(t, executionID)
	require.Len(t, steps, 3)
	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name, steps[i].StepName)
		assert.Equal(t, stepflow.StepStatusCompleted, steps[i].Status)
		require.NotNil(t, steps[i].CompletedAt, "step %s completed_at", name)
	}

	h.assertNoQueuedWork(t)

	assert.Equal(t, []string{
		stepflow.EventExecutionStarted,
		stepflow.EventStepStarted,
		stepflow.EventStepCompleted,
		stepflow.EventNextStateQueued,
		stepflow.EventStepStarted,
		stepflow.EventStepCompleted,
		stepflow.EventNextStateQueued,
		stepflow.EventStepStarted,
		stepflow.EventStepCompleted,
		stepflow.EventExecutionCompleted,
	}, h.history(t, executionID))
}

func choiceWorkflow() *definition.Builder {
	return definition.NewBuilder("stock", "1.0.0", "a").
		Task("a", "echo", "dec").
		Choice("dec", []definition.ChoiceRule{{
			Condition: definition.Condition{
				Operator: definition.OperatorBooleanEquals,
				Variable: "$.inStock",
				Value:    true,
			},
			Next: "ok",
		}}, "bad").
		Success("ok").
		Fail("bad", "OOS")
}

func TestChoiceBranchTaken(t *testing.T) {
	h := newHarness(t)
	h.register(t, "stock", "1.0.0", choiceWorkflow())

	executionID := h.start(t, "stock", `{"inStock":true}`)
	exec := h.drive(t, executionID)

	assert.Equal(t, stepflow.ExecutionStatusCompleted, exec.Status)
	// the routing decision must not leak into the final output
	assert.JSONEq(t, `{"inStock":true}`, string(exec.Output))
}

func TestChoiceDefaultToFail(t *testing.T) {
	h := newHarness(t)
	h.register(t, "stock", "1.0.0", choiceWorkflow())

	executionID := h.start(t, "stock", `{"inStock":false}`)
	exec := h.drive(t, executionID)

	assert.Equal(t, stepflow.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "OOS", exec.ErrorMessage)
}

func TestChoiceWithoutMatchOrDefaultFails(t *testing.T) {
	h := newHarness(t)
	h.register(t, "nodefault", "1.0.0", definition.NewBuilder("nodefault", "1.0.0", "dec").
		Choice("dec", []definition.ChoiceRule{{
			Condition: definition.Condition{
				Operator: definition.OperatorBooleanEquals,
				Variable: "$.never",
				Value:    true,
			},
			Next: "done",
		}}, "").
		Success("done"))

	executionID := h.start(t, "nodefault", `{}`)
	exec := h.drive(t, executionID)

	assert.Equal(t, stepflow.ExecutionStatusFailed, exec.Status)

	steps := h.steps(t, executionID)
	require.Len(t, steps, 1)
	assert.Equal(t, stepflow.StepStatusFailed, steps[0].Status)
	assert.Equal(t, stepflow.ErrorTypeChoiceError, steps[0].ErrorType)
}

func TestHandlerFailureFailsExecution(t *testing.T) {
	h := newHarness(t)
	h.register(t, "pay", "1.0.0", definition.NewBuilder("pay", "1.0.0", "charge").
		Task("charge", "explode", "done").
		Success("done"))

	executionID := h.start(t, "pay", `{}`)
	exec := h.drive(t, executionID)

	assert.Equal(t, stepflow.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "card declined", exec.ErrorMessage)

	steps := h.steps(t, executionID)
	require.Len(t, steps, 1)
	assert.Equal(t, stepflow.StepStatusFailed, steps[0].Status)
	assert.Equal(t, "PaymentDeclined", steps[0].ErrorType)
	assert.NotEmpty(t, steps[0].ErrorMessage)

	assert.Contains(t, h.history(t, executionID), stepflow.EventStepFailed)
	assert.Contains(t, h.history(t, executionID), stepflow.EventExecutionFailed)
}

func TestHandlerPanicIsStepError(t *testing.T) {
	h := newHarness(t)
	h.register(t, "boom", "1.0.0", definition.NewBuilder("boom", "1.0.0", "a").
		Task("a", "panic", "done").
		Success("done"))

	executionID := h.start(t, "boom", `{}`)
	exec := h.drive(t, executionID)

	assert.Equal(t, stepflow.ExecutionStatusFailed, exec.Status)

	steps := h.steps(t, executionID)
	require.Len(t, steps, 1)
	assert.Equal(t, stepflow.ErrorTypeHandlerException, steps[0].ErrorType)
	assert.Contains(t, h.history(t, executionID), stepflow.EventStepError)
}

func TestUnknownHandlerFailsStep(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ghost", "1.0.0", definition.NewBuilder("ghost", "1.0.0", "a").
		Task("a", "no.such.resource", "done").
		Success("done"))

	executionID := h.start(t, "ghost", `{}`)
	exec := h.drive(t, executionID)

	assert.Equal(t, stepflow.ExecutionStatusFailed, exec.Status)

	steps := h.steps(t, executionID)
	require.Len(t, steps, 1)
	assert.Equal(t, stepflow.ErrorTypeUnknownHandler, steps[0].ErrorType)
}

func TestStartExecutionErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.StartExecution(ctx, StartRequest{Workflow: "missing"})
	assert.ErrorIs(t, err, stepflow.ErrWorkflowNotFound)

	h.register(t, "linear", "1.0.0", linearChain())
	_, err = h.engine.StartExecution(ctx, StartRequest{Workflow: "linear", Version: "9.9.9"})
	assert.ErrorIs(t, err, stepflow.ErrVersionNotFound)
}

func TestStartPicksLatestVersionLexicographically(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "linear", "1.0.0", linearChain())
	h.register(t, "linear", "1.10.0", linearChain())
	h.register(t, "linear", "1.2.0", definition.NewBuilder("linear", "1.2.0", "only").
		Task("only", "mock", "done").
		Success("done"))

	executionID := h.start(t, "linear", `{}`)
	exec := h.drive(t, executionID)
	require.Equal(t, stepflow.ExecutionStatusCompleted, exec.Status)

	// "1.2.0" sorts above "1.10.0": two steps, not three
	assert.Len(t, h.steps(t, executionID), 2)

	versions, err := h.engine.ListVersions(ctx, "linear")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "1.2.0", versions[0].Version)
}

func TestIdempotentStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "linear", "1.0.0", linearChain())

	first, err := h.engine.StartExecution(ctx, StartRequest{
		Workflow:       "linear",
		Input:          json.RawMessage(`{"orderId":"X"}`),
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.False(t, first.Existing)

	second, err := h.engine.StartExecution(ctx, StartRequest{
		Workflow:       "linear",
		Input:          json.RawMessage(`{"orderId":"X"}`),
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Execution.ExecutionID, second.Execution.ExecutionID)

	executions, err := h.engine.ListExecutions(ctx, store.ExecutionFilter{WorkflowName: "linear"})
	require.NoError(t, err)
	assert.Len(t, executions, 1, "no second execution row may exist")

	// past the TTL the key no longer applies
	h.clock.Advance(25 * time.Hour)
	third, err := h.engine.StartExecution(ctx, StartRequest{
		Workflow:       "linear",
		Input:          json.RawMessage(`{"orderId":"X"}`),
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.False(t, third.Existing)
	assert.NotEqual(t, first.Execution.ExecutionID, third.Execution.ExecutionID)
}

func TestCancelExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "linear", "1.0.0", linearChain())

	executionID := h.start(t, "linear", `{}`)

	cancelled, err := h.engine.CancelExecution(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, stepflow.ExecutionStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	// queued work is gone; pumping the loops changes nothing
	h.pump(t, 5)
	exec, err := h.engine.GetExecution(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, stepflow.ExecutionStatusCancelled, exec.Status)

	history := h.history(t, executionID)
	assert.Equal(t, stepflow.EventExecutionCancelled, history[len(history)-1])
	h.assertNoQueuedWork(t)

	// cancelling again is an InvalidState error, not a state change
	_, err = h.engine.CancelExecution(ctx, executionID)
	assert.ErrorIs(t, err, stepflow.ErrInvalidState)
}

func TestCancelCompletedExecution(t *testing.T) {
	h := newHarness(t)
	h.register(t, "linear", "1.0.0", linearChain())

	executionID := h.start(t, "linear", `{}`)
	h.drive(t, executionID)

	_, err := h.engine.CancelExecution(context.Background(), executionID)
	assert.ErrorIs(t, err, stepflow.ErrInvalidState)
}

func TestRegisterWorkflowRejectsBrokenDefinition(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.RegisterWorkflow(context.Background(), "bad", "", "1.0.0",
		[]byte(`{"startAt":"ghost","states":{"a":{"type":"Success"}}}`))
	require.Error(t, err)
	assert.True(t, stepflow.IsDefinitionError(err))
}

func TestBatchSizeDoesNotChangeOutcome(t *testing.T) {
	for _, batchSize := range []int{1, 100} {
		h := newHarnessWithBatchSize(t, batchSize)
		h.register(t, "linear", "1.0.0", linearChain())

		executionID := h.start(t, "linear", `{"orderId":"X"}`)
		exec := h.drive(t, executionID)

		assert.Equal(t, stepflow.ExecutionStatusCompleted, exec.Status)
		assert.JSONEq(t, `{"orderId":"X","processedAt":1}`, string(exec.Output))
		assert.Len(t, h.steps(t, executionID), 3)
	}
}
