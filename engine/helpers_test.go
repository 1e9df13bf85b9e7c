package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/definition"
	"github.com/stepflow-dev/stepflow/store"
	"github.com/stepflow-dev/stepflow/task"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness bundles a memory-backed engine and worker driven by a fake
// clock.
type harness struct {
	store    *store.MemoryStore
	registry *task.Registry
	clock    *fakeClock
	engine   *Engine
	worker   *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithBatchSize(t, 10)
}

func newHarnessWithBatchSize(t *testing.T, batchSize int) *harness {
	t.Helper()

	st := store.NewMemoryStore()
	registry := task.NewRegistry()
	clock := newFakeClock()
	logger := zerolog.Nop()

	// "mock" echoes its input plus a processing marker
	registry.RegisterFunc("mock", func(tc *task.Context, input json.RawMessage) task.Result {
		var doc map[string]any
		if len(input) > 0 {
			if err := json.Unmarshal(input, &doc); err != nil {
				return task.Failure("InvalidInput", err.Error())
			}
		}
		if doc == nil {
			doc = make(map[string]any)
		}
		doc["processedAt"] = 1
		output, _ := json.Marshal(doc)
		return task.Success(output)
	})
	// "echo" returns its input unchanged
	registry.RegisterFunc("echo", func(tc *task.Context, input json.RawMessage) task.Result {
		return task.Success(input)
	})
	// "explode" fails every time
	registry.RegisterFunc("explode", func(tc *task.Context, input json.RawMessage) task.Result {
		return task.Failure("PaymentDeclined", "card declined")
	})
	// "panic" panics every time
	registry.RegisterFunc("panic", func(tc *task.Context, input json.RawMessage) task.Result {
		panic("handler exploded")
	})

	cfg := stepflow.DefaultWorkerConfig
	cfg.BatchSize = batchSize

	eng := New(st, registry, WithClock(clock), WithLogger(logger))
	worker := NewWorker(st, registry,
		WithClock(clock),
		WithLogger(logger),
		WithWorkerConfig(cfg),
	)
	return &harness{store: st, registry: registry, clock: clock, engine: eng, worker: worker}
}

// register stores a definition built with the fluent builder.
func (h *harness) register(t *testing.T, name, version string, b *definition.Builder) {
	t.Helper()
	source, err := b.JSON()
	require.NoError(t, err)
	_, err = h.engine.RegisterWorkflow(context.Background(), name, "", version, source)
	require.NoError(t, err)
}

// start begins an execution and returns its user-visible id.
func (h *harness) start(t *testing.T, workflow string, input string) string {
	t.Helper()
	result, err := h.engine.StartExecution(context.Background(), StartRequest{
		Workflow: workflow,
		Input:    json.RawMessage(input),
	})
	require.NoError(t, err)
	return result.Execution.ExecutionID
}

// drive pumps the dispatch and wake loops until the execution reaches
// a terminal status. The clock is not advanced; time-gated work stays
// gated.
func (h *harness) drive(t *testing.T, executionID string) *stepflow.WorkflowExecution {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, h.worker.DispatchOnce(ctx))
		require.NoError(t, h.worker.WakeOnce(ctx))

		exec, err := h.engine.GetExecution(ctx, executionID)
		require.NoError(t, err)
		if exec.Status.IsTerminal() {
			return exec
		}
	}
	t.Fatalf("execution %s did not reach a terminal status", executionID)
	return nil
}

// pump runs a bounded number of dispatch+wake rounds without asserting
// terminality.
func (h *harness) pump(t *testing.T, rounds int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < rounds; i++ {
		require.NoError(t, h.worker.DispatchOnce(ctx))
		require.NoError(t, h.worker.WakeOnce(ctx))
	}
}

// history returns the execution's audit log event types in order.
func (h *harness) history(t *testing.T, executionID string) []string {
	t.Helper()
	events, err := h.engine.ListHistory(context.Background(), executionID)
	require.NoError(t, err)

	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}

// steps returns the execution's steps in creation order.
func (h *harness) steps(t *testing.T, executionID string) []*stepflow.ExecutionStep {
	t.Helper()
	steps, err := h.engine.ListSteps(context.Background(), executionID)
	require.NoError(t, err)
	return steps
}

// assertNoQueuedWork verifies no queue item is claimable even far in
// the future: terminal executions must leave nothing behind.
func (h *harness) assertNoQueuedWork(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	claim, err := h.store.ClaimBatch(ctx, h.clock.Now().Add(1000*time.Hour), 100)
	require.NoError(t, err)
	require.Empty(t, claim.Items())
	require.NoError(t, claim.Commit(ctx))
}

// linearChain is the canonical three-state Task chain ending in
// Success.
func linearChain() *definition.Builder {
	return definition.NewBuilder("linear", "1.0.0", "a").
		Task("a", "mock", "b").
		Task("b", "mock", "c").
		Success("c")
}
