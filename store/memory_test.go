package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stepflow "github.com/stepflow-dev/stepflow"
)

func seedExecution(t *testing.T, s *MemoryStore, now time.Time) *stepflow.WorkflowExecution {
	t.Helper()
	ctx := context.Background()

	wf, err := s.UpsertWorkflow(ctx, "wf", "", now)
	require.NoError(t, err)

	version := &stepflow.WorkflowVersion{
		WorkflowID: wf.ID,
		Version:    "1.0.0",
		Definition: json.RawMessage(`{"startAt":"a","states":{"a":{"type":"Success"}}}`),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateVersion(ctx, version))

	exec := &stepflow.WorkflowExecution{
		WorkflowVersionID: version.ID,
		ExecutionID:       "exec-1",
		Status:            stepflow.ExecutionStatusRunning,
		CurrentState:      "a",
		StartedAt:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertExecution(ctx, exec)
	}))
	return exec
}

func enqueue(t *testing.T, s *MemoryStore, executionID int64, priority int, scheduledAt time.Time) *stepflow.QueueItem {
	t.Helper()
	item := &stepflow.QueueItem{
		ExecutionID: executionID,
		Priority:    priority,
		ScheduledAt: scheduledAt,
		Status:      stepflow.QueueStatusQueued,
		CreatedAt:   scheduledAt,
		UpdatedAt:   scheduledAt,
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertQueueItem(context.Background(), item)
	}))
	return item
}

func TestClaimBatchOrdering(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := seedExecution(t, s, now)
	ctx := context.Background()

	low := enqueue(t, s, exec.ID, 0, now.Add(-2*time.Second))
	high := enqueue(t, s, exec.ID, 5, now.Add(-1*time.Second))
	enqueue(t, s, exec.ID, 9, now.Add(time.Hour))

	claim, err := s.ClaimBatch(ctx, now, 10)
	require.NoError(t, err)
	defer claim.Rollback(ctx)

	items := claim.Items()
	require.Len(t, items, 2, "future item must not be claimable")
	assert.Equal(t, high.ID, items[0].ID, "higher priority first")
	assert.Equal(t, low.ID, items[1].ID)
}

func TestClaimBatchTimeGatedItem(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := seedExecution(t, s, now)
	ctx := context.Background()

	runAfter := now.Add(30 * time.Second)
	item := &stepflow.QueueItem{
		ExecutionID: exec.ID,
		ScheduledAt: runAfter,
		RunAfter:    &runAfter,
		Status:      stepflow.QueueStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertQueueItem(ctx, item)
	}))

	claim, err := s.ClaimBatch(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claim.Items())
	require.NoError(t, claim.Commit(ctx))

	claim, err = s.ClaimBatch(ctx, runAfter, 10)
	require.NoError(t, err)
	assert.Len(t, claim.Items(), 1)
	require.NoError(t, claim.Rollback(ctx))
}

func TestClaimAtMostOnce(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := seedExecution(t, s, now)
	ctx := context.Background()

	enqueue(t, s, exec.ID, 0, now.Add(-time.Second))

	const claimers = 8
	var wg sync.WaitGroup
	winners := make(chan int, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claim, err := s.ClaimBatch(ctx, now, 1)
			if err != nil {
				return
			}
			if len(claim.Items()) > 0 {
				winners <- n
			}
			claim.Commit(ctx)
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "exactly one claimer wins the item")
}

func TestClaimRollbackRestoresQueue(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := seedExecution(t, s, now)
	ctx := context.Background()

	item := enqueue(t, s, exec.ID, 0, now.Add(-time.Second))

	claim, err := s.ClaimBatch(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claim.Items(), 1)

	// a second claimer skips the held item
	other, err := s.ClaimBatch(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, other.Items())
	require.NoError(t, other.Commit(ctx))

	// deleting then rolling back leaves the queue as it was
	require.NoError(t, claim.DeleteItem(ctx, item.ID))
	require.NoError(t, claim.Rollback(ctx))

	reclaim, err := s.ClaimBatch(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, reclaim.Items(), 1)
	assert.Equal(t, item.ID, reclaim.Items()[0].ID)
	require.NoError(t, reclaim.Rollback(ctx))
}

func TestClaimCommitConsumesDeletedItems(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := seedExecution(t, s, now)
	ctx := context.Background()

	consumed := enqueue(t, s, exec.ID, 0, now.Add(-2*time.Second))
	kept := enqueue(t, s, exec.ID, 0, now.Add(-time.Second))

	claim, err := s.ClaimBatch(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claim.Items(), 2)

	require.NoError(t, claim.DeleteItem(ctx, consumed.ID))
	require.NoError(t, claim.Commit(ctx))

	// the undeleted item returns to the queue; the deleted one is gone
	reclaim, err := s.ClaimBatch(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, reclaim.Items(), 1)
	assert.Equal(t, kept.ID, reclaim.Items()[0].ID)
	require.NoError(t, reclaim.Rollback(ctx))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := seedExecution(t, s, now)
	ctx := context.Background()

	boom := assert.AnError
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertQueueItem(ctx, &stepflow.QueueItem{
			ExecutionID: exec.ID,
			ScheduledAt: now,
			Status:      stepflow.QueueStatusQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	claim, err := s.ClaimBatch(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claim.Items(), "rolled-back insert must not be visible")
	require.NoError(t, claim.Commit(ctx))
}

func TestLatestVersionIsLexicographic(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	wf, err := s.UpsertWorkflow(ctx, "wf", "", now)
	require.NoError(t, err)

	for _, v := range []string{"1.0.0", "1.10.0", "1.2.0"} {
		require.NoError(t, s.CreateVersion(ctx, &stepflow.WorkflowVersion{
			WorkflowID: wf.ID,
			Version:    v,
			Definition: json.RawMessage(`{"startAt":"a","states":{"a":{"type":"Success"}}}`),
			CreatedAt:  now,
			UpdatedAt:  now,
		}))
	}

	latest, err := s.LatestVersion(ctx, "wf")
	require.NoError(t, err)
	// lexicographic, not semantic: "1.2.0" > "1.10.0"
	assert.Equal(t, "1.2.0", latest.Version)

	require.ErrorIs(t, s.CreateVersion(ctx, &stepflow.WorkflowVersion{
		WorkflowID: wf.ID,
		Version:    "1.2.0",
		Definition: json.RawMessage(`{}`),
	}), ErrAlreadyExists)
}

func TestIdempotencyStoreTTL(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, "hash1", "exec-1", now, now.Add(24*time.Hour)))

	id, ok, err := s.Lookup(ctx, "hash1", now.Add(23*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-1", id)

	_, ok, err = s.Lookup(ctx, "hash1", now.Add(25*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	purged, err := s.PurgeExpired(ctx, now.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}
