package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stepflow "github.com/stepflow-dev/stepflow"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbFile := filepath.Join(t.TempDir(), "stepflow_test.db")
	s, err := NewSQLiteStore("file:" + dbFile)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, MigrateSQLite(s.DB()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	wf, err := s.UpsertWorkflow(ctx, "order", "order intake", now)
	require.NoError(t, err)
	require.NotZero(t, wf.ID)

	version := &stepflow.WorkflowVersion{
		WorkflowID: wf.ID,
		Version:    "1.0.0",
		Definition: json.RawMessage(`{"startAt":"a","states":{"a":{"type":"Success"}}}`),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateVersion(ctx, version))
	require.ErrorIs(t, s.CreateVersion(ctx, &stepflow.WorkflowVersion{
		WorkflowID: wf.ID, Version: "1.0.0",
		Definition: version.Definition, CreatedAt: now, UpdatedAt: now,
	}), ErrAlreadyExists)

	fetched, err := s.GetVersion(ctx, "order", "1.0.0")
	require.NoError(t, err)
	assert.JSONEq(t, string(version.Definition), string(fetched.Definition))

	var exec *stepflow.WorkflowExecution
	var step *stepflow.ExecutionStep
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		exec = &stepflow.WorkflowExecution{
			WorkflowVersionID: version.ID,
			ExecutionID:       "exec-1",
			Status:            stepflow.ExecutionStatusRunning,
			CurrentState:      "a",
			Input:             json.RawMessage(`{"orderId":"X"}`),
			StartedAt:         now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.InsertExecution(ctx, exec); err != nil {
			return err
		}
		step = &stepflow.ExecutionStep{
			ExecutionID: exec.ID,
			StepName:    "a",
			StepType:    stepflow.StepTypeSuccess,
			Status:      stepflow.StepStatusPending,
			Input:       exec.Input,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertStep(ctx, step); err != nil {
			return err
		}
		if err := tx.InsertQueueItem(ctx, &stepflow.QueueItem{
			ExecutionID: exec.ID,
			ScheduledAt: now,
			Status:      stepflow.QueueStatusQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, &stepflow.HistoryEvent{
			ExecutionID: exec.ID,
			EventType:   stepflow.EventExecutionStarted,
			Timestamp:   now,
		})
	}))

	t.Run("Projections", func(t *testing.T) {
		got, err := s.GetExecutionByExecutionID(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, exec.ID, got.ID)
		assert.Equal(t, stepflow.ExecutionStatusRunning, got.Status)
		assert.JSONEq(t, `{"orderId":"X"}`, string(got.Input))
		assert.Equal(t, now, got.StartedAt)

		steps, err := s.ListSteps(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, "a", steps[0].StepName)

		events, err := s.ListHistory(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, stepflow.EventExecutionStarted, events[0].EventType)
	})

	t.Run("ClaimLifecycle", func(t *testing.T) {
		claim, err := s.ClaimBatch(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, claim.Items(), 1)
		item := claim.Items()[0]

		// a second claimer sees nothing while the item is held
		other, err := s.ClaimBatch(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, other.Items())
		require.NoError(t, other.Commit(ctx))

		require.NoError(t, claim.Rollback(ctx))

		// released items become claimable again
		claim, err = s.ClaimBatch(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, claim.Items(), 1)
		require.NoError(t, claim.DeleteItem(ctx, item.ID))
		require.NoError(t, claim.Commit(ctx))

		claim, err = s.ClaimBatch(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, claim.Items())
		require.NoError(t, claim.Commit(ctx))
	})

	t.Run("StaleClaimRelease", func(t *testing.T) {
		var item *stepflow.QueueItem
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			item = &stepflow.QueueItem{
				ExecutionID: exec.ID,
				ScheduledAt: now,
				Status:      stepflow.QueueStatusQueued,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			return tx.InsertQueueItem(ctx, item)
		}))

		claim, err := s.ClaimBatch(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, claim.Items(), 1)
		// the claimer dies without releasing

		released, err := s.ReleaseStaleClaims(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, released)

		reclaim, err := s.ClaimBatch(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, reclaim.Items(), 1)
		require.NoError(t, reclaim.DeleteItem(ctx, item.ID))
		require.NoError(t, reclaim.Commit(ctx))
	})

	t.Run("StepUpdateAndQueries", func(t *testing.T) {
		started := now.Add(time.Second)
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			st, err := tx.GetStepByName(ctx, exec.ID, "a")
			if err != nil {
				return err
			}
			st.Status = stepflow.StepStatusRunning
			st.StartedAt = &started
			st.UpdatedAt = started
			return tx.UpdateStep(ctx, st)
		}))

		stuck, err := s.FindStuckSteps(ctx, now.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, step.ID, stuck[0].ID)

		stuck, err = s.FindStuckSteps(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, stuck, "steps started after the threshold are not stuck")
	})

	t.Run("CompleteTerminalState", func(t *testing.T) {
		completed := now.Add(2 * time.Second)
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			current, err := tx.GetExecutionForUpdate(ctx, exec.ID)
			if err != nil {
				return err
			}
			current.Status = stepflow.ExecutionStatusCompleted
			current.Output = json.RawMessage(`{"done":true}`)
			current.CompletedAt = &completed
			current.UpdatedAt = completed
			return tx.UpdateExecution(ctx, current)
		}))

		got, err := s.GetExecutionByExecutionID(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, stepflow.ExecutionStatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)
		assert.Equal(t, completed, *got.CompletedAt)
	})
}

func TestSQLiteIdempotencyStore(t *testing.T) {
	s := newTestSQLiteStore(t)
	idem := NewSQLiteIdempotencyStore(s.DB())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, idem.Record(ctx, "hash1", "exec-1", now, now.Add(24*time.Hour)))

	id, ok, err := idem.Lookup(ctx, "hash1", now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-1", id)

	// a live key is not overwritten
	require.NoError(t, idem.Record(ctx, "hash1", "exec-2", now.Add(time.Hour), now.Add(25*time.Hour)))
	id, ok, err = idem.Lookup(ctx, "hash1", now.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-1", id)

	// an expired key is replaced
	later := now.Add(30 * time.Hour)
	require.NoError(t, idem.Record(ctx, "hash1", "exec-3", later, later.Add(24*time.Hour)))
	id, ok, err = idem.Lookup(ctx, "hash1", later.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-3", id)

	purged, err := idem.PurgeExpired(ctx, later.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}
