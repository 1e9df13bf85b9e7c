package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	stepflow "github.com/stepflow-dev/stepflow"
)

// MemoryStore implements ExecutionStore entirely in memory, for tests
// and embedded experimentation. Claims are modeled by flipping items to
// PROCESSING; rollback restores them.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64

	workflows  map[int64]*stepflow.Workflow
	versions   map[int64]*stepflow.WorkflowVersion
	executions map[int64]*stepflow.WorkflowExecution
	steps      map[int64]*stepflow.ExecutionStep
	queue      map[int64]*stepflow.QueueItem
	history    []*stepflow.HistoryEvent
}

// NewMemoryStore creates an empty in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[int64]*stepflow.Workflow),
		versions:   make(map[int64]*stepflow.WorkflowVersion),
		executions: make(map[int64]*stepflow.WorkflowExecution),
		steps:      make(map[int64]*stepflow.ExecutionStep),
		queue:      make(map[int64]*stepflow.QueueItem),
	}
}

func (s *MemoryStore) allocID() int64 {
	s.nextID++
	return s.nextID
}

// deep copy helpers; callers never observe shared mutable state

func copyExecution(e *stepflow.WorkflowExecution) *stepflow.WorkflowExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Input = append([]byte(nil), e.Input...)
	c.Output = append([]byte(nil), e.Output...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func copyStep(st *stepflow.ExecutionStep) *stepflow.ExecutionStep {
	if st == nil {
		return nil
	}
	c := *st
	c.Input = append([]byte(nil), st.Input...)
	c.Output = append([]byte(nil), st.Output...)
	for _, pair := range []struct {
		src *time.Time
		dst **time.Time
	}{{st.RunAfter, &c.RunAfter}, {st.StartedAt, &c.StartedAt}, {st.CompletedAt, &c.CompletedAt}} {
		if pair.src != nil {
			t := *pair.src
			*pair.dst = &t
		} else {
			*pair.dst = nil
		}
	}
	return &c
}

func copyQueueItem(q *stepflow.QueueItem) *stepflow.QueueItem {
	if q == nil {
		return nil
	}
	c := *q
	if q.RunAfter != nil {
		t := *q.RunAfter
		c.RunAfter = &t
	}
	return &c
}

func copyEvent(ev *stepflow.HistoryEvent) *stepflow.HistoryEvent {
	if ev == nil {
		return nil
	}
	c := *ev
	c.EventData = append([]byte(nil), ev.EventData...)
	return &c
}

func copyVersion(v *stepflow.WorkflowVersion) *stepflow.WorkflowVersion {
	if v == nil {
		return nil
	}
	c := *v
	c.Definition = append([]byte(nil), v.Definition...)
	return &c
}

type memorySnapshot struct {
	executions map[int64]*stepflow.WorkflowExecution
	steps      map[int64]*stepflow.ExecutionStep
	queue      map[int64]*stepflow.QueueItem
	historyLen int
	nextID     int64
}

func (s *MemoryStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		executions: make(map[int64]*stepflow.WorkflowExecution, len(s.executions)),
		steps:      make(map[int64]*stepflow.ExecutionStep, len(s.steps)),
		queue:      make(map[int64]*stepflow.QueueItem, len(s.queue)),
		historyLen: len(s.history),
		nextID:     s.nextID,
	}
	for id, e := range s.executions {
		snap.executions[id] = copyExecution(e)
	}
	for id, st := range s.steps {
		snap.steps[id] = copyStep(st)
	}
	for id, q := range s.queue {
		snap.queue[id] = copyQueueItem(q)
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.executions = snap.executions
	s.steps = snap.steps
	s.queue = snap.queue
	s.history = s.history[:snap.historyLen]
	s.nextID = snap.nextID
}

// --- Workflow registry ---

func (s *MemoryStore) UpsertWorkflow(ctx context.Context, name, description string, now time.Time) (*stepflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, wf := range s.workflows {
		if wf.Name == name {
			if description != "" {
				wf.Description = description
				wf.UpdatedAt = now
			}
			c := *wf
			return &c, nil
		}
	}

	wf := &stepflow.Workflow{
		ID:          s.allocID(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.workflows[wf.ID] = wf
	c := *wf
	return &c, nil
}

func (s *MemoryStore) GetWorkflowByName(ctx context.Context, name string) (*stepflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, wf := range s.workflows {
		if wf.Name == name {
			c := *wf
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateVersion(ctx context.Context, version *stepflow.WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[version.WorkflowID]; !ok {
		return ErrNotFound
	}
	for _, v := range s.versions {
		if v.WorkflowID == version.WorkflowID && v.Version == version.Version {
			return ErrAlreadyExists
		}
	}
	version.ID = s.allocID()
	s.versions[version.ID] = copyVersion(version)
	return nil
}

func (s *MemoryStore) versionsOf(name string) []*stepflow.WorkflowVersion {
	var wfID int64 = -1
	for _, wf := range s.workflows {
		if wf.Name == name {
			wfID = wf.ID
			break
		}
	}
	if wfID < 0 {
		return nil
	}
	var out []*stepflow.WorkflowVersion
	for _, v := range s.versions {
		if v.WorkflowID == wfID {
			out = append(out, copyVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Version, out[j].Version) > 0
	})
	return out
}

func (s *MemoryStore) GetVersion(ctx context.Context, workflowName, version string) (*stepflow.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versionsOf(workflowName) {
		if v.Version == version {
			return v, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetVersionByID(ctx context.Context, id int64) (*stepflow.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyVersion(v), nil
}

func (s *MemoryStore) LatestVersion(ctx context.Context, workflowName string) (*stepflow.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.versionsOf(workflowName)
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions[0], nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, workflowName string) ([]*stepflow.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionsOf(workflowName), nil
}

// --- Read-only projections ---

func (s *MemoryStore) GetExecutionByExecutionID(ctx context.Context, executionID string) (*stepflow.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.executions {
		if e.ExecutionID == executionID {
			return copyExecution(e), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*stepflow.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var versionIDs map[int64]bool
	if filter.WorkflowName != "" {
		versionIDs = make(map[int64]bool)
		for _, v := range s.versionsOf(filter.WorkflowName) {
			versionIDs[v.ID] = true
		}
	}

	var out []*stepflow.WorkflowExecution
	for _, e := range s.executions {
		if versionIDs != nil && !versionIDs[e.WorkflowVersionID] {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		out = append(out, copyExecution(e))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, executionID int64) ([]*stepflow.ExecutionStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*stepflow.ExecutionStep
	for _, st := range s.steps {
		if st.ExecutionID == executionID {
			out = append(out, copyStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetStepByID(ctx context.Context, executionID, stepID int64) (*stepflow.ExecutionStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[stepID]
	if !ok || st.ExecutionID != executionID {
		return nil, ErrNotFound
	}
	return copyStep(st), nil
}

func (s *MemoryStore) ListHistory(ctx context.Context, executionID int64) ([]*stepflow.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*stepflow.HistoryEvent
	for _, ev := range s.history {
		if ev.ExecutionID == executionID {
			out = append(out, copyEvent(ev))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// --- Transactions ---

type memoryTx struct {
	s *MemoryStore
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memoryTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (t *memoryTx) InsertExecution(ctx context.Context, e *stepflow.WorkflowExecution) error {
	e.ID = t.s.allocID()
	t.s.executions[e.ID] = copyExecution(e)
	return nil
}

func (t *memoryTx) GetExecution(ctx context.Context, id int64) (*stepflow.WorkflowExecution, error) {
	e, ok := t.s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecution(e), nil
}

func (t *memoryTx) GetExecutionForUpdate(ctx context.Context, id int64) (*stepflow.WorkflowExecution, error) {
	return t.GetExecution(ctx, id)
}

func (t *memoryTx) UpdateExecution(ctx context.Context, e *stepflow.WorkflowExecution) error {
	if _, ok := t.s.executions[e.ID]; !ok {
		return ErrNotFound
	}
	t.s.executions[e.ID] = copyExecution(e)
	return nil
}

func (t *memoryTx) InsertStep(ctx context.Context, st *stepflow.ExecutionStep) error {
	st.ID = t.s.allocID()
	t.s.steps[st.ID] = copyStep(st)
	return nil
}

func (t *memoryTx) UpdateStep(ctx context.Context, st *stepflow.ExecutionStep) error {
	if _, ok := t.s.steps[st.ID]; !ok {
		return ErrNotFound
	}
	t.s.steps[st.ID] = copyStep(st)
	return nil
}

func (t *memoryTx) GetStepByName(ctx context.Context, executionID int64, stepName string) (*stepflow.ExecutionStep, error) {
	// the newest step wins when a state was visited more than once
	var found *stepflow.ExecutionStep
	for _, st := range t.s.steps {
		if st.ExecutionID == executionID && st.StepName == stepName {
			if found == nil || st.ID > found.ID {
				found = st
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyStep(found), nil
}

func (t *memoryTx) InsertQueueItem(ctx context.Context, item *stepflow.QueueItem) error {
	item.ID = t.s.allocID()
	t.s.queue[item.ID] = copyQueueItem(item)
	return nil
}

func (t *memoryTx) DeleteQueueItem(ctx context.Context, id int64) (bool, error) {
	if _, ok := t.s.queue[id]; !ok {
		return false, nil
	}
	delete(t.s.queue, id)
	return true, nil
}

func (t *memoryTx) DeleteQueueItems(ctx context.Context, executionID int64) (int, error) {
	deleted := 0
	for id, item := range t.s.queue {
		// claimed items are skipped; the claim holder disposes of them
		if item.ExecutionID == executionID && item.Status == stepflow.QueueStatusQueued {
			delete(t.s.queue, id)
			deleted++
		}
	}
	return deleted, nil
}

func (t *memoryTx) AppendHistory(ctx context.Context, event *stepflow.HistoryEvent) error {
	event.ID = t.s.allocID()
	t.s.history = append(t.s.history, copyEvent(event))
	return nil
}

// --- Claims ---

type memoryClaim struct {
	s       *MemoryStore
	items   []*stepflow.QueueItem
	deleted map[int64]*stepflow.QueueItem
	done    bool
}

func (s *MemoryStore) ClaimBatch(ctx context.Context, now time.Time, limit int) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*stepflow.QueueItem
	for _, item := range s.queue {
		if item.Status != stepflow.QueueStatusQueued {
			continue
		}
		if item.ScheduledAt.After(now) {
			continue
		}
		if item.RunAfter != nil && item.RunAfter.After(now) {
			continue
		}
		eligible = append(eligible, item)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		if !eligible[i].ScheduledAt.Equal(eligible[j].ScheduledAt) {
			return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claim := &memoryClaim{s: s, deleted: make(map[int64]*stepflow.QueueItem)}
	for _, item := range eligible {
		item.Status = stepflow.QueueStatusProcessing
		item.UpdatedAt = now
		claim.items = append(claim.items, copyQueueItem(item))
	}
	return claim, nil
}

func (c *memoryClaim) Items() []*stepflow.QueueItem {
	return c.items
}

func (c *memoryClaim) DeleteItem(ctx context.Context, id int64) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if item, ok := c.s.queue[id]; ok {
		c.deleted[id] = item
		delete(c.s.queue, id)
	}
	return nil
}

func (c *memoryClaim) Commit(ctx context.Context) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if c.done {
		return nil
	}
	c.done = true
	// items claimed but not consumed go back to the queue
	for _, claimed := range c.items {
		if item, ok := c.s.queue[claimed.ID]; ok && item.Status == stepflow.QueueStatusProcessing {
			item.Status = stepflow.QueueStatusQueued
		}
	}
	return nil
}

func (c *memoryClaim) Rollback(ctx context.Context) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if c.done {
		return nil
	}
	c.done = true
	for id, item := range c.deleted {
		item.Status = stepflow.QueueStatusQueued
		c.s.queue[id] = item
	}
	for _, claimed := range c.items {
		if item, ok := c.s.queue[claimed.ID]; ok && item.Status == stepflow.QueueStatusProcessing {
			item.Status = stepflow.QueueStatusQueued
		}
	}
	return nil
}

func (s *MemoryStore) ReleaseStaleClaims(ctx context.Context, threshold time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, item := range s.queue {
		if item.Status == stepflow.QueueStatusProcessing && item.UpdatedAt.Before(threshold) {
			item.Status = stepflow.QueueStatusQueued
			released++
		}
	}
	return released, nil
}

// --- Scheduler queries ---

func (s *MemoryStore) FindStuckSteps(ctx context.Context, threshold time.Time, limit int) ([]*stepflow.ExecutionStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*stepflow.ExecutionStep
	for _, st := range s.steps {
		if st.Status == stepflow.StepStatusRunning && st.StartedAt != nil && st.StartedAt.Before(threshold) {
			out = append(out, copyStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(*out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindDueWaitSteps(ctx context.Context, now time.Time, limit int) ([]*stepflow.ExecutionStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*stepflow.ExecutionStep
	for _, st := range s.steps {
		if st.Status == stepflow.StepStatusWaiting && st.RunAfter != nil && !st.RunAfter.After(now) {
			out = append(out, copyStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RunAfter.Before(*out[j].RunAfter)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// MemoryIdempotencyStore is the in-memory IdempotencyStore.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]idempotencyRecord
}

type idempotencyRecord struct {
	executionID string
	expiresAt   time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory key store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]idempotencyRecord)}
}

func (s *MemoryIdempotencyStore) Lookup(ctx context.Context, keyHash string, now time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyHash]
	if !ok || rec.expiresAt.Before(now) {
		return "", false, nil
	}
	return rec.executionID, true, nil
}

func (s *MemoryIdempotencyStore) Record(ctx context.Context, keyHash, executionID string, now, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[keyHash] = idempotencyRecord{executionID: executionID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryIdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, rec := range s.records {
		if rec.expiresAt.Before(now) {
			delete(s.records, key)
			purged++
		}
	}
	return purged, nil
}
