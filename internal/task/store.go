package task

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTaskNotFound is returned when a task identifier is unknown to the store.
var ErrTaskNotFound = errors.New("task not found")

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Status Status
}

// Store is the canonical keyed storage for task state. Update applies the
// mutator atomically with respect to concurrent readers and other updates of
// the same identifier; unrelated identifiers proceed in parallel. Get and
// List return deep-copied snapshots that never observe a partial mutation.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, id string, mutate func(*Task) error) (*Task, error)
	List(ctx context.Context, f Filter) ([]*Summary, error)
}

// entry pairs a task with its own mutex so updates to one identifier never
// serialize against updates to another.
type entry struct {
	mu   sync.Mutex
	task *Task
}

// MemStore is the in-memory Store implementation.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]*entry)}
}

// Create registers a new task. Identifiers are never reused; creating a
// duplicate is an error.
func (s *MemStore) Create(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[t.ID]; exists {
		return errors.New("task id already exists: " + t.ID)
	}
	s.entries[t.ID] = &entry{task: t.Clone()}
	return nil
}

// Get returns a snapshot of the task.
func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// Update applies mutate under the task's own lock and returns the resulting
// snapshot. UpdatedAt is refreshed on every successful mutation.
func (s *MemStore) Update(_ context.Context, id string, mutate func(*Task) error) (*Task, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := mutate(e.task); err != nil {
		return nil, err
	}
	e.task.UpdatedAt = time.Now().UTC()
	return e.task.Clone(), nil
}

// List returns summaries of all tasks matching the filter.
func (s *MemStore) List(_ context.Context, f Filter) ([]*Summary, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	summaries := make([]*Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if f.Status == "" || e.task.Status == f.Status {
			summaries = append(summaries, e.task.Summarize())
		}
		e.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}
