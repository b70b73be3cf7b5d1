package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTask(id string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:            id,
		Query:         "q",
		TaskType:      "research",
		Status:        StatusPending,
		MaxIterations: 10,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestMemStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	if err := s.Create(ctx, newTask("t1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, newTask("t1")); err == nil {
		t.Fatal("duplicate create should fail")
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("got status %s, want pending", got.Status)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}
}

func TestMemStoreUpdateAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	if err := s.Create(ctx, newTask("t1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	snap, err := s.Update(ctx, "t1", func(tk *Task) error {
		tk.Status = StatusRunning
		tk.History = append(tk.History, StepRecord{AgentRole: "researcher"})
		tk.IterationCount++
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if snap.Status != StatusRunning || snap.IterationCount != 1 {
		t.Errorf("snapshot not reflecting mutation: %+v", snap)
	}
	if snap.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not refreshed")
	}

	// Mutator error leaves nothing half-applied visible to the caller.
	if _, err := s.Update(ctx, "t1", func(tk *Task) error {
		return errors.New("boom")
	}); err == nil {
		t.Fatal("expected mutator error to propagate")
	}
}

func TestMemStoreUpdateMissing(t *testing.T) {
	s := NewMemStore()
	_, err := s.Update(context.Background(), "nope", func(*Task) error { return nil })
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}
}

// Concurrent per-id updates must serialize: iteration count and history
// length stay equal, and no increment is lost.
func TestMemStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	if err := s.Create(ctx, newTask("t1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(ctx, "t1", func(tk *Task) error {
				tk.History = append(tk.History, StepRecord{AgentRole: "analyst"})
				tk.IterationCount++
				return nil
			})
		}()
	}

	// Concurrent readers must always observe a consistent snapshot.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			snap, err := s.Get(ctx, "t1")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			if snap.IterationCount != len(snap.History) {
				t.Errorf("torn read: iteration_count=%d history=%d",
					snap.IterationCount, len(snap.History))
				return
			}
		}
	}()

	wg.Wait()
	<-done

	final, _ := s.Get(ctx, "t1")
	if final.IterationCount != n || len(final.History) != n {
		t.Errorf("lost updates: iteration_count=%d history=%d, want %d",
			final.IterationCount, len(final.History), n)
	}
}

func TestMemStoreListFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	a := newTask("a")
	a.CreatedAt = time.Now().Add(-time.Minute)
	b := newTask("b")
	b.Status = StatusRunning
	if err := s.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d summaries, want 2", len(all))
	}
	// Newest first.
	if all[0].ID != "b" {
		t.Errorf("got %q first, want %q", all[0].ID, "b")
	}

	running, err := s.List(ctx, Filter{Status: StatusRunning})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(running) != 1 || running[0].ID != "b" {
		t.Errorf("filtered list wrong: %+v", running)
	}
}
