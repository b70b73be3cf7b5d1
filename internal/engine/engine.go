package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/foreman/internal/notify"
	"github.com/nidhogg/foreman/internal/supervisor"
	"github.com/nidhogg/foreman/internal/task"
	"github.com/nidhogg/foreman/internal/worker"
)

var (
	// ErrEmptyQuery rejects submissions without a query.
	ErrEmptyQuery = errors.New("query must not be empty")
	// ErrTaskTerminal is returned when cancelling a task that already
	// reached a terminal state.
	ErrTaskTerminal = errors.New("task already in a terminal state")
	// ErrShuttingDown rejects submissions during shutdown.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// Decider produces routing decisions. Implemented by supervisor.Supervisor.
type Decider interface {
	Decide(ctx context.Context, snapshot *task.Task) *supervisor.Decision
}

// Worker runs one role-scoped step. Implemented by worker.Invoker.
type Worker interface {
	Invoke(ctx context.Context, role worker.Role, snapshot *task.Task) *worker.StepResult
}

// Mirror copies snapshots to an external stream. Implemented by
// notify.Stream.
type Mirror interface {
	Publish(ctx context.Context, snapshot *task.Task) error
}

// Announcer posts terminal-state notices to chat platforms.
type Announcer interface {
	Announce(ctx context.Context, snapshot *task.Task)
}

// Indexer stores completed results for later recall. Implemented by
// knowledge.Base.
type Indexer interface {
	IndexResult(ctx context.Context, taskID, query, result string) error
}

// Hooks are the optional side effects the engine fires on task events. All
// of them are best-effort; a hook failure never changes task state.
type Hooks struct {
	Mirror   Mirror
	Announce Announcer
	Index    Indexer
}

// Config tunes the engine.
type Config struct {
	// MaxIterations is the per-task step budget applied when a submission
	// does not carry its own.
	MaxIterations int
	// MaxConcurrent bounds the number of task loops running at once.
	MaxConcurrent int
	// FailureThreshold is the number of consecutive failures of the same
	// role that fails a task.
	FailureThreshold int
}

func (c *Config) defaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
}

// Submission is the client request to run a task.
type Submission struct {
	Query         string
	TaskType      string
	Priority      int
	MaxIterations int
}

// Engine drives tasks through the supervisor/worker loop. Each submitted
// task runs in its own goroutine, gated by a concurrency semaphore; all
// state lives in the Store, and every mutation is followed by a notifier
// publish so observers see each change exactly as it was committed.
type Engine struct {
	store    task.Store
	decider  Decider
	workers  Worker
	notifier *notify.Notifier
	hooks    Hooks
	cfg      Config
	logger   *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	// root is cancelled on shutdown; per-task contexts derive from it.
	root context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

func New(store task.Store, decider Decider, workers Worker, notifier *notify.Notifier, hooks Hooks, cfg Config, logger *zap.Logger) *Engine {
	cfg.defaults()
	root, stop := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		decider:  decider,
		workers:  workers,
		notifier: notifier,
		hooks:    hooks,
		cfg:      cfg,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		root:     root,
		stop:     stop,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Submit registers a new task and starts its loop. The returned snapshot is
// the freshly created pending task.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*task.Task, error) {
	if strings.TrimSpace(sub.Query) == "" {
		return nil, ErrEmptyQuery
	}
	if sub.TaskType == "" {
		sub.TaskType = "general"
	}
	if sub.MaxIterations <= 0 {
		sub.MaxIterations = e.cfg.MaxIterations
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:            uuid.NewString(),
		Query:         sub.Query,
		TaskType:      sub.TaskType,
		Priority:      sub.Priority,
		Status:        task.StatusPending,
		MaxIterations: sub.MaxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	taskCtx, cancel := context.WithCancel(e.root)
	e.cancels[t.ID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(taskCtx, t.ID)

	e.logger.Info("task submitted",
		zap.String("task_id", t.ID),
		zap.String("task_type", t.TaskType),
		zap.Int("max_iterations", t.MaxIterations))
	return t.Clone(), nil
}

// Get returns a snapshot of one task.
func (e *Engine) Get(ctx context.Context, id string) (*task.Task, error) {
	return e.store.Get(ctx, id)
}

// List returns task summaries matching the filter, newest first.
func (e *Engine) List(ctx context.Context, f task.Filter) ([]*task.Summary, error) {
	return e.store.List(ctx, f)
}

// Subscribe attaches a live observer to a task's progress events.
func (e *Engine) Subscribe(taskID string) *notify.Subscription {
	return e.notifier.Subscribe(taskID)
}

// Cancel requests cooperative cancellation. A pending task is cancelled
// immediately; a running task stops at its next checkpoint, discarding any
// in-flight step result. Cancelling a terminal task is an error.
func (e *Engine) Cancel(ctx context.Context, id string) (*task.Task, error) {
	snap, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Status.Terminal() {
		return nil, ErrTaskTerminal
	}

	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}

	// A still-pending task has done no work; cancel it in place rather
	// than waiting for its loop to start. The status guard keeps this from
	// racing a loop that began in the meantime.
	updated, err := e.store.Update(ctx, id, func(t *task.Task) error {
		if t.Status != task.StatusPending {
			return nil
		}
		t.Status = task.StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.Status == task.StatusCancelled {
		e.publish(updated)
		e.onTerminal(updated)
	}
	return updated, nil
}

// Shutdown stops accepting submissions, cancels running loops, and waits
// for them to finish or the context to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the per-task step loop. Cancellation is checked at every
// checkpoint: before the step, after the routing decision, and after the
// worker returns. A result that arrives after cancellation is discarded,
// never appended.
func (e *Engine) run(ctx context.Context, id string) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
	}()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		e.finalize(id, task.StatusCancelled, "")
		return
	}
	defer func() { <-e.sem }()

	snap, err := e.store.Update(context.Background(), id, func(t *task.Task) error {
		if err := task.Transition(t.Status, task.StatusRunning); err != nil {
			return err
		}
		t.Status = task.StatusRunning
		return nil
	})
	if err != nil {
		// Cancelled while pending.
		return
	}
	e.publish(snap)

	for {
		if ctx.Err() != nil {
			e.finalize(id, task.StatusCancelled, "")
			return
		}

		if snap.IterationCount >= snap.MaxIterations {
			e.finalize(id, task.StatusCompleted, "")
			return
		}

		// The decision call runs on the engine's root context so a task
		// cancel never interrupts it mid-flight; the checkpoint below
		// discards its outcome instead.
		dec := e.decider.Decide(e.root, snap)
		if ctx.Err() != nil {
			e.finalize(id, task.StatusCancelled, "")
			return
		}
		if dec.Completed {
			e.logger.Info("task routed to completion",
				zap.String("task_id", id),
				zap.String("reason", dec.Reason),
				zap.Int("iterations", snap.IterationCount))
			e.finalize(id, task.StatusCompleted, "")
			return
		}

		res := e.workers.Invoke(e.root, dec.NextRole, snap)
		if ctx.Err() != nil {
			e.finalize(id, task.StatusCancelled, "")
			return
		}

		snap, err = e.store.Update(context.Background(), id, func(t *task.Task) error {
			t.History = append(t.History, task.StepRecord{
				AgentRole:    string(res.Role),
				InputContext: res.InputContext,
				Output:       res.Output,
				Err:          res.Err,
				Timestamp:    time.Now().UTC(),
			})
			t.IterationCount = len(t.History)
			if res.Success {
				t.MarkAgentCompleted(string(res.Role))
			}
			return nil
		})
		if err != nil {
			e.logger.Error("record step", zap.String("task_id", id), zap.Error(err))
			return
		}
		e.publish(snap)

		if streak := failureStreak(snap.History); streak >= e.cfg.FailureThreshold {
			role := snap.History[len(snap.History)-1].AgentRole
			e.finalize(id, task.StatusFailed,
				fmt.Sprintf("agent %q failed %d consecutive times", role, streak))
			return
		}
	}
}

// failureStreak counts trailing consecutive failures of the same role.
func failureStreak(history []task.StepRecord) int {
	if len(history) == 0 {
		return 0
	}
	last := history[len(history)-1]
	if last.Err == "" {
		return 0
	}
	streak := 0
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		if rec.Err == "" || rec.AgentRole != last.AgentRole {
			break
		}
		streak++
	}
	return streak
}

// finalize moves the task to a terminal state. A completed task gets its
// report synthesized from history; the error field stays empty on every
// completion path, including forced ones.
func (e *Engine) finalize(id string, status task.Status, errMsg string) {
	snap, err := e.store.Update(context.Background(), id, func(t *task.Task) error {
		if err := task.Transition(t.Status, status); err != nil {
			return err
		}
		t.Status = status
		if status == task.StatusCompleted {
			t.Result = synthesize(t)
		}
		if errMsg != "" {
			t.Error = errMsg
		}
		return nil
	})
	if err != nil {
		e.logger.Debug("finalize skipped",
			zap.String("task_id", id),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}

	e.logger.Info("task finished",
		zap.String("task_id", id),
		zap.String("status", string(status)),
		zap.Int("iterations", snap.IterationCount))
	e.publish(snap)
	e.onTerminal(snap)
}

// publish pushes a committed snapshot to in-process subscribers and, when
// configured, mirrors it to the external stream.
func (e *Engine) publish(snap *task.Task) {
	e.notifier.Publish(snap.ID, snap)
	if e.hooks.Mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.hooks.Mirror.Publish(ctx, snap); err != nil {
			e.logger.Warn("mirror publish failed",
				zap.String("task_id", snap.ID), zap.Error(err))
		}
	}
}

// onTerminal fires the terminal-state side effects.
func (e *Engine) onTerminal(snap *task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if e.hooks.Announce != nil {
		e.hooks.Announce.Announce(ctx, snap)
	}
	if e.hooks.Index != nil && snap.Status == task.StatusCompleted && snap.Result != "" {
		if err := e.hooks.Index.IndexResult(ctx, snap.ID, snap.Query, snap.Result); err != nil {
			e.logger.Warn("index result failed",
				zap.String("task_id", snap.ID), zap.Error(err))
		}
	}
}
