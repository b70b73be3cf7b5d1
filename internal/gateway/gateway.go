package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/foreman/internal/task"
)

// Adapter posts task announcements to one chat platform.
type Adapter interface {
	Platform() string
	Announce(ctx context.Context, a *Announcement) error
	Close() error
}

// Announcement is the normalized terminal-state notice sent to platforms.
type Announcement struct {
	TaskID     string
	Status     task.Status
	Query      string
	Error      string
	Iterations int
	MaxIter    int
}

// queryLimit bounds how much of a query is quoted in chat messages.
const queryLimit = 140

// Render formats the announcement as platform-agnostic markdown.
func (a *Announcement) Render() string {
	q := a.Query
	if len(q) > queryLimit {
		q = q[:queryLimit] + "..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task %s %s after %d/%d iterations\n> %s",
		a.TaskID, a.Status, a.Iterations, a.MaxIter, q)
	if a.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", a.Error)
	}
	return b.String()
}

// Gateway fans task announcements out to all registered platform adapters.
// Announcement failures are logged and never propagated; chat platforms are
// observers, not participants, in the task lifecycle.
type Gateway struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Gateway {
	return &Gateway{
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

// Register adds a platform adapter.
func (g *Gateway) Register(adapter Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapters[adapter.Platform()] = adapter
	g.logger.Info("registered announcement adapter",
		zap.String("platform", adapter.Platform()))
}

// Adapters returns the registered platform names.
func (g *Gateway) Adapters() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.adapters))
	for p := range g.adapters {
		names = append(names, p)
	}
	return names
}

// Announce notifies every platform that a task reached a terminal state.
func (g *Gateway) Announce(ctx context.Context, snapshot *task.Task) {
	g.mu.RLock()
	adapters := make([]Adapter, 0, len(g.adapters))
	for _, a := range g.adapters {
		adapters = append(adapters, a)
	}
	g.mu.RUnlock()

	if len(adapters) == 0 {
		return
	}

	ann := &Announcement{
		TaskID:     snapshot.ID,
		Status:     snapshot.Status,
		Query:      snapshot.Query,
		Error:      snapshot.Error,
		Iterations: snapshot.IterationCount,
		MaxIter:    snapshot.MaxIterations,
	}
	for _, adapter := range adapters {
		if err := adapter.Announce(ctx, ann); err != nil {
			g.logger.Warn("announcement failed",
				zap.String("platform", adapter.Platform()),
				zap.String("task_id", snapshot.ID),
				zap.Error(err))
		}
	}
}

// Close shuts down all adapters.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for platform, adapter := range g.adapters {
		if err := adapter.Close(); err != nil {
			g.logger.Error("adapter close failed",
				zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}
