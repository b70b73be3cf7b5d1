package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/foreman/internal/task"
)

// DefaultBuffer is the per-subscriber event buffer when none is configured.
const DefaultBuffer = 16

// Subscription is one observer's live event stream. Events() yields task
// snapshots until the subscription is closed; a subscriber that stops
// draining loses its oldest events, never blocking the publisher.
type Subscription struct {
	taskID   string
	ch       chan *task.Task
	mu       sync.Mutex
	done     bool
	once     sync.Once
	notifier *Notifier
}

// Events returns the snapshot channel. It is closed when the subscription
// is cancelled.
func (s *Subscription) Events() <-chan *task.Task {
	return s.ch
}

// Close detaches the subscriber. Safe to call more than once and safe to
// call concurrently with Publish.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.notifier.unsubscribe(s)
		s.mu.Lock()
		s.done = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// Notifier is a publish/subscribe fan-out keyed by task identifier.
// Delivery is best-effort and at-most-once-per-change; the notifier never
// owns task state, it only observes completed mutations.
type Notifier struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *zap.Logger
}

// NewNotifier creates a notifier with the given per-subscriber buffer size.
func NewNotifier(buffer int, logger *zap.Logger) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Notifier{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe attaches a live observer to the given task identifier.
func (n *Notifier) Subscribe(taskID string) *Subscription {
	s := &Subscription{
		taskID:   taskID,
		ch:       make(chan *task.Task, n.buffer),
		notifier: n,
	}
	n.mu.Lock()
	if n.subs[taskID] == nil {
		n.subs[taskID] = make(map[*Subscription]struct{})
	}
	n.subs[taskID][s] = struct{}{}
	n.mu.Unlock()
	return s
}

func (n *Notifier) unsubscribe(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.subs[s.taskID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(n.subs, s.taskID)
	}
}

// Publish delivers a snapshot to every live subscriber of the task. A full
// subscriber buffer drops its oldest pending event; Publish itself never
// blocks.
func (n *Notifier) Publish(taskID string, snapshot *task.Task) {
	n.mu.Lock()
	subs := make([]*Subscription, 0, len(n.subs[taskID]))
	for s := range n.subs[taskID] {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.deliver(snapshot)
	}
}

// deliver pushes one snapshot without ever blocking. The subscription mutex
// only serializes delivery against Close; the consumer drains concurrently.
func (s *Subscription) deliver(snapshot *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}

	select {
	case s.ch <- snapshot:
	default:
		// Buffer full: drop the oldest pending event, then deliver.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshot:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscribers for a task.
func (n *Notifier) SubscriberCount(taskID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[taskID])
}
