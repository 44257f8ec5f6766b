package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentwire/a2a/types"
	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Publish after Close has been called
var ErrQueueClosed = errors.New("event queue is closed")

// EventFilter selects which events a subscriber receives. A nil filter
// receives everything.
type EventFilter func(event types.Event) bool

// FilterByTaskID builds a filter matching events bound to the given task.
// Events with an empty task id pass through so unbound messages still reach
// the caller that triggered them.
func FilterByTaskID(taskID string) EventFilter {
	return func(event types.Event) bool {
		id := event.EventTaskID()
		return id == "" || id == taskID
	}
}

// subscription is one consumer of a queue. Events are delivered on ch, which
// is closed after the queue drains.
type subscription struct {
	ch     chan types.Event
	filter EventFilter
}

// EventQueue is a bounded fan-out pipe between an agent executor and the
// consumers of its events. Publishers block when the buffer is full.
// Close drains buffered events to subscribers before closing their channels.
// A subscriber that stops reading is given writeTimeout to catch up, then
// evicted so it cannot stall the other subscribers forever.
type EventQueue struct {
	logger *zap.Logger

	events       chan types.Event
	closing      chan struct{}
	done         chan struct{}
	writeTimeout time.Duration

	mu          sync.Mutex
	subscribers []*subscription
	closed      bool
}

// NewEventQueue creates a queue with the given buffer capacity and starts
// its dispatch loop.
func NewEventQueue(logger *zap.Logger, capacity int, writeTimeout time.Duration) *EventQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	q := &EventQueue{
		logger:       logger,
		events:       make(chan types.Event, capacity),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}

	go q.dispatch()

	return q
}

// Publish enqueues an event, blocking while the buffer is full. It fails when
// the queue is closed or the context is canceled.
func (q *EventQueue) Publish(ctx context.Context, event types.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	select {
	case q.events <- event:
		return nil
	case <-q.closing:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a consumer. The returned channel is closed once the
// queue is closed and drained. The unsubscribe function is safe to call more
// than once and also runs implicitly when the queue closes.
func (q *EventQueue) Subscribe(filter EventFilter) (<-chan types.Event, func()) {
	sub := &subscription{
		ch:     make(chan types.Event, cap(q.events)),
		filter: filter,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	q.subscribers = append(q.subscribers, sub)
	q.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			q.removeSubscriber(sub)
		})
	}

	return sub.ch, unsubscribe
}

// Close stops accepting events. Already buffered events are still delivered
// to subscribers, then every subscriber channel is closed. Safe to call more
// than once.
func (q *EventQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.closing)
}

// Done is closed once the queue has drained and all subscriber channels are
// closed.
func (q *EventQueue) Done() <-chan struct{} {
	return q.done
}

func (q *EventQueue) dispatch() {
	for {
		select {
		case event := <-q.events:
			q.deliver(event)
		case <-q.closing:
			q.drain()
			return
		}
	}
}

// drain delivers whatever is still buffered after Close, then closes every
// subscriber channel and signals completion.
func (q *EventQueue) drain() {
	for {
		select {
		case event := <-q.events:
			q.deliver(event)
		default:
			q.finish()
			return
		}
	}
}

func (q *EventQueue) deliver(event types.Event) {
	q.mu.Lock()
	subs := make([]*subscription, len(q.subscribers))
	copy(subs, q.subscribers)
	q.mu.Unlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
			continue
		default:
		}

		// Buffer full: block until the subscriber catches up or the write
		// timeout elapses, then evict it.
		timer := time.NewTimer(q.writeTimeout)
		select {
		case sub.ch <- event:
			timer.Stop()
		case <-timer.C:
			q.logger.Warn("subscriber stalled past write timeout, evicting",
				zap.String("task_id", event.EventTaskID()),
				zap.String("kind", string(event.EventKind())),
				zap.Duration("write_timeout", q.writeTimeout))
			q.removeSubscriber(sub)
			close(sub.ch)
		}
	}
}

func (q *EventQueue) finish() {
	q.mu.Lock()
	subs := q.subscribers
	q.subscribers = nil
	q.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}

	close(q.done)
}

func (q *EventQueue) removeSubscriber(target *subscription) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// The channel is left open here so a concurrent deliver cannot send on
	// a closed channel; only the dispatch goroutine ever closes subscriber
	// channels (on eviction or drain).
	for i, sub := range q.subscribers {
		if sub == target {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// QueueManager tracks the live queue of each executing task so streaming
// clients can resubscribe mid-run.
type QueueManager struct {
	mu     sync.RWMutex
	queues map[string]*EventQueue
}

// NewQueueManager creates an empty queue manager
func NewQueueManager() *QueueManager {
	return &QueueManager{queues: make(map[string]*EventQueue)}
}

// Register binds a queue to a task id, replacing any previous binding
func (m *QueueManager) Register(taskID string, queue *EventQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[taskID] = queue
}

// Get returns the live queue for a task, if any
func (m *QueueManager) Get(taskID string) (*EventQueue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	queue, ok := m.queues[taskID]
	return queue, ok
}

// Remove unbinds the queue of a finished task
func (m *QueueManager) Remove(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, taskID)
}
