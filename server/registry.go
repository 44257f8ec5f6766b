package server

import (
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.uber.org/zap"
)

// TaskEventListener observes task lifecycle events as CloudEvents envelopes.
// Listeners run synchronously on the manager goroutine and must not block.
type TaskEventListener func(event cloudevents.Event)

// CapabilityFlags advertises what the running agent supports. The registry
// keeps them alongside listeners so embedders can inspect a live server.
type CapabilityFlags struct {
	Streaming              bool
	PushNotifications      bool
	StateTransitionHistory bool
}

// CapabilityRegistry is the observer seam of the server: capability flags
// plus registered lifecycle listeners. Listener dispatch iterates a snapshot,
// so a listener may deregister itself or others mid-notification.
type CapabilityRegistry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	flags     CapabilityFlags
	listeners map[int]TaskEventListener
	nextID    int
}

// NewCapabilityRegistry creates a registry with the given flags
func NewCapabilityRegistry(logger *zap.Logger, flags CapabilityFlags) *CapabilityRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CapabilityRegistry{
		logger:    logger,
		flags:     flags,
		listeners: make(map[int]TaskEventListener),
	}
}

// Flags returns the registered capability flags
func (r *CapabilityRegistry) Flags() CapabilityFlags {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags
}

// AddListener registers a lifecycle listener and returns its handle
func (r *CapabilityRegistry) AddListener(listener TaskEventListener) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.listeners[id] = listener
	return id
}

// RemoveListener deregisters a listener by handle. Unknown handles are
// ignored.
func (r *CapabilityRegistry) RemoveListener(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
}

// ListenerCount returns the number of registered listeners
func (r *CapabilityRegistry) ListenerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Notify delivers one event to every listener registered at call time. A
// panicking listener is logged and skipped without affecting the others.
func (r *CapabilityRegistry) Notify(event cloudevents.Event) {
	r.mu.RLock()
	snapshot := make([]TaskEventListener, 0, len(r.listeners))
	for _, listener := range r.listeners {
		snapshot = append(snapshot, listener)
	}
	r.mu.RUnlock()

	for _, listener := range snapshot {
		r.invoke(listener, event)
	}
}

func (r *CapabilityRegistry) invoke(listener TaskEventListener, event cloudevents.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in task event listener",
				zap.String("event_type", event.Type()),
				zap.Any("panic", rec))
		}
	}()

	listener(event)
}
