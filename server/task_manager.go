package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentwire/a2a/types"
	"go.uber.org/zap"
)

// EventSink receives every event the manager successfully applied to the
// store. The push notification layer implements it.
type EventSink interface {
	Deliver(ctx context.Context, event types.Event)
}

// allowedTransitions is the task lifecycle graph. Terminal states carry no
// entry; reasserting the same terminal state is handled by the store as an
// idempotent no-op.
var allowedTransitions = map[types.TaskState]map[types.TaskState]bool{
	types.TaskStateSubmitted: {
		types.TaskStateWorking:       true,
		types.TaskStateInputRequired: true,
		types.TaskStateAuthRequired:  true,
		types.TaskStateCanceled:      true,
		types.TaskStateFailed:        true,
		types.TaskStateRejected:      true,
	},
	types.TaskStateWorking: {
		types.TaskStateWorking:       true,
		types.TaskStateInputRequired: true,
		types.TaskStateAuthRequired:  true,
		types.TaskStateCompleted:     true,
		types.TaskStateCanceled:      true,
		types.TaskStateFailed:        true,
	},
	types.TaskStateInputRequired: {
		types.TaskStateWorking:  true,
		types.TaskStateCanceled: true,
		types.TaskStateFailed:   true,
	},
	types.TaskStateAuthRequired: {
		types.TaskStateWorking:  true,
		types.TaskStateCanceled: true,
		types.TaskStateFailed:   true,
	},
	types.TaskStateUnknown: {
		types.TaskStateSubmitted:     true,
		types.TaskStateWorking:       true,
		types.TaskStateInputRequired: true,
		types.TaskStateAuthRequired:  true,
		types.TaskStateCompleted:     true,
		types.TaskStateCanceled:      true,
		types.TaskStateFailed:        true,
		types.TaskStateRejected:      true,
	},
}

// transitionAllowed reports whether from → to is a legal lifecycle move.
// Same-state terminal reassertion passes so the store can absorb it
// idempotently.
func transitionAllowed(from, to types.TaskState) bool {
	if from.IsTerminal() {
		return from == to
	}
	return allowedTransitions[from][to]
}

// TaskManager owns the per-request pipeline: task creation, executor
// launch, event application and fan-out.
type TaskManager interface {
	// CreateTask persists a new submitted task from the triggering message
	CreateTask(ctx context.Context, reqCtx *RequestContext) (*types.Task, error)

	// NewPipeline creates the event queue and consumer for one request.
	// Callers subscribe before Launch so no event is missed.
	NewPipeline(reqCtx *RequestContext) *EventQueue

	// Launch starts the executor goroutine. The queue closes when the
	// executor returns and unregisters once its events drain.
	Launch(ctx context.Context, executor AgentExecutor, reqCtx *RequestContext, queue *EventQueue)

	// StartExecution is NewPipeline followed by Launch
	StartExecution(ctx context.Context, executor AgentExecutor, reqCtx *RequestContext) *EventQueue

	// CancelTask runs the cooperative cancel flow and returns the task in
	// its resulting state.
	CancelTask(ctx context.Context, executor AgentExecutor, taskID string) (*types.Task, error)

	// Queues exposes the live queue registry for resubscription
	Queues() *QueueManager
}

// TaskManagerMetrics counts manager-level events. Implemented by the otel
// package; a nil value disables counting.
type TaskManagerMetrics interface {
	RecordTaskCreated(ctx context.Context)
	RecordTransition(ctx context.Context, from, to types.TaskState)
	RecordDroppedTransition(ctx context.Context, from, to types.TaskState)
}

// DefaultTaskManager is the production TaskManager implementation
type DefaultTaskManager struct {
	logger        *zap.Logger
	store         TaskStore
	queues        *QueueManager
	sink          EventSink
	registry      *CapabilityRegistry
	metrics       TaskManagerMetrics
	queueCapacity int
	writeTimeout  time.Duration
	cancelGrace   time.Duration
}

var _ TaskManager = (*DefaultTaskManager)(nil)

// NewDefaultTaskManager creates a task manager. sink, registry and metrics
// may be nil.
func NewDefaultTaskManager(
	logger *zap.Logger,
	store TaskStore,
	sink EventSink,
	registry *CapabilityRegistry,
	metrics TaskManagerMetrics,
	queueCapacity int,
	writeTimeout time.Duration,
	cancelGrace time.Duration,
) *DefaultTaskManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cancelGrace <= 0 {
		cancelGrace = 100 * time.Millisecond
	}

	return &DefaultTaskManager{
		logger:        logger,
		store:         store,
		queues:        NewQueueManager(),
		sink:          sink,
		registry:      registry,
		metrics:       metrics,
		queueCapacity: queueCapacity,
		writeTimeout:  writeTimeout,
		cancelGrace:   cancelGrace,
	}
}

// Queues exposes the live queue registry
func (m *DefaultTaskManager) Queues() *QueueManager {
	return m.queues
}

// CreateTask persists a new submitted task seeded with the triggering message
func (m *DefaultTaskManager) CreateTask(ctx context.Context, reqCtx *RequestContext) (*types.Task, error) {
	task := &types.Task{
		ID:        reqCtx.TaskID,
		ContextID: reqCtx.ContextID,
		Kind:      string(types.EventKindTask),
		Status: types.TaskStatus{
			State:     types.TaskStateSubmitted,
			UpdatedAt: nowRFC3339(),
		},
	}
	if reqCtx.Message != nil {
		task.History = []types.Message{*reqCtx.Message}
	}

	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save new task: %w", err)
	}

	if m.metrics != nil {
		m.metrics.RecordTaskCreated(ctx)
	}
	if m.registry != nil {
		m.registry.Notify(types.NewTaskEvent(types.EventTypeTaskSubmitted, task.ID, task))
	}

	m.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("context_id", task.ContextID))

	return task, nil
}

// NewPipeline creates the queue and the consumer goroutine that applies its
// events to the store. The consumer drains the queue after close and then
// unregisters it.
func (m *DefaultTaskManager) NewPipeline(reqCtx *RequestContext) *EventQueue {
	queue := NewEventQueue(m.logger, m.queueCapacity, m.writeTimeout)
	m.queues.Register(reqCtx.TaskID, queue)

	events, unsubscribe := queue.Subscribe(nil)

	go func() {
		defer unsubscribe()
		for event := range events {
			m.applyEvent(context.Background(), reqCtx.TaskID, event)
		}
		m.queues.Remove(reqCtx.TaskID)
	}()

	return queue
}

// Launch starts the executor goroutine, closing the queue when it returns
func (m *DefaultTaskManager) Launch(ctx context.Context, executor AgentExecutor, reqCtx *RequestContext, queue *EventQueue) {
	// The pipeline outlives the triggering HTTP request.
	pipelineCtx := context.WithoutCancel(ctx)

	go func() {
		defer queue.Close()
		if err := m.runExecutor(pipelineCtx, executor, reqCtx, queue); err != nil {
			m.failTask(pipelineCtx, reqCtx, queue, err)
		}
	}()
}

// StartExecution is NewPipeline followed by Launch
func (m *DefaultTaskManager) StartExecution(ctx context.Context, executor AgentExecutor, reqCtx *RequestContext) *EventQueue {
	queue := m.NewPipeline(reqCtx)
	m.Launch(ctx, executor, reqCtx, queue)
	return queue
}

// runExecutor invokes Execute with panic containment
func (m *DefaultTaskManager) runExecutor(ctx context.Context, executor AgentExecutor, reqCtx *RequestContext, queue *EventQueue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("executor panicked",
				zap.String("task_id", reqCtx.TaskID),
				zap.Any("panic", r))
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	return executor.Execute(ctx, reqCtx, queue)
}

// failTask publishes a failed status for an executor error. The publish can
// fail only if the queue closed, in which case the status is applied
// directly.
func (m *DefaultTaskManager) failTask(ctx context.Context, reqCtx *RequestContext, queue *EventQueue, execErr error) {
	m.logger.Error("executor failed",
		zap.String("task_id", reqCtx.TaskID),
		zap.Error(execErr))

	event := &types.TaskStatusUpdateEvent{
		Kind:      string(types.EventKindStatusUpdate),
		TaskID:    reqCtx.TaskID,
		ContextID: reqCtx.ContextID,
		Status: types.TaskStatus{
			State: types.TaskStateFailed,
			Error: &types.TaskError{
				Kind:    "executor_error",
				Message: execErr.Error(),
			},
			UpdatedAt: nowRFC3339(),
		},
		Final: true,
	}

	if err := queue.Publish(ctx, event); err != nil {
		m.applyEvent(ctx, reqCtx.TaskID, event)
	}
}

// applyEvent folds one event into the store and fans it out. Events that
// fail validation are dropped and logged rather than aborting the stream.
func (m *DefaultTaskManager) applyEvent(ctx context.Context, taskID string, event types.Event) {
	switch e := event.(type) {
	case *types.Task:
		if err := m.store.SaveTask(ctx, e); err != nil {
			m.logger.Error("failed to apply task snapshot",
				zap.String("task_id", e.ID), zap.Error(err))
			return
		}

	case *types.Message:
		if e.EventTaskID() != "" {
			if _, err := m.store.AppendMessage(ctx, e.EventTaskID(), *e); err != nil {
				m.logger.Error("failed to append message",
					zap.String("task_id", e.EventTaskID()),
					zap.String("message_id", e.MessageID),
					zap.Error(err))
				return
			}
			if m.registry != nil {
				m.registry.Notify(types.NewTaskEvent(types.EventTypeTaskMessageAppended, e.EventTaskID(), e))
			}
		}

	case *types.TaskStatusUpdateEvent:
		if !m.applyStatusUpdate(ctx, e) {
			return
		}

	case *types.TaskArtifactUpdateEvent:
		appendParts := e.Append != nil && *e.Append
		if _, err := m.store.UpsertArtifact(ctx, e.TaskID, e.Artifact, appendParts); err != nil {
			m.logger.Error("failed to upsert artifact",
				zap.String("task_id", e.TaskID),
				zap.String("artifact_id", e.Artifact.ArtifactID),
				zap.Error(err))
			return
		}
		if m.registry != nil {
			m.registry.Notify(types.NewTaskEvent(types.EventTypeTaskArtifactSaved, e.TaskID, e.Artifact))
		}

	default:
		m.logger.Warn("unknown event type dropped", zap.String("task_id", taskID))
		return
	}

	if m.sink != nil {
		m.sink.Deliver(ctx, event)
	}
}

// applyStatusUpdate enforces the transition graph before writing
func (m *DefaultTaskManager) applyStatusUpdate(ctx context.Context, e *types.TaskStatusUpdateEvent) bool {
	if p := e.Status.Progress; p != nil && (*p < 0 || *p > 1) {
		m.logger.Warn("status update with out-of-range progress dropped",
			zap.String("task_id", e.TaskID),
			zap.Float64("progress", *p))
		return false
	}

	task, err := m.store.GetTask(ctx, e.TaskID, nil)
	if err != nil {
		m.logger.Error("status update for unknown task",
			zap.String("task_id", e.TaskID), zap.Error(err))
		return false
	}

	from := task.Status.State
	to := e.Status.State

	if !transitionAllowed(from, to) {
		m.logger.Warn("illegal task transition dropped",
			zap.String("task_id", e.TaskID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		if m.metrics != nil {
			m.metrics.RecordDroppedTransition(ctx, from, to)
		}
		return false
	}

	updated, err := m.store.UpdateTaskStatus(ctx, e.TaskID, e.Status)
	if err != nil {
		if errors.Is(err, ErrTaskTerminal) {
			m.logger.Warn("transition out of terminal state dropped",
				zap.String("task_id", e.TaskID),
				zap.String("from", string(from)),
				zap.String("to", string(to)))
			if m.metrics != nil {
				m.metrics.RecordDroppedTransition(ctx, from, to)
			}
			return false
		}
		m.logger.Error("failed to update task status",
			zap.String("task_id", e.TaskID), zap.Error(err))
		return false
	}

	// Idempotent terminal reassertion: nothing changed, nothing to fan out.
	if from.IsTerminal() && from == to {
		return false
	}

	if m.metrics != nil {
		m.metrics.RecordTransition(ctx, from, to)
	}
	if m.registry != nil {
		m.registry.Notify(types.NewStatusChangedEvent(e.TaskID, from, to, updated.Status))
		switch to {
		case types.TaskStateCompleted:
			m.registry.Notify(types.NewTaskEvent(types.EventTypeTaskCompleted, e.TaskID, updated))
		case types.TaskStateFailed:
			m.registry.Notify(types.NewTaskEvent(types.EventTypeTaskFailed, e.TaskID, updated))
		case types.TaskStateCanceled:
			m.registry.Notify(types.NewTaskEvent(types.EventTypeTaskCanceled, e.TaskID, updated))
		}
	}

	return true
}

// CancelTask runs the cooperative cancel flow: ask the executor to stop,
// wait out the grace period, then force the canceled state if the executor
// has not recorded it.
func (m *DefaultTaskManager) CancelTask(ctx context.Context, executor AgentExecutor, taskID string) (*types.Task, error) {
	task, err := m.store.GetTask(ctx, taskID, nil)
	if err != nil {
		return nil, err
	}

	if !task.Status.State.IsCancelable() {
		return task, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.Status.State)
	}

	reqCtx := &RequestContext{TaskID: taskID, ContextID: task.ContextID, Task: task}

	queue, live := m.queues.Get(taskID)
	if live && executor != nil {
		if err := executor.Cancel(ctx, reqCtx, queue); err != nil {
			m.logger.Warn("executor cancel failed",
				zap.String("task_id", taskID), zap.Error(err))
		}
		// Give the executor's canceled event time to flow through the queue.
		select {
		case <-time.After(m.cancelGrace):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	task, err = m.store.GetTask(ctx, taskID, nil)
	if err != nil {
		return nil, err
	}
	if task.Status.State.IsTerminal() {
		return task, nil
	}

	event := &types.TaskStatusUpdateEvent{
		Kind:      string(types.EventKindStatusUpdate),
		TaskID:    taskID,
		ContextID: task.ContextID,
		Status: types.TaskStatus{
			State:     types.TaskStateCanceled,
			UpdatedAt: nowRFC3339(),
		},
		Final: true,
	}
	if !m.applyStatusUpdate(ctx, event) {
		// A racing final event won; return whatever state stuck.
		return m.store.GetTask(ctx, taskID, nil)
	}
	if m.sink != nil {
		m.sink.Deliver(ctx, event)
	}

	return m.store.GetTask(ctx, taskID, nil)
}
