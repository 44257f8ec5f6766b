package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentwire/a2a/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store sentinel errors, translated to protocol errors at the handler
// boundary.
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskTerminal       = errors.New("task is in a terminal state")
	ErrPushConfigNotFound = errors.New("push notification config not found")
)

// TaskStore persists tasks, their histories, artifacts and push notification
// configs. All mutating operations are linearizable per task id.
type TaskStore interface {
	// SaveTask stores a complete task snapshot, creating or replacing it
	SaveTask(ctx context.Context, task *types.Task) error

	// GetTask returns a copy of the task. A non-nil historyLength truncates
	// the returned history to the most recent N messages.
	GetTask(ctx context.Context, taskID string, historyLength *int) (*types.Task, error)

	// UpdateTaskStatus atomically replaces the task status. Transitions out
	// of a terminal state fail with ErrTaskTerminal; reasserting the same
	// terminal state is an idempotent no-op. A status message is appended to
	// the task history.
	UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) (*types.Task, error)

	// UpsertArtifact stores an artifact. An existing artifact with the same
	// id is replaced, or extended with the new parts when appendParts is set.
	UpsertArtifact(ctx context.Context, taskID string, artifact types.Artifact, appendParts bool) (*types.Task, error)

	// AppendMessage appends a message to the task history, truncating the
	// oldest entries beyond the history limit.
	AppendMessage(ctx context.Context, taskID string, message types.Message) (*types.Task, error)

	// DeleteTask removes the task and its push notification configs
	DeleteTask(ctx context.Context, taskID string) error

	// ListTasksByContext returns copies of all tasks bound to a context
	ListTasksByContext(ctx context.Context, contextID string) ([]*types.Task, error)

	// SetPushConfig registers or replaces a push notification config for a
	// task, assigning an id when the config carries none.
	SetPushConfig(ctx context.Context, taskID string, config types.PushNotificationConfig) (*types.TaskPushNotificationConfig, error)

	// GetPushConfig returns one config. An empty configID resolves to the
	// first registered config of the task.
	GetPushConfig(ctx context.Context, taskID string, configID string) (*types.TaskPushNotificationConfig, error)

	// ListPushConfigs returns all configs registered for a task in
	// registration order.
	ListPushConfigs(ctx context.Context, taskID string) ([]types.TaskPushNotificationConfig, error)

	// DeletePushConfig removes one config
	DeletePushConfig(ctx context.Context, taskID string, configID string) error

	// UpdatePushConfig persists delivery-state changes made by the webhook
	// sender (retry counts, active flag, last error).
	UpdatePushConfig(ctx context.Context, taskID string, config types.PushNotificationConfig) error
}

// nowRFC3339 returns the current UTC time in the wire timestamp format
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// InMemoryTaskStore implements TaskStore with a single mutex over plain maps.
// It is the default backend and the reference for store semantics.
type InMemoryTaskStore struct {
	logger     *zap.Logger
	maxHistory int

	mu             sync.RWMutex
	tasks          map[string]*types.Task
	tasksByContext map[string][]string

	// pushConfigs keeps registration order per task; an id-less get resolves
	// to the first entry.
	pushConfigs map[string][]types.PushNotificationConfig
}

var _ TaskStore = (*InMemoryTaskStore)(nil)

// NewInMemoryTaskStore creates an empty in-memory store. maxHistory bounds
// the per-task message history; zero or negative disables the bound.
func NewInMemoryTaskStore(logger *zap.Logger, maxHistory int) *InMemoryTaskStore {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &InMemoryTaskStore{
		logger:         logger,
		maxHistory:     maxHistory,
		tasks:          make(map[string]*types.Task),
		tasksByContext: make(map[string][]string),
		pushConfigs:    make(map[string][]types.PushNotificationConfig),
	}
}

// copyTask returns a deep-enough copy for handing outside the lock. Slices
// are duplicated; messages and artifacts are treated as immutable once
// stored.
func copyTask(task *types.Task) *types.Task {
	taskCopy := *task
	if task.History != nil {
		taskCopy.History = make([]types.Message, len(task.History))
		copy(taskCopy.History, task.History)
	}
	if task.Artifacts != nil {
		taskCopy.Artifacts = make([]types.Artifact, len(task.Artifacts))
		copy(taskCopy.Artifacts, task.Artifacts)
	}
	return &taskCopy
}

// trimHistory drops the oldest messages beyond the limit
func trimHistory(history []types.Message, maxHistory int) []types.Message {
	if maxHistory <= 0 || len(history) <= maxHistory {
		return history
	}
	trimmed := make([]types.Message, maxHistory)
	copy(trimmed, history[len(history)-maxHistory:])
	return trimmed
}

// truncateHistoryView applies a per-request history length to a task copy
func truncateHistoryView(task *types.Task, historyLength *int) {
	if historyLength == nil {
		return
	}
	n := *historyLength
	if n <= 0 {
		task.History = nil
		return
	}
	if n < len(task.History) {
		task.History = task.History[len(task.History)-n:]
	}
}

// SaveTask stores a complete task snapshot
func (s *InMemoryTaskStore) SaveTask(ctx context.Context, task *types.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.tasks[task.ID]
	stored := copyTask(task)
	stored.History = trimHistory(stored.History, s.maxHistory)
	s.tasks[task.ID] = stored

	if !existed {
		s.tasksByContext[task.ContextID] = append(s.tasksByContext[task.ContextID], task.ID)
	}

	s.logger.Debug("task saved",
		zap.String("task_id", task.ID),
		zap.String("context_id", task.ContextID),
		zap.String("state", string(task.Status.State)))

	return nil
}

// GetTask returns a copy of the task with an optional history view limit
func (s *InMemoryTaskStore) GetTask(ctx context.Context, taskID string, historyLength *int) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}

	result := copyTask(task)
	truncateHistoryView(result, historyLength)
	return result, nil
}

// UpdateTaskStatus atomically replaces the task status under the terminal
// guard.
func (s *InMemoryTaskStore) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}

	if task.Status.State.IsTerminal() {
		if status.State == task.Status.State {
			return copyTask(task), nil
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.Status.State)
	}

	if status.UpdatedAt == "" {
		status.UpdatedAt = nowRFC3339()
	}

	task.Status = status
	if status.Message != nil {
		task.History = trimHistory(append(task.History, *status.Message), s.maxHistory)
	}

	s.logger.Debug("task status updated",
		zap.String("task_id", taskID),
		zap.String("state", string(status.State)))

	return copyTask(task), nil
}

// UpsertArtifact stores or extends an artifact on the task
func (s *InMemoryTaskStore) UpsertArtifact(ctx context.Context, taskID string, artifact types.Artifact, appendParts bool) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}

	upsertArtifact(task, artifact, appendParts)

	s.logger.Debug("artifact upserted",
		zap.String("task_id", taskID),
		zap.String("artifact_id", artifact.ArtifactID),
		zap.Bool("append", appendParts))

	return copyTask(task), nil
}

// upsertArtifact merges an artifact into the task in place
func upsertArtifact(task *types.Task, artifact types.Artifact, appendParts bool) {
	for i, existing := range task.Artifacts {
		if existing.ArtifactID != artifact.ArtifactID {
			continue
		}
		if appendParts {
			merged := existing
			merged.Parts = append(append([]types.Part{}, existing.Parts...), artifact.Parts...)
			if artifact.Name != nil {
				merged.Name = artifact.Name
			}
			if artifact.Description != nil {
				merged.Description = artifact.Description
			}
			task.Artifacts[i] = merged
		} else {
			task.Artifacts[i] = artifact
		}
		return
	}
	task.Artifacts = append(task.Artifacts, artifact)
}

// AppendMessage appends a message to the task history
func (s *InMemoryTaskStore) AppendMessage(ctx context.Context, taskID string, message types.Message) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}

	task.History = trimHistory(append(task.History, message), s.maxHistory)

	return copyTask(task), nil
}

// DeleteTask removes the task, its context binding and push configs
func (s *InMemoryTaskStore) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}

	delete(s.tasks, taskID)
	delete(s.pushConfigs, taskID)

	contextTasks := s.tasksByContext[task.ContextID]
	for i, id := range contextTasks {
		if id == taskID {
			s.tasksByContext[task.ContextID] = append(contextTasks[:i], contextTasks[i+1:]...)
			break
		}
	}
	if len(s.tasksByContext[task.ContextID]) == 0 {
		delete(s.tasksByContext, task.ContextID)
	}

	return nil
}

// ListTasksByContext returns copies of all tasks bound to a context
func (s *InMemoryTaskStore) ListTasksByContext(ctx context.Context, contextID string) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	taskIDs := s.tasksByContext[contextID]
	tasks := make([]*types.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		if task, exists := s.tasks[id]; exists {
			tasks = append(tasks, copyTask(task))
		}
	}

	return tasks, nil
}

// SetPushConfig registers or replaces a push notification config
func (s *InMemoryTaskStore) SetPushConfig(ctx context.Context, taskID string, config types.PushNotificationConfig) (*types.TaskPushNotificationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; !exists {
		return nil, ErrTaskNotFound
	}

	if config.ID == nil || *config.ID == "" {
		id := uuid.New().String()
		config.ID = &id
	}
	config.Active = true
	config.RetryCount = 0

	configs := s.pushConfigs[taskID]
	replaced := false
	for i, existing := range configs {
		if existing.ID != nil && *existing.ID == *config.ID {
			configs[i] = config
			replaced = true
			break
		}
	}
	if !replaced {
		configs = append(configs, config)
	}
	s.pushConfigs[taskID] = configs

	s.logger.Debug("push notification config set",
		zap.String("task_id", taskID),
		zap.String("config_id", *config.ID),
		zap.String("url", config.URL))

	return &types.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: config}, nil
}

// GetPushConfig returns one config. An empty id resolves to the first
// registered config.
func (s *InMemoryTaskStore) GetPushConfig(ctx context.Context, taskID string, configID string) (*types.TaskPushNotificationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.tasks[taskID]; !exists {
		return nil, ErrTaskNotFound
	}

	configs := s.pushConfigs[taskID]

	if configID == "" {
		if len(configs) == 0 {
			return nil, ErrPushConfigNotFound
		}
		return &types.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: configs[0]}, nil
	}

	for _, config := range configs {
		if config.ID != nil && *config.ID == configID {
			return &types.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: config}, nil
		}
	}

	return nil, ErrPushConfigNotFound
}

// ListPushConfigs returns all configs registered for a task in registration
// order.
func (s *InMemoryTaskStore) ListPushConfigs(ctx context.Context, taskID string) ([]types.TaskPushNotificationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.tasks[taskID]; !exists {
		return nil, ErrTaskNotFound
	}

	configs := s.pushConfigs[taskID]
	result := make([]types.TaskPushNotificationConfig, 0, len(configs))
	for _, config := range configs {
		result = append(result, types.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: config})
	}

	return result, nil
}

// DeletePushConfig removes one config
func (s *InMemoryTaskStore) DeletePushConfig(ctx context.Context, taskID string, configID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; !exists {
		return ErrTaskNotFound
	}

	configs := s.pushConfigs[taskID]
	for i, config := range configs {
		if config.ID != nil && *config.ID == configID {
			s.pushConfigs[taskID] = append(configs[:i], configs[i+1:]...)
			return nil
		}
	}

	return ErrPushConfigNotFound
}

// UpdatePushConfig persists delivery-state changes for an existing config
func (s *InMemoryTaskStore) UpdatePushConfig(ctx context.Context, taskID string, config types.PushNotificationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if config.ID == nil {
		return ErrPushConfigNotFound
	}

	configs := s.pushConfigs[taskID]
	for i, existing := range configs {
		if existing.ID != nil && *existing.ID == *config.ID {
			configs[i] = config
			return nil
		}
	}

	return ErrPushConfigNotFound
}
