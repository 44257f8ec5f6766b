package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/agentwire/a2a/server/config"
	"github.com/agentwire/a2a/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	taskKeyPrefix        = "a2a:task:"
	contextTasksPrefix   = "a2a:context:"
	pushConfigsKeyPrefix = "a2a:pushconfigs:"
)

// RedisTaskStore implements TaskStore on Redis. Tasks are stored as JSON
// blobs keyed per task id; push configs live as a JSON array per task so
// registration order survives round trips. Read-modify-write sequences are
// serialized per task id through an in-process keyed mutex, which preserves
// linearizability for a single server instance.
type RedisTaskStore struct {
	client *redis.Client
	logger *zap.Logger

	maxHistory int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ TaskStore = (*RedisTaskStore)(nil)

// NewRedisTaskStore connects to Redis using the storage config and verifies
// the connection with a ping.
func NewRedisTaskStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger, maxHistory int) (*RedisTaskStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required for the redis storage provider")
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	if dbStr, exists := cfg.Options["db"]; exists {
		if db, err := strconv.Atoi(dbStr); err == nil {
			opt.DB = db
		}
	}

	if maxRetriesStr, exists := cfg.Options["max_retries"]; exists {
		if maxRetries, err := strconv.Atoi(maxRetriesStr); err == nil {
			opt.MaxRetries = maxRetries
		}
	}

	if timeoutStr, exists := cfg.Options["timeout"]; exists {
		if timeout, err := time.ParseDuration(timeoutStr); err == nil {
			opt.DialTimeout = timeout
			opt.ReadTimeout = timeout
			opt.WriteTimeout = timeout
		}
	}

	if username, exists := cfg.Credentials["username"]; exists {
		opt.Username = username
	}
	if password, exists := cfg.Credentials["password"]; exists {
		opt.Password = password
	}

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("connected to Redis",
		zap.String("addr", opt.Addr),
		zap.Int("db", opt.DB))

	return &RedisTaskStore{
		client:     client,
		logger:     logger,
		maxHistory: maxHistory,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the Redis connection
func (s *RedisTaskStore) Close() error {
	return s.client.Close()
}

// taskLock returns the per-task mutex, creating it on first use
func (s *RedisTaskStore) taskLock(taskID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, exists := s.locks[taskID]
	if !exists {
		lock = &sync.Mutex{}
		s.locks[taskID] = lock
	}
	return lock
}

func (s *RedisTaskStore) loadTask(ctx context.Context, taskID string) (*types.Task, error) {
	data, err := s.client.Get(ctx, taskKeyPrefix+taskID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var task types.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("failed to deserialize task: %w", err)
	}

	return &task, nil
}

func (s *RedisTaskStore) storeTask(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, taskKeyPrefix+task.ID, data, 0)
	pipe.SAdd(ctx, contextTasksPrefix+task.ContextID, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}

	return nil
}

// SaveTask stores a complete task snapshot
func (s *RedisTaskStore) SaveTask(ctx context.Context, task *types.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	lock := s.taskLock(task.ID)
	lock.Lock()
	defer lock.Unlock()

	stored := copyTask(task)
	stored.History = trimHistory(stored.History, s.maxHistory)

	if err := s.storeTask(ctx, stored); err != nil {
		return err
	}

	s.logger.Debug("task saved",
		zap.String("task_id", task.ID),
		zap.String("context_id", task.ContextID),
		zap.String("state", string(task.Status.State)))

	return nil
}

// GetTask returns the task with an optional history view limit
func (s *RedisTaskStore) GetTask(ctx context.Context, taskID string, historyLength *int) (*types.Task, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	truncateHistoryView(task, historyLength)
	return task, nil
}

// UpdateTaskStatus atomically replaces the task status under the terminal
// guard.
func (s *RedisTaskStore) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) (*types.Task, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status.State.IsTerminal() {
		if status.State == task.Status.State {
			return task, nil
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

	if err := s.storeTask(ctx, task); err != nil {
		return nil, err
	}

	return task, nil
}

// UpsertArtifact stores or extends an artifact on the task
func (s *RedisTaskStore) UpsertArtifact(ctx context.Context, taskID string, artifact types.Artifact, appendParts bool) (*types.Task, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	upsertArtifact(task, artifact, appendParts)

	if err := s.storeTask(ctx, task); err != nil {
		return nil, err
	}

	return task, nil
}

// AppendMessage appends a message to the task history
func (s *RedisTaskStore) AppendMessage(ctx context.Context, taskID string, message types.Message) (*types.Task, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	task.History = trimHistory(append(task.History, message), s.maxHistory)

	if err := s.storeTask(ctx, task); err != nil {
		return nil, err
	}

	return task, nil
}

// DeleteTask removes the task, its context binding and push configs
func (s *RedisTaskStore) DeleteTask(ctx context.Context, taskID string) error {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, taskKeyPrefix+taskID)
	pipe.Del(ctx, pushConfigsKeyPrefix+taskID)
	pipe.SRem(ctx, contextTasksPrefix+task.ContextID, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// ListTasksByContext returns all tasks bound to a context
func (s *RedisTaskStore) ListTasksByContext(ctx context.Context, contextID string) ([]*types.Task, error) {
	taskIDs, err := s.client.SMembers(ctx, contextTasksPrefix+contextID).Result()
	if err != nil {
		if err == redis.Nil {
			return []*types.Task{}, nil
		}
		return nil, fmt.Errorf("failed to get context tasks: %w", err)
	}

	tasks := make([]*types.Task, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		task, err := s.loadTask(ctx, taskID)
		if err != nil {
			if err == ErrTaskNotFound {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

func (s *RedisTaskStore) taskExists(ctx context.Context, taskID string) error {
	exists, err := s.client.Exists(ctx, taskKeyPrefix+taskID).Result()
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}
	if exists == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *RedisTaskStore) loadPushConfigs(ctx context.Context, taskID string) ([]types.PushNotificationConfig, error) {
	data, err := s.client.Get(ctx, pushConfigsKeyPrefix+taskID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get push configs: %w", err)
	}

	var configs []types.PushNotificationConfig
	if err := json.Unmarshal([]byte(data), &configs); err != nil {
		return nil, fmt.Errorf("failed to deserialize push configs: %w", err)
	}

	return configs, nil
}

func (s *RedisTaskStore) storePushConfigs(ctx context.Context, taskID string, configs []types.PushNotificationConfig) error {
	data, err := json.Marshal(configs)
	if err != nil {
		return fmt.Errorf("failed to serialize push configs: %w", err)
	}
	if err := s.client.Set(ctx, pushConfigsKeyPrefix+taskID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store push configs: %w", err)
	}
	return nil
}

// SetPushConfig registers or replaces a push notification config
func (s *RedisTaskStore) SetPushConfig(ctx context.Context, taskID string, pushConfig types.PushNotificationConfig) (*types.TaskPushNotificationConfig, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.taskExists(ctx, taskID); err != nil {
		return nil, err
	}

	if pushConfig.ID == nil || *pushConfig.ID == "" {
		id := uuid.New().String()
		pushConfig.ID = &id
	}
	pushConfig.Active = true
	pushConfig.RetryCount = 0

	configs, err := s.loadPushConfigs(ctx, taskID)
	if err != nil {
		return nil, err
	}

	replaced := false
	for i, existing := range configs {
		if existing.ID != nil && *existing.ID == *pushConfig.ID {
			configs[i] = pushConfig
			replaced = true
			break
		}
	}
	if !replaced {
		configs = append(configs, pushConfig)
	}

	if err := s.storePushConfigs(ctx, taskID, configs); err != nil {
		return nil, err
	}

	return &types.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: pushConfig}, nil
}

// GetPushConfig returns one config. An empty id resolves to the first
// registered config.
func (s *RedisTaskStore) GetPushConfig(ctx context.Context, taskID string, configID string) (*types.TaskPushNotificationConfig, error) {
	if err := s.taskExists(ctx, taskID); err != nil {
		return nil, err
	}

	configs, err := s.loadPushConfigs(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if configID == "" {
		if len(configs) == 0 {
			return nil, ErrPushConfigNotFound
		}
		return &types.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: configs[0]}, nil
	}

	for _, pushConfig := range configs {
		if pushConfig.ID != nil && *pushConfig.ID == configID {
			return &types.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: pushConfig}, nil
		}
	}

	return nil, ErrPushConfigNotFound
}

// ListPushConfigs returns all configs registered for a task in registration
// order.
func (s *RedisTaskStore) ListPushConfigs(ctx context.Context, taskID string) ([]types.TaskPushNotificationConfig, error) {
	if err := s.taskExists(ctx, taskID); err != nil {
		return nil, err
	}

	configs, err := s.loadPushConfigs(ctx, taskID)
	if err != nil {
		return nil, err
	}

	bound := make([]types.TaskPushNotificationConfig, 0, len(configs))
	for _, pushConfig := range configs {
		bound = append(bound, types.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: pushConfig})
	}

	return bound, nil
}

// DeletePushConfig removes one config
func (s *RedisTaskStore) DeletePushConfig(ctx context.Context, taskID string, configID string) error {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.taskExists(ctx, taskID); err != nil {
		return err
	}

	configs, err := s.loadPushConfigs(ctx, taskID)
	if err != nil {
		return err
	}

	for i, pushConfig := range configs {
		if pushConfig.ID != nil && *pushConfig.ID == configID {
			return s.storePushConfigs(ctx, taskID, append(configs[:i], configs[i+1:]...))
		}
	}

	return ErrPushConfigNotFound
}

// UpdatePushConfig persists delivery-state changes for an existing config
func (s *RedisTaskStore) UpdatePushConfig(ctx context.Context, taskID string, pushConfig types.PushNotificationConfig) error {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	if pushConfig.ID == nil {
		return ErrPushConfigNotFound
	}

	configs, err := s.loadPushConfigs(ctx, taskID)
	if err != nil {
		return err
	}

	for i, existing := range configs {
		if existing.ID != nil && *existing.ID == *pushConfig.ID {
			configs[i] = pushConfig
			return s.storePushConfigs(ctx, taskID, configs)
		}
	}

	return ErrPushConfigNotFound
}
