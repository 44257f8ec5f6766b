package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentwire/a2a/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSSERegistry_Broadcast(t *testing.T) {
	registry := NewSSERegistry(zap.NewNop())

	var received []types.Event
	registry.Register("t1", "c1", func(event types.Event) error {
		received = append(received, event)
		return nil
	})

	var otherTask int
	registry.Register("t2", "c2", func(event types.Event) error {
		otherTask++
		return nil
	})

	registry.Broadcast("t1", statusEvent("t1", types.TaskStateWorking))
	registry.Broadcast("t1", statusEvent("t1", types.TaskStateCompleted))

	assert.Len(t, received, 2)
	assert.Zero(t, otherTask)
	assert.Equal(t, 1, registry.ClientCount("t1"))
}

func TestSSERegistry_EvictsFailedWriter(t *testing.T) {
	registry := NewSSERegistry(zap.NewNop())

	registry.Register("t1", "broken", func(event types.Event) error {
		return errors.New("client gone")
	})

	var healthy int
	registry.Register("t1", "healthy", func(event types.Event) error {
		healthy++
		return nil
	})

	require.Equal(t, 2, registry.ClientCount("t1"))

	registry.Broadcast("t1", statusEvent("t1", types.TaskStateWorking))
	assert.Equal(t, 1, registry.ClientCount("t1"))

	registry.Broadcast("t1", statusEvent("t1", types.TaskStateCompleted))
	assert.Equal(t, 2, healthy)
}

func TestSSERegistry_Unregister(t *testing.T) {
	registry := NewSSERegistry(zap.NewNop())

	registry.Register("t1", "c1", func(event types.Event) error { return nil })
	registry.Unregister("t1", "c1")
	assert.Zero(t, registry.ClientCount("t1"))

	// Unknown ids are a no-op.
	registry.Unregister("t1", "c1")
	registry.Unregister("nope", "c9")
}

func registerHook(t *testing.T, store TaskStore, taskID string, config types.PushNotificationConfig) types.PushNotificationConfig {
	t.Helper()
	bound, err := store.SetPushConfig(context.Background(), taskID, config)
	require.NoError(t, err)
	return bound.PushNotificationConfig
}

func TestWebhookSender_DeliversPayload(t *testing.T) {
	store := NewInMemoryTaskStore(zap.NewNop(), 100)
	require.NoError(t, store.SaveTask(context.Background(), newTestTask("t1")))

	headers := make(chan http.Header, 1)
	payloads := make(chan WebhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()

		var payload WebhookPayload
		raw := struct {
			EventType string          `json:"event_type"`
			EventData json.RawMessage `json:"event_data"`
			Timestamp string          `json:"timestamp"`
			Attempt   int             `json:"attempt"`
		}{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		payload.EventType = raw.EventType
		payload.Attempt = raw.Attempt
		payloads <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config := registerHook(t, store, "t1", types.PushNotificationConfig{
		URL:   server.URL,
		Token: types.StringPtr("secret-token"),
	})

	sender := NewWebhookSender(zap.NewNop(), store, WebhookConfig{ProtocolVersion: "0.3.0"})
	sender.Enqueue(context.Background(), "t1", statusEvent("t1", types.TaskStateCompleted))

	select {
	case payload := <-payloads:
		assert.Equal(t, "task_status_update", payload.EventType)
		assert.Equal(t, 1, payload.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not called")
	}

	got := <-headers
	assert.Equal(t, "Bearer secret-token", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "A2A/0.3.0", got.Get("User-Agent"))
	assert.Equal(t, "t1", got.Get("X-A2A-Task-ID"))
	assert.Equal(t, *config.ID, got.Get("X-A2A-Config-ID"))

	// Delivery state lands back in the store.
	require.Eventually(t, func() bool {
		got, err := store.GetPushConfig(context.Background(), "t1", *config.ID)
		require.NoError(t, err)
		return got.PushNotificationConfig.LastSuccessAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookSender_SkipsInactiveConfigs(t *testing.T) {
	store := NewInMemoryTaskStore(zap.NewNop(), 100)
	require.NoError(t, store.SaveTask(context.Background(), newTestTask("t1")))

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	config := registerHook(t, store, "t1", types.PushNotificationConfig{URL: server.URL})
	config.Active = false
	require.NoError(t, store.UpdatePushConfig(context.Background(), "t1", config))

	sender := NewWebhookSender(zap.NewNop(), store, WebhookConfig{})
	sender.Enqueue(context.Background(), "t1", statusEvent("t1", types.TaskStateCompleted))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestWebhookSender_RetrySchedulingOnFailure(t *testing.T) {
	store := NewInMemoryTaskStore(zap.NewNop(), 100)
	require.NoError(t, store.SaveTask(context.Background(), newTestTask("t1")))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config := registerHook(t, store, "t1", types.PushNotificationConfig{URL: server.URL})

	sender := NewWebhookSender(zap.NewNop(), store, WebhookConfig{MaxAttempts: 3})
	sender.attempt(context.Background(), pendingDelivery{
		taskID:  "t1",
		config:  config,
		event:   statusEvent("t1", types.TaskStateCompleted),
		attempt: 1,
	})

	sender.mu.Lock()
	pending := len(sender.pending)
	var next pendingDelivery
	if pending > 0 {
		next = sender.pending[0]
	}
	sender.mu.Unlock()

	require.Equal(t, 1, pending)
	assert.Equal(t, 2, next.attempt)
	assert.True(t, next.nextAttempt.After(time.Now()))

	got, err := store.GetPushConfig(context.Background(), "t1", *config.ID)
	require.NoError(t, err)
	assert.True(t, got.PushNotificationConfig.Active)
	assert.Equal(t, 1, got.PushNotificationConfig.RetryCount)
	require.NotNil(t, got.PushNotificationConfig.LastError)
	assert.Contains(t, *got.PushNotificationConfig.LastError, "500")
}

func TestWebhookSender_DeactivatesAfterMaxAttempts(t *testing.T) {
	store := NewInMemoryTaskStore(zap.NewNop(), 100)
	require.NoError(t, store.SaveTask(context.Background(), newTestTask("t1")))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	config := registerHook(t, store, "t1", types.PushNotificationConfig{URL: server.URL})

	sender := NewWebhookSender(zap.NewNop(), store, WebhookConfig{MaxAttempts: 3})
	sender.attempt(context.Background(), pendingDelivery{
		taskID:  "t1",
		config:  config,
		event:   statusEvent("t1", types.TaskStateFailed),
		attempt: 3,
	})

	sender.mu.Lock()
	pending := len(sender.pending)
	sender.mu.Unlock()
	assert.Zero(t, pending)

	got, err := store.GetPushConfig(context.Background(), "t1", *config.ID)
	require.NoError(t, err)
	assert.False(t, got.PushNotificationConfig.Active)
	assert.Equal(t, 3, got.PushNotificationConfig.RetryCount)
	assert.NotNil(t, got.PushNotificationConfig.LastFailureAt)
}

func TestWebhookSender_Backoff(t *testing.T) {
	sender := NewWebhookSender(zap.NewNop(), nil, WebhookConfig{
		RetryBase: time.Second,
		RetryMax:  8 * time.Second,
	})

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{attempt: 1, base: time.Second},
		{attempt: 2, base: 2 * time.Second},
		{attempt: 3, base: 4 * time.Second},
		{attempt: 4, base: 8 * time.Second},
		{attempt: 10, base: 8 * time.Second},
	}

	for _, tt := range tests {
		delay := sender.backoff(tt.attempt)
		assert.GreaterOrEqual(t, delay, tt.base, "attempt %d", tt.attempt)
		assert.Less(t, delay, tt.base+tt.base/10+time.Millisecond, "attempt %d", tt.attempt)
	}
}

func TestApplyWebhookAuth(t *testing.T) {
	tests := []struct {
		name       string
		config     types.PushNotificationConfig
		wantHeader string
		wantValue  string
	}{
		{
			name: "bearer credentials",
			config: types.PushNotificationConfig{
				Authentication: &types.PushNotificationAuthentication{
					Type:        types.PushAuthBearer,
					Credentials: types.StringPtr("tok"),
				},
			},
			wantHeader: "Authorization",
			wantValue:  "Bearer tok",
		},
		{
			name: "api key default header",
			config: types.PushNotificationConfig{
				Authentication: &types.PushNotificationAuthentication{
					Type:        types.PushAuthAPIKey,
					Credentials: types.StringPtr("key-123"),
				},
			},
			wantHeader: "X-Api-Key",
			wantValue:  "key-123",
		},
		{
			name: "api key custom header",
			config: types.PushNotificationConfig{
				Authentication: &types.PushNotificationAuthentication{
					Type:        types.PushAuthAPIKey,
					HeaderName:  types.StringPtr("X-Hook-Key"),
					Credentials: types.StringPtr("key-456"),
				},
			},
			wantHeader: "X-Hook-Key",
			wantValue:  "key-456",
		},
		{
			name: "custom headers",
			config: types.PushNotificationConfig{
				Authentication: &types.PushNotificationAuthentication{
					Type:    types.PushAuthCustom,
					Headers: map[string]string{"X-Signature": "abc"},
				},
			},
			wantHeader: "X-Signature",
			wantValue:  "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "https://example.com/hook", nil)
			applyWebhookAuth(req, tt.config)
			assert.Equal(t, tt.wantValue, req.Header.Get(tt.wantHeader))
		})
	}
}

func TestApplyWebhookAuth_BasicCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://example.com/hook", nil)
	applyWebhookAuth(req, types.PushNotificationConfig{
		Authentication: &types.PushNotificationAuthentication{
			Type:     types.PushAuthBasic,
			Username: types.StringPtr("user"),
			Password: types.StringPtr("pass"),
		},
	})

	username, password, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "user", username)
	assert.Equal(t, "pass", password)
}

func TestPushNotifier_Deliver(t *testing.T) {
	registry := NewSSERegistry(zap.NewNop())

	var received int
	registry.Register("t1", "c1", func(event types.Event) error {
		received++
		return nil
	})

	notifier := NewPushNotifier(registry, nil)
	notifier.Deliver(context.Background(), statusEvent("t1", types.TaskStateWorking))
	assert.Equal(t, 1, received)

	// Events without a task id are dropped.
	notifier.Deliver(context.Background(), types.NewAgentTextMessage("unbound"))
	assert.Equal(t, 1, received)
}
