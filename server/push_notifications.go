package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/agentwire/a2a/types"
	"go.uber.org/zap"
)

// SSEWriteFunc pushes one event frame to a connected streaming client. A
// returned error evicts the client from the registry.
type SSEWriteFunc func(event types.Event) error

// SSERegistry tracks connected streaming clients per task. Broadcast
// iterates a snapshot, so writers registered or evicted mid-broadcast do not
// invalidate the iteration.
type SSERegistry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[string]SSEWriteFunc
}

// NewSSERegistry creates an empty registry
func NewSSERegistry(logger *zap.Logger) *SSERegistry {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SSERegistry{
		logger:  logger,
		clients: make(map[string]map[string]SSEWriteFunc),
	}
}

// Register attaches a streaming client to a task
func (r *SSERegistry) Register(taskID, clientID string, write SSEWriteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	writers := r.clients[taskID]
	if writers == nil {
		writers = make(map[string]SSEWriteFunc)
		r.clients[taskID] = writers
	}
	writers[clientID] = write
}

// Unregister detaches a streaming client. Safe to call for unknown ids.
func (r *SSERegistry) Unregister(taskID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	writers := r.clients[taskID]
	delete(writers, clientID)
	if len(writers) == 0 {
		delete(r.clients, taskID)
	}
}

// ClientCount returns the number of clients attached to a task
func (r *SSERegistry) ClientCount(taskID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[taskID])
}

// Broadcast writes one event to every client attached to the task. Clients
// whose writer fails are evicted.
func (r *SSERegistry) Broadcast(taskID string, event types.Event) {
	r.mu.RLock()
	snapshot := make(map[string]SSEWriteFunc, len(r.clients[taskID]))
	for clientID, write := range r.clients[taskID] {
		snapshot[clientID] = write
	}
	r.mu.RUnlock()

	for clientID, write := range snapshot {
		if err := write(event); err != nil {
			r.logger.Warn("streaming client write failed, evicting",
				zap.String("task_id", taskID),
				zap.String("client_id", clientID),
				zap.Error(err))
			r.Unregister(taskID, clientID)
		}
	}
}

// WebhookPayload is the body POSTed to registered webhook URLs
type WebhookPayload struct {
	EventType string      `json:"event_type"`
	EventData types.Event `json:"event_data"`
	Timestamp string      `json:"timestamp"`
	Attempt   int         `json:"attempt"`
}

// WebhookConfig bounds webhook delivery behavior. ProtocolVersion is stamped
// into the User-Agent of every delivery.
type WebhookConfig struct {
	Timeout         time.Duration
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMax        time.Duration
	ProtocolVersion string
}

// pendingDelivery is one webhook delivery awaiting its next attempt
type pendingDelivery struct {
	taskID      string
	config      types.PushNotificationConfig
	event       types.Event
	attempt     int
	nextAttempt time.Time
}

// WebhookSender delivers task events to registered webhook URLs with
// exponential backoff. Failed deliveries retry up to MaxAttempts; a config
// that exhausts its attempts is marked inactive in the store.
type WebhookSender struct {
	logger     *zap.Logger
	store      TaskStore
	httpClient *http.Client
	cfg        WebhookConfig

	mu      sync.Mutex
	pending []pendingDelivery

	stop chan struct{}
	done chan struct{}
}

// NewWebhookSender creates a webhook sender. Zero config fields fall back to
// protocol defaults.
func NewWebhookSender(logger *zap.Logger, store TaskStore, cfg WebhookConfig) *WebhookSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 60 * time.Second
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = "0.3.0"
	}

	return &WebhookSender{
		logger:     logger,
		store:      store,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the retry worker, which rescans pending deliveries every
// second.
func (s *WebhookSender) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.retryDue()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the retry worker. Pending deliveries are abandoned.
func (s *WebhookSender) Stop() {
	close(s.stop)
	<-s.done
}

// Enqueue schedules delivery of one event to every active config of the
// task. First attempts run immediately on a separate goroutine.
func (s *WebhookSender) Enqueue(ctx context.Context, taskID string, event types.Event) {
	configs, err := s.store.ListPushConfigs(ctx, taskID)
	if err != nil {
		s.logger.Error("failed to list push configs",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}

	for _, bound := range configs {
		if !bound.PushNotificationConfig.Active {
			continue
		}
		delivery := pendingDelivery{
			taskID:  taskID,
			config:  bound.PushNotificationConfig,
			event:   event,
			attempt: 1,
		}
		go s.attempt(context.WithoutCancel(ctx), delivery)
	}
}

// retryDue re-attempts every pending delivery whose backoff has elapsed
func (s *WebhookSender) retryDue() {
	now := time.Now()

	s.mu.Lock()
	var due []pendingDelivery
	var remaining []pendingDelivery
	for _, delivery := range s.pending {
		if delivery.nextAttempt.After(now) {
			remaining = append(remaining, delivery)
		} else {
			due = append(due, delivery)
		}
	}
	s.pending = remaining
	s.mu.Unlock()

	for _, delivery := range due {
		go s.attempt(context.Background(), delivery)
	}
}

// attempt performs one POST and either records success, schedules a retry or
// deactivates the config.
func (s *WebhookSender) attempt(ctx context.Context, delivery pendingDelivery) {
	err := s.post(ctx, delivery)
	now := nowRFC3339()

	if err == nil {
		delivery.config.RetryCount = 0
		delivery.config.LastError = nil
		delivery.config.LastSuccessAt = &now
		s.persistConfig(ctx, delivery.taskID, delivery.config)

		s.logger.Info("push notification delivered",
			zap.String("task_id", delivery.taskID),
			zap.String("webhook_url", delivery.config.URL),
			zap.Int("attempt", delivery.attempt))
		return
	}

	errText := err.Error()
	delivery.config.RetryCount = delivery.attempt
	delivery.config.LastError = &errText
	delivery.config.LastFailureAt = &now

	if delivery.attempt >= s.cfg.MaxAttempts {
		delivery.config.Active = false
		s.persistConfig(ctx, delivery.taskID, delivery.config)

		s.logger.Error("push notification config deactivated after repeated failures",
			zap.String("task_id", delivery.taskID),
			zap.String("webhook_url", delivery.config.URL),
			zap.Int("attempts", delivery.attempt),
			zap.Error(err))
		return
	}

	s.persistConfig(ctx, delivery.taskID, delivery.config)

	delay := s.backoff(delivery.attempt)
	delivery.attempt++
	delivery.nextAttempt = time.Now().Add(delay)

	s.mu.Lock()
	s.pending = append(s.pending, delivery)
	s.mu.Unlock()

	s.logger.Warn("push notification delivery failed, retry scheduled",
		zap.String("task_id", delivery.taskID),
		zap.String("webhook_url", delivery.config.URL),
		zap.Int("attempt", delivery.attempt-1),
		zap.Duration("retry_in", delay),
		zap.Error(err))
}

// backoff computes the delay before the next attempt: exponential from
// RetryBase, capped at RetryMax, plus uniform jitter of up to 10%.
func (s *WebhookSender) backoff(attempt int) time.Duration {
	delay := s.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.RetryMax {
			delay = s.cfg.RetryMax
			break
		}
	}

	jitter := time.Duration(rand.Int64N(int64(delay)/10 + 1))
	return delay + jitter
}

// webhookEventType names an event in the payload. Status and artifact
// updates use their long form, task and message events their kind as is.
func webhookEventType(event types.Event) string {
	switch event.EventKind() {
	case types.EventKindStatusUpdate:
		return "task_status_update"
	case types.EventKindArtifactUpdate:
		return "task_artifact_update"
	default:
		return string(event.EventKind())
	}
}

// post performs a single webhook POST
func (s *WebhookSender) post(ctx context.Context, delivery pendingDelivery) error {
	payload := WebhookPayload{
		EventType: webhookEventType(delivery.event),
		EventData: delivery.event,
		Timestamp: nowRFC3339(),
		Attempt:   delivery.attempt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "A2A/"+s.cfg.ProtocolVersion)
	req.Header.Set("X-A2A-Task-ID", delivery.taskID)
	if delivery.config.ID != nil {
		req.Header.Set("X-A2A-Config-ID", *delivery.config.ID)
	}
	applyWebhookAuth(req, delivery.config)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("failed to close webhook response body", zap.Error(closeErr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// applyWebhookAuth sets authentication headers per the config
func applyWebhookAuth(req *http.Request, config types.PushNotificationConfig) {
	if config.Token != nil && *config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+*config.Token)
	}

	auth := config.Authentication
	if auth == nil {
		return
	}

	switch auth.Type {
	case types.PushAuthBearer:
		if auth.Credentials != nil {
			req.Header.Set("Authorization", "Bearer "+*auth.Credentials)
		}
	case types.PushAuthBasic:
		if auth.Username != nil && auth.Password != nil {
			req.SetBasicAuth(*auth.Username, *auth.Password)
		} else if auth.Credentials != nil {
			req.Header.Set("Authorization", "Basic "+*auth.Credentials)
		}
	case types.PushAuthAPIKey:
		header := "X-Api-Key"
		if auth.HeaderName != nil && *auth.HeaderName != "" {
			header = *auth.HeaderName
		}
		if auth.Credentials != nil {
			req.Header.Set(header, *auth.Credentials)
		}
	case types.PushAuthCustom:
		for name, value := range auth.Headers {
			req.Header.Set(name, value)
		}
	}
}

// persistConfig writes delivery state back, tolerating configs deleted
// mid-flight.
func (s *WebhookSender) persistConfig(ctx context.Context, taskID string, config types.PushNotificationConfig) {
	if err := s.store.UpdatePushConfig(ctx, taskID, config); err != nil {
		s.logger.Debug("failed to persist push config delivery state",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// PushNotifier fans applied events out to streaming clients and webhooks.
// It is the EventSink wired into the task manager.
type PushNotifier struct {
	sse      *SSERegistry
	webhooks *WebhookSender
}

var _ EventSink = (*PushNotifier)(nil)

// NewPushNotifier creates the fan-out sink. webhooks may be nil when push
// notifications are disabled.
func NewPushNotifier(sse *SSERegistry, webhooks *WebhookSender) *PushNotifier {
	return &PushNotifier{sse: sse, webhooks: webhooks}
}

// SSE exposes the streaming client registry
func (n *PushNotifier) SSE() *SSERegistry {
	return n.sse
}

// Deliver broadcasts the event to attached streaming clients and schedules
// webhook deliveries.
func (n *PushNotifier) Deliver(ctx context.Context, event types.Event) {
	taskID := event.EventTaskID()
	if taskID == "" {
		return
	}

	if n.sse != nil {
		n.sse.Broadcast(taskID, event)
	}
	if n.webhooks != nil {
		n.webhooks.Enqueue(ctx, taskID, event)
	}
}
