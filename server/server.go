package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"

	config "github.com/agentwire/a2a/server/config"
	middlewares "github.com/agentwire/a2a/server/middlewares"
	otel "github.com/agentwire/a2a/server/otel"
	types "github.com/agentwire/a2a/types"
	gin "github.com/gin-gonic/gin"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	envconfig "github.com/sethvargo/go-envconfig"
	zap "go.uber.org/zap"
)

// Build-time metadata, settable with -ldflags
var (
	BuildAgentName        = "a2a-agent"
	BuildAgentDescription = "A2A protocol agent"
	BuildAgentVersion     = "dev"
)

// A2AServer defines the interface for an A2A-compatible server
type A2AServer interface {
	// Start starts the A2A server on the configured port
	Start(ctx context.Context) error

	// Stop gracefully stops the A2A server
	Stop(ctx context.Context) error

	// GetAgentCard returns the agent's capabilities and metadata
	GetAgentCard() *types.AgentCard

	// SetAgentCard sets a custom agent card that overrides the default card generation
	SetAgentCard(agentCard types.AgentCard)

	// SetExtendedAgentCard sets the card served to authenticated callers
	SetExtendedAgentCard(agentCard types.AgentCard)

	// LoadAgentCardFromFile loads and sets an agent card from a JSON file
	// The optional overrides map allows dynamic replacement of JSON attribute values
	LoadAgentCardFromFile(filePath string, overrides map[string]any) error

	// SetAgentExecutor sets the business logic invoked for each request
	SetAgentExecutor(executor AgentExecutor)

	// SetSkills sets the skills advertised on the generated agent card
	SetSkills(skills []types.AgentSkill)

	// TaskStore exposes the configured task store
	TaskStore() TaskStore

	// Registry exposes the capability registry for task event listeners
	Registry() *CapabilityRegistry
}

type A2AServerImpl struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    TaskStore
	manager  TaskManager
	sse      *SSERegistry
	webhooks *WebhookSender
	registry *CapabilityRegistry
	otel     otel.OpenTelemetry

	// Server state
	httpServer    *http.Server
	metricsServer *http.Server

	// Business logic
	executor AgentExecutor

	// Part offloading, nil when artifacts storage is disabled
	offloader *PartOffloader

	// Custom agent cards
	customAgentCard   *types.AgentCard
	extendedAgentCard *types.AgentCard
	skills            []types.AgentSkill

	// Protocol handler, built at Start once the executor and cards are known
	handler *ProtocolHandler
}

var _ A2AServer = (*A2AServerImpl)(nil)

// NewA2AServer creates a new A2A server with the provided configuration and logger
func NewA2AServer(cfg *config.Config, logger *zap.Logger, telemetry otel.OpenTelemetry) *A2AServerImpl {
	if cfg.AgentName == "" {
		cfg.AgentName = BuildAgentName
	}
	if cfg.AgentDescription == "" {
		cfg.AgentDescription = BuildAgentDescription
	}
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = BuildAgentVersion
	}

	ctx := context.Background()
	store := createTaskStore(ctx, cfg, logger)

	sse := NewSSERegistry(logger)
	webhooks := NewWebhookSender(logger, store, WebhookConfig{
		Timeout:         cfg.PushConfig.Timeout,
		MaxAttempts:     cfg.PushConfig.MaxAttempts,
		RetryBase:       cfg.PushConfig.RetryBase,
		RetryMax:        cfg.PushConfig.RetryMax,
		ProtocolVersion: cfg.ProtocolVersion,
	})
	notifier := NewPushNotifier(sse, webhooks)

	registry := NewCapabilityRegistry(logger, CapabilityFlags{
		Streaming:              cfg.CapabilitiesConfig.Streaming,
		PushNotifications:      cfg.CapabilitiesConfig.PushNotifications,
		StateTransitionHistory: cfg.CapabilitiesConfig.StateTransitionHistory,
	})

	var metrics TaskManagerMetrics
	if telemetry != nil {
		metrics = telemetry
	}

	server := &A2AServerImpl{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		sse:      sse,
		webhooks: webhooks,
		registry: registry,
		otel:     telemetry,
	}

	server.manager = NewDefaultTaskManager(
		logger,
		store,
		notifier,
		registry,
		metrics,
		cfg.TaskConfig.EventQueueCapacity,
		cfg.TaskConfig.SubscriberWriteTimeout,
		cfg.TaskConfig.CancelGracePeriod,
	)

	if cfg.ArtifactsConfig.Enable {
		provider, err := NewArtifactStorageProvider(cfg.ArtifactsConfig.StorageConfig)
		if err != nil {
			logger.Warn("failed to create artifact storage provider, part offloading disabled",
				zap.String("provider", cfg.ArtifactsConfig.StorageConfig.Provider),
				zap.Error(err))
		} else {
			server.offloader = NewPartOffloader(logger, provider, cfg.ArtifactsConfig.MinSizeBytes)
		}
	}

	return server
}

// NewDefaultA2AServer creates a new default A2A server implementation
func NewDefaultA2AServer(cfg *config.Config) *A2AServerImpl {
	finalCfg, err := config.LoadWithLookuper(context.Background(), cfg, envconfig.OsLookuper())
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	var logger *zap.Logger
	if finalCfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	var telemetryInstance otel.OpenTelemetry
	if finalCfg.TelemetryConfig.Enable {
		telemetryInstance, err = otel.NewOpenTelemetry(finalCfg, logger)
		if err != nil {
			logger.Fatal("failed to initialize telemetry", zap.Error(err))
		}
		metricsAddr := finalCfg.TelemetryConfig.MetricsConfig.Host + ":" + finalCfg.TelemetryConfig.MetricsConfig.Port
		logger.Info("telemetry enabled - metrics will be available", zap.String("metrics_url", metricsAddr+"/metrics"))
	}

	return NewA2AServer(finalCfg, logger, telemetryInstance)
}

// createTaskStore builds the configured store, falling back to in-memory
func createTaskStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) TaskStore {
	switch cfg.StorageConfig.Provider {
	case "redis":
		store, err := NewRedisTaskStore(ctx, cfg.StorageConfig, logger, cfg.TaskConfig.MaxHistoryLength)
		if err != nil {
			logger.Warn("failed to create redis task store, falling back to in-memory",
				zap.Error(err))
			return NewInMemoryTaskStore(logger, cfg.TaskConfig.MaxHistoryLength)
		}
		return store
	case "", "memory":
		logger.Info("using in-memory task store")
		return NewInMemoryTaskStore(logger, cfg.TaskConfig.MaxHistoryLength)
	default:
		logger.Warn("unknown storage provider, falling back to in-memory",
			zap.String("provider", cfg.StorageConfig.Provider))
		return NewInMemoryTaskStore(logger, cfg.TaskConfig.MaxHistoryLength)
	}
}

// SetAgentExecutor sets the business logic invoked for each request
func (s *A2AServerImpl) SetAgentExecutor(executor AgentExecutor) {
	s.executor = executor
}

// SetSkills sets the skills advertised on the generated agent card
func (s *A2AServerImpl) SetSkills(skills []types.AgentSkill) {
	s.skills = skills
}

// SetAgentCard sets a custom agent card that overrides the default card generation
func (s *A2AServerImpl) SetAgentCard(agentCard types.AgentCard) {
	s.customAgentCard = &agentCard
}

// SetExtendedAgentCard sets the card served to authenticated callers
func (s *A2AServerImpl) SetExtendedAgentCard(agentCard types.AgentCard) {
	s.extendedAgentCard = &agentCard
}

// GetAgentCard returns the agent's capabilities and metadata
func (s *A2AServerImpl) GetAgentCard() *types.AgentCard {
	return s.customAgentCard
}

// TaskStore exposes the configured task store
func (s *A2AServerImpl) TaskStore() TaskStore {
	return s.store
}

// Registry exposes the capability registry for task event listeners
func (s *A2AServerImpl) Registry() *CapabilityRegistry {
	return s.registry
}

// LoadAgentCardFromFile loads and sets an agent card from a JSON file
// The optional overrides map allows dynamic replacement of JSON attribute values
func (s *A2AServerImpl) LoadAgentCardFromFile(filePath string, overrides map[string]any) error {
	if filePath == "" {
		return nil
	}

	s.logger.Info("loading agent card from file", zap.String("file_path", filePath))

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read agent card file: %w", err)
	}

	var rawData map[string]any
	if err := json.Unmarshal(data, &rawData); err != nil {
		return fmt.Errorf("failed to parse agent card JSON: %w", err)
	}

	for key, value := range overrides {
		s.logger.Debug("overriding agent card attribute",
			zap.String("key", key),
			zap.Any("value", value))
		rawData[key] = value
	}

	modifiedData, err := json.Marshal(rawData)
	if err != nil {
		return fmt.Errorf("failed to marshal modified agent card data: %w", err)
	}

	var agentCard types.AgentCard
	if err := json.Unmarshal(modifiedData, &agentCard); err != nil {
		return fmt.Errorf("failed to parse modified agent card JSON: %w", err)
	}

	s.logger.Info("successfully loaded agent card from file",
		zap.String("name", agentCard.Name),
		zap.String("version", agentCard.Version),
		zap.Int("overrides_count", len(overrides)))
	s.customAgentCard = &agentCard
	return nil
}

// prefixed joins the configured path prefix with a route path
func (s *A2AServerImpl) prefixed(path string) string {
	if s.cfg.PathPrefix == "/" {
		return path
	}
	return s.cfg.PathPrefix + path
}

// setupRouter configures the HTTP router with A2A endpoints
func (s *A2AServerImpl) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if s.cfg.Debug {
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middlewares.LoggingMiddleware(s.logger, s.cfg.ServerConfig.DisableHealthcheckLog))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": types.HealthStatusHealthy})
	})

	r.GET(s.prefixed("/.well-known/a2a/agent-card"), s.handleAgentCard)
	r.GET("/.well-known/agent-card.json", s.handleAgentCard)

	var rpcMiddlewares []gin.HandlerFunc

	if s.cfg.TelemetryConfig.Enable && s.otel != nil {
		telemetryMw, err := middlewares.NewTelemetryMiddleware(*s.cfg, s.otel, s.logger)
		if err != nil {
			s.logger.Error("failed to create telemetry middleware", zap.Error(err))
		} else {
			rpcMiddlewares = append(rpcMiddlewares, telemetryMw.Middleware())
		}
	}

	if s.cfg.AuthConfig.Enable {
		oidcAuthenticator, err := middlewares.NewOIDCAuthenticatorMiddleware(s.logger, *s.cfg)
		if err != nil {
			s.logger.Error("failed to create OIDC authenticator", zap.Error(err))
			return r
		}
		s.logger.Info("authentication enabled on protocol routes")
		rpcMiddlewares = append(rpcMiddlewares, oidcAuthenticator.Middleware())
	} else {
		s.logger.Warn("authentication is disabled")
	}

	r.POST(s.prefixed("/a2a/rpc"), withHandler(rpcMiddlewares, s.handleRPC)...)
	r.GET(s.prefixed("/a2a/agent-card/extended"), withHandler(rpcMiddlewares, s.handleExtendedAgentCard)...)

	return r
}

// Start starts the A2A server
func (s *A2AServerImpl) Start(ctx context.Context) error {
	if s.executor == nil {
		return fmt.Errorf("an agent executor must be configured before starting the server - use SetAgentExecutor()")
	}

	if s.customAgentCard == nil {
		card := NewAgentCardFromConfig(s.cfg, s.skills, s.extendedAgentCard != nil)
		s.customAgentCard = &card
	}

	s.handler = NewProtocolHandler(
		s.logger,
		s.cfg,
		s.store,
		s.manager,
		s.executor,
		s.sse,
		s.offloader,
		*s.customAgentCard,
		s.extendedAgentCard,
	)

	router := s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.cfg.ServerConfig.Port),
		Handler:      router,
		ReadTimeout:  s.cfg.ServerConfig.ReadTimeout,
		WriteTimeout: s.cfg.ServerConfig.WriteTimeout,
		IdleTimeout:  s.cfg.ServerConfig.IdleTimeout,
	}

	s.logger.Info("starting A2A server",
		zap.String("port", s.cfg.ServerConfig.Port),
		zap.String("agent_name", s.cfg.AgentName),
		zap.String("agent_version", s.cfg.AgentVersion),
		zap.String("protocol_version", s.cfg.ProtocolVersion))

	s.webhooks.Start()

	if s.cfg.TelemetryConfig.Enable && s.otel != nil {
		go func() {
			metricsRouter := gin.New()
			metricsRouter.Use(gin.Recovery())
			metricsRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))

			metricsAddr := s.cfg.TelemetryConfig.MetricsConfig.Host + ":" + s.cfg.TelemetryConfig.MetricsConfig.Port
			s.metricsServer = &http.Server{
				Addr:         metricsAddr,
				Handler:      metricsRouter,
				ReadTimeout:  s.cfg.TelemetryConfig.MetricsConfig.ReadTimeout,
				WriteTimeout: s.cfg.TelemetryConfig.MetricsConfig.WriteTimeout,
				IdleTimeout:  s.cfg.TelemetryConfig.MetricsConfig.IdleTimeout,
			}

			s.logger.Info("starting metrics server", zap.String("port", s.cfg.TelemetryConfig.MetricsConfig.Port))
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	if s.cfg.ServerConfig.TLSConfig.Enable {
		return s.httpServer.ListenAndServeTLS(s.cfg.ServerConfig.TLSConfig.CertPath, s.cfg.ServerConfig.TLSConfig.KeyPath)
	}

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the A2A server
func (s *A2AServerImpl) Stop(ctx context.Context) error {
	s.logger.Info("stopping A2A server")

	var err error

	s.webhooks.Stop()

	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error("error stopping HTTP server", zap.Error(shutdownErr))
			err = shutdownErr
		}
	}

	if s.metricsServer != nil {
		if shutdownErr := s.metricsServer.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error("error stopping metrics server", zap.Error(shutdownErr))
			if err == nil {
				err = shutdownErr
			}
		}
	}

	if s.otel != nil {
		if shutdownErr := s.otel.ShutDown(ctx); shutdownErr != nil {
			s.logger.Error("error shutting down telemetry", zap.Error(shutdownErr))
			if err == nil {
				err = shutdownErr
			}
		}
	}

	defer func() {
		_ = s.logger.Sync()
	}()

	return err
}

// handleAgentCard returns agent capabilities and metadata
func (s *A2AServerImpl) handleAgentCard(c *gin.Context) {
	agentCard := s.customAgentCard
	if agentCard == nil {
		s.logger.Error("no agent card configured")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "agent card not configured",
		})
		return
	}
	c.JSON(http.StatusOK, *agentCard)
}

// handleExtendedAgentCard returns the extended card to authenticated callers
func (s *A2AServerImpl) handleExtendedAgentCard(c *gin.Context) {
	if s.extendedAgentCard == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "extended agent card not configured",
		})
		return
	}
	c.JSON(http.StatusOK, *s.extendedAgentCard)
}

// withHandler appends a terminal handler to a copied middleware chain
func withHandler(chain []gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
	handlers := make([]gin.HandlerFunc, 0, len(chain)+1)
	handlers = append(handlers, chain...)
	return append(handlers, handler)
}

// errorResponse shapes a protocol error as a JSON-RPC error response
func errorResponse(id json.RawMessage, protoErr *ProtocolError) *types.JSONRPCResponse {
	return types.NewJSONRPCErrorResponse(id, protoErr.Code, protoErr.Message, protoErr.Data)
}

// callContextFrom extracts the transport facts of one request
func callContextFrom(c *gin.Context) CallContext {
	headers := make(map[string]string, len(c.Request.Header))
	for name := range c.Request.Header {
		headers[name] = c.GetHeader(name)
	}

	return CallContext{
		RemoteAddr: c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		Headers:    headers,
		Principal:  c.GetString(string(middlewares.PrincipalContextKey)),
	}
}

// handleRPC processes A2A protocol requests, single or batch
func (s *A2AServerImpl) handleRPC(c *gin.Context) {
	if contentType := c.ContentType(); contentType != "application/json" {
		c.JSON(http.StatusUnsupportedMediaType, errorResponse(nil,
			NewInvalidRequestError(fmt.Sprintf("Content-Type must be application/json, got %q", contentType))))
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		s.logger.Error("failed to read request body", zap.Error(err))
		c.JSON(http.StatusOK, errorResponse(nil, NewParseError(err.Error())))
		return
	}

	decoded, protoErr := DecodeRequestBody(body)
	if protoErr != nil {
		c.JSON(http.StatusOK, errorResponse(nil, protoErr))
		return
	}

	call := callContextFrom(c)

	if !decoded.Batch {
		parsed := decoded.Requests[0]
		if parsed.Err == nil && IsStreamingMethod(parsed.Request.Method) {
			s.handleStreamingRPC(c, parsed.Request, call)
			return
		}
	}

	responses := make([]*types.JSONRPCResponse, 0, len(decoded.Requests))
	for _, parsed := range decoded.Requests {
		responses = append(responses, s.dispatchOne(c.Request.Context(), parsed, call))
	}

	payload, err := EncodeResponses(decoded, responses)
	if err != nil {
		s.logger.Error("failed to encode responses", zap.Error(err))
		c.JSON(http.StatusOK, errorResponse(nil, NewInternalError(err.Error())))
		return
	}

	// All notifications
	if payload == nil {
		c.Status(http.StatusNoContent)
		return
	}

	c.Data(http.StatusOK, "application/json", payload)
}

// dispatchOne runs one parsed request and shapes its response. Notifications
// are executed but yield no response.
func (s *A2AServerImpl) dispatchOne(ctx context.Context, parsed ParsedRequest, call CallContext) *types.JSONRPCResponse {
	if parsed.Err != nil {
		return errorResponse(parsed.ID, parsed.Err)
	}

	req := parsed.Request

	s.logger.Info("received a2a request",
		zap.String("method", req.Method))

	result, protoErr := s.handler.HandleRequest(ctx, req, call)

	if req.IsNotification() {
		return nil
	}

	if protoErr != nil {
		return errorResponse(req.ID, protoErr)
	}
	return types.NewJSONRPCResponse(req.ID, result)
}

// handleStreamingRPC serves message/stream and tasks/resubscribe over SSE.
// Every frame is a JSON-RPC response envelope carrying one event, terminated
// by a [DONE] sentinel.
func (s *A2AServerImpl) handleStreamingRPC(c *gin.Context, req *types.JSONRPCRequest, call CallContext) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusOK, errorResponse(req.ID,
			NewInternalError("streaming unsupported by connection")))
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	var writeMu sync.Mutex
	writeFrame := func(payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	write := func(event types.Event) error {
		payload, err := json.Marshal(types.NewJSONRPCResponse(req.ID, event))
		if err != nil {
			return err
		}
		return writeFrame(payload)
	}

	var protoErr *ProtocolError
	switch req.Method {
	case MethodMessageStream:
		protoErr = s.handler.HandleMessageStream(c.Request.Context(), req.Params, call, write)
	case MethodTasksResubscribe:
		protoErr = s.handler.HandleResubscribe(c.Request.Context(), req.Params, write)
	}

	if protoErr != nil {
		payload, err := json.Marshal(errorResponse(req.ID, protoErr))
		if err == nil {
			_ = writeFrame(payload)
		}
	}

	_ = writeFrame([]byte("[DONE]"))
}
