package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/agentwire/a2a/server/config"
	"github.com/agentwire/a2a/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JSON-RPC method names of the A2A protocol
const (
	MethodMessageSend      = "message/send"
	MethodMessageStream    = "message/stream"
	MethodTasksGet         = "tasks/get"
	MethodTasksCancel      = "tasks/cancel"
	MethodTasksResubscribe = "tasks/resubscribe"
	MethodPushConfigSet    = "tasks/pushNotificationConfig/set"
	MethodPushConfigGet    = "tasks/pushNotificationConfig/get"
	MethodPushConfigList   = "tasks/pushNotificationConfig/list"
	MethodPushConfigDelete = "tasks/pushNotificationConfig/delete"
	MethodAgentGetCard     = "agent/getCard"
	MethodAgentGetAuthCard = "agent/getAuthenticatedExtendedCard"
)

// IsStreamingMethod reports whether a method produces an SSE stream.
// Streaming methods cannot appear inside batches.
func IsStreamingMethod(method string) bool {
	return method == MethodMessageStream || method == MethodTasksResubscribe
}

// ProtocolHandler dispatches decoded JSON-RPC requests to the task pipeline
type ProtocolHandler struct {
	logger       *zap.Logger
	cfg          *config.Config
	store        TaskStore
	manager      TaskManager
	executor     AgentExecutor
	sse          *SSERegistry
	offloader    *PartOffloader
	agentCard    types.AgentCard
	extendedCard *types.AgentCard
}

// NewProtocolHandler creates the request handler. offloader and extendedCard
// may be nil.
func NewProtocolHandler(
	logger *zap.Logger,
	cfg *config.Config,
	store TaskStore,
	manager TaskManager,
	executor AgentExecutor,
	sse *SSERegistry,
	offloader *PartOffloader,
	agentCard types.AgentCard,
	extendedCard *types.AgentCard,
) *ProtocolHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProtocolHandler{
		logger:       logger,
		cfg:          cfg,
		store:        store,
		manager:      manager,
		executor:     executor,
		sse:          sse,
		offloader:    offloader,
		agentCard:    agentCard,
		extendedCard: extendedCard,
	}
}

// HandleRequest dispatches one non-streaming request and returns its result
func (h *ProtocolHandler) HandleRequest(ctx context.Context, req *types.JSONRPCRequest, call CallContext) (any, *ProtocolError) {
	switch req.Method {
	case MethodMessageSend:
		return h.handleMessageSend(ctx, req.Params, call)
	case MethodTasksGet:
		return h.handleTasksGet(ctx, req.Params)
	case MethodTasksCancel:
		return h.handleTasksCancel(ctx, req.Params)
	case MethodPushConfigSet:
		return h.handlePushConfigSet(ctx, req.Params)
	case MethodPushConfigGet:
		return h.handlePushConfigGet(ctx, req.Params)
	case MethodPushConfigList:
		return h.handlePushConfigList(ctx, req.Params)
	case MethodPushConfigDelete:
		return h.handlePushConfigDelete(ctx, req.Params)
	case MethodAgentGetCard:
		return h.agentCard, nil
	case MethodAgentGetAuthCard:
		return h.handleAuthenticatedCard(call)
	case MethodMessageStream, MethodTasksResubscribe:
		// Reached only from inside a batch; streaming is point-to-point.
		return nil, NewInvalidRequestError("streaming methods are not allowed in batch requests")
	default:
		return nil, NewMethodNotFoundError(req.Method)
	}
}

// acceptsMimeType checks a media type against the configured input modes.
// An empty mode list accepts everything.
func acceptsMimeType(modes []string, mimeType string) bool {
	if len(modes) == 0 || mimeType == "" {
		return true
	}
	for _, mode := range modes {
		if mode == "*/*" || strings.EqualFold(mode, mimeType) {
			return true
		}
		if prefix, ok := strings.CutSuffix(mode, "/*"); ok {
			if strings.HasPrefix(strings.ToLower(mimeType), strings.ToLower(prefix)+"/") {
				return true
			}
		}
	}
	return false
}

// validateInputModes rejects file parts whose media type the agent does not
// accept.
func (h *ProtocolHandler) validateInputModes(message *types.Message) *ProtocolError {
	for _, part := range message.Parts {
		filePart, ok := part.(types.FilePart)
		if !ok || filePart.File.MimeType == nil {
			continue
		}
		if !acceptsMimeType(h.cfg.DefaultInputModes, *filePart.File.MimeType) {
			return NewContentTypeNotSupportedError(*filePart.File.MimeType)
		}
	}
	return nil
}

// prepareSend validates and resolves a send request into a request context
// with a persisted task.
func (h *ProtocolHandler) prepareSend(ctx context.Context, params json.RawMessage, call CallContext) (*types.MessageSendParams, *RequestContext, *ProtocolError) {
	var p types.MessageSendParams
	if protoErr := UnmarshalParams(params, &p); protoErr != nil {
		return nil, nil, protoErr
	}

	if err := p.Message.Validate(); err != nil {
		return nil, nil, NewInvalidParamsError(err.Error())
	}
	if protoErr := h.validateInputModes(&p.Message); protoErr != nil {
		return nil, nil, protoErr
	}

	if h.offloader != nil {
		h.offloader.OffloadMessageParts(ctx, &p.Message)
	}

	var task *types.Task
	if p.Message.TaskID != nil && *p.Message.TaskID != "" {
		existing, err := h.store.GetTask(ctx, *p.Message.TaskID, nil)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				return nil, nil, NewTaskNotFoundError(*p.Message.TaskID)
			}
			return nil, nil, NewInternalError(err.Error())
		}
		if existing.Status.State.IsTerminal() {
			return nil, nil, NewInvalidTaskStateError(existing.ID, existing.Status.State)
		}
		task = existing
	}

	reqCtx := NewRequestContext(&p.Message, task, call, p.Metadata)

	if task == nil {
		created, err := h.manager.CreateTask(ctx, reqCtx)
		if err != nil {
			return nil, nil, NewInternalError(err.Error())
		}
		reqCtx.Task = created
	} else {
		updated, err := h.store.AppendMessage(ctx, reqCtx.TaskID, p.Message)
		if err != nil {
			return nil, nil, NewInternalError(err.Error())
		}
		reqCtx.Task = updated
	}

	return &p, reqCtx, nil
}

// isFinalEvent reports whether an event terminates a stream
func isFinalEvent(event types.Event) bool {
	switch e := event.(type) {
	case *types.TaskStatusUpdateEvent:
		return e.Final || e.Status.State.IsTerminal()
	case *types.Task:
		return e.Status.State.IsTerminal()
	default:
		return false
	}
}

// waitPipelineDrained blocks until the manager's consumer has applied every
// event of a finished pipeline.
func (h *ProtocolHandler) waitPipelineDrained(ctx context.Context, taskID string) {
	for {
		if _, live := h.manager.Queues().Get(taskID); !live {
			return
		}
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

// handleMessageSend runs the send pipeline, blocking until the task settles
// unless the configuration asks otherwise.
func (h *ProtocolHandler) handleMessageSend(ctx context.Context, params json.RawMessage, call CallContext) (any, *ProtocolError) {
	p, reqCtx, protoErr := h.prepareSend(ctx, params, call)
	if protoErr != nil {
		return nil, protoErr
	}

	blocking := true
	var historyLength *int
	if p.Configuration != nil {
		if p.Configuration.Blocking != nil {
			blocking = *p.Configuration.Blocking
		}
		historyLength = p.Configuration.HistoryLength
	}

	queue := h.manager.NewPipeline(reqCtx)

	if !blocking {
		h.manager.Launch(ctx, h.executor, reqCtx, queue)
		task, err := h.store.GetTask(ctx, reqCtx.TaskID, historyLength)
		if err != nil {
			return nil, NewInternalError(err.Error())
		}
		return task, nil
	}

	// Final events are observed post-application through the fan-out
	// registry, so the store read below cannot be stale.
	final := make(chan struct{})
	var finalOnce sync.Once
	clientID := uuid.New().String()
	h.sse.Register(reqCtx.TaskID, clientID, func(event types.Event) error {
		if isFinalEvent(event) {
			finalOnce.Do(func() { close(final) })
		}
		return nil
	})
	defer h.sse.Unregister(reqCtx.TaskID, clientID)

	h.manager.Launch(ctx, h.executor, reqCtx, queue)

	timeout := h.cfg.TaskConfig.SyncSendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-final:
	case <-queue.Done():
		h.waitPipelineDrained(ctx, reqCtx.TaskID)
	case <-timer.C:
		h.logger.Warn("blocking send timed out waiting for terminal state",
			zap.String("task_id", reqCtx.TaskID))
	case <-ctx.Done():
	}

	task, err := h.store.GetTask(ctx, reqCtx.TaskID, historyLength)
	if err != nil {
		return nil, NewInternalError(err.Error())
	}

	if task.Status.State == types.TaskStateCompleted && task.Status.Result != nil {
		return types.MessageSendResult{
			TaskID:    task.ID,
			ContextID: task.ContextID,
			Result:    task.Status.Result,
		}, nil
	}

	return task, nil
}

// HandleMessageStream runs the send pipeline and streams every applied event
// to the write function until a final event or client disconnect.
func (h *ProtocolHandler) HandleMessageStream(ctx context.Context, params json.RawMessage, call CallContext, write SSEWriteFunc) *ProtocolError {
	if !h.cfg.CapabilitiesConfig.Streaming {
		return NewStreamingNotSupportedError()
	}

	_, reqCtx, protoErr := h.prepareSend(ctx, params, call)
	if protoErr != nil {
		return protoErr
	}

	queue := h.manager.NewPipeline(reqCtx)

	if err := write(reqCtx.Task); err != nil {
		queue.Close()
		return NewInternalError(err.Error())
	}

	done := h.attachStreamClient(reqCtx.TaskID, write)
	h.manager.Launch(ctx, h.executor, reqCtx, queue)

	select {
	case <-done:
	case <-queue.Done():
		h.waitPipelineDrained(ctx, reqCtx.TaskID)
	case <-ctx.Done():
	}

	return nil
}

// HandleResubscribe re-attaches a streaming client to an executing task
func (h *ProtocolHandler) HandleResubscribe(ctx context.Context, params json.RawMessage, write SSEWriteFunc) *ProtocolError {
	if !h.cfg.CapabilitiesConfig.Streaming {
		return NewStreamingNotSupportedError()
	}

	var p types.TaskQueryParams
	if protoErr := UnmarshalParams(params, &p); protoErr != nil {
		return protoErr
	}
	if p.ID == "" {
		return NewInvalidParamsError("task id is required")
	}

	task, err := h.store.GetTask(ctx, p.ID, p.HistoryLength)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return NewTaskNotFoundError(p.ID)
		}
		return NewInternalError(err.Error())
	}

	if err := write(task); err != nil {
		return NewInternalError(err.Error())
	}

	// Settled task: the snapshot is the whole stream.
	if task.Status.State.IsTerminal() {
		return nil
	}

	queue, live := h.manager.Queues().Get(p.ID)
	done := h.attachStreamClient(p.ID, write)

	if live {
		select {
		case <-done:
		case <-queue.Done():
			h.waitPipelineDrained(ctx, p.ID)
		case <-ctx.Done():
		}
		return nil
	}

	// No live pipeline; the task can still settle via cancel or a later
	// send, so hold the subscription until a final event or disconnect.
	select {
	case <-done:
	case <-ctx.Done():
	}

	return nil
}

// attachStreamClient registers a write function and returns a channel closed
// after the final event has been written.
func (h *ProtocolHandler) attachStreamClient(taskID string, write SSEWriteFunc) <-chan struct{} {
	done := make(chan struct{})
	clientID := uuid.New().String()

	var doneOnce sync.Once
	h.sse.Register(taskID, clientID, func(event types.Event) error {
		if err := write(event); err != nil {
			return err
		}
		if isFinalEvent(event) {
			doneOnce.Do(func() { close(done) })
		}
		return nil
	})

	go func() {
		<-done
		h.sse.Unregister(taskID, clientID)
	}()

	return done
}

// handleTasksGet returns a task snapshot
func (h *ProtocolHandler) handleTasksGet(ctx context.Context, params json.RawMessage) (any, *ProtocolError) {
	var p types.TaskQueryParams
	if protoErr := UnmarshalParams(params, &p); protoErr != nil {
		return nil, protoErr
	}
	if p.ID == "" {
		return nil, NewInvalidParamsError("task id is required")
	}

	task, err := h.store.GetTask(ctx, p.ID, p.HistoryLength)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, NewTaskNotFoundError(p.ID)
		}
		return nil, NewInternalError(err.Error())
	}

	return task, nil
}

// handleTasksCancel runs the cancel flow
func (h *ProtocolHandler) handleTasksCancel(ctx context.Context, params json.RawMessage) (any, *ProtocolError) {
	var p types.TaskIDParams
	if protoErr := UnmarshalParams(params, &p); protoErr != nil {
		return nil, protoErr
	}
	if p.ID == "" {
		return nil, NewInvalidParamsError("task id is required")
	}

	task, err := h.manager.CancelTask(ctx, h.executor, p.ID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, NewTaskNotFoundError(p.ID)
		}
		if errors.Is(err, ErrTaskTerminal) {
			state := types.TaskStateUnknown
			if task != nil {
				state = task.Status.State
			}
			return nil, NewTaskNotCancelableError(p.ID, state)
		}
		return nil, NewInternalError(err.Error())
	}

	return task, nil
}

// handlePushConfigSet registers a webhook config for a task
func (h *ProtocolHandler) handlePushConfigSet(ctx context.Context, params json.RawMessage) (any, *ProtocolError) {
	if !h.cfg.CapabilitiesConfig.PushNotifications {
		return nil, NewPushNotificationNotSupportedError()
	}

	var p types.TaskPushNotificationConfig
	if protoErr := UnmarshalParams(params, &p); protoErr != nil {
		return nil, protoErr
	}
	if p.TaskID == "" {
		return nil, NewInvalidParamsError("taskId is required")
	}
	url := p.PushNotificationConfig.URL
	if url == "" || (!strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://")) {
		return nil, NewInvalidParamsError("pushNotificationConfig.url must be an http(s) URL")
	}

	result, err := h.store.SetPushConfig(ctx, p.TaskID, p.PushNotificationConfig)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, NewTaskNotFoundError(p.TaskID)
		}
		return nil, NewInternalError(err.Error())
	}

	return result, nil
}

// handlePushConfigGet returns one webhook config
func (h *ProtocolHandler) handlePushConfigGet(ctx context.Context, params json.RawMessage) (any, *ProtocolError) {
	if !h.cfg.CapabilitiesConfig.PushNotifications {
		return nil, NewPushNotificationNotSupportedError()
	}

	var p types.GetTaskPushNotificationConfigParams
	if protoErr := UnmarshalParams(params, &p); protoErr != nil {
		return nil, protoErr
	}
	if p.ID == "" {
		return nil, NewInvalidParamsError("task id is required")
	}

	configID := ""
	if p.PushNotificationConfigID != nil {
		configID = *p.PushNotificationConfigID
	}

	result, err := h.store.GetPushConfig(ctx, p.ID, configID)
	if err != nil {
		return nil, h.mapPushConfigError(err, p.ID)
	}

	return result, nil
}

// handlePushConfigList returns every webhook config of a task
func (h *ProtocolHandler) handlePushConfigList(ctx context.Context, params json.RawMessage) (any, *ProtocolError) {
	if !h.cfg.CapabilitiesConfig.PushNotifications {
		return nil, NewPushNotificationNotSupportedError()
	}

	var p types.ListTaskPushNotificationConfigParams
	if protoErr := UnmarshalParams(params, &p); protoErr != nil {
		return nil, protoErr
	}
	if p.ID == "" {
		return nil, NewInvalidParamsError("task id is required")
	}

	configs, err := h.store.ListPushConfigs(ctx, p.ID)
	if err != nil {
		return nil, h.mapPushConfigError(err, p.ID)
	}

	return configs, nil
}

// handlePushConfigDelete removes one webhook config
func (h *ProtocolHandler) handlePushConfigDelete(ctx context.Context, params json.RawMessage) (any, *ProtocolError) {
	if !h.cfg.CapabilitiesConfig.PushNotifications {
		return nil, NewPushNotificationNotSupportedError()
	}

	var p types.DeleteTaskPushNotificationConfigParams
	if protoErr := UnmarshalParams(params, &p); protoErr != nil {
		return nil, protoErr
	}
	if p.ID == "" || p.PushNotificationConfigID == "" {
		return nil, NewInvalidParamsError("task id and push notification config id are required")
	}

	if err := h.store.DeletePushConfig(ctx, p.ID, p.PushNotificationConfigID); err != nil {
		return nil, h.mapPushConfigError(err, p.ID)
	}

	return nil, nil
}

// mapPushConfigError converts store sentinels into protocol errors
func (h *ProtocolHandler) mapPushConfigError(err error, taskID string) *ProtocolError {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return NewTaskNotFoundError(taskID)
	case errors.Is(err, ErrPushConfigNotFound):
		return NewInvalidParamsError("push notification config not found")
	default:
		return NewInternalError(err.Error())
	}
}

// handleAuthenticatedCard returns the extended agent card to authenticated
// callers.
func (h *ProtocolHandler) handleAuthenticatedCard(call CallContext) (any, *ProtocolError) {
	if h.cfg.AuthConfig.Enable && call.Principal == "" {
		return nil, NewAuthenticationRequiredError()
	}
	if h.extendedCard == nil {
		return nil, NewAuthenticatedCardNotConfiguredError()
	}
	return *h.extendedCard, nil
}
