package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agentwire/a2a/server/config"
	"github.com/agentwire/a2a/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoExecutor completes every task with a text reply and a structured result
type echoExecutor struct {
	result any
}

func (e *echoExecutor) Execute(ctx context.Context, reqCtx *RequestContext, queue *EventQueue) error {
	working := &types.TaskStatusUpdateEvent{
		Kind:      string(types.EventKindStatusUpdate),
		TaskID:    reqCtx.TaskID,
		ContextID: reqCtx.ContextID,
		Status:    types.TaskStatus{State: types.TaskStateWorking},
	}
	if err := queue.Publish(ctx, working); err != nil {
		return err
	}

	completed := &types.TaskStatusUpdateEvent{
		Kind:      string(types.EventKindStatusUpdate),
		TaskID:    reqCtx.TaskID,
		ContextID: reqCtx.ContextID,
		Status: types.TaskStatus{
			State:   types.TaskStateCompleted,
			Message: types.NewAgentTextMessage("done"),
			Result:  e.result,
		},
		Final: true,
	}
	return queue.Publish(ctx, completed)
}

func (e *echoExecutor) Cancel(ctx context.Context, reqCtx *RequestContext, queue *EventQueue) error {
	canceled := &types.TaskStatusUpdateEvent{
		Kind:      string(types.EventKindStatusUpdate),
		TaskID:    reqCtx.TaskID,
		ContextID: reqCtx.ContextID,
		Status:    types.TaskStatus{State: types.TaskStateCanceled},
		Final:     true,
	}
	return queue.Publish(ctx, canceled)
}

type handlerFixture struct {
	cfg     *config.Config
	store   *InMemoryTaskStore
	manager *DefaultTaskManager
	sse     *SSERegistry
	handler *ProtocolHandler
}

func newHandlerFixture(t *testing.T, executor AgentExecutor) *handlerFixture {
	t.Helper()

	cfg, err := config.NewWithDefaults(context.Background(), nil)
	require.NoError(t, err)

	store := NewInMemoryTaskStore(zap.NewNop(), cfg.TaskConfig.MaxHistoryLength)
	sse := NewSSERegistry(zap.NewNop())
	notifier := NewPushNotifier(sse, nil)
	manager := NewDefaultTaskManager(zap.NewNop(), store, notifier, nil, nil, 16, time.Second, 50*time.Millisecond)

	card := NewAgentCardFromConfig(cfg, nil, false)
	handler := NewProtocolHandler(zap.NewNop(), cfg, store, manager, executor, sse, nil, card, nil)

	return &handlerFixture{
		cfg:     cfg,
		store:   store,
		manager: manager,
		sse:     sse,
		handler: handler,
	}
}

func sendParams(t *testing.T, text string, configure func(*types.MessageSendParams)) json.RawMessage {
	t.Helper()

	params := types.MessageSendParams{
		Message: *types.NewUserMessage([]types.Part{types.NewTextPart(text)}),
	}
	if configure != nil {
		configure(&params)
	}

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return raw
}

func rpcRequest(method string, params json.RawMessage) *types.JSONRPCRequest {
	return &types.JSONRPCRequest{
		JSONRPC: types.JSONRPCVersion,
		ID:      json.RawMessage(`1`),
		Method:  method,
		Params:  params,
	}
}

func TestHandleRequest_MethodNotFound(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	_, protoErr := f.handler.HandleRequest(context.Background(), rpcRequest("tasks/unknown", nil), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeMethodNotFound, protoErr.Code)
}

func TestHandleRequest_StreamingMethodInBatch(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	_, protoErr := f.handler.HandleRequest(context.Background(), rpcRequest(MethodMessageStream, nil), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeInvalidRequest, protoErr.Code)
}

func TestHandleRequest_BlockingSendReturnsResult(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{result: map[string]any{"answer": 42}})

	params := sendParams(t, "compute", nil)
	result, protoErr := f.handler.HandleRequest(context.Background(), rpcRequest(MethodMessageSend, params), CallContext{})
	require.Nil(t, protoErr)

	sendResult, ok := result.(types.MessageSendResult)
	require.True(t, ok, "expected MessageSendResult, got %T", result)
	assert.NotEmpty(t, sendResult.TaskID)
	assert.NotNil(t, sendResult.Result)
}

func TestHandleRequest_BlockingSendReturnsTask(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	params := sendParams(t, "hello", nil)
	result, protoErr := f.handler.HandleRequest(context.Background(), rpcRequest(MethodMessageSend, params), CallContext{})
	require.Nil(t, protoErr)

	// No structured result, so the settled task comes back.
	task, ok := result.(*types.Task)
	require.True(t, ok, "expected *types.Task, got %T", result)
	assert.Equal(t, types.TaskStateCompleted, task.Status.State)
}

func TestHandleRequest_NonBlockingSend(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	params := sendParams(t, "hello", func(p *types.MessageSendParams) {
		p.Configuration = &types.MessageSendConfiguration{Blocking: types.BoolPtr(false)}
	})
	result, protoErr := f.handler.HandleRequest(context.Background(), rpcRequest(MethodMessageSend, params), CallContext{})
	require.Nil(t, protoErr)

	task, ok := result.(*types.Task)
	require.True(t, ok)

	// The snapshot comes back before the executor settles the task.
	assert.Contains(t,
		[]types.TaskState{types.TaskStateSubmitted, types.TaskStateWorking, types.TaskStateCompleted},
		task.Status.State)

	require.Eventually(t, func() bool {
		return taskState(t, f.store, task.ID) == types.TaskStateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleRequest_SendToTerminalTask(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	task := newTestTask("t1")
	task.Status.State = types.TaskStateCompleted
	require.NoError(t, f.store.SaveTask(context.Background(), task))

	params := sendParams(t, "follow up", func(p *types.MessageSendParams) {
		p.Message.TaskID = types.StringPtr("t1")
	})
	_, protoErr := f.handler.HandleRequest(context.Background(), rpcRequest(MethodMessageSend, params), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeInvalidTaskState, protoErr.Code)
	assert.Contains(t, protoErr.Message, "already completed")
}

func TestHandleRequest_SendToUnknownTask(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	params := sendParams(t, "follow up", func(p *types.MessageSendParams) {
		p.Message.TaskID = types.StringPtr("missing")
	})
	_, protoErr := f.handler.HandleRequest(context.Background(), rpcRequest(MethodMessageSend, params), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeTaskNotFound, protoErr.Code)
}

func TestHandleRequest_SendRejectsUnsupportedMimeType(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})
	f.cfg.DefaultInputModes = []string{"text/plain"}

	params := types.MessageSendParams{
		Message: *types.NewUserMessage([]types.Part{
			types.FilePart{
				Kind: types.MessagePartKindFile.String(),
				File: types.FileContent{
					MimeType: types.StringPtr("application/zip"),
					Bytes:    types.StringPtr("aGVsbG8="),
				},
			},
		}),
	}
	raw, err := json.Marshal(params)
	require.NoError(t, err)

	_, protoErr := f.handler.HandleRequest(context.Background(), rpcRequest(MethodMessageSend, raw), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeCapabilityUnsupported, protoErr.Code)
}

func TestHandleRequest_TasksGet(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	task := newTestTask("t1")
	for i := 0; i < 5; i++ {
		task.History = append(task.History, userMessage("m"))
	}
	require.NoError(t, f.store.SaveTask(context.Background(), task))

	params := json.RawMessage(`{"id":"t1","historyLength":2}`)
	result, protoErr := f.handler.HandleRequest(context.Background(), rpcRequest(MethodTasksGet, params), CallContext{})
	require.Nil(t, protoErr)

	got, ok := result.(*types.Task)
	require.True(t, ok)
	assert.Len(t, got.History, 2)

	_, protoErr = f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodTasksGet, json.RawMessage(`{"id":"missing"}`)), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeTaskNotFound, protoErr.Code)

	_, protoErr = f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodTasksGet, json.RawMessage(`{}`)), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeInvalidParams, protoErr.Code)
}

func TestHandleRequest_TasksCancel(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	require.NoError(t, f.store.SaveTask(context.Background(), newTestTask("t1")))

	result, protoErr := f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodTasksCancel, json.RawMessage(`{"id":"t1"}`)), CallContext{})
	require.Nil(t, protoErr)

	task, ok := result.(*types.Task)
	require.True(t, ok)
	assert.Equal(t, types.TaskStateCanceled, task.Status.State)

	// A second cancel hits the terminal guard.
	_, protoErr = f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodTasksCancel, json.RawMessage(`{"id":"t1"}`)), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeTaskNotCancelable, protoErr.Code)

	_, protoErr = f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodTasksCancel, json.RawMessage(`{"id":"missing"}`)), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeTaskNotFound, protoErr.Code)
}

func TestHandleRequest_PushConfigLifecycle(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})
	require.NoError(t, f.store.SaveTask(context.Background(), newTestTask("t1")))

	setParams := json.RawMessage(`{"taskId":"t1","pushNotificationConfig":{"url":"https://example.com/hook"}}`)
	result, protoErr := f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodPushConfigSet, setParams), CallContext{})
	require.Nil(t, protoErr)

	bound, ok := result.(*types.TaskPushNotificationConfig)
	require.True(t, ok)
	require.NotNil(t, bound.PushNotificationConfig.ID)
	configID := *bound.PushNotificationConfig.ID

	getParams := json.RawMessage(`{"id":"t1"}`)
	result, protoErr = f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodPushConfigGet, getParams), CallContext{})
	require.Nil(t, protoErr)
	got, ok := result.(*types.TaskPushNotificationConfig)
	require.True(t, ok)
	assert.Equal(t, configID, *got.PushNotificationConfig.ID)

	result, protoErr = f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodPushConfigList, json.RawMessage(`{"id":"t1"}`)), CallContext{})
	require.Nil(t, protoErr)
	configs, ok := result.([]types.TaskPushNotificationConfig)
	require.True(t, ok)
	assert.Len(t, configs, 1)

	deleteParams, err := json.Marshal(types.DeleteTaskPushNotificationConfigParams{
		ID:                       "t1",
		PushNotificationConfigID: configID,
	})
	require.NoError(t, err)
	result, protoErr = f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodPushConfigDelete, deleteParams), CallContext{})
	require.Nil(t, protoErr)
	assert.Nil(t, result)

	_, protoErr = f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodPushConfigGet, getParams), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeInvalidParams, protoErr.Code)
}

func TestHandleRequest_PushConfigValidation(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})
	require.NoError(t, f.store.SaveTask(context.Background(), newTestTask("t1")))

	tests := []struct {
		name   string
		params string
	}{
		{name: "missing task id", params: `{"pushNotificationConfig":{"url":"https://example.com"}}`},
		{name: "missing url", params: `{"taskId":"t1","pushNotificationConfig":{}}`},
		{name: "non http url", params: `{"taskId":"t1","pushNotificationConfig":{"url":"ftp://example.com"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, protoErr := f.handler.HandleRequest(context.Background(),
				rpcRequest(MethodPushConfigSet, json.RawMessage(tt.params)), CallContext{})
			require.NotNil(t, protoErr)
			assert.Equal(t, types.ErrorCodeInvalidParams, protoErr.Code)
		})
	}
}

func TestHandleRequest_PushConfigDisabled(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})
	f.cfg.CapabilitiesConfig.PushNotifications = false

	for _, method := range []string{
		MethodPushConfigSet, MethodPushConfigGet, MethodPushConfigList, MethodPushConfigDelete,
	} {
		_, protoErr := f.handler.HandleRequest(context.Background(),
			rpcRequest(method, json.RawMessage(`{"id":"t1"}`)), CallContext{})
		require.NotNil(t, protoErr, method)
		assert.Equal(t, types.ErrorCodeCapabilityUnsupported, protoErr.Code, method)
	}
}

func TestHandleRequest_AgentCard(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	result, protoErr := f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodAgentGetCard, nil), CallContext{})
	require.Nil(t, protoErr)

	card, ok := result.(types.AgentCard)
	require.True(t, ok)
	assert.Equal(t, f.cfg.ProtocolVersion, card.ProtocolVersion)
}

func TestHandleRequest_AuthenticatedCard(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	// Not configured, auth disabled.
	_, protoErr := f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodAgentGetAuthCard, nil), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeCapabilityUnsupported, protoErr.Code)

	// Auth enabled and no principal on the call.
	f.cfg.AuthConfig.Enable = true
	_, protoErr = f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodAgentGetAuthCard, nil), CallContext{})
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeAuthenticationRequired, protoErr.Code)

	// Authenticated caller with an extended card configured.
	extended := NewAgentCardFromConfig(f.cfg, nil, true)
	f.handler.extendedCard = &extended
	result, protoErr := f.handler.HandleRequest(context.Background(),
		rpcRequest(MethodAgentGetAuthCard, nil), CallContext{Principal: "user-1"})
	require.Nil(t, protoErr)
	_, ok := result.(types.AgentCard)
	assert.True(t, ok)
}

func TestHandleMessageStream_CollectsEvents(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	var events []types.Event
	write := func(event types.Event) error {
		events = append(events, event)
		return nil
	}

	params := sendParams(t, "stream it", nil)
	protoErr := f.handler.HandleMessageStream(context.Background(), params, CallContext{}, write)
	require.Nil(t, protoErr)

	// Initial snapshot plus working and completed updates.
	require.GreaterOrEqual(t, len(events), 3)

	_, ok := events[0].(*types.Task)
	assert.True(t, ok, "first frame is the task snapshot")

	last, ok := events[len(events)-1].(*types.TaskStatusUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, types.TaskStateCompleted, last.Status.State)
	assert.True(t, last.Final)
}

func TestHandleMessageStream_Disabled(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})
	f.cfg.CapabilitiesConfig.Streaming = false

	protoErr := f.handler.HandleMessageStream(context.Background(), sendParams(t, "x", nil), CallContext{},
		func(event types.Event) error { return nil })
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeCapabilityUnsupported, protoErr.Code)
}

func TestHandleResubscribe_TerminalTask(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	task := newTestTask("t1")
	task.Status.State = types.TaskStateCompleted
	require.NoError(t, f.store.SaveTask(context.Background(), task))

	var events []types.Event
	protoErr := f.handler.HandleResubscribe(context.Background(), json.RawMessage(`{"id":"t1"}`),
		func(event types.Event) error {
			events = append(events, event)
			return nil
		})
	require.Nil(t, protoErr)

	// Terminal task resolves with just the snapshot.
	require.Len(t, events, 1)
	snapshot, ok := events[0].(*types.Task)
	require.True(t, ok)
	assert.Equal(t, types.TaskStateCompleted, snapshot.Status.State)
}

func TestHandleResubscribe_UnknownTask(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	protoErr := f.handler.HandleResubscribe(context.Background(), json.RawMessage(`{"id":"missing"}`),
		func(event types.Event) error { return nil })
	require.NotNil(t, protoErr)
	assert.Equal(t, types.ErrorCodeTaskNotFound, protoErr.Code)
}

func TestAcceptsMimeType(t *testing.T) {
	tests := []struct {
		name     string
		modes    []string
		mimeType string
		want     bool
	}{
		{name: "empty modes accept all", modes: nil, mimeType: "application/zip", want: true},
		{name: "exact match", modes: []string{"text/plain"}, mimeType: "text/plain", want: true},
		{name: "case insensitive", modes: []string{"text/plain"}, mimeType: "Text/Plain", want: true},
		{name: "wildcard", modes: []string{"*/*"}, mimeType: "image/png", want: true},
		{name: "prefix wildcard", modes: []string{"image/*"}, mimeType: "image/png", want: true},
		{name: "prefix wildcard miss", modes: []string{"image/*"}, mimeType: "text/plain", want: false},
		{name: "no match", modes: []string{"text/plain"}, mimeType: "application/zip", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, acceptsMimeType(tt.modes, tt.mimeType))
		})
	}
}

func TestAttachStreamClient_ConcurrentFinalEvents(t *testing.T) {
	f := newHandlerFixture(t, &echoExecutor{})

	done := f.handler.attachStreamClient("t1", func(event types.Event) error { return nil })

	final := statusEvent("t1", types.TaskStateCompleted)
	final.Final = true

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.sse.Broadcast("t1", final)
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("final event did not close the stream")
	}
}
