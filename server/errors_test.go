package server

import (
	"errors"
	"testing"

	"github.com/agentwire/a2a/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *ProtocolError
		code int
	}{
		{name: "parse error", err: NewParseError("bad json"), code: -32700},
		{name: "invalid request", err: NewInvalidRequestError("not an object"), code: -32600},
		{name: "method not found", err: NewMethodNotFoundError("tasks/unknown"), code: -32601},
		{name: "invalid params", err: NewInvalidParamsError("missing id"), code: -32602},
		{name: "internal error", err: NewInternalError("boom"), code: -32603},
		{name: "task not found", err: NewTaskNotFoundError("t1"), code: -32001},
		{name: "task not cancelable", err: NewTaskNotCancelableError("t1", types.TaskStateCompleted), code: -32002},
		{name: "invalid task state", err: NewInvalidTaskStateError("t1", types.TaskStateCompleted), code: -32003},
		{name: "authentication required", err: NewAuthenticationRequiredError(), code: -32004},
		{name: "authorization failed", err: NewAuthorizationFailedError(), code: -32005},
		{name: "rate limit exceeded", err: NewRateLimitExceededError("too many requests"), code: -32006},
		{name: "agent unavailable", err: NewAgentUnavailableError("shutting down"), code: -32007},
		{name: "version mismatch", err: NewVersionMismatchError("0.2.0", "0.3.0"), code: -32008},
		{name: "push notifications unsupported", err: NewPushNotificationNotSupportedError(), code: -32009},
		{name: "streaming unsupported", err: NewStreamingNotSupportedError(), code: -32009},
		{name: "content type unsupported", err: NewContentTypeNotSupportedError("application/zip"), code: -32009},
		{name: "extended card not configured", err: NewAuthenticatedCardNotConfiguredError(), code: -32009},
		{name: "resource exhausted", err: NewResourceExhaustedError("queue full"), code: -32010},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.NotEmpty(t, tt.err.Message)
		})
	}
}

func TestInvalidTaskStateError_CarriesTaskAndState(t *testing.T) {
	err := NewInvalidTaskStateError("t1", types.TaskStateCompleted)
	assert.Contains(t, err.Message, "already completed")

	data, ok := err.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "t1", data["taskId"])
	assert.Equal(t, "completed", data["state"])
}

func TestAsProtocolError(t *testing.T) {
	proto := NewTaskNotFoundError("t1")
	wrapped := errors.Join(proto)

	assert.Equal(t, proto, AsProtocolError(wrapped))

	internal := AsProtocolError(errors.New("disk on fire"))
	assert.Equal(t, types.ErrorCodeInternalError, internal.Code)
}
