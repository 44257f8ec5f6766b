package server

import (
	"errors"
	"fmt"

	"github.com/agentwire/a2a/types"
)

// ProtocolError is an error that maps to a JSON-RPC error envelope. Every
// error crossing the request handler boundary is converted to one.
type ProtocolError struct {
	Code    int
	Message string
	Data    any
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// JSONRPCError converts the error to its wire representation
func (e *ProtocolError) JSONRPCError() *types.JSONRPCError {
	return &types.JSONRPCError{
		Code:    e.Code,
		Message: e.Message,
		Data:    e.Data,
	}
}

// NewParseError creates the error for unparseable request payloads
func NewParseError(data any) *ProtocolError {
	return &ProtocolError{Code: types.ErrorCodeParseError, Message: "Parse error", Data: data}
}

// NewInvalidRequestError creates the error for structurally invalid requests
func NewInvalidRequestError(data any) *ProtocolError {
	return &ProtocolError{Code: types.ErrorCodeInvalidRequest, Message: "Invalid Request", Data: data}
}

// NewMethodNotFoundError creates the error for unknown method names
func NewMethodNotFoundError(method string) *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeMethodNotFound,
		Message: "Method not found",
		Data:    map[string]any{"method": method},
	}
}

// NewInvalidParamsError creates the error for malformed method parameters
func NewInvalidParamsError(detail string) *ProtocolError {
	return &ProtocolError{Code: types.ErrorCodeInvalidParams, Message: "Invalid params", Data: detail}
}

// NewInternalError creates the error for unexpected server failures
func NewInternalError(detail string) *ProtocolError {
	return &ProtocolError{Code: types.ErrorCodeInternalError, Message: "Internal error", Data: detail}
}

// NewTaskNotFoundError creates the error for lookups of unknown task ids
func NewTaskNotFoundError(taskID string) *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeTaskNotFound,
		Message: "Task not found",
		Data:    map[string]any{"taskId": taskID},
	}
}

// NewTaskNotCancelableError creates the error for cancel attempts on tasks
// already in a terminal state.
func NewTaskNotCancelableError(taskID string, state types.TaskState) *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeTaskNotCancelable,
		Message: "Task cannot be canceled",
		Data:    map[string]any{"taskId": taskID, "state": string(state)},
	}
}

// NewInvalidTaskStateError creates the error for operations that are not
// valid in the task's current state, such as sending a follow-up message to
// a task that already settled.
func NewInvalidTaskStateError(taskID string, state types.TaskState) *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeInvalidTaskState,
		Message: fmt.Sprintf("Task is already %s", state),
		Data:    map[string]any{"taskId": taskID, "state": string(state)},
	}
}

// NewPushNotificationNotSupportedError creates the error returned by push
// config methods when push notifications are disabled.
func NewPushNotificationNotSupportedError() *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeCapabilityUnsupported,
		Message: "Push Notification is not supported",
		Data:    map[string]any{"capability": "pushNotifications"},
	}
}

// NewContentTypeNotSupportedError creates the error for media types outside
// the declared input modes.
func NewContentTypeNotSupportedError(mimeType string) *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeCapabilityUnsupported,
		Message: "Incompatible content types",
		Data:    map[string]any{"mimeType": mimeType},
	}
}

// NewAuthenticatedCardNotConfiguredError creates the error returned when no
// extended agent card is configured.
func NewAuthenticatedCardNotConfiguredError() *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeCapabilityUnsupported,
		Message: "Authenticated Extended Card is not configured",
		Data:    map[string]any{"capability": "authenticatedExtendedCard"},
	}
}

// NewStreamingNotSupportedError creates the error returned by streaming
// methods when streaming is disabled.
func NewStreamingNotSupportedError() *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeCapabilityUnsupported,
		Message: "Streaming is not supported",
		Data:    map[string]any{"capability": "streaming"},
	}
}

// NewRateLimitExceededError creates the error for callers exceeding the
// server's rate limits.
func NewRateLimitExceededError(detail string) *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeRateLimitExceeded,
		Message: "Rate limit exceeded",
		Data:    detail,
	}
}

// NewAgentUnavailableError creates the error for requests arriving while the
// agent cannot accept work, such as during shutdown.
func NewAgentUnavailableError(detail string) *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeAgentUnavailable,
		Message: "Agent is unavailable",
		Data:    detail,
	}
}

// NewVersionMismatchError creates the error for requests pinned to a protocol
// version the server does not speak.
func NewVersionMismatchError(requested, supported string) *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeVersionMismatch,
		Message: "Protocol version mismatch",
		Data:    map[string]any{"requested": requested, "supported": supported},
	}
}

// NewResourceExhaustedError creates the error for requests the server cannot
// serve because a bounded resource is at capacity.
func NewResourceExhaustedError(detail string) *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeResourceExhausted,
		Message: "Resource exhausted",
		Data:    detail,
	}
}

// NewAuthenticationRequiredError creates the error for unauthenticated calls
// to protected methods.
func NewAuthenticationRequiredError() *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeAuthenticationRequired,
		Message: "Authentication required",
	}
}

// NewAuthorizationFailedError creates the error for authenticated callers
// lacking permission.
func NewAuthorizationFailedError() *ProtocolError {
	return &ProtocolError{
		Code:    types.ErrorCodeAuthorizationFailed,
		Message: "Authorization failed",
	}
}

// AsProtocolError converts any error to a ProtocolError, wrapping unknown
// errors as internal errors without leaking their details.
func AsProtocolError(err error) *ProtocolError {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr
	}
	return NewInternalError(err.Error())
}
