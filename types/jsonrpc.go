package types

import (
	"bytes"
	"encoding/json"
)

// JSONRPCVersion is the only protocol version accepted on the wire
const JSONRPCVersion = "2.0"

// JSON-RPC 2.0 standard error codes
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603
)

// A2A protocol error codes, reserved range [-32010, -32001]
const (
	ErrorCodeTaskNotFound           = -32001
	ErrorCodeTaskNotCancelable      = -32002
	ErrorCodeInvalidTaskState       = -32003
	ErrorCodeAuthenticationRequired = -32004
	ErrorCodeAuthorizationFailed    = -32005
	ErrorCodeRateLimitExceeded      = -32006
	ErrorCodeAgentUnavailable       = -32007
	ErrorCodeVersionMismatch        = -32008
	ErrorCodeCapabilityUnsupported  = -32009
	ErrorCodeResourceExhausted      = -32010
)

// JSONRPCRequest is a single JSON-RPC 2.0 request envelope. ID is kept raw so
// string, number and null ids round-trip unchanged; a nil ID means the id
// member was absent.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

var jsonNull = []byte("null")

// IsNotification reports whether the request carries no usable id and
// therefore must not produce a response.
func (r *JSONRPCRequest) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, jsonNull)
}

// JSONRPCError is the error member of a failed JSON-RPC response
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSONRPCResponse is a single JSON-RPC 2.0 response envelope. Exactly one of
// Result and Error is set.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// NewJSONRPCResponse creates a success response bound to the given request id
func NewJSONRPCResponse(id json.RawMessage, result any) *JSONRPCResponse {
	if len(id) == 0 {
		id = json.RawMessage(jsonNull)
	}
	return &JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

// NewJSONRPCErrorResponse creates an error response bound to the given
// request id. A nil id serializes as null per the JSON-RPC 2.0 spec.
func NewJSONRPCErrorResponse(id json.RawMessage, code int, message string, data any) *JSONRPCResponse {
	if len(id) == 0 {
		id = json.RawMessage(jsonNull)
	}
	return &JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
