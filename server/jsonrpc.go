package server

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agentwire/a2a/types"
)

// ParsedRequest is one element of a decoded JSON-RPC payload. When Err is
// non-nil the element failed envelope validation and Request is nil; ID still
// carries any id the element declared so the error response can be bound to
// it.
type ParsedRequest struct {
	Request *types.JSONRPCRequest
	ID      json.RawMessage
	Err     *ProtocolError
}

// DecodedBody is the result of decoding a JSON-RPC request body. Batch is
// true when the payload was a JSON array, which controls the response shape.
type DecodedBody struct {
	Requests []ParsedRequest
	Batch    bool
}

// DecodeRequestBody parses a JSON-RPC 2.0 payload, single or batch. A payload
// that is not valid JSON or an empty batch yields a ProtocolError that must
// be answered with a single error response bound to a null id.
func DecodeRequestBody(body []byte) (*DecodedBody, *ProtocolError) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, NewParseError("empty request body")
	}

	if trimmed[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, NewParseError(err.Error())
		}
		if len(elements) == 0 {
			return nil, NewInvalidRequestError("empty batch")
		}

		decoded := &DecodedBody{
			Requests: make([]ParsedRequest, len(elements)),
			Batch:    true,
		}
		for i, element := range elements {
			decoded.Requests[i] = parseRequestElement(element)
		}
		return decoded, nil
	}

	parsed := parseRequestElement(trimmed)
	if parsed.Err != nil && parsed.Err.Code == types.ErrorCodeParseError {
		return nil, parsed.Err
	}

	return &DecodedBody{Requests: []ParsedRequest{parsed}}, nil
}

// parseRequestElement validates one envelope. Version and method checks are
// per JSON-RPC 2.0 §4: jsonrpc must be exactly "2.0" and method a string.
func parseRequestElement(data json.RawMessage) ParsedRequest {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ParsedRequest{Err: NewInvalidRequestError("request must be a JSON object")}
	}

	var req types.JSONRPCRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return ParsedRequest{Err: NewParseError(err.Error())}
	}

	if req.JSONRPC != types.JSONRPCVersion {
		return ParsedRequest{ID: req.ID, Err: NewInvalidRequestError(
			fmt.Sprintf("jsonrpc version must be %q", types.JSONRPCVersion))}
	}
	if req.Method == "" {
		return ParsedRequest{ID: req.ID, Err: NewInvalidRequestError("method is required")}
	}

	return ParsedRequest{Request: &req, ID: req.ID}
}

// EncodeResponses renders the response payload for a decoded body. It returns
// nil when every request was a notification, meaning no body should be sent.
func EncodeResponses(decoded *DecodedBody, responses []*types.JSONRPCResponse) ([]byte, error) {
	nonNil := make([]*types.JSONRPCResponse, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			nonNil = append(nonNil, resp)
		}
	}

	if len(nonNil) == 0 {
		return nil, nil
	}

	if decoded.Batch {
		return json.Marshal(nonNil)
	}
	return json.Marshal(nonNil[0])
}

// UnmarshalParams decodes the params member into the given destination,
// translating decode failures to invalid params errors.
func UnmarshalParams(params json.RawMessage, dest any) *ProtocolError {
	if len(params) == 0 {
		return NewInvalidParamsError("params are required")
	}
	if err := json.Unmarshal(params, dest); err != nil {
		return NewInvalidParamsError(err.Error())
	}
	return nil
}
