package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStateIsTerminal(t *testing.T) {
	tests := []struct {
		state TaskState
		want  bool
	}{
		{TaskStateSubmitted, false},
		{TaskStateWorking, false},
		{TaskStateInputRequired, false},
		{TaskStateAuthRequired, false},
		{TaskStateCompleted, true},
		{TaskStateCanceled, true},
		{TaskStateFailed, true},
		{TaskStateRejected, true},
		{TaskStateUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.IsTerminal())
		})
	}
}

func TestTaskStateIsCancelable(t *testing.T) {
	cancelable := []TaskState{TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired}
	for _, s := range cancelable {
		assert.True(t, s.IsCancelable(), "state %s", s)
	}

	notCancelable := []TaskState{
		TaskStateCompleted, TaskStateCanceled, TaskStateFailed,
		TaskStateRejected, TaskStateAuthRequired, TaskStateUnknown,
	}
	for _, s := range notCancelable {
		assert.False(t, s.IsCancelable(), "state %s", s)
	}
}

func TestMessageUnmarshalDispatchesParts(t *testing.T) {
	raw := `{
		"messageId": "msg-1",
		"role": "user",
		"kind": "message",
		"parts": [
			{"kind": "text", "text": "hello"},
			{"kind": "file", "file": {"bytes": "aGVsbG8=", "mimeType": "text/plain"}}
		],
		"contextId": "ctx-1"
	}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	assert.Equal(t, "msg-1", msg.MessageID)
	assert.Equal(t, RoleUser, msg.Role)
	require.Len(t, msg.Parts, 2)

	text, ok := msg.Parts[0].(TextPart)
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)

	file, ok := msg.Parts[1].(FilePart)
	require.True(t, ok)
	require.NotNil(t, file.File.Bytes)
	assert.Equal(t, "aGVsbG8=", *file.File.Bytes)
	require.NotNil(t, msg.ContextID)
	assert.Equal(t, "ctx-1", *msg.ContextID)
}

func TestMessageValidate(t *testing.T) {
	valid := Message{
		MessageID: "m-1",
		Role:      RoleUser,
		Parts:     []Part{NewTextPart("hi")},
	}
	assert.NoError(t, valid.Validate())

	missing := Message{Role: RoleUser, Parts: []Part{NewTextPart("hi")}}
	assert.Error(t, missing.Validate())

	badRole := Message{MessageID: "m-2", Role: "system", Parts: []Part{NewTextPart("hi")}}
	assert.Error(t, badRole.Validate())

	empty := Message{MessageID: "m-3", Role: RoleAgent}
	assert.Error(t, empty.Validate())
}

func TestArtifactUnmarshalDispatchesParts(t *testing.T) {
	raw := `{
		"artifactId": "art-1",
		"name": "result",
		"parts": [{"kind": "data", "data": {"sum": 4}}]
	}`

	var artifact Artifact
	require.NoError(t, json.Unmarshal([]byte(raw), &artifact))

	assert.Equal(t, "art-1", artifact.ArtifactID)
	require.Len(t, artifact.Parts, 1)
	data, ok := artifact.Parts[0].(DataPart)
	require.True(t, ok)
	assert.Equal(t, float64(4), data.Data.(map[string]any)["sum"])
}

func TestTaskRoundTrip(t *testing.T) {
	progress := 0.5
	task := Task{
		ID:        "task-1",
		ContextID: "ctx-1",
		Kind:      string(EventKindTask),
		Status: TaskStatus{
			State:     TaskStateWorking,
			Progress:  &progress,
			UpdatedAt: "2026-01-02T15:04:05Z",
		},
		History: []Message{
			{MessageID: "m-1", Role: RoleUser, Kind: string(EventKindMessage), Parts: []Part{NewTextPart("go")}},
		},
	}

	raw, err := json.Marshal(task)
	require.NoError(t, err)

	var decoded Task
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, task.ID, decoded.ID)
	assert.Equal(t, task.Status.State, decoded.Status.State)
	require.NotNil(t, decoded.Status.Progress)
	assert.Equal(t, 0.5, *decoded.Status.Progress)
	require.Len(t, decoded.History, 1)
	assert.Equal(t, "m-1", decoded.History[0].MessageID)
}

func TestUnmarshalEvent(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind EventKind
		wantErr  bool
	}{
		{
			name:     "status update",
			input:    `{"kind":"status-update","taskId":"t1","contextId":"c1","status":{"state":"working"},"final":false}`,
			wantKind: EventKindStatusUpdate,
		},
		{
			name:     "artifact update",
			input:    `{"kind":"artifact-update","taskId":"t1","contextId":"c1","artifact":{"artifactId":"a1","parts":[{"kind":"text","text":"x"}]}}`,
			wantKind: EventKindArtifactUpdate,
		},
		{
			name:     "task",
			input:    `{"kind":"task","id":"t1","contextId":"c1","status":{"state":"submitted"}}`,
			wantKind: EventKindTask,
		},
		{
			name:     "message",
			input:    `{"kind":"message","messageId":"m1","role":"agent","parts":[{"kind":"text","text":"hi"}]}`,
			wantKind: EventKindMessage,
		},
		{
			name:    "unknown kind",
			input:   `{"kind":"heartbeat"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := UnmarshalEvent([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, event.EventKind())
		})
	}
}

func TestEventAccessors(t *testing.T) {
	status := &TaskStatusUpdateEvent{TaskID: "t1", ContextID: "c1"}
	assert.Equal(t, "t1", status.EventTaskID())
	assert.Equal(t, "c1", status.EventContextID())

	unbound := &Message{MessageID: "m1"}
	assert.Empty(t, unbound.EventTaskID())
	assert.Empty(t, unbound.EventContextID())

	taskID := "t2"
	bound := &Message{MessageID: "m2", TaskID: &taskID}
	assert.Equal(t, "t2", bound.EventTaskID())
}

func TestJSONRPCRequestIsNotification(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"absent id", "", true},
		{"null id", "null", true},
		{"string id", `"req-1"`, false},
		{"numeric id", "7", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := JSONRPCRequest{JSONRPC: JSONRPCVersion, Method: "tasks/get"}
			if tt.id != "" {
				req.ID = json.RawMessage(tt.id)
			}
			assert.Equal(t, tt.want, req.IsNotification())
		})
	}
}

func TestNewJSONRPCErrorResponse_NullIDForMissing(t *testing.T) {
	resp := NewJSONRPCErrorResponse(nil, ErrorCodeParseError, "Parse error", nil)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id":null`)
	assert.Contains(t, string(raw), `"code":-32700`)
}

func TestUnmarshalSecurityScheme(t *testing.T) {
	raw := `{"type":"http","scheme":"bearer","bearerFormat":"JWT"}`

	scheme, err := UnmarshalSecurityScheme([]byte(raw))
	require.NoError(t, err)

	httpScheme, ok := scheme.(HTTPAuthSecurityScheme)
	require.True(t, ok)
	assert.Equal(t, "bearer", httpScheme.Scheme)

	scheme, err = UnmarshalSecurityScheme([]byte(`{"type":"mutualTLS","description":"client certificate"}`))
	require.NoError(t, err)
	mtls, ok := scheme.(MutualTLSSecurityScheme)
	require.True(t, ok)
	assert.Equal(t, SecuritySchemeMutualTLS, mtls.SchemeType())
	require.NotNil(t, mtls.Description)
	assert.Equal(t, "client certificate", *mtls.Description)

	_, err = UnmarshalSecurityScheme([]byte(`{"type":"negotiate"}`))
	assert.Error(t, err)
}

func TestAgentCardUnmarshalSecuritySchemes(t *testing.T) {
	raw := `{
		"name": "calculator",
		"description": "does sums",
		"url": "https://agent.example.com",
		"version": "1.0.0",
		"protocolVersion": "0.3.0",
		"capabilities": {"streaming": true},
		"defaultInputModes": ["text/plain"],
		"defaultOutputModes": ["text/plain"],
		"skills": [],
		"securitySchemes": {
			"oidc": {"type": "openIdConnect", "openIdConnectUrl": "https://issuer.example.com/.well-known/openid-configuration"}
		}
	}`

	var card AgentCard
	require.NoError(t, json.Unmarshal([]byte(raw), &card))

	require.Contains(t, card.SecuritySchemes, "oidc")
	oidc, ok := card.SecuritySchemes["oidc"].(OpenIDConnectSecurityScheme)
	require.True(t, ok)
	assert.Equal(t, "https://issuer.example.com/.well-known/openid-configuration", oidc.OpenIDConnectURL)
	require.NotNil(t, card.Capabilities.Streaming)
	assert.True(t, *card.Capabilities.Streaming)
}
