package types

import (
	"encoding/json"
	"fmt"
)

// MessagePartKind represents the different types of message parts supported by
// the A2A protocol.
type MessagePartKind string

// MessagePartKind enum values for the three official message part types
const (
	// MessagePartKindText represents a text segment within message parts
	MessagePartKindText MessagePartKind = "text"

	// MessagePartKindFile represents a file segment within message parts
	MessagePartKindFile MessagePartKind = "file"

	// MessagePartKindData represents a structured data segment within message parts
	MessagePartKindData MessagePartKind = "data"
)

// String returns the string representation of the MessagePartKind
func (k MessagePartKind) String() string {
	return string(k)
}

// IsValid checks if the MessagePartKind is one of the supported values
func (k MessagePartKind) IsValid() bool {
	switch k {
	case MessagePartKindText, MessagePartKindFile, MessagePartKindData:
		return true
	default:
		return false
	}
}

// TaskState represents the lifecycle state of a task
type TaskState string

// TaskState enum values
const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
	TaskStateRejected      TaskState = "rejected"
	TaskStateAuthRequired  TaskState = "auth-required"
	TaskStateUnknown       TaskState = "unknown"
)

// IsTerminal reports whether the state has no outgoing transitions
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed, TaskStateRejected:
		return true
	default:
		return false
	}
}

// IsCancelable reports whether a task in this state may be canceled
func (s TaskState) IsCancelable() bool {
	switch s {
	case TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired:
		return true
	default:
		return false
	}
}

// Role identifies the sender of a message
type Role string

// Role enum values
const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Health status constants
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)

// TaskError describes a failure recorded on a task status
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// TaskStatus is the current lifecycle snapshot of a task. UpdatedAt is an
// ISO-8601 UTC timestamp and never decreases for a given task.
type TaskStatus struct {
	State     TaskState  `json:"state"`
	Message   *Message   `json:"message,omitempty"`
	Progress  *float64   `json:"progress,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
	UpdatedAt string     `json:"updatedAt,omitempty"`
}

// Task is a unit of work with lifecycle state, history and artifacts
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Kind      string         `json:"kind"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Message is one unit of communication between client and agent
type Message struct {
	MessageID        string         `json:"messageId"`
	Role             Role           `json:"role"`
	Kind             string         `json:"kind"`
	Parts            []Part         `json:"parts"`
	ContextID        *string        `json:"contextId,omitempty"`
	TaskID           *string        `json:"taskId,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Extensions       []string       `json:"extensions,omitempty"`
	ReferenceTaskIDs []string       `json:"referenceTaskIds,omitempty"`
}

// messageAlias mirrors Message with raw parts, used during unmarshaling so
// part variants can be dispatched through the factory
type messageAlias struct {
	MessageID        string            `json:"messageId"`
	Role             Role              `json:"role"`
	Kind             string            `json:"kind"`
	Parts            []json.RawMessage `json:"parts"`
	ContextID        *string           `json:"contextId,omitempty"`
	TaskID           *string           `json:"taskId,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	Extensions       []string          `json:"extensions,omitempty"`
	ReferenceTaskIDs []string          `json:"referenceTaskIds,omitempty"`
}

// UnmarshalJSON decodes a Message, dispatching each part through UnmarshalPart
func (m *Message) UnmarshalJSON(data []byte) error {
	var alias messageAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	parts := make([]Part, len(alias.Parts))
	for i, rawPart := range alias.Parts {
		part, err := UnmarshalPart(rawPart)
		if err != nil {
			return fmt.Errorf("failed to unmarshal part at index %d: %w", i, err)
		}
		parts[i] = part
	}

	m.MessageID = alias.MessageID
	m.Role = alias.Role
	m.Kind = alias.Kind
	m.Parts = parts
	m.ContextID = alias.ContextID
	m.TaskID = alias.TaskID
	m.Metadata = alias.Metadata
	m.Extensions = alias.Extensions
	m.ReferenceTaskIDs = alias.ReferenceTaskIDs

	return nil
}

// Validate checks the structural invariants of a message
func (m *Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("messageId is required")
	}
	if m.Role != RoleUser && m.Role != RoleAgent {
		return fmt.Errorf("role must be %q or %q, got %q", RoleUser, RoleAgent, m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("message must contain at least one part")
	}
	return nil
}

// Artifact is a named output produced during task execution
type Artifact struct {
	ArtifactID  string         `json:"artifactId"`
	Parts       []Part         `json:"parts"`
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Extensions  []string       `json:"extensions,omitempty"`
}

// artifactAlias mirrors Artifact with raw parts for factory dispatch
type artifactAlias struct {
	ArtifactID  string            `json:"artifactId"`
	Parts       []json.RawMessage `json:"parts"`
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Extensions  []string          `json:"extensions,omitempty"`
}

// UnmarshalJSON decodes an Artifact, dispatching each part through UnmarshalPart
func (a *Artifact) UnmarshalJSON(data []byte) error {
	var alias artifactAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	parts := make([]Part, len(alias.Parts))
	for i, rawPart := range alias.Parts {
		part, err := UnmarshalPart(rawPart)
		if err != nil {
			return fmt.Errorf("failed to unmarshal part at index %d: %w", i, err)
		}
		parts[i] = part
	}

	a.ArtifactID = alias.ArtifactID
	a.Parts = parts
	a.Name = alias.Name
	a.Description = alias.Description
	a.Metadata = alias.Metadata
	a.Extensions = alias.Extensions

	return nil
}

// Push notification authentication discriminators
const (
	PushAuthBearer = "bearer"
	PushAuthBasic  = "basic"
	PushAuthAPIKey = "api_key"
	PushAuthCustom = "custom"
)

// PushNotificationAuthentication describes how webhook deliveries authenticate
// against the target, discriminated by Type.
type PushNotificationAuthentication struct {
	Type        string            `json:"type"`
	Credentials *string           `json:"credentials,omitempty"`
	Username    *string           `json:"username,omitempty"`
	Password    *string           `json:"password,omitempty"`
	HeaderName  *string           `json:"headerName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// PushNotificationConfig is a webhook target registered to receive task events
// out of band. Delivery state fields are maintained by the server.
type PushNotificationConfig struct {
	ID             *string                         `json:"id,omitempty"`
	URL            string                          `json:"url"`
	Token          *string                         `json:"token,omitempty"`
	Authentication *PushNotificationAuthentication `json:"authentication,omitempty"`

	Active        bool    `json:"active"`
	RetryCount    int     `json:"retryCount,omitempty"`
	LastError     *string `json:"lastError,omitempty"`
	LastSuccessAt *string `json:"lastSuccessAt,omitempty"`
	LastFailureAt *string `json:"lastFailureAt,omitempty"`
}

// TaskPushNotificationConfig binds a push notification config to a task
type TaskPushNotificationConfig struct {
	TaskID                 string                 `json:"taskId"`
	PushNotificationConfig PushNotificationConfig `json:"pushNotificationConfig"`
}

// MessageSendConfiguration carries optional per-request send options
type MessageSendConfiguration struct {
	Blocking           *bool    `json:"blocking,omitempty"`
	HistoryLength      *int     `json:"historyLength,omitempty"`
	AcceptedOutputModes []string `json:"acceptedOutputModes,omitempty"`
}

// MessageSendParams are the parameters of message/send and message/stream
type MessageSendParams struct {
	Message       Message                   `json:"message"`
	Configuration *MessageSendConfiguration `json:"configuration,omitempty"`
	Metadata      map[string]any            `json:"metadata,omitempty"`
}

// TaskQueryParams are the parameters of tasks/get and tasks/resubscribe
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// TaskIDParams are the parameters of tasks/cancel
type TaskIDParams struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GetTaskPushNotificationConfigParams are the parameters of
// tasks/pushNotificationConfig/get
type GetTaskPushNotificationConfigParams struct {
	ID                       string  `json:"id"`
	PushNotificationConfigID *string `json:"pushNotificationConfigId,omitempty"`
}

// ListTaskPushNotificationConfigParams are the parameters of
// tasks/pushNotificationConfig/list
type ListTaskPushNotificationConfigParams struct {
	ID string `json:"id"`
}

// DeleteTaskPushNotificationConfigParams are the parameters of
// tasks/pushNotificationConfig/delete
type DeleteTaskPushNotificationConfigParams struct {
	ID                       string `json:"id"`
	PushNotificationConfigID string `json:"pushNotificationConfigId"`
}

// MessageSendResult is the result of a blocking message/send that reached a
// terminal completed state with a structured result payload.
type MessageSendResult struct {
	TaskID    string `json:"taskId"`
	ContextID string `json:"contextId"`
	Result    any    `json:"result,omitempty"`
}
