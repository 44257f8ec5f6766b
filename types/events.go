package types

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the event variants flowing through queues, SSE
// streams and webhook payloads.
type EventKind string

// EventKind enum values
const (
	EventKindTask           EventKind = "task"
	EventKindMessage        EventKind = "message"
	EventKindStatusUpdate   EventKind = "status-update"
	EventKindArtifactUpdate EventKind = "artifact-update"
)

// IsValid checks if the EventKind is one of the supported values
func (k EventKind) IsValid() bool {
	switch k {
	case EventKindTask, EventKindMessage, EventKindStatusUpdate, EventKindArtifactUpdate:
		return true
	default:
		return false
	}
}

// Event is a single unit of task progress. Concrete variants are Task,
// Message, TaskStatusUpdateEvent and TaskArtifactUpdateEvent, discriminated
// by the "kind" field on the wire.
type Event interface {
	// EventKind returns the wire discriminator of the concrete variant
	EventKind() EventKind

	// EventTaskID returns the task the event belongs to, empty when unbound
	EventTaskID() string

	// EventContextID returns the context the event belongs to
	EventContextID() string
}

// EventKind returns the wire discriminator of the concrete variant
func (t *Task) EventKind() EventKind { return EventKindTask }

// EventTaskID returns the task the event belongs to
func (t *Task) EventTaskID() string { return t.ID }

// EventContextID returns the context the event belongs to
func (t *Task) EventContextID() string { return t.ContextID }

// EventKind returns the wire discriminator of the concrete variant
func (m *Message) EventKind() EventKind { return EventKindMessage }

// EventTaskID returns the task the event belongs to, empty when unbound
func (m *Message) EventTaskID() string {
	if m.TaskID == nil {
		return ""
	}
	return *m.TaskID
}

// EventContextID returns the context the event belongs to
func (m *Message) EventContextID() string {
	if m.ContextID == nil {
		return ""
	}
	return *m.ContextID
}

// TaskStatusUpdateEvent signals a task lifecycle transition. Final marks the
// last event of a stream.
type TaskStatusUpdateEvent struct {
	Kind      string         `json:"kind"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventKind returns the wire discriminator of the concrete variant
func (e *TaskStatusUpdateEvent) EventKind() EventKind { return EventKindStatusUpdate }

// EventTaskID returns the task the event belongs to
func (e *TaskStatusUpdateEvent) EventTaskID() string { return e.TaskID }

// EventContextID returns the context the event belongs to
func (e *TaskStatusUpdateEvent) EventContextID() string { return e.ContextID }

// TaskArtifactUpdateEvent signals a produced or updated artifact. Append
// requests merging parts into an existing artifact with the same id;
// LastChunk marks the final chunk of a streamed artifact.
type TaskArtifactUpdateEvent struct {
	Kind      string         `json:"kind"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Artifact  Artifact       `json:"artifact"`
	Append    *bool          `json:"append,omitempty"`
	LastChunk *bool          `json:"lastChunk,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventKind returns the wire discriminator of the concrete variant
func (e *TaskArtifactUpdateEvent) EventKind() EventKind { return EventKindArtifactUpdate }

// EventTaskID returns the task the event belongs to
func (e *TaskArtifactUpdateEvent) EventTaskID() string { return e.TaskID }

// EventContextID returns the context the event belongs to
func (e *TaskArtifactUpdateEvent) EventContextID() string { return e.ContextID }

// eventDiscriminator is the minimal shape needed to select an Event variant
type eventDiscriminator struct {
	Kind EventKind `json:"kind"`
}

// UnmarshalEvent decodes a single Event, dispatching on the "kind" discriminator
func UnmarshalEvent(data []byte) (Event, error) {
	var disc eventDiscriminator
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, fmt.Errorf("failed to read event discriminator: %w", err)
	}

	switch disc.Kind {
	case EventKindTask:
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task event: %w", err)
		}
		return &t, nil
	case EventKindMessage:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message event: %w", err)
		}
		return &m, nil
	case EventKindStatusUpdate:
		var e TaskStatusUpdateEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status update event: %w", err)
		}
		return &e, nil
	case EventKindArtifactUpdate:
		var e TaskArtifactUpdateEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact update event: %w", err)
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("unsupported event kind: %q", disc.Kind)
	}
}
