package types

import (
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent types emitted to capability registry listeners
const (
	EventTypeTaskSubmitted       = "a2a.task.submitted"
	EventTypeTaskStatusChanged   = "a2a.task.status.changed"
	EventTypeTaskArtifactSaved   = "a2a.task.artifact.saved"
	EventTypeTaskMessageAppended = "a2a.task.message.appended"
	EventTypeTaskCompleted       = "a2a.task.completed"
	EventTypeTaskFailed          = "a2a.task.failed"
	EventTypeTaskCanceled        = "a2a.task.canceled"
)

const eventSource = "a2a/server"

// NewUserMessage creates a user message with a generated id
func NewUserMessage(parts []Part) *Message {
	return &Message{
		MessageID: uuid.New().String(),
		Role:      RoleUser,
		Kind:      string(EventKindMessage),
		Parts:     parts,
	}
}

// NewAgentMessage creates an agent message with a generated id
func NewAgentMessage(parts []Part) *Message {
	return &Message{
		MessageID: uuid.New().String(),
		Role:      RoleAgent,
		Kind:      string(EventKindMessage),
		Parts:     parts,
	}
}

// NewAgentTextMessage creates an agent message carrying a single text part
func NewAgentTextMessage(text string) *Message {
	return NewAgentMessage([]Part{NewTextPart(text)})
}

// NewInputRequiredMessage creates the agent message attached to an
// input-required status update.
func NewInputRequiredMessage(prompt string) *Message {
	return &Message{
		MessageID: fmt.Sprintf("input-required-%s", uuid.New().String()),
		Role:      RoleAgent,
		Kind:      string(EventKindMessage),
		Parts:     []Part{NewTextPart(prompt)},
	}
}

// NewTaskEvent creates a CloudEvent envelope for a task lifecycle event,
// delivered to capability registry listeners.
func NewTaskEvent(eventType, taskID string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(uuid.New().String())
	event.SetType(eventType)
	event.SetSource(eventSource)
	event.SetTime(time.Now())
	event.SetExtension("taskid", taskID)
	_ = event.SetData(cloudevents.ApplicationJSON, data)

	return event
}

// NewStatusChangedEvent creates a CloudEvent for a task state transition
func NewStatusChangedEvent(taskID string, from, to TaskState, status TaskStatus) cloudevents.Event {
	event := NewTaskEvent(EventTypeTaskStatusChanged, taskID, status)
	event.SetExtension("fromstate", string(from))
	event.SetExtension("tostate", string(to))

	return event
}
