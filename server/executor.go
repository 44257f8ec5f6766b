package server

import (
	"context"

	"github.com/agentwire/a2a/types"
	"github.com/google/uuid"
)

// AgentExecutor is the business logic boundary. Implementations consume the
// triggering message from the RequestContext and publish events to the queue;
// they never touch the store or transports directly.
type AgentExecutor interface {
	// Execute runs the agent for one request. Events describing progress are
	// published to the queue; the queue is closed by the caller once Execute
	// returns. A returned error is translated into a failed task status.
	Execute(ctx context.Context, reqCtx *RequestContext, queue *EventQueue) error

	// Cancel requests a cooperative stop of the task named by the
	// RequestContext. Implementations should publish a canceled status event
	// before returning.
	Cancel(ctx context.Context, reqCtx *RequestContext, queue *EventQueue) error
}

// CallContext carries transport-level facts about the triggering call
type CallContext struct {
	RemoteAddr string
	UserAgent  string
	Headers    map[string]string

	// Principal is the authenticated caller subject, empty when the call
	// was unauthenticated.
	Principal string
}

// RequestContext is everything an executor may know about one request
type RequestContext struct {
	// TaskID and ContextID are always populated; fresh UUIDs are allocated
	// when the triggering message carries none.
	TaskID    string
	ContextID string

	// Message is the triggering message, nil for cancel requests
	Message *types.Message

	// Task is the stored task snapshot, nil when the request created it
	Task *types.Task

	// Call describes the transport-level request
	Call CallContext

	// Metadata is the request-level metadata from the send params
	Metadata map[string]any
}

// NewRequestContext builds a RequestContext for a message, allocating task
// and context ids when the message carries none and stamping them back onto
// the message.
func NewRequestContext(message *types.Message, task *types.Task, call CallContext, metadata map[string]any) *RequestContext {
	reqCtx := &RequestContext{
		Message:  message,
		Task:     task,
		Call:     call,
		Metadata: metadata,
	}

	if task != nil {
		reqCtx.TaskID = task.ID
		reqCtx.ContextID = task.ContextID
	}

	if message != nil {
		if reqCtx.TaskID == "" {
			if message.TaskID != nil && *message.TaskID != "" {
				reqCtx.TaskID = *message.TaskID
			} else {
				reqCtx.TaskID = uuid.New().String()
			}
		}
		if reqCtx.ContextID == "" {
			if message.ContextID != nil && *message.ContextID != "" {
				reqCtx.ContextID = *message.ContextID
			} else {
				reqCtx.ContextID = uuid.New().String()
			}
		}
		message.TaskID = &reqCtx.TaskID
		message.ContextID = &reqCtx.ContextID
	}

	return reqCtx
}
