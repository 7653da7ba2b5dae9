package policies

import (
	"context"
	"time"
)

// Chat event names published after successful writes.
const (
	EventThreadCreated  = "chat.thread_created"
	EventThreadDeleted  = "chat.thread_deleted"
	EventMessageSent    = "chat.message_sent"
	EventMessageDeleted = "chat.message_deleted"
)

// ChatEvent is a fact about the conversation store, keyed by thread.
type ChatEvent struct {
	Name       string
	ThreadID   string
	OccurredAt time.Time
	Data       map[string]any
}

type EventPublisher interface {
	Publish(ctx context.Context, event ChatEvent) error
}
