package chat

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrEmptyMessage is returned when the message body is blank after trimming.
	ErrEmptyMessage = errors.New("chat: message text is required")
	// ErrInvalidRecipient is returned when sender/receiver are not the thread's participants.
	ErrInvalidRecipient = errors.New("chat: receiver is not the other thread participant")
)

// Message is one chat utterance. Messages are immutable once created.
type Message struct {
	ID         string
	ThreadID   string
	SenderID   string
	ReceiverID string
	ListingID  string
	Body       string
	SenderName string
	CreatedAt  time.Time
}

// NewMessage is the payload of a send.
type NewMessage struct {
	SenderID   string
	ReceiverID string
	ListingID  string
	ThreadID   string
	Body       string
}

// Validate trims the body and checks the sender/receiver pair.
func (m NewMessage) Validate() (NewMessage, error) {
	m.Body = strings.TrimSpace(m.Body)
	if m.Body == "" {
		return m, ErrEmptyMessage
	}
	if m.SenderID == "" || m.ReceiverID == "" || m.SenderID == m.ReceiverID {
		return m, ErrInvalidRecipient
	}
	return m, nil
}

// MessageRow is a message as returned by the backend; SenderName is a join and may be nil.
type MessageRow struct {
	ID         string
	ThreadID   string
	SenderID   string
	ReceiverID string
	ListingID  string
	Body       string
	SenderName *string
	CreatedAt  time.Time
}

// Resolve converts the row, reporting it incomplete when the sender profile is missing.
func (r MessageRow) Resolve() RowResult[Message] {
	if r.ID == "" {
		return RowResult[Message]{Incomplete: "missing id"}
	}
	if r.SenderName == nil {
		return RowResult[Message]{Incomplete: "sender profile unavailable"}
	}
	return RowResult[Message]{Value: r.message(*r.SenderName)}
}

// Echo converts a freshly inserted row. The server echo is authoritative even
// when the sender name join did not come back.
func (r MessageRow) Echo() Message {
	name := ""
	if r.SenderName != nil {
		name = *r.SenderName
	}
	return r.message(name)
}

func (r MessageRow) message(senderName string) Message {
	return Message{
		ID:         r.ID,
		ThreadID:   r.ThreadID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		ListingID:  r.ListingID,
		Body:       r.Body,
		SenderName: senderName,
		CreatedAt:  r.CreatedAt,
	}
}

// SortMessages orders a timeline oldest first.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		}
		return messages[i].ID < messages[j].ID
	})
}
