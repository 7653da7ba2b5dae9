// Package timeline loads, sends and refreshes the messages of one thread. It
// never holds the displayed list itself: callers pass the current list in and
// apply what comes back.
package timeline

import (
	"context"
	"fmt"
	"log/slog"

	"marketchat/internal/app/policies"
	"marketchat/internal/domain/chat"
)

// Timeline wraps the backend message store.
type Timeline struct {
	store  policies.MessageStore
	logger *slog.Logger
}

// New builds a Timeline.
func New(store policies.MessageStore, logger *slog.Logger) *Timeline {
	return &Timeline{store: store, logger: logger}
}

// LoadMessages returns the thread's messages oldest first, without messages
// whose sender profile could not be resolved.
func (t *Timeline) LoadMessages(ctx context.Context, threadID string) ([]chat.Message, error) {
	rows, err := t.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list %s: %w", threadID, err)
	}
	out := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		res := row.Resolve()
		if !res.OK() {
			if t.logger != nil {
				t.logger.Debug("message excluded", "thread_id", threadID, "message_id", row.ID, "reason", res.Incomplete)
			}
			continue
		}
		out = append(out, res.Value)
	}
	chat.SortMessages(out)
	return out, nil
}

// Send validates and stores a message, returning the server's canonical echo.
// Validation failures never reach the backend.
func (t *Timeline) Send(ctx context.Context, msg chat.NewMessage) (chat.Message, error) {
	msg, err := msg.Validate()
	if err != nil {
		return chat.Message{}, err
	}
	row, err := t.store.InsertMessage(ctx, msg)
	if err != nil {
		return chat.Message{}, fmt.Errorf("timeline: send to %s: %w", msg.ThreadID, err)
	}
	return row.Echo(), nil
}

// Refresh re-fetches the thread and reports changed=true only when the fetch
// holds strictly more messages than current. Equal or smaller results leave
// the caller's list as it is, so deletions and edits are not picked up here.
func (t *Timeline) Refresh(ctx context.Context, threadID string, current []chat.Message) ([]chat.Message, bool, error) {
	fetched, err := t.LoadMessages(ctx, threadID)
	if err != nil {
		return current, false, err
	}
	if len(fetched) <= len(current) {
		return current, false, nil
	}
	return fetched, true, nil
}

// Delete removes a message sent by senderID.
func (t *Timeline) Delete(ctx context.Context, messageID, senderID string) error {
	if err := t.store.DeleteMessage(ctx, messageID, senderID); err != nil {
		return fmt.Errorf("timeline: delete %s: %w", messageID, err)
	}
	return nil
}
