package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"marketchat/internal/domain/chat"
)

// OpenThread makes thread the open thread, loads its messages and starts
// message polling. Any previous message poller is stopped first.
func (c *Controller) OpenThread(ctx context.Context, thread chat.Thread) error {
	if _, err := c.authenticate(ctx, promptViewChats); err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.msgPoll
	c.msgPoll = nil
	if c.st.open == nil || c.st.open.ID != thread.ID {
		c.st.messages = nil
	}
	c.openGen++
	gen := c.openGen
	stopGen := c.stopGen
	open := thread
	c.st.open = &open
	c.st.loadingMessages = true
	c.st.lastError = ""
	seq := c.nextMessageTicketLocked()
	c.mu.Unlock()
	prev.stop()
	c.notify()

	loaded, err := c.timeline.LoadMessages(ctx, thread.ID)

	c.mu.Lock()
	if c.openGen != gen {
		c.mu.Unlock()
		return nil
	}
	c.st.loadingMessages = false
	if err != nil {
		c.st.lastError = fmt.Sprintf("Failed to load messages: %v", err)
	} else if seq > c.msgApplied {
		c.st.messages = loaded
		c.msgApplied = seq
	}
	// A StopPolling during the load wins over the poller this open would start.
	if c.stopGen == stopGen {
		c.msgPoll = c.startPollLocked(c.cfg.MessagePollInterval, c.pollMessages(thread.ID, gen))
	}
	c.mu.Unlock()
	c.notify()
	return err
}

// CloseThread clears the open thread and stops message polling.
func (c *Controller) CloseThread() {
	c.mu.Lock()
	task := c.closeLocked()
	c.mu.Unlock()
	task.stop()
	c.notify()
}

func (c *Controller) closeLocked() *pollTask {
	task := c.msgPoll
	c.msgPoll = nil
	c.st.open = nil
	c.st.messages = nil
	c.st.loadingMessages = false
	c.openGen++
	return task
}

// RefreshCurrentThread reloads the open thread's messages and replaces the
// list with the result, picking up deletions the poller ignores.
func (c *Controller) RefreshCurrentThread(ctx context.Context) error {
	if _, err := c.authenticate(ctx, promptViewChats); err != nil {
		return err
	}
	c.mu.Lock()
	if c.st.open == nil {
		c.st.lastError = messageNoThread
		c.mu.Unlock()
		c.notify()
		return ErrNoActiveThread
	}
	threadID := c.st.open.ID
	gen := c.openGen
	seq := c.nextMessageTicketLocked()
	c.mu.Unlock()

	loaded, err := c.timeline.LoadMessages(ctx, threadID)
	if err != nil {
		c.fail(fmt.Sprintf("Failed to load messages: %v", err))
		return err
	}

	c.mu.Lock()
	applied := c.openGen == gen && seq > c.msgApplied
	if applied {
		c.st.messages = loaded
		c.msgApplied = seq
	}
	c.mu.Unlock()
	if applied {
		c.notify()
	}
	return nil
}

// Send posts text to receiverID in the open thread and appends the server's
// echo. listingID defaults to the open thread's listing.
func (c *Controller) Send(ctx context.Context, text, receiverID, listingID string) (chat.Message, error) {
	userID, err := c.authenticate(ctx, promptSendMessages)
	if err != nil {
		return chat.Message{}, err
	}

	c.mu.Lock()
	if c.st.open == nil {
		c.st.lastError = messageNoThread
		c.mu.Unlock()
		c.notify()
		return chat.Message{}, ErrNoActiveThread
	}
	open := *c.st.open
	gen := c.openGen
	c.st.lastError = ""
	c.mu.Unlock()

	if strings.TrimSpace(listingID) == "" {
		listingID = open.ListingID
	}
	draft, err := chat.NewMessage{
		SenderID:   userID,
		ReceiverID: strings.TrimSpace(receiverID),
		ListingID:  listingID,
		ThreadID:   open.ID,
		Body:       text,
	}.Validate()
	if err != nil {
		return chat.Message{}, err
	}
	if !open.Participant(draft.ReceiverID) || !open.Participant(userID) {
		c.fail("You can only message participants of this conversation.")
		return chat.Message{}, chat.ErrInvalidRecipient
	}

	c.mu.Lock()
	c.st.sending = true
	c.mu.Unlock()
	c.notify()

	sent, err := c.timeline.Send(ctx, draft)

	c.mu.Lock()
	c.st.sending = false
	if err != nil {
		c.st.lastError = fmt.Sprintf("Failed to send message: %v", err)
		c.mu.Unlock()
		c.notify()
		return chat.Message{}, err
	}
	if c.openGen == gen {
		c.st.messages = append(slices.Clone(c.st.messages), sent)
		// Refreshes issued before the send would not contain it.
		c.msgApplied = c.msgSeq
	}
	c.mu.Unlock()
	c.notify()
	return sent, nil
}

// DeleteMessage deletes one of the caller's own messages and removes it from
// the open timeline.
func (c *Controller) DeleteMessage(ctx context.Context, messageID string) error {
	userID, err := c.authenticate(ctx, promptManageChats)
	if err != nil {
		return err
	}
	if err := c.timeline.Delete(ctx, messageID, userID); err != nil {
		c.fail(fmt.Sprintf("Failed to delete message: %v", err))
		return err
	}
	c.mu.Lock()
	c.st.messages = slices.DeleteFunc(slices.Clone(c.st.messages), func(m chat.Message) bool { return m.ID == messageID })
	c.mu.Unlock()
	c.notify()
	return nil
}
