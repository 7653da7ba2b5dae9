package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"marketchat/internal/domain/chat"
)

const (
	promptViewChats     = "Please log in to view chats."
	promptSendMessages  = "Please log in to send messages."
	promptStartChat     = "Please log in to start a conversation."
	promptManageChats   = "Please log in to manage chats."
	placeholderSeller   = "Seller"
	messageNoThread     = "No active thread."
	messageThreadsError = "Failed to load threads: %v"
)

// LoadThreads replaces the thread list with a fresh fetch and bumps the avatar
// reload token. A failed fetch keeps the list that is already displayed.
func (c *Controller) LoadThreads(ctx context.Context) error {
	userID, err := c.authenticate(ctx, promptViewChats)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.st.loadingThreads = true
	c.st.lastError = ""
	ticket := c.nextThreadTicketLocked()
	c.mu.Unlock()
	c.notify()

	fetched, err := c.registry.LoadThreads(ctx, userID)

	c.mu.Lock()
	c.st.loadingThreads = false
	if err != nil {
		if c.st.userID == userID {
			c.st.lastError = fmt.Sprintf(messageThreadsError, err)
		}
		c.mu.Unlock()
		c.notify()
		return err
	}
	if c.st.userID == userID && c.acceptThreadTicketLocked(ticket) {
		c.st.threads = fetched
		c.st.reloadToken++
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// RefreshThreads is LoadThreads without the loading indicator or the error
// banner; failures are only returned.
func (c *Controller) RefreshThreads(ctx context.Context) error {
	userID, err := c.authenticate(ctx, promptViewChats)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ticket := c.nextThreadTicketLocked()
	c.mu.Unlock()

	fetched, err := c.registry.LoadThreads(ctx, userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	applied := c.st.userID == userID && c.acceptThreadTicketLocked(ticket)
	if applied {
		c.st.threads = fetched
	}
	c.mu.Unlock()
	if applied {
		c.notify()
	}
	return nil
}

// StartConversation finds or creates the caller's thread for listing, reloads
// the thread list and opens the thread. If the reload does not contain the
// thread yet a placeholder built from the listing is opened instead.
func (c *Controller) StartConversation(ctx context.Context, listing chat.Listing) (chat.Thread, error) {
	buyerID, err := c.authenticate(ctx, promptStartChat)
	if err != nil {
		return chat.Thread{}, err
	}
	c.mu.Lock()
	c.st.lastError = ""
	c.mu.Unlock()

	key := strings.Join([]string{listing.ID, buyerID, listing.OwnerID}, "|")
	v, err, _ := c.starts.Do(key, func() (any, error) {
		return c.registry.FindOrCreateThread(ctx, listing.ID, buyerID, listing.OwnerID)
	})
	if err != nil {
		c.fail(fmt.Sprintf("Failed to start conversation: %v", err))
		return chat.Thread{}, err
	}
	threadID := v.(string)

	if err := c.LoadThreads(ctx); err != nil {
		c.debug("thread reload after start failed", "thread_id", threadID, "err", err)
	}

	thread, ok := c.State().Thread(threadID)
	if !ok {
		thread = placeholderThread(threadID, buyerID, listing)
	}
	if err := c.OpenThread(ctx, thread); err != nil {
		return thread, err
	}
	return thread, nil
}

// DeleteThread purges a thread and its messages. The open thread is closed
// first when it is the one being deleted.
func (c *Controller) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := c.authenticate(ctx, promptManageChats); err != nil {
		return err
	}
	if err := c.registry.DeleteThread(ctx, threadID); err != nil {
		c.fail(fmt.Sprintf("Failed to delete conversation: %v", err))
		return err
	}

	c.mu.Lock()
	c.st.threads = slices.DeleteFunc(slices.Clone(c.st.threads), func(t chat.Thread) bool { return t.ID == threadID })
	var task *pollTask
	if c.st.open != nil && c.st.open.ID == threadID {
		task = c.closeLocked()
	}
	c.mu.Unlock()
	task.stop()
	c.notify()
	return nil
}

func placeholderThread(threadID, buyerID string, listing chat.Listing) chat.Thread {
	name := strings.TrimSpace(listing.OwnerName)
	if name == "" {
		name = placeholderSeller
	}
	return chat.Thread{
		ID:                        threadID,
		ListingID:                 listing.ID,
		ListingTitle:              listing.Title,
		BuyerID:                   buyerID,
		SellerID:                  listing.OwnerID,
		CreatedAt:                 time.Now().UTC(),
		OtherParticipantID:        listing.OwnerID,
		OtherParticipantName:      name,
		OtherParticipantAvatarRef: listing.OwnerID,
	}
}
