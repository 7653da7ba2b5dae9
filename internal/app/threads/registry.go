// Package threads owns the conversation list of a signed-in user.
package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"marketchat/internal/app/policies"
	"marketchat/internal/domain/chat"
)

// ErrThreadVanished is returned when a duplicate-key conflict is reported but
// the winning thread cannot be found afterwards.
var ErrThreadVanished = errors.New("threads: thread created concurrently but not found")

// ErrInvalidParticipants rejects a thread key with a blank part or a buyer
// who is also the seller.
var ErrInvalidParticipants = errors.New("threads: invalid conversation participants")

// Registry loads threads and creates them idempotently.
type Registry struct {
	store  policies.ThreadStore
	logger *slog.Logger
}

// NewRegistry builds a Registry.
func NewRegistry(store policies.ThreadStore, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// LoadThreads returns the user's threads, most recent activity first. Rows
// with missing joins are dropped; only a failed listing call is an error.
func (r *Registry) LoadThreads(ctx context.Context, userID string) ([]chat.Thread, error) {
	rows, err := r.store.ListThreadsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("threads: list for %s: %w", userID, err)
	}
	out := make([]chat.Thread, 0, len(rows))
	for _, row := range rows {
		res := row.Resolve(userID)
		if !res.OK() {
			if r.logger != nil {
				r.logger.Debug("thread excluded", "thread_id", row.ID, "reason", res.Incomplete)
			}
			continue
		}
		out = append(out, res.Value)
	}
	chat.SortThreads(out)
	return out, nil
}

// FindOrCreateThread returns the id of the thread for the triple, creating it
// when absent. A duplicate-key error from a concurrent create is resolved by
// looking the thread up again.
func (r *Registry) FindOrCreateThread(ctx context.Context, listingID, buyerID, sellerID string) (string, error) {
	listingID = strings.TrimSpace(listingID)
	buyerID = strings.TrimSpace(buyerID)
	sellerID = strings.TrimSpace(sellerID)
	if listingID == "" || buyerID == "" || sellerID == "" {
		return "", fmt.Errorf("%w: listing, buyer and seller are required", ErrInvalidParticipants)
	}
	if buyerID == sellerID {
		return "", fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidParticipants)
	}

	id, found, err := r.store.FindThread(ctx, listingID, buyerID, sellerID)
	if err != nil {
		return "", fmt.Errorf("threads: lookup: %w", err)
	}
	if found {
		return id, nil
	}

	id, err = r.store.CreateThread(ctx, listingID, buyerID, sellerID)
	if err == nil {
		if r.logger != nil {
			r.logger.Info("thread created", "thread_id", id, "listing_id", listingID, "buyer_id", buyerID, "seller_id", sellerID)
		}
		return id, nil
	}
	if !errors.Is(err, policies.ErrDuplicate) {
		return "", fmt.Errorf("threads: create: %w", err)
	}

	id, found, err = r.store.FindThread(ctx, listingID, buyerID, sellerID)
	if err != nil {
		return "", fmt.Errorf("threads: lookup after conflict: %w", err)
	}
	if !found {
		return "", ErrThreadVanished
	}
	return id, nil
}

// DeleteThread purges a thread and its messages.
func (r *Registry) DeleteThread(ctx context.Context, threadID string) error {
	if err := r.store.DeleteThreadCascade(ctx, threadID); err != nil {
		return fmt.Errorf("threads: delete %s: %w", threadID, err)
	}
	if r.logger != nil {
		r.logger.Info("thread deleted", "thread_id", threadID)
	}
	return nil
}
