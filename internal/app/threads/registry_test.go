package threads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/internal/app/policies"
	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/storage/memory"
)

type scriptedStore struct {
	policies.ThreadStore
	rows      []chat.ThreadRow
	listErr   error
	findMiss  int
	findCalls int
	creates   int
}

func (s *scriptedStore) ListThreadsForUser(ctx context.Context, userID string) ([]chat.ThreadRow, error) {
	if s.rows != nil || s.listErr != nil {
		return s.rows, s.listErr
	}
	return s.ThreadStore.ListThreadsForUser(ctx, userID)
}

func (s *scriptedStore) FindThread(ctx context.Context, listingID, buyerID, sellerID string) (string, bool, error) {
	s.findCalls++
	if s.findMiss > 0 {
		s.findMiss--
		return "", false, nil
	}
	return s.ThreadStore.FindThread(ctx, listingID, buyerID, sellerID)
}

func (s *scriptedStore) CreateThread(ctx context.Context, listingID, buyerID, sellerID string) (string, error) {
	s.creates++
	return s.ThreadStore.CreateThread(ctx, listingID, buyerID, sellerID)
}

func clock(hour int) time.Time {
	return time.Date(2024, 9, 2, hour, 0, 0, 0, time.UTC)
}

func profile(id string) *chat.Profile {
	return &chat.Profile{UserID: id, DisplayName: "name-" + id}
}

func row(id string, created time.Time, last *time.Time) chat.ThreadRow {
	r := chat.ThreadRow{
		ID:        id,
		ListingID: "post-" + id,
		BuyerID:   "me",
		SellerID:  "seller-" + id,
		CreatedAt: created,
		Listing:   &chat.ListingRef{ID: "post-" + id, Title: "Listing " + id},
		Buyer:     profile("me"),
		Seller:    profile("seller-" + id),
	}
	if last != nil {
		name := "name-me"
		r.LastMessage = &chat.MessageRow{ID: "m-" + id, ThreadID: id, SenderID: "me", Body: "hi " + id, SenderName: &name, CreatedAt: *last}
	}
	return r
}

func TestLoadThreadsSortsByActivity(t *testing.T) {
	ten, eleven := clock(10), clock(11)
	store := &scriptedStore{rows: []chat.ThreadRow{
		row("T1", clock(8), &ten),
		row("T2", clock(9), nil),
		row("T3", clock(7), &eleven),
	}}
	got, err := NewRegistry(store, nil).LoadThreads(context.Background(), "me")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "T3", got[0].ID)
	require.Equal(t, "T1", got[1].ID)
	require.Equal(t, "T2", got[2].ID)
	require.Equal(t, "seller-T3", got[0].OtherParticipantID)
	require.Equal(t, "hi T3", got[0].LastMessagePreview)
}

func TestLoadThreadsExcludesIncompleteRows(t *testing.T) {
	broken := row("T2", clock(9), nil)
	broken.Seller = nil
	store := &scriptedStore{rows: []chat.ThreadRow{row("T1", clock(8), nil), broken}}
	got, err := NewRegistry(store, nil).LoadThreads(context.Background(), "me")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "T1", got[0].ID)
}

func TestLoadThreadsBackendFailure(t *testing.T) {
	store := &scriptedStore{listErr: errors.New("unavailable")}
	_, err := NewRegistry(store, nil).LoadThreads(context.Background(), "me")
	require.Error(t, err)
}

func TestLoadThreadsEmpty(t *testing.T) {
	store := &scriptedStore{ThreadStore: memory.New()}
	got, err := NewRegistry(store, nil).LoadThreads(context.Background(), "me")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFindOrCreateThreadIsIdempotent(t *testing.T) {
	store := &scriptedStore{ThreadStore: memory.New()}
	reg := NewRegistry(store, nil)
	first, err := reg.FindOrCreateThread(context.Background(), "post-1", "buyer", "seller")
	require.NoError(t, err)
	second, err := reg.FindOrCreateThread(context.Background(), "post-1", "buyer", "seller")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, store.creates)
}

func TestFindOrCreateThreadResolvesDuplicateKey(t *testing.T) {
	backend := memory.New()
	existing, err := backend.CreateThread(context.Background(), "post-1", "buyer", "seller")
	require.NoError(t, err)

	// The first lookup misses, as if a concurrent caller created the thread in between.
	store := &scriptedStore{ThreadStore: backend, findMiss: 1}
	got, err := NewRegistry(store, nil).FindOrCreateThread(context.Background(), "post-1", "buyer", "seller")
	require.NoError(t, err)
	require.Equal(t, existing, got)
	require.Equal(t, 2, store.findCalls)
	require.Equal(t, 1, store.creates)
}

func TestFindOrCreateThreadVanished(t *testing.T) {
	backend := memory.New()
	_, err := backend.CreateThread(context.Background(), "post-1", "buyer", "seller")
	require.NoError(t, err)
	store := &scriptedStore{ThreadStore: backend, findMiss: 2}
	_, err = NewRegistry(store, nil).FindOrCreateThread(context.Background(), "post-1", "buyer", "seller")
	require.ErrorIs(t, err, ErrThreadVanished)
}

func TestFindOrCreateThreadRejectsSelf(t *testing.T) {
	store := &scriptedStore{ThreadStore: memory.New()}
	_, err := NewRegistry(store, nil).FindOrCreateThread(context.Background(), "post-1", "me", "me")
	require.ErrorIs(t, err, ErrInvalidParticipants)
	require.Zero(t, store.findCalls)
}

func TestDeleteThread(t *testing.T) {
	backend := memory.New()
	id, err := backend.CreateThread(context.Background(), "post-1", "buyer", "seller")
	require.NoError(t, err)
	reg := NewRegistry(backend, nil)
	require.NoError(t, reg.DeleteThread(context.Background(), id))
	require.ErrorIs(t, reg.DeleteThread(context.Background(), id), policies.ErrNotFound)
}
