package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(hour int) time.Time {
	return time.Date(2024, 9, 2, hour, 0, 0, 0, time.UTC)
}

func TestSortThreadsByActivity(t *testing.T) {
	threads := []Thread{
		{ID: "t1", CreatedAt: at(8), LastMessageAt: at(10)},
		{ID: "t2", CreatedAt: at(9)},
		{ID: "t3", CreatedAt: at(7), LastMessageAt: at(11)},
	}
	SortThreads(threads)
	require.Equal(t, []string{"t3", "t1", "t2"}, ids(threads))
}

func TestSortThreadsTieBrokenByID(t *testing.T) {
	threads := []Thread{
		{ID: "b", CreatedAt: at(9)},
		{ID: "c", CreatedAt: at(9)},
		{ID: "a", CreatedAt: at(9)},
	}
	SortThreads(threads)
	require.Equal(t, []string{"a", "b", "c"}, ids(threads))
}

func TestThreadRowResolveForBuyer(t *testing.T) {
	row := completeRow()
	res := row.Resolve("buyer")
	require.True(t, res.OK())
	require.Equal(t, "seller", res.Value.OtherParticipantID)
	require.Equal(t, "Sam Seller", res.Value.OtherParticipantName)
	require.Equal(t, "users/seller/avatar.jpg", res.Value.OtherParticipantAvatarRef)
	require.Equal(t, "Desk lamp", res.Value.ListingTitle)
	require.Equal(t, "still available?", res.Value.LastMessagePreview)
	require.Equal(t, at(10), res.Value.LastMessageAt)
}

func TestThreadRowResolveForSellerFallsBackToUserID(t *testing.T) {
	row := completeRow()
	res := row.Resolve("seller")
	require.True(t, res.OK())
	require.Equal(t, "buyer", res.Value.OtherParticipantID)
	require.Equal(t, "buyer", res.Value.OtherParticipantAvatarRef)
}

func TestThreadRowResolveIncomplete(t *testing.T) {
	row := completeRow()
	row.Seller = nil
	res := row.Resolve("buyer")
	require.False(t, res.OK())
	require.Equal(t, "seller profile unavailable", res.Incomplete)

	row = completeRow()
	row.Listing = nil
	require.False(t, row.Resolve("buyer").OK())
}

func TestThreadRowWithoutMessages(t *testing.T) {
	row := completeRow()
	row.LastMessage = nil
	res := row.Resolve("buyer")
	require.True(t, res.OK())
	require.False(t, res.Value.HasMessages())
	require.Equal(t, at(8), res.Value.Activity())
}

func TestSnippet(t *testing.T) {
	require.Equal(t, "héllo", Snippet("  héllo  ", 10))
	require.Equal(t, "hé", Snippet("héllo", 2))
	require.Equal(t, "", Snippet("hello", 0))
}

func completeRow() ThreadRow {
	body := "still available?"
	name := "Bea Buyer"
	return ThreadRow{
		ID:        "thread-1",
		ListingID: "post-1",
		BuyerID:   "buyer",
		SellerID:  "seller",
		CreatedAt: at(8),
		Listing:   &ListingRef{ID: "post-1", Title: "Desk lamp"},
		Buyer:     &Profile{UserID: "buyer", DisplayName: "Bea Buyer"},
		Seller:    &Profile{UserID: "seller", DisplayName: "Sam Seller", AvatarPath: "users/seller/avatar.jpg"},
		LastMessage: &MessageRow{
			ID:         "m1",
			ThreadID:   "thread-1",
			SenderID:   "buyer",
			Body:       body,
			SenderName: &name,
			CreatedAt:  at(10),
		},
	}
}

func ids(threads []Thread) []string {
	out := make([]string, 0, len(threads))
	for _, th := range threads {
		out = append(out, th.ID)
	}
	return out
}
