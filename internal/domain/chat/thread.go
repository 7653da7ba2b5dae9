package chat

import (
	"sort"
	"strings"
	"time"
)

// Thread is a conversation about one listing between one buyer and one seller,
// as seen by a particular viewer.
type Thread struct {
	ID           string
	ListingID    string
	ListingTitle string
	BuyerID      string
	SellerID     string
	CreatedAt    time.Time

	OtherParticipantID        string
	OtherParticipantName      string
	OtherParticipantAvatarRef string

	LastMessagePreview string
	LastMessageAt      time.Time
}

// HasMessages reports whether a latest-message preview was resolved for the thread.
func (t Thread) HasMessages() bool {
	return !t.LastMessageAt.IsZero()
}

// Activity is the sort key of the thread list.
func (t Thread) Activity() time.Time {
	if !t.LastMessageAt.IsZero() {
		return t.LastMessageAt
	}
	return t.CreatedAt
}

// Participant reports whether userID is the buyer or the seller.
func (t Thread) Participant(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Counterpart returns the participant that is not userID.
func (t Thread) Counterpart(userID string) string {
	if userID == t.BuyerID {
		return t.SellerID
	}
	return t.BuyerID
}

// SortThreads orders threads by most recent activity, ties broken by id.
func SortThreads(threads []Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		ai, aj := threads[i].Activity(), threads[j].Activity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return threads[i].ID < threads[j].ID
	})
}

// Listing is the subset of a marketplace post needed to open a conversation.
type Listing struct {
	ID        string
	OwnerID   string
	OwnerName string
	Title     string
}

// Profile is the public part of a user profile.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarPath  string
}

// ListingRef is the joined listing data of a thread row.
type ListingRef struct {
	ID    string
	Title string
}

// ThreadRow is a thread as returned by the backend, with joins that may be missing.
type ThreadRow struct {
	ID        string
	ListingID string
	BuyerID   string
	SellerID  string
	CreatedAt time.Time

	Listing     *ListingRef
	Buyer       *Profile
	Seller      *Profile
	LastMessage *MessageRow
}

// RowResult is either a resolved value or the reason the row was incomplete.
type RowResult[T any] struct {
	Value      T
	Incomplete string
}

// OK reports whether the row resolved completely.
func (r RowResult[T]) OK() bool {
	return r.Incomplete == ""
}

// Resolve derives the viewer-relative Thread. Rows with a missing listing or
// participant profile come back incomplete.
func (r ThreadRow) Resolve(viewerID string) RowResult[Thread] {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return RowResult[Thread]{Incomplete: "missing id"}
	case r.Listing == nil:
		return RowResult[Thread]{Incomplete: "listing unavailable"}
	case r.Buyer == nil:
		return RowResult[Thread]{Incomplete: "buyer profile unavailable"}
	case r.Seller == nil:
		return RowResult[Thread]{Incomplete: "seller profile unavailable"}
	}

	other := r.Buyer
	if viewerID == r.BuyerID {
		other = r.Seller
	}
	avatarRef := other.AvatarPath
	if avatarRef == "" {
		avatarRef = other.UserID
	}

	thread := Thread{
		ID:                        r.ID,
		ListingID:                 r.ListingID,
		ListingTitle:              r.Listing.Title,
		BuyerID:                   r.BuyerID,
		SellerID:                  r.SellerID,
		CreatedAt:                 r.CreatedAt,
		OtherParticipantID:        other.UserID,
		OtherParticipantName:      other.DisplayName,
		OtherParticipantAvatarRef: avatarRef,
	}
	if r.LastMessage != nil {
		thread.LastMessagePreview = Snippet(r.LastMessage.Body, PreviewLength)
		thread.LastMessageAt = r.LastMessage.CreatedAt
	}
	return RowResult[Thread]{Value: thread}
}

// PreviewLength caps the thread list preview in runes.
const PreviewLength = 120

// Snippet trims text and cuts it to max runes.
func Snippet(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}
