package policies

import (
	"context"
	"errors"
	"time"

	"marketchat/internal/domain/chat"
)

var (
	// ErrDuplicate signals a uniqueness violation on (listing, buyer, seller).
	ErrDuplicate = errors.New("backend: duplicate thread")
	// ErrNotFound signals a missing row or stored object.
	ErrNotFound = errors.New("backend: not found")
	// ErrForbidden signals an operation by someone other than the owner.
	ErrForbidden = errors.New("backend: forbidden")
)

// ThreadStore is the thread half of the hosted backend.
type ThreadStore interface {
	ListThreadsForUser(ctx context.Context, userID string) ([]chat.ThreadRow, error)
	FindThread(ctx context.Context, listingID, buyerID, sellerID string) (threadID string, found bool, err error)
	CreateThread(ctx context.Context, listingID, buyerID, sellerID string) (threadID string, err error)
	DeleteThreadCascade(ctx context.Context, threadID string) error
}

// MessageStore is the message half of the hosted backend. InsertMessage echoes
// the server-assigned id and timestamp.
type MessageStore interface {
	ListMessages(ctx context.Context, threadID string) ([]chat.MessageRow, error)
	InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.MessageRow, error)
	DeleteMessage(ctx context.Context, messageID, senderID string) error
}

// AvatarStore issues signed URLs for stored avatar objects.
// SignedURL returns ok=false when the signing request was cancelled.
// AvatarPath returns ok=false when the user has no avatar on file.
type AvatarStore interface {
	SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (url string, ok bool, err error)
	AvatarPath(ctx context.Context, userID string) (path string, ok bool, err error)
}

// SessionSource reports the signed-in user; ok=false means unauthenticated.
type SessionSource interface {
	CurrentUserID(ctx context.Context) (userID string, ok bool, err error)
}

// Backend is everything the conversation core consumes from the hosted backend.
type Backend interface {
	ThreadStore
	MessageStore
	AvatarStore
	SessionSource
}
