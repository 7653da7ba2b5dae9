package memory

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/app/policies"
	"marketchat/internal/domain/auth"
	"marketchat/internal/domain/chat"
)

// Backend is an in-memory Backend Gateway for local runs and tests. Views
// created with ForSession share the same data but resolve the current user
// from their own session token.
type Backend struct {
	data  *state
	token string
}

type state struct {
	mu       sync.RWMutex
	now      func() time.Time
	baseURL  string
	user     string
	threads  map[string]threadRecord
	keys     map[threadKey]string
	messages map[string][]messageRecord
	profiles map[string]chat.Profile
	listings map[string]chat.ListingRef
	objects  map[string]struct{}
	sessions map[string]auth.Session
	events   policies.EventPublisher
}

type threadKey struct {
	listingID string
	buyerID   string
	sellerID  string
}

type threadRecord struct {
	id        string
	key       threadKey
	createdAt time.Time
}

type messageRecord struct {
	id         string
	threadID   string
	senderID   string
	receiverID string
	listingID  string
	body       string
	createdAt  time.Time
}

// Option configures a Backend.
type Option func(*state)

// WithClock replaces time.Now for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *state) { s.now = now }
}

// WithEvents records thread and message changes on publisher.
func WithEvents(publisher policies.EventPublisher) Option {
	return func(s *state) { s.events = publisher }
}

// WithBaseURL sets the host used for signed URLs.
func WithBaseURL(base string) Option {
	return func(s *state) { s.baseURL = strings.TrimRight(base, "/") }
}

// New builds an empty, unauthenticated backend.
func New(opts ...Option) *Backend {
	s := &state{
		now:      func() time.Time { return time.Now().UTC() },
		baseURL:  "http://localhost:9000/avatars",
		threads:  make(map[string]threadRecord),
		keys:     make(map[threadKey]string),
		messages: make(map[string][]messageRecord),
		profiles: make(map[string]chat.Profile),
		listings: make(map[string]chat.ListingRef),
		objects:  make(map[string]struct{}),
		sessions: make(map[string]auth.Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return &Backend{data: s}
}

// SignIn makes userID the current user of views without a session token.
func (b *Backend) SignIn(userID string) {
	b.data.mu.Lock()
	defer b.data.mu.Unlock()
	b.data.user = userID
}

// SignOut clears the current user of views without a session token.
func (b *Backend) SignOut() {
	b.SignIn("")
}

// IssueSession stores a new bearer token for userID.
func (b *Backend) IssueSession(userID string, roles ...auth.Role) string {
	b.data.mu.Lock()
	defer b.data.mu.Unlock()
	s, err := auth.NewSession(auth.CreateSessionParams{
		Token:  uuid.NewString(),
		UserID: userID,
		Roles:  roles,
		TTL:    auth.DefaultTTL,
		Now:    b.data.now(),
	})
	if err != nil {
		return ""
	}
	b.data.sessions[s.Token] = *s
	return s.Token
}

// RevokeSession deletes a bearer token.
func (b *Backend) RevokeSession(token string) {
	b.data.mu.Lock()
	defer b.data.mu.Unlock()
	delete(b.data.sessions, token)
}

// Authenticate resolves a bearer token to its session.
func (b *Backend) Authenticate(_ context.Context, token string) (auth.Session, error) {
	b.data.mu.RLock()
	defer b.data.mu.RUnlock()
	return b.data.session(token)
}

// ForSession returns a view whose current user follows the given token.
func (b *Backend) ForSession(token string) policies.Backend {
	return &Backend{data: b.data, token: token}
}

// PutProfile stores or replaces a profile.
func (b *Backend) PutProfile(p chat.Profile) {
	b.data.mu.Lock()
	defer b.data.mu.Unlock()
	b.data.profiles[p.UserID] = p
}

// PutListing stores or replaces a listing title.
func (b *Backend) PutListing(l chat.ListingRef) {
	b.data.mu.Lock()
	defer b.data.mu.Unlock()
	b.data.listings[l.ID] = l
}

// PutObject marks an object path as stored.
func (b *Backend) PutObject(path string) {
	b.data.mu.Lock()
	defer b.data.mu.Unlock()
	b.data.objects[strings.Trim(path, "/")] = struct{}{}
}

// CurrentUserID implements policies.SessionSource.
func (b *Backend) CurrentUserID(context.Context) (string, bool, error) {
	b.data.mu.RLock()
	defer b.data.mu.RUnlock()
	if b.token != "" {
		s, err := b.data.session(b.token)
		if err != nil {
			return "", false, nil
		}
		return s.UserID, true, nil
	}
	return b.data.user, b.data.user != "", nil
}

// ListThreadsForUser returns the user's threads with whatever joins are available.
func (b *Backend) ListThreadsForUser(ctx context.Context, userID string) ([]chat.ThreadRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.data.mu.RLock()
	defer b.data.mu.RUnlock()
	rows := make([]chat.ThreadRow, 0)
	for _, rec := range b.data.threads {
		if rec.key.buyerID != userID && rec.key.sellerID != userID {
			continue
		}
		row := chat.ThreadRow{
			ID:        rec.id,
			ListingID: rec.key.listingID,
			BuyerID:   rec.key.buyerID,
			SellerID:  rec.key.sellerID,
			CreatedAt: rec.createdAt,
		}
		if l, ok := b.data.listings[rec.key.listingID]; ok {
			row.Listing = &l
		}
		if p, ok := b.data.profiles[rec.key.buyerID]; ok {
			row.Buyer = &p
		}
		if p, ok := b.data.profiles[rec.key.sellerID]; ok {
			row.Seller = &p
		}
		if msgs := b.data.messages[rec.id]; len(msgs) > 0 {
			last := b.data.row(msgs[len(msgs)-1])
			row.LastMessage = &last
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// FindThread looks up the thread for an exact (listing, buyer, seller) triple.
func (b *Backend) FindThread(ctx context.Context, listingID, buyerID, sellerID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	b.data.mu.RLock()
	defer b.data.mu.RUnlock()
	id, ok := b.data.keys[threadKey{listingID, buyerID, sellerID}]
	return id, ok, nil
}

// CreateThread inserts a thread, enforcing uniqueness of the triple.
func (b *Backend) CreateThread(ctx context.Context, listingID, buyerID, sellerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := threadKey{listingID, buyerID, sellerID}
	b.data.mu.Lock()
	if _, exists := b.data.keys[key]; exists {
		b.data.mu.Unlock()
		return "", policies.ErrDuplicate
	}
	id := uuid.NewString()
	b.data.keys[key] = id
	b.data.threads[id] = threadRecord{id: id, key: key, createdAt: b.data.now()}
	b.data.mu.Unlock()
	b.data.publish(ctx, policies.EventThreadCreated, id, map[string]any{
		"listing_id": listingID,
		"buyer_id":   buyerID,
		"seller_id":  sellerID,
	})
	return id, nil
}

// DeleteThreadCascade removes a thread together with all of its messages.
func (b *Backend) DeleteThreadCascade(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.data.mu.Lock()
	rec, ok := b.data.threads[threadID]
	if !ok {
		b.data.mu.Unlock()
		return policies.ErrNotFound
	}
	delete(b.data.keys, rec.key)
	delete(b.data.threads, threadID)
	delete(b.data.messages, threadID)
	b.data.mu.Unlock()
	b.data.publish(ctx, policies.EventThreadDeleted, threadID, nil)
	return nil
}

// ListMessages returns a thread's messages oldest first.
func (b *Backend) ListMessages(ctx context.Context, threadID string) ([]chat.MessageRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.data.mu.RLock()
	defer b.data.mu.RUnlock()
	msgs := b.data.messages[threadID]
	rows := make([]chat.MessageRow, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, b.data.row(m))
	}
	return rows, nil
}

// InsertMessage stores a message and echoes the canonical row.
func (b *Backend) InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.MessageRow, error) {
	if err := ctx.Err(); err != nil {
		return chat.MessageRow{}, err
	}
	b.data.mu.Lock()
	rec, ok := b.data.threads[msg.ThreadID]
	if !ok {
		b.data.mu.Unlock()
		return chat.MessageRow{}, fmt.Errorf("thread %s: %w", msg.ThreadID, policies.ErrNotFound)
	}
	participants := map[string]bool{rec.key.buyerID: true, rec.key.sellerID: true}
	if !participants[msg.SenderID] || !participants[msg.ReceiverID] || msg.SenderID == msg.ReceiverID {
		b.data.mu.Unlock()
		return chat.MessageRow{}, policies.ErrForbidden
	}
	m := messageRecord{
		id:         uuid.NewString(),
		threadID:   msg.ThreadID,
		senderID:   msg.SenderID,
		receiverID: msg.ReceiverID,
		listingID:  msg.ListingID,
		body:       msg.Body,
		createdAt:  b.data.now(),
	}
	b.data.messages[msg.ThreadID] = append(b.data.messages[msg.ThreadID], m)
	row := b.data.row(m)
	b.data.mu.Unlock()
	b.data.publish(ctx, policies.EventMessageSent, row.ThreadID, map[string]any{
		"message_id":  row.ID,
		"sender_id":   row.SenderID,
		"receiver_id": row.ReceiverID,
		"listing_id":  row.ListingID,
	})
	return row, nil
}

// DeleteMessage removes a message; only its sender may do so.
func (b *Backend) DeleteMessage(ctx context.Context, messageID, senderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.data.mu.Lock()
	for threadID, msgs := range b.data.messages {
		for i, m := range msgs {
			if m.id != messageID {
				continue
			}
			if m.senderID != senderID {
				b.data.mu.Unlock()
				return policies.ErrForbidden
			}
			b.data.messages[threadID] = append(msgs[:i:i], msgs[i+1:]...)
			b.data.mu.Unlock()
			b.data.publish(ctx, policies.EventMessageDeleted, threadID, map[string]any{
				"message_id": messageID,
				"sender_id":  senderID,
			})
			return nil
		}
	}
	b.data.mu.Unlock()
	return policies.ErrNotFound
}

// SignedURL returns a fake signed URL for a stored object.
func (b *Backend) SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, bool, error) {
	if ctx.Err() != nil {
		return "", false, nil
	}
	path := strings.Trim(objectPath, "/")
	b.data.mu.RLock()
	defer b.data.mu.RUnlock()
	if _, ok := b.data.objects[path]; !ok {
		return "", false, fmt.Errorf("object %s: %w", path, policies.ErrNotFound)
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(b.data.now().Add(ttl).Unix(), 10))
	return b.data.baseURL + "/" + path + "?" + q.Encode(), true, nil
}

// AvatarPath returns the stored avatar path of a user, if any.
func (b *Backend) AvatarPath(ctx context.Context, userID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	b.data.mu.RLock()
	defer b.data.mu.RUnlock()
	p, ok := b.data.profiles[userID]
	if !ok || p.AvatarPath == "" {
		return "", false, nil
	}
	return p.AvatarPath, true, nil
}

// publish must be called without s.mu held.
func (s *state) publish(ctx context.Context, name, threadID string, data map[string]any) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(context.WithoutCancel(ctx), policies.ChatEvent{
		Name:       name,
		ThreadID:   threadID,
		OccurredAt: s.now(),
		Data:       data,
	})
}

func (s *state) session(token string) (auth.Session, error) {
	sess, ok := s.sessions[token]
	if !ok {
		return auth.Session{}, auth.ErrSessionNotFound
	}
	if sess.Expired(s.now()) {
		return auth.Session{}, auth.ErrSessionExpired
	}
	return sess, nil
}

func (s *state) row(m messageRecord) chat.MessageRow {
	row := chat.MessageRow{
		ID:         m.id,
		ThreadID:   m.threadID,
		SenderID:   m.senderID,
		ReceiverID: m.receiverID,
		ListingID:  m.listingID,
		Body:       m.body,
		CreatedAt:  m.createdAt,
	}
	if p, ok := s.profiles[m.senderID]; ok {
		name := p.DisplayName
		row.SenderName = &name
	}
	return row
}

var _ policies.Backend = (*Backend)(nil)
