// Package backend is the remote Backend Gateway: threads and messages live
// in Scylla, profiles, posts and sessions in Mongo, avatars in S3.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"marketchat/internal/app/policies"
	"marketchat/internal/domain/auth"
	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/db/scylla"
)

// ThreadStore is the Scylla side of the gateway.
type ThreadStore interface {
	ListThreadsForUser(ctx context.Context, userID string) ([]scylla.Thread, error)
	FindThread(ctx context.Context, listingID, buyerID, sellerID string) (string, bool, error)
	CreateThread(ctx context.Context, listingID, buyerID, sellerID string) (string, error)
	DeleteThreadCascade(ctx context.Context, threadID string) error
	ListMessages(ctx context.Context, threadID string) ([]scylla.Message, error)
	InsertMessage(ctx context.Context, msg chat.NewMessage) (scylla.Message, error)
	DeleteMessage(ctx context.Context, messageID, senderID string) (string, error)
}

type ProfileStore interface {
	ByIDs(ctx context.Context, ids []string) (map[string]chat.Profile, error)
	AvatarPath(ctx context.Context, userID string) (string, bool, error)
}

type PostStore interface {
	Titles(ctx context.Context, ids []string) (map[string]chat.ListingRef, error)
}

type SessionStore interface {
	Get(ctx context.Context, token string) (*auth.Session, error)
}

type URLSigner interface {
	SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, bool, error)
}

// Deps bundles the stores a Gateway composes. Events may be nil.
type Deps struct {
	Threads  ThreadStore
	Profiles ProfileStore
	Posts    PostStore
	Sessions SessionStore
	Signer   URLSigner
	Events   policies.EventPublisher
}

// Gateway implements every Backend operation except the session lookup,
// which belongs to the per-token views returned by ForSession.
type Gateway struct {
	deps    Deps
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Gateway; timeout bounds each backend call when positive.
func New(deps Deps, timeout time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{deps: deps, timeout: timeout, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// ForSession returns a Backend whose current user is the owner of token.
func (g *Gateway) ForSession(token string) policies.Backend {
	return &sessionView{Gateway: g, token: token}
}

// Authenticate resolves a bearer token to its live session.
func (g *Gateway) Authenticate(ctx context.Context, token string) (auth.Session, error) {
	ctx, cancel := g.wrapCall(ctx)
	defer cancel()
	s, err := g.deps.Sessions.Get(ctx, token)
	if err != nil {
		return auth.Session{}, err
	}
	return *s, nil
}

func (g *Gateway) ListThreadsForUser(ctx context.Context, userID string) ([]chat.ThreadRow, error) {
	ctx, cancel := g.wrapCall(ctx)
	defer cancel()
	threads, err := g.deps.Threads.ListThreadsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	userIDs := make([]string, 0, len(threads)*2)
	listingIDs := make([]string, 0, len(threads))
	for _, t := range threads {
		userIDs = append(userIDs, t.BuyerID, t.SellerID)
		listingIDs = append(listingIDs, t.ListingID)
	}

	var (
		profiles map[string]chat.Profile
		titles   map[string]chat.ListingRef
	)
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		var err error
		profiles, err = g.deps.Profiles.ByIDs(gctx, userIDs)
		return err
	})
	grp.Go(func() error {
		var err error
		titles, err = g.deps.Posts.Titles(gctx, listingIDs)
		return err
	})
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	rows := make([]chat.ThreadRow, 0, len(threads))
	for _, t := range threads {
		row := chat.ThreadRow{
			ID:        t.ID.String(),
			ListingID: t.ListingID,
			BuyerID:   t.BuyerID,
			SellerID:  t.SellerID,
			CreatedAt: t.CreatedAt,
			Listing:   lookup(titles, t.ListingID),
			Buyer:     lookup(profiles, t.BuyerID),
			Seller:    lookup(profiles, t.SellerID),
		}
		if t.Last != nil {
			last := messageRow(*t.Last, profiles)
			row.LastMessage = &last
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (g *Gateway) FindThread(ctx context.Context, listingID, buyerID, sellerID string) (string, bool, error) {
	ctx, cancel := g.wrapCall(ctx)
	defer cancel()
	return g.deps.Threads.FindThread(ctx, listingID, buyerID, sellerID)
}

func (g *Gateway) CreateThread(ctx context.Context, listingID, buyerID, sellerID string) (string, error) {
	ctx, cancel := g.wrapCall(ctx)
	defer cancel()
	id, err := g.deps.Threads.CreateThread(ctx, listingID, buyerID, sellerID)
	if err != nil {
		return "", err
	}
	g.publish(ctx, policies.EventThreadCreated, id, map[string]any{
		"listing_id": listingID,
		"buyer_id":   buyerID,
		"seller_id":  sellerID,
	})
	return id, nil
}

func (g *Gateway) DeleteThreadCascade(ctx context.Context, threadID string) error {
	ctx, cancel := g.wrapCall(ctx)
	defer cancel()
	if err := g.deps.Threads.DeleteThreadCascade(ctx, threadID); err != nil {
		return err
	}
	g.publish(ctx, policies.EventThreadDeleted, threadID, nil)
	return nil
}

func (g *Gateway) ListMessages(ctx context.Context, threadID string) ([]chat.MessageRow, error) {
	ctx, cancel := g.wrapCall(ctx)
	defer cancel()
	msgs, err := g.deps.Threads.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	senders := make([]string, 0, len(msgs))
	for _, m := range msgs {
		senders = append(senders, m.SenderID)
	}
	profiles, err := g.deps.Profiles.ByIDs(ctx, senders)
	if err != nil {
		return nil, err
	}
	rows := make([]chat.MessageRow, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, messageRow(m, profiles))
	}
	return rows, nil
}

// InsertMessage stores msg and echoes it with the sender's display name when
// the profile is available.
func (g *Gateway) InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.MessageRow, error) {
	ctx, cancel := g.wrapCall(ctx)
	defer cancel()
	m, err := g.deps.Threads.InsertMessage(ctx, msg)
	if err != nil {
		return chat.MessageRow{}, err
	}
	profiles, err := g.deps.Profiles.ByIDs(ctx, []string{m.SenderID})
	if err != nil {
		g.warn("sender lookup failed", "error", err, "sender_id", m.SenderID)
		profiles = nil
	}
	row := messageRow(m, profiles)
	g.publish(ctx, policies.EventMessageSent, row.ThreadID, map[string]any{
		"message_id":  row.ID,
		"sender_id":   row.SenderID,
		"receiver_id": row.ReceiverID,
		"listing_id":  row.ListingID,
	})
	return row, nil
}

func (g *Gateway) DeleteMessage(ctx context.Context, messageID, senderID string) error {
	ctx, cancel := g.wrapCall(ctx)
	defer cancel()
	threadID, err := g.deps.Threads.DeleteMessage(ctx, messageID, senderID)
	if err != nil {
		return err
	}
	g.publish(ctx, policies.EventMessageDeleted, threadID, map[string]any{
		"message_id": messageID,
		"sender_id":  senderID,
	})
	return nil
}

func (g *Gateway) SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, bool, error) {
	ctx, cancel := g.wrapCall(ctx)
	defer cancel()
	return g.deps.Signer.SignedURL(ctx, objectPath, ttl)
}

func (g *Gateway) AvatarPath(ctx context.Context, userID string) (string, bool, error) {
	ctx, cancel := g.wrapCall(ctx)
	defer cancel()
	return g.deps.Profiles.AvatarPath(ctx, userID)
}

// publish records an event; failures are logged and never fail the write.
func (g *Gateway) publish(ctx context.Context, name, threadID string, data map[string]any) {
	if g.deps.Events == nil {
		return
	}
	ev := policies.ChatEvent{Name: name, ThreadID: threadID, OccurredAt: g.now(), Data: data}
	if err := g.deps.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		g.warn("chat event not recorded", "error", err, "event", name, "thread_id", threadID)
	}
}

func (g *Gateway) wrapCall(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Gateway) warn(msg string, args ...any) {
	if g.logger != nil {
		g.logger.Warn(msg, args...)
	}
}

type sessionView struct {
	*Gateway
	token string
}

// CurrentUserID reports the token's user; unknown or expired tokens are
// signed out, not errors.
func (v *sessionView) CurrentUserID(ctx context.Context) (string, bool, error) {
	if v.token == "" {
		return "", false, nil
	}
	s, err := v.Authenticate(ctx, v.token)
	if errors.Is(err, auth.ErrSessionNotFound) || errors.Is(err, auth.ErrSessionExpired) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s.UserID, true, nil
}

func messageRow(m scylla.Message, profiles map[string]chat.Profile) chat.MessageRow {
	row := chat.MessageRow{
		ID:         m.ID.String(),
		ThreadID:   m.ThreadID.String(),
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		ListingID:  m.ListingID,
		Body:       m.Text,
		CreatedAt:  m.CreatedAt,
	}
	if p, ok := profiles[m.SenderID]; ok {
		name := p.DisplayName
		row.SenderName = &name
	}
	return row
}

func lookup[T any](m map[string]T, key string) *T {
	v, ok := m[key]
	if !ok {
		return nil
	}
	return &v
}

var _ policies.Backend = (*sessionView)(nil)
