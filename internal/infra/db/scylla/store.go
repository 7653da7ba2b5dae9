package scylla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"marketchat/internal/app/policies"
	"marketchat/internal/domain/chat"
)

var errNoSession = errors.New("scylla session not initialized")

const (
	orphanGrace    = 30 * time.Second
	releaseTimeout = 5 * time.Second
)

const threadColumns = `id, listing_id, buyer_id, seller_id, created_at, last_message_id, last_message_sender_id, last_message_receiver_id, last_message_text, last_message_at`

// Store wraps Scylla queries for threads and messages.
type Store struct {
	session *gocql.Session
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore builds a Store.
func NewStore(session *gocql.Session, logger *slog.Logger) *Store {
	return &Store{session: session, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.session == nil {
		return errNoSession
	}
	return s.session.Query(`SELECT now() FROM system.local`).WithContext(ctx).Exec()
}

// ListThreadsForUser returns every thread the user takes part in, most
// recent activity first.
func (s *Store) ListThreadsForUser(ctx context.Context, userID string) ([]Thread, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	iter := s.session.
		Query(`SELECT thread_id FROM threads_by_user WHERE user_id = ?`, userID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	var (
		ids []gocql.UUID
		id  gocql.UUID
	)
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Thread{}, nil
	}

	iter = s.session.
		Query(`SELECT `+threadColumns+` FROM threads WHERE id IN ?`, ids).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	threads := make([]Thread, 0, len(ids))
	for {
		t, ok := scanThread(iter)
		if !ok {
			break
		}
		threads = append(threads, t)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	sort.Slice(threads, func(i, j int) bool {
		return lastActivity(threads[i]).After(lastActivity(threads[j]))
	})
	return threads, nil
}

// GetThread returns a thread by id.
func (s *Store) GetThread(ctx context.Context, threadID string) (Thread, error) {
	if s.session == nil {
		return Thread{}, errNoSession
	}
	id, err := parseID(threadID)
	if err != nil {
		return Thread{}, err
	}
	iter := s.session.
		Query(`SELECT `+threadColumns+` FROM threads WHERE id = ? LIMIT 1`, id).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	t, found := scanThread(iter)
	if err := iter.Close(); err != nil {
		return Thread{}, err
	}
	if !found {
		return Thread{}, fmt.Errorf("thread %s: %w", threadID, policies.ErrNotFound)
	}
	return t, nil
}

// FindThread looks up the thread for an exact (listing, buyer, seller) triple.
// A key whose thread row never got written is released once it is older than
// orphanGrace, so the triple can be claimed again.
func (s *Store) FindThread(ctx context.Context, listingID, buyerID, sellerID string) (string, bool, error) {
	if s.session == nil {
		return "", false, errNoSession
	}
	var (
		id        gocql.UUID
		claimedAt int64
	)
	err := s.session.
		Query(`SELECT thread_id, WRITETIME(thread_id) FROM thread_keys WHERE listing_id = ? AND buyer_id = ? AND seller_id = ?`, listingID, buyerID, sellerID).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Scan(&id, &claimedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	_, err = s.GetThread(ctx, id.String())
	switch {
	case err == nil:
		return id.String(), true, nil
	case !errors.Is(err, policies.ErrNotFound):
		return "", false, err
	case !orphanedClaim(claimedAt, s.now()):
		// The creator is still writing the thread row.
		return id.String(), true, nil
	}
	s.warn("releasing orphaned thread key", "thread_id", id.String(), "listing_id", listingID, "buyer_id", buyerID, "seller_id", sellerID)
	if err := s.releaseKey(ctx, listingID, buyerID, sellerID, id); err != nil {
		return "", false, err
	}
	return "", false, nil
}

// CreateThread claims the triple with a lightweight transaction and writes
// the thread. A lost claim is reported as policies.ErrDuplicate.
func (s *Store) CreateThread(ctx context.Context, listingID, buyerID, sellerID string) (string, error) {
	if s.session == nil {
		return "", errNoSession
	}
	id := gocql.TimeUUID()
	applied, err := s.session.
		Query(`INSERT INTO thread_keys (listing_id, buyer_id, seller_id, thread_id) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
			listingID, buyerID, sellerID, id).
		WithContext(ctx).
		SerialConsistency(gocql.Serial).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return "", fmt.Errorf("claim thread key: %w", err)
	}
	if !applied {
		return "", policies.ErrDuplicate
	}

	now := s.now()
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO threads (id, listing_id, buyer_id, seller_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, listingID, buyerID, sellerID, now)
	batch.Query(`INSERT INTO threads_by_user (user_id, thread_id) VALUES (?, ?)`, buyerID, id)
	batch.Query(`INSERT INTO threads_by_user (user_id, thread_id) VALUES (?, ?)`, sellerID, id)
	if err := s.session.ExecuteBatch(batch); err != nil {
		// Give the triple back, or FindThread would keep returning a thread
		// that does not exist.
		if relErr := s.releaseKey(ctx, listingID, buyerID, sellerID, id); relErr != nil {
			s.warn("release thread key failed", "thread_id", id.String(), "err", relErr)
		}
		return "", fmt.Errorf("insert thread: %w", err)
	}
	return id.String(), nil
}

// releaseKey drops the claim on a triple if it still points at threadID. It
// runs detached from ctx so a cancelled request still cleans up.
func (s *Store) releaseKey(ctx context.Context, listingID, buyerID, sellerID string, threadID gocql.UUID) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	_, err := s.session.
		Query(`DELETE FROM thread_keys WHERE listing_id = ? AND buyer_id = ? AND seller_id = ? IF thread_id = ?`,
			listingID, buyerID, sellerID, threadID).
		WithContext(ctx).
		SerialConsistency(gocql.Serial).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("release thread key: %w", err)
	}
	return nil
}

// orphanedClaim reports whether a key written at claimedAt (microseconds, as
// returned by WRITETIME) is too old to belong to a creation in progress.
func orphanedClaim(claimedAt int64, now time.Time) bool {
	return now.Sub(time.UnixMicro(claimedAt)) > orphanGrace
}

// DeleteThreadCascade removes a thread, its key, its index rows and all of
// its messages.
func (s *Store) DeleteThreadCascade(ctx context.Context, threadID string) error {
	t, err := s.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	msgs, err := s.ListMessages(ctx, threadID)
	if err != nil {
		return err
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, m := range msgs {
		batch.Query(`DELETE FROM message_index WHERE message_id = ?`, m.ID)
	}
	batch.Query(`DELETE FROM messages WHERE thread_id = ?`, t.ID)
	batch.Query(`DELETE FROM threads_by_user WHERE user_id = ? AND thread_id = ?`, t.BuyerID, t.ID)
	batch.Query(`DELETE FROM threads_by_user WHERE user_id = ? AND thread_id = ?`, t.SellerID, t.ID)
	batch.Query(`DELETE FROM threads WHERE id = ?`, t.ID)
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	// The key is an LWT row; mixing it into the logged batch is not allowed.
	if err := s.session.
		Query(`DELETE FROM thread_keys WHERE listing_id = ? AND buyer_id = ? AND seller_id = ? IF EXISTS`, t.ListingID, t.BuyerID, t.SellerID).
		WithContext(ctx).
		SerialConsistency(gocql.Serial).
		Exec(); err != nil {
		return fmt.Errorf("release thread key: %w", err)
	}
	return nil
}

// ListMessages returns a thread's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	id, err := parseID(threadID)
	if err != nil {
		return nil, err
	}
	iter := s.session.
		Query(`SELECT thread_id, message_id, sender_id, receiver_id, listing_id, text, created_at FROM messages WHERE thread_id = ?`, id).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	messages := make([]Message, 0)
	var m Message
	for iter.Scan(&m.ThreadID, &m.ID, &m.SenderID, &m.ReceiverID, &m.ListingID, &m.Text, &m.CreatedAt) {
		messages = append(messages, m)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return messages, nil
}

// InsertMessage stores a message between the thread's participants and
// updates the thread's last-message columns.
func (s *Store) InsertMessage(ctx context.Context, msg chat.NewMessage) (Message, error) {
	t, err := s.GetThread(ctx, msg.ThreadID)
	if err != nil {
		return Message{}, err
	}
	participants := map[string]bool{t.BuyerID: true, t.SellerID: true}
	if !participants[msg.SenderID] || !participants[msg.ReceiverID] || msg.SenderID == msg.ReceiverID {
		return Message{}, policies.ErrForbidden
	}

	m := Message{
		ID:         gocql.TimeUUID(),
		ThreadID:   t.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		ListingID:  msg.ListingID,
		Text:       msg.Body,
		CreatedAt:  s.now(),
	}
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO messages (thread_id, message_id, sender_id, receiver_id, listing_id, text, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ThreadID, m.ID, m.SenderID, m.ReceiverID, m.ListingID, m.Text, m.CreatedAt)
	batch.Query(`INSERT INTO message_index (message_id, thread_id, sender_id) VALUES (?, ?, ?)`, m.ID, m.ThreadID, m.SenderID)
	if err := s.session.ExecuteBatch(batch); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	s.touchThread(ctx, t.ID, &m)
	return m, nil
}

// DeleteMessage removes a message and returns the id of its thread; only the
// message's sender may delete it.
func (s *Store) DeleteMessage(ctx context.Context, messageID, senderID string) (string, error) {
	if s.session == nil {
		return "", errNoSession
	}
	id, err := parseID(messageID)
	if err != nil {
		return "", err
	}
	var (
		threadID gocql.UUID
		owner    string
	)
	err = s.session.
		Query(`SELECT thread_id, sender_id FROM message_index WHERE message_id = ?`, id).
		WithContext(ctx).
		Scan(&threadID, &owner)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", fmt.Errorf("message %s: %w", messageID, policies.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if owner != senderID {
		return "", policies.ErrForbidden
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM messages WHERE thread_id = ? AND message_id = ?`, threadID, id)
	batch.Query(`DELETE FROM message_index WHERE message_id = ?`, id)
	if err := s.session.ExecuteBatch(batch); err != nil {
		return "", fmt.Errorf("delete message %s: %w", messageID, err)
	}

	var last *Message
	var m Message
	err = s.session.
		Query(`SELECT thread_id, message_id, sender_id, receiver_id, listing_id, text, created_at FROM messages WHERE thread_id = ? ORDER BY message_id DESC LIMIT 1`, threadID).
		WithContext(ctx).
		Scan(&m.ThreadID, &m.ID, &m.SenderID, &m.ReceiverID, &m.ListingID, &m.Text, &m.CreatedAt)
	switch {
	case err == nil:
		last = &m
	case !errors.Is(err, gocql.ErrNotFound):
		s.warn("failed to read last message after delete", "error", err, "thread_id", threadID)
		return threadID.String(), nil
	}
	s.touchThread(ctx, threadID, last)
	return threadID.String(), nil
}

// touchThread rewrites the thread's last-message columns; best effort.
func (s *Store) touchThread(ctx context.Context, threadID gocql.UUID, last *Message) {
	var err error
	if last == nil {
		err = s.session.
			Query(`DELETE last_message_id, last_message_sender_id, last_message_receiver_id, last_message_text, last_message_at FROM threads WHERE id = ?`, threadID).
			WithContext(ctx).
			Exec()
	} else {
		err = s.session.
			Query(`UPDATE threads SET last_message_id = ?, last_message_sender_id = ?, last_message_receiver_id = ?, last_message_text = ?, last_message_at = ? WHERE id = ?`,
				last.ID, last.SenderID, last.ReceiverID, last.Text, last.CreatedAt, threadID).
			WithContext(ctx).
			Consistency(gocql.One).
			Exec()
	}
	if err != nil {
		s.warn("failed to update last message meta", "error", err, "thread_id", threadID)
	}
}

func (s *Store) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func scanThread(iter *gocql.Iter) (Thread, bool) {
	var (
		t          Thread
		lastID     gocql.UUID
		lastSender string
		lastRecv   string
		lastText   string
		lastAt     time.Time
	)
	if !iter.Scan(&t.ID, &t.ListingID, &t.BuyerID, &t.SellerID, &t.CreatedAt, &lastID, &lastSender, &lastRecv, &lastText, &lastAt) {
		return Thread{}, false
	}
	if lastID != (gocql.UUID{}) {
		t.Last = &Message{
			ID:         lastID,
			ThreadID:   t.ID,
			SenderID:   lastSender,
			ReceiverID: lastRecv,
			ListingID:  t.ListingID,
			Text:       lastText,
			CreatedAt:  lastAt,
		}
	}
	return t, true
}

func parseID(raw string) (gocql.UUID, error) {
	id, err := gocql.ParseUUID(strings.TrimSpace(raw))
	if err != nil {
		return gocql.UUID{}, fmt.Errorf("id %q: %w", raw, policies.ErrNotFound)
	}
	return id, nil
}
