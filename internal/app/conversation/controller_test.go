package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/storage/memory"
)

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

type tickers struct {
	mu  sync.Mutex
	all map[time.Duration][]*manualTicker
}

func (f *tickers) factory(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.all == nil {
		f.all = make(map[time.Duration][]*manualTicker)
	}
	tk := &manualTicker{ch: make(chan time.Time)}
	f.all[d] = append(f.all[d], tk)
	return tk
}

func (f *tickers) latest(t *testing.T, d time.Duration) *manualTicker {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.all[d]
	require.NotEmpty(t, list, "no ticker for %s", d)
	return list[len(list)-1]
}

// fire delivers one tick. The send only completes once the loop is idle, so a
// second fire also waits for the previous tick to finish.
func fire(t *testing.T, tk *manualTicker) {
	t.Helper()
	select {
	case tk.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not accept tick")
	}
}

type countingBackend struct {
	*memory.Backend

	mu       sync.Mutex
	calls    int
	inserts  int
	creates  int
	listErr  error
	holdList chan struct{}
	entered  chan struct{}
	holdMsgs chan struct{}
	msgsIn   chan struct{}
}

func (b *countingBackend) count() {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
}

func (b *countingBackend) dataCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *countingBackend) failListing(err error) {
	b.mu.Lock()
	b.listErr = err
	b.mu.Unlock()
}

// holdNextListing makes the next thread listing take its snapshot and then
// wait for release before returning it.
func (b *countingBackend) holdNextListing() (entered <-chan struct{}, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdList = make(chan struct{})
	b.entered = make(chan struct{})
	hold := b.holdList
	return b.entered, func() { close(hold) }
}

// holdNextMessages does the same for the next message listing.
func (b *countingBackend) holdNextMessages() (entered <-chan struct{}, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdMsgs = make(chan struct{})
	b.msgsIn = make(chan struct{})
	hold := b.holdMsgs
	return b.msgsIn, func() { close(hold) }
}

func (b *countingBackend) ListThreadsForUser(ctx context.Context, userID string) ([]chat.ThreadRow, error) {
	b.count()
	b.mu.Lock()
	err, hold, entered := b.listErr, b.holdList, b.entered
	b.holdList, b.entered = nil, nil
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rows, err := b.Backend.ListThreadsForUser(ctx, userID)
	if hold != nil {
		close(entered)
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return rows, err
}

func (b *countingBackend) FindThread(ctx context.Context, listingID, buyerID, sellerID string) (string, bool, error) {
	b.count()
	return b.Backend.FindThread(ctx, listingID, buyerID, sellerID)
}

func (b *countingBackend) CreateThread(ctx context.Context, listingID, buyerID, sellerID string) (string, error) {
	b.count()
	b.mu.Lock()
	b.creates++
	b.mu.Unlock()
	return b.Backend.CreateThread(ctx, listingID, buyerID, sellerID)
}

func (b *countingBackend) DeleteThreadCascade(ctx context.Context, threadID string) error {
	b.count()
	return b.Backend.DeleteThreadCascade(ctx, threadID)
}

func (b *countingBackend) ListMessages(ctx context.Context, threadID string) ([]chat.MessageRow, error) {
	b.count()
	b.mu.Lock()
	hold, entered := b.holdMsgs, b.msgsIn
	b.holdMsgs, b.msgsIn = nil, nil
	b.mu.Unlock()
	rows, err := b.Backend.ListMessages(ctx, threadID)
	if hold != nil {
		close(entered)
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return rows, err
}

func (b *countingBackend) InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.MessageRow, error) {
	b.count()
	b.mu.Lock()
	b.inserts++
	b.mu.Unlock()
	return b.Backend.InsertMessage(ctx, msg)
}

func (b *countingBackend) DeleteMessage(ctx context.Context, messageID, senderID string) error {
	b.count()
	return b.Backend.DeleteMessage(ctx, messageID, senderID)
}

func (b *countingBackend) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, bool, error) {
	b.count()
	return b.Backend.SignedURL(ctx, path, ttl)
}

func (b *countingBackend) AvatarPath(ctx context.Context, userID string) (string, bool, error) {
	b.count()
	return b.Backend.AvatarPath(ctx, userID)
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 9, 2, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

var lamp = chat.Listing{ID: "post-1", OwnerID: "seller", OwnerName: "Sam", Title: "Desk lamp"}

type fixture struct {
	mem     *memory.Backend
	backend *countingBackend
	ticks   *tickers
	ctrl    *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.New(memory.WithClock(steppingClock()))
	mem.PutProfile(chat.Profile{UserID: "buyer", DisplayName: "Bea"})
	mem.PutProfile(chat.Profile{UserID: "seller", DisplayName: "Sam", AvatarPath: "users/seller/avatar.jpg"})
	mem.PutListing(chat.ListingRef{ID: "post-1", Title: "Desk lamp"})
	mem.SignIn("buyer")

	f := &fixture{mem: mem, backend: &countingBackend{Backend: mem}, ticks: &tickers{}}
	f.ctrl = New(f.backend, Config{}, WithTickerFactory(f.ticks.factory))
	t.Cleanup(f.ctrl.StopPolling)
	return f
}

func (f *fixture) start(t *testing.T) chat.Thread {
	t.Helper()
	thread, err := f.ctrl.StartConversation(context.Background(), lamp)
	require.NoError(t, err)
	return thread
}

func TestUnauthenticatedOperationsMakeNoBackendCalls(t *testing.T) {
	f := newFixture(t)
	f.mem.SignOut()
	ctx := context.Background()

	require.ErrorIs(t, f.ctrl.LoadThreads(ctx), ErrNotAuthenticated)
	require.Equal(t, "Please log in to view chats.", f.ctrl.State().LastError)

	_, err := f.ctrl.Send(ctx, "hello", "seller", "post-1")
	require.ErrorIs(t, err, ErrNotAuthenticated)
	require.Equal(t, "Please log in to send messages.", f.ctrl.State().LastError)

	_, err = f.ctrl.StartConversation(ctx, lamp)
	require.ErrorIs(t, err, ErrNotAuthenticated)
	require.Equal(t, "Please log in to start a conversation.", f.ctrl.State().LastError)

	require.ErrorIs(t, f.ctrl.OpenThread(ctx, chat.Thread{ID: "t1"}), ErrNotAuthenticated)
	require.ErrorIs(t, f.ctrl.StartThreadPolling(ctx), ErrNotAuthenticated)

	st := f.ctrl.State()
	require.False(t, st.Authenticated)
	require.False(t, st.ThreadPolling)
	require.False(t, st.MessagePolling)
	require.Nil(t, st.OpenThread)
	require.Zero(t, f.backend.dataCalls())
}

func TestLoadThreadsBumpsReloadToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mem.CreateThread(ctx, "post-1", "buyer", "seller")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.LoadThreads(ctx))
	st := f.ctrl.State()
	require.Len(t, st.Threads, 1)
	require.Equal(t, "Sam", st.Threads[0].OtherParticipantName)
	require.Equal(t, 1, st.AvatarReloadToken)
	require.False(t, st.LoadingThreads)

	require.NoError(t, f.ctrl.LoadThreads(ctx))
	require.Equal(t, 2, f.ctrl.State().AvatarReloadToken)
}

func TestLoadThreadsFailureKeepsDisplayedList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mem.CreateThread(ctx, "post-1", "buyer", "seller")
	require.NoError(t, err)
	require.NoError(t, f.ctrl.LoadThreads(ctx))

	f.backend.failListing(errors.New("unreachable"))
	require.Error(t, f.ctrl.LoadThreads(ctx))

	st := f.ctrl.State()
	require.Len(t, st.Threads, 1)
	require.Contains(t, st.LastError, "Failed to load threads:")
	require.False(t, st.LoadingThreads)
}

func TestStartConversationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first := f.start(t)
	second := f.start(t)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, f.backend.creates)
	st := f.ctrl.State()
	require.Len(t, st.Threads, 1)
	require.NotNil(t, st.OpenThread)
	require.Equal(t, first.ID, st.OpenThread.ID)
	require.Equal(t, "Desk lamp", st.OpenThread.ListingTitle)
}

func TestStartConversationOpensPlaceholder(t *testing.T) {
	f := newFixture(t)
	// Without a listing row the thread is excluded from the list.
	listing := chat.Listing{ID: "post-unlisted", OwnerID: "seller", Title: "Bike"}
	thread, err := f.ctrl.StartConversation(context.Background(), listing)
	require.NoError(t, err)

	require.Equal(t, "Seller", thread.OtherParticipantName)
	require.Equal(t, "seller", thread.OtherParticipantID)
	require.Equal(t, "Bike", thread.ListingTitle)
	st := f.ctrl.State()
	require.Empty(t, st.Threads)
	require.Equal(t, thread.ID, st.OpenThread.ID)
	require.True(t, st.MessagePolling)
}

func TestSendAppendsServerEcho(t *testing.T) {
	f := newFixture(t)
	thread := f.start(t)

	sent, err := f.ctrl.Send(context.Background(), "  Is it still available?  ", "seller", "")
	require.NoError(t, err)
	require.NotEmpty(t, sent.ID)
	require.Equal(t, "Is it still available?", sent.Body)
	require.Equal(t, thread.ID, sent.ThreadID)
	require.Equal(t, "post-1", sent.ListingID)

	st := f.ctrl.State()
	require.Len(t, st.Messages, 1)
	require.Equal(t, sent, st.Messages[0])
	require.False(t, st.SendingMessage)
	require.True(t, f.ctrl.IsMessageFromCurrentUser(sent))
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Send(ctx, "hello", "seller", "post-1")
	require.ErrorIs(t, err, ErrNoActiveThread)
	require.Equal(t, "No active thread.", f.ctrl.State().LastError)

	f.start(t)
	_, err = f.ctrl.Send(ctx, "   ", "seller", "")
	require.ErrorIs(t, err, chat.ErrEmptyMessage)
	_, err = f.ctrl.Send(ctx, "hi", "stranger", "")
	require.ErrorIs(t, err, chat.ErrInvalidRecipient)
	require.Zero(t, f.backend.inserts)
}

func TestSendClearsPreviousErrorBeforeValidating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t)

	_, err := f.ctrl.Send(ctx, "hi", "stranger", "")
	require.ErrorIs(t, err, chat.ErrInvalidRecipient)
	require.NotEmpty(t, f.ctrl.State().LastError)

	_, err = f.ctrl.Send(ctx, "   ", "seller", "")
	require.ErrorIs(t, err, chat.ErrEmptyMessage)
	require.Empty(t, f.ctrl.State().LastError)
}

func TestOpenThenStopPollingLeavesNoTimers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.StartThreadPolling(context.Background()))
	f.start(t)

	st := f.ctrl.State()
	require.True(t, st.ThreadPolling)
	require.True(t, st.MessagePolling)

	f.ctrl.StopPolling()
	f.ctrl.StopPolling()
	st = f.ctrl.State()
	require.False(t, st.ThreadPolling)
	require.False(t, st.MessagePolling)
	require.True(t, f.ticks.latest(t, DefaultMessagePollInterval).stopped.Load())
	require.True(t, f.ticks.latest(t, DefaultThreadPollInterval).stopped.Load())
}

func TestStartThreadPollingTwiceKeepsOnePoller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.StartThreadPolling(ctx))
	require.NoError(t, f.ctrl.StartThreadPolling(ctx))
	f.ticks.mu.Lock()
	n := len(f.ticks.all[DefaultThreadPollInterval])
	f.ticks.mu.Unlock()
	require.Equal(t, 1, n)
}

func TestMessagePollPicksUpNewMessages(t *testing.T) {
	f := newFixture(t)
	thread := f.start(t)
	_, err := f.ctrl.Send(context.Background(), "hello", "seller", "")
	require.NoError(t, err)

	_, err = f.mem.InsertMessage(context.Background(), chat.NewMessage{SenderID: "seller", ReceiverID: "buyer", ThreadID: thread.ID, ListingID: "post-1", Body: "yes"})
	require.NoError(t, err)

	fire(t, f.ticks.latest(t, DefaultMessagePollInterval))
	require.Eventually(t, func() bool { return len(f.ctrl.State().Messages) == 2 }, time.Second, 5*time.Millisecond)
	msgs := f.ctrl.State().Messages
	require.Equal(t, "hello", msgs[0].Body)
	require.Equal(t, "yes", msgs[1].Body)
	require.False(t, f.ctrl.IsMessageFromCurrentUser(msgs[1]))
}

func TestMessagePollIgnoresDeletions(t *testing.T) {
	f := newFixture(t)
	thread := f.start(t)
	ctx := context.Background()
	_, err := f.mem.InsertMessage(ctx, chat.NewMessage{SenderID: "seller", ReceiverID: "buyer", ThreadID: thread.ID, Body: "one"})
	require.NoError(t, err)
	require.NoError(t, f.ctrl.RefreshCurrentThread(ctx))
	msgs := f.ctrl.State().Messages
	require.Len(t, msgs, 1)

	require.NoError(t, f.mem.DeleteMessage(ctx, msgs[0].ID, "seller"))
	tk := f.ticks.latest(t, DefaultMessagePollInterval)
	fire(t, tk)
	fire(t, tk)
	require.Len(t, f.ctrl.State().Messages, 1)

	require.NoError(t, f.ctrl.RefreshCurrentThread(ctx))
	require.Empty(t, f.ctrl.State().Messages)
}

func TestThreadPollReplacesOnlyOnCountChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t)
	require.NoError(t, f.ctrl.StartThreadPolling(ctx))
	tk := f.ticks.latest(t, DefaultThreadPollInterval)

	// Same count: the newer preview is not picked up.
	_, err := f.ctrl.Send(ctx, "ping", "seller", "")
	require.NoError(t, err)
	fire(t, tk)
	fire(t, tk)
	require.Empty(t, f.ctrl.State().Threads[0].LastMessagePreview)

	f.mem.PutProfile(chat.Profile{UserID: "other", DisplayName: "Olu"})
	_, err = f.mem.CreateThread(ctx, "post-1", "buyer", "other")
	require.NoError(t, err)
	fire(t, tk)
	require.Eventually(t, func() bool { return len(f.ctrl.State().Threads) == 2 }, time.Second, 5*time.Millisecond)
}

func TestStaleThreadPollResultIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t)
	require.NoError(t, f.ctrl.StartThreadPolling(ctx))
	tk := f.ticks.latest(t, DefaultThreadPollInterval)

	entered, release := f.backend.holdNextListing()
	fire(t, tk)
	<-entered

	f.mem.PutProfile(chat.Profile{UserID: "other", DisplayName: "Olu"})
	_, err := f.mem.CreateThread(ctx, "post-1", "buyer", "other")
	require.NoError(t, err)
	require.NoError(t, f.ctrl.LoadThreads(ctx))
	require.Len(t, f.ctrl.State().Threads, 2)

	// The held tick fetched one thread before the load above was issued.
	release()
	fire(t, tk)
	require.Len(t, f.ctrl.State().Threads, 2)
}

func TestStaleMessagePollResultIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.start(t)
	tk := f.ticks.latest(t, DefaultMessagePollInterval)

	row, err := f.mem.InsertMessage(ctx, chat.NewMessage{SenderID: "seller", ReceiverID: "buyer", ThreadID: thread.ID, Body: "one"})
	require.NoError(t, err)
	entered, release := f.backend.holdNextMessages()
	fire(t, tk)
	<-entered

	require.NoError(t, f.mem.DeleteMessage(ctx, row.ID, "seller"))
	require.NoError(t, f.ctrl.RefreshCurrentThread(ctx))
	require.Empty(t, f.ctrl.State().Messages)

	// The held tick fetched the message before the refresh above was issued.
	release()
	fire(t, tk)
	require.Empty(t, f.ctrl.State().Messages)
}

func TestStopPollingDuringOpenKeepsPollerOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.start(t)
	_, err := f.mem.InsertMessage(ctx, chat.NewMessage{SenderID: "seller", ReceiverID: "buyer", ThreadID: thread.ID, Body: "one"})
	require.NoError(t, err)

	entered, release := f.backend.holdNextMessages()
	done := make(chan error, 1)
	go func() { done <- f.ctrl.OpenThread(ctx, thread) }()
	<-entered
	f.ctrl.StopPolling()
	release()
	require.NoError(t, <-done)

	st := f.ctrl.State()
	require.False(t, st.MessagePolling)
	require.NotNil(t, st.OpenThread)
	require.Len(t, st.Messages, 1)

	// A later open starts polling again.
	require.NoError(t, f.ctrl.OpenThread(ctx, thread))
	require.True(t, f.ctrl.State().MessagePolling)
}

func TestCloseThreadStopsMessagePolling(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	tk := f.ticks.latest(t, DefaultMessagePollInterval)

	f.ctrl.CloseThread()
	st := f.ctrl.State()
	require.Nil(t, st.OpenThread)
	require.Empty(t, st.Messages)
	require.False(t, st.MessagePolling)
	require.True(t, tk.stopped.Load())
}

func TestReopeningReplacesMessagePoller(t *testing.T) {
	f := newFixture(t)
	thread := f.start(t)
	first := f.ticks.latest(t, DefaultMessagePollInterval)

	require.NoError(t, f.ctrl.OpenThread(context.Background(), thread))
	second := f.ticks.latest(t, DefaultMessagePollInterval)
	require.NotSame(t, first, second)
	require.True(t, first.stopped.Load())
	require.False(t, second.stopped.Load())
}

func TestPollingEndsWhenSessionExpires(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.NoError(t, f.ctrl.StartThreadPolling(context.Background()))

	f.mem.SignOut()
	fire(t, f.ticks.latest(t, DefaultThreadPollInterval))
	require.Eventually(t, func() bool {
		st := f.ctrl.State()
		return !st.ThreadPolling && !st.MessagePolling && st.OpenThread == nil
	}, time.Second, 5*time.Millisecond)
}

func TestSignOutClearsSession(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.NoError(t, f.ctrl.StartThreadPolling(context.Background()))

	f.ctrl.SignOut()
	st := f.ctrl.State()
	require.False(t, st.Authenticated)
	require.Empty(t, st.Threads)
	require.Nil(t, st.OpenThread)
	require.False(t, st.ThreadPolling)
	require.False(t, st.MessagePolling)
}

func TestDeleteOwnMessage(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	sent, err := f.ctrl.Send(ctx, "typo", "seller", "")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.DeleteMessage(ctx, sent.ID))
	require.Empty(t, f.ctrl.State().Messages)
}

func TestDeleteOpenThreadClosesIt(t *testing.T) {
	f := newFixture(t)
	thread := f.start(t)

	require.NoError(t, f.ctrl.DeleteThread(context.Background(), thread.ID))
	st := f.ctrl.State()
	require.Nil(t, st.OpenThread)
	require.Empty(t, st.Threads)
	require.False(t, st.MessagePolling)
}

func TestResolveAvatarUsesReloadToken(t *testing.T) {
	f := newFixture(t)
	f.mem.PutObject("users/seller/avatar.jpg")
	f.start(t)
	ref := f.ctrl.State().Threads[0].OtherParticipantAvatarRef
	require.Equal(t, "users/seller/avatar.jpg", ref)

	url, err := f.ctrl.ResolveAvatar(context.Background(), ref)
	require.NoError(t, err)
	require.Contains(t, url, "users/seller/avatar.jpg")
	require.Contains(t, url, "_t=1")
}

func TestListenerReceivesSnapshots(t *testing.T) {
	mem := memory.New()
	mem.SignIn("buyer")
	var mu sync.Mutex
	var seen []State
	ctrl := New(mem, Config{}, WithListener(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}))
	require.NoError(t, ctrl.LoadThreads(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 2)
	require.True(t, seen[0].LoadingThreads)
	require.False(t, seen[len(seen)-1].LoadingThreads)
}
