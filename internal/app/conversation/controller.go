// Package conversation is the chat controller the client talks to. It gates
// every operation on the signed-in user, keeps the thread list and the open
// timeline, and polls the backend in place of a push channel.
//
// All state changes happen under one mutex; backend calls never run while it
// is held. Results are applied only if the ticket they were issued with is
// still current, so a slow response cannot overwrite a newer one.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"marketchat/internal/app/avatars"
	"marketchat/internal/app/policies"
	"marketchat/internal/app/threads"
	"marketchat/internal/app/timeline"
	"marketchat/internal/domain/chat"
)

var (
	// ErrNotAuthenticated is the "please sign in" condition.
	ErrNotAuthenticated = errors.New("conversation: please sign in")
	// ErrNoActiveThread is returned by thread-scoped operations when no thread is open.
	ErrNoActiveThread = errors.New("conversation: no active thread")
)

const (
	DefaultMessagePollInterval = 3 * time.Second
	DefaultThreadPollInterval  = 15 * time.Second
	DefaultCallTimeout         = 10 * time.Second
)

// Config holds polling cadence and per-tick timeouts.
type Config struct {
	MessagePollInterval time.Duration
	ThreadPollInterval  time.Duration
	CallTimeout         time.Duration
	Avatars             avatars.Config
}

func (c Config) withDefaults() Config {
	if c.MessagePollInterval <= 0 {
		c.MessagePollInterval = DefaultMessagePollInterval
	}
	if c.ThreadPollInterval <= 0 {
		c.ThreadPollInterval = DefaultThreadPollInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithTickerFactory replaces the poll tick source.
func WithTickerFactory(f TickerFactory) Option {
	return func(c *Controller) { c.newTicker = f }
}

// WithListener registers fn to receive a snapshot after every state change.
// fn may be called from poll goroutines and must not call back into the
// controller's Stop or SignOut methods synchronously.
func WithListener(fn func(State)) Option {
	return func(c *Controller) { c.listener = fn }
}

// Controller composes the thread registry, the message timeline and the
// avatar resolver for one client session.
type Controller struct {
	session   policies.SessionSource
	registry  *threads.Registry
	timeline  *timeline.Timeline
	avatars   *avatars.Resolver
	cfg       Config
	logger    *slog.Logger
	newTicker TickerFactory
	listener  func(State)
	starts    singleflight.Group

	mu sync.Mutex
	st sessionState

	threadSeq     uint64
	threadApplied uint64
	msgSeq        uint64
	msgApplied    uint64
	openGen       uint64
	stopGen       uint64

	threadPoll *pollTask
	msgPoll    *pollTask

	loaders map[string]*avatars.Loader
}

type sessionState struct {
	userID          string
	threads         []chat.Thread
	open            *chat.Thread
	messages        []chat.Message
	loadingThreads  bool
	loadingMessages bool
	sending         bool
	lastError       string
	reloadToken     int
}

// New builds a Controller over backend.
func New(backend policies.Backend, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		session:   backend,
		cfg:       cfg.withDefaults(),
		newTicker: newTimeTicker,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registry = threads.NewRegistry(backend, c.logger)
	c.timeline = timeline.New(backend, c.logger)
	c.avatars = avatars.NewResolver(backend, c.cfg.Avatars, c.logger)
	return c
}

// State returns a snapshot of the session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// IsMessageFromCurrentUser reports whether m was sent by the signed-in user.
func (c *Controller) IsMessageFromCurrentUser(m chat.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.userID != "" && m.SenderID == c.st.userID
}

// ResolveAvatar resolves an avatar reference with the current reload token.
func (c *Controller) ResolveAvatar(ctx context.Context, ref string) (string, error) {
	c.mu.Lock()
	token := c.st.reloadToken
	c.mu.Unlock()
	return c.avatars.Resolve(ctx, ref, token)
}

// ResolveAvatarForView resolves ref through the loader of view. A newer
// call for the same view supersedes one still in flight, which then
// resolves to no URL.
func (c *Controller) ResolveAvatarForView(ctx context.Context, view, ref string) (string, error) {
	c.mu.Lock()
	token := c.st.reloadToken
	if c.loaders == nil {
		c.loaders = make(map[string]*avatars.Loader)
	}
	loader, ok := c.loaders[view]
	if !ok {
		loader = avatars.NewLoader(c.avatars)
		c.loaders[view] = loader
	}
	c.mu.Unlock()
	return loader.Load(ctx, ref, token)
}

// SignOut stops both pollers and forgets the session's data.
func (c *Controller) SignOut() {
	c.mu.Lock()
	tasks := c.detachPollsLocked()
	c.resetLocked()
	loaders := c.loaders
	c.loaders = nil
	c.mu.Unlock()
	stopAll(tasks)
	for _, l := range loaders {
		l.Stop()
	}
	c.notify()
}

// authenticate resolves the current user. An unauthenticated session is put
// into the signed-out state with prompt as the user-facing error.
func (c *Controller) authenticate(ctx context.Context, prompt string) (string, error) {
	userID, ok, err := c.session.CurrentUserID(ctx)
	if err != nil {
		c.fail(fmt.Sprintf("Could not verify your session: %v", err))
		return "", fmt.Errorf("conversation: session lookup: %w", err)
	}
	if !ok || userID == "" {
		c.mu.Lock()
		tasks := c.detachPollsLocked()
		c.resetLocked()
		c.st.lastError = prompt
		c.mu.Unlock()
		stopAll(tasks)
		c.notify()
		return "", ErrNotAuthenticated
	}

	c.mu.Lock()
	var tasks []*pollTask
	if c.st.userID != userID {
		if c.st.userID != "" {
			tasks = c.detachPollsLocked()
			c.resetLocked()
		}
		c.st.userID = userID
	}
	c.mu.Unlock()
	stopAll(tasks)
	return userID, nil
}

// sessionLost is the poll-side counterpart of authenticate's signed-out path.
// It cannot wait for the calling poll goroutine, so tasks are only cancelled.
func (c *Controller) sessionLost() {
	c.mu.Lock()
	tasks := c.detachPollsLocked()
	c.resetLocked()
	c.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
	}
	c.notify()
}

func (c *Controller) resetLocked() {
	c.st = sessionState{reloadToken: c.st.reloadToken}
	c.openGen++
	c.threadApplied = c.threadSeq
	c.msgApplied = c.msgSeq
}

func (c *Controller) fail(msg string) {
	c.mu.Lock()
	c.st.lastError = msg
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	if c.listener == nil {
		return
	}
	c.listener(c.State())
}

func (c *Controller) debug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

func (c *Controller) snapshotLocked() State {
	s := State{
		UserID:            c.st.userID,
		Authenticated:     c.st.userID != "",
		Threads:           slices.Clone(c.st.threads),
		Messages:          slices.Clone(c.st.messages),
		LoadingThreads:    c.st.loadingThreads,
		LoadingMessages:   c.st.loadingMessages,
		SendingMessage:    c.st.sending,
		LastError:         c.st.lastError,
		AvatarReloadToken: c.st.reloadToken,
		ThreadPolling:     c.threadPoll != nil,
		MessagePolling:    c.msgPoll != nil,
	}
	if c.st.open != nil {
		open := *c.st.open
		s.OpenThread = &open
	}
	return s
}
