package ginserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketchat/internal/app/avatars"
	"marketchat/internal/app/conversation"
	"marketchat/internal/app/policies"
	"marketchat/internal/infra/config"
)

// SessionBackend hands out per-token backend views.
type SessionBackend interface {
	Authenticator
	ForSession(token string) policies.Backend
}

// SessionHub keeps one conversation controller per bearer token.
type SessionHub struct {
	backend SessionBackend
	cfg     conversation.Config
	logger  *slog.Logger
	opts    []conversation.Option

	mu          sync.Mutex
	controllers map[string]*conversation.Controller
}

func NewSessionHub(backend SessionBackend, cfg conversation.Config, logger *slog.Logger, opts ...conversation.Option) *SessionHub {
	return &SessionHub{
		backend:     backend,
		cfg:         cfg,
		logger:      logger,
		opts:        opts,
		controllers: make(map[string]*conversation.Controller),
	}
}

// Controller returns the token's controller, creating it on first use.
func (h *SessionHub) Controller(token string) *conversation.Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctrl, ok := h.controllers[token]; ok {
		return ctrl
	}
	opts := append([]conversation.Option{conversation.WithLogger(h.logger)}, h.opts...)
	ctrl := conversation.New(h.backend.ForSession(token), h.cfg, opts...)
	h.controllers[token] = ctrl
	return ctrl
}

// Drop signs the token's controller out and forgets it.
func (h *SessionHub) Drop(token string) {
	h.mu.Lock()
	ctrl, ok := h.controllers[token]
	delete(h.controllers, token)
	h.mu.Unlock()
	if ok {
		ctrl.SignOut()
	}
}

// Sweep drops the controllers of tokens that are no longer valid and reports
// how many were dropped. Tokens whose check fails for other reasons are kept.
func (h *SessionHub) Sweep(ctx context.Context) int {
	h.mu.Lock()
	tokens := make([]string, 0, len(h.controllers))
	for token := range h.controllers {
		tokens = append(tokens, token)
	}
	h.mu.Unlock()

	dropped := 0
	for _, token := range tokens {
		if ctx.Err() != nil {
			break
		}
		if _, err := h.backend.Authenticate(ctx, token); err != nil && sessionGone(err) {
			h.Drop(token)
			dropped++
		}
	}
	if dropped > 0 && h.logger != nil {
		h.logger.Debug("session controllers swept", "dropped", dropped)
	}
	return dropped
}

// RunSweeper calls Sweep every interval until ctx is done.
func (h *SessionHub) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Len reports the number of live controllers.
func (h *SessionHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.controllers)
}

// Close stops the pollers of every controller.
func (h *SessionHub) Close() {
	h.mu.Lock()
	ctrls := make([]*conversation.Controller, 0, len(h.controllers))
	for token, ctrl := range h.controllers {
		ctrls = append(ctrls, ctrl)
		delete(h.controllers, token)
	}
	h.mu.Unlock()
	for _, ctrl := range ctrls {
		ctrl.StopPolling()
	}
}

// ConversationConfig maps service configuration onto controller settings.
func ConversationConfig(cfg config.Config) conversation.Config {
	return conversation.Config{
		MessagePollInterval: cfg.MessagePollInterval,
		ThreadPollInterval:  cfg.ThreadPollInterval,
		CallTimeout:         cfg.BackendCallTimeout,
		Avatars: avatars.Config{
			PathTTL: cfg.AvatarPathTTL,
			UserTTL: cfg.AvatarUserTTL,
		},
	}
}
