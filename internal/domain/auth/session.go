package auth

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrTokenRequired   = errors.New("auth: token is required")
	ErrUserRequired    = errors.New("auth: user is required")
	ErrTTLInvalid      = errors.New("auth: ttl must be positive")
	ErrSessionNotFound = errors.New("auth: session not found")
	ErrSessionExpired  = errors.New("auth: session expired")
)

type Role string

const (
	RoleMember Role = "member"
	// RoleAdmin may purge whole conversations.
	RoleAdmin Role = "admin"
)

// DefaultTTL is the lifetime of sessions issued without an explicit TTL.
const DefaultTTL = 24 * time.Hour

type Session struct {
	Token     string
	UserID    string
	Roles     []Role
	CreatedAt time.Time
	ExpiresAt time.Time
}

type CreateSessionParams struct {
	Token  string
	UserID string
	Roles  []Role
	TTL    time.Duration
	Now    time.Time
}

func NewSession(params CreateSessionParams) (*Session, error) {
	token := strings.TrimSpace(params.Token)
	if token == "" {
		return nil, ErrTokenRequired
	}
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return nil, ErrUserRequired
	}
	if params.TTL <= 0 {
		return nil, ErrTTLInvalid
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	roles := append([]Role(nil), params.Roles...)
	if len(roles) == 0 {
		roles = []Role{RoleMember}
	}
	return &Session{
		Token:     token,
		UserID:    userID,
		Roles:     roles,
		CreatedAt: now,
		ExpiresAt: now.Add(params.TTL),
	}, nil
}

func (s *Session) Expired(at time.Time) bool {
	if at.IsZero() {
		at = time.Now()
	}
	return !s.ExpiresAt.After(at.UTC())
}

func (s *Session) HasRole(role Role) bool {
	return slices.Contains(s.Roles, role)
}
