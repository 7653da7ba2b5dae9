package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"marketchat/internal/domain/auth"
	"marketchat/internal/infra/obs"
)

const principalContextKey = "marketchat.principal"

// Authenticator resolves bearer tokens to live sessions.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Session, error)
}

type principal struct {
	ID    string
	Roles []auth.Role
	Token string
}

func (p principal) HasRole(role auth.Role) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(string(r), string(role)) {
			return true
		}
	}
	return false
}

type AuthMiddleware struct {
	Sessions Authenticator
	Logger   *slog.Logger
	// OnRejected, when set, is called with tokens that are expired or unknown.
	OnRejected func(token string)
}

// Handle attaches the caller to the request when the bearer token is valid.
// Requests without a valid token continue anonymously.
func (m AuthMiddleware) Handle(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" || m.Sessions == nil {
		c.Next()
		return
	}
	session, err := m.Sessions.Authenticate(c.Request.Context(), token)
	if err != nil {
		switch {
		case sessionGone(err):
			if m.OnRejected != nil {
				m.OnRejected(token)
			}
		case m.Logger != nil:
			m.Logger.Debug("token validation failed", "error", err)
		}
		c.Next()
		return
	}
	setPrincipal(c, principal{ID: session.UserID, Roles: session.Roles, Token: token})
	c.Next()
}

func sessionGone(err error) bool {
	return errors.Is(err, auth.ErrSessionNotFound) || errors.Is(err, auth.ErrSessionExpired)
}

func setPrincipal(c *gin.Context, p principal) {
	c.Set(principalContextKey, p)
	c.Set(obs.ContextUserKey, p.ID)
}

func currentPrincipal(c *gin.Context) (principal, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return principal{}, false
	}
	p, ok := val.(principal)
	return p, ok
}

func requireRole(c *gin.Context, role auth.Role) (principal, bool) {
	p, ok := currentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Please log in to view chats."})
		return principal{}, false
	}
	if role != "" && !p.HasRole(role) {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		return principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
