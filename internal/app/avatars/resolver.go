// Package avatars turns user ids and storage paths into short-lived display URLs.
package avatars

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"marketchat/internal/app/policies"
)

const (
	DefaultPathTTL = time.Hour
	DefaultUserTTL = 15 * time.Minute
)

// Resolver resolves avatar references. It keeps no state between calls and is
// safe for concurrent use.
type Resolver struct {
	store   policies.AvatarStore
	logger  *slog.Logger
	pathTTL time.Duration
	userTTL time.Duration
}

// Config tunes signed URL lifetimes.
type Config struct {
	PathTTL time.Duration
	UserTTL time.Duration
}

// NewResolver builds a Resolver over the backend's avatar store.
func NewResolver(store policies.AvatarStore, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.PathTTL <= 0 {
		cfg.PathTTL = DefaultPathTTL
	}
	if cfg.UserTTL <= 0 {
		cfg.UserTTL = DefaultUserTTL
	}
	return &Resolver{store: store, logger: logger, pathTTL: cfg.PathTTL, userTTL: cfg.UserTTL}
}

// Resolve returns a display URL for ref, which may be a full URL, a storage
// path or a user id. An empty URL with a nil error means "show a placeholder":
// the user has no avatar, or the request was cancelled.
func (r *Resolver) Resolve(ctx context.Context, ref string, reloadToken int) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	salt := Salt(ref)

	if isURL(ref) {
		return withCacheBusters(ref, reloadToken, salt), nil
	}

	if strings.Contains(ref, "/") {
		signed, err := r.sign(ctx, ref, r.pathTTL)
		switch {
		case err == nil:
			if signed == "" {
				return "", nil
			}
			return withCacheBusters(signed, reloadToken, salt), nil
		case canceled(ctx, err):
			return "", nil
		}
		owner, ok := OwnerFromPath(ref)
		if !ok {
			if errors.Is(err, policies.ErrNotFound) {
				r.debug("avatar object missing", "ref", ref)
				return "", nil
			}
			return "", fmt.Errorf("avatars: sign %s: %w", ref, err)
		}
		r.debug("avatar path failed, falling back to owner", "ref", ref, "user_id", owner, "error", err)
		return r.resolveUser(ctx, owner, reloadToken, salt)
	}

	if _, err := uuid.Parse(ref); err == nil {
		return r.resolveUser(ctx, ref, reloadToken, salt)
	}
	r.debug("unsupported avatar reference", "ref", ref)
	return "", nil
}

func (r *Resolver) resolveUser(ctx context.Context, userID string, reloadToken int, salt string) (string, error) {
	path, ok, err := r.store.AvatarPath(ctx, userID)
	if err != nil {
		if canceled(ctx, err) {
			return "", nil
		}
		return "", fmt.Errorf("avatars: lookup %s: %w", userID, err)
	}
	if !ok || path == "" {
		return "", nil
	}
	signed, err := r.sign(ctx, path, r.userTTL)
	if err != nil {
		if canceled(ctx, err) || errors.Is(err, policies.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("avatars: sign %s: %w", path, err)
	}
	if signed == "" {
		return "", nil
	}
	return withCacheBusters(signed, reloadToken, salt), nil
}

func (r *Resolver) sign(ctx context.Context, path string, ttl time.Duration) (string, error) {
	signed, ok, err := r.store.SignedURL(ctx, path, ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return signed, nil
}

func (r *Resolver) debug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}

// Salt is a stable per-identity cache-busting value: the first eight
// characters of a UUID, otherwise of a BLAKE2b digest of the reference.
func Salt(ref string) string {
	if id, err := uuid.Parse(ref); err == nil {
		return id.String()[:8]
	}
	sum := blake2b.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])[:8]
}

// OwnerFromPath extracts the user id from "users/<uuid>/<file>".
func OwnerFromPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return "", false
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func withCacheBusters(raw string, reloadToken int, salt string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("_t", strconv.Itoa(reloadToken))
	q.Set("_u", salt)
	u.RawQuery = q.Encode()
	return u.String()
}

func isURL(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// canceled reports a superseded or abandoned request. Deadlines are not
// cancellations: a timed out backend is an error.
func canceled(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled)
}
