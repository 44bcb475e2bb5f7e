// Package session issues and resolves authenticated browser sessions.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/keyway/internal/auth/storage"
	"github.com/louisbranch/keyway/internal/platform/errors"
	"github.com/louisbranch/keyway/internal/platform/id"
)

// DefaultTTL bounds how long an issued session stays valid.
const DefaultTTL = 7 * 24 * time.Hour

// ErrUnauthorized reports a missing, unknown, or expired session token.
var ErrUnauthorized = errors.New(errors.CodeUnauthorized, "session is not valid")

// Authority mints, resolves, and revokes opaque session tokens.
//
// Tokens are random ids compared by equality against stored rows; they carry
// no embedded claims, so revocation is immediate and server-side only.
type Authority struct {
	store storage.SessionStore
	ttl   time.Duration
	clock func() time.Time
	newID func() (string, error)
}

// NewAuthority wires an Authority over a session store.
func NewAuthority(store storage.SessionStore) *Authority {
	return &Authority{
		store: store,
		ttl:   DefaultTTL,
		clock: time.Now,
		newID: id.NewID,
	}
}

// WithClock overrides the time source. Used by tests.
func (a *Authority) WithClock(clock func() time.Time) *Authority {
	if clock != nil {
		a.clock = clock
	}
	return a
}

// WithIDGenerator overrides token generation. Used by tests.
func (a *Authority) WithIDGenerator(newID func() (string, error)) *Authority {
	if newID != nil {
		a.newID = newID
	}
	return a
}

// Mint builds a session record without persisting it. Ceremony completions
// persist the minted session inside the same transaction as the rest of
// their writes, so issuance is not observable before verification commits.
func (a *Authority) Mint(userID string) (storage.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return storage.Session{}, fmt.Errorf("user id is required")
	}
	token, err := a.newID()
	if err != nil {
		return storage.Session{}, fmt.Errorf("generate session token: %w", err)
	}
	now := a.clock().UTC()
	return storage.Session{
		ID:        token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(a.ttl),
	}, nil
}

// Issue mints and persists a session for a user.
func (a *Authority) Issue(ctx context.Context, userID string) (storage.Session, error) {
	session, err := a.Mint(userID)
	if err != nil {
		return storage.Session{}, err
	}
	if err := a.store.PutSession(ctx, session); err != nil {
		return storage.Session{}, fmt.Errorf("persist session: %w", err)
	}
	return session, nil
}

// Resolve looks up a session token. Expired sessions report ErrUnauthorized
// exactly like unknown tokens and are removed opportunistically.
func (a *Authority) Resolve(ctx context.Context, token string) (storage.Session, error) {
	if strings.TrimSpace(token) == "" {
		return storage.Session{}, ErrUnauthorized
	}
	session, err := a.store.GetSession(ctx, token)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return storage.Session{}, ErrUnauthorized
		}
		return storage.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !session.ExpiresAt.After(a.clock().UTC()) {
		_ = a.store.DeleteSession(ctx, token)
		return storage.Session{}, ErrUnauthorized
	}
	return session, nil
}

// Revoke deletes a session token. Revoking an absent token succeeds, so
// logout is idempotent.
func (a *Authority) Revoke(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if err := a.store.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
