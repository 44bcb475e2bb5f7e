package web

import (
	"context"
	"fmt"

	"github.com/louisbranch/keyway/internal/auth/session"
	"github.com/louisbranch/keyway/internal/auth/storage"
	"github.com/louisbranch/keyway/internal/platform/errors"
)

// Identity is the resolved caller attached to authenticated requests.
type Identity struct {
	ID    string
	Name  string
	Email string
}

// AccessGate turns an opaque session token into a caller identity.
//
// There is no ambient current-user state; every authenticated handler runs
// the gate explicitly and receives the identity as a value.
type AccessGate struct {
	sessions *session.Authority
	users    storage.UserStore
}

// NewAccessGate wires an AccessGate over the session authority and user
// store.
func NewAccessGate(sessions *session.Authority, users storage.UserStore) *AccessGate {
	return &AccessGate{sessions: sessions, users: users}
}

// Authenticate resolves a session token to its user. Missing, expired, and
// orphaned tokens all report session.ErrUnauthorized.
func (g *AccessGate) Authenticate(ctx context.Context, token string) (Identity, error) {
	resolved, err := g.sessions.Resolve(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	account, err := g.users.GetUser(ctx, resolved.UserID)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			// The session outlived its user; treat the token as invalid.
			_ = g.sessions.Revoke(ctx, token)
			return Identity{}, session.ErrUnauthorized
		}
		return Identity{}, fmt.Errorf("load session user: %w", err)
	}
	return Identity{ID: account.ID, Name: account.Name, Email: account.Email}, nil
}
