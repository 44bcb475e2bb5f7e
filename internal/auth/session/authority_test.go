package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/keyway/internal/auth/storage"
)

type fakeSessionStore struct {
	sessions map[string]storage.Session
	putErr   error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]storage.Session{}}
}

func (f *fakeSessionStore) PutSession(_ context.Context, session storage.Session) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeSessionStore) GetSession(_ context.Context, id string) (storage.Session, error) {
	session, ok := f.sessions[id]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return session, nil
}

func (f *fakeSessionStore) DeleteSession(_ context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}

func (f *fakeSessionStore) DeleteExpiredSessions(_ context.Context, now time.Time) error {
	for id, session := range f.sessions {
		if !session.ExpiresAt.After(now) {
			delete(f.sessions, id)
		}
	}
	return nil
}

func TestIssueAndResolveRoundTrip(t *testing.T) {
	store := newFakeSessionStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	authority := NewAuthority(store).WithClock(func() time.Time { return now })

	issued, err := authority.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if issued.UserID != "user-1" {
		t.Fatalf("unexpected user id: %q", issued.UserID)
	}
	if !issued.ExpiresAt.Equal(now.Add(DefaultTTL)) {
		t.Fatalf("unexpected expiry: %v", issued.ExpiresAt)
	}

	resolved, err := authority.Resolve(context.Background(), issued.ID)
	if err != nil {
		t.Fatalf("resolve session: %v", err)
	}
	if resolved.UserID != "user-1" {
		t.Fatalf("unexpected resolved user: %q", resolved.UserID)
	}
}

func TestMintRequiresUserID(t *testing.T) {
	authority := NewAuthority(newFakeSessionStore())
	if _, err := authority.Mint(" "); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestResolveUnknownTokenUnauthorized(t *testing.T) {
	authority := NewAuthority(newFakeSessionStore())
	if _, err := authority.Resolve(context.Background(), "missing"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestResolveEmptyTokenUnauthorized(t *testing.T) {
	authority := NewAuthority(newFakeSessionStore())
	if _, err := authority.Resolve(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestResolveExpiredTokenUnauthorizedAndRemoved(t *testing.T) {
	store := newFakeSessionStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	authority := NewAuthority(store).WithClock(func() time.Time { return now })

	store.sessions["stale"] = storage.Session{
		ID:        "stale",
		UserID:    "user-1",
		CreatedAt: now.Add(-8 * 24 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}

	if _, err := authority.Resolve(context.Background(), "stale"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, ok := store.sessions["stale"]; ok {
		t.Fatal("expected expired session to be removed")
	}
}

func TestRevokeIdempotent(t *testing.T) {
	store := newFakeSessionStore()
	authority := NewAuthority(store)

	issued, err := authority.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if err := authority.Revoke(context.Background(), issued.ID); err != nil {
		t.Fatalf("revoke session: %v", err)
	}
	if err := authority.Revoke(context.Background(), issued.ID); err != nil {
		t.Fatalf("revoke absent session: %v", err)
	}
	if _, err := authority.Resolve(context.Background(), issued.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized after revoke, got %v", err)
	}
}
