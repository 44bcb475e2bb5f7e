package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/keyway/internal/auth/storage"
	"github.com/louisbranch/keyway/internal/auth/user"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreDBNilSafe(t *testing.T) {
	var store *Store
	if store.DB() != nil {
		t.Fatal("expected nil DB for nil store")
	}
}

func TestCreateGetUserRoundTrip(t *testing.T) {
	store := openTempStore(t)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	input := user.User{
		ID:        "user-1",
		Email:     "ada@example.com",
		Name:      "Ada",
		CreatedAt: created,
		UpdatedAt: created,
	}

	if err := store.CreateUser(context.Background(), input); err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := store.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.ID != input.ID || got.Email != input.Email || got.Name != input.Name {
		t.Fatalf("unexpected user: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("unexpected created at: %v", got.CreatedAt)
	}

	byEmail, err := store.GetUserByEmail(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatalf("get user by email: %v", err)
	}
	if byEmail.ID != input.ID {
		t.Fatalf("unexpected user by email: %+v", byEmail)
	}
}

func TestCreateUserDuplicateEmailConflicts(t *testing.T) {
	store := openTempStore(t)

	now := time.Now().UTC()
	first := user.User{ID: "user-1", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now}
	second := user.User{ID: "user-2", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now}

	if err := store.CreateUser(context.Background(), first); err != nil {
		t.Fatalf("create first user: %v", err)
	}
	if err := store.CreateUser(context.Background(), second); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestGetUserMissingReportsNotFound(t *testing.T) {
	store := openTempStore(t)

	if _, err := store.GetUser(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetUserByEmail(context.Background(), "missing@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChallengeConsumeOnce(t *testing.T) {
	store := openTempStore(t)

	now := time.Now().UTC()
	challenge := storage.Challenge{
		ID:          "chal-1",
		Kind:        "registration",
		SessionJSON: `{"challenge":"abc"}`,
		CreatedAt:   now,
	}
	if err := store.CreateChallenge(context.Background(), challenge); err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	cutoff := now.Add(-5 * time.Minute)
	got, err := store.ConsumeChallenge(context.Background(), "chal-1", cutoff)
	if err != nil {
		t.Fatalf("consume challenge: %v", err)
	}
	if got.SessionJSON != challenge.SessionJSON || got.Kind != challenge.Kind {
		t.Fatalf("unexpected challenge: %+v", got)
	}

	if _, err := store.ConsumeChallenge(context.Background(), "chal-1", cutoff); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second consume, got %v", err)
	}
}

func TestChallengeExpiredLooksMissing(t *testing.T) {
	store := openTempStore(t)

	stale := time.Now().UTC().Add(-10 * time.Minute)
	challenge := storage.Challenge{
		ID:          "chal-old",
		Kind:        "login",
		SessionJSON: "{}",
		CreatedAt:   stale,
	}
	if err := store.CreateChallenge(context.Background(), challenge); err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	cutoff := time.Now().UTC().Add(-5 * time.Minute)
	if _, err := store.GetChallenge(context.Background(), "chal-old", cutoff); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for expired get, got %v", err)
	}
	if _, err := store.ConsumeChallenge(context.Background(), "chal-old", cutoff); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for expired consume, got %v", err)
	}
}

func TestChallengeConcurrentConsumeSingleWinner(t *testing.T) {
	store := openTempStore(t)

	now := time.Now().UTC()
	challenge := storage.Challenge{
		ID:          "chal-race",
		Kind:        "login",
		SessionJSON: "{}",
		CreatedAt:   now,
	}
	if err := store.CreateChallenge(context.Background(), challenge); err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	const racers = 8
	cutoff := now.Add(-5 * time.Minute)

	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeChallenge(context.Background(), "chal-race", cutoff)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, storage.ErrNotFound):
		default:
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestDeleteExpiredChallenges(t *testing.T) {
	store := openTempStore(t)

	now := time.Now().UTC()
	fresh := storage.Challenge{ID: "fresh", Kind: "login", SessionJSON: "{}", CreatedAt: now}
	stale := storage.Challenge{ID: "stale", Kind: "login", SessionJSON: "{}", CreatedAt: now.Add(-time.Hour)}
	for _, c := range []storage.Challenge{fresh, stale} {
		if err := store.CreateChallenge(context.Background(), c); err != nil {
			t.Fatalf("create challenge: %v", err)
		}
	}

	cutoff := now.Add(-5 * time.Minute)
	if err := store.DeleteExpiredChallenges(context.Background(), cutoff); err != nil {
		t.Fatalf("delete expired challenges: %v", err)
	}

	if _, err := store.GetChallenge(context.Background(), "fresh", cutoff); err != nil {
		t.Fatalf("fresh challenge should survive: %v", err)
	}
	if _, err := store.GetChallenge(context.Background(), "stale", time.Time{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("stale challenge should be gone, got %v", err)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	store := openTempStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	seedUser(t, store, "user-1", "ada@example.com")

	credential := storage.Credential{
		ID:              "cred-1",
		UserID:          "user-1",
		AAGUID:          "aaguid-1",
		PublicKey:       []byte{0x01, 0x02},
		AttestationType: "none",
		SignCount:       3,
		Transports:      []string{"internal", "hybrid"},
		BackupEligible:  true,
		BackedUp:        true,
		DeviceType:      "multiDevice",
		CreatedAt:       now,
	}
	if err := store.CreateCredential(context.Background(), credential); err != nil {
		t.Fatalf("create credential: %v", err)
	}

	got, err := store.GetCredential(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.UserID != "user-1" || got.SignCount != 3 || got.DeviceType != "multiDevice" {
		t.Fatalf("unexpected credential: %+v", got)
	}
	if len(got.Transports) != 2 || got.Transports[0] != "internal" || got.Transports[1] != "hybrid" {
		t.Fatalf("unexpected transports: %v", got.Transports)
	}
	if got.LastUsedAt != nil {
		t.Fatalf("expected nil last used at, got %v", got.LastUsedAt)
	}
}

func TestCreateCredentialDuplicateIDConflicts(t *testing.T) {
	store := openTempStore(t)

	seedUser(t, store, "user-1", "ada@example.com")
	credential := seedCredential(t, store, "cred-1", "user-1")
	if err := store.CreateCredential(context.Background(), credential); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateCredentialCounterNeverRegresses(t *testing.T) {
	store := openTempStore(t)

	seedUser(t, store, "user-1", "ada@example.com")
	seedCredential(t, store, "cred-1", "user-1")

	usedAt := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.UpdateCredentialCounter(context.Background(), "cred-1", 10, usedAt); err != nil {
		t.Fatalf("update counter: %v", err)
	}
	if err := store.UpdateCredentialCounter(context.Background(), "cred-1", 4, usedAt.Add(time.Second)); err != nil {
		t.Fatalf("update counter with lower value: %v", err)
	}

	got, err := store.GetCredential(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.SignCount != 10 {
		t.Fatalf("counter regressed to %d", got.SignCount)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(usedAt.Add(time.Second)) {
		t.Fatalf("unexpected last used at: %v", got.LastUsedAt)
	}
}

func TestUpdateCredentialCounterMissingReportsNotFound(t *testing.T) {
	store := openTempStore(t)

	err := store.UpdateCredentialCounter(context.Background(), "missing", 1, time.Now().UTC())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteCredentialScopedToOwner(t *testing.T) {
	store := openTempStore(t)

	seedUser(t, store, "user-1", "ada@example.com")
	seedUser(t, store, "user-2", "grace@example.com")
	seedCredential(t, store, "cred-1", "user-1")

	err := store.DeleteCredentialByUserAndID(context.Background(), "user-2", "cred-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for foreign owner, got %v", err)
	}

	if err := store.DeleteCredentialByUserAndID(context.Background(), "user-1", "cred-1"); err != nil {
		t.Fatalf("delete credential: %v", err)
	}
	if _, err := store.GetCredential(context.Background(), "cred-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("credential should be gone, got %v", err)
	}
}

func TestListCredentialsByUserOrdersByCreation(t *testing.T) {
	store := openTempStore(t)

	seedUser(t, store, "user-1", "ada@example.com")
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"cred-b", "cred-a"} {
		credential := storage.Credential{
			ID:              id,
			UserID:          "user-1",
			PublicKey:       []byte{0x01},
			AttestationType: "none",
			DeviceType:      "singleDevice",
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateCredential(context.Background(), credential); err != nil {
			t.Fatalf("create credential %s: %v", id, err)
		}
	}

	list, err := store.ListCredentialsByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(list) != 2 || list[0].ID != "cred-b" || list[1].ID != "cred-a" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestSessionRoundTripAndDelete(t *testing.T) {
	store := openTempStore(t)

	seedUser(t, store, "user-1", "ada@example.com")
	now := time.Now().UTC().Truncate(time.Millisecond)
	session := storage.Session{
		ID:        "sess-1",
		UserID:    "user-1",
		CreatedAt: now,
		ExpiresAt: now.Add(7 * 24 * time.Hour),
	}
	if err := store.PutSession(context.Background(), session); err != nil {
		t.Fatalf("put session: %v", err)
	}

	got, err := store.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.UserID != "user-1" || !got.ExpiresAt.Equal(session.ExpiresAt) {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := store.DeleteSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := store.GetSession(context.Background(), "sess-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("session should be gone, got %v", err)
	}
	if err := store.DeleteSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("delete should be idempotent: %v", err)
	}
}

func TestDeleteExpiredSessions(t *testing.T) {
	store := openTempStore(t)

	seedUser(t, store, "user-1", "ada@example.com")
	now := time.Now().UTC().Truncate(time.Millisecond)
	live := storage.Session{ID: "live", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	dead := storage.Session{ID: "dead", UserID: "user-1", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	for _, s := range []storage.Session{live, dead} {
		if err := store.PutSession(context.Background(), s); err != nil {
			t.Fatalf("put session: %v", err)
		}
	}

	if err := store.DeleteExpiredSessions(context.Background(), now); err != nil {
		t.Fatalf("delete expired sessions: %v", err)
	}
	if _, err := store.GetSession(context.Background(), "live"); err != nil {
		t.Fatalf("live session should survive: %v", err)
	}
	if _, err := store.GetSession(context.Background(), "dead"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("dead session should be gone, got %v", err)
	}
}

func TestCompleteSignUpCommitsAllRows(t *testing.T) {
	store := openTempStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	challenge := storage.Challenge{ID: "chal-1", Kind: "registration", SessionJSON: "{}", CreatedAt: now}
	if err := store.CreateChallenge(context.Background(), challenge); err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	completion := storage.SignUpCompletion{
		User: user.User{ID: "user-1", Email: "ada@example.com", Name: "Ada", CreatedAt: now, UpdatedAt: now},
		Credential: storage.Credential{
			ID:              "cred-1",
			UserID:          "user-1",
			PublicKey:       []byte{0x01},
			AttestationType: "none",
			DeviceType:      "singleDevice",
			CreatedAt:       now,
		},
		Session:         storage.Session{ID: "sess-1", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		ChallengeID:     "chal-1",
		ChallengeCutoff: now.Add(-5 * time.Minute),
	}
	if err := store.CompleteSignUp(context.Background(), completion); err != nil {
		t.Fatalf("complete sign up: %v", err)
	}

	if _, err := store.GetUser(context.Background(), "user-1"); err != nil {
		t.Fatalf("user should exist: %v", err)
	}
	if _, err := store.GetCredential(context.Background(), "cred-1"); err != nil {
		t.Fatalf("credential should exist: %v", err)
	}
	if _, err := store.GetSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("session should exist: %v", err)
	}
	if _, err := store.GetChallenge(context.Background(), "chal-1", time.Time{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("challenge should be consumed, got %v", err)
	}
}

func TestCompleteSignUpRollsBackOnConsumedChallenge(t *testing.T) {
	store := openTempStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	completion := storage.SignUpCompletion{
		User: user.User{ID: "user-1", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now},
		Credential: storage.Credential{
			ID:              "cred-1",
			UserID:          "user-1",
			PublicKey:       []byte{0x01},
			AttestationType: "none",
			DeviceType:      "singleDevice",
			CreatedAt:       now,
		},
		Session:         storage.Session{ID: "sess-1", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		ChallengeID:     "chal-missing",
		ChallengeCutoff: now.Add(-5 * time.Minute),
	}
	if err := store.CompleteSignUp(context.Background(), completion); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := store.GetUser(context.Background(), "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("user insert should have rolled back, got %v", err)
	}
	if _, err := store.GetCredential(context.Background(), "cred-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("credential insert should have rolled back, got %v", err)
	}
	if _, err := store.GetSession(context.Background(), "sess-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("session insert should have rolled back, got %v", err)
	}
}

func TestCompleteSignUpDuplicateEmailConflicts(t *testing.T) {
	store := openTempStore(t)

	seedUser(t, store, "user-1", "ada@example.com")
	now := time.Now().UTC().Truncate(time.Millisecond)
	challenge := storage.Challenge{ID: "chal-1", Kind: "registration", SessionJSON: "{}", CreatedAt: now}
	if err := store.CreateChallenge(context.Background(), challenge); err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	completion := storage.SignUpCompletion{
		User: user.User{ID: "user-2", Email: "ada@example.com", CreatedAt: now, UpdatedAt: now},
		Credential: storage.Credential{
			ID:              "cred-2",
			UserID:          "user-2",
			PublicKey:       []byte{0x01},
			AttestationType: "none",
			DeviceType:      "singleDevice",
			CreatedAt:       now,
		},
		Session:         storage.Session{ID: "sess-2", UserID: "user-2", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		ChallengeID:     "chal-1",
		ChallengeCutoff: now.Add(-5 * time.Minute),
	}
	if err := store.CompleteSignUp(context.Background(), completion); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := store.GetChallenge(context.Background(), "chal-1", now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("challenge should survive rollback: %v", err)
	}
}

func TestCompleteSignInAdvancesCounterAndIssuesSession(t *testing.T) {
	store := openTempStore(t)

	seedUser(t, store, "user-1", "ada@example.com")
	seedCredential(t, store, "cred-1", "user-1")

	now := time.Now().UTC().Truncate(time.Millisecond)
	challenge := storage.Challenge{ID: "chal-1", Kind: "login", SessionJSON: "{}", CreatedAt: now}
	if err := store.CreateChallenge(context.Background(), challenge); err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	completion := storage.SignInCompletion{
		CredentialID:    "cred-1",
		NewCounter:      7,
		UsedAt:          now,
		Session:         storage.Session{ID: "sess-1", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		ChallengeID:     "chal-1",
		ChallengeCutoff: now.Add(-5 * time.Minute),
	}
	if err := store.CompleteSignIn(context.Background(), completion); err != nil {
		t.Fatalf("complete sign in: %v", err)
	}

	credential, err := store.GetCredential(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if credential.SignCount != 7 {
		t.Fatalf("unexpected counter: %d", credential.SignCount)
	}
	if credential.LastUsedAt == nil || !credential.LastUsedAt.Equal(now) {
		t.Fatalf("unexpected last used at: %v", credential.LastUsedAt)
	}
	if _, err := store.GetSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("session should exist: %v", err)
	}
	if _, err := store.GetChallenge(context.Background(), "chal-1", time.Time{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("challenge should be consumed, got %v", err)
	}
}

func TestCompleteEnrollmentAddsCredential(t *testing.T) {
	store := openTempStore(t)

	seedUser(t, store, "user-1", "ada@example.com")
	now := time.Now().UTC().Truncate(time.Millisecond)
	challenge := storage.Challenge{ID: "chal-1", Kind: "registration", UserID: "user-1", SessionJSON: "{}", CreatedAt: now}
	if err := store.CreateChallenge(context.Background(), challenge); err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	completion := storage.EnrollmentCompletion{
		Credential: storage.Credential{
			ID:              "cred-2",
			UserID:          "user-1",
			PublicKey:       []byte{0x02},
			AttestationType: "none",
			DeviceType:      "multiDevice",
			CreatedAt:       now,
		},
		ChallengeID:     "chal-1",
		ChallengeCutoff: now.Add(-5 * time.Minute),
	}
	if err := store.CompleteEnrollment(context.Background(), completion); err != nil {
		t.Fatalf("complete enrollment: %v", err)
	}

	if _, err := store.GetCredential(context.Background(), "cred-2"); err != nil {
		t.Fatalf("credential should exist: %v", err)
	}
	if _, err := store.GetChallenge(context.Background(), "chal-1", time.Time{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("challenge should be consumed, got %v", err)
	}
}

func seedUser(t *testing.T, store *Store, id, email string) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	u := user.User{ID: id, Email: email, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func seedCredential(t *testing.T, store *Store, id, userID string) storage.Credential {
	t.Helper()
	credential := storage.Credential{
		ID:              id,
		UserID:          userID,
		PublicKey:       []byte{0x01},
		AttestationType: "none",
		DeviceType:      "singleDevice",
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := store.CreateCredential(context.Background(), credential); err != nil {
		t.Fatalf("seed credential %s: %v", id, err)
	}
	return credential
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyway.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
