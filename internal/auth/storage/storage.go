package storage

import (
	"context"
	"time"

	"github.com/louisbranch/keyway/internal/auth/user"
	"github.com/louisbranch/keyway/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing, already consumed, or
// outside its validity window. Callers cannot distinguish those cases.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrConflict indicates a uniqueness constraint rejected a write.
var ErrConflict = errors.New(errors.CodeConflict, "record already exists")

// Challenge stores a single-use WebAuthn ceremony challenge.
//
// SessionJSON carries the ceremony library's session data: the random
// challenge issued to the client plus the binding information (user handle,
// allowed credential ids) the verification step must match.
type Challenge struct {
	ID          string
	Kind        string
	UserID      string
	SessionJSON string
	CreatedAt   time.Time
}

// Credential stores a WebAuthn public-key credential bound to a user.
type Credential struct {
	ID              string // base64url credential id from the authenticator
	UserID          string
	AAGUID          string
	PublicKey       []byte
	AttestationType string
	SignCount       uint32
	Transports      []string
	BackupEligible  bool
	BackedUp        bool
	DeviceType      string
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// Session stores an authenticated browser session.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// UserStore persists auth user records.
type UserStore interface {
	// CreateUser inserts a user row. Returns ErrConflict when the email is
	// already registered.
	CreateUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// ChallengeStore persists single-use ceremony challenges.
//
// Reads and consumption treat challenges older than the TTL passed by the
// caller exactly like missing rows, so expiry and deletion are
// indistinguishable to clients.
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, challenge Challenge) error
	// GetChallenge returns a challenge without consuming it. Expired
	// challenges report ErrNotFound.
	GetChallenge(ctx context.Context, id string, cutoff time.Time) (Challenge, error)
	// ConsumeChallenge atomically deletes and returns a live challenge.
	// Concurrent consumers racing on one id see exactly one success; the
	// rest observe ErrNotFound.
	ConsumeChallenge(ctx context.Context, id string, cutoff time.Time) (Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, cutoff time.Time) error
}

// CredentialStore persists WebAuthn credential records.
type CredentialStore interface {
	// CreateCredential inserts a credential row. Returns ErrConflict when
	// the credential id already exists; authenticator ids are globally
	// unique, so a collision is replay or a library bug, never an upsert.
	CreateCredential(ctx context.Context, credential Credential) error
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	ListCredentialsByUser(ctx context.Context, userID string) ([]Credential, error)
	// UpdateCredentialCounter records a successful assertion. The stored
	// counter never decreases regardless of the value passed.
	UpdateCredentialCounter(ctx context.Context, credentialID string, newCounter uint32, usedAt time.Time) error
	// DeleteCredentialByUserAndID removes a credential only when it is
	// owned by userID. Reports ErrNotFound when no row matched, so callers
	// can tell "already gone" apart from success.
	DeleteCredentialByUserAndID(ctx context.Context, userID, credentialID string) error
}

// SessionStore persists authenticated browser sessions.
type SessionStore interface {
	PutSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) error
}

// SignUpCompletion bundles the rows a verified registration commits together.
type SignUpCompletion struct {
	User        user.User
	Credential  Credential
	Session     Session
	ChallengeID string
	// ChallengeCutoff bounds how old the consumed challenge may be.
	ChallengeCutoff time.Time
}

// SignInCompletion bundles the writes a verified authentication commits
// together.
type SignInCompletion struct {
	CredentialID    string
	NewCounter      uint32
	UsedAt          time.Time
	Session         Session
	ChallengeID     string
	ChallengeCutoff time.Time
}

// EnrollmentCompletion bundles the writes that add a credential to an
// existing user.
type EnrollmentCompletion struct {
	Credential      Credential
	ChallengeID     string
	ChallengeCutoff time.Time
}

// FlowStore executes the multi-entity mutations that follow a verified
// ceremony. Each call is one atomic unit: every write commits together with
// the challenge consumption or none of them are visible. Challenge
// consumption is ordered last inside the transaction, so a raced or expired
// challenge rolls the whole mutation back with ErrNotFound.
type FlowStore interface {
	// CompleteSignUp creates the user, its first credential, and a session.
	// ErrConflict reports a raced duplicate email or credential id.
	CompleteSignUp(ctx context.Context, completion SignUpCompletion) error
	// CompleteSignIn advances the credential counter, stamps last use, and
	// creates a session.
	CompleteSignIn(ctx context.Context, completion SignInCompletion) error
	// CompleteEnrollment adds a credential to an existing user.
	CompleteEnrollment(ctx context.Context, completion EnrollmentCompletion) error
}

// Store aggregates every persistence surface the auth flows depend on.
type Store interface {
	UserStore
	ChallengeStore
	CredentialStore
	SessionStore
	FlowStore
}
