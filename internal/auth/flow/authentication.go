package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/louisbranch/keyway/internal/auth/passkey"
	"github.com/louisbranch/keyway/internal/auth/session"
	"github.com/louisbranch/keyway/internal/auth/storage"
	"github.com/louisbranch/keyway/internal/auth/user"
	"github.com/louisbranch/keyway/internal/platform/errors"
)

// ErrSignInNotFound folds the missing-challenge and unknown-credential
// verify failures into one answer, so a caller cannot probe which record
// was absent.
var ErrSignInNotFound = errors.New(errors.CodeNotFound, "sign-in record not found")

// Authentication runs the sign-in ceremony.
type Authentication struct {
	core
}

// NewAuthentication wires the sign-in ceremony over a store and ceremony
// provider.
func NewAuthentication(store storage.Store, provider Provider, parser Parser, cfg passkey.Config, sessions *session.Authority) *Authentication {
	return &Authentication{core: newCore(store, provider, parser, cfg, sessions)}
}

// WithClock overrides the time source. Used by tests.
func (a *Authentication) WithClock(clock func() time.Time) *Authentication {
	if clock != nil {
		a.clock = clock
	}
	return a
}

// WithIDGenerator overrides id generation. Used by tests.
func (a *Authentication) WithIDGenerator(newID func() (string, error)) *Authentication {
	if newID != nil {
		a.newID = newID
	}
	return a
}

// SignInOptions is the options-step result handed back to the client.
type SignInOptions struct {
	ChallengeID string
	Assertion   *protocol.CredentialAssertion
}

// BeginSignIn issues authentication options for an email.
//
// An unknown email and a known email with no credentials produce the same
// discoverable assertion shape, so the options response never reveals
// whether an account exists.
func (a *Authentication) BeginSignIn(ctx context.Context, email string) (SignInOptions, error) {
	normalized, err := user.NormalizeCreateUserInput(user.CreateUserInput{Email: email})
	if err != nil {
		return SignInOptions{}, err
	}

	base, err := a.store.GetUserByEmail(ctx, normalized.Email)
	switch {
	case err == nil:
		ceremony, err := a.loadCeremonyUser(ctx, base)
		if err != nil {
			return SignInOptions{}, err
		}
		if len(ceremony.credentials) == 0 {
			return a.beginDiscoverable(ctx)
		}
		assertion, sessionData, err := a.provider.BeginLogin(ceremony)
		if err != nil {
			return SignInOptions{}, fmt.Errorf("begin login: %w", err)
		}
		challengeID, err := a.issueChallenge(ctx, passkey.ChallengeKindLogin, base.ID, sessionData)
		if err != nil {
			return SignInOptions{}, err
		}
		return SignInOptions{ChallengeID: challengeID, Assertion: assertion}, nil
	case isNotFound(err):
		return a.beginDiscoverable(ctx)
	default:
		return SignInOptions{}, fmt.Errorf("look up email: %w", err)
	}
}

func (a *Authentication) beginDiscoverable(ctx context.Context) (SignInOptions, error) {
	assertion, data, err := a.provider.BeginDiscoverableLogin()
	if err != nil {
		return SignInOptions{}, fmt.Errorf("begin discoverable login: %w", err)
	}
	challengeID, err := a.issueChallenge(ctx, passkey.ChallengeKindLogin, "", data)
	if err != nil {
		return SignInOptions{}, err
	}
	return SignInOptions{ChallengeID: challengeID, Assertion: assertion}, nil
}

// SignInResult reports the authenticated account and its new session.
type SignInResult struct {
	User         user.User
	Session      storage.Session
	CredentialID string
}

// FinishSignIn verifies a signed assertion and commits the counter advance,
// the new session, and the challenge consumption as one atomic unit.
func (a *Authentication) FinishSignIn(ctx context.Context, challengeID string, response []byte) (SignInResult, error) {
	if len(response) == 0 {
		return SignInResult{}, ErrVerificationFailed
	}

	_, data, err := a.loadChallenge(ctx, challengeID, passkey.ChallengeKindLogin)
	if err != nil {
		if isNotFound(err) {
			return SignInResult{}, ErrSignInNotFound
		}
		return SignInResult{}, err
	}

	parsed, err := a.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return SignInResult{}, errors.Wrap(errors.CodeVerificationFailed, "parse assertion response", err)
	}

	credentialID := encodeCredentialID(parsed.RawID)
	stored, err := a.store.GetCredential(ctx, credentialID)
	if err != nil {
		if isNotFound(err) {
			return SignInResult{}, ErrSignInNotFound
		}
		return SignInResult{}, fmt.Errorf("load credential: %w", err)
	}
	owner, err := a.store.GetUser(ctx, stored.UserID)
	if err != nil {
		if isNotFound(err) {
			return SignInResult{}, ErrSignInNotFound
		}
		return SignInResult{}, fmt.Errorf("load user: %w", err)
	}

	validated, err := a.validateAssertion(ctx, owner, data, parsed)
	if err != nil {
		return SignInResult{}, err
	}
	// The library flags counter regressions without failing the ceremony; a
	// regressed counter means a possible cloned authenticator, so reject.
	if validated.Authenticator.CloneWarning {
		return SignInResult{}, ErrVerificationFailed
	}

	browserSession, err := a.sessions.Mint(owner.ID)
	if err != nil {
		return SignInResult{}, err
	}
	now := a.clock().UTC()
	completion := storage.SignInCompletion{
		CredentialID:    credentialID,
		NewCounter:      validated.Authenticator.SignCount,
		UsedAt:          now,
		Session:         browserSession,
		ChallengeID:     challengeID,
		ChallengeCutoff: a.challengeCutoff(),
	}
	if err := a.store.CompleteSignIn(ctx, completion); err != nil {
		if isNotFound(err) {
			return SignInResult{}, ErrSignInNotFound
		}
		return SignInResult{}, fmt.Errorf("commit sign in: %w", err)
	}

	return SignInResult{
		User:         owner,
		Session:      browserSession,
		CredentialID: credentialID,
	}, nil
}

func (a *Authentication) validateAssertion(ctx context.Context, owner user.User, data webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	if len(data.UserID) > 0 {
		ceremony, err := a.loadCeremonyUser(ctx, owner)
		if err != nil {
			return nil, err
		}
		credential, err := a.provider.ValidateLogin(ceremony, data, parsed)
		if err != nil {
			return nil, errors.Wrap(errors.CodeVerificationFailed, "verify assertion response", err)
		}
		return credential, nil
	}
	_, credential, err := a.provider.ValidatePasskeyLogin(a.discoverableHandler(ctx), data, parsed)
	if err != nil {
		return nil, errors.Wrap(errors.CodeVerificationFailed, "verify assertion response", err)
	}
	return credential, nil
}
