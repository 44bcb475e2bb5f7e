package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/louisbranch/keyway/internal/auth/passkey"
	"github.com/louisbranch/keyway/internal/auth/session"
	"github.com/louisbranch/keyway/internal/auth/storage"
	"github.com/louisbranch/keyway/internal/auth/user"
	"github.com/louisbranch/keyway/internal/platform/errors"
)

// ErrEmailTaken reports a sign-up attempt for an already registered email.
var ErrEmailTaken = errors.New(errors.CodeEmailTaken, "email is already registered")

// ErrChallengeNotFound reports a missing, expired, or already consumed
// registration challenge. The three cases are indistinguishable.
var ErrChallengeNotFound = errors.New(errors.CodeChallengeNotFound, "challenge not found")

// ErrVerificationFailed reports a ceremony response that did not verify
// against the issued challenge, origin, and relying party.
var ErrVerificationFailed = errors.New(errors.CodeVerificationFailed, "verification failed")

// ErrCredentialExists reports enrollment of a credential id that is already
// registered.
var ErrCredentialExists = errors.New(errors.CodeCredentialExists, "credential already registered")

// Registration runs the sign-up and add-passkey ceremonies.
type Registration struct {
	core
}

// NewRegistration wires the registration ceremonies over a store and
// ceremony provider.
func NewRegistration(store storage.Store, provider Provider, parser Parser, cfg passkey.Config, sessions *session.Authority) *Registration {
	return &Registration{core: newCore(store, provider, parser, cfg, sessions)}
}

// WithClock overrides the time source. Used by tests.
func (r *Registration) WithClock(clock func() time.Time) *Registration {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// WithIDGenerator overrides id generation. Used by tests.
func (r *Registration) WithIDGenerator(newID func() (string, error)) *Registration {
	if newID != nil {
		r.newID = newID
	}
	return r
}

// SignUpOptions is the options-step result handed back to the client.
type SignUpOptions struct {
	ChallengeID string
	Creation    *protocol.CredentialCreation
}

// BeginSignUp issues registration options for a new account.
//
// A fresh user handle is minted here and travels inside the stored ceremony
// session; the account row itself is only created when the verify step
// commits, so abandoning the ceremony leaves no trace beyond an expiring
// challenge.
func (r *Registration) BeginSignUp(ctx context.Context, email string) (SignUpOptions, error) {
	normalized, err := user.NormalizeCreateUserInput(user.CreateUserInput{Email: email})
	if err != nil {
		return SignUpOptions{}, err
	}

	if _, err := r.store.GetUserByEmail(ctx, normalized.Email); err == nil {
		return SignUpOptions{}, ErrEmailTaken
	} else if !isNotFound(err) {
		return SignUpOptions{}, fmt.Errorf("look up email: %w", err)
	}

	handle, err := r.newID()
	if err != nil {
		return SignUpOptions{}, fmt.Errorf("generate user handle: %w", err)
	}
	candidate := &ceremonyUser{id: handle, name: normalized.Email}

	creation, data, err := r.provider.BeginRegistration(candidate,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired))
	if err != nil {
		return SignUpOptions{}, fmt.Errorf("begin registration: %w", err)
	}

	challengeID, err := r.issueChallenge(ctx, passkey.ChallengeKindRegistration, "", data)
	if err != nil {
		return SignUpOptions{}, err
	}
	return SignUpOptions{ChallengeID: challengeID, Creation: creation}, nil
}

// FinishSignUpInput carries the verify-step request for a new account.
type FinishSignUpInput struct {
	ChallengeID string
	Email       string
	Name        string
	Response    []byte
}

// SignUpResult reports the committed account and its first session.
type SignUpResult struct {
	User         user.User
	Session      storage.Session
	CredentialID string
}

// FinishSignUp verifies a signed registration response and commits the new
// account, its first credential, its session, and the challenge consumption
// as one atomic unit.
func (r *Registration) FinishSignUp(ctx context.Context, input FinishSignUpInput) (SignUpResult, error) {
	normalized, err := user.NormalizeCreateUserInput(user.CreateUserInput{Email: input.Email, Name: input.Name})
	if err != nil {
		return SignUpResult{}, err
	}
	if len(input.Response) == 0 {
		return SignUpResult{}, ErrVerificationFailed
	}

	_, data, err := r.loadChallenge(ctx, input.ChallengeID, passkey.ChallengeKindRegistration)
	if err != nil {
		if isNotFound(err) {
			return SignUpResult{}, ErrChallengeNotFound
		}
		return SignUpResult{}, err
	}

	parsed, err := r.parser.ParseCredentialCreationResponseBytes(input.Response)
	if err != nil {
		return SignUpResult{}, errors.Wrap(errors.CodeVerificationFailed, "parse registration response", err)
	}

	handle := string(data.UserID)
	candidate := &ceremonyUser{id: handle, name: normalized.Email, displayName: normalized.Name}
	credential, err := r.provider.CreateCredential(candidate, data, parsed)
	if err != nil {
		return SignUpResult{}, errors.Wrap(errors.CodeVerificationFailed, "verify registration response", err)
	}

	account, err := user.CreateUser(normalized, r.clock, func() (string, error) { return handle, nil })
	if err != nil {
		return SignUpResult{}, err
	}
	browserSession, err := r.sessions.Mint(account.ID)
	if err != nil {
		return SignUpResult{}, err
	}
	record := storageCredential(account.ID, *credential, r.clock())

	completion := storage.SignUpCompletion{
		User:            account,
		Credential:      record,
		Session:         browserSession,
		ChallengeID:     input.ChallengeID,
		ChallengeCutoff: r.challengeCutoff(),
	}
	if err := r.store.CompleteSignUp(ctx, completion); err != nil {
		switch {
		case isNotFound(err):
			return SignUpResult{}, ErrChallengeNotFound
		case isConflict(err):
			return SignUpResult{}, ErrEmailTaken
		}
		return SignUpResult{}, fmt.Errorf("commit sign up: %w", err)
	}

	return SignUpResult{
		User:         account,
		Session:      browserSession,
		CredentialID: record.ID,
	}, nil
}

// EnrollmentOptions is the options-step result for adding a passkey to an
// existing account.
type EnrollmentOptions struct {
	ChallengeID string
	Creation    *protocol.CredentialCreation
}

// BeginEnrollment issues registration options for an authenticated user
// adding another passkey. Existing credentials are excluded so the same
// authenticator cannot be registered twice.
func (r *Registration) BeginEnrollment(ctx context.Context, userID string) (EnrollmentOptions, error) {
	if strings.TrimSpace(userID) == "" {
		return EnrollmentOptions{}, session.ErrUnauthorized
	}
	base, err := r.store.GetUser(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return EnrollmentOptions{}, session.ErrUnauthorized
		}
		return EnrollmentOptions{}, fmt.Errorf("load user: %w", err)
	}
	ceremony, err := r.loadCeremonyUser(ctx, base)
	if err != nil {
		return EnrollmentOptions{}, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(ceremony.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(ceremony.credentials).CredentialDescriptors()))
	}

	creation, data, err := r.provider.BeginRegistration(ceremony, options...)
	if err != nil {
		return EnrollmentOptions{}, fmt.Errorf("begin registration: %w", err)
	}

	challengeID, err := r.issueChallenge(ctx, passkey.ChallengeKindRegistration, base.ID, data)
	if err != nil {
		return EnrollmentOptions{}, err
	}
	return EnrollmentOptions{ChallengeID: challengeID, Creation: creation}, nil
}

// FinishEnrollment verifies a signed registration response for an
// authenticated user and commits the new credential together with the
// challenge consumption.
func (r *Registration) FinishEnrollment(ctx context.Context, userID, challengeID string, response []byte) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", session.ErrUnauthorized
	}
	if len(response) == 0 {
		return "", ErrVerificationFailed
	}

	challenge, data, err := r.loadChallenge(ctx, challengeID, passkey.ChallengeKindRegistration)
	if err != nil {
		if isNotFound(err) {
			return "", ErrChallengeNotFound
		}
		return "", err
	}
	// A challenge issued to another user is as good as missing.
	if challenge.UserID != userID {
		return "", ErrChallengeNotFound
	}

	base, err := r.store.GetUser(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return "", session.ErrUnauthorized
		}
		return "", fmt.Errorf("load user: %w", err)
	}
	ceremony, err := r.loadCeremonyUser(ctx, base)
	if err != nil {
		return "", err
	}

	parsed, err := r.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return "", errors.Wrap(errors.CodeVerificationFailed, "parse registration response", err)
	}
	credential, err := r.provider.CreateCredential(ceremony, data, parsed)
	if err != nil {
		return "", errors.Wrap(errors.CodeVerificationFailed, "verify registration response", err)
	}

	record := storageCredential(base.ID, *credential, r.clock())
	completion := storage.EnrollmentCompletion{
		Credential:      record,
		ChallengeID:     challengeID,
		ChallengeCutoff: r.challengeCutoff(),
	}
	if err := r.store.CompleteEnrollment(ctx, completion); err != nil {
		switch {
		case isNotFound(err):
			return "", ErrChallengeNotFound
		case isConflict(err):
			return "", ErrCredentialExists
		}
		return "", fmt.Errorf("commit enrollment: %w", err)
	}
	return record.ID, nil
}
