// Package flow orchestrates the WebAuthn registration and authentication
// ceremonies against durable challenge, credential, and session state.
package flow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/louisbranch/keyway/internal/auth/passkey"
	"github.com/louisbranch/keyway/internal/auth/session"
	"github.com/louisbranch/keyway/internal/auth/storage"
	"github.com/louisbranch/keyway/internal/auth/user"
	"github.com/louisbranch/keyway/internal/platform/errors"
	"github.com/louisbranch/keyway/internal/platform/id"
)

// Provider abstracts the ceremony library surface the flows depend on.
type Provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

// Parser decodes client ceremony responses.
type Parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

// DefaultParser parses responses with the ceremony library's own decoders.
type DefaultParser struct{}

func (DefaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (DefaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// NewProvider builds the ceremony library from relying-party configuration.
func NewProvider(cfg passkey.Config) (*webauthn.WebAuthn, error) {
	provider, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return provider, nil
}

// core carries the collaborators shared by both ceremony flows.
type core struct {
	store    storage.Store
	provider Provider
	parser   Parser
	ttl      time.Duration
	sessions *session.Authority
	clock    func() time.Time
	newID    func() (string, error)
}

func newCore(store storage.Store, provider Provider, parser Parser, cfg passkey.Config, sessions *session.Authority) core {
	if parser == nil {
		parser = DefaultParser{}
	}
	ttl := cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return core{
		store:    store,
		provider: provider,
		parser:   parser,
		ttl:      ttl,
		sessions: sessions,
		clock:    time.Now,
		newID:    id.NewID,
	}
}

// issueChallenge persists ceremony session data as a single-use challenge.
// The challenge id is only returned after the write succeeds, so a client
// never holds options without a durably stored challenge.
func (c *core) issueChallenge(ctx context.Context, kind passkey.ChallengeKind, userID string, data *webauthn.SessionData) (string, error) {
	if data == nil {
		return "", fmt.Errorf("ceremony session data is required")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode ceremony session: %w", err)
	}
	challengeID, err := c.newID()
	if err != nil {
		return "", fmt.Errorf("generate challenge id: %w", err)
	}
	challenge := storage.Challenge{
		ID:          challengeID,
		Kind:        string(kind),
		UserID:      userID,
		SessionJSON: string(payload),
		CreatedAt:   c.clock().UTC(),
	}
	if err := c.store.CreateChallenge(ctx, challenge); err != nil {
		return "", fmt.Errorf("persist challenge: %w", err)
	}
	return challengeID, nil
}

// loadChallenge reads a live challenge without consuming it; consumption is
// deferred to the completion transaction so a failed mutation leaves the
// challenge retryable within its window. Expired, missing, and wrong-kind
// challenges all report storage.ErrNotFound.
func (c *core) loadChallenge(ctx context.Context, challengeID string, kind passkey.ChallengeKind) (storage.Challenge, webauthn.SessionData, error) {
	if strings.TrimSpace(challengeID) == "" {
		return storage.Challenge{}, webauthn.SessionData{}, storage.ErrNotFound
	}
	challenge, err := c.store.GetChallenge(ctx, challengeID, c.challengeCutoff())
	if err != nil {
		return storage.Challenge{}, webauthn.SessionData{}, err
	}
	if challenge.Kind != string(kind) {
		return storage.Challenge{}, webauthn.SessionData{}, storage.ErrNotFound
	}
	var data webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionJSON), &data); err != nil {
		return storage.Challenge{}, webauthn.SessionData{}, fmt.Errorf("decode ceremony session: %w", err)
	}
	return challenge, data, nil
}

func (c *core) challengeCutoff() time.Time {
	return c.clock().UTC().Add(-c.ttl)
}

// loadCeremonyUser builds the ceremony library's user view from a stored
// user and its credentials.
func (c *core) loadCeremonyUser(ctx context.Context, base user.User) (*ceremonyUser, error) {
	records, err := c.store.ListCredentialsByUser(ctx, base.ID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	credentials, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &ceremonyUser{
		id:          base.ID,
		name:        base.Email,
		displayName: base.Name,
		credentials: credentials,
	}, nil
}

// ceremonyUser adapts identity records to the ceremony library's user
// interface. The stable user id is the WebAuthn user handle; the email is
// the human-readable name.
type ceremonyUser struct {
	id          string
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.id)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.name
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	if u.displayName != "" {
		return u.displayName
	}
	return u.name
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// encodeCredentialID renders an authenticator credential id as the stored
// key, matching the base64url form clients send in ceremony responses.
func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeStoredCredentials(records []storage.Credential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		credential, err := webauthnCredential(record)
		if err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.ID, err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

// webauthnCredential rebuilds the ceremony library's credential from a
// stored record.
func webauthnCredential(record storage.Credential) (webauthn.Credential, error) {
	rawID, err := base64.RawURLEncoding.DecodeString(record.ID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode credential id: %w", err)
	}
	var aaguid []byte
	if record.AAGUID != "" {
		parsed, err := uuid.Parse(record.AAGUID)
		if err != nil {
			return webauthn.Credential{}, fmt.Errorf("decode aaguid: %w", err)
		}
		aaguid = parsed[:]
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(record.Transports))
	for _, transport := range record.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(transport))
	}
	return webauthn.Credential{
		ID:              rawID,
		PublicKey:       record.PublicKey,
		AttestationType: record.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: record.BackupEligible,
			BackupState:    record.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    aaguid,
			SignCount: record.SignCount,
		},
	}, nil
}

// storageCredential flattens a verified ceremony credential into the stored
// record shape.
func storageCredential(userID string, credential webauthn.Credential, now time.Time) storage.Credential {
	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}
	deviceType := "singleDevice"
	if credential.Flags.BackupEligible {
		deviceType = "multiDevice"
	}
	var aaguid string
	if parsed, err := uuid.FromBytes(credential.Authenticator.AAGUID); err == nil {
		aaguid = parsed.String()
	}
	return storage.Credential{
		ID:              encodeCredentialID(credential.ID),
		UserID:          userID,
		AAGUID:          aaguid,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		SignCount:       credential.Authenticator.SignCount,
		Transports:      transports,
		BackupEligible:  credential.Flags.BackupEligible,
		BackedUp:        credential.Flags.BackupState,
		DeviceType:      deviceType,
		CreatedAt:       now.UTC(),
	}
}

// discoverableHandler resolves the user named by a discoverable assertion's
// user handle.
func (c *core) discoverableHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := string(userHandle)
		if strings.TrimSpace(userID) == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		base, err := c.store.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return c.loadCeremonyUser(ctx, base)
	}
}

// isNotFound reports whether an error carries the storage not-found code.
func isNotFound(err error) bool {
	return errors.CodeOf(err) == errors.CodeNotFound
}

// isConflict reports whether an error carries the storage conflict code.
func isConflict(err error) bool {
	return errors.CodeOf(err) == errors.CodeConflict
}
