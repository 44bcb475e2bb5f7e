package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/keyway/internal/auth/storage"
)

const insertCredentialQuery = `
INSERT INTO passkey_credentials (
    credential_id, user_id, aaguid, public_key, attestation_type, sign_count,
    transports, backup_eligible, backed_up, device_type, created_at, last_used_at
)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12);
`

const getCredentialQuery = `
SELECT credential_id, user_id, aaguid, public_key, attestation_type, sign_count,
    transports, backup_eligible, backed_up, device_type, created_at, last_used_at
FROM passkey_credentials
WHERE credential_id = ?1;
`

const listCredentialsByUserQuery = `
SELECT credential_id, user_id, aaguid, public_key, attestation_type, sign_count,
    transports, backup_eligible, backed_up, device_type, created_at, last_used_at
FROM passkey_credentials
WHERE user_id = ?1
ORDER BY created_at, credential_id;
`

// updateCredentialCounterQuery keeps the stored counter monotonic even if a
// caller passes a smaller value; the ceremony library is authoritative for
// rejecting regressions, this guard only prevents the write from undoing one.
const updateCredentialCounterQuery = `
UPDATE passkey_credentials
SET sign_count = max(sign_count, ?2), last_used_at = ?3
WHERE credential_id = ?1;
`

const deleteCredentialByUserAndIDQuery = `
DELETE FROM passkey_credentials
WHERE user_id = ?1 AND credential_id = ?2;
`

// CreateCredential inserts a credential row. Duplicate credential ids report
// ErrConflict; authenticator ids are globally unique, so a collision is
// replay or a library bug and is never treated as an update.
func (s *Store) CreateCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := validateCredential(credential); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(ctx, insertCredentialQuery, credentialArgs(credential)...)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetCredential fetches a stored credential by its authenticator-assigned id.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, getCredentialQuery, credentialID)
	credential, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return credential, nil
}

// ListCredentialsByUser returns a user's credentials in registration order.
func (s *Store) ListCredentialsByUser(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, listCredentialsByUserQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	credentials := make([]storage.Credential, 0)
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// UpdateCredentialCounter records a successful assertion. The stored counter
// never decreases regardless of the value passed.
func (s *Store) UpdateCredentialCounter(ctx context.Context, credentialID string, newCounter uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, updateCredentialCounterQuery,
		credentialID, int64(newCounter), toMillis(usedAt))
	if err != nil {
		return fmt.Errorf("update credential counter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential counter: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteCredentialByUserAndID removes a credential scoped to its owner.
// Reports ErrNotFound when no row matched, so a caller cannot delete another
// user's credential and can tell "already gone" apart from success.
func (s *Store) DeleteCredentialByUserAndID(ctx context.Context, userID, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, deleteCredentialByUserAndIDQuery, userID, credentialID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func validateCredential(credential storage.Credential) error {
	if strings.TrimSpace(credential.ID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if len(credential.PublicKey) == 0 {
		return fmt.Errorf("public key is required")
	}
	return nil
}

func credentialArgs(credential storage.Credential) []any {
	lastUsed := sql.NullInt64{}
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}
	return []any{
		credential.ID,
		credential.UserID,
		credential.AAGUID,
		credential.PublicKey,
		credential.AttestationType,
		int64(credential.SignCount),
		strings.Join(credential.Transports, ","),
		credential.BackupEligible,
		credential.BackedUp,
		credential.DeviceType,
		toMillis(credential.CreatedAt),
		lastUsed,
	}
}

func scanCredential(row rowScanner) (storage.Credential, error) {
	var credential storage.Credential
	var signCount int64
	var transports string
	var createdAt int64
	var lastUsed sql.NullInt64
	err := row.Scan(
		&credential.ID,
		&credential.UserID,
		&credential.AAGUID,
		&credential.PublicKey,
		&credential.AttestationType,
		&signCount,
		&transports,
		&credential.BackupEligible,
		&credential.BackedUp,
		&credential.DeviceType,
		&createdAt,
		&lastUsed,
	)
	if err != nil {
		return storage.Credential{}, err
	}
	credential.SignCount = uint32(signCount)
	if transports != "" {
		credential.Transports = strings.Split(transports, ",")
	}
	credential.CreatedAt = fromMillis(createdAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}
