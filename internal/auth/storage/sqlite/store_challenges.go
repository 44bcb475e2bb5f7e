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

const insertChallengeQuery = `
INSERT INTO passkey_challenges (id, kind, user_id, session_json, created_at)
VALUES (?1, ?2, ?3, ?4, ?5);
`

const getChallengeQuery = `
SELECT id, kind, user_id, session_json, created_at
FROM passkey_challenges
WHERE id = ?1 AND created_at >= ?2;
`

// consumeChallengeQuery deletes a live challenge and returns the deleted row.
// The conditional delete is the linearization point: among concurrent
// consumers exactly one sees the row, the rest see no rows.
const consumeChallengeQuery = `
DELETE FROM passkey_challenges
WHERE id = ?1 AND created_at >= ?2
RETURNING id, kind, user_id, session_json, created_at;
`

const deleteExpiredChallengesQuery = `
DELETE FROM passkey_challenges
WHERE created_at < ?1;
`

// CreateChallenge stores a single-use ceremony challenge.
func (s *Store) CreateChallenge(ctx context.Context, challenge storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(challenge.ID) == "" {
		return fmt.Errorf("challenge id is required")
	}
	if strings.TrimSpace(challenge.Kind) == "" {
		return fmt.Errorf("challenge kind is required")
	}
	if strings.TrimSpace(challenge.SessionJSON) == "" {
		return fmt.Errorf("session json is required")
	}

	userID := sql.NullString{}
	if strings.TrimSpace(challenge.UserID) != "" {
		userID = sql.NullString{String: challenge.UserID, Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, insertChallengeQuery,
		challenge.ID, challenge.Kind, userID, challenge.SessionJSON, toMillis(challenge.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// GetChallenge fetches a stored challenge without consuming it. Challenges
// created before cutoff report ErrNotFound, identical to missing rows.
func (s *Store) GetChallenge(ctx context.Context, id string, cutoff time.Time) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Challenge{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.Challenge{}, fmt.Errorf("challenge id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, getChallengeQuery, id, toMillis(cutoff))
	challenge, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Challenge{}, storage.ErrNotFound
		}
		return storage.Challenge{}, fmt.Errorf("get challenge: %w", err)
	}
	return challenge, nil
}

// ConsumeChallenge atomically deletes and returns a live challenge. Missing,
// expired, and already-consumed ids all report ErrNotFound.
func (s *Store) ConsumeChallenge(ctx context.Context, id string, cutoff time.Time) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Challenge{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.Challenge{}, fmt.Errorf("challenge id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, consumeChallengeQuery, id, toMillis(cutoff))
	challenge, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Challenge{}, storage.ErrNotFound
		}
		return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	return challenge, nil
}

// DeleteExpiredChallenges removes challenges older than cutoff.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, cutoff time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, deleteExpiredChallengesQuery, toMillis(cutoff)); err != nil {
		return fmt.Errorf("delete expired challenges: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (storage.Challenge, error) {
	var challenge storage.Challenge
	var userID sql.NullString
	var createdAt int64
	if err := row.Scan(&challenge.ID, &challenge.Kind, &userID, &challenge.SessionJSON, &createdAt); err != nil {
		return storage.Challenge{}, err
	}
	if userID.Valid {
		challenge.UserID = userID.String
	}
	challenge.CreatedAt = fromMillis(createdAt)
	return challenge, nil
}
