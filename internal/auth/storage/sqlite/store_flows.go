package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/louisbranch/keyway/internal/auth/storage"
)

// deleteChallengeIfLiveQuery consumes a challenge inside a completion
// transaction. Zero affected rows means another consumer won the race or the
// challenge expired; either way the whole transaction rolls back.
const deleteChallengeIfLiveQuery = `
DELETE FROM passkey_challenges
WHERE id = ?1 AND created_at >= ?2;
`

// CompleteSignUp commits a verified new-account registration as one unit:
// user row, first credential, session, and challenge consumption. Any
// failure, including a duplicate email raced in after the options step,
// rolls everything back.
func (s *Store) CompleteSignUp(ctx context.Context, completion storage.SignUpCompletion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(completion.User.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(completion.ChallengeID) == "" {
		return fmt.Errorf("challenge id is required")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		u := completion.User
		if _, err := tx.ExecContext(ctx, insertUserQuery,
			u.ID, u.Email, u.Name, toMillis(u.CreatedAt), toMillis(u.UpdatedAt)); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("insert user: %w", err)
		}

		if err := validateCredential(completion.Credential); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertCredentialQuery, credentialArgs(completion.Credential)...); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("insert credential: %w", err)
		}

		session := completion.Session
		if _, err := tx.ExecContext(ctx, insertSessionQuery,
			session.ID, session.UserID, toMillis(session.CreatedAt), toMillis(session.ExpiresAt)); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		return consumeChallengeTx(ctx, tx, completion.ChallengeID, toMillis(completion.ChallengeCutoff))
	})
}

// CompleteSignIn commits a verified authentication as one unit: monotonic
// counter advance with last-used stamp, session creation, and challenge
// consumption.
func (s *Store) CompleteSignIn(ctx context.Context, completion storage.SignInCompletion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(completion.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(completion.ChallengeID) == "" {
		return fmt.Errorf("challenge id is required")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, updateCredentialCounterQuery,
			completion.CredentialID, int64(completion.NewCounter), toMillis(completion.UsedAt))
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

		session := completion.Session
		if _, err := tx.ExecContext(ctx, insertSessionQuery,
			session.ID, session.UserID, toMillis(session.CreatedAt), toMillis(session.ExpiresAt)); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		return consumeChallengeTx(ctx, tx, completion.ChallengeID, toMillis(completion.ChallengeCutoff))
	})
}

// CompleteEnrollment commits a verified additional-credential registration:
// credential insert plus challenge consumption, atomically.
func (s *Store) CompleteEnrollment(ctx context.Context, completion storage.EnrollmentCompletion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(completion.ChallengeID) == "" {
		return fmt.Errorf("challenge id is required")
	}
	if err := validateCredential(completion.Credential); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertCredentialQuery, credentialArgs(completion.Credential)...); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("insert credential: %w", err)
		}
		return consumeChallengeTx(ctx, tx, completion.ChallengeID, toMillis(completion.ChallengeCutoff))
	})
}

// consumeChallengeTx deletes a challenge as the last write of a completion
// transaction, so consumption and the preceding mutations commit or roll
// back together.
func consumeChallengeTx(ctx context.Context, tx *sql.Tx, challengeID string, cutoffMillis int64) error {
	result, err := tx.ExecContext(ctx, deleteChallengeIfLiveQuery, challengeID, cutoffMillis)
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
