package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// RegisterAccount creates a new account and binds the originating platform
// session in one transaction, so a failed bind never leaves an orphan account.
// Returns ErrAlreadyExists when the username is taken.
func (s *Store) RegisterAccount(ctx context.Context, username, password, platform, platformID string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	accountID := uuid.NewString()

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin register tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, username, password_hash)
			VALUES (?, ?, ?);
		`, accountID, username, string(hash)); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert account: %w", err)
		}
		if err := bindSessionTx(ctx, tx, platform, platformID, accountID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return accountID, nil
}

// UsernameTaken reports whether an account with the given username exists.
func (s *Store) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE username = ?;`, username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query username: %w", err)
	}
	return true, nil
}

// VerifyPassword checks the candidate password against the stored bcrypt hash.
// Returns ErrNotFound for an unknown username and ErrInvalidCredentials on a
// mismatch. The plaintext is never stored or logged.
func (s *Store) VerifyPassword(ctx context.Context, username, candidate string) (string, error) {
	var accountID, hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, password_hash FROM accounts WHERE username = ?;
	`, username).Scan(&accountID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query account: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)); err != nil {
		return "", ErrInvalidCredentials
	}
	return accountID, nil
}

// BindSession maps (platform, platformID) to an account, replacing any
// previous binding for that platform identity. An account may be bound from
// several platforms at once.
func (s *Store) BindSession(ctx context.Context, platform, platformID, accountID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bind tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := bindSessionTx(ctx, tx, platform, platformID, accountID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func bindSessionTx(ctx context.Context, tx *sql.Tx, platform, platformID, accountID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO platform_sessions (platform, platform_id, account_id)
		VALUES (?, ?, ?)
		ON CONFLICT(platform, platform_id) DO UPDATE SET
			account_id = excluded.account_id,
			updated_at = CURRENT_TIMESTAMP;
	`, platform, platformID, accountID)
	if err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	return nil
}

// UnbindSession removes the session binding for one platform identity only.
// Bindings of the same account from other platforms are untouched.
func (s *Store) UnbindSession(ctx context.Context, platform, platformID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM platform_sessions WHERE platform = ? AND platform_id = ?;
	`, platform, platformID)
	if err != nil {
		return false, fmt.Errorf("unbind session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unbind rows affected: %w", err)
	}
	return affected > 0, nil
}

// Session is one platform binding of an account.
type Session struct {
	Platform   string
	PlatformID string
}

// SessionsForAccount lists every platform binding of an account. Channels use
// it to push cross-platform sync notifications.
func (s *Store) SessionsForAccount(ctx context.Context, accountID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, platform_id FROM platform_sessions WHERE account_id = ?;
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.Platform, &sess.PlatformID); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ResolveAccount returns the account bound to a platform identity, or
// ErrNotFound when the identity is not authenticated.
func (s *Store) ResolveAccount(ctx context.Context, platform, platformID string) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id FROM platform_sessions WHERE platform = ? AND platform_id = ?;
	`, platform, platformID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve account: %w", err)
	}
	return accountID, nil
}
