package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertTask adds a task to the account's current set.
// Returns ErrAlreadyExists when the same text is already present.
func (s *Store) InsertTask(ctx context.Context, accountID, text string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (account_id, text) VALUES (?, ?);
		`, accountID, text)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// DeleteTask removes a current task by text. Subtasks go with it via the
// ON DELETE CASCADE on subtasks.task_id.
func (s *Store) DeleteTask(ctx context.Context, accountID, text string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tasks WHERE account_id = ? AND text = ?;
		`, accountID, text)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CompleteTask moves a task from the current set to the completed set in one
// transaction. If the insert half fails the delete is rolled back, so the
// task is never lost.
func (s *Store) CompleteTask(ctx context.Context, accountID, text string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			DELETE FROM tasks WHERE account_id = ? AND text = ?;
		`, accountID, text)
		if err != nil {
			return fmt.Errorf("delete current task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO completed_tasks (account_id, text) VALUES (?, ?);
		`, accountID, text); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert completed task: %w", err)
		}
		return tx.Commit()
	})
}

// ListCurrentTasks returns the account's current task texts in insertion order.
func (s *Store) ListCurrentTasks(ctx context.Context, accountID string) ([]string, error) {
	return s.listTexts(ctx, `
		SELECT text FROM tasks WHERE account_id = ? ORDER BY id ASC;
	`, accountID)
}

// ListCompletedTasks returns the account's completed task texts in completion order.
func (s *Store) ListCompletedTasks(ctx context.Context, accountID string) ([]string, error) {
	return s.listTexts(ctx, `
		SELECT text FROM completed_tasks WHERE account_id = ? ORDER BY id ASC;
	`, accountID)
}

func (s *Store) listTexts(ctx context.Context, query, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// FindTask resolves a current task's ID by its display text.
func (s *Store) FindTask(ctx context.Context, accountID, text string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM tasks WHERE account_id = ? AND text = ?;
	`, accountID, text).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("find task: %w", err)
	}
	return id, nil
}

// TaskExists reports whether a current task with the given ID still exists.
// Dialog state references tasks by ID and must re-validate before every use.
func (s *Store) TaskExists(ctx context.Context, taskID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?;`, taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query task: %w", err)
	}
	return true, nil
}

// ReplaceAllTasks swaps the account's current and completed sets for the given
// snapshot in one transaction. Used by import; never partially applied.
func (s *Store) ReplaceAllTasks(ctx context.Context, accountID string, current, completed []string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replace tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Cascades into subtasks of the dropped tasks.
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE account_id = ?;`, accountID); err != nil {
			return fmt.Errorf("clear current tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM completed_tasks WHERE account_id = ?;`, accountID); err != nil {
			return fmt.Errorf("clear completed tasks: %w", err)
		}
		for _, text := range current {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO tasks (account_id, text) VALUES (?, ?);
			`, accountID, text); err != nil {
				return fmt.Errorf("insert imported task: %w", err)
			}
		}
		for _, text := range completed {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO completed_tasks (account_id, text) VALUES (?, ?);
			`, accountID, text); err != nil {
				return fmt.Errorf("insert imported completed task: %w", err)
			}
		}
		return tx.Commit()
	})
}

// PurgeCompletedBefore deletes completed tasks older than the cutoff.
// Retention sweep; returns the number of rows removed.
func (s *Store) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM completed_tasks WHERE completed_at < ?;
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge completed tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return affected, nil
}
