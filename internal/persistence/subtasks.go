package persistence

import (
	"context"
	"fmt"
)

// ListSubtasks returns the subtask texts of a task in insertion order.
func (s *Store) ListSubtasks(ctx context.Context, taskID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT text FROM subtasks WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query subtasks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		out = append(out, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subtask rows: %w", err)
	}
	return out, nil
}

// InsertSubtask adds a subtask under a current task. ErrAlreadyExists on a
// duplicate text, ErrNotFound when the parent task is gone (FK violation).
func (s *Store) InsertSubtask(ctx context.Context, taskID int64, text string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO subtasks (task_id, text) VALUES (?, ?);
		`, taskID, text)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("insert subtask: %w", err)
		}
		return nil
	})
}

// DeleteSubtask removes one subtask by text.
func (s *Store) DeleteSubtask(ctx context.Context, taskID int64, text string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM subtasks WHERE task_id = ? AND text = ?;
		`, taskID, text)
		if err != nil {
			return fmt.Errorf("delete subtask: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete subtask rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RenameSubtask replaces a subtask's text. ErrNotFound when the old text is
// absent, ErrAlreadyExists when the new text collides with a sibling.
func (s *Store) RenameSubtask(ctx context.Context, taskID int64, oldText, newText string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE subtasks SET text = ? WHERE task_id = ? AND text = ?;
		`, newText, taskID, oldText)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("rename subtask: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rename subtask rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
