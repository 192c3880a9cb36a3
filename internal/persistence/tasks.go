package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueTask inserts a pending task of the given kind and returns its id.
func (s *Store) EnqueueTask(ctx context.Context, kind, payload string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, payload, status) VALUES (?, ?, ?, ?)`,
		id, kind, payload, TaskStatusPending)
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

// ClaimNextPendingTask atomically moves the oldest pending task to
// processing and returns it. Returns (nil, nil) when nothing is pending.
func (s *Store) ClaimNextPendingTask(ctx context.Context) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, 3, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin task claim: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var t Task
		row := tx.QueryRowContext(ctx, `
			SELECT id, kind, payload, status, last_error, created_at, updated_at
			FROM tasks
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1`, TaskStatusPending)
		if err := row.Scan(&t.ID, &t.Kind, &t.Payload, &t.Status, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select pending task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?`,
			TaskStatusProcessing, t.ID, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		if n == 0 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit task claim: %w", err)
		}
		t.Status = TaskStatusProcessing
		claimed = &t
		return nil
	})
	return claimed, err
}

// CompleteTask marks a task complete and clears any previous error.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_error = '', updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		TaskStatusComplete, id)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return requireRow(res, id)
}

// FailTask terminally fails a task, recording the reason.
func (s *Store) FailTask(ctx context.Context, id, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		TaskStatusFailed, lastError, id)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update task %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, status, last_error, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	if err := row.Scan(&t.ID, &t.Kind, &t.Payload, &t.Status, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// TasksByKind lists tasks of one kind, oldest first.
func (s *Store) TasksByKind(ctx context.Context, kind string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, status, last_error, created_at, updated_at
		FROM tasks WHERE kind = ? ORDER BY created_at ASC, id ASC`, kind)
	if err != nil {
		return nil, fmt.Errorf("list tasks by kind: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Kind, &t.Payload, &t.Status, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RequeueStaleTasks returns tasks stuck in processing for longer than
// olderThan back to pending.
func (s *Store) RequeueStaleTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status = ?
		  AND updated_at <= datetime('now', '-' || ? || ' seconds')`,
		TaskStatusPending, TaskStatusProcessing, int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	return n, nil
}
