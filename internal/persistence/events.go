package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertEvent records a new boundary event in the pending state and returns
// its id.
func (s *Store) InsertEvent(ctx context.Context, kind, payload string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, payload, status) VALUES (?, ?, ?, ?)`,
		id, kind, payload, EventStatusPending)
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// ClaimNextPendingEvent atomically moves the oldest pending event to
// processing and returns it. Returns (nil, nil) when the queue is empty.
// The select and the conditional update run in one transaction so two
// pollers can never claim the same row.
func (s *Store) ClaimNextPendingEvent(ctx context.Context) (*Event, error) {
	var claimed *Event
	err := retryOnBusy(ctx, 3, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin event claim: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var ev Event
		row := tx.QueryRowContext(ctx, `
			SELECT id, kind, payload, status, created_at, updated_at
			FROM events
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1`, EventStatusPending)
		if err := row.Scan(&ev.ID, &ev.Kind, &ev.Payload, &ev.Status, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select pending event: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE events SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?`,
			EventStatusProcessing, ev.ID, EventStatusPending)
		if err != nil {
			return fmt.Errorf("claim event %s: %w", ev.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim event %s: %w", ev.ID, err)
		}
		if n == 0 {
			// Lost the race to another claimer.
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit event claim: %w", err)
		}
		ev.Status = EventStatusProcessing
		claimed = &ev
		return nil
	})
	return claimed, err
}

// MarkEventDone finalizes a routed event.
func (s *Store) MarkEventDone(ctx context.Context, id string) error {
	return s.setEventStatus(ctx, id, EventStatusDone)
}

// MarkEventFailed terminally fails an event, e.g. one with an unroutable kind.
func (s *Store) MarkEventFailed(ctx context.Context, id string) error {
	return s.setEventStatus(ctx, id, EventStatusFailed)
}

func (s *Store) setEventStatus(ctx context.Context, id string, status EventStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id)
	if err != nil {
		return fmt.Errorf("update event %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update event %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update event %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// GetEvent fetches a single event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	var ev Event
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, status, created_at, updated_at
		FROM events WHERE id = ?`, id)
	if err := row.Scan(&ev.ID, &ev.Kind, &ev.Payload, &ev.Status, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return &ev, nil
}

// RequeueStaleEvents returns events stuck in processing for longer than
// olderThan back to pending. Used by the reaper after a crashed worker.
func (s *Store) RequeueStaleEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status = ?
		  AND updated_at <= datetime('now', '-' || ? || ' seconds')`,
		EventStatusPending, EventStatusProcessing, int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("requeue stale events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale events: %w", err)
	}
	return n, nil
}
