package persistence

import (
	"context"
	"fmt"
)

// AppendTurn appends one transcript row for an end user.
func (s *Store) AppendTurn(ctx context.Context, endUserID, actorRole, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (end_user_id, actor_role, content)
		VALUES (?, ?, ?)`,
		endUserID, actorRole, content)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit of the newest transcript rows for an end
// user, ordered oldest first so they can be rendered as a conversation.
func (s *Store) RecentTurns(ctx context.Context, endUserID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, end_user_id, actor_role, content, created_at
		FROM conversation_turns
		WHERE end_user_id = ?
		ORDER BY id DESC
		LIMIT ?`, endUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent turns: %w", err)
	}
	defer rows.Close()

	var newest []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.EndUserID, &t.ActorRole, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		newest = append(newest, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent turns: %w", err)
	}

	for i, j := 0, len(newest)-1; i < j; i, j = i+1, j-1 {
		newest[i], newest[j] = newest[j], newest[i]
	}
	return newest, nil
}
