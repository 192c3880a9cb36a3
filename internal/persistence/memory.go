package persistence

import (
	"context"
	"fmt"
	"time"
)

// MemoryFact is one durable key/value fact about an end user.
type MemoryFact struct {
	ID        int64     `json:"id"`
	EndUserID string    `json:"end_user_id"`
	FactKey   string    `json:"fact_key"`
	FactValue string    `json:"fact_value"`
	CreatedAt time.Time `json:"created_at"`
}

// UpsertMemoryFact stores a fact, replacing any previous value for the key.
func (s *Store) UpsertMemoryFact(ctx context.Context, endUserID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_facts (end_user_id, fact_key, fact_value)
		VALUES (?, ?, ?)
		ON CONFLICT (end_user_id, fact_key)
		DO UPDATE SET fact_value = excluded.fact_value`,
		endUserID, key, value)
	if err != nil {
		return fmt.Errorf("upsert memory fact: %w", err)
	}
	return nil
}

// MemoryFacts returns up to limit facts for an end user, newest first.
func (s *Store) MemoryFacts(ctx context.Context, endUserID string, limit int) ([]MemoryFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, end_user_id, fact_key, fact_value, created_at
		FROM memory_facts
		WHERE end_user_id = ?
		ORDER BY id DESC
		LIMIT ?`, endUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memory facts: %w", err)
	}
	defer rows.Close()

	var out []MemoryFact
	for rows.Next() {
		var f MemoryFact
		if err := rows.Scan(&f.ID, &f.EndUserID, &f.FactKey, &f.FactValue, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
