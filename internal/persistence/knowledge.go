package persistence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// KnowledgeChunk is one embedded passage of a tenant's knowledge corpus.
type KnowledgeChunk struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Content    string    `json:"content"`
	SourceName string    `json:"source_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// KnowledgeMatch is a similarity search hit.
type KnowledgeMatch struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// InsertKnowledgeChunk stores one embedded chunk for a tenant.
func (s *Store) InsertKnowledgeChunk(ctx context.Context, tenantID, content, sourceName string, embedding Vector) (string, error) {
	raw, err := marshalVector(embedding)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_chunks (id, tenant_id, content, embedding, source_name)
		VALUES (?, ?, ?, ?, ?)`,
		id, tenantID, content, raw, sourceName)
	if err != nil {
		return "", fmt.Errorf("insert knowledge chunk: %w", err)
	}
	return id, nil
}

// CountKnowledgeChunks reports the corpus size for a tenant.
func (s *Store) CountKnowledgeChunks(ctx context.Context, tenantID string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_chunks WHERE tenant_id = ?`, tenantID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count knowledge chunks: %w", err)
	}
	return n, nil
}

// SearchKnowledge runs a tenant-scoped cosine similarity search over the
// knowledge corpus, returning at most limit matches at or above threshold,
// best first.
func (s *Store) SearchKnowledge(ctx context.Context, tenantID string, query Vector, threshold float64, limit int) ([]KnowledgeMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, embedding
		FROM knowledge_chunks WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	var matches []KnowledgeMatch
	for rows.Next() {
		var id, content, raw string
		if err := rows.Scan(&id, &content, &raw); err != nil {
			return nil, fmt.Errorf("scan knowledge chunk: %w", err)
		}
		emb, err := unmarshalVector(raw)
		if err != nil {
			return nil, fmt.Errorf("knowledge chunk %s: %w", id, err)
		}
		sim := CosineSimilarity(query, emb)
		if sim >= threshold {
			matches = append(matches, KnowledgeMatch{ID: id, Content: content, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
