package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tag is a canonical, tenant-scoped interest tag. Names are stored
// lower-cased and are unique per tenant.
type Tag struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TagMatch is a similarity search hit against the tag set.
type TagMatch struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// InterestScore is an end user's accumulated affinity for one tag.
type InterestScore struct {
	EndUserID string `json:"end_user_id"`
	TagID     string `json:"tag_id"`
	Score     int    `json:"score"`
}

// CreateTag inserts a canonical tag with its embedding. The name is
// lower-cased before insert. If another writer created the same name first,
// the existing row is returned instead of an error.
func (s *Store) CreateTag(ctx context.Context, tenantID, name string, embedding Vector) (*Tag, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("create tag: empty name")
	}
	raw, err := marshalVector(embedding)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO canonical_tags (id, tenant_id, name, embedding)
		VALUES (?, ?, ?, ?)`,
		id, tenantID, name, raw)
	if err != nil {
		if isUniqueViolation(err) {
			return s.tagByName(ctx, tenantID, name)
		}
		return nil, fmt.Errorf("create tag: %w", err)
	}
	return &Tag{ID: id, TenantID: tenantID, Name: name}, nil
}

func (s *Store) tagByName(ctx context.Context, tenantID, name string) (*Tag, error) {
	var t Tag
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, created_at
		FROM canonical_tags WHERE tenant_id = ? AND name = ?`,
		tenantID, name)
	if err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("get tag by name: %w", err)
	}
	return &t, nil
}

// TagsForTenant returns the tenant's full tag set.
func (s *Store) TagsForTenant(ctx context.Context, tenantID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, created_at
		FROM canonical_tags WHERE tenant_id = ? ORDER BY name ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SearchTags runs a tenant-scoped cosine similarity search over the tag set,
// returning at most limit matches at or above floor, best first.
func (s *Store) SearchTags(ctx context.Context, tenantID string, query Vector, floor float64, limit int) ([]TagMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, embedding
		FROM canonical_tags WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("search tags: %w", err)
	}
	defer rows.Close()

	var matches []TagMatch
	for rows.Next() {
		var id, name, raw string
		if err := rows.Scan(&id, &name, &raw); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		emb, err := unmarshalVector(raw)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", id, err)
		}
		sim := CosineSimilarity(query, emb)
		if sim >= floor {
			matches = append(matches, TagMatch{ID: id, Name: name, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search tags: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// IncrementInterestScores bumps the end user's score by one for each tag id.
func (s *Store) IncrementInterestScores(ctx context.Context, endUserID string, tagIDs []string) error {
	for _, tagID := range tagIDs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO interest_scores (end_user_id, tag_id, score)
			VALUES (?, ?, 1)
			ON CONFLICT (end_user_id, tag_id)
			DO UPDATE SET score = score + 1, updated_at = CURRENT_TIMESTAMP`,
			endUserID, tagID)
		if err != nil {
			return fmt.Errorf("increment interest score for tag %s: %w", tagID, err)
		}
	}
	return nil
}

// InterestScores returns the end user's scores, highest first.
func (s *Store) InterestScores(ctx context.Context, endUserID string) ([]InterestScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT end_user_id, tag_id, score
		FROM interest_scores WHERE end_user_id = ?
		ORDER BY score DESC, tag_id ASC`, endUserID)
	if err != nil {
		return nil, fmt.Errorf("list interest scores: %w", err)
	}
	defer rows.Close()

	var out []InterestScore
	for rows.Next() {
		var sc InterestScore
		if err := rows.Scan(&sc.EndUserID, &sc.TagID, &sc.Score); err != nil {
			return nil, fmt.Errorf("scan interest score: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
