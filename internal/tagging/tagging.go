// Package tagging reconciles free-form interest signals against a tenant's
// canonical tag set in three phases: candidate retrieval by similarity,
// generative refinement to a curated name list, and deduplicated creation
// of whatever the tenant does not have yet.
package tagging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/basket/concierge/internal/llm"
	"github.com/basket/concierge/internal/persistence"
)

// Config bounds candidate retrieval.
type Config struct {
	CandidateFloor float64 `yaml:"candidate_floor"`
	CandidateLimit int     `yaml:"candidate_limit"`
}

// DefaultConfig mirrors the production reconciliation settings.
func DefaultConfig() Config {
	return Config{CandidateFloor: 0.30, CandidateLimit: 10}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CandidateFloor <= 0 {
		c.CandidateFloor = d.CandidateFloor
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	return c
}

const refineSchema = `{
	"type": "array",
	"items": {"type": "string", "minLength": 1},
	"maxItems": 10
}`

// Reconciler maps conversation text to canonical tag ids.
type Reconciler struct {
	store     *persistence.Store
	gen       llm.Generator
	embedder  llm.Embedder
	validator *llm.Validator
	cfg       atomic.Pointer[Config]
	log       *slog.Logger
}

func New(store *persistence.Store, gen llm.Generator, embedder llm.Embedder, cfg Config, log *slog.Logger) (*Reconciler, error) {
	v, err := llm.NewValidator(json.RawMessage(refineSchema), 0)
	if err != nil {
		return nil, fmt.Errorf("compile tag schema: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Reconciler{
		store:     store,
		gen:       gen,
		embedder:  embedder,
		validator: v,
		log:       log,
	}
	r.SetConfig(cfg)
	return r, nil
}

// SetConfig swaps the candidate retrieval bounds. Safe to call while
// Reconcile runs; the config watcher uses it for hot reload.
func (r *Reconciler) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	r.cfg.Store(&cfg)
}

// Reconcile turns sourceText into the tenant's canonical tag ids. Existing
// tags are matched case-insensitively; names the refinement adds that the
// tenant lacks are created with fresh embeddings. Concurrent creation of the
// same name resolves through the store's uniqueness guarantee.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID, sourceText string) ([]string, error) {
	sourceText = strings.TrimSpace(sourceText)
	if sourceText == "" {
		return nil, fmt.Errorf("reconcile tags: empty source text")
	}

	candidates, err := r.candidateTags(ctx, tenantID, sourceText)
	if err != nil {
		return nil, err
	}

	names, err := r.refineNames(ctx, sourceText, candidates)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	return r.resolveNames(ctx, tenantID, names)
}

// candidateTags is phase 1: similarity search over the existing tag set.
// An empty tag set is normal for a young tenant, not an error.
func (r *Reconciler) candidateTags(ctx context.Context, tenantID, sourceText string) ([]persistence.TagMatch, error) {
	cfg := *r.cfg.Load()
	vec, err := r.embedder.Embed(ctx, sourceText)
	if err != nil {
		return nil, fmt.Errorf("embed tag source: %w", err)
	}
	matches, err := r.store.SearchTags(ctx, tenantID, vec, cfg.CandidateFloor, cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("search candidate tags: %w", err)
	}
	return matches, nil
}

// refineNames is phase 2: a generative pass that may keep, drop or add
// names, returning a curated lowercase list.
func (r *Reconciler) refineNames(ctx context.Context, sourceText string, candidates []persistence.TagMatch) ([]string, error) {
	var b strings.Builder
	b.WriteString("You curate interest tags for a business's customer profiles.\n")
	b.WriteString("Given the conversation excerpt and the candidate tags, return the 5-7 tags that best ")
	b.WriteString("describe the customer's interests. Prefer reusing candidates when they fit; add new ")
	b.WriteString("tags only when nothing fits. Tags are short lowercase noun phrases.\n\n")
	fmt.Fprintf(&b, "Conversation excerpt:\n%s\n\n", sourceText)
	if len(candidates) > 0 {
		b.WriteString("Candidate tags:\n")
		for _, c := range candidates {
			fmt.Fprintf(&b, "- %s\n", c.Name)
		}
	} else {
		b.WriteString("Candidate tags: none yet\n")
	}

	doc, err := r.gen.GenerateStructured(ctx, "", b.String(), r.validator)
	if err != nil {
		return nil, fmt.Errorf("refine tags: %w", err)
	}

	var raw []string
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("decode refined tags: %w", err)
	}

	seen := make(map[string]bool, len(raw))
	var names []string
	for _, n := range raw {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return names, nil
}

// resolveNames is phase 3: match names against the tenant's full tag set
// once, create the missing ones, and return the union of ids.
func (r *Reconciler) resolveNames(ctx context.Context, tenantID string, names []string) ([]string, error) {
	existing, err := r.store.TagsForTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant tags: %w", err)
	}
	byName := make(map[string]string, len(existing))
	for _, t := range existing {
		byName[strings.ToLower(t.Name)] = t.ID
	}

	var ids []string
	var missing []string
	for _, n := range names {
		if id, ok := byName[n]; ok {
			ids = append(ids, id)
		} else {
			missing = append(missing, n)
		}
	}
	if len(missing) == 0 {
		return ids, nil
	}

	vecs, err := r.embedder.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("embed new tags: %w", err)
	}
	for i, n := range missing {
		tag, err := r.store.CreateTag(ctx, tenantID, n, vecs[i])
		if err != nil {
			return nil, fmt.Errorf("create tag %q: %w", n, err)
		}
		r.log.Info("canonical tag created", "tenant_id", tenantID, "tag", tag.Name)
		ids = append(ids, tag.ID)
	}
	return ids, nil
}
