package knowledge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/basket/concierge/internal/knowledge"
	"github.com/basket/concierge/internal/llm"
	"github.com/basket/concierge/internal/persistence"
)

type fakeGenerator struct {
	chunks []string
	err    error
}

func (f *fakeGenerator) Generate(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("not used")
}

func (f *fakeGenerator) GenerateStructured(context.Context, string, string, *llm.Validator) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	raw, _ := json.Marshal(f.chunks)
	return raw, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) (persistence.Vector, error) {
	return persistence.Vector{1, 0}, f.err
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]persistence.Vector, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]persistence.Vector, len(texts))
	for i := range texts {
		out[i] = persistence.Vector{1, 0}
	}
	return out, nil
}

func setup(t *testing.T, gen *fakeGenerator, embedder *fakeEmbedder) (*knowledge.Ingestor, *persistence.Store, string) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tenantID, err := store.CreateTenant(context.Background(), persistence.Tenant{
		DisplayName:      "Hardware Store",
		ChannelRoutingID: "15550000088",
	})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	ing, err := knowledge.NewIngestor(store, gen, embedder, nil)
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return ing, store, tenantID
}

func TestIngestStoresEmbeddedChunks(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{
		"We open weekdays 8am to 6pm.",
		"Paint returns accepted within 30 days with a receipt.",
	}}
	ing, store, tenantID := setup(t, gen, &fakeEmbedder{})
	ctx := context.Background()

	ids, err := ing.Ingest(ctx, tenantID, "store-policies.txt", "Opening hours... return policy...")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 chunk ids, got %d", len(ids))
	}

	n, err := store.CountKnowledgeChunks(ctx, tenantID)
	if err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 stored chunks, got %d", n)
	}

	matches, err := store.SearchKnowledge(ctx, tenantID, persistence.Vector{1, 0}, 0.5, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("stored chunks not searchable, got %d matches", len(matches))
	}
}

func TestIngestRejectsEmptyDocument(t *testing.T) {
	ing, _, tenantID := setup(t, &fakeGenerator{chunks: []string{"x"}}, &fakeEmbedder{})

	if _, err := ing.Ingest(context.Background(), tenantID, "empty.txt", "   \n  "); err == nil {
		t.Fatalf("expected error for empty document")
	}
}

func TestIngestErrorsWhenChunkingProducesNothing(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"", "   "}}
	ing, store, tenantID := setup(t, gen, &fakeEmbedder{})
	ctx := context.Background()

	if _, err := ing.Ingest(ctx, tenantID, "doc.txt", "some content"); err == nil {
		t.Fatalf("expected error when all chunks are blank")
	}

	n, err := store.CountKnowledgeChunks(ctx, tenantID)
	if err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if n != 0 {
		t.Fatalf("failed ingest must insert nothing, got %d", n)
	}
}

func TestIngestPropagatesChunkingFailure(t *testing.T) {
	gen := &fakeGenerator{err: fmt.Errorf("model unavailable")}
	ing, _, tenantID := setup(t, gen, &fakeEmbedder{})

	if _, err := ing.Ingest(context.Background(), tenantID, "doc.txt", "content"); err == nil {
		t.Fatalf("expected chunking error to propagate")
	}
}

func TestIngestInsertsNothingOnEmbedFailure(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"chunk one", "chunk two"}}
	ing, store, tenantID := setup(t, gen, &fakeEmbedder{err: fmt.Errorf("provider down")})
	ctx := context.Background()

	if _, err := ing.Ingest(ctx, tenantID, "doc.txt", "content"); err == nil {
		t.Fatalf("expected embed error to propagate")
	}

	n, err := store.CountKnowledgeChunks(ctx, tenantID)
	if err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if n != 0 {
		t.Fatalf("failed ingest must insert nothing, got %d", n)
	}
}
