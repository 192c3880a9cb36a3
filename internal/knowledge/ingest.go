// Package knowledge ingests raw documents into a tenant's searchable
// corpus: a generative pass splits the document into self-contained
// semantic chunks, the chunks are batch-embedded, and the rows inserted.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/concierge/internal/llm"
	"github.com/basket/concierge/internal/persistence"
)

const chunkSchema = `{
	"type": "array",
	"items": {"type": "string", "minLength": 1}
}`

// Ingestor splits, embeds and stores tenant knowledge.
type Ingestor struct {
	store     *persistence.Store
	gen       llm.Generator
	embedder  llm.Embedder
	validator *llm.Validator
	log       *slog.Logger
}

func NewIngestor(store *persistence.Store, gen llm.Generator, embedder llm.Embedder, log *slog.Logger) (*Ingestor, error) {
	v, err := llm.NewValidator(json.RawMessage(chunkSchema), 0)
	if err != nil {
		return nil, fmt.Errorf("compile chunk schema: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{store: store, gen: gen, embedder: embedder, validator: v, log: log}, nil
}

// Ingest chunks and stores one document for a tenant, returning the new
// chunk ids. Nothing is inserted unless chunking and embedding both
// succeed for the whole document.
func (i *Ingestor) Ingest(ctx context.Context, tenantID, sourceName, document string) ([]string, error) {
	document = strings.TrimSpace(document)
	if document == "" {
		return nil, fmt.Errorf("ingest: empty document")
	}

	chunks, err := i.chunk(ctx, document)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("ingest: chunking produced nothing")
	}

	vecs, err := i.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}

	ids := make([]string, 0, len(chunks))
	for idx, content := range chunks {
		id, err := i.store.InsertKnowledgeChunk(ctx, tenantID, content, sourceName, vecs[idx])
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	i.log.Info("document ingested", "tenant_id", tenantID, "source", sourceName, "chunks", len(ids))
	return ids, nil
}

func (i *Ingestor) chunk(ctx context.Context, document string) ([]string, error) {
	prompt := fmt.Sprintf(
		"Split the document below into self-contained knowledge chunks. Each chunk must make "+
			"sense on its own, carry one topic, and preserve every concrete fact (names, prices, "+
			"hours, policies). Do not summarize away details.\n\nDocument:\n%s", document)

	doc, err := i.gen.GenerateStructured(ctx, "", prompt, i.validator)
	if err != nil {
		return nil, fmt.Errorf("chunk document: %w", err)
	}

	var raw []string
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("decode chunks: %w", err)
	}

	var chunks []string
	for _, c := range raw {
		if c = strings.TrimSpace(c); c != "" {
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}
