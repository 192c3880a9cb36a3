// Package llm holds the outbound AI gateways: text generation through
// genkit (Gemini), schema-constrained structured generation with bounded
// repair retries, and text embeddings through the OpenAI API.
package llm

import (
	"context"
	"encoding/json"

	"github.com/basket/concierge/internal/persistence"
)

// Generator produces model text. Structured generation validates the output
// against a compiled JSON Schema and retries with repair feedback before
// giving up.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
	GenerateStructured(ctx context.Context, system, prompt string, v *Validator) (json.RawMessage, error)
}

// Embedder turns text into vectors compatible with the store's similarity
// search.
type Embedder interface {
	Embed(ctx context.Context, text string) (persistence.Vector, error)
	EmbedBatch(ctx context.Context, texts []string) ([]persistence.Vector, error)
}
