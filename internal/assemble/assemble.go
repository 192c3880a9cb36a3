// Package assemble gathers the conversational context for one inbound
// message: recent transcript history, long-term memory facts, and knowledge
// retrieved by embedding a refined search query.
package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/basket/concierge/internal/llm"
	"github.com/basket/concierge/internal/persistence"
)

// Config bounds what the assembler gathers.
type Config struct {
	HistoryLimit       int     `yaml:"history_limit"`
	MemoryLimit        int     `yaml:"memory_limit"`
	KnowledgeTopK      int     `yaml:"knowledge_top_k"`
	KnowledgeThreshold float64 `yaml:"knowledge_threshold"`
}

// DefaultConfig mirrors the production retrieval settings.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:       8,
		MemoryLimit:        10,
		KnowledgeTopK:      3,
		KnowledgeThreshold: 0.72,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = d.MemoryLimit
	}
	if c.KnowledgeTopK <= 0 {
		c.KnowledgeTopK = d.KnowledgeTopK
	}
	if c.KnowledgeThreshold <= 0 {
		c.KnowledgeThreshold = d.KnowledgeThreshold
	}
	return c
}

// Context is the gathered material for one turn.
type Context struct {
	History   []persistence.Turn
	Memory    []persistence.MemoryFact
	Knowledge []persistence.KnowledgeMatch
}

// Assembler gathers per-turn context from the store and the AI gateways.
type Assembler struct {
	store    *persistence.Store
	gen      llm.Generator
	embedder llm.Embedder
	cfg      atomic.Pointer[Config]
	log      *slog.Logger
}

func New(store *persistence.Store, gen llm.Generator, embedder llm.Embedder, cfg Config, log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	a := &Assembler{store: store, gen: gen, embedder: embedder, log: log}
	a.SetConfig(cfg)
	return a
}

// SetConfig swaps the retrieval bounds. Safe to call while Gather runs; the
// config watcher uses it for hot reload.
func (a *Assembler) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	a.cfg.Store(&cfg)
}

// Gather collects history, memory and knowledge for the end user's latest
// message. History and memory failures are hard errors; knowledge retrieval
// degrades to an empty group with a warning so a flaky embedding provider
// cannot take down the conversation.
func (a *Assembler) Gather(ctx context.Context, tenant *persistence.Tenant, endUserID, message string) (*Context, error) {
	cfg := *a.cfg.Load()

	history, err := a.store.RecentTurns(ctx, endUserID, cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("gather history: %w", err)
	}

	memory, err := a.store.MemoryFacts(ctx, endUserID, cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("gather memory: %w", err)
	}

	out := &Context{History: history, Memory: memory}

	knowledge, err := a.retrieveKnowledge(ctx, tenant, history, message)
	if err != nil {
		a.log.Warn("knowledge retrieval degraded",
			"tenant_id", tenant.ID, "end_user_id", endUserID, "error", err)
	} else {
		out.Knowledge = knowledge
	}
	return out, nil
}

func (a *Assembler) retrieveKnowledge(ctx context.Context, tenant *persistence.Tenant, history []persistence.Turn, message string) ([]persistence.KnowledgeMatch, error) {
	cfg := *a.cfg.Load()
	query := a.refineQuery(ctx, tenant, history, message)

	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed search query: %w", err)
	}

	matches, err := a.store.SearchKnowledge(ctx, tenant.ID, vec, cfg.KnowledgeThreshold, cfg.KnowledgeTopK)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	return matches, nil
}

// refineQuery turns the raw message into a dense retrieval query using the
// recent conversation for disambiguation. Any failure falls back to the raw
// message.
func (a *Assembler) refineQuery(ctx context.Context, tenant *persistence.Tenant, history []persistence.Turn, message string) string {
	var b strings.Builder
	b.WriteString("Rewrite the customer's latest message as a short, self-contained search query ")
	b.WriteString("for the business knowledge base. Resolve pronouns and vague references using the ")
	b.WriteString("conversation. Reply with the query text only.\n\n")
	fmt.Fprintf(&b, "Business: %s\n\n", tenant.DisplayName)
	if len(history) > 0 {
		b.WriteString("Conversation:\n")
		b.WriteString(RenderHistory(history))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Latest message: %s", message)

	refined, err := a.gen.Generate(ctx, "", b.String())
	if err != nil {
		a.log.Warn("query refinement failed, using raw message", "tenant_id", tenant.ID, "error", err)
		return message
	}
	refined = strings.TrimSpace(refined)
	if refined == "" {
		return message
	}
	return refined
}

// RenderHistory formats turns as a readable transcript, oldest first.
func RenderHistory(turns []persistence.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		role := "Customer"
		if t.ActorRole == persistence.RoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, t.Content)
	}
	return b.String()
}

// RenderMemory formats memory facts as bullet lines.
func RenderMemory(facts []persistence.MemoryFact) string {
	var b strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s: %s\n", f.FactKey, f.FactValue)
	}
	return b.String()
}

// RenderKnowledge formats retrieved chunks as bullet lines.
func RenderKnowledge(matches []persistence.KnowledgeMatch) string {
	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	return b.String()
}
