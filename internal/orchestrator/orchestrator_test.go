package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/concierge/internal/assemble"
	"github.com/basket/concierge/internal/llm"
	"github.com/basket/concierge/internal/orchestrator"
	"github.com/basket/concierge/internal/outbound"
	"github.com/basket/concierge/internal/persistence"
	"github.com/basket/concierge/internal/profiling"
)

type fakeGenerator struct {
	plan    *orchestrator.ActionPlan
	planErr error
}

func (f *fakeGenerator) Generate(context.Context, string, string) (string, error) {
	return "refined query", nil
}

func (f *fakeGenerator) GenerateStructured(context.Context, string, string, *llm.Validator) (json.RawMessage, error) {
	if f.planErr != nil {
		return nil, f.planErr
	}
	raw, _ := json.Marshal(f.plan)
	return raw, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) (persistence.Vector, error) {
	return persistence.Vector{1, 0, 0}, nil
}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]persistence.Vector, error) {
	out := make([]persistence.Vector, len(texts))
	for i := range texts {
		out[i] = persistence.Vector{1, 0, 0}
	}
	return out, nil
}

func setup(t *testing.T, gen *fakeGenerator) (*orchestrator.Orchestrator, *persistence.Store, string) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tenantID, err := store.CreateTenant(context.Background(), persistence.Tenant{
		DisplayName:      "Bike Shop",
		BehaviorPrompt:   "Mention the weekend discount when relevant.",
		ChannelRoutingID: "15550001111",
	})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	assembler := assemble.New(store, gen, fakeEmbedder{}, assemble.Config{}, nil)
	orch, err := orchestrator.New(store, gen, assembler, nil, nil)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch, store, tenantID
}

func inboundPayload(routingID, address, name, msgType, body string) string {
	raw, _ := json.Marshal(map[string]any{
		"tenant_routing_id": routingID,
		"contacts":          []map[string]string{{"address": address, "name": name}},
		"messages":          []map[string]string{{"type": msgType, "body": body}},
	})
	return string(raw)
}

func countTurns(t *testing.T, store *persistence.Store) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM conversation_turns`).Scan(&n); err != nil {
		t.Fatalf("count turns: %v", err)
	}
	return n
}

func countTasks(t *testing.T, store *persistence.Store, kind string) int {
	t.Helper()
	tasks, err := store.TasksByKind(context.Background(), kind)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return len(tasks)
}

func TestUnknownTenantAbortsWithoutSideEffects(t *testing.T) {
	gen := &fakeGenerator{plan: &orchestrator.ActionPlan{ResponseText: "hi"}}
	orch, store, tenantID := setup(t, gen)

	payload := inboundPayload("19990000000", "15551234567", "Dana", "text", "hello")
	if err := orch.HandleUserMessage(context.Background(), payload); err != nil {
		t.Fatalf("expected silent abort, got %v", err)
	}

	n, err := store.CountEndUsers(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("count end users: %v", err)
	}
	if n != 0 {
		t.Fatalf("abort must not create end users, got %d", n)
	}
	if got := countTasks(t, store, persistence.TaskKindExecuteChannelSend); got != 0 {
		t.Fatalf("abort must not enqueue tasks, got %d", got)
	}
	if got := countTurns(t, store); got != 0 {
		t.Fatalf("abort must not persist turns, got %d", got)
	}
}

func TestNonTextMessageAborts(t *testing.T) {
	gen := &fakeGenerator{plan: &orchestrator.ActionPlan{ResponseText: "hi"}}
	orch, store, tenantID := setup(t, gen)

	payload := inboundPayload("15550001111", "15551234567", "Dana", "image", "")
	if err := orch.HandleUserMessage(context.Background(), payload); err != nil {
		t.Fatalf("expected silent abort, got %v", err)
	}
	n, err := store.CountEndUsers(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("count end users: %v", err)
	}
	if n != 0 {
		t.Fatalf("non-text abort created %d end users", n)
	}
}

func TestMalformedPayloadAborts(t *testing.T) {
	gen := &fakeGenerator{plan: &orchestrator.ActionPlan{ResponseText: "hi"}}
	orch, _, _ := setup(t, gen)

	if err := orch.HandleUserMessage(context.Background(), `not json`); err != nil {
		t.Fatalf("expected silent abort, got %v", err)
	}
}

func TestFirstContactCreatesOneEndUser(t *testing.T) {
	gen := &fakeGenerator{plan: &orchestrator.ActionPlan{ResponseText: "welcome"}}
	orch, store, tenantID := setup(t, gen)
	ctx := context.Background()

	payload := inboundPayload("15550001111", "15551234567", "Dana", "text", "hi there")
	if err := orch.HandleUserMessage(ctx, payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := orch.HandleUserMessage(ctx, payload); err != nil {
		t.Fatalf("handle again: %v", err)
	}

	n, err := store.CountEndUsers(ctx, tenantID)
	if err != nil {
		t.Fatalf("count end users: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one end user, got %d", n)
	}
}

func TestPlanFailureLeavesNoTasksOrTurns(t *testing.T) {
	gen := &fakeGenerator{planErr: fmt.Errorf("model refused")}
	orch, store, _ := setup(t, gen)

	payload := inboundPayload("15550001111", "15551234567", "Dana", "text", "hello")
	if err := orch.HandleUserMessage(context.Background(), payload); err != nil {
		t.Fatalf("plan failure must abort silently, got %v", err)
	}
	if got := countTasks(t, store, persistence.TaskKindExecuteChannelSend); got != 0 {
		t.Fatalf("expected 0 send tasks, got %d", got)
	}
	if got := countTurns(t, store); got != 0 {
		t.Fatalf("expected 0 turns, got %d", got)
	}
}

func TestExecuteEnqueuesSendProfilingAndTurns(t *testing.T) {
	gen := &fakeGenerator{plan: &orchestrator.ActionPlan{
		ResponseText: "We have three road bikes in stock.",
		ToolCalls: []orchestrator.ToolCall{
			{Name: orchestrator.ToolQueueForProfiling, Arguments: json.RawMessage(`{"summary": "interested in road bikes"}`)},
		},
	}}
	orch, store, tenantID := setup(t, gen)
	ctx := context.Background()

	payload := inboundPayload("15550001111", "15551234567", "Dana", "text", "any road bikes?")
	if err := orch.HandleUserMessage(ctx, payload); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sends, err := store.TasksByKind(ctx, persistence.TaskKindExecuteChannelSend)
	if err != nil {
		t.Fatalf("list send tasks: %v", err)
	}
	if len(sends) != 1 {
		t.Fatalf("expected 1 send task, got %d", len(sends))
	}

	var sp outbound.SendPayload
	if err := json.Unmarshal([]byte(sends[0].Payload), &sp); err != nil {
		t.Fatalf("decode send payload: %v", err)
	}
	if sp.Config.Channel != outbound.ChannelWhatsApp || sp.Config.TenantID != tenantID {
		t.Fatalf("unexpected send config %+v", sp.Config)
	}
	var env struct {
		To   string `json:"to"`
		Text struct {
			Body string `json:"body"`
		} `json:"text"`
	}
	if err := json.Unmarshal(sp.Data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.To != "15551234567" || env.Text.Body != "We have three road bikes in stock." {
		t.Fatalf("unexpected envelope %+v", env)
	}

	if got := countTasks(t, store, persistence.TaskKindRunProfilingAnalysis); got != 1 {
		t.Fatalf("expected 1 profiling task, got %d", got)
	}

	if got := countTurns(t, store); got != 2 {
		t.Fatalf("expected 2 persisted turns, got %d", got)
	}
}

func TestProfilingPayloadCarriesHistory(t *testing.T) {
	gen := &fakeGenerator{plan: &orchestrator.ActionPlan{
		ResponseText: "Yes, two gravel bikes in stock.",
		ToolCalls: []orchestrator.ToolCall{
			{Name: orchestrator.ToolQueueForProfiling},
		},
	}}
	orch, store, tenantID := setup(t, gen)
	ctx := context.Background()

	first := inboundPayload("15550001111", "15551234567", "Dana", "text", "any road bikes?")
	if err := orch.HandleUserMessage(ctx, first); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	second := inboundPayload("15550001111", "15551234567", "Dana", "text", "do you sell gravel bikes?")
	if err := orch.HandleUserMessage(ctx, second); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	tasks, err := store.TasksByKind(ctx, persistence.TaskKindRunProfilingAnalysis)
	if err != nil {
		t.Fatalf("list profiling tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 profiling tasks, got %d", len(tasks))
	}

	var found *profiling.TaskPayload
	for i := range tasks {
		var tp profiling.TaskPayload
		if err := json.Unmarshal([]byte(tasks[i].Payload), &tp); err != nil {
			t.Fatalf("decode profiling payload: %v", err)
		}
		if tp.Message == "do you sell gravel bikes?" {
			found = &tp
		}
	}
	if found == nil {
		t.Fatalf("no profiling task for the second message")
	}
	if found.TenantID != tenantID {
		t.Fatalf("wrong tenant id %q", found.TenantID)
	}
	if !strings.Contains(found.History, "any road bikes?") ||
		!strings.Contains(found.History, "Yes, two gravel bikes in stock.") {
		t.Fatalf("payload history missing the first exchange: %q", found.History)
	}
}

func TestEmptyResponseSkipsSendAndTurns(t *testing.T) {
	gen := &fakeGenerator{plan: &orchestrator.ActionPlan{
		ResponseText: "",
		ToolCalls: []orchestrator.ToolCall{
			{Name: orchestrator.ToolRequestHumanIntervention},
		},
	}}
	orch, store, _ := setup(t, gen)

	payload := inboundPayload("15550001111", "15551234567", "Dana", "text", "complicated request")
	if err := orch.HandleUserMessage(context.Background(), payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := countTasks(t, store, persistence.TaskKindExecuteChannelSend); got != 0 {
		t.Fatalf("empty response must not enqueue sends, got %d", got)
	}
	if got := countTurns(t, store); got != 0 {
		t.Fatalf("empty response must not persist turns, got %d", got)
	}
}
