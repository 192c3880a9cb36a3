package dispatch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/concierge/internal/dispatch"
	"github.com/basket/concierge/internal/outbound"
	"github.com/basket/concierge/internal/persistence"
)

type fakeConversation struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (f *fakeConversation) HandleUserMessage(_ context.Context, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return f.err
}

type fakeProfiler struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeProfiler) Run(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type fakeSender struct {
	mu        sync.Mutex
	routingID string
	token     string
	envelope  json.RawMessage
	calls     int
}

func (f *fakeSender) Send(_ context.Context, routingID, accessToken string, envelope json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.routingID = routingID
	f.token = accessToken
	f.envelope = envelope
	return nil
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// waitFor polls cond until it reports true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatcherRoutesEventsToTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	inboundID, err := store.InsertEvent(ctx, persistence.EventKindNewInboundMessage, `{"inbound": true}`)
	if err != nil {
		t.Fatalf("insert inbound event: %v", err)
	}
	outboundID, err := store.InsertEvent(ctx, persistence.EventKindSendOutboundMessage, `{"outbound": true}`)
	if err != nil {
		t.Fatalf("insert outbound event: %v", err)
	}

	d := dispatch.NewDispatcher(store, dispatch.DispatcherConfig{PollInterval: 10 * time.Millisecond}, nil, nil)
	d.Start(ctx)
	defer d.Stop()

	waitFor(t, "events routed", func() bool {
		a, err1 := store.GetEvent(ctx, inboundID)
		b, err2 := store.GetEvent(ctx, outboundID)
		return err1 == nil && err2 == nil &&
			a.Status == persistence.EventStatusDone && b.Status == persistence.EventStatusDone
	})

	conv, err := store.TasksByKind(ctx, persistence.TaskKindHandleUserMessage)
	if err != nil {
		t.Fatalf("list conversation tasks: %v", err)
	}
	if len(conv) != 1 || conv[0].Payload != `{"inbound": true}` {
		t.Fatalf("unexpected conversation tasks %+v", conv)
	}
	sends, err := store.TasksByKind(ctx, persistence.TaskKindExecuteChannelSend)
	if err != nil {
		t.Fatalf("list send tasks: %v", err)
	}
	if len(sends) != 1 || sends[0].Payload != `{"outbound": true}` {
		t.Fatalf("unexpected send tasks %+v", sends)
	}
}

func TestDispatcherFailsUnroutableKind(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertEvent(ctx, "mystery_event", `{}`)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}

	d := dispatch.NewDispatcher(store, dispatch.DispatcherConfig{PollInterval: 10 * time.Millisecond}, nil, nil)
	d.Start(ctx)
	defer d.Stop()

	waitFor(t, "event failed", func() bool {
		ev, err := store.GetEvent(ctx, id)
		return err == nil && ev.Status == persistence.EventStatusFailed
	})

	for _, kind := range []string{
		persistence.TaskKindHandleUserMessage,
		persistence.TaskKindExecuteChannelSend,
		persistence.TaskKindRunProfilingAnalysis,
	} {
		tasks, err := store.TasksByKind(ctx, kind)
		if err != nil {
			t.Fatalf("list %s tasks: %v", kind, err)
		}
		if len(tasks) != 0 {
			t.Fatalf("unroutable event produced %s task", kind)
		}
	}
}

func TestPoolCompletesConversationTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv := &fakeConversation{}

	id, err := store.EnqueueTask(ctx, persistence.TaskKindHandleUserMessage, `{"hello": 1}`)
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	p := dispatch.NewPool(store, conv, &fakeProfiler{}, &fakeSender{}, dispatch.WorkerConfig{
		Count:        2,
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	p.Start(ctx)
	defer p.Stop()

	waitFor(t, "task complete", func() bool {
		task, err := store.GetTask(ctx, id)
		return err == nil && task.Status == persistence.TaskStatusComplete
	})

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if len(conv.payloads) != 1 || conv.payloads[0] != `{"hello": 1}` {
		t.Fatalf("handler saw payloads %v", conv.payloads)
	}
}

func TestPoolFailsTaskAndRecordsError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv := &fakeConversation{err: fmt.Errorf("assembler unavailable")}

	id, err := store.EnqueueTask(ctx, persistence.TaskKindHandleUserMessage, `{}`)
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	p := dispatch.NewPool(store, conv, &fakeProfiler{}, &fakeSender{}, dispatch.WorkerConfig{
		Count:        1,
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	p.Start(ctx)
	defer p.Stop()

	waitFor(t, "task failed", func() bool {
		task, err := store.GetTask(ctx, id)
		return err == nil && task.Status == persistence.TaskStatusFailed
	})

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !strings.Contains(task.LastError, "assembler unavailable") {
		t.Fatalf("last_error %q missing handler error", task.LastError)
	}
}

func TestPoolFailsUnknownTaskKind(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueTask(ctx, "transmogrify", `{}`)
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	p := dispatch.NewPool(store, &fakeConversation{}, &fakeProfiler{}, &fakeSender{}, dispatch.WorkerConfig{
		Count:        1,
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	p.Start(ctx)
	defer p.Stop()

	waitFor(t, "unknown kind failed", func() bool {
		task, err := store.GetTask(ctx, id)
		return err == nil && task.Status == persistence.TaskStatusFailed &&
			strings.Contains(task.LastError, "unknown task kind")
	})
}

func TestPoolChannelSendUsesTenantCredentials(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sender := &fakeSender{}

	tenantID, err := store.CreateTenant(ctx, persistence.Tenant{
		DisplayName:        "Cafe",
		ChannelRoutingID:   "10000001",
		ChannelAccessToken: "token-abc",
	})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	envelope, err := outbound.TextEnvelope("15551112222", "order ready")
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	payload, _ := json.Marshal(outbound.SendPayload{
		Data: envelope,
		Config: outbound.SendConfig{
			Channel:  outbound.ChannelWhatsApp,
			TenantID: tenantID,
		},
	})

	id, err := store.EnqueueTask(ctx, persistence.TaskKindExecuteChannelSend, string(payload))
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	p := dispatch.NewPool(store, &fakeConversation{}, &fakeProfiler{}, sender, dispatch.WorkerConfig{
		Count:        1,
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	p.Start(ctx)
	defer p.Stop()

	waitFor(t, "send task complete", func() bool {
		task, err := store.GetTask(ctx, id)
		return err == nil && task.Status == persistence.TaskStatusComplete
	})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.calls != 1 {
		t.Fatalf("expected 1 delivery, got %d", sender.calls)
	}
	if sender.routingID != "10000001" || sender.token != "token-abc" {
		t.Fatalf("wrong credentials: routing %q token %q", sender.routingID, sender.token)
	}
	if string(sender.envelope) != string(envelope) {
		t.Fatalf("envelope mutated in transit: %s", sender.envelope)
	}
}

func TestPoolSkipsUnsupportedChannel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sender := &fakeSender{}

	payload, _ := json.Marshal(outbound.SendPayload{
		Data:   json.RawMessage(`{"body": "hi"}`),
		Config: outbound.SendConfig{Channel: "carrier_pigeon", TenantID: "t1"},
	})
	id, err := store.EnqueueTask(ctx, persistence.TaskKindExecuteChannelSend, string(payload))
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	p := dispatch.NewPool(store, &fakeConversation{}, &fakeProfiler{}, sender, dispatch.WorkerConfig{
		Count:        1,
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	p.Start(ctx)
	defer p.Stop()

	waitFor(t, "skip complete", func() bool {
		task, err := store.GetTask(ctx, id)
		return err == nil && task.Status == persistence.TaskStatusComplete
	})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.calls != 0 {
		t.Fatalf("unsupported channel must not reach the sender, got %d calls", sender.calls)
	}
}

func TestPoolFailsInvalidSendPayload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueTask(ctx, persistence.TaskKindExecuteChannelSend, `{"data": null, "config": {}}`)
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	p := dispatch.NewPool(store, &fakeConversation{}, &fakeProfiler{}, &fakeSender{}, dispatch.WorkerConfig{
		Count:        1,
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	p.Start(ctx)
	defer p.Stop()

	waitFor(t, "invalid payload failed", func() bool {
		task, err := store.GetTask(ctx, id)
		return err == nil && task.Status == persistence.TaskStatusFailed
	})
}

func TestReaperSweepRequeuesAbandonedRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	evID, err := store.InsertEvent(ctx, persistence.EventKindNewInboundMessage, `{}`)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	taskID, err := store.EnqueueTask(ctx, persistence.TaskKindHandleUserMessage, `{}`)
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	if ev, err := store.ClaimNextPendingEvent(ctx); err != nil || ev == nil {
		t.Fatalf("claim event: %v", err)
	}
	if task, err := store.ClaimNextPendingTask(ctx); err != nil || task == nil {
		t.Fatalf("claim task: %v", err)
	}
	for _, table := range []string{"events", "tasks"} {
		if _, err := store.DB().Exec(
			fmt.Sprintf(`UPDATE %s SET updated_at = datetime('now', '-10 minutes')`, table),
		); err != nil {
			t.Fatalf("backdate %s: %v", table, err)
		}
	}

	r, err := dispatch.NewReaper(store, dispatch.ReaperConfig{Staleness: 5 * time.Minute}, nil)
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	r.Sweep(ctx)

	ev, err := store.GetEvent(ctx, evID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Status != persistence.EventStatusPending {
		t.Fatalf("event not requeued: %s", ev.Status)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("task not requeued: %s", task.Status)
	}
}

func TestNewReaperRejectsBadSchedule(t *testing.T) {
	store := openTestStore(t)
	if _, err := dispatch.NewReaper(store, dispatch.ReaperConfig{Schedule: "every tuesday"}, nil); err == nil {
		t.Fatalf("expected parse error for bad schedule")
	}
}
