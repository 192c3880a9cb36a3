// Package dispatch runs the engine's polling loops: the dispatcher that
// routes boundary events into tasks, the task worker pool, and the reaper
// that rescues rows abandoned mid-processing. The loops share no state;
// they coordinate only through the store's atomic claims.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/concierge/internal/persistence"
)

// DispatcherConfig tunes the event routing loop.
type DispatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Dispatcher claims pending events one at a time and routes them to task
// lanes. Unroutable kinds are failed terminally with no task.
type Dispatcher struct {
	store  *persistence.Store
	cfg    DispatcherConfig
	tracer trace.Tracer
	log    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(store *persistence.Store, cfg DispatcherConfig, tracer trace.Tracer, log *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{store: store, cfg: cfg, tracer: tracer, log: log}
}

func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.log.Info("dispatcher started", "poll_interval", d.cfg.PollInterval)
}

func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.log.Info("dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, err := d.store.ClaimNextPendingEvent(ctx)
		if err != nil {
			// Transient store errors must not kill the loop.
			d.log.Error("event claim failed", "error", err)
		}
		if err != nil || ev == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		d.route(ctx, ev)
	}
}

// route converts one claimed event into its task, or fails it terminally.
func (d *Dispatcher) route(ctx context.Context, ev *persistence.Event) {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "dispatch.route")
		span.SetAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.kind", ev.Kind),
		)
		defer span.End()
	}

	var taskKind string
	switch ev.Kind {
	case persistence.EventKindNewInboundMessage:
		taskKind = persistence.TaskKindHandleUserMessage
	case persistence.EventKindSendOutboundMessage:
		taskKind = persistence.TaskKindExecuteChannelSend
	default:
		d.log.Warn("unroutable event kind", "event_id", ev.ID, "kind", ev.Kind)
		if err := d.store.MarkEventFailed(ctx, ev.ID); err != nil {
			d.log.Error("mark event failed", "event_id", ev.ID, "error", err)
		}
		return
	}

	taskID, err := d.store.EnqueueTask(ctx, taskKind, ev.Payload)
	if err != nil {
		d.log.Error("task enqueue failed", "event_id", ev.ID, "error", err)
		return
	}
	if err := d.store.MarkEventDone(ctx, ev.ID); err != nil {
		d.log.Error("mark event done", "event_id", ev.ID, "error", err)
		return
	}
	d.log.Info("event routed", "event_id", ev.ID, "kind", ev.Kind, "task_id", taskID, "task_kind", taskKind)
}
