package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/concierge/internal/outbound"
	"github.com/basket/concierge/internal/persistence"
)

// ConversationHandler runs the handle_user_message workflow.
type ConversationHandler interface {
	HandleUserMessage(ctx context.Context, payload string) error
}

// ProfilingHandler runs the run_profiling_analysis lane.
type ProfilingHandler interface {
	Run(ctx context.Context, payload string) error
}

// ChannelSender delivers an envelope on behalf of a tenant's channel
// identity.
type ChannelSender interface {
	Send(ctx context.Context, routingID, accessToken string, envelope json.RawMessage) error
}

// WorkerConfig tunes the task worker pool.
type WorkerConfig struct {
	Count        int           `yaml:"count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
}

// Pool runs N identical task workers against the queue.
type Pool struct {
	store    *persistence.Store
	conv     ConversationHandler
	profiler ProfilingHandler
	sender   ChannelSender
	cfg      WorkerConfig
	tracer   trace.Tracer
	log      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(store *persistence.Store, conv ConversationHandler, profiler ProfilingHandler, sender ChannelSender, cfg WorkerConfig, tracer trace.Tracer, log *slog.Logger) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		store:    store,
		conv:     conv,
		profiler: profiler,
		sender:   sender,
		cfg:      cfg,
		tracer:   tracer,
		log:      log,
	}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
	p.log.Info("worker pool started", "count", p.cfg.Count, "task_timeout", p.cfg.TaskTimeout)
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.store.ClaimNextPendingTask(ctx)
		if err != nil {
			p.log.Error("task claim failed", "error", err)
		}
		if err != nil || task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		p.handleTask(ctx, task)
	}
}

func (p *Pool) handleTask(ctx context.Context, task *persistence.Task) {
	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	if p.tracer != nil {
		var span trace.Span
		taskCtx, span = p.tracer.Start(taskCtx, "worker.handle_task")
		span.SetAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.kind", task.Kind),
		)
		defer span.End()
	}

	p.log.Info("task processing", "task_id", task.ID, "kind", task.Kind)
	err := p.execute(taskCtx, task)
	if err != nil {
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("task timeout exceeded: %w", err)
		}
		p.log.Error("task failed", "task_id", task.ID, "kind", task.Kind, "error", err)
		// The outcome write must survive the task context's death.
		if ferr := p.store.FailTask(context.WithoutCancel(ctx), task.ID, err.Error()); ferr != nil {
			p.log.Error("record task failure", "task_id", task.ID, "error", ferr)
		}
		return
	}

	if cerr := p.store.CompleteTask(context.WithoutCancel(ctx), task.ID); cerr != nil {
		p.log.Error("record task completion", "task_id", task.ID, "error", cerr)
		return
	}
	p.log.Info("task complete", "task_id", task.ID, "kind", task.Kind)
}

func (p *Pool) execute(ctx context.Context, task *persistence.Task) error {
	switch task.Kind {
	case persistence.TaskKindHandleUserMessage:
		return p.conv.HandleUserMessage(ctx, task.Payload)
	case persistence.TaskKindExecuteChannelSend:
		return p.executeChannelSend(ctx, task.Payload)
	case persistence.TaskKindRunProfilingAnalysis:
		return p.profiler.Run(ctx, task.Payload)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (p *Pool) executeChannelSend(ctx context.Context, payload string) error {
	var sp outbound.SendPayload
	if err := json.Unmarshal([]byte(payload), &sp); err != nil {
		return fmt.Errorf("decode send payload: %w", err)
	}
	if err := sp.Validate(); err != nil {
		return err
	}

	if sp.Config.Channel != outbound.ChannelWhatsApp {
		// Unknown channels are a deliberate no-op so a bad config cannot
		// wedge the queue with retries.
		p.log.Warn("unsupported channel, skipping send", "channel", sp.Config.Channel)
		return nil
	}

	tenant, err := p.store.GetTenant(ctx, sp.Config.TenantID)
	if err != nil {
		return fmt.Errorf("resolve sending tenant: %w", err)
	}
	return p.sender.Send(ctx, tenant.ChannelRoutingID, tenant.ChannelAccessToken, sp.Data)
}
