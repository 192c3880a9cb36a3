package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/concierge/internal/persistence"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ReaperConfig tunes the stale-row sweep.
type ReaperConfig struct {
	// Schedule is a 5-field cron expression; default every minute.
	Schedule string `yaml:"schedule"`
	// Staleness is how long a row may sit in processing before it is
	// considered abandoned.
	Staleness time.Duration `yaml:"staleness"`
}

// Reaper returns events and tasks abandoned in the processing state to
// pending on a cron schedule. A row requeued while its original owner is
// still alive may run twice; the queue is at-least-once by design.
type Reaper struct {
	store     *persistence.Store
	sched     cronlib.Schedule
	staleness time.Duration
	log       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReaper(store *persistence.Store, cfg ReaperConfig, log *slog.Logger) (*Reaper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "* * * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", expr, err)
	}
	staleness := cfg.Staleness
	if staleness <= 0 {
		staleness = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{store: store, sched: sched, staleness: staleness, log: log}, nil
}

func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.log.Info("reaper started", "staleness", r.staleness)
}

func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		next := r.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one requeue pass over both queues.
func (r *Reaper) Sweep(ctx context.Context) {
	events, err := r.store.RequeueStaleEvents(ctx, r.staleness)
	if err != nil {
		r.log.Error("requeue stale events", "error", err)
	}
	tasks, err := r.store.RequeueStaleTasks(ctx, r.staleness)
	if err != nil {
		r.log.Error("requeue stale tasks", "error", err)
	}
	if events > 0 || tasks > 0 {
		r.log.Warn("stale rows requeued", "events", events, "tasks", tasks)
	}
}
