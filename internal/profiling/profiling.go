// Package profiling runs the run_profiling_analysis lane: it turns a
// conversation excerpt into canonical tags and bumps the end user's
// interest scores.
package profiling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/concierge/internal/persistence"
	"github.com/basket/concierge/internal/tagging"
)

// Profiler executes profiling tasks.
type Profiler struct {
	store      *persistence.Store
	reconciler *tagging.Reconciler
	log        *slog.Logger
}

func New(store *persistence.Store, reconciler *tagging.Reconciler, log *slog.Logger) *Profiler {
	if log == nil {
		log = slog.Default()
	}
	return &Profiler{store: store, reconciler: reconciler, log: log}
}

// Run handles one run_profiling_analysis task payload.
func (p *Profiler) Run(ctx context.Context, payload string) error {
	var tp TaskPayload
	if err := json.Unmarshal([]byte(payload), &tp); err != nil {
		return fmt.Errorf("decode profiling payload: %w", err)
	}
	if err := tp.Validate(); err != nil {
		return err
	}

	segments := make([]string, 0, 2)
	if h := strings.TrimSpace(tp.History); h != "" {
		segments = append(segments, h)
	}
	if s := strings.TrimSpace(tp.Summary); s != "" {
		segments = append(segments, s)
	} else {
		segments = append(segments, tp.Message)
	}
	source := strings.Join(segments, "\n")

	tagIDs, err := p.reconciler.Reconcile(ctx, tp.TenantID, source)
	if err != nil {
		return fmt.Errorf("reconcile tags: %w", err)
	}
	if len(tagIDs) == 0 {
		p.log.Info("profiling produced no tags", "end_user_id", tp.EndUserID)
		return nil
	}

	if err := p.store.IncrementInterestScores(ctx, tp.EndUserID, tagIDs); err != nil {
		return err
	}
	p.log.Info("interest scores updated", "end_user_id", tp.EndUserID, "tags", len(tagIDs))
	return nil
}
