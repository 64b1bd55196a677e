package worker

import (
	"context"
	"fmt"
	"time"

	"bustrack/internal/shared/metrics"
	"bustrack/internal/shared/util"
	"bustrack/internal/tracker/store"
)

// StaleWorker demotes buses that stopped reporting. It keeps the invariant
// that an online bus has been heard from within the stale window.
type StaleWorker struct {
	store   store.Store
	log     *util.Logger
	metrics *metrics.Collector

	window time.Duration
	tick   time.Duration
}

func NewStaleWorker(s store.Store, log *util.Logger, m *metrics.Collector, window, tick time.Duration) *StaleWorker {
	return &StaleWorker{store: s, log: log, metrics: m, window: window, tick: tick}
}

// Run ticks until ctx is cancelled. Cancellation stops at the next tick
// boundary, never mid-demotion.
func (w *StaleWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *StaleWorker) sweep(ctx context.Context) {
	buses, err := w.store.ListOnline(ctx)
	if err != nil {
		w.log.Error("StaleWorker", "listing online buses failed, skipping tick", err)
		return
	}

	cutoff := time.Now().UTC().Add(-w.window)
	for _, bus := range buses {
		if !bus.LastUpdateAt.Before(cutoff) {
			continue
		}
		// lastOnlineAt keeps the real wall-clock of the last life sign so
		// clients can render "minutes ago".
		if _, err := w.store.MarkStale(ctx, bus.BusID, bus.LastUpdateAt); err != nil {
			w.log.Error("StaleWorker", fmt.Sprintf("demoting bus %s failed", bus.BusID), err)
			continue
		}
		if w.metrics != nil {
			w.metrics.StaleDemotions.Inc()
		}
		w.log.Info("StaleWorker", fmt.Sprintf("bus %s demoted, silent since %s",
			bus.BusID, bus.LastUpdateAt.Format(time.RFC3339)))
	}
}
