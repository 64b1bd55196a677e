package worker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"bustrack/internal/shared/geo"
	"bustrack/internal/shared/metrics"
	"bustrack/internal/shared/util"
	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/hub"
	"bustrack/internal/tracker/store"
	"bustrack/internal/tracker/stream"
)

// minSpeedKmh floors the smoothed speed so a crawling bus still gets a
// finite ETA.
const minSpeedKmh = 1.0

// ETAWorker periodically estimates arrival at the nearest stop for every
// online bus and broadcasts eta:update to its subscribers. Nearest-point
// snapping only; no map matching along the polyline.
type ETAWorker struct {
	store   store.Store
	caster  *hub.Broadcaster
	changes *stream.Hub
	log     *util.Logger
	metrics *metrics.Collector

	tick  time.Duration
	alpha float64

	mu       sync.Mutex
	smoothed map[string]float64 // busID -> EWMA speed km/h

	events      <-chan domain.BusChanged
	unsubscribe func()
}

// NewETAWorker subscribes to the change stream immediately, so stale
// demotions published after it returns are seen once Run is consuming.
func NewETAWorker(s store.Store, caster *hub.Broadcaster, changes *stream.Hub, log *util.Logger, m *metrics.Collector, tick time.Duration, alpha float64) *ETAWorker {
	events, unsubscribe := changes.Subscribe()
	return &ETAWorker{
		store:       s,
		caster:      caster,
		changes:     changes,
		log:         log,
		metrics:     m,
		tick:        tick,
		alpha:       alpha,
		smoothed:    make(map[string]float64),
		events:      events,
		unsubscribe: unsubscribe,
	}
}

// Run ticks until ctx is cancelled. Stale demotions observed on the change
// stream evict the bus's smoothed-speed state.
func (w *ETAWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	events := w.events
	defer w.unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind == domain.ChangeStale {
				w.evict(ev.BusID)
			}
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ETAWorker) evict(busID string) {
	w.mu.Lock()
	delete(w.smoothed, busID)
	w.mu.Unlock()
}

func (w *ETAWorker) sweep(ctx context.Context) {
	buses, err := w.store.ListOnline(ctx)
	if err != nil {
		w.log.Error("ETAWorker", "listing online buses failed, skipping tick", err)
		return
	}

	routes := make(map[string]*domain.Route)
	for _, bus := range buses {
		if bus.Location == nil || bus.RouteID == "" {
			continue
		}

		route, ok := routes[bus.RouteID]
		if !ok {
			route, err = w.store.GetRoute(ctx, bus.RouteID)
			if err != nil {
				w.log.Warn("ETAWorker", fmt.Sprintf("route %s not loadable for bus %s", bus.RouteID, bus.BusID))
				routes[bus.RouteID] = nil
				continue
			}
			routes[bus.RouteID] = route
		}
		if route == nil || len(route.Stops) == 0 {
			continue
		}

		if payload, ok := w.estimate(bus, route, time.Now().UTC()); ok {
			w.caster.Deliver(
				[]string{hub.BusGroup(bus.BusID), hub.RouteGroup(bus.RouteID)},
				bus.BusID, payload)
			if w.metrics != nil {
				w.metrics.ETAComputed.Inc()
			}
		}
	}
}

// estimate computes one eta:update payload. The closest stop by
// straight-line distance counts as the next stop, even when the bus has
// already passed it.
func (w *ETAWorker) estimate(bus domain.BusSnapshot, route *domain.Route, now time.Time) (domain.ETAPayload, bool) {
	stopPoints := make([]geo.Point, len(route.Stops))
	for i, s := range route.Stops {
		stopPoints[i] = s.Location
	}

	closest, distance := geo.ClosestIndex(*bus.Location, stopPoints)
	if closest < 0 {
		return domain.ETAPayload{}, false
	}
	next := route.Stops[closest]

	speed := w.smooth(bus.BusID, bus.SpeedKmh)

	etaMinutes := int(math.Ceil(distance / 1000 / (speed / 60)))
	if etaMinutes < 1 {
		etaMinutes = 1
	}

	progress := 0.0
	if len(route.Stops) > 1 {
		progress = float64(closest) / float64(len(route.Stops)-1)
	}

	return domain.ETAPayload{
		Type:    "eta:update",
		BusID:   bus.BusID,
		RouteID: bus.RouteID,
		NextStop: domain.NextStopInfo{
			StopID:         next.ID,
			Name:           next.Name,
			DistanceMeters: distance,
			ETAMinutes:     etaMinutes,
		},
		RouteProgress:    progress,
		EstimatedArrival: now.Add(time.Duration(etaMinutes) * time.Minute),
		Timestamp:        now,
	}, true
}

// smooth folds the current speed into the per-bus EWMA and returns the
// floored result.
func (w *ETAWorker) smooth(busID string, currentKmh float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev, ok := w.smoothed[busID]
	if !ok {
		prev = currentKmh
	}
	s := w.alpha*currentKmh + (1-w.alpha)*prev
	w.smoothed[busID] = s

	if s < minSpeedKmh {
		return minSpeedKmh
	}
	return s
}
