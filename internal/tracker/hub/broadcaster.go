package hub

import (
	"context"
	"time"

	"bustrack/internal/shared/metrics"
	"bustrack/internal/shared/util"
	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/stream"
)

// Broadcaster converts change-stream events into per-socket deliveries.
// All change-driven bus:* traffic flows through here; write paths never talk
// to sockets. The one other bus:status, the entry snapshot answering
// subscribe:bus, is sent by the passenger handler.
type Broadcaster struct {
	reg     *Registry
	hub     *stream.Hub
	log     *util.Logger
	metrics *metrics.Collector

	events      <-chan domain.BusChanged
	unsubscribe func()
}

// NewBroadcaster subscribes to the change stream immediately, so events
// published after it returns are delivered once Run is consuming.
func NewBroadcaster(reg *Registry, hub *stream.Hub, log *util.Logger, m *metrics.Collector) *Broadcaster {
	events, unsubscribe := hub.Subscribe()
	return &Broadcaster{reg: reg, hub: hub, log: log, metrics: m, events: events, unsubscribe: unsubscribe}
}

// Run consumes the change stream until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	defer b.unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.events:
			if !ok {
				return
			}
			b.dispatch(ev)
		}
	}
}

func (b *Broadcaster) dispatch(ev domain.BusChanged) {
	env := Envelope{BusID: ev.BusID, Kind: ev.Kind}

	switch ev.Kind {
	case domain.ChangeUpdate:
		if ev.Snapshot.Location == nil {
			return
		}
		env.Payload = domain.BusUpdatePayload{
			Type:         "bus:update",
			BusID:        ev.BusID,
			RouteID:      ev.Snapshot.RouteID,
			Location:     *ev.Snapshot.Location,
			SpeedKmh:     ev.Snapshot.SpeedKmh,
			Heading:      ev.Snapshot.Heading,
			LastUpdateAt: ev.Snapshot.LastUpdateAt,
			Timestamp:    time.Now().UTC(),
		}
	case domain.ChangeStatus, domain.ChangeStale:
		env.Payload = domain.BusStatusPayload{
			Type:         "bus:status",
			BusID:        ev.BusID,
			RouteID:      ev.Snapshot.RouteID,
			Online:       ev.Snapshot.Online,
			Status:       ev.Snapshot.Status,
			Reason:       ev.Reason,
			LastOnlineAt: ev.Snapshot.LastOnlineAt,
			LastUpdateAt: ev.Snapshot.LastUpdateAt,
			Timestamp:    time.Now().UTC(),
		}
	default:
		return
	}

	b.deliver([]string{BusGroup(ev.BusID), RouteGroup(ev.Snapshot.RouteID)}, env)
}

// Deliver is the public delivery path for events that do not traverse the
// store's change stream (ETA updates).
func (b *Broadcaster) Deliver(groups []string, busID string, payload interface{}) {
	b.deliver(groups, Envelope{BusID: busID, Kind: kindETA, Payload: payload})
}

func (b *Broadcaster) deliver(groups []string, env Envelope) {
	for _, s := range b.reg.Sockets(groups...) {
		if s.Enqueue(env) && b.metrics != nil {
			b.metrics.BroadcastsDelivered.Inc()
		}
	}
	if b.metrics != nil {
		b.metrics.Subscriptions.Set(float64(b.reg.Count()))
	}
}
