package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bustrack/internal/shared/apperrors"
	"bustrack/internal/shared/metrics"
	"bustrack/internal/shared/util"
	"bustrack/internal/shared/validation"
	"bustrack/internal/tracker/assignment"
	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/store"
	"bustrack/internal/tracker/throttle"
)

// Service orchestrates the driver and passenger ingress pipelines over the
// verifier, resolver, throttle and store. Handlers stay thin.
type Service struct {
	store    store.Store
	resolver *assignment.Resolver
	throttle *throttle.Throttle
	log      *util.Logger
	metrics  *metrics.Collector
}

func NewService(s store.Store, r *assignment.Resolver, t *throttle.Throttle, log *util.Logger, m *metrics.Collector) *Service {
	return &Service{store: s, resolver: r, throttle: t, log: log, metrics: m}
}

// Toggle handles driver:toggle. The change stream performs the external
// broadcast; the returned snapshot is the record as written and is not
// broadcast by the caller.
func (s *Service) Toggle(ctx context.Context, driverID, busID string, online bool, now time.Time) (*domain.Assignment, domain.BusSnapshot, error) {
	a, err := s.resolver.ResolveActive(ctx, driverID, busID, now)
	if err != nil {
		return nil, domain.BusSnapshot{}, err
	}

	snap, err := s.store.UpsertToggle(ctx, driverID, busID, a.RouteID, online, now)
	if err != nil {
		s.storeFailed("Toggle", err, func(ctx context.Context) error {
			_, rerr := s.store.UpsertToggle(ctx, driverID, busID, a.RouteID, online, now)
			return rerr
		})
		return nil, domain.BusSnapshot{}, err
	}
	return a, snap, nil
}

// MoveResult reports what happened to one driver:move sample.
type MoveResult struct {
	Accepted bool
	Snapshot domain.BusSnapshot
	RouteID  string
}

// Move handles driver:move. Samples failing the throttle are dropped
// silently: Accepted=false with a nil error means no acknowledgement and no
// error go back to the driver.
func (s *Service) Move(ctx context.Context, driverID, busID string, lng, lat, speedKmh, heading float64, clientTs, now time.Time) (MoveResult, error) {
	if !s.throttle.ShouldAccept(driverID, lng, lat, clientTs) {
		if s.metrics != nil {
			s.metrics.SamplesThrottled.Inc()
		}
		return MoveResult{}, nil
	}

	a, err := s.resolver.ResolveActive(ctx, driverID, busID, now)
	if err != nil {
		if s.metrics != nil {
			s.metrics.SamplesRejected.Inc()
		}
		return MoveResult{}, err
	}

	if err := validation.ValidateCoordinates(lng, lat); err != nil {
		s.rejected()
		return MoveResult{}, err
	}
	if err := validation.ValidateSpeed(speedKmh); err != nil {
		s.rejected()
		return MoveResult{}, err
	}
	if err := validation.ValidateHeading(heading); err != nil {
		s.rejected()
		return MoveResult{}, err
	}

	sample := store.Sample{
		DriverID: driverID,
		BusID:    busID,
		RouteID:  a.RouteID,
		Lng:      lng,
		Lat:      lat,
		SpeedKmh: speedKmh,
		Heading:  heading,
		Now:      now,
	}
	snap, err := s.store.UpsertSample(ctx, sample)
	if err != nil {
		// No background replay for samples: the next accepted sample
		// supersedes this one, and replaying an old coordinate later would
		// break per-bus write order.
		s.storeFailed("Move", err, nil)
		return MoveResult{}, err
	}

	if s.metrics != nil {
		s.metrics.SamplesAccepted.Inc()
	}
	return MoveResult{Accepted: true, Snapshot: snap, RouteID: a.RouteID}, nil
}

func (s *Service) rejected() {
	if s.metrics != nil {
		s.metrics.SamplesRejected.Inc()
	}
}

// DriverDisconnected marks the driver's last toggled bus offline,
// best-effort, and clears the throttle entry.
func (s *Service) DriverDisconnected(ctx context.Context, driverID, lastBusID, lastRouteID string) {
	s.throttle.Evict(driverID)

	if lastBusID == "" {
		return
	}
	if _, err := s.store.UpsertToggle(ctx, driverID, lastBusID, lastRouteID, false, time.Now().UTC()); err != nil {
		s.log.Warn("DriverIngress", fmt.Sprintf(
			"failed to mark bus %s offline after driver %s disconnect: %v", lastBusID, driverID, err))
	}
}

// GetBusSnapshot serves the subscribe:bus entry snapshot. A missing bus is
// not an error; the subscription stays and the client waits for updates.
func (s *Service) GetBusSnapshot(ctx context.Context, busID string) (*domain.BusSnapshot, error) {
	snap, err := s.store.GetBus(ctx, busID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return snap, err
}

// ListRouteSnapshots serves the subscribe:route entry snapshot.
func (s *Service) ListRouteSnapshots(ctx context.Context, routeID string) ([]domain.BusSnapshot, error) {
	return s.store.ListOnlineByRoute(ctx, routeID)
}

// storeFailed counts a store write failure. When a retry is supplied and the
// store is unavailable, it logs the failure and retries in the background
// with bounded backoff; otherwise it does nothing more. The caller has
// already reported the single error to the driver; the socket stays open.
func (s *Service) storeFailed(op string, err error, retry func(context.Context) error) {
	if s.metrics != nil {
		s.metrics.StoreErrors.Inc()
	}
	if retry == nil || !errors.Is(err, apperrors.ErrStoreUnavailable) {
		return
	}
	s.log.Error("BusStore", op+" write failed, retrying in background", err)

	go func() {
		backoff := 5 * time.Second
		const maxBackoff = 30 * time.Second
		for attempt := 0; attempt < 4; attempt++ {
			time.Sleep(backoff)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			rerr := retry(ctx)
			cancel()
			if rerr == nil {
				s.log.OK("BusStore", op+" write recovered")
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		s.log.Warn("BusStore", op+" write abandoned after retries")
	}()
}
