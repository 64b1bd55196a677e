package store

import (
	"context"
	"time"

	"bustrack/internal/tracker/domain"
)

// Sample is one accepted driver GPS reading bound for the bus record.
type Sample struct {
	DriverID string
	BusID    string
	RouteID  string
	Lng      float64
	Lat      float64
	SpeedKmh float64
	Heading  float64
	Now      time.Time
}

// BusFilter narrows ListBuses. A nil Online means both.
type BusFilter struct {
	Online  *bool
	RouteID string
	Limit   int
}

// Store is the persistence contract the tracking core depends on. Writes are
// serialized per bus; every accepted mutation is published on the change
// stream hub the implementation was constructed with.
type Store interface {
	// Reference data, owned by the external admin plane.
	GetDriver(ctx context.Context, driverID string) (*domain.Driver, error)
	GetRoute(ctx context.Context, routeID string) (*domain.Route, error)
	FindActiveAssignments(ctx context.Context, driverID, busID string, now time.Time) ([]domain.Assignment, error)

	// Bus record mutations.
	UpsertToggle(ctx context.Context, driverID, busID, routeID string, online bool, now time.Time) (domain.BusSnapshot, error)
	UpsertSample(ctx context.Context, s Sample) (domain.BusSnapshot, error)
	MarkStale(ctx context.Context, busID string, staleAt time.Time) (domain.BusSnapshot, error)

	// Snapshot reads.
	GetBus(ctx context.Context, busID string) (*domain.BusSnapshot, error)
	ListBuses(ctx context.Context, f BusFilter) ([]domain.BusSnapshot, error)
	ListOnlineByRoute(ctx context.Context, routeID string) ([]domain.BusSnapshot, error)
	ListOnline(ctx context.Context) ([]domain.BusSnapshot, error)
	NearbyOnline(ctx context.Context, lng, lat, radiusM float64, limit int) ([]domain.NearbyBus, error)
}

const staleReason = "stale_timeout"

// statusForSpeed derives the movement status persisted with a sample.
// Below walking pace the bus is considered stopped at a halt.
func statusForSpeed(speedKmh float64) domain.BusStatus {
	if speedKmh >= 3 {
		return domain.BusMoving
	}
	return domain.BusStopped
}
