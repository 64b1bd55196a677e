package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bustrack/internal/shared/apperrors"
	"bustrack/internal/shared/geo"
	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/stream"
)

// Memory is the single-instance store. Bus records live in process memory;
// each record carries its own lock so writes are serialized per bus while
// distinct buses proceed concurrently. Reference data (drivers, routes,
// assignments) is installed through the Put methods.
type Memory struct {
	hub *stream.Hub

	mu    sync.RWMutex
	buses map[string]*busEntry

	refMu       sync.RWMutex
	drivers     map[string]domain.Driver
	routes      map[string]domain.Route
	assignments map[string]domain.Assignment
}

type busEntry struct {
	mu   sync.Mutex
	snap domain.BusSnapshot
}

func NewMemory(hub *stream.Hub) *Memory {
	return &Memory{
		hub:         hub,
		buses:       make(map[string]*busEntry),
		drivers:     make(map[string]domain.Driver),
		routes:      make(map[string]domain.Route),
		assignments: make(map[string]domain.Assignment),
	}
}

// --- reference data ---

func (m *Memory) PutDriver(d domain.Driver) {
	m.refMu.Lock()
	m.drivers[d.ID] = d
	m.refMu.Unlock()
}

func (m *Memory) PutRoute(r domain.Route) error {
	if len(r.Polyline) < 2 {
		return fmt.Errorf("route %s: polyline needs at least 2 points", r.ID)
	}
	for _, s := range r.Stops {
		if s.Location.Lng < -180 || s.Location.Lng > 180 || s.Location.Lat < -90 || s.Location.Lat > 90 {
			return fmt.Errorf("route %s: stop %s has invalid coordinates", r.ID, s.ID)
		}
	}
	m.refMu.Lock()
	m.routes[r.ID] = r
	m.refMu.Unlock()
	return nil
}

func (m *Memory) PutAssignment(a domain.Assignment) error {
	if !a.ShiftEnd.After(a.ShiftStart) {
		return fmt.Errorf("assignment %s: shift end must be after shift start", a.ID)
	}
	m.refMu.Lock()
	m.assignments[a.ID] = a
	m.refMu.Unlock()
	return nil
}

func (m *Memory) GetDriver(_ context.Context, driverID string) (*domain.Driver, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &d, nil
}

func (m *Memory) GetRoute(_ context.Context, routeID string) (*domain.Route, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	r, ok := m.routes[routeID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &r, nil
}

func (m *Memory) FindActiveAssignments(_ context.Context, driverID, busID string, now time.Time) ([]domain.Assignment, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	var out []domain.Assignment
	for _, a := range m.assignments {
		if a.DriverID == driverID && a.BusID == busID && a.CurrentAt(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- bus mutations ---

func (m *Memory) entry(busID string) *busEntry {
	m.mu.RLock()
	e, ok := m.buses[busID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.buses[busID]; ok {
		return e
	}
	e = &busEntry{snap: domain.BusSnapshot{BusID: busID, Status: domain.BusIdle}}
	m.buses[busID] = e
	return e
}

func (m *Memory) UpsertToggle(_ context.Context, driverID, busID, routeID string, online bool, now time.Time) (domain.BusSnapshot, error) {
	e := m.entry(busID)
	e.mu.Lock()

	e.snap.RouteID = routeID
	e.snap.DriverID = driverID
	e.snap.Online = online
	if online {
		e.snap.LastOnlineAt = now
		if e.snap.Status == domain.BusInactive {
			e.snap.Status = domain.BusIdle
		}
	} else {
		e.snap.Status = domain.BusInactive
	}
	e.snap.LastUpdateAt = now
	snap := e.snap

	m.hub.Publish(domain.BusChanged{
		BusID:    busID,
		RouteID:  routeID,
		DriverID: driverID,
		Kind:     domain.ChangeStatus,
		Snapshot: snap,
		At:       now,
	})
	e.mu.Unlock()

	return snap, nil
}

func (m *Memory) UpsertSample(_ context.Context, s Sample) (domain.BusSnapshot, error) {
	e := m.entry(s.BusID)
	e.mu.Lock()

	loc := geo.Point{Lng: s.Lng, Lat: s.Lat}
	e.snap.RouteID = s.RouteID
	e.snap.DriverID = s.DriverID
	e.snap.Online = true
	e.snap.Location = &loc
	e.snap.SpeedKmh = s.SpeedKmh
	e.snap.Heading = s.Heading
	e.snap.LastOnlineAt = s.Now
	e.snap.LastUpdateAt = s.Now
	e.snap.Status = statusForSpeed(s.SpeedKmh)
	snap := e.snap

	m.hub.Publish(domain.BusChanged{
		BusID:    s.BusID,
		RouteID:  s.RouteID,
		DriverID: s.DriverID,
		Kind:     domain.ChangeUpdate,
		Snapshot: snap,
		At:       s.Now,
	})
	e.mu.Unlock()

	return snap, nil
}

func (m *Memory) MarkStale(_ context.Context, busID string, staleAt time.Time) (domain.BusSnapshot, error) {
	m.mu.RLock()
	e, ok := m.buses[busID]
	m.mu.RUnlock()
	if !ok {
		return domain.BusSnapshot{}, apperrors.ErrNotFound
	}

	e.mu.Lock()
	if !e.snap.Online && e.snap.Status == domain.BusInactive && e.snap.LastOnlineAt.Equal(staleAt) {
		snap := e.snap
		e.mu.Unlock()
		return snap, nil // already demoted, nothing to emit
	}

	e.snap.Online = false
	e.snap.Status = domain.BusInactive
	e.snap.LastOnlineAt = staleAt
	snap := e.snap

	m.hub.Publish(domain.BusChanged{
		BusID:    busID,
		RouteID:  snap.RouteID,
		DriverID: snap.DriverID,
		Kind:     domain.ChangeStale,
		Reason:   staleReason,
		Snapshot: snap,
		At:       staleAt,
	})
	e.mu.Unlock()

	return snap, nil
}

// --- snapshot reads ---

func (m *Memory) GetBus(_ context.Context, busID string) (*domain.BusSnapshot, error) {
	m.mu.RLock()
	e, ok := m.buses[busID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	e.mu.Lock()
	snap := e.snap
	e.mu.Unlock()
	return &snap, nil
}

func (m *Memory) snapshots() []domain.BusSnapshot {
	m.mu.RLock()
	entries := make([]*busEntry, 0, len(m.buses))
	for _, e := range m.buses {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]domain.BusSnapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snap)
		e.mu.Unlock()
	}
	return out
}

func (m *Memory) ListBuses(_ context.Context, f BusFilter) ([]domain.BusSnapshot, error) {
	var out []domain.BusSnapshot
	for _, s := range m.snapshots() {
		if f.Online != nil && s.Online != *f.Online {
			continue
		}
		if f.RouteID != "" && s.RouteID != f.RouteID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListOnlineByRoute(ctx context.Context, routeID string) ([]domain.BusSnapshot, error) {
	online := true
	return m.ListBuses(ctx, BusFilter{Online: &online, RouteID: routeID})
}

func (m *Memory) ListOnline(ctx context.Context) ([]domain.BusSnapshot, error) {
	online := true
	return m.ListBuses(ctx, BusFilter{Online: &online})
}

func (m *Memory) NearbyOnline(_ context.Context, lng, lat, radiusM float64, limit int) ([]domain.NearbyBus, error) {
	var out []domain.NearbyBus
	for _, s := range m.snapshots() {
		if !s.Online || s.Location == nil {
			continue
		}
		d := geo.Haversine(lng, lat, s.Location.Lng, s.Location.Lat)
		if d > radiusM {
			continue
		}
		out = append(out, domain.NearbyBus{BusSnapshot: s, DistanceMeters: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].BusID < out[j].BusID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
