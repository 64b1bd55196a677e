package store

import (
	"context"
	"testing"
	"time"

	"bustrack/internal/shared/apperrors"
	"bustrack/internal/shared/geo"
	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/stream"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newMemory() (*Memory, <-chan domain.BusChanged, func()) {
	hub := stream.NewHub()
	events, cancel := hub.Subscribe()
	return NewMemory(hub), events, cancel
}

func drain(events <-chan domain.BusChanged) []domain.BusChanged {
	var out []domain.BusChanged
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestUpsertToggleCreatesRecord(t *testing.T) {
	m, events, cancel := newMemory()
	defer cancel()
	ctx := context.Background()

	snap, err := m.UpsertToggle(ctx, "d1", "BUS001", "RT1", true, t0)
	if err != nil {
		t.Fatal(err)
	}

	if !snap.Online {
		t.Error("bus must be online after toggle on")
	}
	if !snap.LastOnlineAt.Equal(t0) || !snap.LastUpdateAt.Equal(t0) {
		t.Errorf("timestamps = %v / %v, want both %v", snap.LastOnlineAt, snap.LastUpdateAt, t0)
	}

	evs := drain(events)
	if len(evs) != 1 || evs[0].Kind != domain.ChangeStatus {
		t.Fatalf("events = %+v, want one status event", evs)
	}
}

func TestToggleOffKeepsLastOnlineAt(t *testing.T) {
	m, _, cancel := newMemory()
	defer cancel()
	ctx := context.Background()

	m.UpsertToggle(ctx, "d1", "BUS001", "RT1", true, t0)
	snap, err := m.UpsertToggle(ctx, "d1", "BUS001", "RT1", false, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if snap.Online {
		t.Error("bus must be offline")
	}
	if !snap.LastOnlineAt.Equal(t0) {
		t.Errorf("lastOnlineAt = %v, want unchanged %v", snap.LastOnlineAt, t0)
	}
	if !snap.LastUpdateAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("lastUpdateAt = %v, want %v", snap.LastUpdateAt, t0.Add(time.Minute))
	}
}

func TestUpsertSampleSetsEverything(t *testing.T) {
	m, events, cancel := newMemory()
	defer cancel()
	ctx := context.Background()

	snap, err := m.UpsertSample(ctx, Sample{
		DriverID: "d1", BusID: "BUS001", RouteID: "RT1",
		Lng: 77.67, Lat: 27.49, SpeedKmh: 32, Heading: 180, Now: t0,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !snap.Online {
		t.Error("sample must set bus online")
	}
	if snap.Location == nil || snap.Location.Lng != 77.67 {
		t.Errorf("location = %+v", snap.Location)
	}
	if snap.Status != domain.BusMoving {
		t.Errorf("status = %s, want moving", snap.Status)
	}
	if snap.LastUpdateAt.Before(snap.LastOnlineAt) {
		t.Error("lastUpdateAt must not precede lastOnlineAt")
	}

	evs := drain(events)
	if len(evs) != 1 || evs[0].Kind != domain.ChangeUpdate {
		t.Fatalf("events = %+v, want one update event", evs)
	}
}

func TestSlowSampleIsStopped(t *testing.T) {
	m, _, cancel := newMemory()
	defer cancel()

	snap, _ := m.UpsertSample(context.Background(), Sample{
		DriverID: "d1", BusID: "BUS001", RouteID: "RT1",
		Lng: 77.67, Lat: 27.49, SpeedKmh: 0.5, Heading: 0, Now: t0,
	})
	if snap.Status != domain.BusStopped {
		t.Errorf("status = %s, want stopped", snap.Status)
	}
}

func TestMarkStaleIdempotent(t *testing.T) {
	m, events, cancel := newMemory()
	defer cancel()
	ctx := context.Background()

	m.UpsertSample(ctx, Sample{
		DriverID: "d1", BusID: "BUS001", RouteID: "RT1",
		Lng: 77.67, Lat: 27.49, SpeedKmh: 30, Heading: 0, Now: t0,
	})
	drain(events)

	staleAt := t0
	first, err := m.MarkStale(ctx, "BUS001", staleAt)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.MarkStale(ctx, "BUS001", staleAt)
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Errorf("repeated markStale changed the snapshot:\n%+v\n%+v", first, second)
	}
	if first.Online || first.Status != domain.BusInactive {
		t.Errorf("snapshot after markStale = %+v", first)
	}
	if !first.LastOnlineAt.Equal(staleAt) {
		t.Errorf("lastOnlineAt = %v, want %v", first.LastOnlineAt, staleAt)
	}

	evs := drain(events)
	if len(evs) != 1 {
		t.Fatalf("got %d stale events, want exactly 1", len(evs))
	}
	if evs[0].Kind != domain.ChangeStale || evs[0].Reason != "stale_timeout" {
		t.Errorf("event = %+v", evs[0])
	}
}

func TestMarkStaleUnknownBus(t *testing.T) {
	m, _, cancel := newMemory()
	defer cancel()

	if _, err := m.MarkStale(context.Background(), "nope", t0); err != apperrors.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPerBusEventOrder(t *testing.T) {
	m, events, cancel := newMemory()
	defer cancel()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.UpsertSample(ctx, Sample{
			DriverID: "d1", BusID: "BUS001", RouteID: "RT1",
			Lng: 77.67 + float64(i)*0.001, Lat: 27.49, SpeedKmh: 30, Heading: 0,
			Now: t0.Add(time.Duration(i) * time.Second),
		})
	}

	evs := drain(events)
	if len(evs) != 5 {
		t.Fatalf("got %d events, want 5", len(evs))
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].At.Before(evs[i-1].At) {
			t.Fatalf("events out of write order at %d: %v before %v", i, evs[i].At, evs[i-1].At)
		}
	}
}

func TestListOnlineByRoute(t *testing.T) {
	m, _, cancel := newMemory()
	defer cancel()
	ctx := context.Background()

	m.UpsertSample(ctx, Sample{DriverID: "d1", BusID: "B1", RouteID: "RT1", Lng: 77, Lat: 27, SpeedKmh: 20, Now: t0})
	m.UpsertSample(ctx, Sample{DriverID: "d2", BusID: "B2", RouteID: "RT2", Lng: 77, Lat: 27, SpeedKmh: 20, Now: t0})
	m.UpsertSample(ctx, Sample{DriverID: "d3", BusID: "B3", RouteID: "RT1", Lng: 77, Lat: 27, SpeedKmh: 20, Now: t0})
	m.MarkStale(ctx, "B3", t0)

	buses, err := m.ListOnlineByRoute(ctx, "RT1")
	if err != nil {
		t.Fatal(err)
	}
	if len(buses) != 1 || buses[0].BusID != "B1" {
		t.Fatalf("buses = %+v, want only B1", buses)
	}
}

func TestNearbyOnlineOrderingAndFilters(t *testing.T) {
	m, _, cancel := newMemory()
	defer cancel()
	ctx := context.Background()

	center := geo.Point{Lng: 77.67, Lat: 27.49}

	// BUS001 at the center, BUS002 ~500 m east, BUS003 offline at the
	// center, BUS004 far outside the radius.
	m.UpsertSample(ctx, Sample{DriverID: "d1", BusID: "BUS001", RouteID: "RT1", Lng: center.Lng, Lat: center.Lat, SpeedKmh: 10, Now: t0})
	m.UpsertSample(ctx, Sample{DriverID: "d2", BusID: "BUS002", RouteID: "RT1", Lng: 77.67507, Lat: 27.49, SpeedKmh: 10, Now: t0})
	m.UpsertSample(ctx, Sample{DriverID: "d3", BusID: "BUS003", RouteID: "RT1", Lng: center.Lng, Lat: center.Lat, SpeedKmh: 10, Now: t0})
	m.MarkStale(ctx, "BUS003", t0)
	m.UpsertSample(ctx, Sample{DriverID: "d4", BusID: "BUS004", RouteID: "RT1", Lng: 78.5, Lat: 28.0, SpeedKmh: 10, Now: t0})

	got, err := m.NearbyOnline(ctx, center.Lng, center.Lat, 1000, 50)
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d buses, want 2: %+v", len(got), got)
	}
	if got[0].BusID != "BUS001" || got[1].BusID != "BUS002" {
		t.Fatalf("order = %s, %s; want BUS001, BUS002", got[0].BusID, got[1].BusID)
	}
	if got[0].DistanceMeters > 1 {
		t.Errorf("BUS001 distance = %.1f, want ~0", got[0].DistanceMeters)
	}
	if got[1].DistanceMeters < 450 || got[1].DistanceMeters > 550 {
		t.Errorf("BUS002 distance = %.1f, want ~500", got[1].DistanceMeters)
	}
}

func TestNearbyTieBreaksByBusID(t *testing.T) {
	m, _, cancel := newMemory()
	defer cancel()
	ctx := context.Background()

	m.UpsertSample(ctx, Sample{DriverID: "d2", BusID: "B2", RouteID: "RT1", Lng: 77.67, Lat: 27.49, SpeedKmh: 10, Now: t0})
	m.UpsertSample(ctx, Sample{DriverID: "d1", BusID: "B1", RouteID: "RT1", Lng: 77.67, Lat: 27.49, SpeedKmh: 10, Now: t0})

	got, err := m.NearbyOnline(ctx, 77.67, 27.49, 100, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].BusID != "B1" {
		t.Fatalf("tie not broken lexicographically: %+v", got)
	}
}

func TestAssignmentLookup(t *testing.T) {
	m, _, cancel := newMemory()
	defer cancel()
	ctx := context.Background()

	if err := m.PutAssignment(domain.Assignment{
		ID: "a1", DriverID: "d1", BusID: "BUS001", RouteID: "RT1",
		ShiftStart: t0.Add(-time.Hour), ShiftEnd: t0.Add(time.Hour),
		Status: domain.AssignmentActive, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := m.FindActiveAssignments(ctx, "d1", "BUS001", t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("assignments = %+v", got)
	}

	// Outside the window: nothing.
	got, _ = m.FindActiveAssignments(ctx, "d1", "BUS001", t0.Add(2*time.Hour))
	if len(got) != 0 {
		t.Fatalf("expired assignment still resolves: %+v", got)
	}
}

func TestPutRouteValidatesInvariants(t *testing.T) {
	m, _, cancel := newMemory()
	defer cancel()

	if err := m.PutRoute(domain.Route{ID: "RT1", Polyline: []geo.Point{{Lng: 77, Lat: 27}}}); err == nil {
		t.Error("single-point polyline must be rejected")
	}
	if err := m.PutAssignment(domain.Assignment{ID: "a1", ShiftStart: t0, ShiftEnd: t0}); err == nil {
		t.Error("empty shift window must be rejected")
	}
}
