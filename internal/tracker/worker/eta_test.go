package worker

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"bustrack/internal/shared/geo"
	"bustrack/internal/shared/util"
	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/hub"
	"bustrack/internal/tracker/store"
	"bustrack/internal/tracker/stream"
)

var tnow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeConn is a minimal hub.Conn recording delivered payloads.
type fakeConn struct {
	mu   sync.Mutex
	msgs []interface{}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, v)
	c.mu.Unlock()
	return nil
}
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) Close() error                     { return nil }

func (c *fakeConn) messages() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func testRoute() domain.Route {
	return domain.Route{
		ID: "RT1",
		Polyline: []geo.Point{
			{Lng: 77.60, Lat: 27.40},
			{Lng: 77.75, Lat: 27.55},
		},
		Stops: []domain.Stop{
			{ID: "S1", Name: "Depot", Location: geo.Point{Lng: 77.60, Lat: 27.40}},
			{ID: "S2", Name: "Market", Location: geo.Point{Lng: 77.67, Lat: 27.49}},
			{ID: "S3", Name: "Terminal", Location: geo.Point{Lng: 77.75, Lat: 27.55}},
		},
	}
}

func etaFixture(t *testing.T) (*store.Memory, *ETAWorker, *stream.Hub) {
	t.Helper()
	changes := stream.NewHub()
	m := store.NewMemory(changes)
	if err := m.PutRoute(testRoute()); err != nil {
		t.Fatal(err)
	}
	reg := hub.NewRegistry()
	caster := hub.NewBroadcaster(reg, changes, util.New(), nil)
	w := NewETAWorker(m, caster, changes, util.New(), nil, 10*time.Second, 0.3)
	return m, w, changes
}

func TestEstimatePicksClosestStop(t *testing.T) {
	_, w, _ := etaFixture(t)

	loc := geo.Point{Lng: 77.671, Lat: 27.491} // a hair past the Market stop
	route := testRoute()
	bus := domain.BusSnapshot{BusID: "BUS001", RouteID: "RT1", Online: true, Location: &loc, SpeedKmh: 30}

	payload, ok := w.estimate(bus, &route, tnow)
	if !ok {
		t.Fatal("estimate returned nothing")
	}
	if payload.NextStop.StopID != "S2" {
		t.Fatalf("next stop = %s, want S2", payload.NextStop.StopID)
	}
	if payload.RouteProgress != 0.5 {
		t.Fatalf("route progress = %f, want 0.5", payload.RouteProgress)
	}
	if payload.NextStop.ETAMinutes < 1 {
		t.Fatalf("eta = %d, want >= 1", payload.NextStop.ETAMinutes)
	}
	if !payload.EstimatedArrival.Equal(tnow.Add(time.Duration(payload.NextStop.ETAMinutes) * time.Minute)) {
		t.Fatal("estimated arrival inconsistent with eta minutes")
	}
}

func TestEstimateETAMath(t *testing.T) {
	_, w, _ := etaFixture(t)

	// ~9.6 km from the depot stop; first observation seeds the EWMA, so
	// smoothed speed equals the current 30 km/h. 9.6/30*60 ≈ 19.2, so 20 min.
	loc := geo.Point{Lng: 77.67, Lat: 27.46}
	route := domain.Route{
		ID:       "RT1",
		Polyline: []geo.Point{{Lng: 77.60, Lat: 27.40}, {Lng: 77.75, Lat: 27.55}},
		Stops:    []domain.Stop{{ID: "S1", Name: "Depot", Location: geo.Point{Lng: 77.60, Lat: 27.40}}},
	}
	bus := domain.BusSnapshot{BusID: "BUS-A", RouteID: "RT1", Online: true, Location: &loc, SpeedKmh: 30}

	payload, ok := w.estimate(bus, &route, tnow)
	if !ok {
		t.Fatal("estimate returned nothing")
	}

	wantMin := int(math.Ceil(payload.NextStop.DistanceMeters / 1000 / (30.0 / 60)))
	if payload.NextStop.ETAMinutes != wantMin {
		t.Fatalf("eta = %d, want %d", payload.NextStop.ETAMinutes, wantMin)
	}
	if payload.RouteProgress != 0 {
		t.Fatalf("single-stop route progress = %f, want 0", payload.RouteProgress)
	}
}

func TestSmoothingConvergesAndFloors(t *testing.T) {
	_, w, _ := etaFixture(t)

	// Seeded at 60, fed 0 repeatedly: EWMA decays toward zero but the
	// returned speed never drops below the 1 km/h floor.
	w.smooth("BUS001", 60)
	var last float64
	for i := 0; i < 50; i++ {
		last = w.smooth("BUS001", 0)
	}
	if last != minSpeedKmh {
		t.Fatalf("floored speed = %f, want %f", last, minSpeedKmh)
	}
}

func TestSmoothingWeights(t *testing.T) {
	_, w, _ := etaFixture(t)

	w.smooth("B", 10)        // seeds prev=10
	got := w.smooth("B", 20) // 0.3*20 + 0.7*10 = 13
	if math.Abs(got-13) > 1e-9 {
		t.Fatalf("smoothed = %f, want 13", got)
	}
}

func TestStaleEventEvictsSmoothedSpeed(t *testing.T) {
	m, w, _ := etaFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)

	w.smooth("BUS001", 60)

	// A demotion on the change stream clears the EWMA state.
	m.UpsertSample(context.Background(), store.Sample{
		DriverID: "d1", BusID: "BUS001", RouteID: "RT1",
		Lng: 77.67, Lat: 27.49, SpeedKmh: 30, Now: tnow,
	})
	m.MarkStale(context.Background(), "BUS001", tnow)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		_, ok := w.smoothed["BUS001"]
		w.mu.Unlock()
		if !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("smoothed speed not evicted after stale demotion")
}

func TestSweepBroadcastsToSubscribers(t *testing.T) {
	changes := stream.NewHub()
	m := store.NewMemory(changes)
	if err := m.PutRoute(testRoute()); err != nil {
		t.Fatal(err)
	}
	reg := hub.NewRegistry()
	caster := hub.NewBroadcaster(reg, changes, util.New(), nil)
	w := NewETAWorker(m, caster, changes, util.New(), nil, 10*time.Second, 0.3)

	conn := &fakeConn{}
	sock := hub.NewSocket("p1", conn, 8, time.Second)
	defer sock.Close()
	reg.Join(hub.RouteGroup("RT1"), sock)

	m.UpsertSample(context.Background(), store.Sample{
		DriverID: "d1", BusID: "BUS001", RouteID: "RT1",
		Lng: 77.671, Lat: 27.491, SpeedKmh: 25, Now: tnow,
	})

	w.sweep(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range conn.messages() {
			if p, ok := msg.(domain.ETAPayload); ok {
				if p.Type != "eta:update" || p.BusID != "BUS001" || p.RouteID != "RT1" {
					t.Fatalf("payload = %+v", p)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no eta:update delivered to route subscriber")
}

func TestSweepSkipsBusWithoutLocation(t *testing.T) {
	m, w, _ := etaFixture(t)
	ctx := context.Background()

	m.UpsertToggle(ctx, "d1", "BUS001", "RT1", true, tnow) // online, no location yet
	w.sweep(ctx)                                           // must not panic or emit
}
