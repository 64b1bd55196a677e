package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bustrack/internal/shared/apperrors"
	"bustrack/internal/shared/geo"
	"bustrack/internal/shared/jwt"
	"bustrack/internal/shared/models"
	"bustrack/internal/shared/util"
	"bustrack/internal/tracker/app"
	"bustrack/internal/tracker/assignment"
	"bustrack/internal/tracker/auth"
	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/hub"
	"bustrack/internal/tracker/store"
	"bustrack/internal/tracker/stream"
	"bustrack/internal/tracker/throttle"
)

const testSecret = "supersecret"

// newLiveServer wires the full pipeline: store, change stream, broadcaster
// and both socket channels.
func newLiveServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()

	cfg := models.Defaults()
	log := util.New()
	changes := stream.NewHub()
	m := store.NewMemory(changes)
	reg := hub.NewRegistry()

	service := app.NewService(m, assignment.NewResolver(m, log), throttle.New(2*time.Second, 20), log, nil)
	verifier := auth.NewVerifier([]byte(testSecret), m)
	caster := hub.NewBroadcaster(reg, changes, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go caster.Run(ctx)
	t.Cleanup(cancel)
	t.Cleanup(changes.Close)

	h := NewHandler(service, verifier, reg, hub.NewSessions(), m, log, nil, cfg)
	srv := httptest.NewServer(h.RegisterRoutes(nil, nil))
	t.Cleanup(srv.Close)
	return srv, m
}

func seedDriverWithShift(t *testing.T, m *store.Memory, driverID, busID, routeID string) string {
	t.Helper()

	m.PutDriver(domain.Driver{ID: driverID, Phone: "+77010001122", Role: "driver"})
	now := time.Now().UTC()
	if err := m.PutAssignment(domain.Assignment{
		ID: "shift-" + driverID, DriverID: driverID, BusID: busID, RouteID: routeID,
		ShiftStart: now.Add(-time.Hour), ShiftEnd: now.Add(8 * time.Hour),
		Status: domain.AssignmentActive, Active: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := m.PutRoute(domain.Route{
		ID:       routeID,
		Polyline: []geo.Point{{Lng: 77.60, Lat: 27.40}, {Lng: 77.75, Lat: 27.55}},
		Stops: []domain.Stop{
			{ID: "S1", Name: "Depot", Location: geo.Point{Lng: 77.60, Lat: 27.40}},
			{ID: "S2", Name: "Terminal", Location: geo.Point{Lng: 77.75, Lat: 27.55}},
		},
	}); err != nil {
		t.Fatal(err)
	}

	token, err := jwt.Generate([]byte(testSecret), driverID, "+77010001122", "driver", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil drains messages until one with the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", wantType, err)
		}
		if msg["type"] == wantType {
			return msg
		}
	}
	t.Fatalf("no %q message arrived", wantType)
	return nil
}

func dialDriver(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv, "/ws/drivers")
	if err := conn.WriteJSON(AuthMessage{Type: "auth", Token: token}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "auth_success")
	return conn
}

func TestDriverToggleReachesEarlyAndLateSubscribers(t *testing.T) {
	srv, m := newLiveServer(t)
	token := seedDriverWithShift(t, m, "d1", "BUS001", "RT1")

	// Passenger P subscribes before the toggle. The bus has never
	// reported, so no snapshot arrives yet.
	p := dial(t, srv, "/ws/passengers")
	if err := p.WriteJSON(SubscribeMsg{Type: "subscribe:bus", BusID: "BUS001"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond) // let the subscription land

	driver := dialDriver(t, srv, token)
	if err := driver.WriteJSON(DriverToggleMsg{Type: "driver:toggle", BusID: "BUS001", Online: true}); err != nil {
		t.Fatal(err)
	}

	ack := readUntil(t, driver, "driver:toggle:success")
	if ack["online"] != true {
		t.Fatalf("ack = %+v", ack)
	}

	status := readUntil(t, p, "bus:status")
	if status["online"] != true || status["bus_id"] != "BUS001" {
		t.Fatalf("early subscriber status = %+v", status)
	}

	// Passenger Q subscribes after the toggle and still learns the state
	// from the entry snapshot.
	q := dial(t, srv, "/ws/passengers")
	if err := q.WriteJSON(SubscribeMsg{Type: "subscribe:bus", BusID: "BUS001"}); err != nil {
		t.Fatal(err)
	}
	status = readUntil(t, q, "bus:status")
	if status["online"] != true {
		t.Fatalf("late subscriber status = %+v", status)
	}
}

func TestDriverMoveBroadcastsUpdate(t *testing.T) {
	srv, m := newLiveServer(t)
	token := seedDriverWithShift(t, m, "d1", "BUS001", "RT1")

	p := dial(t, srv, "/ws/passengers")
	if err := p.WriteJSON(SubscribeMsg{Type: "subscribe:route", RouteID: "RT1"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, p, "route:buses") // empty entry snapshot

	driver := dialDriver(t, srv, token)
	move := DriverMoveMsg{
		Type: "driver:move", BusID: "BUS001",
		Lng: 77.67, Lat: 27.49, SpeedKmh: 32, Heading: 180,
		Ts: time.Now().UnixMilli(),
	}
	if err := driver.WriteJSON(move); err != nil {
		t.Fatal(err)
	}

	readUntil(t, driver, "driver:move:success")

	update := readUntil(t, p, "bus:update")
	loc := update["location"].(map[string]interface{})
	if loc["lng"] != 77.67 || loc["lat"] != 27.49 {
		t.Fatalf("update location = %+v", loc)
	}
	if update["speed_kmh"] != 32.0 {
		t.Fatalf("update = %+v", update)
	}
}

func TestMoveWithoutAssignmentIsRejected(t *testing.T) {
	srv, m := newLiveServer(t)

	// d2 exists but holds no assignment.
	m.PutDriver(domain.Driver{ID: "d2", Role: "driver"})
	token, err := jwt.Generate([]byte(testSecret), "d2", "", "driver", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	driver := dialDriver(t, srv, token)
	if err := driver.WriteJSON(DriverMoveMsg{
		Type: "driver:move", BusID: "BUS001",
		Lng: 77.67, Lat: 27.49, SpeedKmh: 30, Heading: 90,
		Ts: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	errMsg := readUntil(t, driver, "driver:move:error")
	if errMsg["error"] != "NoActiveAssignment" {
		t.Fatalf("error = %+v", errMsg)
	}

	// The store must not have been written.
	if _, err := m.GetBus(context.Background(), "BUS001"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatal("bus record created despite missing assignment")
	}
}

func TestInvalidTokenIsRefused(t *testing.T) {
	srv, _ := newLiveServer(t)

	conn := dial(t, srv, "/ws/drivers")
	if err := conn.WriteJSON(AuthMessage{Type: "auth", Token: "garbage"}); err != nil {
		t.Fatal(err)
	}

	msg := readUntil(t, conn, "error")
	if msg["message"] != "AuthInvalid" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestUnsubscribeStopsDeliveries(t *testing.T) {
	srv, m := newLiveServer(t)
	token := seedDriverWithShift(t, m, "d1", "BUS001", "RT1")

	p := dial(t, srv, "/ws/passengers")
	if err := p.WriteJSON(SubscribeMsg{Type: "subscribe:bus", BusID: "BUS001"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	driver := dialDriver(t, srv, token)
	if err := driver.WriteJSON(DriverToggleMsg{Type: "driver:toggle", BusID: "BUS001", Online: true}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, p, "bus:status")

	if err := p.WriteJSON(SubscribeMsg{Type: "unsubscribe:bus", BusID: "BUS001"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := driver.WriteJSON(DriverToggleMsg{Type: "driver:toggle", BusID: "BUS001", Online: false}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, driver, "driver:toggle:success")

	// Nothing further may arrive for the unsubscribed passenger.
	_ = p.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg map[string]interface{}
	if err := p.ReadJSON(&msg); err == nil {
		t.Fatalf("unexpected delivery after unsubscribe: %+v", msg)
	}
}
