package hub

import (
	"testing"
	"time"
)

func testSocket(id string) *Socket {
	return NewSocket(id, newFakeConn(), 8, time.Second)
}

func ids(socks []*Socket) map[string]bool {
	out := make(map[string]bool, len(socks))
	for _, s := range socks {
		out[s.ID] = true
	}
	return out
}

func TestJoinAndSockets(t *testing.T) {
	r := NewRegistry()
	s1 := testSocket("s1")
	s2 := testSocket("s2")
	defer s1.Close()
	defer s2.Close()

	r.Join(BusGroup("B1"), s1)
	r.Join(RouteGroup("RT1"), s1)
	r.Join(RouteGroup("RT1"), s2)

	got := ids(r.Sockets(BusGroup("B1")))
	if len(got) != 1 || !got["s1"] {
		t.Fatalf("bus group members = %v", got)
	}

	got = ids(r.Sockets(RouteGroup("RT1")))
	if len(got) != 2 {
		t.Fatalf("route group members = %v", got)
	}
}

func TestSocketsDeduplicatesUnion(t *testing.T) {
	r := NewRegistry()
	s1 := testSocket("s1")
	defer s1.Close()

	r.Join(BusGroup("B1"), s1)
	r.Join(RouteGroup("RT1"), s1)

	// Subscribed to both the bus and its route: one delivery, not two.
	got := r.Sockets(BusGroup("B1"), RouteGroup("RT1"))
	if len(got) != 1 {
		t.Fatalf("union has %d entries, want 1", len(got))
	}
}

func TestLeaveRemovesMembership(t *testing.T) {
	r := NewRegistry()
	s1 := testSocket("s1")
	defer s1.Close()

	r.Join(BusGroup("B1"), s1)
	r.Leave(BusGroup("B1"), "s1")

	if got := r.Sockets(BusGroup("B1")); len(got) != 0 {
		t.Fatalf("members after leave = %v", ids(got))
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}
}

func TestDropSocketClearsEverything(t *testing.T) {
	r := NewRegistry()
	s1 := testSocket("s1")
	s2 := testSocket("s2")
	defer s1.Close()
	defer s2.Close()

	r.Join(BusGroup("B1"), s1)
	r.Join(RouteGroup("RT1"), s1)
	r.Join(RouteGroup("RT1"), s2)

	r.DropSocket("s1")

	if got := r.Sockets(BusGroup("B1")); len(got) != 0 {
		t.Fatalf("bus group still has %v", ids(got))
	}
	got := ids(r.Sockets(RouteGroup("RT1")))
	if len(got) != 1 || !got["s2"] {
		t.Fatalf("route group = %v, want only s2", got)
	}
}

func TestLeaveUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Leave(BusGroup("B1"), "ghost")
	r.DropSocket("ghost")
	if r.Count() != 0 {
		t.Fatal("phantom memberships appeared")
	}
}
