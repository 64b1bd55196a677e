package hub

import (
	"sync"
	"time"

	"bustrack/internal/tracker/domain"
)

// Conn is the websocket surface a Socket writes to. *websocket.Conn
// satisfies it; tests plug in fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Envelope is one queued outbound message. Kind drives the drop policy:
// position updates for the same bus are absorptive, everything else must be
// delivered or the socket dies.
type Envelope struct {
	BusID   string
	Kind    domain.ChangeKind
	Payload interface{}
}

// Socket owns the delivery channel for one client connection. Writes go
// through a bounded queue drained by a single writer goroutine with a
// per-send deadline, so a stalled client never blocks the broadcaster.
type Socket struct {
	ID string

	conn        Conn
	limit       int
	sendTimeout time.Duration
	onClose     func(*Socket)

	mu     sync.Mutex
	queue  []Envelope
	wake   chan struct{}
	closed bool

	// drop counters for observability hooks
	coalesced func()
	dropped   func()
}

func NewSocket(id string, conn Conn, queueLimit int, sendTimeout time.Duration) *Socket {
	s := &Socket{
		ID:          id,
		conn:        conn,
		limit:       queueLimit,
		sendTimeout: sendTimeout,
		wake:        make(chan struct{}, 1),
	}
	go s.writeLoop()
	return s
}

// OnClose registers a hook invoked exactly once when the socket dies.
func (s *Socket) OnClose(fn func(*Socket)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// OnPressure registers observability hooks for coalesced and dropped events.
func (s *Socket) OnPressure(coalesced, dropped func()) {
	s.mu.Lock()
	s.coalesced = coalesced
	s.dropped = dropped
	s.mu.Unlock()
}

// Enqueue queues an envelope for delivery. When the queue is full, the
// oldest pending update for the same bus is replaced by the newer one;
// status transitions are never dropped and instead evict a pending update.
// A socket that still overflows is closed.
func (s *Socket) Enqueue(env Envelope) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	if len(s.queue) >= s.limit {
		if env.Kind == domain.ChangeUpdate || env.Kind == kindETA {
			if i := s.indexOfOldest(env.BusID, env.Kind); i >= 0 {
				s.queue[i] = env
				if s.coalesced != nil {
					s.coalesced()
				}
				s.mu.Unlock()
				s.signal()
				return true
			}
			// No absorbable entry: this update cannot fit.
		} else {
			// Status-class event: make room by evicting the oldest update.
			if i := s.indexOfOldest("", domain.ChangeUpdate); i >= 0 {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.queue = append(s.queue, env)
				if s.dropped != nil {
					s.dropped()
				}
				s.mu.Unlock()
				s.signal()
				return true
			}
		}
		if s.dropped != nil {
			s.dropped()
		}
		s.mu.Unlock()
		s.Close()
		return false
	}

	s.queue = append(s.queue, env)
	s.mu.Unlock()
	s.signal()
	return true
}

// kindETA marks eta:update envelopes, absorptive per bus like position
// updates but distinct so a newer position never swallows an ETA.
const kindETA = domain.ChangeKind("eta")

// indexOfOldest returns the first queued envelope matching kind and, when
// busID is non-empty, the same bus. Caller holds s.mu.
func (s *Socket) indexOfOldest(busID string, kind domain.ChangeKind) int {
	for i, e := range s.queue {
		if e.Kind != kind {
			continue
		}
		if busID != "" && e.BusID != busID {
			continue
		}
		return i
	}
	return -1
}

func (s *Socket) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Socket) writeLoop() {
	for range s.wake {
		for {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			_ = s.conn.SetWriteDeadline(time.Now().Add(s.sendTimeout))
			if err := s.conn.WriteJSON(env.Payload); err != nil {
				s.Close()
				return
			}
		}
	}
}

// Close shuts the connection, empties the queue and fires the close hook.
// Safe to call from any goroutine, any number of times.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	onClose := s.onClose
	s.mu.Unlock()

	s.signal() // release the writer
	_ = s.conn.Close()
	if onClose != nil {
		onClose(s)
	}
}

// Closed reports whether the socket has been shut down.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
