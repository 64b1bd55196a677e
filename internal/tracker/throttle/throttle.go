package throttle

import (
	"sync"
	"time"

	"bustrack/internal/shared/geo"
)

// Throttle suppresses driver GPS samples that are too close in time or
// space to the last accepted one. State is per driver, process-local and
// non-durable: after a restart the first sample is always accepted.
type Throttle struct {
	minInterval time.Duration
	minDistance float64

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	clientTs time.Time
	coord    geo.Point
}

func New(minInterval time.Duration, minDistanceM float64) *Throttle {
	return &Throttle{
		minInterval: minInterval,
		minDistance: minDistanceM,
		entries:     make(map[string]entry),
	}
}

// ShouldAccept reports whether the sample passes both gates and, when it
// does, atomically records it as the driver's last accepted sample.
func (t *Throttle) ShouldAccept(driverID string, lng, lat float64, clientTs time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.entries[driverID]
	if ok {
		if clientTs.Sub(prev.clientTs) < t.minInterval {
			return false
		}
		if geo.Haversine(prev.coord.Lng, prev.coord.Lat, lng, lat) < t.minDistance {
			return false
		}
	}

	t.entries[driverID] = entry{clientTs: clientTs, coord: geo.Point{Lng: lng, Lat: lat}}
	return true
}

// Evict clears the driver's entry on disconnect.
func (t *Throttle) Evict(driverID string) {
	t.mu.Lock()
	delete(t.entries, driverID)
	t.mu.Unlock()
}
