package domain

import (
	"time"

	"bustrack/internal/shared/geo"
)

type ChangeKind string

const (
	ChangeStatus ChangeKind = "status"
	ChangeUpdate ChangeKind = "update"
	ChangeStale  ChangeKind = "stale"
)

// BusChanged is one element of the change stream. Events for the same bus
// are delivered in write order.
type BusChanged struct {
	BusID    string      `json:"bus_id"`
	RouteID  string      `json:"route_id"`
	DriverID string      `json:"driver_id,omitempty"`
	Kind     ChangeKind  `json:"kind"`
	Reason   string      `json:"reason,omitempty"`
	Snapshot BusSnapshot `json:"snapshot"`
	At       time.Time   `json:"at"`

	// Origin identifies the instance that performed the write. Used by the
	// pub/sub bridge to avoid re-importing its own events.
	Origin string `json:"origin,omitempty"`
}

// Outbound socket payloads. The type field mirrors the event name on the
// wire; every payload carries an emission timestamp.

type BusStatusPayload struct {
	Type         string    `json:"type"` // "bus:status"
	BusID        string    `json:"bus_id"`
	RouteID      string    `json:"route_id"`
	Online       bool      `json:"online"`
	Status       BusStatus `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	LastOnlineAt time.Time `json:"last_online_at"`
	LastUpdateAt time.Time `json:"last_update_at"`
	Timestamp    time.Time `json:"timestamp"`
}

type BusUpdatePayload struct {
	Type         string    `json:"type"` // "bus:update"
	BusID        string    `json:"bus_id"`
	RouteID      string    `json:"route_id"`
	Location     geo.Point `json:"location"`
	SpeedKmh     float64   `json:"speed_kmh"`
	Heading      float64   `json:"heading"`
	LastUpdateAt time.Time `json:"last_update_at"`
	Timestamp    time.Time `json:"timestamp"`
}

type RouteBusesPayload struct {
	Type      string        `json:"type"` // "route:buses"
	RouteID   string        `json:"route_id"`
	Buses     []BusSnapshot `json:"buses"`
	Timestamp time.Time     `json:"timestamp"`
}

type NextStopInfo struct {
	StopID         string  `json:"stop_id"`
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distance_meters"`
	ETAMinutes     int     `json:"eta_minutes"`
}

type ETAPayload struct {
	Type             string       `json:"type"` // "eta:update"
	BusID            string       `json:"bus_id"`
	RouteID          string       `json:"route_id"`
	NextStop         NextStopInfo `json:"next_stop"`
	RouteProgress    float64      `json:"route_progress"`
	EstimatedArrival time.Time    `json:"estimated_arrival"`
	Timestamp        time.Time    `json:"timestamp"`
}

// LastSeen describes recency of a bus for read-API clients.
type LastSeen struct {
	Timestamp  time.Time `json:"timestamp"`
	MinutesAgo int       `json:"minutes_ago"`
	Status     string    `json:"status"` // very_recent | recent | moderate | old | unknown
}

// DescribeLastSeen buckets the age of a bus's last life sign.
func DescribeLastSeen(s BusSnapshot, now time.Time) LastSeen {
	ts := s.LastSeenInstant()
	if ts.IsZero() {
		return LastSeen{Status: "unknown"}
	}

	mins := int(now.Sub(ts).Minutes())
	if mins < 0 {
		mins = 0
	}

	var status string
	switch {
	case mins < 5:
		status = "very_recent"
	case mins < 30:
		status = "recent"
	case mins < 120:
		status = "moderate"
	default:
		status = "old"
	}

	return LastSeen{Timestamp: ts, MinutesAgo: mins, Status: status}
}
