package domain

import (
	"time"

	"bustrack/internal/shared/geo"
)

// Driver is read-only identity for the tracking core. Records are owned by
// the external admin plane.
type Driver struct {
	ID             string `json:"id"`
	Phone          string `json:"phone"`
	Role           string `json:"role"` // driver | admin
	CredentialHash string `json:"-"`
}

type Stop struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Location               geo.Point `json:"location"`
	EstimatedOffsetMinutes int       `json:"estimated_offset_minutes,omitempty"`
}

// Route carries the polyline geometry and stops in travel order.
type Route struct {
	ID       string      `json:"id"`
	Name     string      `json:"name,omitempty"`
	Polyline []geo.Point `json:"polyline"`
	Stops    []Stop      `json:"stops"`
}

type AssignmentStatus string

const (
	AssignmentScheduled AssignmentStatus = "scheduled"
	AssignmentActive    AssignmentStatus = "active"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// Assignment is the time-bounded binding of a driver to a bus and route.
type Assignment struct {
	ID         string           `json:"id"`
	DriverID   string           `json:"driver_id"`
	BusID      string           `json:"bus_id"`
	RouteID    string           `json:"route_id"`
	ShiftStart time.Time        `json:"shift_start"`
	ShiftEnd   time.Time        `json:"shift_end"`
	Status     AssignmentStatus `json:"status"`
	Active     bool             `json:"active"`
}

// CurrentAt reports whether the assignment covers instant t.
func (a Assignment) CurrentAt(t time.Time) bool {
	return a.Active && !t.Before(a.ShiftStart) && !t.After(a.ShiftEnd)
}

type BusStatus string

const (
	BusIdle        BusStatus = "idle"
	BusMoving      BusStatus = "moving"
	BusStopped     BusStatus = "stopped"
	BusMaintenance BusStatus = "maintenance"
	BusInactive    BusStatus = "inactive"
)

// BusSnapshot is the immutable value produced by reading a Bus record.
type BusSnapshot struct {
	BusID        string     `json:"bus_id"`
	RouteID      string     `json:"route_id"`
	DriverID     string     `json:"driver_id,omitempty"`
	Online       bool       `json:"online"`
	Location     *geo.Point `json:"location,omitempty"`
	SpeedKmh     float64    `json:"speed_kmh"`
	Heading      float64    `json:"heading"`
	LastOnlineAt time.Time  `json:"last_online_at"`
	LastUpdateAt time.Time  `json:"last_update_at"`
	Status       BusStatus  `json:"status"`
}

// LastSeenInstant is the most recent life sign of the bus.
func (s BusSnapshot) LastSeenInstant() time.Time {
	if s.LastUpdateAt.After(s.LastOnlineAt) {
		return s.LastUpdateAt
	}
	return s.LastOnlineAt
}

// NearbyBus is a snapshot enriched with the distance from a query point.
type NearbyBus struct {
	BusSnapshot
	DistanceMeters float64 `json:"distance_meters"`
}
