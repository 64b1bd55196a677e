package api

import (
	"time"

	"bustrack/internal/tracker/domain"
)

// Inbound socket messages. Every message carries a type discriminator; the
// read loops dispatch on it.

type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type DriverToggleMsg struct {
	Type   string `json:"type"`
	BusID  string `json:"bus_id"`
	Online bool   `json:"online"`
}

type DriverMoveMsg struct {
	Type     string  `json:"type"`
	BusID    string  `json:"bus_id"`
	Lng      float64 `json:"lng"`
	Lat      float64 `json:"lat"`
	SpeedKmh float64 `json:"speed_kmh"`
	Heading  float64 `json:"heading"`
	Ts       int64   `json:"ts"` // client sample time, ms since epoch
}

type SubscribeMsg struct {
	Type    string `json:"type"`
	BusID   string `json:"bus_id,omitempty"`
	RouteID string `json:"route_id,omitempty"`
}

// Outbound acknowledgements and errors on the driver channel.

type WSResponse struct {
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type ToggleAck struct {
	Type      string    `json:"type"` // "driver:toggle:success"
	BusID     string    `json:"bus_id"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

type MoveAck struct {
	Type      string    `json:"type"` // "driver:move:success"
	BusID     string    `json:"bus_id"`
	Timestamp time.Time `json:"timestamp"`
}

type EventError struct {
	Type    string `json:"type"` // "driver:toggle:error" | "driver:move:error"
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Read API response shapes.

type NearBusResponse struct {
	domain.NearbyBus
	LastSeen domain.LastSeen `json:"last_seen"`
}

type NearResponse struct {
	Buses     []NearBusResponse `json:"buses"`
	Count     int               `json:"count"`
	Timestamp time.Time         `json:"timestamp"`
}

type ListBusesResponse struct {
	Buses []domain.BusSnapshot `json:"buses"`
	Count int                  `json:"count"`
}
