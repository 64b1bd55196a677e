package models

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

type RabbitMQConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Enabled  bool
}

type ServerConfig struct {
	Port        string
	MetricsPort string
}

type AuthConfig struct {
	Secret string
}

type StoreConfig struct {
	Driver string // memory | postgres
}

type ThrottleConfig struct {
	MinIntervalMs int64
	MinDistanceM  float64
}

type StaleConfig struct {
	WindowSec int
	TickSec   int
}

type ETAConfig struct {
	TickSec        int
	SmoothingAlpha float64
}

type SocketConfig struct {
	OutboundQueue  int
	SendTimeoutSec int
}

type NearConfig struct {
	RadiusMaxM float64
}

type WorkersConfig struct {
	Enabled bool
}

type Config struct {
	Database DatabaseConfig
	RabbitMQ RabbitMQConfig
	Server   ServerConfig
	Auth     AuthConfig
	Store    StoreConfig
	Throttle ThrottleConfig
	Stale    StaleConfig
	ETA      ETAConfig
	Socket   SocketConfig
	Near     NearConfig
	Workers  WorkersConfig
}

// Defaults returns a Config carrying the documented default for every knob.
func Defaults() *Config {
	return &Config{
		Server:   ServerConfig{Port: "3000"},
		Auth:     AuthConfig{Secret: "supersecret"},
		Store:    StoreConfig{Driver: "memory"},
		Throttle: ThrottleConfig{MinIntervalMs: 2000, MinDistanceM: 20},
		Stale:    StaleConfig{WindowSec: 60, TickSec: 60},
		ETA:      ETAConfig{TickSec: 10, SmoothingAlpha: 0.3},
		Socket:   SocketConfig{OutboundQueue: 64, SendTimeoutSec: 5},
		Near:     NearConfig{RadiusMaxM: 50000},
		Workers:  WorkersConfig{Enabled: true},
	}
}
