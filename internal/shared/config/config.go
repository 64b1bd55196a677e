package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"bustrack/internal/shared/models"

	"github.com/joho/godotenv"
)

// LoadConfig parses the config file into a Config, starting from the
// documented defaults. A `.env` file in the working directory is loaded into the
// environment first so ${VAR:-default} expansion can see it.
func LoadConfig(filename string) (*models.Config, error) {
	_ = godotenv.Load()

	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := models.Defaults()
	var section string

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !strings.Contains(line, ":") {
			continue
		}

		if strings.HasSuffix(line, ":") {
			section = strings.TrimSuffix(line, ":")
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])

		if strings.HasPrefix(val, "${") {
			inside := strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}")
			parts := strings.SplitN(inside, ":-", 2)

			envVar := parts[0]
			defVal := ""
			if len(parts) == 2 {
				defVal = parts[1]
			}

			if v, ok := os.LookupEnv(envVar); ok {
				val = v
			} else {
				val = defVal
			}
		}

		apply(cfg, section, key, val)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func apply(cfg *models.Config, section, key, val string) {
	switch section {
	case "database":
		switch key {
		case "host":
			cfg.Database.Host = val
		case "port":
			cfg.Database.Port = val
		case "user":
			cfg.Database.User = val
		case "password":
			cfg.Database.Password = val
		case "database":
			cfg.Database.Database = val
		}
	case "rabbitmq":
		switch key {
		case "host":
			cfg.RabbitMQ.Host = val
		case "port":
			cfg.RabbitMQ.Port = val
		case "user":
			cfg.RabbitMQ.User = val
		case "password":
			cfg.RabbitMQ.Password = val
		case "enabled":
			cfg.RabbitMQ.Enabled = parseBool(val, cfg.RabbitMQ.Enabled)
		}
	case "server":
		switch key {
		case "port":
			cfg.Server.Port = val
		case "metrics_port":
			cfg.Server.MetricsPort = val
		}
	case "auth":
		if key == "secret" {
			cfg.Auth.Secret = val
		}
	case "store":
		if key == "driver" {
			cfg.Store.Driver = val
		}
	case "throttle":
		switch key {
		case "min_interval_ms":
			cfg.Throttle.MinIntervalMs = parseInt64(val, cfg.Throttle.MinIntervalMs)
		case "min_distance_m":
			cfg.Throttle.MinDistanceM = parseFloat(val, cfg.Throttle.MinDistanceM)
		}
	case "stale":
		switch key {
		case "window_s":
			cfg.Stale.WindowSec = parseInt(val, cfg.Stale.WindowSec)
		case "tick_s":
			cfg.Stale.TickSec = parseInt(val, cfg.Stale.TickSec)
		}
	case "eta":
		switch key {
		case "tick_s":
			cfg.ETA.TickSec = parseInt(val, cfg.ETA.TickSec)
		case "smoothing_alpha":
			cfg.ETA.SmoothingAlpha = parseFloat(val, cfg.ETA.SmoothingAlpha)
		}
	case "socket":
		switch key {
		case "outbound_queue":
			cfg.Socket.OutboundQueue = parseInt(val, cfg.Socket.OutboundQueue)
		case "send_timeout_s":
			cfg.Socket.SendTimeoutSec = parseInt(val, cfg.Socket.SendTimeoutSec)
		}
	case "near":
		if key == "radius_max_m" {
			cfg.Near.RadiusMaxM = parseFloat(val, cfg.Near.RadiusMaxM)
		}
	case "workers":
		if key == "enabled" {
			cfg.Workers.Enabled = parseBool(val, cfg.Workers.Enabled)
		}
	}
}

func parseInt(val string, def int) int {
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseInt64(val string, def int64) int64 {
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

func parseBool(val string, def bool) bool {
	switch strings.ToLower(val) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	}
	return def
}
