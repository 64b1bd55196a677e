package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bustrack/internal/shared/metrics"
	"bustrack/internal/shared/models"
	"bustrack/internal/shared/util"
	"bustrack/internal/tracker/app"
	"bustrack/internal/tracker/auth"
	"bustrack/internal/tracker/hub"
	"bustrack/internal/tracker/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler carries the wired core for both socket channels and the read API.
type Handler struct {
	service  *app.Service
	verifier *auth.Verifier
	registry *hub.Registry
	sessions *hub.Sessions
	store    store.Store
	log      *util.Logger
	metrics  *metrics.Collector

	queueLimit  int
	sendTimeout time.Duration
	radiusMax   float64
}

func NewHandler(
	service *app.Service,
	verifier *auth.Verifier,
	registry *hub.Registry,
	sessions *hub.Sessions,
	st store.Store,
	log *util.Logger,
	m *metrics.Collector,
	cfg *models.Config,
) *Handler {
	return &Handler{
		service:     service,
		verifier:    verifier,
		registry:    registry,
		sessions:    sessions,
		store:       st,
		log:         log,
		metrics:     m,
		queueLimit:  cfg.Socket.OutboundQueue,
		sendTimeout: time.Duration(cfg.Socket.SendTimeoutSec) * time.Second,
		radiusMax:   cfg.Near.RadiusMaxM,
	}
}

// startPingPong pings every 30 seconds and extends the read deadline on
// every pong. It returns when stop is closed or a ping cannot be written; a
// silent peer is detected by the reader hitting the read deadline.
func startPingPong(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
