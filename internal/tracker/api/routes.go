package api

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rabbitmq/amqp091-go"

	"bustrack/internal/shared/health"
	"bustrack/internal/shared/middleware"
)

// RegisterRoutes wires the socket channels and the read API onto one mux.
// db and rmqConn may be nil; the health handler skips absent dependencies.
func (h *Handler) RegisterRoutes(db *pgxpool.Pool, rmqConn *amqp091.Connection) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/drivers", h.HandleDriverWebSocket)
	mux.HandleFunc("/ws/passengers", h.HandlePassengerWebSocket)

	mux.HandleFunc("/buses/near", h.NearHandler)
	mux.HandleFunc("/buses/", h.GetBusHandler)
	mux.HandleFunc("/buses", h.ListBusesHandler)
	mux.HandleFunc("/routes/", h.GetRouteHandler)

	mux.HandleFunc("/health", health.Handler("tracker-service", db, rmqConn))

	return middleware.RequestID(mux)
}
