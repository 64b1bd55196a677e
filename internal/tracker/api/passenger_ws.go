package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/hub"
)

// HandlePassengerWebSocket serves the anonymous passenger channel. The only
// inbound traffic is subscription management; everything else arrives via
// the broadcaster.
func (h *Handler) HandlePassengerWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("PassengerWS", "upgrade failed", err)
		return
	}
	defer conn.Close()

	socketID := uuid.NewString()
	socket := hub.NewSocket(socketID, conn, h.queueLimit, h.sendTimeout)
	socket.OnClose(func(s *hub.Socket) {
		h.registry.DropSocket(s.ID)
	})
	if h.metrics != nil {
		socket.OnPressure(h.metrics.BroadcastsCoalesced.Inc, h.metrics.BroadcastsDropped.Inc)
		h.metrics.PassengerSockets.Inc()
		defer h.metrics.PassengerSockets.Dec()
	}
	defer socket.Close()

	h.log.Info("PassengerWS", "passenger socket "+socketID+" connected")

	stopPing := make(chan struct{})
	go startPingPong(conn, stopPing)
	defer close(stopPing)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Error("PassengerWS", "read failed", err)
			}
			return
		}

		var req SubscribeMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}

		switch req.Type {
		case "subscribe:bus":
			h.subscribeBus(socket, req.BusID)
		case "subscribe:route":
			h.subscribeRoute(socket, req.RouteID)
		case "unsubscribe:bus":
			h.registry.Leave(hub.BusGroup(req.BusID), socket.ID)
		case "unsubscribe:route":
			h.registry.Leave(hub.RouteGroup(req.RouteID), socket.ID)
		default:
			h.log.Warn("PassengerWS", "unknown message type: "+req.Type)
		}
	}
}

// subscribeBus registers membership first, then snapshots, so no window
// exists in which an update could be missed entirely.
func (h *Handler) subscribeBus(socket *hub.Socket, busID string) {
	if busID == "" {
		return
	}
	h.registry.Join(hub.BusGroup(busID), socket)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := h.service.GetBusSnapshot(ctx, busID)
	if err != nil {
		h.log.Error("PassengerWS", "snapshot read failed for bus "+busID, err)
		return
	}
	if snap == nil {
		return // bus never reported; updates will arrive once it does
	}

	socket.Enqueue(hub.Envelope{
		BusID: busID,
		Kind:  domain.ChangeStatus,
		Payload: domain.BusStatusPayload{
			Type:         "bus:status",
			BusID:        snap.BusID,
			RouteID:      snap.RouteID,
			Online:       snap.Online,
			Status:       snap.Status,
			LastOnlineAt: snap.LastOnlineAt,
			LastUpdateAt: snap.LastUpdateAt,
			Timestamp:    time.Now().UTC(),
		},
	})
}

func (h *Handler) subscribeRoute(socket *hub.Socket, routeID string) {
	if routeID == "" {
		return
	}
	h.registry.Join(hub.RouteGroup(routeID), socket)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buses, err := h.service.ListRouteSnapshots(ctx, routeID)
	if err != nil {
		h.log.Error("PassengerWS", "route snapshot failed for "+routeID, err)
		return
	}
	if buses == nil {
		buses = []domain.BusSnapshot{}
	}

	socket.Enqueue(hub.Envelope{
		Kind: domain.ChangeStatus,
		Payload: domain.RouteBusesPayload{
			Type:      "route:buses",
			RouteID:   routeID,
			Buses:     buses,
			Timestamp: time.Now().UTC(),
		},
	})
}
