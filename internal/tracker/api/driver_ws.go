package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bustrack/internal/shared/apperrors"
	"bustrack/internal/tracker/auth"
	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/hub"
)

// HandleDriverWebSocket serves the authenticated driver ingress channel.
func (h *Handler) HandleDriverWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("DriverWS", "upgrade failed", err)
		return
	}
	defer conn.Close()

	identity := h.authenticateDriverWithTimeout(r.Context(), conn)
	if identity == nil {
		return
	}

	socketID := uuid.NewString()
	socket := hub.NewSocket(socketID, conn, h.queueLimit, h.sendTimeout)
	socket.OnClose(func(s *hub.Socket) {
		h.registry.DropSocket(s.ID)
	})
	if h.metrics != nil {
		socket.OnPressure(h.metrics.BroadcastsCoalesced.Inc, h.metrics.BroadcastsDropped.Inc)
		h.metrics.DriverSockets.Inc()
		defer h.metrics.DriverSockets.Dec()
	}

	h.sessions.Set(hub.SessionState{SocketID: socketID, DriverID: identity.DriverID})
	defer h.driverGone(socketID, identity.DriverID, socket)

	h.log.Info("DriverWS", fmt.Sprintf("driver %s connected as socket %s", identity.DriverID, socketID))

	stopPing := make(chan struct{})
	go startPingPong(conn, stopPing)
	defer close(stopPing)

	h.driverReadLoop(conn, socket, identity)
}

// authenticateDriverWithTimeout waits up to 5 seconds for the auth message
// and verifies the token. On failure the connection closes with the auth
// error kind.
func (h *Handler) authenticateDriverWithTimeout(ctx context.Context, conn *websocket.Conn) *auth.Identity {
	authTimer := time.NewTimer(5 * time.Second)
	defer authTimer.Stop()
	authChan := make(chan string, 1)

	go func() {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var authMsg AuthMessage
		if err := json.Unmarshal(msg, &authMsg); err != nil {
			return
		}
		if authMsg.Type == "auth" {
			authChan <- authMsg.Token
		}
	}()

	select {
	case token := <-authChan:
		identity, err := h.verifier.Verify(ctx, token)
		if err != nil {
			_ = conn.WriteJSON(WSResponse{Type: "error", Message: apperrors.KindOf(err)})
			return nil
		}
		_ = conn.WriteJSON(WSResponse{Type: "auth_success", Message: "authenticated"})
		return identity
	case <-authTimer.C:
		_ = conn.WriteJSON(WSResponse{Type: "error", Message: apperrors.KindOf(apperrors.ErrAuthInvalid)})
		return nil
	}
}

func (h *Handler) driverReadLoop(conn *websocket.Conn, socket *hub.Socket, identity *auth.Identity) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Error("DriverWS", "read failed", err)
			}
			socket.Close()
			return
		}

		var baseMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &baseMsg); err != nil {
			h.log.Warn("DriverWS", "unparseable message from driver "+identity.DriverID)
			continue
		}

		switch baseMsg.Type {
		case "driver:toggle":
			h.handleToggle(msg, socket, identity)
		case "driver:move":
			h.handleMove(msg, socket, identity)
		default:
			h.log.Warn("DriverWS", "unknown message type: "+baseMsg.Type)
		}
	}
}

func (h *Handler) handleToggle(msg []byte, socket *hub.Socket, identity *auth.Identity) {
	var req DriverToggleMsg
	if err := json.Unmarshal(msg, &req); err != nil || req.BusID == "" {
		socket.Enqueue(ackEnvelope(EventError{Type: "driver:toggle:error", Error: "InvalidPayload"}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	a, _, err := h.service.Toggle(ctx, identity.DriverID, req.BusID, req.Online, now)
	if err != nil {
		socket.Enqueue(ackEnvelope(EventError{
			Type:    "driver:toggle:error",
			Error:   apperrors.KindOf(err),
			Message: err.Error(),
		}))
		return
	}

	// Auto-join so the driver sees its own corroborating room traffic.
	h.registry.Join(hub.BusGroup(req.BusID), socket)
	h.registry.Join(hub.RouteGroup(a.RouteID), socket)
	h.sessions.Update(socket.ID, func(st *hub.SessionState) {
		st.DriverID = identity.DriverID
		st.LastBusID = req.BusID
		st.LastRouteID = a.RouteID
	})

	socket.Enqueue(ackEnvelope(ToggleAck{
		Type:      "driver:toggle:success",
		BusID:     req.BusID,
		Online:    req.Online,
		Timestamp: now,
	}))
}

func (h *Handler) handleMove(msg []byte, socket *hub.Socket, identity *auth.Identity) {
	var req DriverMoveMsg
	if err := json.Unmarshal(msg, &req); err != nil || req.BusID == "" {
		socket.Enqueue(ackEnvelope(EventError{Type: "driver:move:error", Error: "InvalidPayload"}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	result, err := h.service.Move(ctx, identity.DriverID, req.BusID,
		req.Lng, req.Lat, req.SpeedKmh, req.Heading, time.UnixMilli(req.Ts), now)
	if err != nil {
		socket.Enqueue(ackEnvelope(EventError{
			Type:    "driver:move:error",
			Error:   apperrors.KindOf(err),
			Message: err.Error(),
		}))
		return
	}
	if !result.Accepted {
		return // throttled samples drop silently
	}

	socket.Enqueue(ackEnvelope(MoveAck{
		Type:      "driver:move:success",
		BusID:     req.BusID,
		Timestamp: now,
	}))
}

// driverGone runs the disconnect path: memberships cleared, throttle entry
// evicted and the last toggled bus marked offline best-effort.
func (h *Handler) driverGone(socketID, driverID string, socket *hub.Socket) {
	socket.Close()
	h.registry.DropSocket(socketID)

	st, _ := h.sessions.Get(socketID)
	h.sessions.Delete(socketID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.service.DriverDisconnected(ctx, driverID, st.LastBusID, st.LastRouteID)

	h.log.Info("DriverWS", "driver "+driverID+" disconnected")
}

// ackEnvelope wraps acknowledgements and errors; they belong to the
// status class and are never coalesced away.
func ackEnvelope(payload interface{}) hub.Envelope {
	return hub.Envelope{Kind: domain.ChangeStatus, Payload: payload}
}
