/*
stream.go - Websocket push of a user's points events

PURPOSE:
  Upgrades GET /api/users/{id}/stream to a websocket and pushes the user's
  events as JSON frames until the client goes away.

FRAMES:
  1. snapshot        Current PointsData (null data for an unknown user)
  2. bus events      points-changed, transaction-created, sync-*,
                     circuit-opened, queue-processed for this user
  3. remote-update   Remote row changes, informational only

CONNECTION:
  One read pump (pongs, read deadline) and one write pump (ping ticker,
  write deadlines). A full send buffer drops events instead of blocking
  the bus. Origins are checked against server.allowed_origins.

SEE ALSO:
  - server.go: Route registration
  - events/bus.go: Event types
  - syncengine/engine.go: SubscribeToUpdates
*/
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/solanaverse/points-engine/events"
	"github.com/solanaverse/points-engine/points"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 32
)

// SnapshotEvent is the first frame of every stream: the user's current
// snapshot, or null data for an unknown user.
const SnapshotEvent events.Type = "snapshot"

// RemoteUpdateEvent carries a remote row change as PointsData. It is
// informational: the cache is only replaced by an explicit pull.
const RemoteUpdateEvent events.Type = "remote-update"

// streamTypes are forwarded to a user's stream when UserID matches.
var streamTypes = []events.Type{
	events.PointsChanged,
	events.TransactionCreated,
	events.SyncCompleted,
	events.SyncFailed,
	events.CircuitOpened,
	events.QueueProcessed,
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Stream upgrades to a websocket and pushes the user's events as JSON.
// Slow clients lose events rather than block the bus.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "Event stream unavailable", nil)
		return
	}

	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		h.logger.Debug("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	send := make(chan []byte, sendBuffer)
	done := make(chan struct{})

	if msg, err := json.Marshal(events.Event{
		Type:      SnapshotEvent,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      h.points.GetPoints(r.Context(), userID),
	}); err == nil {
		send <- msg
	}

	forward := func(e events.Event) {
		if e.UserID != userID {
			return
		}
		msg, err := json.Marshal(e)
		if err != nil {
			h.logger.Warn("unencodable event", zap.String("type", string(e.Type)), zap.Error(err))
			return
		}
		select {
		case send <- msg:
		case <-done:
		default:
			h.logger.Warn("stream buffer full, dropping event", zap.String("user_id", userID), zap.String("type", string(e.Type)))
		}
	}
	subs := make([]events.Subscription, 0, len(streamTypes))
	for _, t := range streamTypes {
		subs = append(subs, h.bus.On(t, forward))
	}

	if h.sync != nil {
		unsubscribe, err := h.sync.SubscribeToUpdates(r.Context(), userID, func(p points.PointsData) {
			forward(events.Event{Type: RemoteUpdateEvent, UserID: userID, Timestamp: time.Now().UTC(), Data: p})
		})
		if err != nil {
			h.logger.Warn("remote updates unavailable", zap.String("user_id", userID), zap.Error(err))
		} else {
			defer unsubscribe()
		}
	}

	h.logger.Info("stream opened", zap.String("user_id", userID))
	go h.writePump(conn, send, done)
	h.readPump(conn)

	close(done)
	for _, s := range subs {
		s.Unsubscribe()
	}
	h.logger.Info("stream closed", zap.String("user_id", userID))
}

// readPump discards client frames and returns when the connection ends.
func (h *Handler) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
