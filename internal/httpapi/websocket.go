package httpapi

import (
	"net/http"
	"time"

	"github.com/decisionflow/engine/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the fronting proxy
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
	wsWriteWait  = 10 * time.Second
)

// handleWS is the WebSocket twin of handleSSE. Each message is one JSON
// event; the server closes the socket after the terminal event.
// GET /v1/stream/ws?session_id=<id>&last_event_id=<n>
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	metrics.StreamClients.WithLabelValues("ws").Inc()
	defer metrics.StreamClients.WithLabelValues("ws").Dec()

	ch := h.mgr.Subscribe(sid, 256)
	defer h.mgr.Unsubscribe(sid, ch)

	closeNormally := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session complete")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	cursor := lastEventID(r)
	for _, ev := range h.mgr.ReplaySince(r.Context(), sid, cursor) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		cursor = ev.Seq
		if ev.Terminal() {
			closeNormally()
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// reader pump: client messages are discarded, a read error ends the session
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			h.logger.Debug("WebSocket client disconnected", zap.String("session_id", sid))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= cursor {
				continue
			}
			cursor = ev.Seq
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Terminal() {
				closeNormally()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
