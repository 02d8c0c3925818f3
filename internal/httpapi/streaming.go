package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/streaming"
	"go.uber.org/zap"
)

// StreamingHandler serves replay-and-follow endpoints for session progress
type StreamingHandler struct {
	mgr       *streaming.Manager
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewStreamingHandler creates the handler
func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, heartbeat: 15 * time.Second, logger: logger}
}

// RegisterRoutes registers the SSE and WebSocket routes
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stream/sse", h.handleSSE)
	mux.HandleFunc("GET /v1/stream/ws", h.handleWS)
}

// lastEventID reads the replay cursor from the Last-Event-ID header or the
// last_event_id query parameter. Zero replays the whole retained history.
func lastEventID(r *http.Request) uint64 {
	for _, v := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}

// handleSSE replays a session's events and follows it until the terminal event.
// GET /v1/stream/sse?session_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	metrics.StreamClients.WithLabelValues("sse").Inc()
	defer metrics.StreamClients.WithLabelValues("sse").Dec()

	// subscribe before replay so nothing published in between is lost
	ch := h.mgr.Subscribe(sid, 256)
	defer h.mgr.Unsubscribe(sid, ch)

	sseHeaders(w)
	fmt.Fprintf(w, ": connected to session %s\n\n", sid)
	flusher.Flush()

	cursor := lastEventID(r)
	for _, ev := range h.mgr.ReplaySince(r.Context(), sid, cursor) {
		writeSSE(w, ev)
		cursor = ev.Seq
		if ev.Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", sid))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= cursor {
				continue
			}
			cursor = ev.Seq
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
