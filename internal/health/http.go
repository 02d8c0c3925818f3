package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HTTPHandler serves the health endpoints
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler for health checks
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers health check endpoints with an HTTP mux
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
	mux.HandleFunc("GET /health/live", h.handleLiveness)
	mux.HandleFunc("GET /health/detailed", h.handleDetailed)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.GetOverallHealth(r.Context())
	code := http.StatusOK
	if overall.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, overall)
}

func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := h.manager.IsReady(r.Context())
	code, msg := http.StatusOK, "ready"
	if !ready {
		code, msg = http.StatusServiceUnavailable, "not ready"
	}
	h.write(w, code, map[string]interface{}{"status": msg, "ready": ready, "timestamp": time.Now().Unix()})
}

func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{"status": "alive", "live": h.manager.IsLive(r.Context()), "timestamp": time.Now().Unix()})
}

func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	detailed := h.manager.GetDetailedHealth(r.Context())
	code := http.StatusOK
	if detailed.Overall.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, detailed)
}

func (h *HTTPHandler) write(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// SyncGRPC mirrors readiness into a gRPC health server every interval
// until ctx is done. service "" is the overall server status.
func (m *Manager) SyncGRPC(ctx context.Context, hs *health.Server, service string, interval time.Duration) {
	set := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if !m.IsReady(ctx) {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(service, st)
	}
	set()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			set()
		}
	}
}
