package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/decisionflow/engine/internal/state"
	"github.com/decisionflow/engine/internal/streaming"
	"github.com/decisionflow/engine/internal/temporal"
	"github.com/decisionflow/engine/internal/workflows"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner executes one session; *workflows.Driver satisfies it
type Runner interface {
	Run(ctx context.Context, s *state.Session, sink workflows.Sink) (*workflows.Result, error)
}

// Starter launches a session as a durable workflow
type Starter interface {
	StartSession(ctx context.Context, in temporal.SessionInput) (workflowID string, err error)
}

// DecisionHandler accepts questions and runs sessions
type DecisionHandler struct {
	newRunner func() Runner
	stream    *streaming.Manager
	starter   Starter
	maxDocs   int
	logger    *zap.Logger
}

// NewDecisionHandler creates the handler. newRunner is called once per
// session; stream and starter may be nil.
func NewDecisionHandler(newRunner func() Runner, stream *streaming.Manager, starter Starter, logger *zap.Logger) *DecisionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecisionHandler{newRunner: newRunner, stream: stream, starter: starter, maxDocs: 50, logger: logger}
}

// RegisterRoutes registers POST /v1/decisions
func (h *DecisionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/decisions", h.handleDecision)
}

type decisionRequest struct {
	Question    string   `json:"question"`
	ContextDocs []string `json:"context_docs,omitempty"`
	// Async starts the session as a workflow and returns immediately
	Async bool `json:"async,omitempty"`
}

type asyncResponse struct {
	SessionID  string `json:"session_id"`
	WorkflowID string `json:"workflow_id"`
	StreamURL  string `json:"stream_url"`
}

func (h *DecisionHandler) handleDecision(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.ContextDocs) > h.maxDocs {
		writeError(w, http.StatusBadRequest, "too many context documents")
		return
	}

	sid := uuid.NewString()
	w.Header().Set("X-Session-ID", sid)
	logger := h.logger.With(zap.String("session_id", sid))

	if req.Async {
		h.startAsync(w, r, sid, req, logger)
		return
	}

	s := state.NewSession(sid, req.Question, req.ContextDocs)
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamSession(w, r, s)
		return
	}

	res, err := h.newRunner().Run(r.Context(), s, func(snap state.Snapshot) { h.publish(r.Context(), snap) })
	if err != nil {
		logger.Info("Session ended with error", zap.Error(err))
		if res == nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, statusFor(err), res.Final)
		return
	}
	writeJSON(w, http.StatusOK, res.Final)
}

// streamSession writes every snapshot as an SSE event while the session
// runs. A slow client slows the session down instead of losing events.
func (h *DecisionHandler) streamSession(w http.ResponseWriter, r *http.Request, s *state.Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_, err := h.newRunner().Run(r.Context(), s, func(snap state.Snapshot) {
		writeSSE(w, h.publish(r.Context(), snap))
		flusher.Flush()
	})
	if err != nil {
		h.logger.Info("Streamed session ended with error", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (h *DecisionHandler) publish(ctx context.Context, snap state.Snapshot) streaming.Event {
	ev := streaming.EventFor(snap)
	if h.stream == nil {
		return ev
	}
	// the session may outlive a disconnected client; keep mirroring it
	return h.stream.Publish(context.WithoutCancel(ctx), snap.SessionID, ev)
}

func (h *DecisionHandler) startAsync(w http.ResponseWriter, r *http.Request, sid string, req decisionRequest, logger *zap.Logger) {
	if h.starter == nil {
		writeError(w, http.StatusBadRequest, "async sessions are not enabled")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid question: must be a non-empty string")
		return
	}
	wfID, err := h.starter.StartSession(r.Context(), temporal.SessionInput{
		SessionID:   sid,
		Question:    req.Question,
		ContextDocs: req.ContextDocs,
	})
	if err != nil {
		logger.Error("Failed to start decision workflow", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to start session")
		return
	}
	logger.Info("Decision workflow started", zap.String("workflow_id", wfID))
	writeJSON(w, http.StatusAccepted, asyncResponse{
		SessionID:  sid,
		WorkflowID: wfID,
		StreamURL:  "/v1/stream/sse?session_id=" + sid,
	})
}

func statusFor(err error) int {
	var ve *state.ValidationError
	var gf *state.GenerationFailure
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.As(err, &gf):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}
