// Package httpapi is the HTTP surface of decisiond: question submission,
// progress streams and reports.
package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/decisionflow/engine/internal/auth"
	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/ratecontrol"
	"go.uber.org/zap"
)

// Handlers are the route groups served by NewRouter
type Handlers struct {
	Decisions *DecisionHandler
	Streams   *StreamingHandler
	Reports   *ReportHandler
}

// NewRouter builds the public API: authentication, then per-client rate
// limiting on session creation, then the scoped route handlers.
func NewRouter(h Handlers, mw *auth.Middleware, limiter *ratecontrol.KeyedLimiter, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	inner := http.NewServeMux()
	if h.Decisions != nil {
		h.Decisions.RegisterRoutes(inner)
	}
	if h.Streams != nil {
		h.Streams.RegisterRoutes(inner)
	}
	if h.Reports != nil {
		h.Reports.RegisterRoutes(inner)
	}

	mux := http.NewServeMux()
	route := func(pattern, name, scope string, limited bool) {
		var handler http.Handler = inner
		if limited && limiter != nil {
			handler = rateLimit(name, limiter, handler, logger)
		}
		handler = auth.RequireScope(scope, handler)
		mux.Handle(pattern, instrument(name, handler))
	}
	route("POST /v1/decisions", "decisions", auth.ScopeDecisionsWrite, true)
	route("GET /v1/stream/", "stream", auth.ScopeDecisionsRead, false)
	route("GET /v1/reports/", "reports", auth.ScopeReportsRead, false)

	if mw == nil {
		mw = auth.NewMiddleware(nil, nil, false, logger)
	}
	return mw.HTTPMiddleware(mux)
}

func rateLimit(route string, limiter *ratecontrol.KeyedLimiter, next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !limiter.Allow(key) {
			retry := limiter.RetryAfter(key)
			metrics.RateLimited.WithLabelValues(route).Inc()
			logger.Debug("Rate limited", zap.String("client", key), zap.Duration("retry_after", retry))
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller for rate limiting: the authenticated
// subject, else the first forwarded address, else the peer address.
func clientKey(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok && p.Method != auth.MethodAnonymous {
		return p.Subject
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
