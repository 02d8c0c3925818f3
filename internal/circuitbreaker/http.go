package circuitbreaker

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker and records metrics
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	service string
}

// NewHTTPWrapper creates a wrapper whose breaker is configured for collaborator
func NewHTTPWrapper(client *http.Client, collaborator, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cb := NewCircuitBreaker(collaborator, ConfigFor(collaborator), logger)
	GlobalMetricsCollector.Register(service, cb)
	return &HTTPWrapper{client: client, cb: cb, service: service}
}

// Breaker exposes the underlying breaker for health checks
func (hw *HTTPWrapper) Breaker() *CircuitBreaker { return hw.cb }

// Do executes the request through the breaker. 5xx responses count as
// failures but are still returned to the caller; 4xx never trip the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})

	GlobalMetricsCollector.RecordRequest(hw.cb.name, hw.service, hw.cb.State(), err == nil)

	var se *statusError
	if errors.As(err, &se) {
		return resp, nil
	}
	return resp, err
}

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }
