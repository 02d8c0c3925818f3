package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decisionflow_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)
)

type registration struct {
	service string
	cb      *CircuitBreaker
}

// MetricsCollector exports breaker state for every registered breaker
type MetricsCollector struct {
	mu       sync.RWMutex
	breakers map[string]registration
}

// NewMetricsCollector creates an empty collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{breakers: make(map[string]registration)}
}

// GlobalMetricsCollector is shared by all wrappers in the process
var GlobalMetricsCollector = NewMetricsCollector()

// Register tracks cb and chains a state-change hook that records metrics.
// Must be called before cb serves traffic.
func (mc *MetricsCollector) Register(service string, cb *CircuitBreaker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.breakers[service+":"+cb.name] = registration{service: service, cb: cb}

	prev := cb.config.OnStateChange
	name := cb.name
	cb.config.OnStateChange = func(n string, from, to State) {
		if prev != nil {
			prev(n, from, to)
		}
		breakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
	}
}

// RecordRequest counts one request outcome
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// Snapshot returns the current state of each registered breaker keyed by service:name
func (mc *MetricsCollector) Snapshot() map[string]State {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make(map[string]State, len(mc.breakers))
	for key, reg := range mc.breakers {
		out[key] = reg.cb.State()
	}
	return out
}

func (mc *MetricsCollector) update() {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	for _, reg := range mc.breakers {
		breakerState.WithLabelValues(reg.cb.name, reg.service).Set(float64(reg.cb.State()))
	}
}

// StartMetricsCollection refreshes state gauges every interval until stop is closed
func StartMetricsCollection(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				GlobalMetricsCollector.update()
			case <-stop:
				return
			}
		}
	}()
}
