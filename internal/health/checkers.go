package health

import (
	"context"
	"errors"
	"time"

	"github.com/decisionflow/engine/internal/circuitbreaker"
	"github.com/decisionflow/engine/internal/vectordb"
	"github.com/redis/go-redis/v9"
)

// slowThreshold marks a responding dependency as degraded
const slowThreshold = 100 * time.Millisecond

type base struct {
	name     string
	critical bool
	timeout  time.Duration
}

func (b base) Name() string           { return b.name }
func (b base) IsCritical() bool       { return b.critical }
func (b base) Timeout() time.Duration { return b.timeout }

func probeResult(err error, elapsed time.Duration, ok, failed string) CheckResult {
	details := map[string]interface{}{"latency_ms": elapsed.Milliseconds()}
	switch {
	case err != nil:
		return CheckResult{Status: StatusUnhealthy, Message: failed, Error: err.Error(), Details: details}
	case elapsed > slowThreshold:
		return CheckResult{Status: StatusDegraded, Message: ok + " with high latency", Details: details}
	default:
		return CheckResult{Status: StatusHealthy, Message: ok, Details: details}
	}
}

// BreakerChecker reports a collaborator by its circuit breaker state alone.
// It is used for the completion service, which has no cheap probe.
type BreakerChecker struct {
	base
	breaker *circuitbreaker.CircuitBreaker
}

// NewBreakerChecker creates a checker for breaker
func NewBreakerChecker(name string, breaker *circuitbreaker.CircuitBreaker, critical bool) *BreakerChecker {
	return &BreakerChecker{base: base{name: name, critical: critical, timeout: time.Second}, breaker: breaker}
}

func (b *BreakerChecker) Check(context.Context) CheckResult {
	st := b.breaker.State()
	details := map[string]interface{}{"circuit_breaker": st.String()}
	switch st {
	case circuitbreaker.StateOpen:
		return CheckResult{Status: StatusUnhealthy, Message: "circuit breaker open", Error: circuitbreaker.ErrCircuitBreakerOpen.Error(), Details: details}
	case circuitbreaker.StateHalfOpen:
		return CheckResult{Status: StatusDegraded, Message: "circuit breaker probing", Details: details}
	default:
		return CheckResult{Status: StatusHealthy, Message: "circuit breaker closed", Details: details}
	}
}

// Pinger is a store with a liveness probe, such as the memory stores
type Pinger interface {
	Ping(ctx context.Context) error
	Breaker() *circuitbreaker.CircuitBreaker
}

// StoreChecker pings a database-backed store
type StoreChecker struct {
	base
	store Pinger
}

// NewStoreChecker creates a checker for store
func NewStoreChecker(name string, store Pinger, critical bool) *StoreChecker {
	return &StoreChecker{base: base{name: name, critical: critical, timeout: 5 * time.Second}, store: store}
}

func (s *StoreChecker) Check(ctx context.Context) CheckResult {
	if s.store.Breaker().State() == circuitbreaker.StateOpen {
		return CheckResult{Status: StatusUnhealthy, Message: "circuit breaker open", Error: circuitbreaker.ErrCircuitBreakerOpen.Error()}
	}
	start := time.Now()
	err := s.store.Ping(ctx)
	return probeResult(err, time.Since(start), "store healthy", "store ping failed")
}

// RedisChecker pings Redis through its breaker wrapper
type RedisChecker struct {
	base
	redis *circuitbreaker.RedisWrapper
}

// NewRedisChecker creates a checker for the shared Redis client
func NewRedisChecker(wrapper *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{base: base{name: "redis", timeout: 5 * time.Second}, redis: wrapper}
}

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	if r.redis.IsOpen() {
		return CheckResult{Status: StatusUnhealthy, Message: "Redis circuit breaker is open", Error: circuitbreaker.ErrCircuitBreakerOpen.Error()}
	}
	start := time.Now()
	err := r.redis.Do(ctx, func(c redis.UniversalClient) error { return c.Ping(ctx).Err() })
	return probeResult(err, time.Since(start), "Redis healthy", "Redis ping failed")
}

// CollectionChecker is satisfied by *vectordb.Client
type CollectionChecker interface {
	CheckCollection(ctx context.Context) (*vectordb.CollectionInfo, error)
}

// VectorDBChecker validates the retrieval collection and its dimension
type VectorDBChecker struct {
	base
	client CollectionChecker
}

// NewVectorDBChecker creates a checker for client. Retrieval failures only
// degrade sessions, so it is not critical.
func NewVectorDBChecker(client CollectionChecker) *VectorDBChecker {
	return &VectorDBChecker{base: base{name: "vectordb", timeout: 5 * time.Second}, client: client}
}

func (v *VectorDBChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	info, err := v.client.CheckCollection(ctx)
	res := probeResult(err, time.Since(start), "collection ready", "collection check failed")
	var dim vectordb.DimensionMismatchError
	if errors.As(err, &dim) {
		res.Message = "collection dimension mismatch"
	}
	if info != nil {
		res.Details["collection"] = info.Name
		res.Details["points"] = info.PointsCount
		res.Details["dimension"] = info.VectorSize
	}
	if err == nil && info == nil {
		res.Message = "vector retrieval disabled"
	}
	return res
}
