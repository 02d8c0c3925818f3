package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper runs Redis commands through a circuit breaker
type RedisWrapper struct {
	client  redis.UniversalClient
	cb      *CircuitBreaker
	service string
}

// NewRedisWrapper wraps client; service labels metrics (e.g. "embedding-cache")
func NewRedisWrapper(client redis.UniversalClient, service string, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker(Redis, ConfigFor(Redis), logger)
	GlobalMetricsCollector.Register(service, cb)
	return &RedisWrapper{client: client, cb: cb, service: service}
}

// Do executes fn through the breaker. redis.Nil is a miss, not a failure.
func (rw *RedisWrapper) Do(ctx context.Context, fn func(redis.UniversalClient) error) error {
	var inner error
	err := rw.cb.Execute(ctx, func() error {
		inner = fn(rw.client)
		if errors.Is(inner, redis.Nil) {
			return nil
		}
		return inner
	})
	GlobalMetricsCollector.RecordRequest(rw.cb.name, rw.service, rw.cb.State(), err == nil)
	if err != nil {
		return err
	}
	return inner
}

// Client returns the wrapped client
func (rw *RedisWrapper) Client() redis.UniversalClient { return rw.client }

// IsOpen reports whether the breaker currently rejects calls
func (rw *RedisWrapper) IsOpen() bool { return rw.cb.State() == StateOpen }

// DBWrapper runs database calls through a circuit breaker
type DBWrapper struct {
	db      *sqlx.DB
	cb      *CircuitBreaker
	service string
}

// NewDBWrapper wraps db; service labels metrics (e.g. "decision-memory")
func NewDBWrapper(db *sqlx.DB, service string, logger *zap.Logger) *DBWrapper {
	cb := NewCircuitBreaker(Memory, ConfigFor(Memory), logger)
	GlobalMetricsCollector.Register(service, cb)
	return &DBWrapper{db: db, cb: cb, service: service}
}

// Do executes fn through the breaker. sql.ErrNoRows is not a failure.
func (dw *DBWrapper) Do(ctx context.Context, fn func(*sqlx.DB) error) error {
	var inner error
	err := dw.cb.Execute(ctx, func() error {
		inner = fn(dw.db)
		if errors.Is(inner, sql.ErrNoRows) {
			return nil
		}
		return inner
	})
	GlobalMetricsCollector.RecordRequest(dw.cb.name, dw.service, dw.cb.State(), err == nil)
	if err != nil {
		return err
	}
	return inner
}

// DB returns the wrapped handle
func (dw *DBWrapper) DB() *sqlx.DB { return dw.db }

// Breaker exposes the underlying breaker for health checks
func (dw *DBWrapper) Breaker() *CircuitBreaker { return dw.cb }
