package embeddings

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/decisionflow/engine/internal/circuitbreaker"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// EmbeddingCache defines cache operations
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// LocalCache is an in-process TTL cache bounded by entry count
type LocalCache struct {
	c   *gocache.Cache
	max int
}

// NewLocalCache creates a cache holding at most capacity live entries
func NewLocalCache(capacity int, ttl time.Duration) *LocalCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &LocalCache{c: gocache.New(ttl, 10*time.Minute), max: capacity}
}

func (l *LocalCache) Get(_ context.Context, key string) ([]float32, bool) {
	v, ok := l.c.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (l *LocalCache) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	if l.c.ItemCount() >= l.max {
		l.c.DeleteExpired()
		if l.c.ItemCount() >= l.max {
			// No recency tracking; start over rather than grow unbounded
			l.c.Flush()
		}
	}
	l.c.Set(key, v, ttl)
}

// Len reports the number of cached entries, including not yet evicted expired ones
func (l *LocalCache) Len() int { return l.c.ItemCount() }

// RedisCache uses circuit-breaker wrapped Redis
type RedisCache struct {
	cli *circuitbreaker.RedisWrapper
}

// NewRedisCache uses the wrapped client after one successful ping
func NewRedisCache(ctx context.Context, wrapper *circuitbreaker.RedisWrapper) (*RedisCache, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := wrapper.Do(ctx, func(c redis.UniversalClient) error { return c.Ping(ctx).Err() })
	if err != nil {
		return nil, err
	}
	return &RedisCache{cli: wrapper}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	var b []byte
	err := r.cli.Do(ctx, func(c redis.UniversalClient) error {
		var e error
		b, e = c.Get(ctx, key).Bytes()
		return e
	})
	if err != nil || len(b)%4 != 0 {
		return nil, false
	}
	return decodeVector(b), true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	b := encodeVector(v)
	_ = r.cli.Do(ctx, func(c redis.UniversalClient) error {
		return c.Set(ctx, key, b, ttl).Err()
	})
}

// MakeKey derives the cache key for a model and text
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}

func encodeVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
