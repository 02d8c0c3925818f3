// Package ratecontrol paces progress emission and limits API clients.
package ratecontrol

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Throttle paces snapshot emission to at most one per interval. The first
// call is always allowed.
type Throttle struct {
	lim *rate.Limiter
}

// NewThrottle returns a throttle for interval; a non-positive interval
// disables throttling.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		return &Throttle{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Allow reports whether an emission may happen now and consumes the slot
func (t *Throttle) Allow() bool { return t.lim.Allow() }

// Delay returns how long until the next emission would be allowed,
// without consuming anything.
func (t *Throttle) Delay() time.Duration {
	r := t.lim.Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}

// RateLimit is a requests-per-minute budget with a burst allowance
type RateLimit struct {
	RPM   int
	Burst int
}

// CombineLimits returns the stricter positive value of each field
func CombineLimits(a, b RateLimit) RateLimit {
	return RateLimit{RPM: minPositive(a.RPM, b.RPM), Burst: minPositive(a.Burst, b.Burst)}
}

// KeyedLimiter keeps one token bucket per client key. Buckets idle for
// longer than the expiry are forgotten.
type KeyedLimiter struct {
	mu        sync.Mutex
	def       RateLimit
	overrides map[string]RateLimit
	buckets   *gocache.Cache
}

// NewKeyedLimiter creates a limiter; a non-positive RPM admits everything
func NewKeyedLimiter(def RateLimit, overrides map[string]RateLimit, idle time.Duration) *KeyedLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	if def.Burst <= 0 {
		def.Burst = 1
	}
	return &KeyedLimiter{
		def:       def,
		overrides: overrides,
		buckets:   gocache.New(idle, idle),
	}
}

// Allow consumes one token for key
func (k *KeyedLimiter) Allow(key string) bool {
	return k.limiter(key).Allow()
}

// RetryAfter estimates how long key must wait for the next token
func (k *KeyedLimiter) RetryAfter(key string) time.Duration {
	r := k.limiter(key).Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}

// LimitFor returns the effective limit for key
func (k *KeyedLimiter) LimitFor(key string) RateLimit {
	if o, ok := k.overrides[key]; ok {
		return CombineLimits(o, RateLimit{Burst: k.def.Burst})
	}
	return k.def
}

func (k *KeyedLimiter) limiter(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if v, ok := k.buckets.Get(key); ok {
		lim := v.(*rate.Limiter)
		k.buckets.SetDefault(key, lim)
		return lim
	}
	l := k.LimitFor(key)
	var lim *rate.Limiter
	if l.RPM <= 0 {
		lim = rate.NewLimiter(rate.Inf, 1)
	} else {
		lim = rate.NewLimiter(rate.Limit(float64(l.RPM)/60.0), max(l.Burst, 1))
	}
	k.buckets.SetDefault(key, lim)
	return lim
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
