// ratelimit.go implements CIF's token-bucket rate limiting with
// per-client keying: one golang.org/x/time/rate.Limiter per client_id,
// evicted on a TTL so an attacker who mints unbounded client_id values
// cannot grow the map without bound (spec design note: "rate-limit map
// growth").
package cif

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/octoreflex/corridor/internal/observability"
)

// RateLimitConfig is CIF's closed configuration set for rate limiting:
// capacity = max_requests, refill rate = max_requests per window_ms.
type RateLimitConfig struct {
	WindowMS    int64
	MaxRequests int
}

func (c RateLimitConfig) limiterBurst() int {
	if c.MaxRequests <= 0 {
		return 1
	}
	return c.MaxRequests
}

func (c RateLimitConfig) limiterRate() rate.Limit {
	if c.WindowMS <= 0 || c.MaxRequests <= 0 {
		return rate.Inf
	}
	perMS := float64(c.MaxRequests) / float64(c.WindowMS)
	return rate.Limit(perMS * 1000)
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientBuckets maintains one rate.Limiter per client_id with idle
// eviction by a background goroutine, delegating the refill math itself
// to the well-tested ecosystem limiter.
type clientBuckets struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*clientBucket

	evictAfter time.Duration
	stop       chan struct{}
	stopOnce   sync.Once

	evictionsTotal uint64
	metrics        *observability.Metrics
}

func newClientBuckets(cfg RateLimitConfig, evictAfter time.Duration) *clientBuckets {
	if evictAfter <= 0 {
		evictAfter = 10 * time.Minute
	}
	cb := &clientBuckets{
		cfg:        cfg,
		buckets:    make(map[string]*clientBucket),
		evictAfter: evictAfter,
		stop:       make(chan struct{}),
	}
	go cb.evictLoop()
	return cb
}

func (cb *clientBuckets) evictLoop() {
	ticker := time.NewTicker(cb.evictAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cb.evictIdle(time.Now())
		case <-cb.stop:
			return
		}
	}
}

func (cb *clientBuckets) evictIdle(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for id, b := range cb.buckets {
		if now.Sub(b.lastSeen) > cb.evictAfter {
			delete(cb.buckets, id)
			cb.evictionsTotal++
			if cb.metrics != nil {
				cb.metrics.RateLimitEvictionsTotal.Inc()
			}
		}
	}
}

// Allow reports whether clientID may proceed now, consuming one token from
// its bucket if so.
func (cb *clientBuckets) Allow(clientID string, now time.Time) bool {
	cb.mu.Lock()
	b, ok := cb.buckets[clientID]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cb.cfg.limiterRate(), cb.cfg.limiterBurst())}
		cb.buckets[clientID] = b
	}
	b.lastSeen = now
	cb.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// Remaining returns an estimate of the client's remaining burst capacity.
func (cb *clientBuckets) Remaining(clientID string, now time.Time) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	b, ok := cb.buckets[clientID]
	if !ok {
		return cb.cfg.limiterBurst()
	}
	tokens := int(b.limiter.TokensAt(now))
	if tokens < 0 {
		tokens = 0
	}
	return tokens
}

// Close stops the eviction goroutine. Safe to call more than once.
func (cb *clientBuckets) Close() {
	cb.stopOnce.Do(func() { close(cb.stop) })
}
