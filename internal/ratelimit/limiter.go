// Package ratelimit implements per-host token-bucket admission control for
// outbound crawl traffic. Buckets refill continuously, are sharded so that
// one host's contention never serializes another's, and are swept in the
// background once idle.
package ratelimit

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/governor/internal/metrics"
	"github.com/crawlkit/governor/internal/resource"
)

const shardCount = 64

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerSecond is the continuous refill rate per host.
	RequestsPerSecond float64
	// BurstCapacity caps the tokens a bucket may hold. New buckets are
	// seeded at full burst so a fresh host gets its burst immediately.
	BurstCapacity float64
	// JitterFraction widens the returned retry-after by ±fraction to avoid
	// synchronized retries across callers.
	JitterFraction float64
	// IdleTTL is how long an unused bucket survives before the sweep
	// removes it.
	IdleTTL time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

// HostStats is a read-only view of one host bucket.
type HostStats struct {
	Host         string
	Tokens       float64
	RequestCount uint64
	LastRequest  time.Time
}

type hostBucket struct {
	tokens       float64
	lastRefill   time.Time
	requestCount uint64
	lastRequest  time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*hostBucket
}

// Limiter manages per-host token buckets.
type Limiter struct {
	cfg     Config
	clock   resource.Clock
	reg     *metrics.Registry
	logger  *zap.Logger
	shards  [shardCount]shard
	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a Limiter and starts its background sweep.
func New(cfg Config, clock resource.Clock, reg *metrics.Registry, logger *zap.Logger) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1.5
	}
	if cfg.BurstCapacity <= 0 {
		cfg.BurstCapacity = 3
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		cfg:    cfg,
		clock:  clock,
		reg:    reg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*hostBucket)
	}
	go l.sweepLoop()
	return l
}

// Acquire consumes one token from the host's bucket. It returns nil when the
// request is admitted, or a *resource.RateLimitedError carrying the jittered
// wait until the next token. Denial never blocks and never touches other
// hosts' buckets.
func (l *Limiter) Acquire(host string) error {
	now := l.clock.Now()
	s := l.shardFor(host)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[host]
	if !ok {
		// Seed at full burst capacity, not at the refill rate: a fresh host
		// must admit its whole burst immediately.
		b = &hostBucket{
			tokens:     l.cfg.BurstCapacity,
			lastRefill: now,
		}
		s.buckets[host] = b
	}

	l.refill(b, now)
	b.lastRequest = now

	if b.tokens >= 1.0 {
		b.tokens--
		b.requestCount++
		return nil
	}

	l.reg.RecordRateLimitHit(host)
	deficit := 1.0 - b.tokens
	wait := time.Duration(deficit / l.cfg.RequestsPerSecond * float64(time.Second))
	return &resource.RateLimitedError{Host: host, RetryAfter: l.jitter(wait)}
}

// HostStats returns the current view of one host's bucket, refilled to now.
func (l *Limiter) HostStats(host string) (HostStats, bool) {
	s := l.shardFor(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[host]
	if !ok {
		return HostStats{}, false
	}
	l.refill(b, l.clock.Now())
	return HostStats{
		Host:         host,
		Tokens:       b.tokens,
		RequestCount: b.requestCount,
		LastRequest:  b.lastRequest,
	}, true
}

// HostCount reports how many host buckets are currently tracked.
func (l *Limiter) HostCount() int {
	var n int
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.stopped.Do(func() { close(l.stopCh) })
}

// Sweep removes buckets idle longer than the configured TTL and returns how
// many were evicted. Exposed for tests; the background loop calls it on a
// timer.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	var evicted int
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for host, b := range s.buckets {
			if now.Sub(b.lastRequest) > l.cfg.IdleTTL {
				delete(s.buckets, host)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("swept idle host buckets", zap.Int("evicted", n))
			}
		case <-l.stopCh:
			return
		}
	}
}

// refill adds tokens for the elapsed time since the last refill, capped at
// burst capacity. Caller holds the shard lock.
func (l *Limiter) refill(b *hostBucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * l.cfg.RequestsPerSecond
	if b.tokens > l.cfg.BurstCapacity {
		b.tokens = l.cfg.BurstCapacity
	}
	b.lastRefill = now
}

func (l *Limiter) jitter(d time.Duration) time.Duration {
	if l.cfg.JitterFraction <= 0 || d <= 0 {
		return d
	}
	f := 1 + l.cfg.JitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

func (l *Limiter) shardFor(host string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return &l.shards[h.Sum32()%shardCount]
}
