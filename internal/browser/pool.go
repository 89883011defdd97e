// Package browser maintains a bounded pool of reusable headless browser
// instances. Reused instances are health-checked before handout; crashed
// ones are removed and rebuilt lazily up to the pool cap. Acquisition beyond
// capacity queues with a bounded wait.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/governor/internal/metrics"
	"github.com/crawlkit/governor/internal/resource"
)

// State tracks an instance through its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateInUse
	StateUnhealthy
	StateDestroyed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateInUse:
		return "in_use"
	case StateUnhealthy:
		return "unhealthy"
	case StateDestroyed:
		return "destroyed"
	default:
		return "idle"
	}
}

// Instance is one live browser. The pool only cares about identity, health,
// and teardown; rendering happens through the concrete type.
type Instance interface {
	ID() string
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates a new browser instance.
type Factory func(ctx context.Context) (Instance, error)

// Config holds pool configuration.
type Config struct {
	// Capacity caps concurrently live instances.
	Capacity int
	// IdleTimeout is how long an idle instance survives before the sweep
	// destroys it.
	IdleTimeout time.Duration
	// MaxLifetime recycles an instance regardless of use.
	MaxLifetime time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
	// AcquireTimeout bounds how long Acquire waits for a free instance.
	AcquireTimeout time.Duration
	// HealthCheckTimeout bounds the pre-handout health check.
	HealthCheckTimeout time.Duration
}

type pooled struct {
	inst      Instance
	createdAt time.Time
	lastUsed  time.Time
	state     State
	uses      uint64
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity int
	Live     int
	Idle     int
	InUse    int
}

// Pool coordinates bounded browser reuse.
type Pool struct {
	mu      sync.Mutex
	idle    []*pooled
	live    int // idle + in use + reserved creations
	waiters []chan struct{}
	closed  bool

	cfg     Config
	factory Factory
	reg     *metrics.Registry
	logger  *zap.Logger

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a Pool and starts its background sweep. Instances are built
// lazily on demand.
func New(cfg Config, factory Factory, reg *metrics.Registry, logger *zap.Logger) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("browser pool requires a factory")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 3
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		reg:     reg,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go p.sweepLoop()
	return p, nil
}

// Acquire checks out a browser instance, reusing a healthy idle one,
// creating a new one below capacity, or queueing with a bounded wait. A wait
// abandoned by cancellation or timeout consumes nothing.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	start := time.Now()
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		guard, wait, err := p.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if guard != nil {
			metrics.ObserveAcquireWait(metrics.KindBrowser, time.Since(start).Seconds())
			return guard, nil
		}

		select {
		case <-wait:
			// An instance was returned or capacity freed; retry.
		case <-timer.C:
			p.removeWaiter(wait)
			p.reg.RecordTimeout(metrics.KindBrowser)
			return nil, fmt.Errorf("browser acquire: %w", resource.ErrTimeout)
		case <-ctx.Done():
			p.removeWaiter(wait)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				p.reg.RecordTimeout(metrics.KindBrowser)
				return nil, fmt.Errorf("browser acquire: %w", resource.ErrTimeout)
			}
			return nil, fmt.Errorf("browser acquire: %w", ctx.Err())
		}
	}
}

// tryAcquire attempts one non-blocking pass. It returns a guard on success,
// or a registered waiter channel when the pool is at capacity.
func (p *Pool) tryAcquire(ctx context.Context) (*Guard, chan struct{}, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("browser acquire: pool closed")
		}

		if n := len(p.idle); n > 0 {
			pb := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if p.healthCheck(pb) {
				p.mu.Lock()
				pb.state = StateInUse
				pb.lastUsed = time.Now()
				pb.uses++
				p.mu.Unlock()
				p.reg.RecordAcquisition(metrics.KindBrowser)
				return &Guard{pool: p, pb: pb}, nil, nil
			}
			p.destroy(pb, "failed health check")
			continue
		}

		if p.live < p.cfg.Capacity {
			p.live++ // reserve before the slow create
			p.mu.Unlock()

			inst, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.notifyLocked()
				p.mu.Unlock()
				return nil, nil, fmt.Errorf("browser create: %w (%v)", resource.ErrPoolExhausted, err)
			}
			now := time.Now()
			pb := &pooled{inst: inst, createdAt: now, lastUsed: now, state: StateInUse, uses: 1}
			p.reg.RecordAcquisition(metrics.KindBrowser)
			p.logger.Debug("browser instance created", zap.String("browser_id", inst.ID()))
			return &Guard{pool: p, pb: pb}, nil, nil
		}

		wait := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()
		return nil, wait, nil
	}
}

// Stats returns the current pool utilization.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.cfg.Capacity,
		Live:     p.live,
		Idle:     len(p.idle),
		InUse:    p.live - len(p.idle),
	}
}

// Sweep destroys idle instances past their idle timeout or max lifetime and
// returns how many were removed.
func (p *Pool) Sweep() int {
	now := time.Now()
	p.mu.Lock()
	var keep []*pooled
	var expired []*pooled
	for _, pb := range p.idle {
		if now.Sub(pb.lastUsed) > p.cfg.IdleTimeout || now.Sub(pb.createdAt) > p.cfg.MaxLifetime {
			expired = append(expired, pb)
		} else {
			keep = append(keep, pb)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, pb := range expired {
		p.destroy(pb, "expired")
	}
	return len(expired)
}

// Close stops the sweep and tears down all idle instances. In-use instances
// are destroyed when their guards release.
func (p *Pool) Close() {
	p.stopped.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, w := range p.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	p.waiters = nil
	p.mu.Unlock()

	for _, pb := range idle {
		p.destroy(pb, "shutdown")
	}
}

func (p *Pool) healthCheck(pb *pooled) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckTimeout)
	defer cancel()
	if err := pb.inst.Ping(ctx); err != nil {
		p.logger.Warn("browser health check failed",
			zap.String("browser_id", pb.inst.ID()), zap.Error(err))
		pb.state = StateUnhealthy
		return false
	}
	return true
}

func (p *Pool) destroy(pb *pooled, reason string) {
	p.mu.Lock()
	p.live--
	pb.state = StateDestroyed
	p.notifyLocked()
	p.mu.Unlock()

	if err := pb.inst.Close(); err != nil {
		p.logger.Warn("browser close failed",
			zap.String("browser_id", pb.inst.ID()), zap.Error(err))
	}
	p.logger.Debug("browser instance destroyed",
		zap.String("browser_id", pb.inst.ID()), zap.String("reason", reason))
}

// notifyLocked wakes one waiter. Waking is a hint; the waiter re-runs the
// acquisition pass, so a spurious wake never over-grants.
func (p *Pool) notifyLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

func (p *Pool) removeWaiter(w chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.waiters {
		if c == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Debug("swept expired browser instances", zap.Int("evicted", n))
			}
		case <-p.stopCh:
			return
		}
	}
}

// Guard is an exclusive checkout of one browser instance. Release runs
// exactly once; a non-nil opErr reports a crash and removes the instance.
type Guard struct {
	pool *Pool
	pb   *pooled
	once sync.Once
}

// Instance returns the checked-out browser.
func (g *Guard) Instance() Instance {
	return g.pb.inst
}

// Release returns the instance to the pool. A non-nil opErr (crash, render
// failure) removes the instance; the pool rebuilds up to cap on next demand.
func (g *Guard) Release(opErr error) {
	g.once.Do(func() {
		p := g.pool
		pb := g.pb

		if opErr != nil {
			p.reg.RecordReleaseError(metrics.KindBrowser)
			pb.state = StateUnhealthy
			p.destroy(pb, "released with error")
			p.reg.RecordRelease(metrics.KindBrowser)
			return
		}

		p.mu.Lock()
		if p.closed || time.Since(pb.createdAt) > p.cfg.MaxLifetime {
			p.mu.Unlock()
			p.destroy(pb, "expired on release")
		} else {
			pb.state = StateIdle
			pb.lastUsed = time.Now()
			p.idle = append(p.idle, pb)
			p.notifyLocked()
			p.mu.Unlock()
		}
		p.reg.RecordRelease(metrics.KindBrowser)
	})
}
