// Package engine manages per-worker content-extraction engine instances.
// Each worker owns at most one instance at any time; a checkout hands out an
// exclusive guard for the duration of one operation. Health is derived from
// consecutive failures reported through the guard's release path, and idle
// instances are destroyed by a background sweep.
package engine

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

// Instance is an owned extraction-engine handle. The concrete engine lives
// outside this package; the manager only governs its lifecycle.
type Instance interface {
	Close() error
}

// Factory creates a new engine instance for a worker.
type Factory func(workerID string) (Instance, error)

// NopFactory returns inert instances. Used when the real engine is wired
// elsewhere and only the lifecycle bookkeeping is needed.
func NopFactory(string) (Instance, error) {
	return nopInstance{}, nil
}

type nopInstance struct{}

func (nopInstance) Close() error { return nil }

// Config holds instance manager configuration.
type Config struct {
	// IdleTimeout is how long an unused instance survives before the sweep
	// destroys it.
	IdleTimeout time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
	// CheckoutTimeout bounds how long a checkout waits for a busy instance.
	CheckoutTimeout time.Duration
	// MaxConsecutiveFailures marks an instance unhealthy once this many
	// releases in a row report an error.
	MaxConsecutiveFailures int
}

// InstanceStats is a read-only view of one worker's instance.
type InstanceStats struct {
	WorkerID       string
	CreatedAt      time.Time
	LastUsed       time.Time
	OperationCount uint64
	Healthy        bool
	CheckedOut     bool
}

// record tracks one worker's instance. The slot channel holds a single
// token; whoever holds the token has exclusive use of the instance, so a
// second live checkout for the same worker is structurally impossible.
type record struct {
	workerID            string
	inst                Instance
	createdAt           time.Time
	lastUsed            time.Time
	opCount             uint64
	consecutiveFailures int
	healthy             bool
	checkedOut          bool
	slot                chan struct{}
	gone                chan struct{}
}

// Manager enforces the single-instance-per-worker invariant.
type Manager struct {
	mu      sync.Mutex
	records map[string]*record

	cfg     Config
	clock   resource.Clock
	factory Factory
	reg     *metrics.Registry
	logger  *zap.Logger

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a Manager and starts its background sweep.
func New(cfg Config, factory Factory, clock resource.Clock, reg *metrics.Registry, logger *zap.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 10 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if factory == nil {
		factory = NopFactory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		records: make(map[string]*record),
		cfg:     cfg,
		clock:   clock,
		factory: factory,
		reg:     reg,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Checkout acquires the worker's engine instance, creating it if absent. If
// the instance is checked out it waits up to the configured timeout. An
// abandoned wait consumes nothing.
func (m *Manager) Checkout(ctx context.Context, workerID string) (*Guard, error) {
	rec, err := m.getOrCreate(workerID)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.cfg.CheckoutTimeout)
	defer timer.Stop()

	select {
	case <-rec.slot:
		m.mu.Lock()
		rec.checkedOut = true
		rec.opCount++
		rec.lastUsed = m.clock.Now()
		m.mu.Unlock()
		m.reg.RecordAcquisition(metrics.KindEngine)
		return &Guard{mgr: m, rec: rec}, nil
	case <-rec.gone:
		// Instance was torn down while we waited; the next checkout will
		// recreate it.
		return nil, resource.ErrEngineUnavailable
	case <-timer.C:
		m.reg.RecordTimeout(metrics.KindEngine)
		return nil, fmt.Errorf("engine checkout for worker %s: %w", workerID, resource.ErrTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			m.reg.RecordTimeout(metrics.KindEngine)
			return nil, fmt.Errorf("engine checkout for worker %s: %w", workerID, resource.ErrTimeout)
		}
		return nil, fmt.Errorf("engine checkout for worker %s: %w", workerID, ctx.Err())
	}
}

// InstanceCount reports the number of live instances across workers.
func (m *Manager) InstanceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Stats returns the current view of one worker's instance.
func (m *Manager) Stats(workerID string) (InstanceStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[workerID]
	if !ok {
		return InstanceStats{}, false
	}
	return InstanceStats{
		WorkerID:       rec.workerID,
		CreatedAt:      rec.createdAt,
		LastUsed:       rec.lastUsed,
		OperationCount: rec.opCount,
		Healthy:        rec.healthy,
		CheckedOut:     rec.checkedOut,
	}, true
}

// Sweep destroys instances idle longer than the configured timeout and
// returns how many were removed. The background loop calls it on a timer.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted int
	for _, rec := range m.records {
		if rec.checkedOut || now.Sub(rec.lastUsed) <= m.cfg.IdleTimeout {
			continue
		}
		// Take the idle token so no checkout can race the teardown.
		select {
		case <-rec.slot:
			m.destroyLocked(rec, "idle")
			evicted++
		default:
		}
	}
	return evicted
}

// Close stops the background sweep and destroys all idle instances.
func (m *Manager) Close() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		select {
		case <-rec.slot:
			m.destroyLocked(rec, "shutdown")
		default:
		}
	}
}

// getOrCreate returns the worker's record, replacing an unhealthy idle one
// and creating a fresh one if absent. Creation happens under the manager
// lock so two concurrent checkouts can never produce two records for the
// same worker.
func (m *Manager) getOrCreate(workerID string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[workerID]
	if ok && !rec.healthy && !rec.checkedOut {
		select {
		case <-rec.slot:
			m.destroyLocked(rec, "unhealthy")
			ok = false
		default:
			// Token held elsewhere; the releaser will tear it down.
		}
	}
	if ok {
		return rec, nil
	}

	inst, err := m.factory(workerID)
	if err != nil {
		return nil, fmt.Errorf("create engine instance for worker %s: %w (%v)",
			workerID, resource.ErrEngineUnavailable, err)
	}
	now := m.clock.Now()
	rec = &record{
		workerID:  workerID,
		inst:      inst,
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
		slot:      make(chan struct{}, 1),
		gone:      make(chan struct{}),
	}
	rec.slot <- struct{}{}
	m.records[workerID] = rec
	m.reg.SetEngineInstances(int64(len(m.records)))
	m.logger.Debug("engine instance created", zap.String("worker_id", workerID))
	return rec, nil
}

// destroyLocked removes a record whose slot token the caller holds.
func (m *Manager) destroyLocked(rec *record, reason string) {
	delete(m.records, rec.workerID)
	close(rec.gone)
	if err := rec.inst.Close(); err != nil {
		m.logger.Warn("engine instance close failed",
			zap.String("worker_id", rec.workerID), zap.Error(err))
	}
	m.reg.SetEngineInstances(int64(len(m.records)))
	m.logger.Debug("engine instance destroyed",
		zap.String("worker_id", rec.workerID), zap.String("reason", reason))
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("swept idle engine instances", zap.Int("evicted", n))
			}
		case <-m.stopCh:
			return
		}
	}
}

// Guard is an exclusive checkout of one worker's engine instance. Release
// runs exactly once no matter how many times it is called.
type Guard struct {
	mgr  *Manager
	rec  *record
	once sync.Once
}

// WorkerID returns the owning worker's identifier.
func (g *Guard) WorkerID() string {
	return g.rec.workerID
}

// Instance returns the underlying engine handle for the operation.
func (g *Guard) Instance() Instance {
	return g.rec.inst
}

// Release returns the instance. A non-nil opErr counts toward the
// consecutive-failure threshold; crossing it tears the instance down so the
// next checkout recreates it.
func (g *Guard) Release(opErr error) {
	g.once.Do(func() {
		m := g.mgr
		rec := g.rec

		m.mu.Lock()
		rec.checkedOut = false
		rec.lastUsed = m.clock.Now()
		if opErr != nil {
			rec.consecutiveFailures++
			m.reg.RecordReleaseError(metrics.KindEngine)
			if rec.consecutiveFailures >= m.cfg.MaxConsecutiveFailures {
				rec.healthy = false
				m.logger.Warn("engine instance marked unhealthy",
					zap.String("worker_id", rec.workerID),
					zap.Int("consecutive_failures", rec.consecutiveFailures),
				)
			}
		} else {
			rec.consecutiveFailures = 0
		}
		if !rec.healthy {
			// We hold the slot token; tear down without returning it.
			m.destroyLocked(rec, "unhealthy")
		} else {
			select {
			case rec.slot <- struct{}{}:
			default:
				m.reg.RecordGuardViolation(metrics.KindEngine)
			}
		}
		m.mu.Unlock()
		m.reg.RecordRelease(metrics.KindEngine)
	})
}
