// Package pdf bounds concurrent PDF processing with a weighted semaphore.
// Each slot guard carries the operation's estimated memory and reports it
// back to the memory monitor on release.
package pdf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/crawlkit/governor/internal/memory"
	"github.com/crawlkit/governor/internal/metrics"
	"github.com/crawlkit/governor/internal/resource"
)

// Config holds PDF slot configuration.
type Config struct {
	// MaxConcurrent is the slot capacity.
	MaxConcurrent int
	// AcquireTimeout bounds how long Acquire waits for a free slot.
	AcquireTimeout time.Duration
	// MemoryEstimateBytes is the per-operation memory estimate reported to
	// the memory monitor.
	MemoryEstimateBytes uint64
}

// Manager hands out bounded PDF processing slots.
type Manager struct {
	cfg    Config
	sem    *semaphore.Weighted
	active atomic.Int64
	mem    *memory.Monitor
	reg    *metrics.Registry
	logger *zap.Logger
}

// New creates a Manager.
func New(cfg Config, mem *memory.Monitor, reg *metrics.Registry, logger *zap.Logger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.MemoryEstimateBytes == 0 {
		cfg.MemoryEstimateBytes = 128 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		mem:    mem,
		reg:    reg,
		logger: logger,
	}
}

// Acquire claims one PDF slot, waiting up to the configured timeout. An
// abandoned wait consumes no permit.
func (m *Manager) Acquire(ctx context.Context) (*Guard, error) {
	start := time.Now()
	acquireCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	if err := m.sem.Acquire(acquireCtx, 1); err != nil {
		if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			m.reg.RecordTimeout(metrics.KindPDF)
			return nil, fmt.Errorf("pdf slot: %w", resource.ErrTimeout)
		}
		return nil, fmt.Errorf("pdf slot: %w", err)
	}

	m.active.Add(1)
	m.mem.TrackAllocation(m.cfg.MemoryEstimateBytes)
	m.reg.RecordAcquisition(metrics.KindPDF)
	metrics.ObserveAcquireWait(metrics.KindPDF, time.Since(start).Seconds())

	return &Guard{mgr: m, memBytes: m.cfg.MemoryEstimateBytes}, nil
}

// Capacity returns the configured slot count.
func (m *Manager) Capacity() int {
	return m.cfg.MaxConcurrent
}

// Available returns the number of free slots.
func (m *Manager) Available() int {
	return m.cfg.MaxConcurrent - int(m.active.Load())
}

// Guard owns one PDF slot. Release runs exactly once.
type Guard struct {
	mgr      *Manager
	memBytes uint64
	once     sync.Once
}

// AddMemoryEstimate raises the guard's tracked memory when the operation
// turns out larger than the initial estimate.
func (g *Guard) AddMemoryEstimate(bytes uint64) {
	g.mgr.mem.TrackAllocation(bytes)
	atomic.AddUint64(&g.memBytes, bytes)
}

// Release frees the slot and reports the tracked memory back to the memory
// monitor. A non-nil opErr is counted but does not fail the release.
func (g *Guard) Release(opErr error) {
	g.once.Do(func() {
		m := g.mgr
		m.sem.Release(1)
		m.active.Add(-1)
		m.mem.TrackDeallocation(atomic.LoadUint64(&g.memBytes))
		if opErr != nil {
			m.reg.RecordReleaseError(metrics.KindPDF)
		}
		m.reg.RecordRelease(metrics.KindPDF)
	})
}
