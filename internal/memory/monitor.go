// Package memory samples the process's resident memory, classifies pressure
// against two thresholds, and triggers a reclamation pass once per upward
// transition into the critical level.
package memory

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/governor/internal/metrics"
	"github.com/crawlkit/governor/internal/resource"
)

// Sampler reads the process's resident memory in bytes.
type Sampler interface {
	Sample() (uint64, error)
}

// Config holds memory monitor configuration.
type Config struct {
	// WarningBytes is the RSS at which pressure becomes Warning.
	WarningBytes uint64
	// CriticalBytes is the RSS at which pressure becomes Critical. Must be
	// above WarningBytes.
	CriticalBytes uint64
	// SampleInterval is how often the background loop samples. Foreground
	// callers read the cached level; they never sample on the hot path.
	SampleInterval time.Duration
	// ReclaimOnCritical triggers a reclamation pass on the transition into
	// Critical.
	ReclaimOnCritical bool
}

// Monitor tracks memory pressure. The current level is cached atomically so
// acquisition paths read it without a system call.
type Monitor struct {
	cfg      Config
	sampler  Sampler
	fallback Sampler
	reg      *metrics.Registry
	logger   *zap.Logger

	level      atomic.Int32
	lastRSS    atomic.Uint64
	samplerOK  atomic.Bool
	reclaimFn  func()
	reclaims   atomic.Uint64
	allocBytes atomic.Uint64 // caller-reported, diagnostic only
	freedBytes atomic.Uint64

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a Monitor. sampler may be nil, in which case the platform
// sampler is used with a runtime-statistics fallback.
func New(cfg Config, sampler Sampler, reg *metrics.Registry, logger *zap.Logger) (*Monitor, error) {
	if cfg.WarningBytes == 0 || cfg.CriticalBytes == 0 {
		return nil, fmt.Errorf("memory thresholds must be set")
	}
	if cfg.CriticalBytes <= cfg.WarningBytes {
		return nil, fmt.Errorf("critical threshold (%d) must exceed warning threshold (%d)",
			cfg.CriticalBytes, cfg.WarningBytes)
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sampler == nil {
		sampler = newPlatformSampler()
	}
	m := &Monitor{
		cfg:      cfg,
		sampler:  sampler,
		fallback: runtimeSampler{},
		reg:      reg,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	m.samplerOK.Store(true)
	m.reclaimFn = debug.FreeOSMemory
	return m, nil
}

// Start launches the background sampling loop.
func (m *Monitor) Start() {
	go m.sampleLoop()
}

// Close stops the background sampling loop.
func (m *Monitor) Close() {
	m.stopped.Do(func() { close(m.stopCh) })
}

// Sample takes a fresh resident-memory reading, classifies it, updates the
// cached level, and fires reclamation on an upward transition into Critical.
// Repeated samples while sustained at Critical do not retrigger.
func (m *Monitor) Sample() resource.MemorySample {
	rss, err := m.sampler.Sample()
	if err != nil {
		// Platform sampling failed; fall back to runtime statistics so the
		// monitor degrades instead of dying. Logged once per flip.
		if m.samplerOK.CompareAndSwap(true, false) {
			m.logger.Warn("resident memory sampling failed, using runtime estimate", zap.Error(err))
		}
		rss, _ = m.fallback.Sample()
	} else {
		m.samplerOK.Store(true)
	}

	level := m.classify(rss)
	sample := resource.MemorySample{
		RSSBytes:  rss,
		SampledAt: time.Now(),
		Pressure:  level,
	}

	m.lastRSS.Store(rss)
	metrics.ObserveRSS(rss)

	prev := resource.PressureLevel(m.level.Swap(int32(level)))
	if prev != level {
		m.reg.RecordPressureTransition(level.String())
		m.logger.Info("memory pressure changed",
			zap.String("from", prev.String()),
			zap.String("to", level.String()),
			zap.Uint64("rss_bytes", rss),
		)
		if level == resource.PressureCritical && m.cfg.ReclaimOnCritical {
			m.Reclaim()
		}
	}
	return sample
}

// Pressure returns the cached pressure level from the most recent sample.
func (m *Monitor) Pressure() resource.PressureLevel {
	return resource.PressureLevel(m.level.Load())
}

// LastRSS returns the most recently sampled resident memory in bytes.
func (m *Monitor) LastRSS() uint64 {
	return m.lastRSS.Load()
}

// UnderPressure reports whether the cached level is Critical.
func (m *Monitor) UnderPressure() bool {
	return m.Pressure() == resource.PressureCritical
}

// Reclaim runs one reclamation pass and counts it.
func (m *Monitor) Reclaim() {
	m.reclaims.Add(1)
	m.reg.RecordReclamation()
	m.logger.Info("triggering memory reclamation")
	m.reclaimFn()
}

// Reclamations returns how many reclamation passes have run.
func (m *Monitor) Reclamations() uint64 {
	return m.reclaims.Load()
}

// TrackAllocation records caller-estimated bytes allocated for an operation.
// Diagnostic only; pressure is derived from actual resident memory.
func (m *Monitor) TrackAllocation(bytes uint64) {
	m.allocBytes.Add(bytes)
}

// TrackDeallocation records caller-estimated bytes released by an operation.
func (m *Monitor) TrackDeallocation(bytes uint64) {
	m.freedBytes.Add(bytes)
}

// TrackedBytes returns the cumulative caller-reported allocated and freed
// byte counts.
func (m *Monitor) TrackedBytes() (allocated, freed uint64) {
	return m.allocBytes.Load(), m.freedBytes.Load()
}

func (m *Monitor) classify(rss uint64) resource.PressureLevel {
	switch {
	case rss >= m.cfg.CriticalBytes:
		return resource.PressureCritical
	case rss >= m.cfg.WarningBytes:
		return resource.PressureWarning
	default:
		return resource.PressureNormal
	}
}

func (m *Monitor) sampleLoop() {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sample()
		case <-m.stopCh:
			return
		}
	}
}
