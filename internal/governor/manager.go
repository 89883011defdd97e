// Package governor wires the resource sub-managers together: per-host rate
// limiting, the headless browser pool, PDF slots, extraction-engine
// instances, memory pressure, and performance degradation. The Manager is the
// only type callers need; everything underneath hangs off it.
package governor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/governor/internal/browser"
	"github.com/crawlkit/governor/internal/clock/system"
	"github.com/crawlkit/governor/internal/config"
	"github.com/crawlkit/governor/internal/engine"
	"github.com/crawlkit/governor/internal/memory"
	"github.com/crawlkit/governor/internal/metrics"
	"github.com/crawlkit/governor/internal/pdf"
	"github.com/crawlkit/governor/internal/perf"
	"github.com/crawlkit/governor/internal/ratelimit"
	"github.com/crawlkit/governor/internal/resource"
)

// Option customizes Manager construction.
type Option func(*options)

type options struct {
	browserFactory browser.Factory
	engineFactory  engine.Factory
	memSampler     memory.Sampler
	clock          resource.Clock
}

// WithBrowserFactory substitutes the browser factory. Used by tests and by
// deployments that front a remote browser fleet.
func WithBrowserFactory(f browser.Factory) Option {
	return func(o *options) { o.browserFactory = f }
}

// WithEngineFactory substitutes the extraction-engine factory.
func WithEngineFactory(f engine.Factory) Option {
	return func(o *options) { o.engineFactory = f }
}

// WithMemorySampler substitutes the resident-memory sampler.
func WithMemorySampler(s memory.Sampler) Option {
	return func(o *options) { o.memSampler = s }
}

// WithClock substitutes the clock for deterministic tests.
func WithClock(c resource.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Manager coordinates every resource sub-manager behind one acquisition API.
type Manager struct {
	cfg    config.Config
	logger *zap.Logger
	reg    *metrics.Registry

	limiter  *ratelimit.Limiter
	mem      *memory.Monitor
	perf     *perf.Monitor
	engines  *engine.Manager
	pdfSlots *pdf.Manager
	browsers *browser.Pool

	chrome *browser.ChromeFactory // owned when we built the factory ourselves

	closed sync.Once
}

// New builds a Manager from configuration. The browser pool is only created
// when browser rendering is enabled or a factory is injected.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}

	reg := metrics.NewRegistry()

	mem, err := memory.New(memory.Config{
		WarningBytes:      cfg.Memory.WarningBytes(),
		CriticalBytes:     cfg.Memory.CriticalBytes(),
		SampleInterval:    time.Duration(cfg.Memory.SampleIntervalSeconds) * time.Second,
		ReclaimOnCritical: cfg.Memory.ReclaimOnCritical,
	}, o.memSampler, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("memory monitor: %w", err)
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		mem:    mem,
		perf: perf.New(perf.Config{
			WindowSize:    cfg.Perf.WindowSize,
			Baseline:      time.Duration(cfg.Perf.BaselineMs) * time.Millisecond,
			TimeoutWeight: cfg.Perf.TimeoutWeight,
		}),
		limiter: ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstCapacity:     cfg.RateLimit.BurstCapacity,
			JitterFraction:    cfg.RateLimit.JitterFraction,
			IdleTTL:           time.Duration(cfg.RateLimit.IdleTTLSeconds) * time.Second,
			SweepInterval:     time.Duration(cfg.RateLimit.SweepIntervalSeconds) * time.Second,
		}, o.clock, reg, logger),
		engines: engine.New(engine.Config{
			IdleTimeout:            time.Duration(cfg.Engine.IdleTimeoutSeconds) * time.Second,
			SweepInterval:          time.Duration(cfg.Engine.SweepIntervalSeconds) * time.Second,
			CheckoutTimeout:        cfg.AcquireTimeout(),
			MaxConsecutiveFailures: cfg.Engine.MaxConsecutiveFailures,
		}, o.engineFactory, o.clock, reg, logger),
	}

	m.pdfSlots = pdf.New(pdf.Config{
		MaxConcurrent:       cfg.PDF.MaxConcurrent,
		AcquireTimeout:      cfg.AcquireTimeout(),
		MemoryEstimateBytes: uint64(cfg.PDF.MemoryEstimateMB) << 20,
	}, mem, reg, logger)

	factory := o.browserFactory
	if factory == nil && cfg.Browser.Enabled {
		m.chrome = browser.NewChromeFactory(browser.ChromeConfig{
			UserAgent:     cfg.Browser.UserAgent,
			LaunchTimeout: time.Duration(cfg.Browser.LaunchTimeoutSeconds) * time.Second,
		})
		factory = m.chrome.New
	}
	if factory != nil {
		pool, err := browser.New(browser.Config{
			Capacity:           cfg.Browser.PoolCap,
			IdleTimeout:        time.Duration(cfg.Browser.IdleTimeoutSeconds) * time.Second,
			MaxLifetime:        time.Duration(cfg.Browser.MaxLifetimeSeconds) * time.Second,
			SweepInterval:      time.Duration(cfg.Browser.SweepIntervalSeconds) * time.Second,
			AcquireTimeout:     cfg.AcquireTimeout(),
			HealthCheckTimeout: time.Duration(cfg.Browser.HealthCheckTimeoutMs) * time.Millisecond,
		}, factory, reg, logger)
		if err != nil {
			return nil, fmt.Errorf("browser pool: %w", err)
		}
		m.browsers = pool
	}

	mem.Start()
	return m, nil
}

// AcquireRateLimit admits or denies one request to the URL's host. A denial
// is a *resource.RateLimitedError carrying the retry-after hint.
func (m *Manager) AcquireRateLimit(rawURL string) error {
	host, err := hostOf(rawURL)
	if err != nil {
		return err
	}
	return m.limiter.Acquire(host)
}

// AcquireBrowser checks out a headless browser instance.
func (m *Manager) AcquireBrowser(ctx context.Context) (*browser.Guard, error) {
	if m.browsers == nil {
		return nil, fmt.Errorf("browser rendering disabled: %w", resource.ErrPoolExhausted)
	}
	return m.browsers.Acquire(ctx)
}

// AcquirePDFSlot claims one bounded PDF processing slot.
func (m *Manager) AcquirePDFSlot(ctx context.Context) (*pdf.Guard, error) {
	return m.pdfSlots.Acquire(ctx)
}

// CheckoutEngine acquires the worker's extraction-engine instance.
func (m *Manager) CheckoutEngine(ctx context.Context, workerID string) (*engine.Guard, error) {
	return m.engines.Checkout(ctx, workerID)
}

// MemoryPressure returns the cached pressure level.
func (m *Manager) MemoryPressure() resource.PressureLevel {
	return m.mem.Pressure()
}

// SampleMemory takes an immediate resident-memory reading instead of waiting
// for the background cadence.
func (m *Manager) SampleMemory() resource.MemorySample {
	return m.mem.Sample()
}

// DegradationScore returns the performance degradation score in [0,1].
func (m *Manager) DegradationScore() float64 {
	return m.perf.Score()
}

// RecordOperation feeds one operation outcome to the degradation monitor.
func (m *Manager) RecordOperation(duration time.Duration, timedOut bool) {
	m.perf.Record(duration, timedOut)
}

// CleanupOnTimeout runs a reclamation pass after an operation timed out,
// since an interrupted render tends to strand buffers.
func (m *Manager) CleanupOnTimeout(operation string) {
	m.logger.Warn("operation timed out, reclaiming memory", zap.String("operation", operation))
	m.mem.Reclaim()
}

// HostStats exposes one host bucket's state for the status endpoint.
func (m *Manager) HostStats(host string) (ratelimit.HostStats, bool) {
	return m.limiter.HostStats(host)
}

// Snapshot assembles the aggregate status view across every sub-manager.
func (m *Manager) Snapshot() resource.StatusSnapshot {
	reg := m.reg.Snapshot()
	snap := resource.StatusSnapshot{
		PDFCapacity:      m.pdfSlots.Capacity(),
		PDFAvailable:     m.pdfSlots.Available(),
		HostBuckets:      m.limiter.HostCount(),
		EngineInstances:  m.engines.InstanceCount(),
		MemoryRSSBytes:   m.mem.LastRSS(),
		MemoryPressure:   m.mem.Pressure().String(),
		DegradationScore: m.perf.Score(),
		RateLimitHits:    reg.RateLimitHits,
		Timeouts:         reg.Timeouts,
	}
	if m.browsers != nil {
		stats := m.browsers.Stats()
		snap.BrowserCapacity = stats.Capacity
		snap.BrowserInUse = stats.InUse
		snap.BrowserIdle = stats.Idle
	}
	return snap
}

// Close shuts down every sub-manager. Safe to call more than once.
func (m *Manager) Close() {
	m.closed.Do(func() {
		m.limiter.Close()
		m.engines.Close()
		if m.browsers != nil {
			m.browsers.Close()
		}
		if m.chrome != nil {
			m.chrome.Close()
		}
		m.mem.Close()
	})
}

// RenderGuard owns every resource acquired for one render operation: a
// browser instance and the worker's engine checkout. Release runs exactly
// once and feeds the operation outcome to the degradation monitor.
type RenderGuard struct {
	mgr     *Manager
	browser *browser.Guard
	engine  *engine.Guard
	start   time.Time
	once    sync.Once
}

// Browser returns the checked-out browser instance.
func (g *RenderGuard) Browser() browser.Instance {
	return g.browser.Instance()
}

// Engine returns the checked-out extraction-engine handle.
func (g *RenderGuard) Engine() engine.Instance {
	return g.engine.Instance()
}

// Release returns every held resource in reverse acquisition order and
// records the operation's duration and outcome.
func (g *RenderGuard) Release(opErr error) {
	g.once.Do(func() {
		g.engine.Release(opErr)
		g.browser.Release(opErr)

		timedOut := errors.Is(opErr, resource.ErrTimeout) ||
			errors.Is(opErr, context.DeadlineExceeded)
		g.mgr.RecordOperation(time.Since(g.start), timedOut)
		if timedOut {
			g.mgr.CleanupOnTimeout("render")
		}
	})
}

// AcquireRenderResources acquires everything one render needs in a fixed
// order: memory gate, then the host's rate limit, then a browser, then the
// worker's engine. A failure at any step releases what was already held.
func (m *Manager) AcquireRenderResources(ctx context.Context, rawURL, workerID string) (*RenderGuard, error) {
	if m.mem.UnderPressure() {
		return nil, fmt.Errorf("render for %s: %w", rawURL, resource.ErrMemoryPressure)
	}

	if err := m.AcquireRateLimit(rawURL); err != nil {
		return nil, err
	}

	bg, err := m.AcquireBrowser(ctx)
	if err != nil {
		return nil, err
	}

	eg, err := m.engines.Checkout(ctx, workerID)
	if err != nil {
		bg.Release(nil)
		return nil, err
	}

	return &RenderGuard{
		mgr:     m,
		browser: bg,
		engine:  eg,
		start:   time.Now(),
	}, nil
}

// hostOf extracts the rate-limiting key from a URL. Bare hostnames are
// accepted as-is so callers can rate limit without constructing a full URL.
func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if h := u.Hostname(); h != "" {
		return h, nil
	}
	if u.Scheme == "" && u.Path != "" && !strings.Contains(u.Path, "/") {
		return u.Path, nil
	}
	return "", fmt.Errorf("url %q has no host", rawURL)
}
