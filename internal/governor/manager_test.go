package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/governor/internal/browser"
	"github.com/crawlkit/governor/internal/config"
	"github.com/crawlkit/governor/internal/engine"
	"github.com/crawlkit/governor/internal/resource"
)

type stubBrowser struct {
	id string
}

func (s *stubBrowser) ID() string                 { return s.id }
func (s *stubBrowser) Ping(context.Context) error { return nil }
func (s *stubBrowser) Close() error               { return nil }

type stubBrowserFactory struct {
	mu      sync.Mutex
	created int
}

func (f *stubBrowserFactory) New(context.Context) (browser.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &stubBrowser{id: fmt.Sprintf("browser-%d", f.created)}, nil
}

type stubSampler struct {
	mu  sync.Mutex
	rss uint64
}

func (s *stubSampler) Sample() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rss, nil
}

func (s *stubSampler) set(rss uint64) {
	s.mu.Lock()
	s.rss = rss
	s.mu.Unlock()
}

func testConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 8080},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1.5, BurstCapacity: 3, IdleTTLSeconds: 300, SweepIntervalSeconds: 60},
		Memory:    config.MemoryConfig{WarningMB: 650, CriticalMB: 700, SampleIntervalSeconds: 3600},
		Browser:   config.BrowserConfig{PoolCap: 3, IdleTimeoutSeconds: 30, MaxLifetimeSeconds: 300, SweepIntervalSeconds: 3600, HealthCheckTimeoutMs: 100},
		PDF:       config.PDFConfig{MaxConcurrent: 2, MemoryEstimateMB: 64},
		Engine:    config.EngineConfig{IdleTimeoutSeconds: 3600, SweepIntervalSeconds: 3600, MaxConsecutiveFailures: 3},
		Perf:      config.PerfConfig{WindowSize: 100, BaselineMs: 3000, TimeoutWeight: 0.6},
		Acquire:   config.AcquireConfig{TimeoutSeconds: 1},
	}
}

func newTestManager(t *testing.T, sampler *stubSampler) (*Manager, *stubBrowserFactory) {
	t.Helper()
	if sampler == nil {
		sampler = &stubSampler{rss: 100 << 20}
	}
	factory := &stubBrowserFactory{}
	m, err := New(testConfig(), nil,
		WithBrowserFactory(factory.New),
		WithMemorySampler(sampler),
	)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, factory
}

func TestAcquireRateLimitExtractsHost(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil)

	// Burst of 3 against the same host regardless of path or port.
	require.NoError(t, m.AcquireRateLimit("https://example.com/page/1"))
	require.NoError(t, m.AcquireRateLimit("https://example.com:8443/page/2"))
	require.NoError(t, m.AcquireRateLimit("http://example.com/page/3"))

	err := m.AcquireRateLimit("https://example.com/page/4")
	var rle *resource.RateLimitedError
	require.True(t, errors.As(err, &rle))
	require.Equal(t, "example.com", rle.Host)
	require.True(t, resource.Retryable(err))

	require.NoError(t, m.AcquireRateLimit("https://other.example/"), "other hosts unaffected")
}

func TestAcquireRateLimitBareHost(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil)
	require.NoError(t, m.AcquireRateLimit("example.com"))

	err := m.AcquireRateLimit("https:///no-host")
	require.Error(t, err)
}

func TestAcquireRenderResources(t *testing.T) {
	t.Parallel()

	m, factory := newTestManager(t, nil)

	g, err := m.AcquireRenderResources(context.Background(), "https://example.com/", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, g.Browser())
	require.NotNil(t, g.Engine())
	require.Equal(t, 1, factory.created)

	snap := m.Snapshot()
	require.Equal(t, 1, snap.BrowserInUse)
	require.Equal(t, 1, snap.EngineInstances)

	g.Release(nil)
	g.Release(nil) // idempotent

	snap = m.Snapshot()
	require.Zero(t, snap.BrowserInUse)
	require.Equal(t, 1, snap.BrowserIdle)
}

func TestAcquireRenderResourcesMemoryGate(t *testing.T) {
	t.Parallel()

	sampler := &stubSampler{rss: 100 << 20}
	m, _ := newTestManager(t, sampler)

	sampler.set(710 << 20)
	require.Equal(t, resource.PressureCritical, m.SampleMemory().Pressure)

	_, err := m.AcquireRenderResources(context.Background(), "https://example.com/", "worker-1")
	require.ErrorIs(t, err, resource.ErrMemoryPressure)

	sampler.set(100 << 20)
	require.Equal(t, resource.PressureNormal, m.SampleMemory().Pressure)

	g, err := m.AcquireRenderResources(context.Background(), "https://example.com/", "worker-1")
	require.NoError(t, err)
	g.Release(nil)
}

func TestAcquireRenderResourcesReleasesOnPartialFailure(t *testing.T) {
	t.Parallel()

	sampler := &stubSampler{rss: 100 << 20}
	factory := &stubBrowserFactory{}
	engineErr := errors.New("engine down")
	m, err := New(testConfig(), nil,
		WithBrowserFactory(factory.New),
		WithMemorySampler(sampler),
		WithEngineFactory(func(string) (engine.Instance, error) { return nil, engineErr }),
	)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	_, err = m.AcquireRenderResources(context.Background(), "https://example.com/", "worker-1")
	require.ErrorIs(t, err, resource.ErrEngineUnavailable)

	snap := m.Snapshot()
	require.Zero(t, snap.BrowserInUse, "browser must be returned when the engine step fails")
	require.Equal(t, 1, snap.BrowserIdle)
}

func TestRenderGuardTimeoutFeedsDegradation(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil)
	require.Zero(t, m.DegradationScore())

	g, err := m.AcquireRenderResources(context.Background(), "https://example.com/", "worker-1")
	require.NoError(t, err)
	g.Release(fmt.Errorf("render: %w", resource.ErrTimeout))

	require.Greater(t, m.DegradationScore(), 0.0, "a timed-out operation must raise the score")
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil)
	m.RecordOperation(time.Second, false)
	require.Zero(t, m.DegradationScore())

	m.RecordOperation(10*time.Second, true)
	require.Greater(t, m.DegradationScore(), 0.0)
}

func TestSnapshotAggregates(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil)

	require.NoError(t, m.AcquireRateLimit("https://example.com/"))
	pg, err := m.AcquirePDFSlot(context.Background())
	require.NoError(t, err)
	eg, err := m.CheckoutEngine(context.Background(), "worker-1")
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Equal(t, 3, snap.BrowserCapacity)
	require.Equal(t, 2, snap.PDFCapacity)
	require.Equal(t, 1, snap.PDFAvailable)
	require.Equal(t, 1, snap.HostBuckets)
	require.Equal(t, 1, snap.EngineInstances)
	require.Equal(t, "normal", snap.MemoryPressure)

	pg.Release(nil)
	eg.Release(nil)
}

func TestBrowserDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	m, err := New(cfg, nil, WithMemorySampler(&stubSampler{rss: 100 << 20}))
	require.NoError(t, err)
	t.Cleanup(m.Close)

	_, err = m.AcquireBrowser(context.Background())
	require.ErrorIs(t, err, resource.ErrPoolExhausted)

	snap := m.Snapshot()
	require.Zero(t, snap.BrowserCapacity)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil)
	m.Close()
	m.Close()
}
