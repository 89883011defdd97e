package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/governor/internal/metrics"
	"github.com/crawlkit/governor/internal/resource"
)

type stubInstance struct {
	id      string
	pingErr error
	closed  atomic.Bool
	mu      sync.Mutex
}

func (s *stubInstance) ID() string { return s.id }

func (s *stubInstance) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *stubInstance) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *stubInstance) failPings(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

type stubFactory struct {
	mu      sync.Mutex
	created []*stubInstance
	err     error
}

func (f *stubFactory) New(context.Context) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	inst := &stubInstance{id: fmt.Sprintf("browser-%d", len(f.created))}
	f.created = append(f.created, inst)
	return inst, nil
}

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newTestPool(t *testing.T, cfg Config, factory *stubFactory) *Pool {
	t.Helper()
	if factory == nil {
		factory = &stubFactory{}
	}
	p, err := New(cfg, factory.New, metrics.NewRegistry(), nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestAcquireCreatesUpToCapacity(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, Config{Capacity: 3, AcquireTimeout: 100 * time.Millisecond}, factory)

	var guards []*Guard
	for i := 0; i < 3; i++ {
		g, err := p.Acquire(context.Background())
		require.NoError(t, err)
		guards = append(guards, g)
	}
	require.Equal(t, 3, factory.count())

	stats := p.Stats()
	require.Equal(t, 3, stats.Live)
	require.Equal(t, 3, stats.InUse)
	require.Zero(t, stats.Idle)

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, resource.ErrTimeout, "fourth acquire must wait out and time out")

	for _, g := range guards {
		g.Release(nil)
	}
}

func TestAcquireReusesIdleInstance(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, Config{Capacity: 3}, factory)

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := g.Instance().ID()
	g.Release(nil)

	g2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer g2.Release(nil)

	require.Equal(t, first, g2.Instance().ID())
	require.Equal(t, 1, factory.count(), "healthy idle instance is reused, not rebuilt")
}

func TestReleaseWithErrorDestroysInstance(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, Config{Capacity: 3}, factory)

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g.Release(errors.New("renderer crashed"))

	require.True(t, factory.created[0].closed.Load())
	require.Zero(t, p.Stats().Live)

	// Capacity freed by the crash is available for a fresh instance.
	g2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer g2.Release(nil)
	require.Equal(t, 2, factory.count())
}

func TestUnhealthyIdleInstanceReplaced(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, Config{Capacity: 3}, factory)

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g.Release(nil)

	factory.created[0].failPings(errors.New("browser hung"))

	g2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer g2.Release(nil)

	require.True(t, factory.created[0].closed.Load(), "failed health check destroys the instance")
	require.Equal(t, 2, factory.count())
	require.NotEqual(t, factory.created[0].id, g2.Instance().ID())
}

func TestQueuedAcquireWakesOnRelease(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, Config{Capacity: 1, AcquireTimeout: 2 * time.Second}, factory)

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		g2, err := p.Acquire(context.Background())
		if err == nil {
			g2.Release(nil)
		}
		got <- err
	}()

	time.Sleep(50 * time.Millisecond)
	g.Release(nil)

	select {
	case err := <-got:
		require.NoError(t, err, "queued waiter should get the released instance")
	case <-time.After(2 * time.Second):
		t.Fatal("queued acquire never completed")
	}
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, Config{Capacity: 1, AcquireTimeout: 5 * time.Second}, factory)

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer g.Release(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFactoryFailureReleasesReservation(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{err: errors.New("chrome missing")}
	p := newTestPool(t, Config{Capacity: 1, AcquireTimeout: 100 * time.Millisecond}, factory)

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, resource.ErrPoolExhausted)
	require.Zero(t, p.Stats().Live, "failed creation must not leak the reserved slot")

	factory.mu.Lock()
	factory.err = nil
	factory.mu.Unlock()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g.Release(nil)
}

func TestSweepDestroysExpiredIdle(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, Config{
		Capacity:      3,
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: time.Hour, // sweep manually
	}, factory)

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g.Release(nil)

	require.Zero(t, p.Sweep())
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 1, p.Sweep())
	require.True(t, factory.created[0].closed.Load())
	require.Zero(t, p.Stats().Live)
}

func TestMaxLifetimeRecyclesOnRelease(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, Config{Capacity: 3, MaxLifetime: 30 * time.Millisecond}, factory)

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	g.Release(nil)

	require.True(t, factory.created[0].closed.Load(), "instance past max lifetime is not re-pooled")
	require.Zero(t, p.Stats().Idle)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	reg := metrics.NewRegistry()
	p, err := New(Config{Capacity: 3}, factory.New, reg, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g.Release(nil)
	g.Release(nil)
	g.Release(errors.New("late"))

	snap := reg.Snapshot()
	require.Equal(t, uint64(1), snap.Releases)
	require.Zero(t, snap.ReleaseErrors)
	require.Equal(t, 1, p.Stats().Idle, "double release must not duplicate the idle entry")
}

func TestConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	factory := &stubFactory{}
	p := newTestPool(t, Config{Capacity: 3, AcquireTimeout: 2 * time.Second}, factory)

	var inFlight, maxInFlight atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			g.Release(nil)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxInFlight.Load(), int64(3))
	require.LessOrEqual(t, factory.count(), 3)
}
