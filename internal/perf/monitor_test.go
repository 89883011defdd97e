package perf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScoreEmptyWindow(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	require.Zero(t, m.Score())
	require.Zero(t, m.Stats().SampleCount)
}

func TestScoreHealthyOperations(t *testing.T) {
	t.Parallel()

	m := New(Config{Baseline: 3 * time.Second})
	for i := 0; i < 10; i++ {
		m.Record(time.Second, false)
	}
	require.Zero(t, m.Score(), "fast operations without timeouts score zero")
}

func TestScoreGrowsWithTimeoutRate(t *testing.T) {
	t.Parallel()

	m := New(Config{Baseline: 3 * time.Second, TimeoutWeight: 0.6})

	var prev float64
	for i := 0; i < 5; i++ {
		m.Record(time.Second, true)
		score := m.Score()
		require.GreaterOrEqual(t, score, prev, "score must not drop as timeouts accumulate")
		prev = score
	}
	require.Greater(t, prev, 0.0)
}

func TestScoreAllTimeouts(t *testing.T) {
	t.Parallel()

	m := New(Config{Baseline: time.Second, TimeoutWeight: 0.6})
	for i := 0; i < 10; i++ {
		m.Record(3*time.Second, true)
	}
	// Timeout rate 1.0 and mean at 3x baseline saturate both components.
	require.InDelta(t, 1.0, m.Score(), 1e-9)
}

func TestScoreLatencyComponent(t *testing.T) {
	t.Parallel()

	m := New(Config{Baseline: time.Second, TimeoutWeight: 0.6})
	for i := 0; i < 10; i++ {
		m.Record(1500*time.Millisecond, false)
	}
	// No timeouts; latency 50% over baseline contributes 0.4 * 0.5.
	require.InDelta(t, 0.2, m.Score(), 1e-9)
}

func TestScoreBounded(t *testing.T) {
	t.Parallel()

	m := New(Config{Baseline: time.Millisecond, TimeoutWeight: 0.9})
	for i := 0; i < 50; i++ {
		m.Record(time.Hour, true)
	}
	score := m.Score()
	require.GreaterOrEqual(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)
}

func TestWindowEviction(t *testing.T) {
	t.Parallel()

	m := New(Config{WindowSize: 10, Baseline: 3 * time.Second})

	for i := 0; i < 10; i++ {
		m.Record(time.Second, true)
	}
	require.Equal(t, 10, m.Stats().TimeoutCount)

	// Push the window full of clean samples; the timeouts age out.
	for i := 0; i < 10; i++ {
		m.Record(time.Second, false)
	}
	stats := m.Stats()
	require.Equal(t, 10, stats.SampleCount)
	require.Zero(t, stats.TimeoutCount)
	require.Zero(t, stats.Score)
}

func TestStatsMeanDuration(t *testing.T) {
	t.Parallel()

	m := New(Config{WindowSize: 4})
	m.Record(time.Second, false)
	m.Record(3*time.Second, false)

	require.Equal(t, 2*time.Second, m.Stats().MeanDuration)
}
