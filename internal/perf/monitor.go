// Package perf tracks recent operation latencies and timeouts in a sliding
// window and derives a normalized degradation score. The monitor observes;
// it never blocks or denies an operation.
package perf

import (
	"sync"
	"time"

	"github.com/crawlkit/governor/internal/metrics"
)

// Config holds performance monitor configuration.
type Config struct {
	// WindowSize is how many recent operations the sliding window keeps.
	WindowSize int
	// Baseline is the expected healthy operation duration. Mean latency at
	// twice the baseline saturates the latency component of the score.
	Baseline time.Duration
	// TimeoutWeight is the weight of the timeout rate in the score; the
	// latency component gets the remainder.
	TimeoutWeight float64
}

type sample struct {
	duration time.Duration
	timedOut bool
}

// Monitor maintains the ring buffer and derived aggregates.
type Monitor struct {
	mu           sync.RWMutex
	cfg          Config
	samples      []sample
	next         int
	count        int
	timeoutCount int
	totalDur     time.Duration
}

// Stats is a point-in-time view of the window.
type Stats struct {
	SampleCount  int
	TimeoutCount int
	MeanDuration time.Duration
	Score        float64
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.Baseline <= 0 {
		cfg.Baseline = 3 * time.Second
	}
	if cfg.TimeoutWeight <= 0 || cfg.TimeoutWeight > 1 {
		cfg.TimeoutWeight = 0.6
	}
	return &Monitor{
		cfg:     cfg,
		samples: make([]sample, cfg.WindowSize),
	}
}

// Record appends one operation outcome, evicting the oldest sample once the
// window is full.
func (m *Monitor) Record(duration time.Duration, timedOut bool) {
	m.mu.Lock()
	if m.count == len(m.samples) {
		old := m.samples[m.next]
		m.totalDur -= old.duration
		if old.timedOut {
			m.timeoutCount--
		}
	} else {
		m.count++
	}
	m.samples[m.next] = sample{duration: duration, timedOut: timedOut}
	m.next = (m.next + 1) % len(m.samples)
	m.totalDur += duration
	if timedOut {
		m.timeoutCount++
	}
	score := m.scoreLocked()
	m.mu.Unlock()

	metrics.ObserveDegradationScore(score)
}

// Score returns the degradation score in [0,1]. It grows with the timeout
// rate and with mean latency above the baseline, saturating at 1.
func (m *Monitor) Score() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scoreLocked()
}

// Stats returns the current window aggregates.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var mean time.Duration
	if m.count > 0 {
		mean = m.totalDur / time.Duration(m.count)
	}
	return Stats{
		SampleCount:  m.count,
		TimeoutCount: m.timeoutCount,
		MeanDuration: mean,
		Score:        m.scoreLocked(),
	}
}

func (m *Monitor) scoreLocked() float64 {
	if m.count == 0 {
		return 0
	}
	timeoutRate := float64(m.timeoutCount) / float64(m.count)

	mean := float64(m.totalDur) / float64(m.count)
	baseline := float64(m.cfg.Baseline)
	latency := (mean - baseline) / baseline
	if latency < 0 {
		latency = 0
	} else if latency > 1 {
		latency = 1
	}

	score := m.cfg.TimeoutWeight*timeoutRate + (1-m.cfg.TimeoutWeight)*latency
	if score > 1 {
		score = 1
	}
	return score
}
