package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	governorAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_acquisitions_total",
			Help: "Total resource acquisitions, labeled by resource kind.",
		},
		[]string{"resource"},
	)

	governorReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_releases_total",
			Help: "Total guard releases, labeled by resource kind.",
		},
		[]string{"resource"},
	)

	governorReleaseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_release_errors_total",
			Help: "Total guard releases that reported a failed operation.",
		},
		[]string{"resource"},
	)

	governorTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_timeouts_total",
			Help: "Total acquisition waits that timed out, labeled by resource kind.",
		},
		[]string{"resource"},
	)

	governorRateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_rate_limit_hits_total",
			Help: "Total per-host rate limit denials, labeled by host.",
		},
		[]string{"host"},
	)

	governorMemoryPressureLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_memory_pressure_level",
			Help: "Current memory pressure level (0=normal, 1=warning, 2=critical).",
		},
	)

	governorMemoryRSSBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_memory_rss_bytes",
			Help: "Last sampled resident memory of the process in bytes.",
		},
	)

	governorReclamationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "governor_reclamations_total",
			Help: "Total memory reclamation passes triggered.",
		},
	)

	governorGuardViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_guard_violations_total",
			Help: "Total structural guard violations detected, labeled by resource kind.",
		},
		[]string{"resource"},
	)

	governorEngineInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_engine_instances",
			Help: "Live extraction-engine instances across all workers.",
		},
	)

	governorDegradationScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_degradation_score",
			Help: "Current performance degradation score in [0,1].",
		},
	)

	governorAcquireWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governor_acquire_wait_seconds",
			Help:    "Histogram of time spent waiting for a resource grant.",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"resource"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func observeAcquisition(kind string) {
	governorAcquisitionsTotal.WithLabelValues(kind).Inc()
}

func observeRelease(kind string) {
	governorReleasesTotal.WithLabelValues(kind).Inc()
}

func observeReleaseError(kind string) {
	governorReleaseErrorsTotal.WithLabelValues(kind).Inc()
}

func observeTimeout(kind string) {
	governorTimeoutsTotal.WithLabelValues(kind).Inc()
}

func observeRateLimitHit(host string) {
	governorRateLimitHitsTotal.WithLabelValues(host).Inc()
}

func observePressureLevel(level string) {
	var v float64
	switch level {
	case "warning":
		v = 1
	case "critical":
		v = 2
	}
	governorMemoryPressureLevel.Set(v)
}

func observeReclamation() {
	governorReclamationsTotal.Inc()
}

func observeGuardViolation(kind string) {
	governorGuardViolationsTotal.WithLabelValues(kind).Inc()
}

func observeEngineInstances(n int64) {
	governorEngineInstances.Set(float64(n))
}

// ObserveRSS records the last sampled resident memory.
func ObserveRSS(bytes uint64) {
	governorMemoryRSSBytes.Set(float64(bytes))
}

// ObserveDegradationScore publishes the current degradation score.
func ObserveDegradationScore(score float64) {
	governorDegradationScore.Set(score)
}

// ObserveAcquireWait records how long a caller waited for a grant.
func ObserveAcquireWait(kind string, seconds float64) {
	governorAcquireWaitSeconds.WithLabelValues(kind).Observe(seconds)
}
