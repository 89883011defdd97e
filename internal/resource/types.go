// Package resource holds the shared domain types for the resource governor:
// pressure levels, status snapshots, the clock abstraction, and the typed
// error taxonomy returned by acquisition calls.
package resource

import "time"

// PressureLevel classifies process memory headroom.
type PressureLevel int32

const (
	// PressureNormal means resident memory is below the warning threshold.
	PressureNormal PressureLevel = iota
	// PressureWarning means resident memory is between the warning and
	// critical thresholds.
	PressureWarning
	// PressureCritical means resident memory is at or above the critical
	// threshold; callers should shed load.
	PressureCritical
)

// String returns the lowercase level name.
func (p PressureLevel) String() string {
	switch p {
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// MemorySample is one resident-memory observation. Samples are immutable
// once taken.
type MemorySample struct {
	RSSBytes  uint64
	SampledAt time.Time
	Pressure  PressureLevel
}

// StatusSnapshot is a read-only aggregate view of every sub-manager,
// assembled on demand for the status endpoint. It is never persisted.
type StatusSnapshot struct {
	BrowserCapacity  int     `json:"browser_capacity"`
	BrowserInUse     int     `json:"browser_in_use"`
	BrowserIdle      int     `json:"browser_idle"`
	PDFCapacity      int     `json:"pdf_capacity"`
	PDFAvailable     int     `json:"pdf_available"`
	HostBuckets      int     `json:"host_buckets"`
	EngineInstances  int     `json:"engine_instances"`
	MemoryRSSBytes   uint64  `json:"memory_rss_bytes"`
	MemoryPressure   string  `json:"memory_pressure"`
	DegradationScore float64 `json:"degradation_score"`
	RateLimitHits    uint64  `json:"rate_limit_hits"`
	Timeouts         uint64  `json:"timeouts"`
}
