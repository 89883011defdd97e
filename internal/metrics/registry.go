// Package metrics tracks resource-governor bookkeeping two ways: a
// process-wide atomic Registry read by the sub-managers and the status
// endpoint, and Prometheus collectors exported on /metrics.
package metrics

import "sync/atomic"

// Registry holds the lock-free counters and gauges shared by every
// sub-manager. Increments never block; no mutex is involved.
type Registry struct {
	browserActive   atomic.Int64
	pdfActive       atomic.Int64
	engineInstances atomic.Int64

	acquisitions        atomic.Uint64
	releases            atomic.Uint64
	releaseErrors       atomic.Uint64
	timeouts            atomic.Uint64
	rateLimitHits       atomic.Uint64
	pressureTransitions atomic.Uint64
	reclamations        atomic.Uint64
	guardViolations     atomic.Uint64
}

// Snapshot is a point-in-time copy of every Registry value.
type Snapshot struct {
	BrowserActive       int64
	PDFActive           int64
	EngineInstances     int64
	Acquisitions        uint64
	Releases            uint64
	ReleaseErrors       uint64
	Timeouts            uint64
	RateLimitHits       uint64
	PressureTransitions uint64
	Reclamations        uint64
	GuardViolations     uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RecordAcquisition counts one successful permit grant for the given
// resource kind and bumps its active gauge.
func (r *Registry) RecordAcquisition(kind string) {
	r.acquisitions.Add(1)
	r.activeGauge(kind, 1)
	observeAcquisition(kind)
}

// RecordRelease counts one guard release for the given resource kind and
// drops its active gauge.
func (r *Registry) RecordRelease(kind string) {
	r.releases.Add(1)
	r.activeGauge(kind, -1)
	observeRelease(kind)
}

// RecordReleaseError counts a release path that reported a failed operation.
func (r *Registry) RecordReleaseError(kind string) {
	r.releaseErrors.Add(1)
	observeReleaseError(kind)
}

// RecordTimeout counts a bounded wait that elapsed before a grant.
func (r *Registry) RecordTimeout(kind string) {
	r.timeouts.Add(1)
	observeTimeout(kind)
}

// RecordRateLimitHit counts a denial from a host token bucket.
func (r *Registry) RecordRateLimitHit(host string) {
	r.rateLimitHits.Add(1)
	observeRateLimitHit(host)
}

// RecordPressureTransition counts a memory-pressure level change.
func (r *Registry) RecordPressureTransition(level string) {
	r.pressureTransitions.Add(1)
	observePressureLevel(level)
}

// RecordReclamation counts one memory reclamation pass.
func (r *Registry) RecordReclamation() {
	r.reclamations.Add(1)
	observeReclamation()
}

// RecordGuardViolation counts a structural guard misuse. Under correct
// construction this never fires; it is surfaced instead of swallowed.
func (r *Registry) RecordGuardViolation(kind string) {
	r.guardViolations.Add(1)
	observeGuardViolation(kind)
}

// SetEngineInstances sets the live extraction-engine instance gauge.
func (r *Registry) SetEngineInstances(n int64) {
	r.engineInstances.Store(n)
	observeEngineInstances(n)
}

// Snapshot copies every counter and gauge atomically (per field).
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		BrowserActive:       r.browserActive.Load(),
		PDFActive:           r.pdfActive.Load(),
		EngineInstances:     r.engineInstances.Load(),
		Acquisitions:        r.acquisitions.Load(),
		Releases:            r.releases.Load(),
		ReleaseErrors:       r.releaseErrors.Load(),
		Timeouts:            r.timeouts.Load(),
		RateLimitHits:       r.rateLimitHits.Load(),
		PressureTransitions: r.pressureTransitions.Load(),
		Reclamations:        r.reclamations.Load(),
		GuardViolations:     r.guardViolations.Load(),
	}
}

// Resource kind labels used consistently across managers.
const (
	KindBrowser = "browser"
	KindPDF     = "pdf"
	KindEngine  = "engine"
)

func (r *Registry) activeGauge(kind string, delta int64) {
	switch kind {
	case KindBrowser:
		r.browserActive.Add(delta)
	case KindPDF:
		r.pdfActive.Add(delta)
	case KindEngine:
		// Engine checkouts do not change the instance gauge; instances are
		// tracked by the manager via SetEngineInstances.
	}
}
