package memory

import (
	"fmt"
	"runtime"

	"github.com/prometheus/procfs"
)

// procSampler reads resident memory from /proc via the procfs library.
type procSampler struct{}

func newPlatformSampler() Sampler {
	return procSampler{}
}

func (procSampler) Sample() (uint64, error) {
	p, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("procfs self: %w", err)
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, fmt.Errorf("procfs stat: %w", err)
	}
	rss := stat.ResidentMemory()
	if rss < 0 {
		return 0, fmt.Errorf("procfs reported negative resident memory")
	}
	return uint64(rss), nil
}

// runtimeSampler estimates resident memory from Go runtime statistics. Used
// where /proc is unavailable; documented as an estimate, not ground truth.
type runtimeSampler struct{}

func (runtimeSampler) Sample() (uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys - ms.HeapReleased, nil
}
