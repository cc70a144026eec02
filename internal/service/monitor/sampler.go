package monitor

import (
	"context"
	"runtime"
)

// ResourceUsage is one point-in-time utilization sample, each value 0-100.
type ResourceUsage struct {
	CPUPercent     float64
	MemoryPercent  float64
	DiskPercent    float64
	NetworkPercent float64
}

// ResourceSampler supplies resource utilization for metric samples. The
// engine process is the observable unit here; an external metrics
// collaborator can replace this to report fleet-wide numbers.
type ResourceSampler interface {
	Sample(ctx context.Context) (ResourceUsage, error)
}

// RuntimeSampler derives utilization from the Go runtime: heap pressure for
// memory and goroutine count against a soft ceiling for CPU. Disk and
// network stay at zero until an external collaborator supplies them.
type RuntimeSampler struct {
	// GoroutineCeiling scales goroutine count into a 0-100 load figure.
	GoroutineCeiling int
}

// NewRuntimeSampler returns a sampler with the default goroutine ceiling.
func NewRuntimeSampler() *RuntimeSampler {
	return &RuntimeSampler{GoroutineCeiling: 10000}
}

// Sample reads runtime memstats and goroutine counts.
func (s *RuntimeSampler) Sample(_ context.Context) (ResourceUsage, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	usage := ResourceUsage{}
	if stats.HeapSys > 0 {
		usage.MemoryPercent = clampPercent(float64(stats.HeapInuse) / float64(stats.HeapSys) * 100)
	}
	ceiling := s.GoroutineCeiling
	if ceiling <= 0 {
		ceiling = 10000
	}
	usage.CPUPercent = clampPercent(float64(runtime.NumGoroutine()) / float64(ceiling) * 100)
	return usage, nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
