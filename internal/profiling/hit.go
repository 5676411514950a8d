// Package profiling implements the per-(bucket,key) hit lifecycle: Hit,
// ProfilerTarget and the Profiler facade. Grounded on the struct-returns-
// value, mutex-guarded style of evanoooo-vstats/server-go's
// LocalMetricsCollector (collector.go).
package profiling

import (
	"time"

	"github.com/kestrel-io/hitprof/internal/sampler"
)

// ExecStats is the per-hit timing record computed at close.
type ExecStats struct {
	ElapsedNs int64
}

// HitMachineStats is the per-hit machine-load delta computed at close from
// the start and end MachineSampler snapshots.
type HitMachineStats struct {
	KernelCPUPercent float64
	UserCPUPercent   float64
	MaxCPUPercent    float64
	PerCPUPercent    []float64
	HeapDeltaBytes   int64
}

// Hit is one timed region, opened by Profiler.Begin and closed by the
// matching Profiler.End. Index and LocalIndex are immutable after open.
type Hit struct {
	Index          int64
	LocalIndex     int64
	OpenHitsAtOpen int64

	BucketKey string
	Key       string
	Title     string

	OpenedAt time.Time // wall clock
	openHr   time.Time // monotonic reading, used for elapsed computation

	StartSnapshot sampler.Snapshot
	EndSnapshot   sampler.Snapshot

	ExecStats    *ExecStats
	MachineStats *HitMachineStats

	closed bool
}

// computeHitMachineStats derives per-hit CPU/heap deltas from the start and
// end snapshots. elapsedMicros == 0 defaults kernel/user percentages to 0
// to avoid division by zero; a CPU whose busy counters did not move
// between snapshots reports 0%, not NaN.
func computeHitMachineStats(start, end sampler.Snapshot, elapsedNs int64) *HitMachineStats {
	stats := &HitMachineStats{}

	elapsedMicros := elapsedNs / 1000
	if elapsedMicros > 0 {
		userDeltaUs := end.ProcessCPUUserUs - start.ProcessCPUUserUs
		sysDeltaUs := end.ProcessCPUSystemUs - start.ProcessCPUSystemUs
		if userDeltaUs > 0 {
			stats.UserCPUPercent = 100 * float64(userDeltaUs) / float64(elapsedMicros)
		}
		if sysDeltaUs > 0 {
			stats.KernelCPUPercent = 100 * float64(sysDeltaUs) / float64(elapsedMicros)
		}
	}

	n := len(end.PerCPUBusy)
	if len(start.PerCPUBusy) < n {
		n = len(start.PerCPUBusy)
	}
	stats.PerCPUPercent = make([]float64, n)
	for i := 0; i < n; i++ {
		busyDifference := end.PerCPUBusy[i] - start.PerCPUBusy[i]
		if busyDifference <= 0 {
			stats.PerCPUPercent[i] = 0
			continue
		}
		stats.PerCPUPercent[i] = busyDifference
		if busyDifference > stats.MaxCPUPercent {
			stats.MaxCPUPercent = busyDifference
		}
	}
	if stats.UserCPUPercent > stats.MaxCPUPercent {
		stats.MaxCPUPercent = stats.UserCPUPercent
	}
	if stats.KernelCPUPercent > stats.MaxCPUPercent {
		stats.MaxCPUPercent = stats.KernelCPUPercent
	}

	stats.HeapDeltaBytes = int64(end.HeapUsedBytes) - int64(start.HeapUsedBytes)
	return stats
}
