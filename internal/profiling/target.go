package profiling

import (
	"math"
	"sync"
	"time"

	"github.com/kestrel-io/hitprof/internal/sampler"
)

// Stats is an immutable value snapshot of a ProfilerTarget's accumulated
// statistics. Snapshot() always returns a fresh copy; callers never share
// mutable state with the target.
type Stats struct {
	Bucket string
	Key    string

	HitCount     int64
	Count        int64
	Discrepancy  int64
	MinNs        int64
	MaxNs        int64
	MaxAt        time.Time
	AvgNs        float64
	TotalMs      int64
	AvgCPU       float64
	MinAvgOSCPU  float64
	MaxAvgOSCPU  float64
	AvgAvgOSCPU  float64
	CurrentTitle string
}

// Target accumulates incremental statistics for one (bucket,key) pair.
// All mutation happens under mu; Snapshot copies out a Stats value.
type Target struct {
	mu sync.Mutex

	bucket string
	key    string

	hitCount int64
	count    int64

	minNs int64
	maxNs int64
	maxAt time.Time
	avgNs float64

	totalMs int64

	avgCPU      float64
	minAvgOSCPU float64
	maxAvgOSCPU float64
	avgAvgOSCPU float64

	sampler *sampler.Sampler
}

// NewTarget creates a Target for (bucket,key). minNs starts at +Inf,
// maxNs at 0, minAvgOsCpu at 100, maxAvgOsCpu at 0, per the stated
// initialization contract.
func NewTarget(bucket, key string, s *sampler.Sampler) *Target {
	return &Target{
		bucket:      bucket,
		key:         key,
		minNs:       math.MaxInt64,
		maxNs:       0,
		minAvgOSCPU: 100,
		maxAvgOSCPU: 0,
		sampler:     s,
	}
}

// OpenHit increments hitCount, captures a machine snapshot and the
// monotonic open time, and returns the new Hit.
func (t *Target) OpenHit(title string, globalIndex int64, openedAt time.Time) *Hit {
	t.mu.Lock()
	t.hitCount++
	localIndex := t.hitCount
	openHitsAtOpen := t.hitCount - t.count
	t.mu.Unlock()

	return &Hit{
		Index:          globalIndex,
		LocalIndex:     localIndex,
		OpenHitsAtOpen: openHitsAtOpen,
		BucketKey:      t.bucket,
		Key:            t.key,
		Title:          title,
		OpenedAt:       openedAt,
		openHr:         time.Now(),
		StartSnapshot:  t.sampler.Snapshot(),
	}
}

// CloseHit finalizes hit: computes elapsed time, updates min/max/avg/total
// and the CPU aggregates, and appends postfix to the title if non-empty.
// A hit already closed is a no-op (late or double end is a no-op per the
// Profiler contract one level up, but Target enforces it too).
func (t *Target) CloseHit(hit *Hit, postfix string) Stats {
	if hit.closed {
		return t.Snapshot()
	}
	hit.closed = true

	now := time.Now()
	elapsedNs := now.Sub(hit.openHr).Nanoseconds()
	hit.EndSnapshot = t.sampler.Snapshot()
	hit.ExecStats = &ExecStats{ElapsedNs: elapsedNs}
	hit.MachineStats = computeHitMachineStats(hit.StartSnapshot, hit.EndSnapshot, elapsedNs)
	if postfix != "" {
		hit.Title += postfix
	}

	endOS1Min := hit.EndSnapshot.OSLoad1

	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	count := t.count

	if elapsedNs < t.minNs {
		t.minNs = elapsedNs
	}
	if elapsedNs > t.maxNs {
		t.maxNs = elapsedNs
		t.maxAt = now
	}
	t.avgNs += (float64(elapsedNs) - t.avgNs) / float64(count)
	t.totalMs += int64(math.Round(float64(elapsedNs) / 1e6))

	t.avgCPU += (hit.MachineStats.MaxCPUPercent - t.avgCPU) / float64(count)

	if endOS1Min < t.minAvgOSCPU {
		t.minAvgOSCPU = endOS1Min
	}
	if endOS1Min > t.maxAvgOSCPU {
		t.maxAvgOSCPU = endOS1Min
	}
	t.avgAvgOSCPU += (endOS1Min - t.avgAvgOSCPU) / float64(count)

	return t.snapshotLocked(hit.Title)
}

// Snapshot copies the target's accumulated statistics to a value.
func (t *Target) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked("")
}

func (t *Target) snapshotLocked(currentTitle string) Stats {
	minNs := t.minNs
	if t.count == 0 {
		minNs = 0
	}
	return Stats{
		Bucket:       t.bucket,
		Key:          t.key,
		HitCount:     t.hitCount,
		Count:        t.count,
		Discrepancy:  t.hitCount - t.count,
		MinNs:        minNs,
		MaxNs:        t.maxNs,
		MaxAt:        t.maxAt,
		AvgNs:        t.avgNs,
		TotalMs:      t.totalMs,
		AvgCPU:       t.avgCPU,
		MinAvgOSCPU:  t.minAvgOSCPU,
		MaxAvgOSCPU:  t.maxAvgOSCPU,
		AvgAvgOSCPU:  t.avgAvgOSCPU,
		CurrentTitle: currentTitle,
	}
}
