package profiling

import (
	"math"
	"testing"
	"time"

	"github.com/kestrel-io/hitprof/internal/sampler"
)

func TestTargetInitialBounds(t *testing.T) {
	tg := NewTarget("b", "k", sampler.New())
	snap := tg.Snapshot()
	if snap.Count != 0 || snap.HitCount != 0 {
		t.Fatalf("expected zero counts, got %+v", snap)
	}
	if snap.MaxNs != 0 || snap.MinAvgOSCPU != 100 || snap.MaxAvgOSCPU != 0 {
		t.Fatalf("expected maxNs 0, minAvgOsCpu 100, maxAvgOsCpu 0, got %+v", snap)
	}
}

func TestOpenCloseUpdatesDiscrepancyAndCounts(t *testing.T) {
	s := sampler.New()
	tg := NewTarget("b", "k", s)

	h1 := tg.OpenHit("t1", 1, time.Now())
	snap := tg.Snapshot()
	if snap.Discrepancy != 1 {
		t.Fatalf("discrepancy after one open = %d, want 1", snap.Discrepancy)
	}

	time.Sleep(time.Millisecond)
	tg.CloseHit(h1, "")
	snap = tg.Snapshot()
	if snap.Discrepancy != 0 {
		t.Fatalf("discrepancy after close = %d, want 0", snap.Discrepancy)
	}
	if snap.Count != 1 || snap.HitCount != 1 {
		t.Fatalf("counts after one close = %+v", snap)
	}
	if snap.MinNs != snap.MaxNs {
		t.Fatalf("single sample min/max mismatch: %+v", snap)
	}
}

func TestMinMaxAvgAcrossSamples(t *testing.T) {
	s := sampler.New()
	tg := NewTarget("b", "k", s)

	durations := []time.Duration{5 * time.Millisecond, 1 * time.Millisecond, 3 * time.Millisecond}
	for _, d := range durations {
		h := tg.OpenHit("", 1, time.Now())
		time.Sleep(d)
		tg.CloseHit(h, "")
	}

	snap := tg.Snapshot()
	if snap.MinNs <= 0 || snap.MaxNs <= snap.MinNs {
		t.Fatalf("expected min < max, got min=%d max=%d", snap.MinNs, snap.MaxNs)
	}
	if snap.AvgNs < float64(snap.MinNs) || snap.AvgNs > float64(snap.MaxNs) {
		t.Fatalf("min <= avg <= max invariant violated: %+v", snap)
	}
}

func TestTitlePostfixAppended(t *testing.T) {
	s := sampler.New()
	tg := NewTarget("b", "k", s)
	h := tg.OpenHit("base", 1, time.Now())
	tg.CloseHit(h, " done")
	if h.Title != "base done" {
		t.Fatalf("title = %q, want %q", h.Title, "base done")
	}
}

func TestDoubleCloseIsNoOp(t *testing.T) {
	s := sampler.New()
	tg := NewTarget("b", "k", s)
	h := tg.OpenHit("", 1, time.Now())
	tg.CloseHit(h, "")
	before := tg.Snapshot()
	tg.CloseHit(h, "")
	after := tg.Snapshot()
	if before.Count != after.Count {
		t.Fatalf("double close mutated count: before=%d after=%d", before.Count, after.Count)
	}
}

func TestSnapshotIsImmutableCopy(t *testing.T) {
	s := sampler.New()
	tg := NewTarget("b", "k", s)
	a := tg.Snapshot()
	b := tg.Snapshot()
	if a != b {
		t.Fatalf("two snapshots of unchanged target should be equal: %+v vs %+v", a, b)
	}
}

func TestComputeHitMachineStatsZeroElapsedDefaultsToZeroPercent(t *testing.T) {
	start := sampler.Snapshot{}
	end := sampler.Snapshot{}
	stats := computeHitMachineStats(start, end, 0)
	if stats.UserCPUPercent != 0 || stats.KernelCPUPercent != 0 {
		t.Fatalf("expected zero percentages for zero elapsed, got %+v", stats)
	}
}

func TestComputeHitMachineStatsZeroBusyDifferenceIsZeroNotNaN(t *testing.T) {
	start := sampler.Snapshot{PerCPUBusy: []float64{50, 50}}
	end := sampler.Snapshot{PerCPUBusy: []float64{50, 40}}
	stats := computeHitMachineStats(start, end, int64(time.Millisecond))
	if math.IsNaN(stats.PerCPUPercent[0]) || stats.PerCPUPercent[0] != 0 {
		t.Fatalf("expected 0 for unchanged/decreased CPU, got %v", stats.PerCPUPercent[0])
	}
}
