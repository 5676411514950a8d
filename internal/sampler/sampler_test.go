package sampler

import "testing"

func TestTailAvgEmpty(t *testing.T) {
	if got := tailAvg(nil, 5); got != 0 {
		t.Fatalf("tailAvg(nil) = %v, want 0", got)
	}
}

func TestTailAvgWindowSmallerThanData(t *testing.T) {
	got := tailAvg([]float64{10, 20, 30, 40}, 2)
	want := 35.0
	if got != want {
		t.Fatalf("tailAvg = %v, want %v", got, want)
	}
}

func TestTailAvgWindowLargerThanData(t *testing.T) {
	got := tailAvg([]float64{10, 20}, 100)
	want := 15.0
	if got != want {
		t.Fatalf("tailAvg = %v, want %v", got, want)
	}
}

func TestSnapshotBeforeStartIsZeroValue(t *testing.T) {
	s := New()
	snap := s.Snapshot()
	if !snap.Taken.IsZero() {
		t.Fatalf("expected zero-value snapshot before Start, got %+v", snap)
	}
}

func TestAveragesBeforeSamplingIsZero(t *testing.T) {
	s := New()
	avg := s.Averages()
	if avg.Avg10s != 0 || avg.Avg1m != 0 || avg.Avg5m != 0 || avg.Avg15m != 0 {
		t.Fatalf("expected zero averages before sampling, got %+v", avg)
	}
}

func TestStartSampleOnceStop(t *testing.T) {
	s := New()
	s.Start()
	defer s.Stop()

	snap := s.Snapshot()
	if snap.Taken.IsZero() {
		t.Fatalf("expected a sample to be taken synchronously by Start")
	}
}
