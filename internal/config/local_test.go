package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []string
}

func (r *changeRecorder) record(path string, value, oldValue *ConfigValue, source string, ctimes ChangeTimes) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, path)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func TestRefreshDisabledWithoutSentinel(t *testing.T) {
	dir := t.TempDir()
	c := NewRuntimeConfigurator(filepath.Join(dir, "__pfenable"), filepath.Join(dir, "__pfconfig"), time.Millisecond, nil)

	var finished bool
	c.OnRefreshFinished = func(hasChanged bool, ctimes ChangeTimes) { finished = true }

	c.AsyncSmartRefresh()
	if c.Enabled() {
		t.Fatal("expected disabled when sentinel file absent")
	}
	if !finished {
		t.Fatal("expected refreshFinished to fire")
	}
}

func TestRefreshEnabledWithSentinelPresent(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "__pfenable")
	os.WriteFile(sentinel, nil, 0o644)

	c := NewRuntimeConfigurator(sentinel, filepath.Join(dir, "__pfconfig"), time.Millisecond, nil)
	c.AsyncSmartRefresh()
	if !c.Enabled() {
		t.Fatal("expected enabled when sentinel file present")
	}
}

func TestRefreshEmitsChangedForNewAndRemovedKeys(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "__pfenable")
	cfgPath := filepath.Join(dir, "__pfconfig")
	os.WriteFile(sentinel, nil, 0o644)
	os.WriteFile(cfgPath, []byte(`{"sortColumn": "maxMs"}`), 0o644)

	c := NewRuntimeConfigurator(sentinel, cfgPath, time.Millisecond, nil)
	rec := &changeRecorder{}
	c.OnChanged = rec.record

	c.AsyncSmartRefresh()
	if rec.count() != 1 {
		t.Fatalf("expected one change (sortColumn), got %d", rec.count())
	}

	time.Sleep(2 * time.Millisecond)
	os.WriteFile(cfgPath, []byte(`{"verbosity": "brief"}`), 0o644)
	os.Chtimes(cfgPath, time.Now().Add(time.Second), time.Now().Add(time.Second))

	c.AsyncSmartRefresh()
	if rec.count() != 3 {
		t.Fatalf("expected 3 total changes (sortColumn removed, verbosity added), got %d", rec.count())
	}
}

func TestRefreshShortCircuitsWhenConfigMtimeUnchanged(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "__pfenable")
	cfgPath := filepath.Join(dir, "__pfconfig")
	os.WriteFile(sentinel, nil, 0o644)
	os.WriteFile(cfgPath, []byte(`{"sortColumn": "maxMs"}`), 0o644)

	c := NewRuntimeConfigurator(sentinel, cfgPath, time.Nanosecond, nil)
	rec := &changeRecorder{}
	c.OnChanged = rec.record

	c.AsyncSmartRefresh()
	first := rec.count()

	c.AsyncSmartRefresh()
	if rec.count() != first {
		t.Fatalf("expected no new changes on unchanged config file, got %d -> %d", first, rec.count())
	}
}

func TestRefreshThrottledWithinSilenceWindow(t *testing.T) {
	dir := t.TempDir()
	c := NewRuntimeConfigurator(filepath.Join(dir, "__pfenable"), filepath.Join(dir, "__pfconfig"), time.Hour, nil)

	calls := 0
	c.OnRefreshFinished = func(bool, ChangeTimes) { calls++ }

	c.AsyncSmartRefresh()
	c.AsyncSmartRefresh()
	if calls != 1 {
		t.Fatalf("expected throttling to suppress the second refresh, got %d calls", calls)
	}
}

func TestBadJSONReportsConfigParseAndKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "__pfenable")
	cfgPath := filepath.Join(dir, "__pfconfig")
	os.WriteFile(sentinel, nil, 0o644)
	os.WriteFile(cfgPath, []byte(`{"sortColumn": "maxMs"}`), 0o644)

	c := NewRuntimeConfigurator(sentinel, cfgPath, time.Nanosecond, nil)
	c.AsyncSmartRefresh()

	before := c.Snapshot()

	time.Sleep(2 * time.Millisecond)
	os.WriteFile(cfgPath, []byte(`not json`), 0o644)
	os.Chtimes(cfgPath, time.Now().Add(time.Second), time.Now().Add(time.Second))
	c.AsyncSmartRefresh()

	after := c.Snapshot()
	if len(before) != len(after) {
		t.Fatalf("expected state preserved on parse error: before=%+v after=%+v", before, after)
	}
}
