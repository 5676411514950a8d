package config

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-io/hitprof/internal/events"
)

func TestRemoteApplyDeltaEmitsChangedAndUpdatesCtimes(t *testing.T) {
	r := NewRemoteConfigurator("http://unused", time.Second, time.Second, nil)

	var got []string
	r.OnChanged = func(path string, value, oldValue *ConfigValue, source string, ctimes ChangeTimes) {
		got = append(got, path)
	}

	ten := int64(10)
	r.ApplyDelta(ChangeTimes{Cmd: &ten}, map[string]DeltaEntry{
		"sortColumn": {Value: StringValue("avgMs")},
	}, nil)

	if len(got) != 1 || got[0] != "sortColumn" {
		t.Fatalf("expected one changed(sortColumn), got %+v", got)
	}
	cts := r.ClientCts()
	if cts[0] == nil || *cts[0] != 10 {
		t.Fatalf("expected remoteCtimes.cmd = 10, got %+v", cts)
	}
}

func TestRemoteApplyDeltaEnabledFalseStartsPolling(t *testing.T) {
	var polled int32Counter
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polled.inc()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewRemoteConfigurator(srv.URL, 5*time.Millisecond, time.Second, nil)
	r.ApplyDelta(ChangeTimes{}, map[string]DeltaEntry{
		"enabled": {Value: BoolValue(false)},
	}, nil)

	if r.Enabled() {
		t.Fatal("expected enabled to flip false")
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && polled.get() == 0 {
		time.Sleep(time.Millisecond)
	}
	if polled.get() == 0 {
		t.Fatal("expected the disabled configurator to start polling /e")
	}
}

func TestRemotePollLoopResumesOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var resumed int32Counter
	r := NewRemoteConfigurator(srv.URL, 5*time.Millisecond, time.Second, nil)
	r.OnEnabledChanged = func(enabled bool) {
		if enabled {
			resumed.inc()
		}
	}
	r.ApplyDelta(ChangeTimes{}, map[string]DeltaEntry{
		"enabled": {Value: BoolValue(false)},
	}, nil)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && resumed.get() == 0 {
		time.Sleep(time.Millisecond)
	}
	if resumed.get() == 0 {
		t.Fatal("expected a 200 on /e to flip enabled back true and stop polling")
	}
	if !r.Enabled() {
		t.Fatal("expected Enabled() to report true after resume")
	}
}

func TestRemotePollLoopBacksOffOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	bus := events.NewBus()
	var reported int32Counter
	bus.Subscribe(events.SinkFunc(func(e events.Event) {
		if e.Kind == events.NetworkTransient {
			reported.inc()
		}
	}))

	r := NewRemoteConfigurator(srv.URL, 5*time.Millisecond, 20*time.Millisecond, bus)
	r.ApplyDelta(ChangeTimes{}, map[string]DeltaEntry{
		"enabled": {Value: BoolValue(false)},
	}, nil)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && reported.get() == 0 {
		time.Sleep(time.Millisecond)
	}
	if reported.get() == 0 {
		t.Fatal("expected a NetworkTransient event once the failure window elapsed")
	}
	r.stopPolling()
}

func TestPullConfAppliesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ctimes":[1,2],"deltaConfig":{"verbosity":{"value":"brief"}}}`))
	}))
	defer srv.Close()

	r := NewRemoteConfigurator(srv.URL, time.Second, time.Second, nil)
	var applied string
	r.OnChanged = func(path string, value, oldValue *ConfigValue, source string, ctimes ChangeTimes) {
		applied = path
	}

	if err := r.PullConf(); err != nil {
		t.Fatal(err)
	}
	if applied != "verbosity" {
		t.Fatalf("expected PullConf to apply the delta, got applied=%q", applied)
	}
}

type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
