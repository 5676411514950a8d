package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kestrel-io/hitprof/internal/events"
)

// RemoteConfigurator is the client-side half of the delta protocol: it
// applies deltas pushed back on /feed responses, and polls /e while the
// aggregator reports disabled.
type RemoteConfigurator struct {
	mu sync.Mutex

	uri            string
	client         *http.Client
	pollInterval   time.Duration
	failureTimeout time.Duration
	bus            *events.Bus

	ctimes  ChangeTimes
	store   ConfigurationRecord
	enabled bool

	polling  bool
	stopPoll chan struct{}

	OnChanged        ChangedFunc
	OnEnabledChanged func(bool)
}

func NewRemoteConfigurator(uri string, pollInterval, failureTimeout time.Duration, bus *events.Bus) *RemoteConfigurator {
	return &RemoteConfigurator{
		uri:            uri,
		client:         &http.Client{},
		pollInterval:   pollInterval,
		failureTimeout: failureTimeout,
		bus:            bus,
		store:          make(ConfigurationRecord),
		enabled:        true,
	}
}

// ClientCts returns the current remoteCtimes for embedding as a feed's
// "cts" field.
func (r *RemoteConfigurator) ClientCts() [2]*int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return [2]*int64{r.ctimes.Cmd, r.ctimes.Cfg}
}

func (r *RemoteConfigurator) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *RemoteConfigurator) Snapshot() ConfigurationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Clone()
}

// ApplyDelta merges a deltaConfig map (or, on /conf responses, an
// authoritative currentConfig) into the local store and emits a changed
// event per updated key, then reconciles the enabled flag and the /e
// poller.
func (r *RemoteConfigurator) ApplyDelta(ctimes ChangeTimes, delta map[string]DeltaEntry, current ConfigurationRecord) {
	type pendingChange struct {
		path     string
		value    *ConfigValue
		oldValue *ConfigValue
	}
	var pending []pendingChange

	r.mu.Lock()
	r.ctimes = ctimes
	for k, entry := range delta {
		old, existed := r.store[k]
		var oldPtr *ConfigValue
		if existed {
			cp := old
			oldPtr = &cp
		}
		val := entry.Value
		r.store[k] = val
		pending = append(pending, pendingChange{path: k, value: &val, oldValue: oldPtr})
	}
	if current != nil {
		r.store = current.Clone()
	}

	newEnabled := true
	if v, ok := r.store["enabled"]; ok && v.Kind == KindBool {
		newEnabled = v.B
	}
	oldEnabled := r.enabled
	r.enabled = newEnabled
	r.mu.Unlock()

	for _, c := range pending {
		if r.OnChanged != nil {
			r.OnChanged(c.path, c.value, c.oldValue, "remote", ctimes)
		}
	}

	if oldEnabled != newEnabled {
		if r.OnEnabledChanged != nil {
			r.OnEnabledChanged(newEnabled)
		}
		if newEnabled {
			r.stopPolling()
		} else {
			r.startPolling()
		}
	}
}

// PullConf issues an out-of-band POST /conf with the current remoteCtimes
// to pull the latest delta when no feed traffic is flowing.
func (r *RemoteConfigurator) PullConf() error {
	cts := r.ClientCts()
	body, err := json.Marshal(struct {
		Cts [2]*int64 `json:"cts"`
	}{Cts: cts})
	if err != nil {
		return err
	}

	resp, err := r.client.Post(r.uri+"/conf", "application/json", bytes.NewReader(body))
	if err != nil {
		r.report(events.NetworkTransient, "POST /conf", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var parsed struct {
		Ctimes        ChangeTimes                   `json:"ctimes"`
		DeltaConfig   map[string]DeltaEntry         `json:"deltaConfig"`
		CurrentConfig ConfigurationRecord           `json:"currentConfig"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		r.report(events.NetworkTransient, "decode /conf response", err)
		return err
	}
	r.ApplyDelta(parsed.Ctimes, parsed.DeltaConfig, parsed.CurrentConfig)
	return nil
}

func (r *RemoteConfigurator) startPolling() {
	r.mu.Lock()
	if r.polling {
		r.mu.Unlock()
		return
	}
	r.polling = true
	stop := make(chan struct{})
	r.stopPoll = stop
	r.mu.Unlock()
	go r.pollLoop(stop)
}

func (r *RemoteConfigurator) stopPolling() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.polling {
		return
	}
	r.polling = false
	close(r.stopPoll)
}

// pollLoop hits <uri>/e at pollInterval while disabled. 200 flips enabled
// true and exits; 204 means still disabled; other errors back off at
// failureTimeout.
func (r *RemoteConfigurator) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var failureSince time.Time
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			resp, err := r.client.Get(r.uri + "/e")
			if err != nil {
				failureSince = r.reportPollFailure(failureSince, err)
				continue
			}
			switch resp.StatusCode {
			case http.StatusOK:
				resp.Body.Close()
				r.mu.Lock()
				r.enabled = true
				r.polling = false
				r.mu.Unlock()
				if r.OnEnabledChanged != nil {
					r.OnEnabledChanged(true)
				}
				return
			case http.StatusNoContent:
				resp.Body.Close()
			default:
				resp.Body.Close()
				failureSince = r.reportPollFailure(failureSince, fmt.Errorf("unexpected status %d", resp.StatusCode))
			}
		}
	}
}

func (r *RemoteConfigurator) report(kind events.Kind, msg string, err error) {
	if r.bus != nil {
		r.bus.Error(kind, msg, err)
	}
}

// reportPollFailure applies the failureTimeout back-off shared by network
// errors and unexpected /e statuses, returning the failureSince to carry
// into the next tick.
func (r *RemoteConfigurator) reportPollFailure(failureSince time.Time, err error) time.Time {
	if failureSince.IsZero() {
		failureSince = time.Now()
	}
	if time.Since(failureSince) >= r.failureTimeout {
		r.report(events.NetworkTransient, "polling /e failed", err)
		failureSince = time.Now()
	}
	return failureSince
}
