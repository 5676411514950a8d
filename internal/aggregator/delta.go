package aggregator

import (
	"sync"

	"github.com/kestrel-io/hitprof/internal/config"
)

// deltaStore holds the server's authoritative configuration state: a flat
// record of current values plus a per-key cache of ctimes/source/oldValue
// used to compute per-client deltas.
type deltaStore struct {
	mu sync.RWMutex

	current config.ConfigurationRecord
	cache   map[string]config.DeltaEntry
	ctimes  config.ChangeTimes
}

func newDeltaStore() *deltaStore {
	return &deltaStore{
		current: make(config.ConfigurationRecord),
		cache:   make(map[string]config.DeltaEntry),
	}
}

// Set records a local configuration change, advancing the aggregate
// ChangeTimes and updating the per-key cache entry.
func (d *deltaStore) Set(path string, value config.ConfigValue, source string, ctimes config.ChangeTimes) {
	d.mu.Lock()
	defer d.mu.Unlock()

	old, existed := d.current[path]
	entry := config.DeltaEntry{Value: value, Source: source, Ctimes: ctimes}
	if existed {
		entry.OldValue = old
	}
	d.cache[path] = entry
	d.current[path] = value
	d.ctimes = ctimes
}

// Ctimes returns the server's aggregate ChangeTimes.
func (d *deltaStore) Ctimes() config.ChangeTimes {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ctimes
}

// Current returns a snapshot of the authoritative configuration.
func (d *deltaStore) Current() config.ConfigurationRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current.Clone()
}

// Reset drops every pushed override and the delta cache, returning the
// server to its pre-override defaults. Clients observe this as a fresh
// delta on their next /feed or /conf once the cache is repopulated.
func (d *deltaStore) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = make(config.ConfigurationRecord)
	d.cache = make(map[string]config.DeltaEntry)
	d.ctimes = config.ChangeTimes{}
}

// DeltaFor computes the subset of cached entries the client (identified
// by clientCts) has not yet observed: a key is included iff the client's
// cmd or cfg ctime trails the entry's own ctimes. A nil map means no
// delta is owed.
func (d *deltaStore) DeltaFor(clientCts config.ChangeTimes) map[string]config.DeltaEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out map[string]config.DeltaEntry
	for path, entry := range d.cache {
		if clientCts.Before(entry.Ctimes) {
			if out == nil {
				out = make(map[string]config.DeltaEntry)
			}
			out[path] = entry
		}
	}
	return out
}
