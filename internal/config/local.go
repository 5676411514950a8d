package config

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-io/hitprof/internal/events"
)

// ChangedFunc receives one scalar change. value is nil when the key
// disappeared from the new state entirely.
type ChangedFunc func(path string, value *ConfigValue, oldValue *ConfigValue, source string, ctimes ChangeTimes)

// RefreshFinishedFunc is called once per asyncSmartRefresh invocation that
// actually ran (not short-circuited by the concurrency guard).
type RefreshFinishedFunc func(hasChanged bool, ctimes ChangeTimes)

// RuntimeConfigurator watches a sentinel file (existence = enabled) and a
// JSON config file (scalar leaves = live configuration), throttling
// refreshes to at most one per refreshSilenceTimeout.
type RuntimeConfigurator struct {
	mu sync.Mutex

	commandFilePath       string
	configurationFilePath string
	refreshSilenceTimeout time.Duration

	bus *events.Bus

	enabled bool
	store   ConfigurationRecord

	lastConfigModTime time.Time
	lastRefreshAt     time.Time
	haveRefreshedOnce bool

	refreshing int32 // atomic guard collapsing concurrent refreshes

	OnChanged         ChangedFunc
	OnRefreshFinished RefreshFinishedFunc
}

// NewRuntimeConfigurator constructs a configurator for the given sentinel
// and config file paths. The collector starts enabled until the first
// refresh observes otherwise.
func NewRuntimeConfigurator(commandFilePath, configurationFilePath string, refreshSilenceTimeout time.Duration, bus *events.Bus) *RuntimeConfigurator {
	return &RuntimeConfigurator{
		commandFilePath:       commandFilePath,
		configurationFilePath: configurationFilePath,
		refreshSilenceTimeout: refreshSilenceTimeout,
		bus:                   bus,
		enabled:               true,
		store:                 make(ConfigurationRecord),
	}
}

func (c *RuntimeConfigurator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *RuntimeConfigurator) Snapshot() ConfigurationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Clone()
}

// AsyncSmartRefresh runs the refresh contract: throttled to one per
// refreshSilenceTimeout, concurrent calls collapse onto whichever call
// currently holds the guard (only that call's side effects fire; a
// collapsed caller is simply a no-op, since the in-flight refresh already
// reflects its intent).
func (c *RuntimeConfigurator) AsyncSmartRefresh() {
	if !atomic.CompareAndSwapInt32(&c.refreshing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.refreshing, 0)

	c.mu.Lock()
	if c.haveRefreshedOnce && time.Since(c.lastRefreshAt) < c.refreshSilenceTimeout {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.refresh()

	c.mu.Lock()
	c.lastRefreshAt = time.Now()
	c.haveRefreshedOnce = true
	c.mu.Unlock()
}

func (c *RuntimeConfigurator) refresh() {
	hasChanged := false
	ctimes := ChangeTimes{}

	newEnabled, cmdCtime, cmdErr := statSentinel(c.commandFilePath)
	if cmdErr != nil {
		c.report(events.ConfigIO, "stat sentinel file", cmdErr)
	}
	ctimes.Cmd = cmdCtime

	decoded, cfgCtime, unchanged, cfgErr := c.loadConfigFile()
	if cfgErr != nil {
		c.report(events.ConfigParse, "parse configuration file", cfgErr)
		unchanged = true
	}
	ctimes.Cfg = cfgCtime

	if !unchanged {
		fresh := Flatten(decoded)

		c.mu.Lock()
		old := c.store
		for path, v := range fresh {
			ov, existed := old[path]
			if existed && ov.Equal(v) {
				continue
			}
			hasChanged = true
			var oldPtr *ConfigValue
			if existed {
				cp := ov
				oldPtr = &cp
			}
			newVal := v
			c.mu.Unlock()
			c.emitChanged(path, &newVal, oldPtr, "configFile", ctimes)
			c.mu.Lock()
		}
		for path, ov := range old {
			if _, stillPresent := fresh[path]; stillPresent {
				continue
			}
			hasChanged = true
			cp := ov
			c.mu.Unlock()
			c.emitChanged(path, nil, &cp, "configFile", ctimes)
			c.mu.Lock()
		}
		c.store = fresh
		c.mu.Unlock()
	}

	c.mu.Lock()
	oldEnabled := c.enabled
	c.enabled = newEnabled
	c.mu.Unlock()

	if oldEnabled != newEnabled {
		hasChanged = true
		oldVal := BoolValue(oldEnabled)
		newVal := BoolValue(newEnabled)
		c.emitChanged("enabled", &newVal, &oldVal, "commandFile", ctimes)
	}

	if c.OnRefreshFinished != nil {
		c.OnRefreshFinished(hasChanged, ctimes)
	}
}

func (c *RuntimeConfigurator) emitChanged(path string, value, oldValue *ConfigValue, source string, ctimes ChangeTimes) {
	if c.OnChanged != nil {
		c.OnChanged(path, value, oldValue, source, ctimes)
	}
}

func (c *RuntimeConfigurator) report(kind events.Kind, msg string, err error) {
	if c.bus != nil {
		c.bus.Error(kind, msg, err)
	}
}

func statSentinel(path string) (enabled bool, ctime *int64, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return false, nil, nil
		}
		return false, nil, statErr
	}
	ms := info.ModTime().UnixMilli()
	return true, &ms, nil
}

// loadConfigFile returns the decoded JSON object, its ctime, and whether
// its mtime is unchanged since the last successful parse (short-circuit).
func (c *RuntimeConfigurator) loadConfigFile() (decoded interface{}, ctime *int64, unchanged bool, err error) {
	info, statErr := os.Stat(c.configurationFilePath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return map[string]interface{}{}, nil, false, nil
		}
		return nil, nil, false, statErr
	}

	c.mu.Lock()
	sameModTime := !c.lastConfigModTime.IsZero() && info.ModTime().Equal(c.lastConfigModTime)
	c.mu.Unlock()
	if sameModTime {
		ms := info.ModTime().UnixMilli()
		return nil, &ms, true, nil
	}

	data, readErr := os.ReadFile(c.configurationFilePath)
	if readErr != nil {
		return nil, nil, false, readErr
	}
	var parsed map[string]interface{}
	if jsonErr := json.Unmarshal(data, &parsed); jsonErr != nil {
		return nil, nil, false, jsonErr
	}

	c.mu.Lock()
	c.lastConfigModTime = info.ModTime()
	c.mu.Unlock()

	ms := info.ModTime().UnixMilli()
	return parsed, &ms, false, nil
}
