// Package collector implements profiling.Collector: Local queues hits and
// log lines and drains them through a Logger on a delayed flush cycle;
// HttpProxy instead serializes and POSTs each item to an aggregator.
// Grounded on the queue-plus-background-worker shape of
// evanoooo-vstats/server-go's LocalMetricsCollector (collector.go), which
// buffers samples and periodically drains them.
package collector

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-io/hitprof/internal/events"
	"github.com/kestrel-io/hitprof/internal/format"
	"github.com/kestrel-io/hitprof/internal/logger"
	"github.com/kestrel-io/hitprof/internal/profiling"
	"github.com/kestrel-io/hitprof/internal/sampler"
)

// State is the LocalCollector lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateFlushing
	StateDisabled
)

type itemKind int

const (
	kindHit itemKind = iota
	kindLog
)

type item struct {
	kind itemKind

	bucket     string
	hit        *profiling.Hit
	stats      profiling.Stats
	projection []profiling.Stats

	text string
	at   time.Time
}

// BucketConfig is the per-bucket override of the collector's defaults.
type BucketConfig struct {
	Enabled    bool
	SortColumn format.SortColumn
	Verbosity  format.Verbosity
}

// Local is the LocalCollector: an in-process queue drained into a Logger.
type Local struct {
	mu sync.Mutex

	state          int32 // State, atomic
	stopAfterFlush bool
	queue          []item
	timer          *time.Timer

	globalEnabled bool
	buckets       map[string]BucketConfig

	defaultSortColumn format.SortColumn
	defaultVerbosity  format.Verbosity
	flushDelay        time.Duration

	statsByBucket map[string]map[string]profiling.Stats

	lg     logger.Logger
	bus    *events.Bus
	samp   *sampler.Sampler
	source string
}

// NewLocal constructs an enabled Local collector for sourceKey.
func NewLocal(sourceKey string, lg logger.Logger, bus *events.Bus, samp *sampler.Sampler, flushDelay time.Duration) *Local {
	if samp == nil {
		samp = sampler.Default()
	}
	if lg == nil {
		lg = logger.NewConsoleLogger()
	}
	return &Local{
		globalEnabled:     true,
		buckets:           make(map[string]BucketConfig),
		statsByBucket:     make(map[string]map[string]profiling.Stats),
		defaultSortColumn: format.DefaultSortColumn,
		defaultVerbosity:  format.VerbosityFull,
		flushDelay:        flushDelay,
		lg:                lg,
		bus:               bus,
		samp:              samp,
		source:            sourceKey,
	}
}

func (l *Local) state32() State { return State(atomic.LoadInt32(&l.state)) }

// Enabled reports the collector's global switch.
func (l *Local) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalEnabled && l.state32() != StateDisabled
}

// BucketEnabled reports whether bucket accepts items, honoring both the
// global switch and any per-bucket override.
func (l *Local) BucketEnabled(bucket string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.globalEnabled || l.state32() == StateDisabled {
		return false
	}
	cfg, ok := l.buckets[bucket]
	if !ok {
		return true
	}
	return cfg.Enabled
}

func (l *Local) sortColumnFor(bucket string) format.SortColumn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg, ok := l.buckets[bucket]; ok && cfg.SortColumn != "" {
		return cfg.SortColumn
	}
	return l.defaultSortColumn
}

func (l *Local) verbosityFor(bucket string) format.Verbosity {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg, ok := l.buckets[bucket]; ok && cfg.Verbosity != "" {
		return cfg.Verbosity
	}
	return l.defaultVerbosity
}

// SetGlobalEnabled flips the collector's master switch.
func (l *Local) SetGlobalEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalEnabled = enabled
}

// SetBucketConfig installs or replaces the override for bucket.
func (l *Local) SetBucketConfig(bucket string, cfg BucketConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[bucket] = cfg
}

// SetDefaultSortColumn changes the fallback sort column for buckets
// without an override.
func (l *Local) SetDefaultSortColumn(col format.SortColumn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaultSortColumn = col
}

// SetDefaultVerbosity changes the fallback verbosity for buckets without
// an override.
func (l *Local) SetDefaultVerbosity(v format.Verbosity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaultVerbosity = v
}

// Feed stores the latest stats for (bucket,key), builds a freshly sorted
// projection of the bucket, and enqueues a HitItem.
func (l *Local) Feed(stats profiling.Stats, hit *profiling.Hit) {
	if hit == nil {
		return
	}
	bucket := hit.BucketKey
	if !l.BucketEnabled(bucket) {
		return
	}

	l.mu.Lock()
	byKey, ok := l.statsByBucket[bucket]
	if !ok {
		byKey = make(map[string]profiling.Stats)
		l.statsByBucket[bucket] = byKey
	}
	byKey[stats.Key] = stats
	projection := make([]profiling.Stats, 0, len(byKey))
	for _, s := range byKey {
		projection = append(projection, s)
	}
	l.mu.Unlock()

	sorted := format.SortRows(projection, l.sortColumnFor(bucket), l.bus)
	l.enqueue(item{kind: kindHit, bucket: bucket, hit: hit, stats: stats, projection: sorted})
}

// Log enqueues a LogItem for bucket.
func (l *Local) Log(bucket, text string, at time.Time) {
	if !l.BucketEnabled(bucket) {
		return
	}
	l.enqueue(item{kind: kindLog, bucket: bucket, text: text, at: at})
}

// enqueue appends it to the queue and, if idle, schedules the deferred
// flush. Arrivals while WAITING or FLUSHING do not reschedule.
func (l *Local) enqueue(it item) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state32() == StateDisabled {
		return
	}
	l.queue = append(l.queue, it)

	if l.state32() == StateIdle {
		atomic.StoreInt32(&l.state, int32(StateWaiting))
		l.timer = time.AfterFunc(l.flushDelay, l.fireScheduledFlush)
	}
}

func (l *Local) fireScheduledFlush() {
	l.mu.Lock()
	if l.state32() != StateWaiting {
		l.mu.Unlock()
		return
	}
	atomic.StoreInt32(&l.state, int32(StateFlushing))
	l.mu.Unlock()
	l.drain(nil)
}

// Flush implements the IDLE/WAITING/FLUSHING/DISABLED transition table.
// It always calls cb exactly once, even when collapsing into an
// already-running flush.
func (l *Local) Flush(stopLogging bool, cb func(error)) {
	l.mu.Lock()
	switch l.state32() {
	case StateDisabled:
		l.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
		return
	case StateFlushing:
		if stopLogging {
			l.stopAfterFlush = true
		}
		l.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
		return
	case StateWaiting:
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
	}
	atomic.StoreInt32(&l.state, int32(StateFlushing))
	if stopLogging {
		l.stopAfterFlush = true
	}
	l.mu.Unlock()
	l.drain(cb)
}

// drain consumes the queue one item at a time, yielding to the scheduler
// between items, then settles into IDLE or DISABLED.
func (l *Local) drain(cb func(error)) {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			break
		}
		it := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.processItem(it)
		runtime.Gosched()
	}

	l.mu.Lock()
	stop := l.stopAfterFlush
	l.stopAfterFlush = false
	if stop {
		atomic.StoreInt32(&l.state, int32(StateDisabled))
	} else {
		atomic.StoreInt32(&l.state, int32(StateIdle))
	}
	l.mu.Unlock()

	if cb != nil {
		cb(nil)
	}
}

func (l *Local) report(kind events.Kind, msg string, err error) {
	if l.bus != nil {
		l.bus.Error(kind, msg, err)
	}
}

func (l *Local) processItem(it item) {
	verbosity := l.verbosityFor(it.bucket)

	switch it.kind {
	case kindHit:
		l.processHitItem(it, verbosity)
	case kindLog:
		line := format.FormatLog(it.bucket, "", it.text, it.at) + "\n"
		if err := l.lg.AppendLog(it.bucket, line); err != nil {
			l.report(events.LoggerIO, "append log item", err)
		}
	}
}

func (l *Local) processHitItem(it item, verbosity format.Verbosity) {
	rows, err := format.BuildRows(it.bucket, it.projection, it.hit.Key)
	if err != nil {
		l.report(events.Invariant, "hit fed for reserved bucket", err)
		return
	}

	var current format.Row
	for _, r := range rows {
		if r.IsCurrent {
			current = r
			break
		}
	}

	sub := format.BuildHitSubheader(it.hit, it.stats)
	brief, err := format.FormatBrief(it.bucket, l.samp.Snapshot(), l.samp.Averages(), sub, current)
	if err != nil {
		l.report(events.LoggerIO, "format brief snapshot", err)
	} else if err := l.lg.WriteNow(it.bucket, brief); err != nil {
		l.report(events.LoggerIO, "write now snapshot", err)
	}

	var logContent string
	switch verbosity {
	case format.VerbosityLog:
		logContent = format.FormatLog(it.bucket, it.hit.Key, it.hit.Title, it.hit.OpenedAt) + "\n"
	case format.VerbosityBrief:
		logContent = brief
	case format.VerbosityFull:
		full, err := format.FormatFull(it.bucket, rows)
		if err != nil {
			l.report(events.LoggerIO, "format full table", err)
		} else {
			logContent = full
		}
	}
	if logContent != "" {
		if err := l.lg.AppendLog(it.bucket, logContent); err != nil {
			l.report(events.LoggerIO, "append hit item", err)
		}
	}
}
