package profiling

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-io/hitprof/internal/events"
	"github.com/kestrel-io/hitprof/internal/sampler"
)

// Collector is consumed by Profiler. LocalCollector and HttpProxyCollector
// in package collector both implement it; defined here (not in package
// collector) so Profiler can depend on the interface without a cycle.
type Collector interface {
	Enabled() bool
	BucketEnabled(bucket string) bool
	Feed(stats Stats, hit *Hit)
	Log(bucket, text string, at time.Time)
	Flush(stopLogging bool, cb func(error))
}

// Profiler hands out Hits and tracks global counters. Every successful
// Begin that returns a Hit must be matched by exactly one End;
// openHitsCount never goes negative; a late or double End is a no-op.
type Profiler struct {
	mu        sync.RWMutex
	collector Collector
	sampler   *sampler.Sampler
	targets   map[string]*Target

	hitCount      int64
	openHitsCount int64

	Events *events.Bus
}

// New constructs a Profiler bound to collector and sampler. A nil
// collector disables profiling (Enabled always returns false).
func New(collector Collector, s *sampler.Sampler) *Profiler {
	if s == nil {
		s = sampler.Default()
	}
	return &Profiler{
		collector: collector,
		sampler:   s,
		targets:   make(map[string]*Target),
		Events:    events.NewBus(),
	}
}

func targetKey(bucket, key string) string {
	return bucket + "*" + key
}

// Enabled reports whether profiling accepts new hits, optionally scoped to
// a bucket. An empty bucketKey checks only the collector's global switch.
func (p *Profiler) Enabled(bucketKey string) (enabled bool) {
	defer p.recover("Enabled")
	p.mu.RLock()
	c := p.collector
	p.mu.RUnlock()
	if c == nil || !c.Enabled() {
		return false
	}
	if bucketKey == "" {
		return true
	}
	return c.BucketEnabled(bucketKey)
}

// Begin opens a Hit for (bucket,key), or returns nil if profiling is
// disabled for that bucket. Every non-nil Hit must be passed to End
// exactly once.
func (p *Profiler) Begin(bucket, key, title string) (hit *Hit) {
	defer p.recover("Begin")
	if !p.Enabled(bucket) {
		return nil
	}

	atomic.AddInt64(&p.hitCount, 1)
	atomic.AddInt64(&p.openHitsCount, 1)

	target := p.targetFor(bucket, key)
	return target.OpenHit(title, atomic.LoadInt64(&p.hitCount), time.Now())
}

// End finalizes hit and forwards (target snapshot, hit) to the collector.
// hit == nil or a disabled bucket makes End a no-op.
func (p *Profiler) End(hit *Hit, postfix string) {
	defer p.recover("End")
	if hit == nil {
		return
	}
	if !p.Enabled(hit.BucketKey) {
		return
	}

	wasOpen := !hit.closed
	target := p.targetFor(hit.BucketKey, hit.Key)
	stats := target.CloseHit(hit, postfix)

	if !wasOpen {
		return
	}

	newVal := atomic.AddInt64(&p.openHitsCount, -1)
	if newVal < 0 {
		atomic.StoreInt64(&p.openHitsCount, 0)
	}

	p.mu.RLock()
	c := p.collector
	p.mu.RUnlock()
	if c != nil {
		c.Feed(stats, hit)
	}
}

// Log bypasses the hit lifecycle and forwards text to the collector for
// bucket, if enabled.
func (p *Profiler) Log(bucket, text string) {
	defer p.recover("Log")
	if !p.Enabled(bucket) {
		return
	}
	p.mu.RLock()
	c := p.collector
	p.mu.RUnlock()
	if c != nil {
		c.Log(bucket, text, time.Now())
	}
}

// Flush delegates to the collector. Once stopLogging is true the collector
// must never accept another feed/log.
func (p *Profiler) Flush(stopLogging bool, cb func(error)) {
	defer p.recover("Flush")
	p.mu.RLock()
	c := p.collector
	p.mu.RUnlock()
	if c == nil {
		if cb != nil {
			cb(nil)
		}
		return
	}
	c.Flush(stopLogging, cb)
}

// SetCollector atomically replaces the collector. Hits already opened
// continue to be attributed to whichever collector is current at End time.
func (p *Profiler) SetCollector(c Collector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collector = c
}

// HitCount returns the global hit ordinal counter.
func (p *Profiler) HitCount() int64 { return atomic.LoadInt64(&p.hitCount) }

// OpenHitsCount returns the number of hits opened but not yet ended.
func (p *Profiler) OpenHitsCount() int64 { return atomic.LoadInt64(&p.openHitsCount) }

// Targets returns a snapshot of every known target's stats, in no
// particular order.
func (p *Profiler) Targets() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Stats, 0, len(p.targets))
	for _, t := range p.targets {
		out = append(out, t.Snapshot())
	}
	return out
}

func (p *Profiler) targetFor(bucket, key string) *Target {
	k := targetKey(bucket, key)

	p.mu.RLock()
	t, ok := p.targets[k]
	p.mu.RUnlock()
	if ok {
		return t
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.targets[k]; ok {
		return t
	}
	t = NewTarget(bucket, key, p.sampler)
	p.targets[k] = t
	return t
}

// recover reports a panic inside a public facade method as an Invariant
// event instead of letting it cross into application code, keeping every
// facade call total.
func (p *Profiler) recover(op string) {
	if r := recover(); r != nil {
		if p.Events != nil {
			p.Events.Error(events.Invariant, "panic in Profiler."+op, asError(r))
		}
	}
}

func asError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{r}
}

type panicError struct{ v interface{} }

func (e *panicError) Error() string { return "panic: " + toString(e.v) }

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "non-string panic value"
}
