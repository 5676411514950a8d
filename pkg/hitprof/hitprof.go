// Package hitprof is the thin facade application code imports: a
// process-wide default Profiler wired to whichever Collector the caller
// installs, exposing total (panic-safe) begin/end/enabled/log/flush
// functions.
package hitprof

import (
	"sync"

	"github.com/kestrel-io/hitprof/internal/profiling"
	"github.com/kestrel-io/hitprof/internal/sampler"
)

var (
	defaultOnce sync.Once
	defaultProf *profiling.Profiler
)

// Default returns the process-wide Profiler, starting its MachineSampler
// on first use.
func Default() *profiling.Profiler {
	defaultOnce.Do(func() {
		sampler.Default().Start()
		defaultProf = profiling.New(nil, sampler.Default())
	})
	return defaultProf
}

// Use installs c as the default Profiler's collector.
func Use(c profiling.Collector) {
	Default().SetCollector(c)
}

// Begin opens a hit on the default Profiler.
func Begin(bucket, key, title string) *profiling.Hit {
	return Default().Begin(bucket, key, title)
}

// End closes a hit opened with Begin.
func End(hit *profiling.Hit, postfix string) {
	Default().End(hit, postfix)
}

// Enabled reports whether the default Profiler accepts new hits.
func Enabled(bucketKey string) bool {
	return Default().Enabled(bucketKey)
}

// Log forwards text to the default Profiler's collector.
func Log(bucket, text string) {
	Default().Log(bucket, text)
}

// Flush drains the default Profiler's collector.
func Flush(stopLogging bool, cb func(error)) {
	Default().Flush(stopLogging, cb)
}
