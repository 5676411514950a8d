// Package wiring applies ConfigurationRecord scalar changes to the
// concrete collectors and loggers that own the affected behavior. It is
// the glue between config.RuntimeConfigurator/config.RemoteConfigurator
// (which only know about paths and ConfigValues) and
// collector.Local/collector.HttpProxy/logger.FileLogger (which only know
// about their own typed setters). Grounded on the "recognized paths"
// table in the configuration contract; there is no single teacher file
// for this since evanoooo-vstats reloads its whole config struct at
// once rather than applying scalar deltas.
package wiring

import (
	"strconv"
	"strings"
	"time"

	"github.com/kestrel-io/hitprof/internal/collector"
	"github.com/kestrel-io/hitprof/internal/config"
	"github.com/kestrel-io/hitprof/internal/format"
	"github.com/kestrel-io/hitprof/internal/logger"
)

var (
	_ LocalTarget = (*collector.Local)(nil)
	_ ProxyTarget = (*collector.HttpProxy)(nil)
)

// LocalTarget is the subset of collector.Local that recognized paths act
// on. collector.Local satisfies it directly.
type LocalTarget interface {
	SetGlobalEnabled(bool)
	SetBucketConfig(bucket string, cfg collector.BucketConfig)
	SetDefaultSortColumn(format.SortColumn)
	SetDefaultVerbosity(format.Verbosity)
	BucketEnabled(bucket string) bool
}

// LocalWirer applies recognized ConfigurationRecord paths to a single
// collector.Local plus the logger.FileLogger it writes through.
type LocalWirer struct {
	local LocalTarget
	lg    *logger.FileLogger

	buckets map[string]collector.BucketConfig
}

// NewLocalWirer constructs a wirer over local and its FileLogger. lg may
// be nil when local writes through a non-file Logger, in which case
// logger.verbosity still applies and the other logger.* paths are
// accepted but have no effect.
func NewLocalWirer(local LocalTarget, lg *logger.FileLogger) *LocalWirer {
	return &LocalWirer{local: local, lg: lg, buckets: make(map[string]collector.BucketConfig)}
}

// Apply is a config.ChangedFunc: install it as OnChanged on a
// RuntimeConfigurator (or call it from a RemoteConfigurator's delta
// handler) to keep the collector and logger in sync with configuration.
func (w *LocalWirer) Apply(path string, value, oldValue *config.ConfigValue, source string, ctimes config.ChangeTimes) {
	segments := config.SplitPath(path)
	if len(segments) == 0 {
		return
	}

	switch segments[0] {
	case "enabled":
		if value != nil && value.Kind == config.KindBool {
			w.local.SetGlobalEnabled(value.B)
		}
	case "sortColumn":
		if value != nil && value.Kind == config.KindString {
			w.local.SetDefaultSortColumn(format.SortColumn(value.S))
		}
	case "logger":
		w.applyLogger(segments[1:], value)
	case "buckets":
		w.applyBucket(segments[1:], value)
	}
}

func (w *LocalWirer) applyLogger(rest []string, value *config.ConfigValue) {
	if len(rest) == 0 || value == nil {
		return
	}
	if rest[0] == "verbosity" {
		if value.Kind == config.KindString {
			w.local.SetDefaultVerbosity(format.Verbosity(value.S))
		}
		return
	}
	if w.lg == nil {
		return
	}
	switch rest[0] {
	case "logPath":
		if value.Kind == config.KindString {
			w.lg.SetLogPath(value.S)
		}
	case "archivePath":
		if value.Kind == config.KindString {
			w.lg.SetArchivePath(value.S)
		}
	case "maxLogSizeBytes":
		if n, ok := asInt64(*value); ok {
			w.lg.SetMaxLogSizeBytes(n)
		}
	case "maxArchiveSizeBytes":
		if n, ok := asInt64(*value); ok {
			w.lg.SetMaxArchiveSizeBytes(n)
		}
	case "logRequestArchivingModulo":
		if n, ok := asInt64(*value); ok {
			w.lg.SetArchivingModulo(n)
		}
	}
}

func (w *LocalWirer) applyBucket(rest []string, value *config.ConfigValue) {
	if len(rest) != 2 || value == nil {
		return
	}
	bucket, field := rest[0], rest[1]

	cfg, ok := w.buckets[bucket]
	if !ok {
		cfg = collector.BucketConfig{Enabled: true, SortColumn: format.DefaultSortColumn, Verbosity: format.VerbosityFull}
	}

	switch field {
	case "enabled":
		if value.Kind == config.KindBool {
			cfg.Enabled = value.B
		}
	case "sortColumn":
		if value.Kind == config.KindString {
			cfg.SortColumn = format.SortColumn(value.S)
		}
	case "verbosity":
		if value.Kind == config.KindString {
			cfg.Verbosity = format.Verbosity(value.S)
		}
	default:
		return
	}

	w.buckets[bucket] = cfg
	w.local.SetBucketConfig(bucket, cfg)
}

// ProxyTarget is the subset of collector.HttpProxy that recognized proxy
// paths act on.
type ProxyTarget interface {
	SetURI(string)
	SetSourceKey(string)
	SetRequestTimeout(time.Duration)
	SetFailureTimeout(time.Duration)
	SetBucketEnabled(bucket string, enabled bool)
	SetEnabled(bool)
}

// ProxyWirer applies recognized ConfigurationRecord paths to a single
// collector.HttpProxy.
type ProxyWirer struct {
	proxy ProxyTarget
}

func NewProxyWirer(proxy ProxyTarget) *ProxyWirer { return &ProxyWirer{proxy: proxy} }

// Apply is a config.ChangedFunc wiring proxy.* and bucket paths onto an
// HttpProxy, and "enabled" onto the proxy's master switch.
func (w *ProxyWirer) Apply(path string, value, oldValue *config.ConfigValue, source string, ctimes config.ChangeTimes) {
	segments := config.SplitPath(path)
	if len(segments) == 0 || value == nil {
		return
	}

	switch segments[0] {
	case "enabled":
		if value.Kind == config.KindBool {
			w.proxy.SetEnabled(value.B)
		}
	case "proxy":
		w.applyProxy(segments[1:], value)
	case "buckets":
		if len(segments) == 3 && segments[2] == "enabled" && value.Kind == config.KindBool {
			w.proxy.SetBucketEnabled(segments[1], value.B)
		}
	}
}

func (w *ProxyWirer) applyProxy(rest []string, value *config.ConfigValue) {
	if len(rest) == 0 {
		return
	}
	switch rest[0] {
	case "uri":
		if value.Kind == config.KindString {
			w.proxy.SetURI(value.S)
		}
	case "sourceKey":
		if value.Kind == config.KindString {
			w.proxy.SetSourceKey(value.S)
		}
	case "requestTimeoutMs":
		if n, ok := asInt64(*value); ok {
			w.proxy.SetRequestTimeout(time.Duration(n) * time.Millisecond)
		}
	case "failureTimeoutMs":
		if n, ok := asInt64(*value); ok {
			w.proxy.SetFailureTimeout(time.Duration(n) * time.Millisecond)
		}
	}
}

// asInt64 accepts an int64, a float64 (truncated toward zero) or a
// numeric string, since operators hand-editing a JSON config file
// sometimes quote numbers.
func asInt64(v config.ConfigValue) (int64, bool) {
	switch v.Kind {
	case config.KindInt64:
		return v.I, true
	case config.KindFloat64:
		return int64(v.F), true
	case config.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.S), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
