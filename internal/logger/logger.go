// Package logger implements the FileLogger contract: a (sourceKey,bucket)
// pair maps to a rewritten ".now" snapshot and an append-only ".log" file,
// with size-triggered rotation into zip archives. Grounded on the
// directory-provisioning and append-file patterns in
// evanoooo-vstats/server-go's cache.go (disk-backed persistence with
// create-on-first-use directories), adapted to the log/archive contract.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-io/hitprof/internal/events"
)

// Logger is what LocalCollector writes formatted output through.
type Logger interface {
	WriteNow(bucket, content string) error
	AppendLog(bucket, content string) error
	SetLogPath(path string) error
	SetArchivePath(path string) error
}

// ConsoleLogger writes every bucket's output to stdout, ignoring the
// .now/.log distinction. Used when no logPath is configured.
type ConsoleLogger struct {
	mu sync.Mutex
}

func NewConsoleLogger() *ConsoleLogger { return &ConsoleLogger{} }

func (c *ConsoleLogger) WriteNow(bucket, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Printf("[%s]\n%s\n", bucket, content)
	return nil
}

func (c *ConsoleLogger) AppendLog(bucket, content string) error {
	return c.WriteNow(bucket, content)
}

func (c *ConsoleLogger) SetLogPath(string) error     { return nil }
func (c *ConsoleLogger) SetArchivePath(string) error { return nil }

// FileLogger is scoped to a single sourceKey; the AggregatorServer owns one
// instance per source. At most one rotation runs at a time per instance
// (archivingInFlight).
type FileLogger struct {
	mu sync.Mutex

	bus       *events.Bus
	sourceKey string

	logPath     string
	archivePath string

	maxLogSizeBytes           int64
	maxArchiveSizeBytes       int64
	logRequestArchivingModulo int64

	requestCount   int64
	archiveStamper string

	archivingInFlight int32
}

// Option configures a FileLogger at construction time.
type Option func(*FileLogger)

func WithMaxLogSizeBytes(n int64) Option { return func(f *FileLogger) { f.maxLogSizeBytes = n } }
func WithMaxArchiveSizeBytes(n int64) Option {
	return func(f *FileLogger) { f.maxArchiveSizeBytes = n }
}
func WithArchivingModulo(n int64) Option {
	return func(f *FileLogger) { f.logRequestArchivingModulo = n }
}

// NewFileLogger constructs a FileLogger for sourceKey rooted at logPath
// and archivePath. Directories are created lazily on first write.
func NewFileLogger(sourceKey, logPath, archivePath string, bus *events.Bus, opts ...Option) *FileLogger {
	f := &FileLogger{
		bus:         bus,
		sourceKey:   sourceKey,
		logPath:     logPath,
		archivePath: archivePath,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *FileLogger) report(kind events.Kind, msg string, err error) {
	if f.bus != nil {
		f.bus.Error(kind, msg, err)
	}
}

func (f *FileLogger) logDir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filepath.Join(f.logPath, f.sourceKey)
}

func (f *FileLogger) archiveDir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filepath.Join(f.archivePath, f.sourceKey)
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// SetLogPath swaps the log root only after the new directory is
// successfully created; on failure the old value is retained.
func (f *FileLogger) SetLogPath(path string) error {
	if err := ensureDir(filepath.Join(path, f.sourceKey)); err != nil {
		f.report(events.LoggerIO, "create log directory", err)
		return err
	}
	f.mu.Lock()
	f.logPath = path
	f.mu.Unlock()
	return nil
}

// SetArchivePath swaps the archive root with the same create-then-commit
// semantics as SetLogPath.
func (f *FileLogger) SetArchivePath(path string) error {
	if err := ensureDir(filepath.Join(path, f.sourceKey)); err != nil {
		f.report(events.LoggerIO, "create archive directory", err)
		return err
	}
	f.mu.Lock()
	f.archivePath = path
	f.mu.Unlock()
	return nil
}

// SetMaxLogSizeBytes changes the rotation threshold used by future checks.
func (f *FileLogger) SetMaxLogSizeBytes(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxLogSizeBytes = n
}

// SetMaxArchiveSizeBytes changes the archive-trim threshold.
func (f *FileLogger) SetMaxArchiveSizeBytes(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxArchiveSizeBytes = n
}

// SetArchivingModulo changes how often AppendLog runs a rotation check.
func (f *FileLogger) SetArchivingModulo(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logRequestArchivingModulo = n
}

// WriteNow rewrites <bucket>.now with content.
func (f *FileLogger) WriteNow(bucket, content string) error {
	dir := f.logDir()
	if err := ensureDir(dir); err != nil {
		f.report(events.LoggerIO, "create log directory", err)
		return err
	}
	path := filepath.Join(dir, bucket+".now")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		f.report(events.LoggerIO, "write "+path, err)
		return err
	}
	return nil
}

// AppendLog appends content to the current <prefix><bucket>.log file,
// running a rotation check every logRequestArchivingModulo-th call when
// archiving is enabled.
func (f *FileLogger) AppendLog(bucket, content string) error {
	f.mu.Lock()
	f.requestCount++
	count := f.requestCount
	archivingEnabled := f.maxLogSizeBytes > 0 && f.logRequestArchivingModulo > 0
	f.mu.Unlock()

	if archivingEnabled && count%f.logRequestArchivingModulo == 0 {
		f.maybeRotate()
	}

	dir := f.logDir()
	if err := ensureDir(dir); err != nil {
		f.report(events.LoggerIO, "create log directory", err)
		return err
	}

	prefix := ""
	f.mu.Lock()
	if archivingEnabled {
		if f.archiveStamper == "" {
			f.archiveStamper = newArchiveStamper()
		}
		prefix = f.archiveStamper + "-"
	}
	f.mu.Unlock()

	path := filepath.Join(dir, prefix+bucket+".log")
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		f.report(events.LoggerIO, "open "+path, err)
		return err
	}
	defer fh.Close()
	if _, err := fh.WriteString(content); err != nil {
		f.report(events.LoggerIO, "append "+path, err)
		return err
	}
	return nil
}

func nowStamp() string {
	return fmt.Sprintf("%014d", time.Now().UnixMilli())
}

// newArchiveStamper mints a fresh rotation prefix: the zero-padded-14-digit
// millisecond timestamp of the rotation boundary.
func newArchiveStamper() string {
	return nowStamp()
}

// maybeRotate runs orphan sweep, current sweep and trim under the
// archivingInFlight guard. A rotation already in progress is skipped; the
// next modulo trigger retries.
func (f *FileLogger) maybeRotate() {
	if !atomic.CompareAndSwapInt32(&f.archivingInFlight, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&f.archivingInFlight, 0)

	f.mu.Lock()
	hadStamper := f.archiveStamper != ""
	maxLogSize := f.maxLogSizeBytes
	maxArchiveSize := f.maxArchiveSizeBytes
	f.mu.Unlock()

	if !hadStamper {
		// First rotation after archiving was enabled: establish the
		// baseline prefix, nothing to sweep yet.
		f.mu.Lock()
		f.archiveStamper = newArchiveStamper()
		f.mu.Unlock()
		return
	}

	if err := f.orphanSweep(); err != nil {
		f.report(events.LoggerIO, "orphan sweep", err)
	}
	if err := f.currentSweep(maxLogSize); err != nil {
		f.report(events.LoggerIO, "current sweep", err)
	}
	if err := f.trimArchive(maxArchiveSize); err != nil {
		f.report(events.LoggerIO, "trim archive", err)
	}
}
