// Package obs provides the console sink wired onto every events.Bus: a
// thin leveled wrapper over the standard library's log.Logger. No
// third-party structured logging library appears anywhere in the
// reference corpus outside of test and contrib-wrapper files, so this
// ambient concern is deliberately built on the standard library rather
// than importing one speculatively.
package obs

import (
	"io"
	"log"
	"os"

	"github.com/kestrel-io/hitprof/internal/events"
)

// Level mirrors events.Level with a Warn rung inserted for info-ish
// conditions an operator still wants to see highlighted.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

// Logger is a small leveled wrapper around *log.Logger.
type Logger struct {
	out *log.Logger
}

// New builds a Logger writing to w with a timestamped prefix, matching
// the stdlib-log style the reference corpus uses outside of its web
// dashboard paths.
func New(w io.Writer, prefix string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{out: log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)}
}

// Default writes to stderr with no prefix.
func Default() *Logger { return New(os.Stderr, "") }

func (l *Logger) Infof(format string, args ...interface{}) {
	l.out.Printf("INFO  "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.out.Printf("WARN  "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.out.Printf("ERROR "+format, args...)
}

// Sink adapts Logger to events.Sink, the console subscriber attached to a
// Profiler's event bus by default.
func (l *Logger) Sink() events.Sink {
	return events.SinkFunc(func(ev events.Event) {
		switch ev.Level {
		case events.LevelError:
			l.Errorf("%s", ev.String())
		default:
			l.Infof("%s", ev.String())
		}
	})
}
