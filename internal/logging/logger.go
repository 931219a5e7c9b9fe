// Package logging provides the polymorphic logger used throughout the
// core: an interface with four levels, no package-level singleton
// (spec §9). Every component that logs takes a Logger at construction
// time.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jpillora/jplog"
)

// Logger is implemented by anything that can record leveled, printf-style
// messages.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// slogLogger adapts a *slog.Logger to the Logger interface.
type slogLogger struct {
	l *slog.Logger
}

// New returns the default Logger, writing through jplog's handler to w.
// If verbose is false, Debugf calls are suppressed at the handler level.
func New(w io.Writer, verbose bool) Logger {
	h := jplog.Handler(w)
	if verbose {
		h = h.Verbose()
	}
	return &slogLogger{l: slog.New(h)}
}

// NewDefault returns the default Logger writing to stdout.
func NewDefault(verbose bool) Logger {
	return New(os.Stdout, verbose)
}

func (s *slogLogger) Debugf(format string, args ...interface{}) {
	s.l.Debug(fmt.Sprintf(format, args...))
}

func (s *slogLogger) Infof(format string, args ...interface{}) {
	s.l.Info(fmt.Sprintf(format, args...))
}

func (s *slogLogger) Warnf(format string, args ...interface{}) {
	s.l.Warn(fmt.Sprintf(format, args...))
}

func (s *slogLogger) Errorf(format string, args ...interface{}) {
	s.l.Error(fmt.Sprintf(format, args...))
}

// Nop is a Logger that discards everything; useful in tests that don't
// care about log output.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
