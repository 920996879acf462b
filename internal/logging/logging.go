// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides structured logging for odrelayd, built on
// top of charmbracelet/log.
package logging

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"
)

// Level mirrors the charmbracelet/log severity levels, kept as our own
// type so callers never need to import the backend package directly.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) toCharm() charmlog.Level {
	switch l {
	case LevelDebug:
		return charmlog.DebugLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Config controls how a Logger is constructed.
type Config struct {
	Level     Level
	Output    io.Writer
	TimeStamp bool
	Syslog    SyslogConfig
}

// DefaultConfig returns the configuration used when the process starts
// without an explicit logging stanza: info level, to stderr, with
// timestamps, syslog disabled.
func DefaultConfig() Config {
	return Config{
		Level:     LevelInfo,
		Output:    os.Stderr,
		TimeStamp: true,
		Syslog:    DefaultSyslogConfig(),
	}
}

// Logger wraps a charmbracelet/log.Logger with the component/error
// attachment helpers used throughout the daemon.
type Logger struct {
	inner *charmlog.Logger
}

// New builds a Logger from cfg. If cfg.Syslog is enabled, a syslog
// writer is used instead of cfg.Output (or in addition, if a plain
// output is also desired, callers should construct an io.MultiWriter
// themselves and set it as Config.Output with Syslog left disabled).
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			out = w
		}
	}
	inner := charmlog.NewWithOptions(out, charmlog.Options{
		Level:           cfg.Level.toCharm(),
		ReportTimestamp: cfg.TimeStamp,
	})
	return &Logger{inner: inner}
}

// WithComponent returns a derived Logger that tags every message with
// the given component name, matching the call-site convention used
// across this daemon (one logger per package/subsystem).
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{inner: l.inner.With("component", name)}
}

// WithError returns a derived Logger with the error attached as a
// field, so it is rendered alongside any other key/value pairs.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{inner: l.inner.With("error", err.Error())}
}

// With returns a derived Logger carrying additional key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{inner: l.inner.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }

var defaultLogger atomic.Pointer[Logger]
var defaultOnce sync.Once

// Default returns the process-wide default Logger, lazily initialized
// with DefaultConfig() on first use.
func Default() *Logger {
	defaultOnce.Do(func() {
		if defaultLogger.Load() == nil {
			defaultLogger.Store(New(DefaultConfig()))
		}
	})
	return defaultLogger.Load()
}

// SetDefault replaces the process-wide default Logger, normally called
// once at startup after the configuration file has been parsed.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}
