// Package logging provides the leveled line logger shared by zonekeeper components.
//
// Lines have the form "<RFC3339> <LEVEL> <component>: <message>", matching the
// daemon log format so one log file can be grepped across components.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes leveled lines for one component.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
	now       func() time.Time
}

// New creates a Logger writing to w.
func New(w io.Writer, level Level, component string) *Logger {
	return &Logger{
		out:       log.New(w, "", 0),
		level:     level,
		component: component,
		now:       time.Now,
	}
}

// Discard returns a Logger that drops everything. Used by tests and optional wiring.
func Discard() *Logger {
	return New(io.Discard, LevelError+1, "discard")
}

// With returns a Logger for another component sharing the same sink and level.
func (l *Logger) With(component string) *Logger {
	return &Logger{out: l.out, level: l.level, component: component, now: l.now}
}

// Writer exposes the underlying sink, e.g. for HTTP access logs.
func (l *Logger) Writer() io.Writer {
	return l.out.Writer()
}

func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) Logf(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", l.now().Format(time.RFC3339), level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Logf(LevelError, format, args...) }
