// Package nlog is cacherr's logger: leveled, rotating by day, writing each
// line as it is emitted. Adapted from the teacher's cmn/nlog, which buffers
// lines into fixed blocks and flushes periodically; this port does no such
// buffering. Here the logger is a constructed value
// (Logger) passed to every component instead of a package-level writer, so
// tests substitute a buffer-backed Logger instead of redirecting a global.
package nlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
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
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func ParseLevel(s string) (Level, bool) {
	switch s {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarn, true
	case "error", "err":
		return LevelError, true
	default:
		return 0, false
	}
}

// Record is one emitted log line, also the shape fed to any bridge that
// turns logs into `log` bus events (events.LogData).
type Record struct {
	Time    time.Time
	Level   Level
	Source  string
	Message string
}

// Hook observes every record at or above the logger's level, in addition
// to the normal file/stderr write. Used to bridge nlog into the event bus
// without the logger depending on the bus.
type Hook func(Record)

type Logger struct {
	mu       sync.Mutex
	w        io.Writer
	level    Level
	source   string
	hooks    []Hook
	dir      string
	fileDate string
	file     *os.File
}

// New constructs a Logger writing to dir/cacherr.<date>.log, rotating
// at day boundaries, additionally writing to stderr. dir == "" keeps the
// logger stderr-only.
func New(dir string, level Level, source string) *Logger {
	return &Logger{w: os.Stderr, level: level, source: source, dir: dir}
}

// WithSource returns a shallow copy scoped to a different component name,
// sharing the same underlying writer and hooks.
func (l *Logger) WithSource(source string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{w: l.w, level: l.level, source: source, hooks: l.hooks, dir: l.dir, file: l.file, fileDate: l.fileDate}
}

func (l *Logger) AddHook(h Hook) {
	l.mu.Lock()
	l.hooks = append(l.hooks, h)
	l.mu.Unlock()
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *Logger) log(lvl Level, format string, args ...any) {
	if lvl < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	now := time.Now()

	l.mu.Lock()
	w := l.rotatedWriter(now)
	fmt.Fprintf(w, "%s %-7s %s: %s\n", now.Format(time.RFC3339), lvl, l.source, msg)
	hooks := l.hooks
	l.mu.Unlock()

	rec := Record{Time: now, Level: lvl, Source: l.source, Message: msg}
	for _, h := range hooks {
		h(rec)
	}
}

// rotatedWriter must be called with l.mu held.
func (l *Logger) rotatedWriter(now time.Time) io.Writer {
	if l.dir == "" {
		return l.w
	}
	date := now.Format("2006-01-02")
	if date == l.fileDate && l.file != nil {
		return io.MultiWriter(l.w, l.file)
	}
	if l.file != nil {
		l.file.Close()
	}
	path := filepath.Join(l.dir, "cacherr."+date+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return l.w
	}
	l.file = f
	l.fileDate = date
	return io.MultiWriter(l.w, f)
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
