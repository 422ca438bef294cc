package waitpoint

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// Logger is the logging contract every package in the module writes to.
// Messages are printf style.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger is implemented by loggers that can carry structured fields.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// Level orders log severities for FmtLogger.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelTrace || l > LevelFatal {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a level name to a Level. Unknown names yield LevelInfo.
func ParseLevel(name string) Level {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "WARNING" {
		return LevelWarn
	}
	if i := slices.Index(levelNames[:], upper); i >= 0 {
		return Level(i)
	}
	return LevelInfo
}

// FmtLogger writes one plain text line per entry. It is what the packages
// fall back to when no logger is injected.
type FmtLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	min    Level
	fields map[string]any
}

// NewFmtLogger writes to out, or stderr when out is nil, at LevelDebug.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stderr
	}
	return &FmtLogger{mu: &sync.Mutex{}, out: out, min: LevelDebug}
}

// WithLevel returns a copy that drops entries below min.
func (l *FmtLogger) WithLevel(min Level) *FmtLogger {
	cp := *l.orDefault()
	cp.min = min
	return &cp
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.emit(LevelTrace, msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.emit(LevelDebug, msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.emit(LevelInfo, msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.emit(LevelWarn, msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.emit(LevelError, msg, args) }

// Fatal logs at LevelFatal. It does not exit; the binary's logger decides that.
func (l *FmtLogger) Fatal(msg string, args ...any) { l.emit(LevelFatal, msg, args) }

// WithContext returns l. The fallback logger keeps no per-request state.
func (l *FmtLogger) WithContext(context.Context) Logger { return l.orDefault() }

func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := *l.orDefault()
	merged := make(map[string]any, len(cp.fields)+len(fields))
	maps.Copy(merged, cp.fields)
	maps.Copy(merged, fields)
	cp.fields = merged
	return &cp
}

func (l *FmtLogger) orDefault() *FmtLogger {
	if l == nil || l.out == nil {
		return NewFmtLogger(nil)
	}
	if l.mu == nil {
		cp := *l
		cp.mu = &sync.Mutex{}
		return &cp
	}
	return l
}

func (l *FmtLogger) emit(level Level, msg string, args []any) {
	l = l.orDefault()
	if level < l.min {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, " %-5s %s", level, strings.TrimSpace(msg))
	for _, k := range slices.Sorted(maps.Keys(l.fields)) {
		fmt.Fprintf(&b, " %s=%v", k, l.fields[k])
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, b.String())
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Trace(string, ...any)                 {}
func (NopLogger) Debug(string, ...any)                 {}
func (NopLogger) Info(string, ...any)                  {}
func (NopLogger) Warn(string, ...any)                  {}
func (NopLogger) Error(string, ...any)                 {}
func (NopLogger) Fatal(string, ...any)                 {}
func (n NopLogger) WithContext(context.Context) Logger { return n }

// NormalizeLogger returns logger, or a FmtLogger on stderr when it is nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithLoggerFields attaches fields when the logger supports them and
// returns it unchanged otherwise.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	logger = NormalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}
