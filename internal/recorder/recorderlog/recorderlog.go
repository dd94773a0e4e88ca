// Package recorderlog is the logging facade shared by the capture pipeline.
// Components depend on the Logger interface; main installs a zap-backed
// implementation with ReplaceGlobal.
package recorderlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Field is a structured logging field (zap-style).
type Field struct {
	Key   string
	Value any
}

func String(key, val string) Field   { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field { return Field{Key: key, Value: val} }
func Int(key string, val int) Field   { return Field{Key: key, Value: val} }
func Int64(key string, val int64) Field {
	return Field{Key: key, Value: val}
}
func Uint64(key string, val uint64) Field {
	return Field{Key: key, Value: val}
}
func Float64(key string, val float64) Field {
	return Field{Key: key, Value: val}
}
func Time(key string, v time.Time) Field          { return Field{Key: key, Value: v} }
func Duration(key string, d time.Duration) Field  { return Field{Key: key, Value: d} }
func Any(key string, val any) Field               { return Field{Key: key, Value: val} }
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err}
}

// Logger is the project-wide logging interface.
type Logger interface {
	// Named returns a child logger with the given component name appended.
	Named(name string) Logger
	// With returns a child logger that includes the provided fields.
	With(fields ...Field) Logger

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

var (
	globalMu     sync.RWMutex
	globalLogger Logger = NewStdLogger()
)

// L returns the current global logger.
func L() Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	return l
}

// ReplaceGlobal swaps the global logger implementation.
func ReplaceGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// OrGlobal returns l, or the global logger when l is nil.
func OrGlobal(l Logger, name string) Logger {
	if l == nil {
		l = L()
	}
	return l.Named(name)
}

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// stdLogger is the fallback used before main installs zap.
type stdLogger struct {
	base   *log.Logger
	min    level
	name   string
	fields []Field
	mu     *sync.Mutex
}

// NewStdLogger creates a default logger that writes to stdout with time prefixes.
func NewStdLogger() Logger {
	return NewWriterLogger(os.Stdout, "info")
}

// NewWriterLogger writes logfmt-style lines to w, dropping entries below minLevel.
func NewWriterLogger(w io.Writer, minLevel string) Logger {
	min := levelInfo
	for i, n := range levelNames {
		if strings.EqualFold(n, minLevel) {
			min = level(i)
		}
	}
	return &stdLogger{
		base: log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		min:  min,
		mu:   &sync.Mutex{},
	}
}

func (l *stdLogger) clone() *stdLogger {
	cp := &stdLogger{base: l.base, min: l.min, name: l.name, mu: l.mu}
	if len(l.fields) > 0 {
		cp.fields = append([]Field(nil), l.fields...)
	}
	return cp
}

func (l *stdLogger) Named(name string) Logger {
	if name == "" {
		return l
	}
	cp := l.clone()
	if cp.name == "" {
		cp.name = name
	} else {
		cp.name = cp.name + "." + name
	}
	return cp
}

func (l *stdLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l.clone()
	cp.fields = append(cp.fields, fields...)
	return cp
}

func (l *stdLogger) Debug(msg string, fields ...Field) { l.log(levelDebug, msg, fields...) }
func (l *stdLogger) Info(msg string, fields ...Field)  { l.log(levelInfo, msg, fields...) }
func (l *stdLogger) Warn(msg string, fields ...Field)  { l.log(levelWarn, msg, fields...) }
func (l *stdLogger) Error(msg string, fields ...Field) { l.log(levelError, msg, fields...) }

func (l *stdLogger) log(lvl level, msg string, fields ...Field) {
	if lvl < l.min {
		return
	}

	var b strings.Builder
	b.WriteString(levelNames[lvl])
	if l.name != "" {
		b.WriteString(" name=")
		b.WriteString(quoteIfNeeded(l.name))
	}
	b.WriteString(" msg=")
	b.WriteString(quoteIfNeeded(msg))

	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	all = append(all, fields...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	for _, f := range all {
		if f.Key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(quoteIfNeeded(fmtVal(f.Value)))
	}

	// shared across clones so lines from child loggers never interleave
	l.mu.Lock()
	l.base.Println(b.String())
	l.mu.Unlock()
}

func fmtVal(v any) string {
	if v == nil {
		return "null"
	}
	switch t := v.(type) {
	case error:
		return t.Error()
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func quoteIfNeeded(s string) string {
	if strings.ContainsAny(s, " \t\n\r=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
