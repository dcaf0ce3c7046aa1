// Package logging provides the shared process logger built on log/slog with a
// compact bracketed output format, optional file rotation, and helpers that
// redirect gin's default writers into the same sink.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	defaultLogger *slog.Logger
	logLevel                = new(slog.LevelVar)
	logOutput     io.Writer = os.Stdout
	outputMu      sync.RWMutex
	initOnce      sync.Once
	nowFunc       = time.Now
)

// Fields is a bag of structured attributes attached to a log entry.
type Fields map[string]any

func init() {
	initOnce.Do(func() {
		logLevel.Set(slog.LevelInfo)
		defaultLogger = slog.New(newBracketHandler(os.Stdout, logLevel, true))
	})
}

func reconfigure(w io.Writer, addSource bool) {
	outputMu.Lock()
	defer outputMu.Unlock()
	logOutput = w
	defaultLogger = slog.New(newBracketHandler(w, logLevel, addSource))
}

// SetOutput redirects all subsequent log output to w.
func SetOutput(w io.Writer) { reconfigure(w, true) }

// SetLevel changes the minimum level emitted by the logger.
func SetLevel(level slog.Level) { logLevel.Set(level) }

// GetLevel reports the current minimum level.
func GetLevel() slog.Level { return logLevel.Level() }

func Debug(msg string)                  { logAt(slog.LevelDebug, msg, nil) }
func Debugf(format string, args ...any) { logAt(slog.LevelDebug, fmt.Sprintf(format, args...), nil) }
func Info(msg string)                   { logAt(slog.LevelInfo, msg, nil) }
func Infof(format string, args ...any)  { logAt(slog.LevelInfo, fmt.Sprintf(format, args...), nil) }
func Warn(msg string)                   { logAt(slog.LevelWarn, msg, nil) }
func Warnf(format string, args ...any)  { logAt(slog.LevelWarn, fmt.Sprintf(format, args...), nil) }
func Error(msg string)                  { logAt(slog.LevelError, msg, nil) }
func Errorf(format string, args ...any) { logAt(slog.LevelError, fmt.Sprintf(format, args...), nil) }

// Fatal logs at error level, runs registered exit handlers, and exits.
func Fatal(msg string) {
	logAt(slog.LevelError, msg, nil)
	runExitHandlers()
	os.Exit(1)
}

func Fatalf(format string, args ...any) {
	Fatal(fmt.Sprintf(format, args...))
}

func logAt(level slog.Level, msg string, attrs []slog.Attr) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(nowFunc(), level, msg, pcs[0])
	if len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	_ = defaultLogger.Handler().Handle(context.Background(), r)
}

// Entry accumulates structured attributes before emitting a record.
type Entry struct {
	attrs []slog.Attr
}

func WithError(err error) *Entry {
	return &Entry{attrs: []slog.Attr{slog.Any("error", err)}}
}

func WithField(key string, value any) *Entry {
	return &Entry{attrs: []slog.Attr{slog.Any(key, value)}}
}

func WithFields(fields Fields) *Entry {
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return &Entry{attrs: attrs}
}

func (e *Entry) WithField(key string, value any) *Entry {
	e.attrs = append(e.attrs, slog.Any(key, value))
	return e
}

func (e *Entry) WithError(err error) *Entry {
	e.attrs = append(e.attrs, slog.Any("error", err))
	return e
}

func (e *Entry) WithFields(fields Fields) *Entry {
	for k, v := range fields {
		e.attrs = append(e.attrs, slog.Any(k, v))
	}
	return e
}

func (e *Entry) Debug(msg string) { e.logAt(slog.LevelDebug, msg) }
func (e *Entry) Debugf(format string, args ...any) {
	e.logAt(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (e *Entry) Info(msg string) { e.logAt(slog.LevelInfo, msg) }
func (e *Entry) Infof(format string, args ...any) {
	e.logAt(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (e *Entry) Warn(msg string) { e.logAt(slog.LevelWarn, msg) }
func (e *Entry) Warnf(format string, args ...any) {
	e.logAt(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (e *Entry) Error(msg string) { e.logAt(slog.LevelError, msg) }
func (e *Entry) Errorf(format string, args ...any) {
	e.logAt(slog.LevelError, fmt.Sprintf(format, args...))
}

func (e *Entry) logAt(level slog.Level, msg string) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(nowFunc(), level, msg, pcs[0])
	r.AddAttrs(e.attrs...)
	_ = defaultLogger.Handler().Handle(context.Background(), r)
}

// Writer returns an io.Writer that logs each written line at info level.
func Writer() io.Writer {
	return &slogWriter{level: slog.LevelInfo}
}

// WriterLevel returns an io.Writer that logs each written line at the given level.
func WriterLevel(level slog.Level) io.Writer {
	return &slogWriter{level: level}
}

type slogWriter struct {
	level slog.Level
}

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\r\n")
	if msg == "" {
		return len(p), nil
	}

	if !defaultLogger.Enabled(context.Background(), w.level) {
		return len(p), nil
	}

	var pcs [1]uintptr
	runtime.Callers(4, pcs[:])

	r := slog.NewRecord(nowFunc(), w.level, msg, pcs[0])
	_ = defaultLogger.Handler().Handle(context.Background(), r)
	return len(p), nil
}

var (
	exitHandlers   []func()
	exitHandlersMu sync.Mutex
)

// RegisterExitHandler registers fn to run before Fatal exits the process.
func RegisterExitHandler(fn func()) {
	exitHandlersMu.Lock()
	defer exitHandlersMu.Unlock()
	exitHandlers = append(exitHandlers, fn)
}

func runExitHandlers() {
	exitHandlersMu.Lock()
	handlers := make([]func(), len(exitHandlers))
	copy(handlers, exitHandlers)
	exitHandlersMu.Unlock()

	for _, h := range handlers {
		h()
	}
}
