package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// bracketHandler renders records as "[time] [level] [file:line] msg | k=v".
type bracketHandler struct {
	w         io.Writer
	level     *slog.LevelVar
	addSource bool
	mu        *sync.Mutex
}

func newBracketHandler(w io.Writer, level *slog.LevelVar, addSource bool) *bracketHandler {
	return &bracketHandler{
		w:         w,
		level:     level,
		addSource: addSource,
		mu:        &sync.Mutex{},
	}
}

func (h *bracketHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *bracketHandler) Handle(_ context.Context, r slog.Record) error {
	timeStr := r.Time.Format("2006-01-02 15:04:05")
	levelStr := strings.ToLower(r.Level.String())

	var source string
	if h.addSource && r.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := fs.Next()
		source = fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}

	var attrs strings.Builder
	r.Attrs(func(a slog.Attr) bool {
		if attrs.Len() > 0 {
			attrs.WriteString(" ")
		}
		attrs.WriteString(a.Key)
		attrs.WriteString("=")
		attrs.WriteString(fmt.Sprintf("%v", a.Value.Any()))
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()

	var line strings.Builder
	line.WriteString("[" + timeStr + "] [" + levelStr + "]")
	if source != "" {
		line.WriteString(" [" + source + "]")
	}
	line.WriteString(" " + r.Message)
	if attrs.Len() > 0 {
		line.WriteString(" | " + attrs.String())
	}
	line.WriteString("\n")
	_, err := io.WriteString(h.w, line.String())
	return err
}

func (h *bracketHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

func (h *bracketHandler) WithGroup(name string) slog.Handler { return h }
