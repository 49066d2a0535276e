package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const colorReset = "\033[0m"

// ColorTextHandler renders records with slog.TextHandler and prefixes each
// line with an ANSI-colored level tag. The tag is written outside the text
// handler so the escape codes are not quoted.
type ColorTextHandler struct {
	inner slog.Handler
	out   io.Writer
	buf   *bytes.Buffer
	mu    *sync.Mutex
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	buf := &bytes.Buffer{}
	return &ColorTextHandler{
		inner: slog.NewTextHandler(buf, opts),
		out:   w,
		buf:   buf,
		mu:    &sync.Mutex{},
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // green
	default:
		return "\033[36m" // cyan
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	line := make([]byte, 0, h.buf.Len()+16)
	line = append(line, levelColor(r.Level)...)
	line = append(line, r.Level.String()...)
	line = append(line, colorReset...)
	line = append(line, ' ', ' ')
	line = append(line, h.buf.Bytes()...)
	_, err := h.out.Write(line)
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithAttrs(attrs), out: h.out, buf: h.buf, mu: h.mu}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithGroup(name), out: h.out, buf: h.buf, mu: h.mu}
}
