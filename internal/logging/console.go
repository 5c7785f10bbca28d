package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

const successKey = "success"

var (
	tagSuccess = color.New(color.FgGreen, color.Bold).SprintFunc()
	tagInfo    = color.New(color.FgCyan).SprintFunc()
	tagWarn    = color.New(color.FgYellow, color.Bold).SprintFunc()
	tagError   = color.New(color.FgRed, color.Bold).SprintFunc()
	tagDebug   = color.New(color.Faint).SprintFunc()
	attrKey    = color.New(color.Faint).SprintFunc()
)

// ConsoleHandler writes one severity-tagged, colored line per record:
//
//	[+] scan completed target=10.0.0.1 session=scan_10_0_0_1
type ConsoleHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

// NewConsoleHandler creates a console handler writing to w.
func NewConsoleHandler(w io.Writer, level slog.Leveler) *ConsoleHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &ConsoleHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// Enabled implements slog.Handler.
func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	success := false
	var b strings.Builder

	appendAttr := func(a slog.Attr, prefix string) {
		if a.Key == successKey && prefix == h.prefix {
			success = a.Value.Bool()
			return
		}
		if a.Equal(slog.Attr{}) {
			return
		}
		b.WriteByte(' ')
		b.WriteString(attrKey(prefix + a.Key + "="))
		b.WriteString(formatValue(a.Value))
	}

	for _, a := range h.attrs {
		appendAttr(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(a, h.prefix)
		return true
	})

	line := fmt.Sprintf("%s %s%s\n", h.tag(r.Level, success), r.Message, b.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line)
	return err
}

func (h *ConsoleHandler) tag(level slog.Level, success bool) string {
	switch {
	case level >= slog.LevelError:
		return tagError("[-]")
	case level >= slog.LevelWarn:
		return tagWarn("[!]")
	case success:
		return tagSuccess("[+]")
	case level >= slog.LevelInfo:
		return tagInfo("[*]")
	default:
		return tagDebug("[~]")
	}
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			return fmt.Sprintf("%q", err.Error())
		}
	}
	s := v.String()
	if strings.ContainsAny(s, " \t\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// WithAttrs implements slog.Handler.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

// WithGroup implements slog.Handler.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

// fanoutHandler delivers each record to every wrapped handler.
type fanoutHandler []slog.Handler

func newFanoutHandler(handlers ...slog.Handler) fanoutHandler {
	return fanoutHandler(handlers)
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
