package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/siteguard/internal/xerrors"
)

// enrichHandler adds trace_id/span_id from the active span, and a "stack"
// attribute to records at or above stackLevel.
type enrichHandler struct {
	next       slog.Handler
	stackLevel slog.Level
}

func (h enrichHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h enrichHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if r.Level >= h.stackLevel {
		r.AddAttrs(slog.String("stack", renderFrames(recordStack(r))))
	}
	return h.next.Handle(ctx, r)
}

func (h enrichHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enrichHandler{next: h.next.WithAttrs(attrs), stackLevel: h.stackLevel}
}

func (h enrichHandler) WithGroup(name string) slog.Handler {
	return enrichHandler{next: h.next.WithGroup(name), stackLevel: h.stackLevel}
}

// recordStack prefers the stack captured by xerrors on the "err" attribute
// over the stack of the logging call itself.
func recordStack(r slog.Record) []uintptr {
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if err, ok := a.Value.Any().(error); ok {
			var s xerrors.Stacked
			if errors.As(err, &s) {
				pcs = s.StackPCs()
			}
		}
		return false
	})
	if len(pcs) > 0 {
		return pcs
	}
	pcs = make([]uintptr, 64)
	return pcs[:runtime.Callers(2, pcs)]
}

var machinery = []string{
	"log/slog.",
	"/internal/xerrors.",
	"/internal/log.(*slogLogger).",
	"/internal/log.enrichHandler.",
	"/internal/log.recordStack",
}

// internalFrame reports frames that belong to the logging machinery itself.
func internalFrame(fn string) bool {
	for _, m := range machinery {
		if strings.Contains(fn, m) {
			return true
		}
	}
	return false
}

// renderFrames prints func and file:line per frame, starting at the first
// frame outside the logger and stopping at the runtime.
func renderFrames(pcs []uintptr) string {
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	started := false
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if started || !internalFrame(fr.Function) {
			started = true
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// firstOutsideFrame is the first frame of pcs not in the logging machinery.
func firstOutsideFrame(pcs []uintptr) (runtime.Frame, bool) {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if fr.Function != "" && !internalFrame(fr.Function) && !strings.HasPrefix(fr.Function, "runtime.") {
			return fr, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}
