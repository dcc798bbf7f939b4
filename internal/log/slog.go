package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr
	// maxLinks bounds "error_links", 0 leaves them out
	maxLinks int
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var h slog.Handler
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}

	stackLevel := slog.LevelError
	if opts.StacktraceLevel != "" {
		lvl, err := ParseLevel(opts.StacktraceLevel)
		if err != nil {
			return nil, fmt.Errorf("stacktrace level: %w", err)
		}
		stackLevel = lvl
	}

	maxLinks := 0
	if opts.IncludeErrorLinks {
		maxLinks = opts.MaxErrorLinks
		if maxLinks <= 0 {
			maxLinks = 8
		}
	}

	attrs := []slog.Attr{slog.String("app", opts.App)}
	for _, a := range []slog.Attr{
		slog.String("version", opts.Version),
		slog.String("commit", opts.Commit),
		slog.String("build_id", opts.BuildId),
	} {
		if a.Value.String() != "" {
			attrs = append(attrs, a)
		}
	}

	return &slogLogger{
		h:        enrichHandler{next: h, stackLevel: stackLevel},
		attrs:    attrs,
		maxLinks: maxLinks,
	}, nil
}

// With copies attrs so derived loggers never share a backing array.
func (s *slogLogger) With(kv ...any) Logger {
	attrs := make([]slog.Attr, len(s.attrs), len(s.attrs)+len(kv)/2)
	copy(attrs, s.attrs)
	return &slogLogger{h: s.h, attrs: appendPairs(attrs, kv), maxLinks: s.maxLinks}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv[:len(kv):len(kv)], errorFields(err, s.maxLinks)...)
	}
	s.emit(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

// emit must be called directly from the level methods so the recorded source is their caller.
func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// skip runtime.Callers, emit and the level method
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(appendPairs(nil, kv)...)
	_ = s.h.Handle(ctx, r)
}

// appendPairs drops pairs whose key is not a string and a trailing odd value.
func appendPairs(dst []slog.Attr, kv []any) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst = append(dst, slog.Any(k, kv[i+1]))
		}
	}
	return dst
}
