// Package telemetry builds the kernel's structured JSON logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/claw-kernel/internal/shared"
)

// NewLogger writes JSON logs to <homeDir>/logs/system.jsonl, and to stderr
// unless quiet. Every record carries component and trace_id.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stderr, file)
	}
	return slog.New(newHandler(w, parseLevel(level))).With("component", "kernel"), file, nil
}

// Component returns a child logger tagged with the component name.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}

func newHandler(w io.Writer, lvl slog.Level) slog.Handler {
	return &contextHandler{inner: slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceAttr,
	})}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.SensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if a.Key == "remote_jid" {
		return slog.String(a.Key, shared.MaskJID(v))
	}
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return slog.String(a.Key, "[REDACTED]")
	}
	if redacted := shared.Redact(v); redacted != v {
		return slog.String(a.Key, redacted)
	}
	return a
}

// ctxField is a log attribute filled from the record's context when the
// call site did not pass it.
type ctxField struct {
	key   string
	value func(context.Context) string
}

var ctxFields = []ctxField{
	{key: "trace_id", value: shared.TraceID},
	{key: "workspace_id", value: shared.WorkspaceID},
	{key: "session_id", value: shared.SessionID},
	{key: "objective_id", value: shared.ObjectiveID},
}

// contextHandler adds ctxFields to each record. trace_id is always
// present ("-" when unknown); the others only when the context has them.
type contextHandler struct {
	inner slog.Handler
	bound map[string]bool
}

func (h *contextHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.inner.Enabled(ctx, lvl)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	present := make(map[string]bool, len(ctxFields))
	r.Attrs(func(a slog.Attr) bool {
		present[a.Key] = true
		return true
	})
	for _, f := range ctxFields {
		if h.bound[f.key] || present[f.key] {
			continue
		}
		v := f.value(ctx)
		if v == "" {
			continue
		}
		r.AddAttrs(slog.String(f.key, v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]bool, len(h.bound)+len(attrs))
	for k := range h.bound {
		bound[k] = true
	}
	for _, a := range attrs {
		bound[a.Key] = true
	}
	return &contextHandler{inner: h.inner.WithAttrs(attrs), bound: bound}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name), bound: h.bound}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
