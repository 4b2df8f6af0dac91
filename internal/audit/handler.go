package audit

import (
	"context"
	"log/slog"
)

// Handler is a slog.Handler that turns each record into a LogEntry and ships
// it. Records are also passed to next, if set, so audit events stay visible
// in the application log.
type Handler struct {
	shipper Shipper
	next    slog.Handler
	attrs   []slog.Attr
}

// NewHandler returns a handler shipping to s and forwarding to next.
func NewHandler(s Shipper, next slog.Handler) *Handler {
	return &Handler{shipper: s, next: next}
}

// NewLogger builds the audit logger: records go to s and to the default logger.
func NewLogger(s Shipper) *slog.Logger {
	return slog.New(NewHandler(s, slog.Default().Handler()))
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	entry := &LogEntry{Timestamp: r.Time.UTC(), Action: r.Message}
	for _, a := range h.attrs {
		apply(entry, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		apply(entry, a)
		return true
	})

	if err := h.shipper.Ship(ctx, entry); err != nil {
		slog.Error("failed to ship audit record", "action", entry.Action, "error", err)
	}
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	if h.next != nil {
		c.next = h.next.WithAttrs(attrs)
	}
	return &c
}

// WithGroup is passed through to next; shipped entries are flat.
func (h *Handler) WithGroup(name string) slog.Handler {
	c := *h
	if h.next != nil {
		c.next = h.next.WithGroup(name)
	}
	return &c
}

func apply(e *LogEntry, a slog.Attr) {
	v := a.Value.Resolve()
	switch a.Key {
	case "action":
		e.Action = v.String()
	case "account_id":
		e.AccountID = v.String()
	case "namespace":
		e.Namespace = v.String()
	case "auth_method":
		e.AuthMethod = v.String()
	case "api_key_id":
		e.APIKeyID = v.String()
	case "path":
		e.Path = v.String()
	case "ip":
		e.IPAddress = v.String()
	case "request_id":
		e.RequestID = v.String()
	case "status":
		if v.Kind() == slog.KindInt64 {
			e.StatusCode = int(v.Int64())
		}
	}
}
