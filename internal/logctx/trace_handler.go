package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// TraceHandler is an slog.Handler wrapper that adds trace_id and span_id from the
// OpenTelemetry span in the context, so a download's log lines can be joined with its spans.
// The trace attributes stay at the top level of the record even after WithGroup.
type TraceHandler struct {
	base  slog.Handler
	inner slog.Handler // base with every WithAttrs and WithGroup applied
	ops   []handlerOp
	group bool
}

// handlerOp is one WithAttrs or WithGroup call, replayed in order.
type handlerOp struct {
	attrs []slog.Attr
	group string
}

// NewTraceHandler wraps h. It panics if h is nil.
func NewTraceHandler(h slog.Handler) *TraceHandler {
	if h == nil {
		panic("logctx: NewTraceHandler called with nil handler")
	}

	return &TraceHandler{base: h, inner: h}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return h.inner.Handle(ctx, r)
	}

	traceAttrs := []slog.Attr{
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	}

	if !h.group {
		r.AddAttrs(traceAttrs...)

		return h.inner.Handle(ctx, r)
	}

	inner := h.base.WithAttrs(traceAttrs)
	for _, op := range h.ops {
		if op.group != "" {
			inner = inner.WithGroup(op.group)
		} else {
			inner = inner.WithAttrs(op.attrs)
		}
	}

	return inner.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	return h.with(handlerOp{attrs: attrs}, h.inner.WithAttrs(attrs))
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	return h.with(handlerOp{group: name}, h.inner.WithGroup(name))
}

func (h *TraceHandler) with(op handlerOp, inner slog.Handler) *TraceHandler {
	ops := make([]handlerOp, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)

	return &TraceHandler{
		base:  h.base,
		inner: inner,
		ops:   append(ops, op),
		group: h.group || op.group != "",
	}
}
