package logrelay

import (
	"context"
	"log/slog"
)

// Handler adapts a Sink into a slog.Handler so the ambient logger can
// fan records out to the relay alongside the console.
type Handler struct {
	sink   Sink
	source string
	level  slog.Level
	attrs  []slog.Attr
}

// NewHandler wraps sink as a slog handler. source tags every record with
// the emitting module's name.
func NewHandler(sink Sink, source string, level slog.Level) *Handler {
	return &Handler{sink: sink, source: source, level: level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	fields := make(map[string]any, record.NumAttrs()+len(h.attrs))
	for _, attr := range h.attrs {
		fields[attr.Key] = attr.Value.Any()
	}
	record.Attrs(func(attr slog.Attr) bool {
		fields[attr.Key] = attr.Value.Any()
		return true
	})

	h.sink.Emit(Record{
		Time:    record.Time,
		Level:   record.Level.String(),
		Source:  h.source,
		Message: record.Message,
		Fields:  fields,
	})
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *Handler) WithGroup(string) slog.Handler {
	// Groups are flattened; the relay consumer only needs flat fields.
	return h
}
