package metrics

import (
	"context"
	"io"
	"log/slog"
)

// JSONLObserver writes one JSON object per event, suitable for an audit file.
type JSONLObserver struct {
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, "metrics", eventAttrs(ev)...)
}

// LoggerObserver mirrors events into the application log at debug level.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev MetricsEvent) {
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "metrics", eventAttrs(ev)...)
}

func eventAttrs(ev MetricsEvent) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}
