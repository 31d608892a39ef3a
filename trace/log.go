// Package trace provides TraceSink implementations: structured log
// output, Prometheus metrics, and a PII-redacting wrapper.
package trace

import (
	"log/slog"

	"github.com/ineyio/promptgate"
)

// LogSink writes each span as one structured log line.
type LogSink struct {
	logger *slog.Logger
}

var _ promptgate.TraceSink = (*LogSink)(nil)

// NewLogSink creates a sink over the given logger. A nil logger uses
// slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// RecordSpan logs the span. Errors log at warn, everything else at debug.
func (s *LogSink) RecordSpan(span promptgate.Span) {
	attrs := []any{
		"request_id", span.RequestID,
		"span", span.Name,
		"kind", span.Kind,
		"duration_ms", span.DurationMs,
	}
	for key, value := range span.Attributes {
		attrs = append(attrs, key, value)
	}

	if span.Error != "" {
		attrs = append(attrs, "error", span.Error)
		s.logger.Warn("span", attrs...)
		return
	}
	s.logger.Debug("span", attrs...)
}
