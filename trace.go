package promptgate

import (
	"sync"
	"time"
)

// Span kinds group stages by concern.
const (
	SpanKindSecurity = "security"
	SpanKindCache    = "cache"
	SpanKindLLM      = "llm"
	SpanKindMetrics  = "metrics"
)

// Span records one pipeline stage execution.
type Span struct {
	RequestID  string
	Name       string
	Kind       string
	Input      string
	Output     string
	Error      string
	Attributes map[string]any
	StartedAt  time.Time
	DurationMs float64
}

// TraceSink receives completed spans. Implementations must be safe for
// concurrent use and must not block the pipeline.
type TraceSink interface {
	RecordSpan(span Span)
}

// NoopSink discards all spans.
type NoopSink struct{}

func (NoopSink) RecordSpan(Span) {}

var _ TraceSink = NoopSink{}

// FanoutSink forwards each span to every wrapped sink in order.
type FanoutSink []TraceSink

func (f FanoutSink) RecordSpan(span Span) {
	for _, s := range f {
		s.RecordSpan(span)
	}
}

var _ TraceSink = FanoutSink{}

// spanRecorder builds a span incrementally and emits it exactly once.
type spanRecorder struct {
	sink TraceSink
	span Span

	mu    sync.Mutex
	ended bool
}

func newSpan(sink TraceSink, requestID, name, kind string) *spanRecorder {
	return &spanRecorder{
		sink: sink,
		span: Span{
			RequestID: requestID,
			Name:      name,
			Kind:      kind,
			StartedAt: time.Now(),
		},
	}
}

func (r *spanRecorder) SetInput(s string)  { r.span.Input = s }
func (r *spanRecorder) SetOutput(s string) { r.span.Output = s }

func (r *spanRecorder) SetAttr(key string, value any) {
	if r.span.Attributes == nil {
		r.span.Attributes = make(map[string]any)
	}
	r.span.Attributes[key] = value
}

// End closes the span. Later calls are no-ops, so a deferred End after
// an explicit one records nothing twice.
func (r *spanRecorder) End(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.ended = true

	if err != nil {
		r.span.Error = err.Error()
	}
	r.span.DurationMs = float64(time.Since(r.span.StartedAt).Microseconds()) / 1000
	r.sink.RecordSpan(r.span)
}
