package trace

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/promptgate"
)

// PrometheusSink counts spans and observes their durations per stage.
type PrometheusSink struct {
	spans     *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

var _ promptgate.TraceSink = (*PrometheusSink)(nil)

// NewPrometheusSink creates a sink and registers its collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		spans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptgate",
			Name:      "pipeline_spans_total",
			Help:      "Pipeline stage executions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "promptgate",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Pipeline stage latency by stage.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
	}
	reg.MustRegister(s.spans, s.durations)
	return s
}

// RecordSpan updates the stage counter and duration histogram.
func (s *PrometheusSink) RecordSpan(span promptgate.Span) {
	outcome := "ok"
	if span.Error != "" {
		outcome = "error"
	}
	s.spans.WithLabelValues(span.Name, outcome).Inc()
	s.durations.WithLabelValues(span.Name).Observe(span.DurationMs / 1000)
}
