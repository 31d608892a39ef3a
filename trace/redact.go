package trace

import (
	"regexp"

	"github.com/ineyio/promptgate"
)

// piiPatterns maps a redaction label to the pattern it replaces.
var piiPatterns = []struct {
	label   string
	pattern *regexp.Regexp
}{
	{"[REDACTED_EMAIL]", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"[REDACTED_CREDIT_CARD]", regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`)},
	{"[REDACTED_SSN]", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"[REDACTED_PHONE]", regexp.MustCompile(`\b(\+?\d{1,3}[-.\s]?)?(\(?\d{3}\)?[-.\s]?)?\d{3}[-.\s]?\d{4}\b`)},
	{"[REDACTED_IP]", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// Redact replaces common PII (emails, phone numbers, SSNs, card numbers,
// IP addresses) with placeholder labels.
func Redact(text string) string {
	for _, p := range piiPatterns {
		text = p.pattern.ReplaceAllString(text, p.label)
	}
	return text
}

// RedactingSink strips PII from span text fields before forwarding to
// the wrapped sink.
type RedactingSink struct {
	next promptgate.TraceSink
}

var _ promptgate.TraceSink = (*RedactingSink)(nil)

// NewRedactingSink wraps next with PII redaction.
func NewRedactingSink(next promptgate.TraceSink) *RedactingSink {
	return &RedactingSink{next: next}
}

// RecordSpan redacts Input, Output, Error, and string attributes, then
// forwards the span.
func (s *RedactingSink) RecordSpan(span promptgate.Span) {
	span.Input = Redact(span.Input)
	span.Output = Redact(span.Output)
	span.Error = Redact(span.Error)

	if len(span.Attributes) > 0 {
		attrs := make(map[string]any, len(span.Attributes))
		for key, value := range span.Attributes {
			if str, ok := value.(string); ok {
				attrs[key] = Redact(str)
			} else {
				attrs[key] = value
			}
		}
		span.Attributes = attrs
	}
	s.next.RecordSpan(span)
}
