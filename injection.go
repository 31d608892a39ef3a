package promptgate

import (
	"regexp"
	"strings"
)

// InjectionVerdict is the outcome of running the detector on one message.
type InjectionVerdict struct {
	Detected           bool
	Confidence         float64
	MatchedPatterns    []string
	SemanticSimilarity float64
}

// injectionPattern pairs a stable id with a compiled expression.
type injectionPattern struct {
	id string
	re *regexp.Regexp
}

// Known injection patterns, case-insensitive. Any match forces confidence 1.0.
var injectionPatterns = []injectionPattern{
	// Direct instruction manipulation.
	{"instruction-override", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?)`)},
	{"forget-prompt", regexp.MustCompile(`(?i)forget\s+(your|the|all)\s+(prompt|instructions?|rules?|context)`)},
	{"disregard-prompt", regexp.MustCompile(`(?i)disregard\s+(your|the|all)\s+(prompt|instructions?|rules?|context)`)},
	{"set-prompt", regexp.MustCompile(`(?i)set\s+your\s+(prompt|instructions?|rules?)\s+to`)},

	// Role manipulation.
	{"role-reassign", regexp.MustCompile(`(?i)you\s+are\s+(now|currently|actually)\s+(a|an)\s+\w+`)},
	{"act-as", regexp.MustCompile(`(?i)act\s+as\s+(a|an)\s+\w+`)},
	{"pretend", regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)\s+(a|an)\s+\w+`)},
	{"behave-as", regexp.MustCompile(`(?i)behave\s+(like|as)\s+(a|an)\s+\w+`)},
	{"roleplay", regexp.MustCompile(`(?i)roleplay\s+as\s+(a|an)\s+\w+`)},

	// System/assistant role injection. The expression requires content after
	// the marker so a bare "system:" at end of line does not trip it.
	{"system-colon", regexp.MustCompile(`(?i)system\s*:\s*\S`)},
	{"assistant-colon", regexp.MustCompile(`(?i)assistant\s*:\s*\S`)},
	{"system-bracket", regexp.MustCompile(`(?i)\[system\]`)},
	{"assistant-bracket", regexp.MustCompile(`(?i)\[assistant\]`)},
	{"system-tag", regexp.MustCompile(`(?i)<system>`)},
	{"assistant-tag", regexp.MustCompile(`(?i)<assistant>`)},

	// New instruction injection.
	{"new-instructions", regexp.MustCompile(`(?i)new\s+(instructions?|rules?|prompt)\s*:?`)},
	{"updated-instructions", regexp.MustCompile(`(?i)updated\s+(instructions?|rules?|prompt)\s*:?`)},
	{"revised-instructions", regexp.MustCompile(`(?i)revised\s+(instructions?|rules?|prompt)\s*:?`)},

	// Context manipulation.
	{"from-now-on", regexp.MustCompile(`(?i)from\s+now\s+on`)},
	{"starting-now", regexp.MustCompile(`(?i)starting\s+now`)},
	{"ignore-context", regexp.MustCompile(`(?i)ignore\s+context`)},
	{"clear-context", regexp.MustCompile(`(?i)clear\s+context`)},

	// Prompt leaking attempts.
	{"ask-instructions", regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(instructions?|rules?|prompt|guidelines?)`)},
	{"tell-instructions", regexp.MustCompile(`(?i)tell\s+me\s+your\s+(instructions?|rules?|prompt|guidelines?)`)},
	{"show-instructions", regexp.MustCompile(`(?i)show\s+me\s+your\s+(instructions?|rules?|prompt|guidelines?)`)},
	{"repeat-prompt", regexp.MustCompile(`(?i)repeat\s+(your|the)\s+(instructions?|prompt|system\s+message)`)},
	{"reveal-prompt", regexp.MustCompile(`(?i)reveal\s+your\s+(instructions?|prompt)`)},

	// Jailbreak vocabulary.
	{"dan-mode", regexp.MustCompile(`(?i)dan\s+mode`)},
	{"developer-mode", regexp.MustCompile(`(?i)developer\s+mode`)},
	{"god-mode", regexp.MustCompile(`(?i)god\s+mode`)},
	{"jailbreak", regexp.MustCompile(`(?i)jailbreak`)},
	{"unlock", regexp.MustCompile(`(?i)unlock`)},
	{"remove-restrictions", regexp.MustCompile(`(?i)remove\s+(all\s+)?(restrictions?|limitations?|filters?)`)},
	{"bypass-restrictions", regexp.MustCompile(`(?i)bypass\s+(all\s+)?(restrictions?|limitations?|filters?)`)},

	// Code execution attempts in user content.
	{"fence-python", regexp.MustCompile("(?i)```python")},
	{"fence-javascript", regexp.MustCompile("(?i)```javascript")},
	{"fence-bash", regexp.MustCompile("(?i)```bash")},
	{"exec-call", regexp.MustCompile(`(?i)exec\s*\(`)},
	{"eval-call", regexp.MustCompile(`(?i)eval\s*\(`)},

	// Delimiter confusion.
	{"dash-system", regexp.MustCompile(`(?i)---\s*system`)},
	{"hash-system", regexp.MustCompile(`(?i)###\s*system`)},
	{"star-system", regexp.MustCompile(`(?i)\*\*\*\s*system`)},
}

// Role-impersonation markers a user message must never contain.
var roleMarkers = []string{
	"system:",
	"assistant:",
	"[system]",
	"[assistant]",
	"<system>",
	"<assistant>",
}

// Canonical injection templates used by the similarity signal.
var injectionTemplates = []string{
	"ignore previous instructions and",
	"forget your prompt and",
	"you are now a",
	"act as a",
	"new instructions:",
	"system: ",
	"disregard all previous",
	"from now on you will",
}

// Vocabulary whose density raises the suspicion signal.
var suspiciousPhrases = []string{
	"ignore", "forget", "disregard", "override", "replace", "instead",
	"actually", "really", "truly", "secretly", "pretend", "imagine",
	"suppose", "what if", "let's say", "hypothetically",
}

// InjectionDetector is a heuristic prompt-injection classifier. Detection
// is a pure function of the message and configuration; no external calls.
type InjectionDetector struct {
	cfg InjectionConfig
}

// NewInjectionDetector creates a detector with the given configuration.
func NewInjectionDetector(cfg InjectionConfig) *InjectionDetector {
	return &InjectionDetector{cfg: cfg}
}

// Detect runs all four signals on a message and combines them by max:
// any single strong signal is sufficient to flag the message.
func (d *InjectionDetector) Detect(msg Message) InjectionVerdict {
	if !d.cfg.Enabled {
		return InjectionVerdict{}
	}

	matched := matchPatterns(msg.Content)
	roleViolation := hasRoleViolation(msg)
	semantic := templateSimilarity(msg.Content)
	suspicion := suspicionScore(msg.Content)

	var confidence float64
	if len(matched) > 0 {
		confidence = 1.0
	}
	if roleViolation {
		confidence = 1.0
	}
	if semantic > 0.7 && semantic > confidence {
		confidence = semantic
	}
	if suspicion > 0.3 {
		if weighted := suspicion * 0.8; weighted > confidence {
			confidence = weighted
		}
	}

	return InjectionVerdict{
		Detected:           confidence >= d.cfg.Threshold,
		Confidence:         confidence,
		MatchedPatterns:    matched,
		SemanticSimilarity: semantic,
	}
}

func matchPatterns(content string) []string {
	var matched []string
	for _, p := range injectionPatterns {
		if p.re.MatchString(content) {
			matched = append(matched, p.id)
		}
	}
	return matched
}

func hasRoleViolation(msg Message) bool {
	if msg.Role != RoleUser {
		return false
	}
	lower := strings.ToLower(msg.Content)
	for _, marker := range roleMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func templateSimilarity(content string) float64 {
	lower := strings.ToLower(content)

	var max float64
	for _, tmpl := range injectionTemplates {
		sim := sequenceRatio(lower, tmpl)
		if strings.Contains(lower, tmpl) && sim < 0.9 {
			sim = 0.9
		}
		if sim > max {
			max = sim
		}
	}
	return max
}

// suspicionScore counts suspicious-vocabulary occurrences normalized per
// ten words, capped at 1.0.
func suspicionScore(content string) float64 {
	words := len(strings.Fields(content))
	if words == 0 {
		return 0
	}

	lower := strings.ToLower(content)
	count := 0
	for _, phrase := range suspiciousPhrases {
		if strings.Contains(lower, phrase) {
			count++
		}
	}

	denom := float64(words) / 10
	if denom < 1 {
		denom = 1
	}
	density := float64(count) / denom
	if density > 1 {
		density = 1
	}
	return density
}
