package promptgate

import (
	"fmt"
	"regexp"
	"strings"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

// Message represents a single chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest represents a guarded chat completion request.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream,omitempty"`

	// ClientIP is set by the transport layer, never from the request body.
	ClientIP string `json:"-"`
}

// ChatResponse represents a guarded chat completion response.
type ChatResponse struct {
	RequestID string           `json:"request_id"`
	Content   string           `json:"content"`
	Role      Role             `json:"role"`
	Metadata  ResponseMetadata `json:"metadata"`
}

// ResponseMetadata carries per-request observability fields.
type ResponseMetadata struct {
	Model                   string  `json:"model"`
	Tokens                  Usage   `json:"tokens"`
	CostUSD                 float64 `json:"cost_usd"`
	LatencyMs               float64 `json:"latency_ms"`
	Cached                  bool    `json:"cached"`
	ModerationFlagged       bool    `json:"moderation_flagged"`
	PromptInjectionDetected bool    `json:"prompt_injection_detected"`
	CircuitBreakerState     string  `json:"circuit_breaker_state,omitempty"`
	RetryCount              int     `json:"retry_count"`
}

// Usage represents token usage for a completion.
type Usage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// StreamChunk is a single chunk of a streaming response.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

const (
	maxMessageLength   = 4000
	maxMessagesPerCall = 50
	maxTotalContent    = 20000
)

var identifierSanitizer = regexp.MustCompile(`[^\w.\-]`)

// SanitizeIdentifier strips everything but word characters, dots and dashes
// from user/session identifiers. Returns "" when nothing survives.
func SanitizeIdentifier(id string) string {
	return identifierSanitizer.ReplaceAllString(id, "")
}

// Validate checks the request at the boundary: roles, lengths, parameter
// ranges. Messages are validated once here and carried as typed values
// through the pipeline.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages list cannot be empty", ErrInvalidRequest)
	}
	if len(r.Messages) > maxMessagesPerCall {
		return fmt.Errorf("%w: too many messages (%d > %d)", ErrInvalidRequest, len(r.Messages), maxMessagesPerCall)
	}

	total := 0
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: messages[%d]: unknown role %q", ErrInvalidRequest, i, m.Role)
		}
		if m.Role == RoleSystem {
			return fmt.Errorf("%w: messages[%d]: system role cannot be set by client", ErrInvalidRequest, i)
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			return fmt.Errorf("%w: messages[%d]: content cannot be empty", ErrInvalidRequest, i)
		}
		if len(content) > maxMessageLength {
			return fmt.Errorf("%w: messages[%d]: content exceeds %d characters", ErrInvalidRequest, i, maxMessageLength)
		}
		if i > 0 && r.Messages[i-1].Role == m.Role {
			return fmt.Errorf("%w: messages[%d]: duplicate consecutive role %q", ErrInvalidRequest, i, m.Role)
		}
		total += len(content)
	}
	if total > maxTotalContent {
		return fmt.Errorf("%w: total message content exceeds limit (%d > %d chars)", ErrInvalidRequest, total, maxTotalContent)
	}

	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0, 2]", ErrInvalidRequest)
	}
	if r.MaxTokens < 1 || r.MaxTokens > 4000 {
		return fmt.Errorf("%w: max_tokens must be in [1, 4000]", ErrInvalidRequest)
	}

	r.UserID = SanitizeIdentifier(r.UserID)
	r.SessionID = SanitizeIdentifier(r.SessionID)
	return nil
}
