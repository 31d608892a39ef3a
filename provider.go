package promptgate

import "context"

// Provider is the interface the pipeline consumes for model calls.
// Implementations must classify transport failures into the sentinel
// upstream error classes so retry and breaker decisions work.
type Provider interface {
	Embedder

	// Complete performs a synchronous chat completion.
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)

	// CompleteStream performs a streaming chat completion.
	CompleteStream(ctx context.Context, req CompletionRequest) (CompletionStream, error)
}

// Embedder produces embedding vectors for semantic cache lookups.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// CompletionRequest is the request sent to a provider.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completion is the response from a provider.
type Completion struct {
	ID           string
	Content      string
	FinishReason string
	Model        string
	Usage        Usage
}

// CompletionStream is the interface for streaming responses.
type CompletionStream interface {
	// Next returns the next chunk. Returns io.EOF when done.
	Next() (StreamChunk, error)

	// Close releases resources and signals completion.
	Close() error
}

// Moderator is the external content classifier consulted before and after
// the model call.
type Moderator interface {
	Classify(ctx context.Context, text string) (ModerationResult, error)
}

// ModerationResult is the outcome of a content classification.
type ModerationResult struct {
	Flagged        bool
	CategoryScores map[string]float64
}

// MaxScore returns the highest category score, or 0 when empty.
func (r ModerationResult) MaxScore() float64 {
	var max float64
	for _, s := range r.CategoryScores {
		if s > max {
			max = s
		}
	}
	return max
}
