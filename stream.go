package promptgate

import (
	"context"
	"io"
	"sync"
)

// GuardedStream wraps an upstream completion stream. Chunks pass through
// unmodified; usage accumulates until Close records the cost. Streamed
// output is never cached and never post-moderated.
type GuardedStream struct {
	RequestID string

	pipeline *Pipeline
	upstream CompletionStream
	userID   string

	mu      sync.Mutex
	usage   Usage
	closed  bool
	content int
}

// CompleteStream runs the admission and guard stages, then opens a
// streaming upstream call through the breaker and retry policy.
func (p *Pipeline) CompleteStream(ctx context.Context, req *ChatRequest) (*GuardedStream, error) {
	requestID := RequestIDFrom(ctx)

	if err := req.Validate(); err != nil {
		return nil, &GuardError{Kind: KindInvalidRequest, Stage: "validate", Err: err}
	}

	if err := p.admit(ctx, req, requestID); err != nil {
		return nil, err
	}

	messages, err := p.guardMessages(req, requestID)
	if err != nil {
		return nil, err
	}

	if p.cfg.Moderation.PreCall {
		if p.moderate(ctx, requestID, "moderation_pre_llm", lastUserMessage(messages)) {
			return nil, &GuardError{
				Kind:  KindPolicyViolation,
				Stage: "moderation_pre_llm",
				Err:   ErrContentFlagged,
			}
		}
	}

	span := newSpan(p.sink, requestID, "llm_stream_open", SpanKindLLM)
	var upstream CompletionStream
	var retries int

	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		retries, callErr = p.retry.do(ctx, func(ctx context.Context) error {
			var err error
			upstream, err = p.provider.CompleteStream(ctx, CompletionRequest{
				Model:       p.cfg.Provider.Model,
				Messages:    messages,
				Temperature: req.Temperature,
				MaxTokens:   req.MaxTokens,
			})
			return err
		})
		return callErr
	})
	span.SetAttr("retry_count", retries)
	span.End(err)
	if err != nil {
		return nil, p.wrapUpstream(err, retries)
	}

	return &GuardedStream{
		RequestID: requestID,
		pipeline:  p,
		upstream:  upstream,
		userID:    req.UserID,
	}, nil
}

// Next returns the next chunk. io.EOF ends the stream.
func (s *GuardedStream) Next() (StreamChunk, error) {
	chunk, err := s.upstream.Next()
	if err != nil {
		return StreamChunk{}, err
	}

	s.mu.Lock()
	s.content += len(chunk.Content)
	if chunk.Usage != nil {
		s.usage = *chunk.Usage
	}
	s.mu.Unlock()

	return chunk, nil
}

// Drain forwards every remaining chunk to fn, then closes the stream.
func (s *GuardedStream) Drain(fn func(StreamChunk) error) error {
	defer s.Close()
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}

// Close releases the upstream stream and records the accumulated cost.
// Safe to call more than once.
func (s *GuardedStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	usage := s.usage
	s.mu.Unlock()

	err := s.upstream.Close()

	p := s.pipeline
	cost := p.cfg.Provider.Pricing().Cost(usage)
	p.ledger.Record(context.Background(), CostRecord{
		RequestID: s.RequestID,
		UserID:    s.userID,
		Feature:   "chat_stream",
		Model:     p.cfg.Provider.Model,
		Tokens:    usage,
		CostUSD:   cost,
	})
	return err
}
