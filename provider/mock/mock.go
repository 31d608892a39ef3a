// Package mock provides an in-memory Provider and Moderator for tests.
package mock

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/ineyio/promptgate"
)

// Provider is a mock LLM provider for testing. It also implements
// Embedder with a deterministic hash-based vector and Moderator with a
// configurable verdict.
type Provider struct {
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	usage        promptgate.Usage
	content      string
	responseFunc func(promptgate.CompletionRequest) (promptgate.Completion, error)
	embedFunc    func(string) ([]float64, error)
	moderation   promptgate.ModerationResult
	moderateErr  error
}

var (
	_ promptgate.Provider  = (*Provider)(nil)
	_ promptgate.Moderator = (*Provider)(nil)
)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		content: "Hello from mock provider",
		usage:   promptgate.Usage{Input: 10, Output: 20, Total: 30},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithContent sets the completion content returned by the mock.
func WithContent(content string) Option {
	return func(p *Provider) { p.content = content }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u promptgate.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(promptgate.CompletionRequest) (promptgate.Completion, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

// WithEmbedFunc sets a custom embedding function.
func WithEmbedFunc(fn func(string) ([]float64, error)) Option {
	return func(p *Provider) { p.embedFunc = fn }
}

// WithModeration sets the moderation verdict returned by Classify.
func WithModeration(result promptgate.ModerationResult) Option {
	return func(p *Provider) { p.moderation = result }
}

// WithModerationError makes Classify always return this error.
func WithModerationError(err error) Option {
	return func(p *Provider) { p.moderateErr = err }
}

func (p *Provider) Complete(ctx context.Context, req promptgate.CompletionRequest) (promptgate.Completion, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return promptgate.Completion{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return promptgate.Completion{}, p.staticErr
	}
	if p.failAfter > 0 && int(count) > p.failAfter {
		return promptgate.Completion{}, promptgate.ErrUpstreamConnection
	}
	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return promptgate.Completion{
		ID:           "mock-response-id",
		Content:      p.content,
		FinishReason: "stop",
		Model:        req.Model,
		Usage:        p.usage,
	}, nil
}

func (p *Provider) CompleteStream(ctx context.Context, req promptgate.CompletionRequest) (promptgate.CompletionStream, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	usage := resp.Usage
	return &mockStream{
		chunks: []promptgate.StreamChunk{
			{Content: resp.Content},
			{FinishReason: "stop", Usage: &usage},
		},
	}, nil
}

// Embed returns a deterministic vector derived from the text bytes, so
// equal texts always embed identically.
func (p *Provider) Embed(_ context.Context, text string) ([]float64, error) {
	if p.embedFunc != nil {
		return p.embedFunc(text)
	}

	vec := make([]float64, 8)
	for i, b := range []byte(text) {
		vec[i%8] += float64(b)
	}
	return vec, nil
}

// Classify returns the configured moderation verdict.
func (p *Provider) Classify(_ context.Context, _ string) (promptgate.ModerationResult, error) {
	if p.moderateErr != nil {
		return promptgate.ModerationResult{}, p.moderateErr
	}
	return p.moderation, nil
}

// CallCount returns the number of completion calls made.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

type mockStream struct {
	chunks []promptgate.StreamChunk
	index  int
}

func (s *mockStream) Next() (promptgate.StreamChunk, error) {
	if s.index >= len(s.chunks) {
		return promptgate.StreamChunk{}, io.EOF
	}
	chunk := s.chunks[s.index]
	s.index++
	return chunk, nil
}

func (s *mockStream) Close() error { return nil }
