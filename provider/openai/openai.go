// Package openai is an adapter for OpenAI-compatible APIs: chat
// completions (plain and streaming), embeddings, and moderation.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ineyio/promptgate"
)

// Provider talks to an OpenAI-compatible API.
type Provider struct {
	baseURL        string
	apiKey         string
	embeddingModel string
	httpClient     *http.Client
}

var (
	_ promptgate.Provider  = (*Provider)(nil)
	_ promptgate.Moderator = (*Provider)(nil)
)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithEmbeddingModel sets the model used for Embed
// (default "text-embedding-3-small").
func WithEmbeddingModel(model string) Option {
	return func(p *Provider) { p.embeddingModel = model }
}

// New creates a provider for the given base URL.
func New(baseURL, apiKey string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		embeddingModel: "text-embedding-3-small",
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FromConfig builds a provider from the gateway config.
func FromConfig(cfg promptgate.ProviderConfig, opts ...Option) *Provider {
	base := []Option{
		WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}),
	}
	if cfg.EmbeddingModel != "" {
		base = append(base, WithEmbeddingModel(cfg.EmbeddingModel))
	}
	return New(cfg.BaseURL, cfg.APIKey, append(base, opts...)...)
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type apiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

type apiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage,omitempty"`
}

func buildMessages(messages []promptgate.Message) []apiMessage {
	msgs := make([]apiMessage, len(messages))
	for i, m := range messages {
		msgs[i] = apiMessage{Role: string(m.Role), Content: m.Content}
	}
	return msgs
}

// Complete issues a chat completion call.
func (p *Provider) Complete(ctx context.Context, req promptgate.CompletionRequest) (promptgate.Completion, error) {
	body := apiRequest{
		Model:       req.Model,
		Messages:    buildMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	httpResp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return promptgate.Completion{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return promptgate.Completion{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return promptgate.Completion{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return promptgate.Completion{}, fmt.Errorf("openai: empty choices in response")
	}

	return promptgate.Completion{
		ID:           resp.ID,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Model:        resp.Model,
		Usage: promptgate.Usage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
			Total:  resp.Usage.TotalTokens,
		},
	}, nil
}

// CompleteStream issues a streaming chat completion call.
func (p *Provider) CompleteStream(ctx context.Context, req promptgate.CompletionRequest) (promptgate.CompletionStream, error) {
	body := apiRequest{
		Model:       req.Model,
		Messages:    buildMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}

	httpResp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if err := mapHTTPError(httpResp); err != nil {
		httpResp.Body.Close()
		return nil, err
	}

	return &sseStream{
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
	}, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for one text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float64, error) {
	httpResp, err := p.post(ctx, "/embeddings", embeddingRequest{
		Model: p.embeddingModel,
		Input: text,
	})
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("openai: decode embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

// Classify runs the input through the moderation endpoint.
func (p *Provider) Classify(ctx context.Context, text string) (promptgate.ModerationResult, error) {
	httpResp, err := p.post(ctx, "/moderations", moderationRequest{Input: text})
	if err != nil {
		return promptgate.ModerationResult{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return promptgate.ModerationResult{}, err
	}

	var resp moderationResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return promptgate.ModerationResult{}, fmt.Errorf("openai: decode moderation: %w", err)
	}
	if len(resp.Results) == 0 {
		return promptgate.ModerationResult{}, fmt.Errorf("openai: empty moderation response")
	}

	return promptgate.ModerationResult{
		Flagged:        resp.Results[0].Flagged,
		CategoryScores: resp.Results[0].CategoryScores,
	}, nil
}

func (p *Provider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	return resp, nil
}

func mapTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", promptgate.ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", promptgate.ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", promptgate.ErrUpstreamConnection, err)
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return promptgate.ErrUpstreamRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return promptgate.ErrAuthFailed
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", promptgate.ErrInvalidRequest, string(body))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", promptgate.ErrUpstreamConnection, resp.StatusCode)
	default:
		return fmt.Errorf("openai: unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// sseStream parses Server-Sent Events from an HTTP response body.
type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
}

var _ promptgate.CompletionStream = (*sseStream)(nil)

func (s *sseStream) Next() (promptgate.StreamChunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return promptgate.StreamChunk{}, io.EOF
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return promptgate.StreamChunk{}, io.EOF
		}

		var chunk apiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}

		result := promptgate.StreamChunk{}
		for _, c := range chunk.Choices {
			result.Content += c.Delta.Content
			if c.FinishReason != "" {
				result.FinishReason = c.FinishReason
			}
		}
		if chunk.Usage != nil {
			result.Usage = &promptgate.Usage{
				Input:  chunk.Usage.PromptTokens,
				Output: chunk.Usage.CompletionTokens,
				Total:  chunk.Usage.TotalTokens,
			}
		}
		return result, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
