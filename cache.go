package promptgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
)

const (
	cacheExactPrefix    = "cache:exact:"
	cacheSemanticPrefix = "cache:semantic:"
)

// CacheMetadata is the per-entry metadata stored alongside a response.
type CacheMetadata struct {
	Tokens  Usage   `json:"tokens"`
	CostUSD float64 `json:"cost_usd"`
}

// cacheEntry is the stored representation of a cached completion. Exact
// entries omit the embedding; semantic entries carry it plus the query it
// was computed from.
type cacheEntry struct {
	Response  string        `json:"response"`
	Metadata  CacheMetadata `json:"metadata"`
	CreatedAt time.Time     `json:"created_at"`
	Embedding []float64     `json:"embedding,omitempty"`
	Query     string        `json:"query,omitempty"`
}

// CacheStats summarizes current cache contents.
type CacheStats struct {
	ExactEntries        int     `json:"exact_entries"`
	SemanticEntries     int     `json:"semantic_entries"`
	TotalEntries        int     `json:"total_entries"`
	TTLSeconds          int     `json:"ttl_seconds"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// ResponseCache is a two-tier completion cache: exact lookup by request
// hash, then similarity lookup by embedding of the most recent user
// message. Every store or embedder failure degrades to a miss.
type ResponseCache struct {
	store    Store
	embedder Embedder
	cfg      CacheConfig
	logger   *slog.Logger
}

// CacheOption configures a ResponseCache.
type CacheOption func(*ResponseCache)

// WithCacheLogger sets the logger.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *ResponseCache) { c.logger = l }
}

// NewResponseCache creates a cache over the shared store.
func NewResponseCache(store Store, embedder Embedder, cfg CacheConfig, opts ...CacheOption) *ResponseCache {
	c := &ResponseCache{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// cacheKey hashes the canonical request tuple. The struct marshals with a
// fixed field order, so equal requests always hash identically.
func cacheKey(messages []Message, temperature float64, maxTokens int) string {
	payload, _ := json.Marshal(struct {
		Messages    []Message `json:"messages"`
		Temperature float64   `json:"temperature"`
		MaxTokens   int       `json:"max_tokens"`
	}{messages, temperature, maxTokens})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// lastUserMessage returns the content of the most recent user message.
func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// Get looks up a cached response: exact match first, then the semantic
// scan. Returns ok=false on miss or any backend failure.
func (c *ResponseCache) Get(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, CacheMetadata, bool) {
	if !c.cfg.Enabled {
		return "", CacheMetadata{}, false
	}

	key := cacheKey(messages, temperature, maxTokens)

	if data, err := c.store.Get(ctx, cacheExactPrefix+key); err == nil {
		var entry cacheEntry
		if err := json.Unmarshal(data, &entry); err == nil {
			c.logger.Info("cache hit (exact)", "key", key[:16])
			return entry.Response, entry.Metadata, true
		}
	} else if !errors.Is(err, ErrNotFound) {
		c.logger.Error("cache get error", "error", err)
		return "", CacheMetadata{}, false
	}

	query := lastUserMessage(messages)
	if query == "" {
		return "", CacheMetadata{}, false
	}

	queryEmbedding, err := c.embedder.Embed(ctx, query)
	if err != nil || len(queryEmbedding) == 0 {
		if err != nil {
			c.logger.Error("cache embedding error, treating as miss", "error", err)
		}
		return "", CacheMetadata{}, false
	}

	// Linear scan over stored embeddings, keeping the max similarity.
	// Scan order is unspecified; ties go to the first entry encountered.
	var best *cacheEntry
	var bestSim float64

	err = c.store.Scan(ctx, cacheSemanticPrefix+"*", func(_ string, data []byte) error {
		var entry cacheEntry
		if err := json.Unmarshal(data, &entry); err != nil || len(entry.Embedding) == 0 {
			return nil
		}
		if sim := cosineSimilarity(queryEmbedding, entry.Embedding); sim > bestSim {
			bestSim = sim
			best = &entry
		}
		return nil
	})
	if err != nil {
		c.logger.Error("cache scan error, treating as miss", "error", err)
		return "", CacheMetadata{}, false
	}

	if best != nil && bestSim >= c.cfg.SimilarityThreshold {
		c.logger.Info("cache hit (semantic)",
			"similarity", bestSim, "threshold", c.cfg.SimilarityThreshold)
		return best.Response, best.Metadata, true
	}

	return "", CacheMetadata{}, false
}

// Set stores the exact entry and, when an embedding can be computed for
// the last user message, the semantic entry. Both share one TTL and are
// written together. Failures are logged, never returned.
func (c *ResponseCache) Set(ctx context.Context, messages []Message, temperature float64, maxTokens int, response string, metadata CacheMetadata) {
	if !c.cfg.Enabled {
		return
	}

	key := cacheKey(messages, temperature, maxTokens)
	entry := cacheEntry{
		Response:  response,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("cache marshal error", "error", err)
		return
	}
	if err := c.store.Set(ctx, cacheExactPrefix+key, data, c.cfg.TTL()); err != nil {
		c.logger.Error("cache set error", "error", err)
		return
	}

	query := lastUserMessage(messages)
	if query == "" {
		return
	}

	embedding, err := c.embedder.Embed(ctx, query)
	if err != nil || len(embedding) == 0 {
		if err != nil {
			c.logger.Error("cache embedding error, skipping semantic entry", "error", err)
		}
		return
	}

	entry.Embedding = embedding
	entry.Query = query
	semData, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("cache marshal error", "error", err)
		return
	}
	if err := c.store.Set(ctx, cacheSemanticPrefix+key, semData, c.cfg.TTL()); err != nil {
		c.logger.Error("cache set error", "error", err)
	}
}

// Stats counts current cache entries.
func (c *ResponseCache) Stats(ctx context.Context) (CacheStats, error) {
	stats := CacheStats{
		TTLSeconds:          c.cfg.TTLSeconds,
		SimilarityThreshold: c.cfg.SimilarityThreshold,
	}

	err := c.store.Scan(ctx, "cache:*", func(key string, _ []byte) error {
		switch {
		case strings.HasPrefix(key, cacheExactPrefix):
			stats.ExactEntries++
		case strings.HasPrefix(key, cacheSemanticPrefix):
			stats.SemanticEntries++
		}
		return nil
	})
	if err != nil {
		return CacheStats{}, err
	}

	stats.TotalEntries = stats.ExactEntries + stats.SemanticEntries
	return stats, nil
}
