package promptgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Provider   ProviderConfig   `yaml:"provider"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Injection  InjectionConfig  `yaml:"injection"`
	Moderation ModerationConfig `yaml:"moderation"`
	Cache      CacheConfig      `yaml:"cache"`
	Budget     BudgetConfig     `yaml:"budget"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Store      StoreConfig      `yaml:"store"`
	Server     ServerConfig     `yaml:"server"`
}

// ProviderConfig configures the outbound model provider.
type ProviderConfig struct {
	BaseURL          string  `yaml:"base_url"`
	APIKey           string  `yaml:"api_key"`
	Model            string  `yaml:"model"`
	EmbeddingModel   string  `yaml:"embedding_model"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"`
	InputPerMillion  float64 `yaml:"cost_per_1m_input_tokens"`
	OutputPerMillion float64 `yaml:"cost_per_1m_output_tokens"`
}

// Pricing returns the per-token pricing for this provider.
func (p ProviderConfig) Pricing() Pricing {
	return Pricing{InputPerMillion: p.InputPerMillion, OutputPerMillion: p.OutputPerMillion}
}

// RateLimitConfig configures the sliding-window limiter scopes.
type RateLimitConfig struct {
	Enabled          bool  `yaml:"enabled"`
	PerIPPerMinute   int64 `yaml:"per_ip_per_minute"`
	PerUserPerMinute int64 `yaml:"per_user_per_minute"`
	GlobalPerHour    int64 `yaml:"global_per_hour"`
}

// InjectionConfig configures the prompt injection detector.
type InjectionConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
}

// ModerationConfig configures pre/post content checks.
type ModerationConfig struct {
	Enabled  bool `yaml:"enabled"`
	PreCall  bool `yaml:"pre_call"`
	PostCall bool `yaml:"post_call"`
}

// CacheConfig configures the two-tier response cache.
type CacheConfig struct {
	Enabled             bool    `yaml:"enabled"`
	TTLSeconds          int     `yaml:"ttl_seconds"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// TTL returns the entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// BudgetConfig configures cost aggregation and alerting.
type BudgetConfig struct {
	Enabled        bool    `yaml:"enabled"`
	DailyUSD       float64 `yaml:"daily_usd"`
	MonthlyUSD     float64 `yaml:"monthly_usd"`
	AlertThreshold float64 `yaml:"alert_threshold"`
}

// BreakerConfig configures the circuit breaker around provider calls.
type BreakerConfig struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
}

// RecoveryTimeout returns the open-state hold time as a duration.
func (c BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// StoreConfig selects the shared store backend.
type StoreConfig struct {
	// RedisURL selects the Redis backend when set; the in-memory store is
	// used otherwise.
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a config with production defaults. The provider
// API key is intentionally empty and must come from config or environment.
func DefaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:          "https://api.openai.com/v1",
			Model:            "gpt-4o-mini",
			EmbeddingModel:   "text-embedding-3-small",
			TimeoutSeconds:   30,
			InputPerMillion:  0.15,
			OutputPerMillion: 0.60,
		},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			PerIPPerMinute:   10,
			PerUserPerMinute: 20,
			GlobalPerHour:    1000,
		},
		Injection: InjectionConfig{
			Enabled:   true,
			Threshold: 0.85,
		},
		Moderation: ModerationConfig{
			Enabled:  true,
			PreCall:  true,
			PostCall: true,
		},
		Cache: CacheConfig{
			Enabled:             true,
			TTLSeconds:          3600,
			SimilarityThreshold: 0.95,
		},
		Budget: BudgetConfig{
			Enabled:        true,
			DailyUSD:       100,
			MonthlyUSD:     2000,
			AlertThreshold: 0.8,
		},
		Breaker: BreakerConfig{
			FailureThreshold:       5,
			RecoveryTimeoutSeconds: 60,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// LoadConfig reads and parses a YAML config file over the defaults.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("promptgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("promptgate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Provider.Model == "" {
		return fmt.Errorf("promptgate: config: provider.model is required")
	}
	if c.Provider.TimeoutSeconds <= 0 {
		return fmt.Errorf("promptgate: config: provider.timeout_seconds must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.PerIPPerMinute <= 0 {
			return fmt.Errorf("promptgate: config: rate_limit.per_ip_per_minute must be positive")
		}
		if c.RateLimit.PerUserPerMinute <= 0 {
			return fmt.Errorf("promptgate: config: rate_limit.per_user_per_minute must be positive")
		}
		if c.RateLimit.GlobalPerHour <= 0 {
			return fmt.Errorf("promptgate: config: rate_limit.global_per_hour must be positive")
		}
	}

	for name, v := range map[string]float64{
		"injection.threshold":        c.Injection.Threshold,
		"cache.similarity_threshold": c.Cache.SimilarityThreshold,
		"budget.alert_threshold":     c.Budget.AlertThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("promptgate: config: %s must be between 0.0 and 1.0", name)
		}
	}

	if c.Cache.Enabled && c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("promptgate: config: cache.ttl_seconds must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("promptgate: config: breaker.failure_threshold must be positive")
	}
	if c.Breaker.RecoveryTimeoutSeconds <= 0 {
		return fmt.Errorf("promptgate: config: breaker.recovery_timeout_seconds must be positive")
	}

	return nil
}
