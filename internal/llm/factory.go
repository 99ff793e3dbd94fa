package llm

import (
	"context"
	"fmt"
	"time"
)

// Provider identifies a model channel backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Config holds connection settings for a model channel client.
type Config struct {
	Provider   Provider
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// NewClient builds a client for the configured provider. Any
// OpenAI-compatible endpoint (set BaseURL) works with ProviderOpenAI.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(cfg), nil
	case ProviderGemini:
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}
