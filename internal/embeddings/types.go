package embeddings

import (
	"context"
	"time"
)

// Config controls the embedding service behavior
type Config struct {
	// Provider selects the backend: "http" (LLM service) or "gemini"
	Provider string
	// BaseURL points to the LLM service providing /embeddings
	BaseURL string
	// Model is the embedding model name
	Model string
	// APIKey authenticates against Gemini
	APIKey string
	// Timeout for outbound calls
	Timeout time.Duration
	// CacheTTL sets TTL for cache entries in both levels
	CacheTTL time.Duration
	// LocalCacheSize bounds the in-process cache
	LocalCacheSize int
}

// Embedder turns a query into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Provider is a remote embedding backend
type Provider interface {
	Name() string
	EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error)
}
