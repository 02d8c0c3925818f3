package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/decisionflow/engine/internal/metrics"
	"go.uber.org/zap"
)

// Service provides embedding generation with two cache levels: an
// in-process cache in front of an optional shared Redis cache.
type Service struct {
	cfg      Config
	provider Provider
	local    *LocalCache
	shared   EmbeddingCache
	logger   *zap.Logger
}

// NewService wires a provider with caches. shared may be nil.
func NewService(cfg Config, provider Provider, shared EmbeddingCache, logger *zap.Logger) *Service {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.LocalCacheSize == 0 {
		cfg.LocalCacheSize = 2048
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		provider: provider,
		local:    NewLocalCache(cfg.LocalCacheSize, cfg.CacheTTL),
		shared:   shared,
		logger:   logger,
	}
}

// Model returns the configured embedding model
func (s *Service) Model() string { return s.cfg.Model }

// Embed returns the vector for a single text
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch returns vectors for texts in order, calling the provider only
// for texts missing from both caches.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s == nil || s.provider == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	m := s.cfg.Model

	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		key := MakeKey(m, text)
		if v, ok := s.local.Get(ctx, key); ok {
			results[i] = v
			metrics.RecordEmbeddingMetrics(m, "local_hit", 0)
			continue
		}
		if s.shared != nil {
			if v, ok := s.shared.Get(ctx, key); ok {
				results[i] = v
				s.local.Set(ctx, key, v, s.cfg.CacheTTL)
				metrics.RecordEmbeddingMetrics(m, "cache_hit", 0)
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	start := time.Now()
	vecs, err := s.provider.EmbedTexts(ctx, m, missing)
	if err != nil {
		metrics.RecordEmbeddingMetrics(m, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%s embeddings: %w", s.provider.Name(), err)
	}
	metrics.RecordEmbeddingMetrics(m, "ok", time.Since(start).Seconds())

	for i, vec := range vecs {
		results[missingIdx[i]] = vec
		key := MakeKey(m, missing[i])
		s.local.Set(ctx, key, vec, s.cfg.CacheTTL)
		if s.shared != nil {
			s.shared.Set(ctx, key, vec, s.cfg.CacheTTL)
		}
	}
	s.logger.Debug("Embeddings generated",
		zap.String("provider", s.provider.Name()),
		zap.Int("requested", len(texts)),
		zap.Int("generated", len(missing)),
		zap.Duration("duration", time.Since(start)),
	)
	return results, nil
}
