// Package app assembles the engine's collaborators from configuration.
// Both the decisiond server and the decisionctl CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decisionflow/engine/internal/activities"
	"github.com/decisionflow/engine/internal/circuitbreaker"
	"github.com/decisionflow/engine/internal/config"
	"github.com/decisionflow/engine/internal/embeddings"
	"github.com/decisionflow/engine/internal/events"
	"github.com/decisionflow/engine/internal/health"
	"github.com/decisionflow/engine/internal/llm"
	"github.com/decisionflow/engine/internal/memory"
	"github.com/decisionflow/engine/internal/policy"
	"github.com/decisionflow/engine/internal/prompts"
	"github.com/decisionflow/engine/internal/report"
	"github.com/decisionflow/engine/internal/streaming"
	"github.com/decisionflow/engine/internal/vectordb"
	"github.com/decisionflow/engine/internal/workflows"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds the long-lived collaborators shared by every session
type App struct {
	Embedder  *embeddings.Service
	Vectors   *vectordb.Client
	Retriever *vectordb.Retriever
	Memory    memory.Store
	LLM       llm.Service
	Prompts   *prompts.Builder
	Reports   *report.Renderer
	Policy    *policy.OPAEngine
	Events    *events.NATSPublisher
	Redis     *circuitbreaker.RedisWrapper
	Stream    *streaming.Manager

	activities *activities.Activities
	checkers   []health.Checker
	closers    []func()
	logger     *zap.Logger
}

// Options selects optional pieces. The CLI leaves the stream and the
// event publisher off.
type Options struct {
	Stream bool
	Events bool
}

// Build creates every collaborator named by cfg. Optional collaborators
// that fail to come up are logged and left nil; the stages degrade.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}

	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.Redis = circuitbreaker.NewRedisWrapper(rc, "redis", logger)
		a.closers = append(a.closers, func() { _ = rc.Close() })
		a.checkers = append(a.checkers, health.NewRedisChecker(a.Redis))
	}

	if err := a.buildEmbedder(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	a.Vectors = vectordb.NewClient(vectordb.Config{
		Enabled:    cfg.VectorDB.Enabled,
		Host:       cfg.VectorDB.Host,
		Port:       cfg.VectorDB.Port,
		Collection: cfg.VectorDB.Collection,
		ScoreKind:  cfg.VectorDB.ScoreKind,
		Timeout:    cfg.VectorDB.Timeout,
	}, logger)
	a.Retriever = vectordb.NewRetriever(a.Vectors, a.Embedder)
	a.checkers = append(a.checkers, health.NewVectorDBChecker(a.Vectors))

	if err := a.buildMemory(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.buildLLM(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	var err error
	a.Prompts, err = prompts.NewBuilder(prompts.Config{
		SignificanceThreshold: cfg.Engine.SignificanceThreshold,
		SimilarityThreshold:   cfg.Engine.SimilarityThreshold,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("prompts: %w", err)
	}

	a.Reports, err = report.New(report.Config{Dir: cfg.Report.Dir, MaxMessages: cfg.Engine.MaxMessages}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("report renderer: %w", err)
	}

	a.Policy, err = policy.NewOPAEngine(&policy.Config{
		Enabled:    cfg.Policy.Enabled,
		Mode:       policy.ParseMode(cfg.Policy.Mode),
		Path:       cfg.Policy.Path,
		FailClosed: cfg.Policy.FailClosed,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	if opts.Events && cfg.Events.Enabled {
		pub, err := events.NewNATSPublisher(ctx, events.Config{
			URL:     cfg.Events.NATSURL,
			Subject: cfg.Events.Subject,
			Stream:  cfg.Events.Stream,
		}, logger)
		if err != nil {
			logger.Warn("Decision events disabled", zap.Error(err))
		} else {
			a.Events = pub
			a.closers = append(a.closers, pub.Close)
		}
	}

	if opts.Stream {
		var mirror *streaming.RedisMirror
		if a.Redis != nil && cfg.Redis.StreamMirror {
			mirror = streaming.NewRedisMirror(a.Redis, cfg.Server.StreamCapacity, cfg.Redis.StreamTTL)
		}
		a.Stream = streaming.NewManager(cfg.Server.StreamCapacity, mirror, logger)
	}

	a.activities = activities.NewActivities(StageConfig(cfg), activities.Dependencies{
		LLM:     a.LLM,
		Prompts: a.Prompts,
		Context: a.Retriever,
		History: a.Retriever,
		Memory:  a.Memory,
		Reports: a.Reports,
		Policy:  a.Policy,
	}, logger)
	return a, nil
}

func (a *App) buildEmbedder(ctx context.Context, cfg *config.Config) error {
	ecfg := embeddings.Config{
		Provider:       cfg.Embeddings.Provider,
		BaseURL:        cfg.Embeddings.BaseURL,
		Model:          cfg.Embeddings.Model,
		APIKey:         cfg.Embeddings.APIKey,
		Timeout:        cfg.Embeddings.Timeout,
		CacheTTL:       cfg.Embeddings.CacheTTL,
		LocalCacheSize: cfg.Embeddings.LocalCacheSize,
	}
	var provider embeddings.Provider
	switch ecfg.Provider {
	case "gemini":
		p, err := embeddings.NewGeminiProvider(ctx, ecfg.APIKey, a.logger)
		if err != nil {
			return fmt.Errorf("gemini embeddings: %w", err)
		}
		provider = p
	default:
		provider = embeddings.NewHTTPProvider(ecfg.BaseURL, ecfg.Timeout, a.logger)
	}

	var shared embeddings.EmbeddingCache
	if a.Redis != nil {
		rc, err := embeddings.NewRedisCache(ctx, a.Redis)
		if err != nil {
			a.logger.Warn("Shared embedding cache unavailable", zap.Error(err))
		} else {
			shared = rc
		}
	}
	a.Embedder = embeddings.NewService(ecfg, provider, shared, a.logger)
	return nil
}

func (a *App) buildMemory(ctx context.Context, cfg *config.Config) error {
	switch cfg.Memory.Backend {
	case "postgres":
		pg := cfg.Memory.Postgres
		store, err := memory.OpenPostgres(ctx, memory.PGConfig{
			DSN:             pg.DSN(),
			MaxConnections:  pg.MaxConns,
			IdleConnections: max(pg.MaxConns/2, 1),
			MaxLifetime:     30 * time.Minute,
		}, a.Embedder, a.logger)
		if err != nil {
			return fmt.Errorf("postgres memory: %w", err)
		}
		a.Memory = store
		a.checkers = append(a.checkers, health.NewStoreChecker("memory", store, false))
	default:
		store, err := memory.OpenSQLite(ctx, cfg.Memory.SQLitePath, a.Embedder, a.logger)
		if err != nil {
			return fmt.Errorf("sqlite memory: %w", err)
		}
		a.Memory = store
		a.checkers = append(a.checkers, health.NewStoreChecker("memory", store, false))
	}
	a.closers = append(a.closers, func() { _ = a.Memory.Close() })
	return nil
}

func (a *App) buildLLM(ctx context.Context, cfg *config.Config) error {
	switch cfg.LLM.Provider {
	case "gemini":
		c, err := llm.NewGeminiClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens, a.logger)
		if err != nil {
			return fmt.Errorf("gemini llm: %w", err)
		}
		a.LLM = c
		a.checkers = append(a.checkers, health.NewBreakerChecker("llm", c.Breaker(), true))
	default:
		c := llm.NewHTTPClient(llm.HTTPConfig{
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			APIKey:    cfg.LLM.APIKey,
			Timeout:   cfg.LLM.Timeout,
			MaxTokens: cfg.LLM.MaxTokens,
		}, a.logger)
		a.LLM = c
		a.checkers = append(a.checkers, health.NewBreakerChecker("llm", c.Breaker(), true))
	}
	return nil
}

// StageConfig maps the engine section onto the stage tunables
func StageConfig(cfg *config.Config) activities.Config {
	return activities.Config{
		ContextK:            cfg.Engine.ContextK,
		HistoricalK:         cfg.Engine.HistoricalK,
		SimilarK:            cfg.Engine.SimilarK,
		SimilarityThreshold: cfg.Engine.SimilarityThreshold,
		ConfidenceBonus:     cfg.Engine.ConfidenceBonus,
		DefaultConfidence:   cfg.Engine.DefaultConfidence,
		ScoreKind:           cfg.VectorDB.ScoreKind,
		PlannerTemperature:  cfg.LLM.PlannerTemperature,
		AnalyzerTemperature: cfg.LLM.AnalyzerTemperature,
		DecisionTemperature: cfg.LLM.DecisionTemperature,
		MaxTokens:           cfg.LLM.MaxTokens,
	}
}

// DriverConfig maps the engine section onto the driver tunables
func DriverConfig(cfg *config.Config) workflows.Config {
	return workflows.Config{
		Router: workflows.RouterConfig{
			MaxAttempts:   cfg.Engine.MaxAttempts,
			MinConfidence: cfg.Engine.MinConfidence,
		},
		Coordinator: workflows.CoordinatorConfig{
			EmitInterval:  cfg.Engine.EmitInterval,
			ChannelBuffer: cfg.Engine.ChannelBuffer,
		},
		SessionTimeout: cfg.Engine.SessionTimeout,
	}
}

// NewDriver builds a driver bound to a snapshot of cfg. Callers pass the
// current config for every session so reloads apply to new sessions only.
func (a *App) NewDriver(cfg *config.Config) *workflows.Driver {
	var pub events.Publisher
	if a.Events != nil {
		pub = a.Events
	}
	return workflows.NewDriver(DriverConfig(cfg), a.activities.WithConfig(StageConfig(cfg)), pub, a.logger)
}

// RegisterHealth adds the collaborator checks to m
func (a *App) RegisterHealth(m *health.Manager) error {
	var errs []error
	for _, c := range a.checkers {
		if err := m.RegisterChecker(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
