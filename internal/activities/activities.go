// Package activities implements the stage functions of a decision session.
// Stages read the session and return a state.Patch; none of them mutate it.
package activities

import (
	"context"
	"time"

	"github.com/decisionflow/engine/internal/llm"
	"github.com/decisionflow/engine/internal/memory"
	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/policy"
	"github.com/decisionflow/engine/internal/prompts"
	"github.com/decisionflow/engine/internal/report"
	"github.com/decisionflow/engine/internal/state"
	"github.com/decisionflow/engine/internal/tracing"
	"github.com/decisionflow/engine/internal/vectordb"
	"go.uber.org/zap"
)

// Searcher is the vector retrieval contract. An empty result is not an error.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]vectordb.Document, error)
}

// Config holds the per-session tunables used by the stages
type Config struct {
	ContextK            int
	HistoricalK         int
	SimilarK            int
	SimilarityThreshold float64
	ConfidenceBonus     float64
	DefaultConfidence   float64
	// ScoreKind tells how to read retrieval scores (vectordb.ScoreDistance or ScoreSimilarity)
	ScoreKind string

	PlannerTemperature  float64
	AnalyzerTemperature float64
	DecisionTemperature float64
	MaxTokens           int
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		ContextK:            5,
		HistoricalK:         5,
		SimilarK:            3,
		SimilarityThreshold: 0.75,
		ConfidenceBonus:     0.10,
		DefaultConfidence:   0.75,
		ScoreKind:           vectordb.ScoreSimilarity,
		PlannerTemperature:  0.2,
		AnalyzerTemperature: 0.3,
		DecisionTemperature: 0.1,
		MaxTokens:           2048,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ContextK <= 0 {
		c.ContextK = d.ContextK
	}
	if c.HistoricalK <= 0 {
		c.HistoricalK = d.HistoricalK
	}
	if c.SimilarK <= 0 {
		c.SimilarK = d.SimilarK
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.ConfidenceBonus <= 0 {
		c.ConfidenceBonus = d.ConfidenceBonus
	}
	if c.DefaultConfidence <= 0 {
		c.DefaultConfidence = d.DefaultConfidence
	}
	if c.ScoreKind == "" {
		c.ScoreKind = d.ScoreKind
	}
	if c.PlannerTemperature <= 0 {
		c.PlannerTemperature = d.PlannerTemperature
	}
	if c.AnalyzerTemperature <= 0 {
		c.AnalyzerTemperature = d.AnalyzerTemperature
	}
	if c.DecisionTemperature <= 0 {
		c.DecisionTemperature = d.DecisionTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	return c
}

// Dependencies are the collaborators the stages call. Context, History,
// Memory and Policy may be nil; the stages then degrade to empty results.
type Dependencies struct {
	LLM     llm.Service
	Prompts *prompts.Builder
	Context Searcher
	History Searcher
	Memory  memory.Store
	Reports *report.Renderer
	Policy  policy.Engine
}

// Activities holds the collaborators for all stages
type Activities struct {
	llm     llm.Service
	prompts *prompts.Builder
	context Searcher
	history Searcher
	memory  memory.Store
	reports *report.Renderer
	policy  policy.Engine
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewActivities creates the stage set
func NewActivities(cfg Config, deps Dependencies, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{
		llm:     deps.LLM,
		prompts: deps.Prompts,
		context: deps.Context,
		history: deps.History,
		memory:  deps.Memory,
		reports: deps.Reports,
		policy:  deps.Policy,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

// WithConfig returns a copy using cfg. Sessions take a copy when they start
// so a config reload never changes a running session.
func (a *Activities) WithConfig(cfg Config) *Activities {
	c := *a
	c.cfg = cfg.withDefaults()
	return &c
}

// Config returns the tunables in use
func (a *Activities) Config() Config { return a.cfg }

// stage wraps a stage body with its span, duration metric and logs
func (a *Activities) stage(ctx context.Context, name string, s *state.Session, fn func(context.Context) (state.Patch, error)) (state.Patch, error) {
	ctx, span := tracing.StartStageSpan(ctx, name, s.ID, s.Attempts)
	defer span.End()

	start := time.Now()
	a.logger.Debug("Stage started",
		zap.String("session_id", s.ID),
		zap.String("stage", name),
		zap.Int("attempt", s.Attempts),
	)
	p, err := fn(ctx)
	metrics.RecordStage(name, time.Since(start).Seconds())
	if err != nil {
		fatal := state.IsFatal(err)
		metrics.RecordStageError(name, fatal)
		tracing.RecordError(span, err)
		if fatal {
			a.logger.Error("Stage failed",
				zap.String("session_id", s.ID),
				zap.String("stage", name),
				zap.Error(err),
			)
		} else {
			a.logger.Warn("Stage degraded",
				zap.String("session_id", s.ID),
				zap.String("stage", name),
				zap.Error(err),
			)
		}
		return p, err
	}
	a.logger.Debug("Stage completed",
		zap.String("session_id", s.ID),
		zap.String("stage", name),
		zap.Strings("fields", p.Fields()),
		zap.Duration("duration", time.Since(start)),
	)
	return p, nil
}
