package memory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/decisionflow/engine/internal/circuitbreaker"
	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/state"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

const pgSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS decisions (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL DEFAULT '',
    question    TEXT NOT NULL,
    plan        TEXT NOT NULL DEFAULT '',
    analysis    TEXT NOT NULL DEFAULT '',
    decision    TEXT NOT NULL DEFAULT '',
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    embedding   vector
);
CREATE INDEX IF NOT EXISTS decisions_created_at_idx ON decisions (created_at DESC);
`

// PGConfig holds Postgres pool settings
type PGConfig struct {
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// PGStore keeps decisions in Postgres with pgvector embeddings
type PGStore struct {
	db       *circuitbreaker.DBWrapper
	embedder Embedder
	logger   *zap.Logger
}

// OpenPostgres connects, pings, and migrates the decisions table
func OpenPostgres(ctx context.Context, cfg PGConfig, embedder Embedder, logger *zap.Logger) (*PGStore, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 2
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewPGStore(db, embedder, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("Decision memory initialized", zap.String("backend", "postgres"), zap.Int("max_connections", cfg.MaxConnections))
	return s, nil
}

// NewPGStore wraps an open handle without migrating
func NewPGStore(db *sqlx.DB, embedder Embedder, logger *zap.Logger) *PGStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{
		db:       circuitbreaker.NewDBWrapper(db, "decision-memory-pg", logger),
		embedder: embedder,
		logger:   logger,
	}
}

// Migrate creates the schema when missing
func (s *PGStore) Migrate(ctx context.Context) error {
	return s.db.Do(ctx, func(db *sqlx.DB) error {
		if _, err := db.ExecContext(ctx, pgSchema); err != nil {
			return fmt.Errorf("migrate decisions table: %w", err)
		}
		return nil
	})
}

// Persist stores the decision and returns its id. When the question cannot
// be embedded the row is stored without a vector and never matches queries.
func (s *PGStore) Persist(ctx context.Context, rec Record) (id string, err error) {
	defer func() { metrics.RecordMemoryOperation("postgres", "persist", err) }()

	var vec any
	if s.embedder != nil {
		if emb, embErr := s.embedder.Embed(ctx, rec.Question); embErr == nil {
			vec = pgvector.NewVector(emb)
		} else {
			s.logger.Warn("Persisting decision without embedding", zap.Error(embErr))
		}
	}

	var rowID int64
	err = s.db.Do(ctx, func(db *sqlx.DB) error {
		return db.QueryRowxContext(ctx,
			`INSERT INTO decisions (session_id, question, plan, analysis, decision, confidence, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			rec.SessionID, rec.Question, rec.Plan, rec.Analysis, rec.Decision, rec.Confidence, vec,
		).Scan(&rowID)
	})
	if err != nil {
		return "", fmt.Errorf("persist decision: %w", err)
	}
	return strconv.FormatInt(rowID, 10), nil
}

type similarRow struct {
	ID         int64   `db:"id"`
	Question   string  `db:"question"`
	Decision   string  `db:"decision"`
	Similarity float64 `db:"similarity"`
}

// QuerySimilar ranks stored decisions by cosine similarity of their questions
func (s *PGStore) QuerySimilar(ctx context.Context, question string, k int) (out []state.SimilarDecision, err error) {
	defer func() { metrics.RecordMemoryOperation("postgres", "query_similar", err) }()
	if k <= 0 || s.embedder == nil {
		return []state.SimilarDecision{}, nil
	}
	emb, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	var rows []similarRow
	err = s.db.Do(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &rows,
			`SELECT id, question, decision, 1 - (embedding <=> $1) AS similarity
			 FROM decisions
			 WHERE embedding IS NOT NULL
			 ORDER BY embedding <=> $1
			 LIMIT $2`,
			pgvector.NewVector(emb), k)
	})
	if err != nil {
		return nil, fmt.Errorf("query similar decisions: %w", err)
	}
	out = make([]state.SimilarDecision, 0, len(rows))
	for _, r := range rows {
		out = append(out, state.SimilarDecision{
			ID:         strconv.FormatInt(r.ID, 10),
			Similarity: clampSimilarity(r.Similarity),
			Content:    SimilarContent(r.Question, r.Decision),
		})
	}
	return out, nil
}

// Recent lists the latest decisions, newest first
func (s *PGStore) Recent(ctx context.Context, limit int) (out []Record, err error) {
	defer func() { metrics.RecordMemoryOperation("postgres", "recent", err) }()
	err = s.db.Do(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &out,
			`SELECT id::text AS id, session_id, question, plan, analysis, decision, confidence, created_at
			 FROM decisions ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	})
	return out, err
}

// Ping checks connectivity for health probes
func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.DB().PingContext(ctx)
}

// Breaker exposes the store's circuit breaker
func (s *PGStore) Breaker() *circuitbreaker.CircuitBreaker { return s.db.Breaker() }

func (s *PGStore) Close() error { return s.db.DB().Close() }
