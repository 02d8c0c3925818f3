package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.InDelta(t, 0.70, cfg.Engine.MinConfidence, 1e-9)
	assert.InDelta(t, 0.75, cfg.Engine.SimilarityThreshold, 1e-9)
	assert.InDelta(t, 0.10, cfg.Engine.ConfidenceBonus, 1e-9)
	assert.InDelta(t, 0.75, cfg.Engine.DefaultConfidence, 1e-9)
	assert.Equal(t, 50, cfg.Engine.SignificanceThreshold)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.EmitInterval)
	assert.Equal(t, 10, cfg.Engine.MaxMessages)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.InDelta(t, 0.2, cfg.LLM.PlannerTemperature, 1e-9)
	assert.InDelta(t, 0.3, cfg.LLM.AnalyzerTemperature, 1e-9)
	assert.InDelta(t, 0.1, cfg.LLM.DecisionTemperature, 1e-9)
	assert.Equal(t, "sqlite", cfg.Memory.Backend)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decisionflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  max_attempts: 5
  min_confidence: 0.8
memory:
  backend: postgres
`), 0o644))

	t.Setenv("DECISIONFLOW_ENGINE_SIMILAR_K", "7")
	t.Setenv("QDRANT_HOST", "vectors.internal")
	t.Setenv("POSTGRES_PORT", "6543")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.MaxAttempts)
	assert.InDelta(t, 0.8, cfg.Engine.MinConfidence, 1e-9)
	assert.Equal(t, 7, cfg.Engine.SimilarK)
	assert.Equal(t, "vectors.internal", cfg.VectorDB.Host)
	assert.Equal(t, 6543, cfg.Memory.Postgres.Port)
	assert.Contains(t, cfg.Memory.Postgres.DSN(), "port=6543")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Engine.MinConfidence = 1.5
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Memory.Backend = "mongo"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Auth.Enabled = true
	bad.Auth.JWTSecret = ""
	bad.Auth.APIKeys = nil
	assert.Error(t, bad.Validate())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestManagerReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisionflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_attempts: 4\n"), 0o644))

	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 4, m.Current().Engine.MaxAttempts)

	var seen int
	m.OnChange(func(cfg *Config) error {
		seen = cfg.Engine.MaxAttempts
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_attempts: 6\n"), 0o644))
	require.NoError(t, m.Reload())
	assert.Equal(t, 6, m.Current().Engine.MaxAttempts)
	assert.Equal(t, 6, seen)

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_attempts: 0\n"), 0o644))
	assert.Error(t, m.Reload())
	assert.Equal(t, 6, m.Current().Engine.MaxAttempts)
}

func TestManagerWatchPicksUpWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisionflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_attempts: 2\n"), 0o644))

	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_attempts: 9\n"), 0o644))

	assert.Eventually(t, func() bool {
		return m.Current().Engine.MaxAttempts == 9
	}, 2*time.Second, 20*time.Millisecond)
}
