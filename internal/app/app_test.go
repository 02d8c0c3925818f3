package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/decisionflow/engine/internal/config"
	"github.com/decisionflow/engine/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func offlineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Memory.Backend = "sqlite"
	cfg.Memory.SQLitePath = filepath.Join(t.TempDir(), "memory.db")
	cfg.VectorDB.Enabled = false
	cfg.Policy.Enabled = false
	cfg.Report.Dir = t.TempDir()
	cfg.LLM.BaseURL = "http://127.0.0.1:1"
	cfg.Embeddings.BaseURL = "http://127.0.0.1:1"
	return cfg
}

func TestBuildOffline(t *testing.T) {
	cfg := offlineConfig(t)
	a, err := Build(context.Background(), cfg, Options{Stream: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Memory)
	assert.NotNil(t, a.LLM)
	assert.NotNil(t, a.Stream)
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Events)
	assert.NotNil(t, a.NewDriver(cfg))

	m := health.NewManager(time.Hour, nil)
	require.NoError(t, a.RegisterHealth(m))
	d := m.GetDetailedHealth(context.Background())
	assert.Contains(t, d.Components, "llm")
	assert.Contains(t, d.Components, "memory")
	assert.Contains(t, d.Components, "vectordb")
}

func TestConfigMapping(t *testing.T) {
	cfg := offlineConfig(t)
	cfg.Engine.MaxAttempts = 4
	cfg.Engine.EmitInterval = 20 * time.Millisecond
	cfg.VectorDB.ScoreKind = "distance"

	dc := DriverConfig(cfg)
	assert.Equal(t, 4, dc.Router.MaxAttempts)
	assert.Equal(t, 0.70, dc.Router.MinConfidence)
	assert.Equal(t, 20*time.Millisecond, dc.Coordinator.EmitInterval)

	sc := StageConfig(cfg)
	assert.Equal(t, "distance", sc.ScoreKind)
	assert.Equal(t, 5, sc.ContextK)
	assert.Equal(t, 0.1, sc.DecisionTemperature)
}
