package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/decisionflow/engine/internal/auth"
	"github.com/decisionflow/engine/internal/memory"
	"github.com/decisionflow/engine/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decisionflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	configPath = path
	t.Cleanup(func() { configPath = "" })
}

func TestTokenCommand(t *testing.T) {
	logger = zap.NewNop()
	writeConfig(t, "auth:\n  jwt_secret: test-secret\n  issuer: decisionflow\n")

	var out, errOut bytes.Buffer
	tokenCmd.SetOut(&out)
	tokenCmd.SetErr(&errOut)
	require.NoError(t, tokenCmd.RunE(tokenCmd, []string{"alice"}))

	p, err := auth.NewJWTManager("test-secret", "decisionflow", time.Hour).Validate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.Contains(t, errOut.String(), "expires")
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	logger = zap.NewNop()
	writeConfig(t, "logging:\n  level: warn\n")
	assert.Error(t, tokenCmd.RunE(tokenCmd, []string{"alice"}))
}

func TestHashKeyCommand(t *testing.T) {
	var out bytes.Buffer
	hashKeyCmd.SetOut(&out)
	hashKeyCmd.SetErr(&bytes.Buffer{})
	require.NoError(t, hashKeyCmd.RunE(hashKeyCmd, []string{"ci"}))
	assert.Contains(t, out.String(), "dfk_ci_")
	assert.Contains(t, out.String(), "ci: \"$2")

	assert.Error(t, hashKeyCmd.RunE(hashKeyCmd, []string{"bad_id"}))
}

func TestReadDocs(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "policy.md")
	require.NoError(t, os.WriteFile(p, []byte("Remote work is allowed."), 0o600))

	docs, err := readDocs([]string{p})
	require.NoError(t, err)
	assert.Equal(t, []string{"Remote work is allowed."}, docs)

	_, err = readDocs([]string{filepath.Join(dir, "missing.md")})
	assert.Error(t, err)
}

func TestRenderers(t *testing.T) {
	out := renderDecision(state.Snapshot{Decision: "Adopt the four-day week", Confidence: 0.82, Attempt: 2, ReportFile: "reports/s1.html"})
	assert.Contains(t, out, "Adopt the four-day week")
	assert.Contains(t, out, "82%")
	assert.Contains(t, out, "reports/s1.html")

	assert.Contains(t, renderHistory(nil), "no decisions recorded")
	hist := renderHistory([]memory.Record{{Question: "Should we\nmigrate?", Decision: "Yes", Confidence: 0.4, CreatedAt: time.Now()}})
	assert.Contains(t, hist, "Should we migrate?")

	assert.Equal(t, "a b c", oneLine("  a\tb c", 10))
	assert.Equal(t, "abcd…", oneLine("abcdefgh", 5))
	assert.Contains(t, stageLine(state.Snapshot{Stage: state.StageRouter, Attempt: 1, Confidence: 0.5}), state.StageRouter)
}
