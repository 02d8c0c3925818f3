package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Engine decides whether a question may enter the decision pipeline
type Engine interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	IsEnabled() bool
	Mode() Mode
}

// Input is the admission request handed to rego as `input`
type Input struct {
	SessionID     string    `json:"session_id"`
	Question      string    `json:"question"`
	DocumentCount int       `json:"document_count"`
	DocumentBytes int       `json:"document_bytes"`
	Subject       string    `json:"subject,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Decision is the admission result
type Decision struct {
	Allow   bool     `json:"allow"`
	Reason  string   `json:"reason,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
	DryRun  bool     `json:"dry_run,omitempty"`
}

// OPAEngine evaluates rego policies loaded from a directory
type OPAEngine struct {
	config *Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	enabled  bool
	cache    *gocache.Cache
}

// NewOPAEngine creates the engine and compiles the policies under config.Path.
// In fail-open mode a load failure disables the engine instead of failing.
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   gocache.New(5*time.Minute, 10*time.Minute),
	}
	if e.enabled {
		if err := e.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			e.enabled = false
		}
	}
	return e, nil
}

// LoadPolicies compiles every .rego file under the policy directory. It can
// be called again to pick up edited policies; cached decisions are dropped.
func (e *OPAEngine) LoadPolicies() error {
	modules := make(map[string]string)
	err := filepath.WalkDir(e.config.Path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.config.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		RecordError("load", e.config.Mode)
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(modules) == 0 {
		return fmt.Errorf("no policy files found in %s", e.config.Path)
	}

	opts := []func(*rego.Rego){rego.Query(e.config.query())}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		RecordError("compile", e.config.Mode)
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.mu.Lock()
	e.compiled = &compiled
	e.mu.Unlock()
	e.cache.Flush()

	RecordPolicyLoad(e.config.Path, len(modules))
	e.logger.Info("Policies loaded and compiled",
		zap.Int("policy_count", len(modules)),
		zap.String("decision_query", e.config.query()),
	)
	return nil
}

// Evaluate runs the admission policy. Errors come with the fallback decision
// dictated by FailClosed, so callers can act on the decision alone.
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()
	fallback := &Decision{Allow: !e.config.FailClosed, Reason: "policy engine disabled or no policies loaded"}

	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()
	if !e.enabled || compiled == nil {
		return fallback, nil
	}

	key := cacheKey(input)
	if v, ok := e.cache.Get(key); ok {
		recordCache(true)
		d := *v.(*Decision)
		return &d, nil
	}
	recordCache(false)

	in, err := toMap(input)
	if err != nil {
		RecordError("input_conversion", e.config.Mode)
		fallback.Reason = "input conversion failed"
		return fallback, err
	}
	results, err := compiled.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		RecordError("evaluation", e.config.Mode)
		fallback.Reason = "policy evaluation error"
		return fallback, err
	}

	decision := parseResults(results)
	if e.config.Mode == ModeDryRun && !decision.Allow {
		e.logger.Info("Dry-run admission would deny",
			zap.String("session_id", input.SessionID),
			zap.String("reason", decision.Reason),
		)
		decision.Allow = true
		decision.DryRun = true
		decision.Reason = "DRY-RUN: would have been denied - " + decision.Reason
	}

	RecordEvaluation(decision.Allow, e.config.Mode, time.Since(start).Seconds())
	e.logger.Debug("Policy evaluated",
		zap.String("session_id", input.SessionID),
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.Duration("duration", time.Since(start)),
	)
	e.cache.SetDefault(key, decision)
	out := *decision
	return &out, nil
}

// IsEnabled returns whether the engine is active and has compiled policies
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

func toMap(input *Input) (map[string]any, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseResults reads either a {"allow", "reason"|"reasons"} object or a bare boolean
func parseResults(results rego.ResultSet) *Decision {
	d := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return d
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]any:
		if allow, ok := v["allow"].(bool); ok {
			d.Allow = allow
		}
		if reasons, ok := v["reasons"].([]any); ok {
			for _, r := range reasons {
				if s, ok := r.(string); ok {
					d.Reasons = append(d.Reasons, s)
				}
			}
		}
		if reason, ok := v["reason"].(string); ok {
			d.Reason = reason
		} else if len(d.Reasons) > 0 {
			d.Reason = strings.Join(d.Reasons, "; ")
		} else if d.Allow {
			d.Reason = "allowed by policy"
		}
	case bool:
		d.Allow = v
		if v {
			d.Reason = "allowed by policy"
		} else {
			d.Reason = "denied by policy"
		}
	}
	return d
}

// cacheKey hashes the fields a policy can see, except the session and time
func cacheKey(input *Input) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input.Question))
	return fmt.Sprintf("%s|%d|%d|%x", input.Subject, input.DocumentCount, input.DocumentBytes, h.Sum64())
}
