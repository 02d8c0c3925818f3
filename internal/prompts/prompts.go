// Package prompts builds the system and user prompts for the planner,
// analyzer and decision stages. Builders are pure: the same inputs always
// produce the same bundle.
package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/decisionflow/engine/internal/state"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultTemplates []byte

const (
	// DefaultSignificanceThreshold is the minimum context length treated as authoritative
	DefaultSignificanceThreshold = 50
	// DefaultSimilarityThreshold is the minimum similarity for a past decision to count
	DefaultSimilarityThreshold = 0.75

	plannerSummaryLimit = 1500
)

// Bundle is one ready-to-send prompt pair
type Bundle struct {
	System      string
	User        string
	Significant bool
	Mode        string
}

// Config tunes the significance and similarity thresholds
type Config struct {
	SignificanceThreshold int
	SimilarityThreshold   float64
}

type templateFile struct {
	Policy  string `yaml:"policy"`
	Planner struct {
		ContextualSystem string `yaml:"contextual_system"`
		ContextualUser   string `yaml:"contextual_user"`
		GenericSystem    string `yaml:"generic_system"`
		GenericUser      string `yaml:"generic_user"`
	} `yaml:"planner"`
	Analyzer struct {
		System string `yaml:"system"`
		User   string `yaml:"user"`
	} `yaml:"analyzer"`
	Decision struct {
		System string `yaml:"system"`
		User   string `yaml:"user"`
	} `yaml:"decision"`
}

var templateFuncs = template.FuncMap{
	"inc":     func(i int) int { return i + 1 },
	"excerpt": excerpt,
}

// Builder renders prompt bundles from a parsed template set
type Builder struct {
	cfg    Config
	policy string
	tpl    map[string]*template.Template
}

// NewBuilder parses the embedded template set
func NewBuilder(cfg Config) (*Builder, error) {
	return LoadBuilder(bytes.NewReader(defaultTemplates), cfg)
}

// LoadBuilder parses a template set from r. Unknown keys are rejected.
func LoadBuilder(r io.Reader, cfg Config) (*Builder, error) {
	if cfg.SignificanceThreshold <= 0 {
		cfg.SignificanceThreshold = DefaultSignificanceThreshold
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var tf templateFile
	if err := dec.Decode(&tf); err != nil {
		return nil, fmt.Errorf("decode prompt templates: %w", err)
	}

	sources := map[string]string{
		"planner.contextual_system": tf.Planner.ContextualSystem,
		"planner.contextual_user":   tf.Planner.ContextualUser,
		"planner.generic_system":    tf.Planner.GenericSystem,
		"planner.generic_user":      tf.Planner.GenericUser,
		"analyzer.system":           tf.Analyzer.System,
		"analyzer.user":             tf.Analyzer.User,
		"decision.system":           tf.Decision.System,
		"decision.user":             tf.Decision.User,
	}
	b := &Builder{cfg: cfg, policy: strings.TrimSpace(tf.Policy), tpl: make(map[string]*template.Template, len(sources))}
	for name, src := range sources {
		if strings.TrimSpace(src) == "" {
			return nil, fmt.Errorf("prompt template %s is empty", name)
		}
		t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
		}
		b.tpl[name] = t
	}
	return b, nil
}

// Significant reports whether context is long enough to be authoritative
func (b *Builder) Significant(context string) bool {
	return context != "" && len(context) >= b.cfg.SignificanceThreshold
}

// Mode names the context mode for context
func (b *Builder) Mode(context string) string {
	if b.Significant(context) {
		return state.ContextModeAuthoritative
	}
	return state.ContextModeFallback
}

func (b *Builder) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := b.tpl[name].Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (b *Builder) bundle(systemName, userName string, data any, significant bool) (Bundle, error) {
	system, err := b.render(systemName, data)
	if err != nil {
		return Bundle{}, err
	}
	user, err := b.render(userName, data)
	if err != nil {
		return Bundle{}, err
	}
	mode := state.ContextModeFallback
	if significant {
		mode = state.ContextModeAuthoritative
	}
	return Bundle{System: system, User: user, Significant: significant, Mode: mode}, nil
}

// Planner builds the planning prompt from the raw user documents. The
// planner runs before semantic retrieval, so it reads a bounded preview of
// the documents rather than the annotated context.
func (b *Builder) Planner(question string, docs []string) (Bundle, error) {
	summary := ContextSummary(docs)
	hasContext := len(summary) > b.cfg.SignificanceThreshold
	data := struct {
		Policy, Question, Context string
	}{b.policy, question, summary}

	if hasContext {
		return b.bundle("planner.contextual_system", "planner.contextual_user", data, true)
	}
	return b.bundle("planner.generic_system", "planner.generic_user", data, false)
}

// Analyzer builds the independent analysis prompt. It never sees the plan.
func (b *Builder) Analyzer(question, context string, evidence []string) (Bundle, error) {
	significant := b.Significant(context)
	if !significant {
		context = ""
	}
	data := struct {
		Policy, Question, Context string
		Significant               bool
		Evidence                  []string
	}{b.policy, question, context, significant, evidence}
	return b.bundle("analyzer.system", "analyzer.user", data, significant)
}

// Decision builds the final decision prompt. Past decisions at or above
// the similarity threshold are listed for a consistency check.
func (b *Builder) Decision(question, analysis, context string, similar []state.SimilarDecision) (Bundle, error) {
	significant := b.Significant(context)
	if !significant {
		context = ""
	}
	var relevant []state.SimilarDecision
	for _, s := range similar {
		if s.Similarity >= b.cfg.SimilarityThreshold {
			relevant = append(relevant, s)
		}
	}
	data := struct {
		Policy, Question, Analysis, Context string
		Significant                         bool
		Similar                             []state.SimilarDecision
		SimilarTotal                        int
		Threshold                           float64
	}{b.policy, question, analysis, context, significant, relevant, len(similar), b.cfg.SimilarityThreshold}
	return b.bundle("decision.system", "decision.user", data, significant)
}

// ContextSummary joins the documents and keeps a bounded, trimmed preview
func ContextSummary(docs []string) string {
	if len(docs) == 0 {
		return ""
	}
	return strings.TrimSpace(truncate(strings.Join(docs, "\n\n"), plannerSummaryLimit))
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
