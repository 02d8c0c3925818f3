package activities

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/decisionflow/engine/internal/llm"
	"github.com/decisionflow/engine/internal/memory"
	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/state"
	"go.uber.org/zap"
)

// DefaultFactors is used when the reply names no contextual factors
const DefaultFactors = "No specific organizational context influenced this decision."

const collaboratorMemory = "decision memory"

var (
	decisionStart   = regexp.MustCompile(`(?i)Decision[:\s]+`)
	confidenceMark  = regexp.MustCompile(`(?i)Confidence:`)
	confidenceValue = regexp.MustCompile(`(?i)Confidence[:\s]+([\d.]+)`)
	factorsFull     = regexp.MustCompile(`(?is)Contextual Factors Influencing This Decision[:\s]*(.+)`)
	factorsShort    = regexp.MustCompile(`(?is)Contextual Factors:\s*(.+)`)
)

// ParsedDecision is the structured content of a decision reply
type ParsedDecision struct {
	Decision   string
	Confidence float64
	Factors    string
	// Fallbacks lists the fields that were missing and defaulted
	Fallbacks []*state.ParseFallback
}

// ParseDecision extracts the decision, confidence and contextual factors
// from a free-text reply. It never fails: missing fields get defaults.
func ParseDecision(reply string, defaultConfidence float64) ParsedDecision {
	reply = strings.TrimSpace(reply)
	out := ParsedDecision{Factors: DefaultFactors}

	out.Decision = extractDecision(reply)
	if out.Decision == "" {
		out.Decision = reply
		out.Fallbacks = append(out.Fallbacks, &state.ParseFallback{Field: "decision", Default: "full reply"})
	}

	out.Confidence = defaultConfidence
	parsed := false
	if m := confidenceValue.FindStringSubmatch(reply); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			out.Confidence = v
			parsed = true
		}
	}
	if !parsed {
		out.Fallbacks = append(out.Fallbacks, &state.ParseFallback{
			Field:   "confidence",
			Default: strconv.FormatFloat(defaultConfidence, 'f', 2, 64),
		})
	}
	out.Confidence = clamp01(out.Confidence)

	if m := factorsFull.FindStringSubmatch(reply); m != nil {
		out.Factors = strings.TrimSpace(m[1])
	} else if m := factorsShort.FindStringSubmatch(reply); m != nil {
		out.Factors = strings.TrimSpace(m[1])
	}
	if out.Factors == "" {
		out.Factors = DefaultFactors
	}
	return out
}

// extractDecision returns the text after the first "Decision:" label up to
// the next "Confidence:" label, or to the end of the reply.
func extractDecision(reply string) string {
	for _, loc := range decisionStart.FindAllStringIndex(reply, -1) {
		rest := reply[loc[1]:]
		if rest == "" {
			continue
		}
		_, size := utf8.DecodeRuneInString(rest)
		end := len(rest)
		if m := confidenceMark.FindStringIndex(rest[size:]); m != nil {
			end = size + m[0]
		}
		return strings.TrimSpace(rest[:end])
	}
	return ""
}

// AdjustConfidence adds bonus for every similar decision at or above the
// threshold, capped at 1. It is applied once per merge.
func AdjustConfidence(raw float64, similar []state.SimilarDecision, threshold, bonus float64) float64 {
	c := raw
	for _, d := range similar {
		if d.Similarity >= threshold {
			c = math.Min(c+bonus, 1)
		}
	}
	return math.Round(clamp01(c)*1e4) / 1e4
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// DecisionMessage is the assistant message summarizing a merge
func DecisionMessage(decision string, confidence float64, factors string) string {
	return fmt.Sprintf("Decision:\n%s\n\nConfidence: %.2f\n\nContextual Factors:\n%s", decision, confidence, factors)
}

// DecisionMerger turns the analysis, context and similar past decisions into
// a decision with a confidence, then persists it to long-term memory.
func (a *Activities) DecisionMerger(ctx context.Context, s *state.Session) (state.Patch, error) {
	return a.stage(ctx, state.StageDecision, s, func(ctx context.Context) (state.Patch, error) {
		if s.AnalysisText() == "" {
			return state.Patch{}, &state.GenerationFailure{Stage: state.StageDecision, Err: state.ErrMissingAnalysis}
		}
		if a.llm == nil {
			return state.Patch{}, &state.GenerationFailure{Stage: state.StageDecision, Err: errNoLLM}
		}

		var degraded []error
		similar, err := a.similarDecisions(ctx, s.Question)
		if err != nil {
			degraded = append(degraded, err)
		}

		bundle, err := a.prompts.Decision(s.Question, s.AnalysisText(), s.AuthoritativeContext, similar)
		if err != nil {
			return state.Patch{}, &state.GenerationFailure{Stage: state.StageDecision, Err: fmt.Errorf("build prompt: %w", err)}
		}
		reply, err := a.llm.Complete(ctx, llm.Request{
			Op:          llm.OpDecision,
			System:      bundle.System,
			User:        bundle.User,
			Temperature: a.cfg.DecisionTemperature,
			MaxTokens:   a.cfg.MaxTokens,
		})
		if err != nil {
			return state.Patch{}, &state.GenerationFailure{Stage: state.StageDecision, Err: err}
		}

		parsed := ParseDecision(reply, a.cfg.DefaultConfidence)
		confidence := AdjustConfidence(parsed.Confidence, similar, a.cfg.SimilarityThreshold, a.cfg.ConfidenceBonus)

		p := state.Patch{
			Decision:           state.String(parsed.Decision),
			Confidence:         state.Float(confidence),
			SimilarDecisions:   similar,
			ContextualFactors:  state.String(parsed.Factors),
			ContextSignificant: state.Bool(bundle.Significant),
			ContextMode:        state.String(bundle.Mode),
		}
		for _, fb := range parsed.Fallbacks {
			metrics.ParseFallbacks.WithLabelValues(fb.Field).Inc()
			a.logger.Warn("Decision reply parse fallback",
				zap.String("session_id", s.ID),
				zap.String("field", fb.Field),
				zap.String("default", fb.Default),
			)
			p.AppendMessages = append(p.AppendMessages, state.Message{Role: state.RoleSystem, Content: fb.Error()})
		}
		p.Say(DecisionMessage(parsed.Decision, confidence, parsed.Factors))

		id, err := a.persist(ctx, s, parsed.Decision, confidence)
		if err != nil {
			degraded = append(degraded, err)
			p.AppendMessages = append(p.AppendMessages, state.Message{
				Role:    state.RoleSystem,
				Content: "Decision could not be saved to long-term memory: " + err.Error(),
			})
		} else if id != "" {
			p.MemoryID = state.String(id)
		}
		return p, errors.Join(degraded...)
	})
}

func (a *Activities) similarDecisions(ctx context.Context, question string) ([]state.SimilarDecision, error) {
	if a.memory == nil {
		return []state.SimilarDecision{}, nil
	}
	similar, err := a.memory.QuerySimilar(ctx, question, a.cfg.SimilarK)
	if err != nil {
		return []state.SimilarDecision{}, &state.CollaboratorUnavailableError{Collaborator: collaboratorMemory, Err: err}
	}
	if similar == nil {
		similar = []state.SimilarDecision{}
	}
	return similar, nil
}

func (a *Activities) persist(ctx context.Context, s *state.Session, decision string, confidence float64) (string, error) {
	if a.memory == nil {
		return "", nil
	}
	id, err := a.memory.Persist(ctx, memory.Record{
		SessionID:  s.ID,
		Question:   s.Question,
		Plan:       s.PlanText(),
		Analysis:   s.AnalysisText(),
		Decision:   decision,
		Confidence: confidence,
		CreatedAt:  a.now(),
	})
	if err != nil {
		return "", &state.CollaboratorUnavailableError{Collaborator: collaboratorMemory, Err: err}
	}
	return id, nil
}
