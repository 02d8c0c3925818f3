package workflows

import (
	"strings"

	"github.com/decisionflow/engine/internal/state"
)

// Outcome is the confidence router's verdict
type Outcome string

const (
	OutcomeRetry Outcome = "retry"
	OutcomeEnd   Outcome = "end"
)

// Reasons reported with an outcome in logs and metrics
const (
	ReasonLocked               = "locked"
	ReasonMaxAttempts          = "max_attempts"
	ReasonNoConfidence         = "no_confidence"
	ReasonConfident            = "confident"
	ReasonInsufficientEvidence = "insufficient_evidence"
	ReasonUncertain            = "uncertain_analysis"
	ReasonAcceptLowConfidence  = "accept_low_confidence"
)

// DefaultUncertaintyMarkers make an analysis count as uncertain
var DefaultUncertaintyMarkers = []string{"assumption", "unclear", "uncertain"}

// RouterConfig holds the convergence thresholds
type RouterConfig struct {
	MaxAttempts   int
	MinConfidence float64
	// MinEvidence is the supportive evidence count below which a low-confidence decision is retried
	MinEvidence        int
	UncertaintyMarkers []string
}

// Router decides whether a merged decision is final or needs another cycle.
// Evaluate sets the finalization lock and Decide recomputes the verdict; the
// driver calls them in that order on the same state.
type Router struct {
	cfg RouterConfig
}

// NewRouter creates a router, filling unset thresholds with the defaults
func NewRouter(cfg RouterConfig) *Router {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.70
	}
	if cfg.MinEvidence <= 0 {
		cfg.MinEvidence = 2
	}
	if len(cfg.UncertaintyMarkers) == 0 {
		cfg.UncertaintyMarkers = DefaultUncertaintyMarkers
	}
	return &Router{cfg: cfg}
}

// Evaluate counts the pass and locks the decision when it is confident
// enough or the attempt budget is nearly spent. The attempt budget check
// uses the count from before this pass, and the lock needs a confidence.
func (r *Router) Evaluate(s *state.Session) state.Patch {
	if s.Finalized {
		return state.Patch{}
	}
	prev := s.Attempts
	p := state.Patch{Attempts: state.Int(prev + 1)}
	if s.Confidence != nil && (*s.Confidence >= r.cfg.MinConfidence || prev >= r.cfg.MaxAttempts-1) {
		p.Finalized = state.Bool(true)
	}
	return p
}

// Decide returns the verdict for the current state. The checks run in a
// fixed order and the first match wins.
func (r *Router) Decide(s *state.Session) (Outcome, string) {
	switch {
	case s.Finalized:
		return OutcomeEnd, ReasonLocked
	case s.Attempts >= r.cfg.MaxAttempts:
		return OutcomeEnd, ReasonMaxAttempts
	case s.Confidence == nil:
		return OutcomeRetry, ReasonNoConfidence
	case *s.Confidence >= r.cfg.MinConfidence:
		return OutcomeEnd, ReasonConfident
	case len(s.SupportiveEvidence) < r.cfg.MinEvidence:
		return OutcomeRetry, ReasonInsufficientEvidence
	case r.uncertain(s.AnalysisText()):
		return OutcomeRetry, ReasonUncertain
	default:
		return OutcomeEnd, ReasonAcceptLowConfidence
	}
}

func (r *Router) uncertain(analysis string) bool {
	lower := strings.ToLower(analysis)
	for _, m := range r.cfg.UncertaintyMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
