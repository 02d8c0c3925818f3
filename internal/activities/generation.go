package activities

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/decisionflow/engine/internal/llm"
	"github.com/decisionflow/engine/internal/state"
)

// Stream produces accumulated text snapshots for one generation task
type Stream = func(ctx context.Context) iter.Seq2[string, error]

var errNoLLM = errors.New("completion service not configured")

// Planner returns the streaming plan generation for s. It only reads the
// question and the caller-supplied documents.
func (a *Activities) Planner(s *state.Session) (Stream, error) {
	bundle, err := a.prompts.Planner(s.Question, s.ContextDocs)
	if err != nil {
		return nil, &state.GenerationFailure{Stage: state.StagePlanner, Err: fmt.Errorf("build prompt: %w", err)}
	}
	return a.streamFor(llm.Request{
		Op:          llm.OpPlanner,
		System:      bundle.System,
		User:        bundle.User,
		Temperature: a.cfg.PlannerTemperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
}

// Analyzer returns the streaming independent analysis for s. It never sees
// the plan of the same cycle.
func (a *Activities) Analyzer(s *state.Session) (Stream, error) {
	bundle, err := a.prompts.Analyzer(s.Question, s.AuthoritativeContext, s.SupportiveEvidence)
	if err != nil {
		return nil, &state.GenerationFailure{Stage: state.StageAnalyzer, Err: fmt.Errorf("build prompt: %w", err)}
	}
	return a.streamFor(llm.Request{
		Op:          llm.OpAnalyzer,
		System:      bundle.System,
		User:        bundle.User,
		Temperature: a.cfg.AnalyzerTemperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
}

func (a *Activities) streamFor(req llm.Request) (Stream, error) {
	if a.llm == nil {
		return nil, errNoLLM
	}
	svc := a.llm
	return func(ctx context.Context) iter.Seq2[string, error] {
		return svc.Stream(ctx, req)
	}, nil
}

// GenerationPatch commits the final plan and analysis of one parallel stage
func GenerationPatch(plan, analysis string) state.Patch {
	p := state.Patch{
		Plan:     state.String(plan),
		Analysis: state.String(analysis),
	}
	p.Say("Proposed plan:\n" + plan)
	p.Say("Analysis:\n" + analysis)
	return p
}
