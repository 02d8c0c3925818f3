package activities

import (
	"context"
	"strings"

	"github.com/decisionflow/engine/internal/policy"
	"github.com/decisionflow/engine/internal/state"
	"go.uber.org/zap"
)

// Intake validates and normalizes the question, consults the admission
// policy and resets the cycle counters. It runs once per session.
func (a *Activities) Intake(ctx context.Context, s *state.Session) (state.Patch, error) {
	return a.stage(ctx, state.StageIntake, s, func(ctx context.Context) (state.Patch, error) {
		q := strings.TrimSpace(s.Question)
		if q == "" {
			return state.Patch{}, &state.ValidationError{Field: "question", Reason: "must be a non-empty string"}
		}
		if err := a.admit(ctx, s, q); err != nil {
			return state.Patch{}, err
		}
		return state.Patch{
			Question:       &q,
			Attempts:       state.Int(0),
			Finalized:      state.Bool(false),
			AppendMessages: []state.Message{{Role: state.RoleUser, Content: q}},
		}, nil
	})
}

func (a *Activities) admit(ctx context.Context, s *state.Session, q string) error {
	if a.policy == nil || !a.policy.IsEnabled() {
		return nil
	}
	size := 0
	for _, d := range s.ContextDocs {
		size += len(d)
	}
	decision, err := a.policy.Evaluate(ctx, &policy.Input{
		SessionID:     s.ID,
		Question:      q,
		DocumentCount: len(s.ContextDocs),
		DocumentBytes: size,
		Timestamp:     s.StartedAt,
	})
	if err != nil {
		// The engine folds fail-open/fail-closed into the decision it returns
		a.logger.Warn("Admission policy evaluation failed",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
	if decision != nil && !decision.Allow {
		return &state.ValidationError{Field: "question", Reason: decision.Reason}
	}
	return nil
}
