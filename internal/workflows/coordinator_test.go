package workflows

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/decisionflow/engine/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func textStream(parts ...string) StreamFunc {
	return func(ctx context.Context) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			acc := ""
			for _, p := range parts {
				acc += p
				if !yield(acc, nil) {
					return
				}
			}
		}
	}
}

func failingStream(after string, err error) StreamFunc {
	return func(ctx context.Context) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if !yield(after, nil) {
				return
			}
			yield(after, err)
		}
	}
}

func blockingStream() StreamFunc {
	return func(ctx context.Context) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			<-ctx.Done()
			yield("", ctx.Err())
		}
	}
}

func words(n int, w string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = w
	}
	return out
}

func TestCoordinatorReturnsFinalTexts(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewCoordinator(CoordinatorConfig{ChannelBuffer: 2}, zaptest.NewLogger(t))
	var seen []Progress
	plan, analysis, err := c.Run(context.Background(),
		textStream("Step 1. ", "Step 2. ", "Step 3."),
		textStream("Risk: ", "low"),
		func(p Progress) { seen = append(seen, p) },
	)
	require.NoError(t, err)
	assert.Equal(t, "Step 1. Step 2. Step 3.", plan)
	assert.Equal(t, "Risk: low", analysis)

	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.True(t, last.Done())
	assert.Equal(t, plan, last.Plan)
	assert.Equal(t, analysis, last.Analysis)

	for i := 1; i < len(seen); i++ {
		assert.True(t, strings.HasPrefix(seen[i].Plan, seen[i-1].Plan), "plan shrank at %d", i)
		assert.True(t, strings.HasPrefix(seen[i].Analysis, seen[i-1].Analysis), "analysis shrank at %d", i)
	}
	for _, p := range seen[:len(seen)-1] {
		assert.False(t, p.Done())
	}
}

func TestCoordinatorThrottlesEmission(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewCoordinator(CoordinatorConfig{EmitInterval: time.Hour, ChannelBuffer: 4}, zaptest.NewLogger(t))
	emitted := 0
	var last Progress
	_, _, err := c.Run(context.Background(),
		textStream(words(50, "p")...),
		textStream(words(50, "a")...),
		func(p Progress) { emitted++; last = p },
	)
	require.NoError(t, err)
	// One emission spends the single token; the completion is always emitted
	assert.Equal(t, 2, emitted)
	assert.Equal(t, strings.Repeat("p", 50), last.Plan)
	assert.True(t, last.Done())
}

func TestCoordinatorSurfacesTaskFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewCoordinator(CoordinatorConfig{}, zaptest.NewLogger(t))
	boom := errors.New("completion service returned 500")
	_, _, err := c.Run(context.Background(), blockingStream(), failingStream("partial", boom), func(Progress) {})

	var gf *state.GenerationFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, state.StageAnalyzer, gf.Stage)
	assert.ErrorIs(t, err, boom)
}

func TestCoordinatorCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	c := NewCoordinator(CoordinatorConfig{}, zaptest.NewLogger(t))
	_, _, err := c.Run(ctx, blockingStream(), blockingStream(), func(Progress) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCoordinatorRejectsShrinkingStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	shrinking := func(ctx context.Context) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if yield("abc", nil) {
				yield("ab", nil)
			}
		}
	}
	c := NewCoordinator(CoordinatorConfig{}, zaptest.NewLogger(t))
	_, _, err := c.Run(context.Background(), shrinking, textStream("ok"), func(Progress) {})
	assert.ErrorIs(t, err, ErrNonMonotonic)
	var gf *state.GenerationFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, state.StagePlanner, gf.Stage)
}

func TestCoordinatorEmptyStreams(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewCoordinator(CoordinatorConfig{}, zaptest.NewLogger(t))
	var seen []Progress
	plan, analysis, err := c.Run(context.Background(), textStream(), textStream("x"), func(p Progress) { seen = append(seen, p) })
	require.NoError(t, err)
	assert.Equal(t, "", plan)
	assert.Equal(t, "x", analysis)
	assert.True(t, seen[len(seen)-1].Done())
}
