package workflows

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/ratecontrol"
	"github.com/decisionflow/engine/internal/state"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StreamFunc starts one generation task. Each call begins a fresh stream of
// accumulated text snapshots that ends after the final text.
type StreamFunc func(ctx context.Context) iter.Seq2[string, error]

// ErrNonMonotonic is returned when a stream yields text that does not extend
// its previous snapshot
var ErrNonMonotonic = errors.New("stream snapshot does not extend the previous one")

// Progress is one combined view of both generation tasks
type Progress struct {
	Plan         string
	Analysis     string
	PlanDone     bool
	AnalysisDone bool
}

// Done reports whether both tasks have completed
func (p Progress) Done() bool { return p.PlanDone && p.AnalysisDone }

// CoordinatorConfig bounds the hand-off and the emission cadence
type CoordinatorConfig struct {
	// EmitInterval is the minimum time between two emissions; zero means unthrottled
	EmitInterval time.Duration
	// ChannelBuffer is the capacity of each task's hand-off channel
	ChannelBuffer int
}

// Coordinator runs the planner and the independent analyzer concurrently
// and interleaves their progress for a single consumer
type Coordinator struct {
	cfg    CoordinatorConfig
	logger *zap.Logger
}

// NewCoordinator creates a coordinator
func NewCoordinator(cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if cfg.ChannelBuffer < 1 {
		cfg.ChannelBuffer = 16
	}
	if cfg.EmitInterval < 0 {
		cfg.EmitInterval = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, logger: logger}
}

type update struct {
	text string
	done bool
}

// Run streams both tasks and calls emit with combined progress, no more
// often than the emit interval except for the last emission, which always
// has both tasks done. It returns the final texts, or the first task error.
// Neither task ever sees the other's output.
func (c *Coordinator) Run(ctx context.Context, planner, analyzer StreamFunc, emit func(Progress)) (plan, analysis string, err error) {
	g, gctx := errgroup.WithContext(ctx)
	planCh := make(chan update, c.cfg.ChannelBuffer)
	analysisCh := make(chan update, c.cfg.ChannelBuffer)
	g.Go(func() error { return produce(gctx, state.StagePlanner, planner, planCh) })
	g.Go(func() error { return produce(gctx, state.StageAnalyzer, analyzer, analysisCh) })

	throttle := ratecontrol.NewThrottle(c.cfg.EmitInterval)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var (
		prog      Progress
		pending   bool
		waiting   bool
		planC     = (<-chan update)(planCh)
		analysisC = (<-chan update)(analysisCh)
	)
	send := func() {
		emit(prog)
		pending = false
		metrics.SnapshotsEmitted.WithLabelValues("coordinator").Inc()
	}

loop:
	for planC != nil || analysisC != nil {
		select {
		case u, ok := <-planC:
			if !ok {
				planC = nil
				continue
			}
			prog.Plan, prog.PlanDone = u.text, u.done
			pending = true
		case u, ok := <-analysisC:
			if !ok {
				analysisC = nil
				continue
			}
			prog.Analysis, prog.AnalysisDone = u.text, u.done
			pending = true
		case <-timer.C:
			waiting = false
		case <-gctx.Done():
			break loop
		}

		if !pending || waiting || prog.Done() {
			continue
		}
		if throttle.Allow() {
			send()
			continue
		}
		timer.Reset(throttle.Delay())
		waiting = true
	}

	if err := g.Wait(); err != nil {
		c.logger.Debug("Parallel generation failed", zap.Error(err))
		return prog.Plan, prog.Analysis, err
	}
	if !prog.Done() {
		// Both producers returned cleanly, so this only happens on cancellation
		return prog.Plan, prog.Analysis, ctx.Err()
	}
	send()
	return prog.Plan, prog.Analysis, nil
}

// produce forwards one task's snapshots and finishes with a done marker.
// It closes ch on return.
func produce(ctx context.Context, stage string, fn StreamFunc, ch chan<- update) error {
	defer close(ch)
	var last string
	for text, err := range fn(ctx) {
		if err != nil {
			return &state.GenerationFailure{Stage: stage, Err: err}
		}
		if !strings.HasPrefix(text, last) {
			return &state.GenerationFailure{Stage: stage, Err: ErrNonMonotonic}
		}
		last = text
		select {
		case ch <- update{text: text}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case ch <- update{text: last, done: true}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
