package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager runs registered checkers on demand and in the background
type Manager struct {
	mu          sync.RWMutex
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	interval    time.Duration
	cancel      context.CancelFunc
	done        chan struct{}
	logger      *zap.Logger
}

// NewManager creates a manager. interval <= 0 means 30s.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    interval,
		logger:      logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// GetDetailedHealth runs every checker concurrently
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	started := time.Now()
	results := make([]CheckResult, len(checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = runCheck(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	components := make(map[string]CheckResult, len(results))
	summary := HealthSummary{Total: len(results)}
	for _, r := range results {
		components[r.Component] = r
		switch r.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if r.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	m.mu.Lock()
	for name, r := range components {
		if prev, ok := m.lastResults[name]; ok && prev.Status != r.Status {
			m.logger.Warn("Health status changed",
				zap.String("checker", name),
				zap.String("from", prev.Status.String()),
				zap.String("to", r.Status.String()),
				zap.String("error", r.Error),
			)
		}
		m.lastResults[name] = r
	}
	m.mu.Unlock()

	overall := overallStatus(components, summary)
	overall.Timestamp = started
	overall.Duration = time.Since(started)
	return DetailedHealth{Overall: overall, Components: components, Summary: summary, Timestamp: started}
}

// GetOverallHealth returns only the aggregate
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	return m.GetDetailedHealth(ctx).Overall
}

// LastResults returns the most recent result per checker without probing
func (m *Manager) LastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for k, v := range m.lastResults {
		out[k] = v
	}
	return out
}

// IsReady reports whether no critical component is unhealthy
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports process liveness. Dependency failures never fail liveness.
func (m *Manager) IsLive(context.Context) bool { return true }

func runCheck(ctx context.Context, c Checker) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()
	start := time.Now()
	r := c.Check(cctx)
	r.Component = c.Name()
	r.Critical = c.IsCritical()
	r.Duration = time.Since(start)
	r.Timestamp = start
	return r
}

func overallStatus(components map[string]CheckResult, summary HealthSummary) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{Status: StatusUnknown, Message: "No health checks registered", Ready: true, Live: true}
	}
	criticalFailures, nonCriticalFailures, degraded := 0, 0, 0
	for _, r := range components {
		switch {
		case r.Status == StatusDegraded:
			degraded++
		case r.Status == StatusUnhealthy && r.Critical:
			criticalFailures++
		case r.Status == StatusUnhealthy:
			nonCriticalFailures++
		}
	}
	switch {
	case criticalFailures > 0:
		return OverallHealth{Status: StatusUnhealthy, Message: fmt.Sprintf("%d critical component(s) failing", criticalFailures), Live: true}
	case degraded > 0:
		return OverallHealth{Status: StatusDegraded, Message: fmt.Sprintf("%d component(s) degraded", degraded), Degraded: true, Ready: true, Live: true}
	case nonCriticalFailures > 0:
		return OverallHealth{Status: StatusDegraded, Message: fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures), Degraded: true, Ready: true, Live: true}
	default:
		return OverallHealth{Status: StatusHealthy, Message: fmt.Sprintf("All %d components healthy", summary.Total), Ready: true, Live: true}
	}
}

// Start runs checks every interval until Stop or ctx is done
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.logger.Info("Health manager started", zap.Duration("check_interval", m.interval))
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.GetDetailedHealth(ctx)
			}
		}
	}()
}

// Stop halts background checking and waits for it to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("Health manager stopped")
}
