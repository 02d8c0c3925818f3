package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called with the freshly loaded configuration
type ChangeHandler func(cfg *Config) error

// Manager owns the live configuration and reloads it when the file or the
// policy directory changes on disk.
type Manager struct {
	path      string
	current   atomic.Pointer[Config]
	handlers  []ChangeHandler
	policyFns []func() error
	debounce  time.Duration
	logger    *zap.Logger
	mu        sync.Mutex
}

// NewManager loads path once and returns a manager serving it
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, debounce: 100 * time.Millisecond, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the most recently loaded configuration
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnChange registers a handler run after every successful reload
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// OnPolicyChange registers a handler run when a .rego file changes
func (m *Manager) OnPolicyChange(fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyFns = append(m.policyFns, fn)
}

// Watch blocks until ctx is done, reloading on file system events
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files via rename, so watch the directory
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	if pdir := m.Current().Policy.Path; m.Current().Policy.Enabled && pdir != "" && pdir != dir {
		if err := watcher.Add(pdir); err != nil {
			m.logger.Warn("Policy directory not watched", zap.String("dir", pdir), zap.Error(err))
		}
	}

	m.logger.Info("Configuration watcher started", zap.String("path", m.path))

	var (
		timer        *time.Timer
		timerC       <-chan time.Time
		configDirty  bool
		policyDirty  bool
		absConfig, _ = filepath.Abs(m.path)
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod && event.Op == fsnotify.Chmod {
				continue
			}
			abs, _ := filepath.Abs(event.Name)
			switch {
			case abs == absConfig:
				configDirty = true
			case strings.HasSuffix(event.Name, ".rego"):
				policyDirty = true
			default:
				continue
			}
			// Coalesce rapid successive writes
			if timer == nil {
				timer = time.NewTimer(m.debounce)
			} else {
				timer.Reset(m.debounce)
			}
			timerC = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Error("File watcher error", zap.Error(err))
		case <-timerC:
			timerC = nil
			if configDirty {
				configDirty = false
				if err := m.Reload(); err != nil {
					m.logger.Error("Config reload failed, keeping previous", zap.Error(err))
				}
			}
			if policyDirty {
				policyDirty = false
				m.reloadPolicies()
			}
		}
	}
}

// Reload re-reads the file, swaps it in and runs the change handlers.
// An invalid file leaves the previous configuration in place.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.current.Store(cfg)

	m.mu.Lock()
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("Configuration reloaded", zap.String("path", m.path), zap.Int("handlers", len(handlers)))
	for _, h := range handlers {
		if err := h(cfg); err != nil {
			m.logger.Error("Config change handler failed", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) reloadPolicies() {
	m.mu.Lock()
	fns := append([]func() error(nil), m.policyFns...)
	m.mu.Unlock()

	m.logger.Info("Policy files changed, triggering reload", zap.Int("handlers", len(fns)))
	for _, fn := range fns {
		if err := fn(); err != nil {
			m.logger.Error("Policy reload handler failed", zap.Error(err))
		}
	}
}
