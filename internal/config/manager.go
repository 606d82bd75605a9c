package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called after a reloaded configuration passed validation.
type ChangeHandler func(old, updated *Config) error

// Validator can veto a reloaded configuration beyond Config.Validate.
type Validator func(*Config) error

// Manager hot-reloads research.yaml and watches the policy directory.
type Manager struct {
	dir            string
	current        *Config
	handlers       []ChangeHandler
	validators     []Validator
	policyHandlers []func() error
	watcher        *fsnotify.Watcher
	started        bool
	stopCh         chan struct{}
	done           chan struct{}
	logger         *zap.Logger
	mu             sync.RWMutex
	// debounce collapses the burst of events editors produce per save.
	debounce time.Duration
}

// NewManager loads the initial configuration from dir.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		dir:      dir,
		current:  cfg,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
		debounce: 50 * time.Millisecond,
	}, nil
}

// Current returns the active configuration. Callers must not modify it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// RegisterHandler adds a change handler.
func (m *Manager) RegisterHandler(h ChangeHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// RegisterValidator adds a validator run on every reload.
func (m *Manager) RegisterValidator(v Validator) {
	m.mu.Lock()
	m.validators = append(m.validators, v)
	m.mu.Unlock()
}

// RegisterPolicyHandler adds a callback for .rego changes.
func (m *Manager) RegisterPolicyHandler(h func() error) {
	m.mu.Lock()
	m.policyHandlers = append(m.policyHandlers, h)
	m.mu.Unlock()
}

// Start begins watching the config directory and, when configured, the
// policy directory.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	policyDir := m.current.PolicyDir()
	m.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if policyDir != "" && filepath.Clean(policyDir) != filepath.Clean(m.dir) {
		if err := watcher.Add(policyDir); err != nil {
			m.logger.Warn("Policy directory not watched", zap.String("dir", policyDir), zap.Error(err))
		}
	}
	m.watcher = watcher

	go m.watchLoop(ctx)

	m.logger.Info("Configuration manager started",
		zap.String("config_dir", m.dir),
		zap.String("policy_dir", policyDir),
	)
	return nil
}

// Stop stops watching for configuration changes
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	err := m.watcher.Close()
	<-m.done
	m.logger.Info("Configuration manager stopped")
	return err
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	var (
		timer         *time.Timer
		timerC        <-chan time.Time
		configChanged bool
		policyChanged bool
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			switch {
			case isConfigFile(event.Name):
				configChanged = true
			case isPolicyFile(event.Name):
				policyChanged = true
			default:
				continue
			}
			m.logger.Debug("File system event",
				zap.String("file", filepath.Base(event.Name)),
				zap.String("op", event.Op.String()),
			)
			if timer == nil {
				timer = time.NewTimer(m.debounce)
			} else {
				timer.Reset(m.debounce)
			}
			timerC = timer.C
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		case <-timerC:
			timerC = nil
			if configChanged {
				configChanged = false
				if err := m.Reload(); err != nil {
					m.logger.Error("Configuration reload rejected, keeping previous", zap.Error(err))
				}
			}
			if policyChanged {
				policyChanged = false
				m.reloadPolicies()
			}
		}
	}
}

// Reload re-reads the configuration, validates it and notifies handlers.
// A rejected configuration leaves the current one in place.
func (m *Manager) Reload() error {
	cfg, err := Load(m.dir)
	if err != nil {
		return err
	}

	m.mu.RLock()
	validators := append([]Validator(nil), m.validators...)
	m.mu.RUnlock()
	for _, v := range validators {
		if err := v(cfg); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	m.mu.Lock()
	old := m.current
	m.current = cfg
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h(old, cfg); err != nil {
			m.logger.Error("Configuration handler error", zap.Error(err))
		}
	}
	m.logger.Info("Configuration reloaded", zap.String("config_dir", m.dir))
	return nil
}

func (m *Manager) reloadPolicies() {
	m.mu.RLock()
	handlers := append([]func() error(nil), m.policyHandlers...)
	m.mu.RUnlock()
	m.logger.Info("Policy file changed, triggering reload", zap.Int("handlers", len(handlers)))
	for _, h := range handlers {
		if err := h(); err != nil {
			m.logger.Error("Policy reload handler failed", zap.Error(err))
		}
	}
}

func isConfigFile(name string) bool {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) == FileName && (ext == ".yaml" || ext == ".yml")
}

func isPolicyFile(name string) bool {
	return filepath.Ext(name) == ".rego"
}
