package streaming

import (
	"sync"

	"go.uber.org/zap"
)

// Manager owns the buses of all live sessions.
type Manager struct {
	mu     sync.RWMutex
	buses  map[string]*Bus
	cfg    Config
	logger *zap.Logger
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{buses: make(map[string]*Bus), cfg: cfg.withDefaults(), logger: logger}
}

// Configure changes the bounds of buses created from now on.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// Create returns the bus for sessionID, creating it if needed.
func (m *Manager) Create(sessionID string) *Bus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buses[sessionID]; ok {
		return b
	}
	b := newBus(sessionID, m.cfg, m.logger)
	m.buses[sessionID] = b
	return b
}

// Get returns the bus of a session.
func (m *Manager) Get(sessionID string) (*Bus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buses[sessionID]
	return b, ok
}

// Remove closes and forgets a session's bus.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	b, ok := m.buses[sessionID]
	delete(m.buses, sessionID)
	m.mu.Unlock()
	if ok {
		b.Close()
	}
}

// Len returns the number of buses held.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buses)
}
