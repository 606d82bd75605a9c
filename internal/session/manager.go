package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-copilot/internal/metrics"
	"github.com/Kocoro-lab/research-copilot/internal/research"
)

const (
	defaultTTL           = 24 * time.Hour
	defaultArtifactTTL   = time.Hour
	defaultSweepInterval = time.Minute
	defaultMaxSessions   = 10000
	mirrorTimeout        = 2 * time.Second
)

// Config bounds the session table.
type Config struct {
	TTL time.Duration
	// ArtifactTTL replaces TTL once a session with a downloadable artifact
	// completes, since the artifact itself expires.
	ArtifactTTL   time.Duration
	SweepInterval time.Duration
	MaxSessions   int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.ArtifactTTL <= 0 {
		c.ArtifactTTL = defaultArtifactTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaultMaxSessions
	}
	return c
}

type entry struct {
	session Session
	cancel  context.CancelFunc

	// version counts changes under Manager.mu. saved is the newest version
	// written to the mirror and is guarded by mirrorMu, which orders the
	// writes of this session only.
	version  uint64
	mirrorMu sync.Mutex
	saved    uint64
}

// Manager owns every session of this process. The table is the only state
// shared between session goroutines and is guarded by mu. When a Redis client
// is configured, every change is mirrored as a JSON summary so status stays
// readable after the in-memory entry is gone.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	mirror *circuitbreaker.RedisWrapper
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
	onExpire []func(id string)
}

// NewManager creates a manager. mirror may be nil.
func NewManager(cfg Config, mirror *circuitbreaker.RedisWrapper, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		mirror:   mirror,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// NewRedisMirror connects the session mirror.
func NewRedisMirror(ctx context.Context, addr, password string, logger *zap.Logger) (*circuitbreaker.RedisWrapper, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	wrapper := circuitbreaker.NewRedisWrapper(client, "session-mirror", logger)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wrapper.Ping(ctx).Err(); err != nil {
		_ = wrapper.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return wrapper, nil
}

// OnExpire registers a callback run for every session removed by a sweep.
func (m *Manager) OnExpire(fn func(id string)) {
	m.mu.Lock()
	m.onExpire = append(m.onExpire, fn)
	m.mu.Unlock()
}

// Create registers a PENDING session with a fresh id.
func (m *Manager) Create(ctx context.Context, query string, settings research.Settings) (Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		m.Sweep(ctx)
		m.mu.Lock()
		if len(m.sessions) >= m.cfg.MaxSessions {
			m.mu.Unlock()
			return Session{}, ErrCapacity
		}
	}
	now := m.now()
	id := uuid.New().String()
	s := Session{
		ID:        id,
		Query:     query,
		Status:    StatusPending,
		Settings:  settings,
		State:     research.NewState(id, query, settings),
		Snapshot:  research.Snapshot{Stage: research.StagePlanner, UpdatedAt: now},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	e := &entry{session: copyOf(&s), version: 1}
	m.sessions[id] = e
	m.mu.Unlock()

	m.mirrorVersion(ctx, e, &s, 1)
	m.logger.Info("Created research session",
		zap.String("session_id", id),
		zap.Int("max_iterations", settings.MaxIterations),
		zap.String("provider", settings.Provider),
	)
	return copyOf(&s), nil
}

// Get returns a copy of a session. Sessions this process no longer holds are
// read from the mirror.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	var s Session
	if ok {
		s = copyOf(&e.session)
	}
	m.mu.RUnlock()
	if ok {
		if s.IsExpired(m.now()) && s.Status.Terminal() {
			return Session{}, research.ErrSessionNotFound
		}
		return s, nil
	}
	return m.load(ctx, id)
}

// SetCancel stores the function that aborts a session's run.
func (m *Manager) SetCancel(id string, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return research.ErrSessionNotFound
	}
	e.cancel = cancel
	return nil
}

// MarkRunning moves a PENDING session to RUNNING. It is a no-op on a session
// that is already running or terminal.
func (m *Manager) MarkRunning(ctx context.Context, id string) (Session, error) {
	return m.update(ctx, id, func(s *Session) (bool, error) {
		if s.Status != StatusPending {
			return false, nil
		}
		s.Status = StatusRunning
		s.StartedAt = m.now()
		metrics.RecordSessionStarted()
		return true, nil
	})
}

// UpdateSnapshot records the progress of a running session.
func (m *Manager) UpdateSnapshot(ctx context.Context, id string, st research.State) error {
	_, err := m.update(ctx, id, func(s *Session) (bool, error) {
		if s.Status != StatusRunning {
			return false, nil
		}
		s.State = st.Clone()
		s.Snapshot = research.Snapshot{Stage: st.Stage, Iteration: st.Iteration, QualityScore: st.Quality.Score, UpdatedAt: m.now()}
		return true, nil
	})
	return err
}

// MarkCompleted stores the final state. Completing a terminal session is a
// no-op; completing a PENDING one is an error.
func (m *Manager) MarkCompleted(ctx context.Context, id string, st research.State) (Session, error) {
	return m.update(ctx, id, func(s *Session) (bool, error) {
		switch s.Status {
		case StatusCompleted, StatusFailed:
			return false, nil
		case StatusPending:
			return false, fmt.Errorf("%w: %s to %s", research.ErrInvalidTransition, s.Status, StatusCompleted)
		}
		if st.FinalResponse == "" {
			return false, errors.New("completed session has no final response")
		}
		st.Error = nil
		s.State = st.Clone()
		s.Status = StatusCompleted
		s.Snapshot = research.Snapshot{Stage: research.StageDone, Iteration: st.Iteration, QualityScore: st.Quality.Score, UpdatedAt: m.now()}
		if st.ArtifactRef != "" {
			s.ExpiresAt = m.now().Add(m.cfg.ArtifactTTL)
		}
		m.finished(s, "completed")
		return true, nil
	})
}

// MarkFailed records the terminal error. Failing a terminal session is a
// no-op, so a cancellation that raced a completion never reopens it.
func (m *Manager) MarkFailed(ctx context.Context, id string, st research.State, failure research.Failure) (Session, error) {
	return m.update(ctx, id, func(s *Session) (bool, error) {
		if s.Status.Terminal() {
			return false, nil
		}
		st.FinalResponse = ""
		st.Error = &failure
		s.State = st.Clone()
		s.Status = StatusFailed
		s.Snapshot.UpdatedAt = m.now()
		status := "failed"
		if failure.Kind == research.KindCancelled {
			status = "cancelled"
		}
		m.finished(s, status)
		return true, nil
	})
}

// Cancel fails a live session with the cancelled kind and aborts its run at
// the next suspension point. Cancelling a terminal session returns it
// unchanged.
func (m *Manager) Cancel(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	var cancel context.CancelFunc
	var st research.State
	if ok {
		cancel = e.cancel
		st = e.session.State.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return m.load(ctx, id)
	}

	s, err := m.MarkFailed(ctx, id, st, research.Failure{
		Kind:    research.KindCancelled,
		Stage:   st.Stage,
		Message: research.ErrCancelled.Error(),
	})
	if err != nil {
		return Session{}, err
	}
	if cancel != nil {
		cancel()
	}
	return s, nil
}

// Sweep removes terminal sessions past their expiry and returns how many.
// Running sessions are never removed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	m.mu.Lock()
	var expired []string
	for id, e := range m.sessions {
		if e.session.Status.Terminal() && e.session.IsExpired(now) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	callbacks := append([]func(string){}, m.onExpire...)
	m.mu.Unlock()

	for _, id := range expired {
		for _, fn := range callbacks {
			fn(id)
		}
		metrics.SessionsExpired.Inc()
	}
	if len(expired) > 0 {
		m.logger.Info("Expired research sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps on the configured interval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Configure replaces the table bounds for sessions created from now on.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// Len returns the number of sessions held in memory.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close cancels every live run and closes the mirror.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, e := range m.sessions {
		if e.cancel != nil && !e.session.Status.Terminal() {
			e.cancel()
		}
	}
	m.mu.Unlock()
	if m.mirror != nil {
		return m.mirror.Close()
	}
	return nil
}

// RedisWrapper returns the mirror client for health checks, or nil.
func (m *Manager) RedisWrapper() *circuitbreaker.RedisWrapper {
	return m.mirror
}

func (m *Manager) update(ctx context.Context, id string, fn func(*Session) (bool, error)) (Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, research.ErrSessionNotFound
	}
	changed, err := fn(&e.session)
	if changed {
		e.session.UpdatedAt = m.now()
		e.version++
	}
	version := e.version
	s := copyOf(&e.session)
	m.mu.Unlock()
	if err != nil {
		return s, err
	}
	if changed {
		m.mirrorVersion(ctx, e, &s, version)
	}
	return s, nil
}

// mirrorVersion writes s unless a newer version of the same session has
// already been written. A slow write only delays that session.
func (m *Manager) mirrorVersion(ctx context.Context, e *entry, s *Session, version uint64) {
	if m.mirror == nil {
		return
	}
	e.mirrorMu.Lock()
	defer e.mirrorMu.Unlock()
	if version <= e.saved {
		return
	}
	m.save(ctx, s)
	e.saved = version
}

func (m *Manager) finished(s *Session, status string) {
	if s.StartedAt.IsZero() {
		metrics.SessionsFinished.WithLabelValues(status).Inc()
		return
	}
	metrics.RecordSessionFinished(status, m.now().Sub(s.StartedAt))
	if status == "completed" {
		metrics.RecordOutcome(s.State.Quality.Score, s.State.Iteration, s.State.Degraded)
	}
}

func sessionKey(id string) string {
	return "research:session:" + id
}

func (m *Manager) save(ctx context.Context, s *Session) {
	if m.mirror == nil {
		return
	}
	data, err := json.Marshal(recordOf(s))
	if err != nil {
		m.logger.Error("Failed to encode session mirror", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := m.mirror.Set(ctx, sessionKey(s.ID), data, ttl).Err(); err != nil {
		m.logger.Warn("Failed to mirror session", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (m *Manager) load(ctx context.Context, id string) (Session, error) {
	if m.mirror == nil || strings.TrimSpace(id) == "" {
		return Session{}, research.ErrSessionNotFound
	}
	data, err := m.mirror.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, research.ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	s := r.session()
	if s.IsExpired(m.now()) {
		return Session{}, research.ErrSessionNotFound
	}
	return s, nil
}

func copyOf(s *Session) Session {
	out := *s
	out.State = s.State.Clone()
	return out
}
