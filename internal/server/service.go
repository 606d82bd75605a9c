package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/artifacts"
	"github.com/Kocoro-lab/research-copilot/internal/auth"
	"github.com/Kocoro-lab/research-copilot/internal/llm"
	"github.com/Kocoro-lab/research-copilot/internal/policy"
	"github.com/Kocoro-lab/research-copilot/internal/research"
	"github.com/Kocoro-lab/research-copilot/internal/session"
	"github.com/Kocoro-lab/research-copilot/internal/streaming"
)

const (
	maxIterationsBound = 5
	// terminalPublishTimeout bounds the final event of a run whose own
	// context is already gone.
	terminalPublishTimeout = 5 * time.Second
)

// ArtifactStore is the part of the artifact store the service reads.
type ArtifactStore interface {
	Get(ctx context.Context, ref string) (artifacts.Artifact, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// Admitter decides whether a submission may start.
type Admitter interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// Runner executes one session's stage graph.
type Runner interface {
	Run(ctx context.Context, st research.State, hooks research.Hooks) (research.State, error)
}

// Options are the service settings that can change at runtime.
type Options struct {
	Defaults research.Settings
	// PublicBaseURL prefixes stream and download links.
	PublicBaseURL string
	// ArtifactSweep is how often expired artifacts are purged.
	ArtifactSweep time.Duration
}

// Service ties the session table, the engine and the event buses together.
// Every submission gets its own goroutine; the service itself holds no
// per-session state.
type Service struct {
	engine    Runner
	sessions  *session.Manager
	buses     *streaming.Manager
	artifacts ArtifactStore
	admitter  Admitter
	logger    *zap.Logger

	mu      sync.RWMutex
	opts    Options
	closing bool

	// runCtx parents every run so Shutdown can abort stragglers.
	runCtx    context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// NewService wires the service. artifacts and admitter may be nil.
func NewService(engine Runner, sessions *session.Manager, buses *streaming.Manager, store ArtifactStore, admitter Admitter, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		engine:    engine,
		sessions:  sessions,
		buses:     buses,
		artifacts: store,
		admitter:  admitter,
		logger:    logger,
		opts:      normalize(opts),
		runCtx:    ctx,
		cancelAll: cancel,
	}
	sessions.OnExpire(s.expire)
	return s
}

func normalize(o Options) Options {
	if o.Defaults.Threshold <= 0 {
		o.Defaults.Threshold = 0.8
	}
	if o.Defaults.MaxIterations <= 0 {
		o.Defaults.MaxIterations = 3
	}
	if o.ArtifactSweep <= 0 {
		o.ArtifactSweep = time.Minute
	}
	o.PublicBaseURL = strings.TrimSuffix(o.PublicBaseURL, "/")
	return o
}

// Configure replaces the defaults applied to sessions submitted from now on.
// Running sessions keep the settings they started with.
func (s *Service) Configure(opts Options) {
	s.mu.Lock()
	s.opts = normalize(opts)
	s.mu.Unlock()
	s.logger.Info("Research defaults updated",
		zap.Float64("quality_threshold", opts.Defaults.Threshold),
		zap.Int("max_iterations", opts.Defaults.MaxIterations),
		zap.Duration("call_timeout", opts.Defaults.CallTimeout),
	)
}

func (s *Service) options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// StreamURL is where a session's events can be followed.
func (s *Service) StreamURL(id string) string {
	return s.options().PublicBaseURL + "/api/stream/" + id
}

// DownloadURL is where an artifact can be fetched.
func (s *Service) DownloadURL(ref string) string {
	return s.options().PublicBaseURL + "/api/download/" + ref
}

// Validate checks a submission and fills in defaults. Errors are
// *research.ValidationError.
func (s *Service) Validate(req SubmitRequest) (string, research.Settings, error) {
	settings := s.options().Defaults
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return "", settings, &research.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(query) > maxQueryLength {
		return "", settings, &research.ValidationError{Field: "query", Reason: fmt.Sprintf("must be at most %d characters", maxQueryLength)}
	}
	if req.Provider != "" {
		p := strings.ToLower(strings.TrimSpace(req.Provider))
		if !llm.ValidProvider(p) {
			return "", settings, &research.ValidationError{Field: "llm_provider", Reason: fmt.Sprintf("unknown provider %q", req.Provider)}
		}
		settings.Provider = p
	}
	if req.MaxIterations != 0 {
		if req.MaxIterations < 1 || req.MaxIterations > maxIterationsBound {
			return "", settings, &research.ValidationError{Field: "max_iterations", Reason: fmt.Sprintf("must be within 1-%d", maxIterationsBound)}
		}
		settings.MaxIterations = req.MaxIterations
	}
	return query, settings, nil
}

// Submit validates and admits a query, creates its session and starts the
// run. It returns before any stage executes.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	query, settings, err := s.Validate(req)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := s.admit(ctx, query, settings); err != nil {
		return SubmitResult{}, err
	}

	// The run is counted before the session exists so Shutdown never waits
	// on a group that is still growing.
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return SubmitResult{}, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	sess, err := s.sessions.Create(ctx, query, settings)
	if err != nil {
		s.wg.Done()
		return SubmitResult{}, err
	}
	bus := s.buses.Create(sess.ID)

	runCtx, cancel := context.WithCancel(s.runCtx)
	if err := s.sessions.SetCancel(sess.ID, cancel); err != nil {
		cancel()
		s.wg.Done()
		return SubmitResult{}, err
	}
	go s.run(runCtx, cancel, sess, bus)

	s.logger.Info("Research submitted",
		zap.String("session_id", sess.ID),
		zap.Int("max_iterations", settings.MaxIterations),
		zap.Float64("quality_threshold", settings.Threshold),
		zap.String("provider", settings.Provider),
	)
	return SubmitResult{
		SessionID: sess.ID,
		Query:     query,
		Status:    sess.Status,
		StreamURL: s.StreamURL(sess.ID),
	}, nil
}

func (s *Service) admit(ctx context.Context, query string, settings research.Settings) error {
	if s.admitter == nil {
		return nil
	}
	input := policy.Input{Query: query, Provider: settings.Provider, MaxIterations: settings.MaxIterations}
	if p, ok := auth.PrincipalFrom(ctx); ok {
		input.Subject = p.Subject
	}
	decision, err := s.admitter.Evaluate(ctx, input)
	if err != nil && !decision.Allow {
		s.logger.Error("Admission policy failed closed", zap.Error(err))
		return &PolicyError{Reason: decision.Reason}
	}
	if !decision.Allow {
		s.logger.Info("Submission denied by policy",
			zap.String("subject", input.Subject),
			zap.String("reason", decision.Reason),
		)
		return &PolicyError{Reason: decision.Reason}
	}
	return nil
}

// Status returns the current view of a session.
func (s *Service) Status(ctx context.Context, id string) (StatusView, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return s.view(sess), nil
}

// Cancel fails a live session with the cancelled kind. Cancelling a terminal
// session returns its terminal view unchanged.
func (s *Service) Cancel(ctx context.Context, id string) (StatusView, error) {
	sess, err := s.sessions.Cancel(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	s.logger.Info("Cancel requested",
		zap.String("session_id", id),
		zap.String("status", string(sess.Status)),
	)
	return s.view(sess), nil
}

// FetchArtifact returns a live artifact. Unknown and expired refs fail with
// research.ErrArtifactNotFound and research.ErrArtifactExpired.
func (s *Service) FetchArtifact(ctx context.Context, ref string) (artifacts.Artifact, error) {
	if s.artifacts == nil || strings.TrimSpace(ref) == "" {
		return artifacts.Artifact{}, research.ErrArtifactNotFound
	}
	return s.artifacts.Get(ctx, ref)
}

// Events returns the event bus of a session held by this process.
func (s *Service) Events(ctx context.Context, id string) (*streaming.Bus, error) {
	if bus, ok := s.buses.Get(id); ok {
		return bus, nil
	}
	if _, err := s.sessions.Get(ctx, id); err != nil {
		return nil, err
	}
	// Known from the mirror but run by another process.
	return nil, research.ErrSessionNotFound
}

// Wait blocks until the session's stream has ended and returns its final view.
func (s *Service) Wait(ctx context.Context, id string) (StatusView, error) {
	bus, err := s.Events(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	sub := bus.Subscribe(uint64(bus.Len()))
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return StatusView{}, ctx.Err()
		case _, ok := <-sub.C:
			if !ok {
				return s.Status(ctx, id)
			}
		}
	}
}

func (s *Service) view(sess session.Session) StatusView {
	st := sess.State
	v := StatusView{
		SessionID: sess.ID,
		Query:     sess.Query,
		Status:    sess.Status,
		Progress:  sess.Snapshot,
		Settings:  sess.Settings,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		ExpiresAt: sess.ExpiresAt,
	}
	switch sess.Status {
	case session.StatusCompleted:
		v.FinalResponse = st.FinalResponse
		v.SourcesUsed = st.SourcesUsed
		v.OutputFormat = string(st.Plan.OutputFormat)
		v.QualityScore = st.Quality.Score
		v.Iterations = st.Iteration
		v.Degraded = st.Degraded
		if st.ArtifactRef != "" {
			v.ArtifactRef = st.ArtifactRef
			v.ArtifactURL = s.DownloadURL(st.ArtifactRef)
		}
	case session.StatusFailed:
		v.Error = st.Error
	}
	return v
}

func (s *Service) expire(id string) {
	s.buses.Remove(id)
	if s.artifacts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.artifacts.DeleteSession(ctx, id); err != nil {
		s.logger.Warn("Failed to delete artifacts of expired session",
			zap.String("session_id", id),
			zap.Error(err),
		)
	}
}

// Run purges expired artifacts until ctx ends. Session expiry runs in the
// session manager and reaches the service through OnExpire.
func (s *Service) Run(ctx context.Context) {
	if s.artifacts == nil {
		return
	}
	ticker := time.NewTicker(s.options().ArtifactSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.artifacts.DeleteExpired(ctx)
			if err != nil {
				s.logger.Warn("Artifact sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("Expired artifacts removed", zap.Int64("count", n))
			}
		}
	}
}

// Shutdown stops accepting submissions and waits for running sessions. When
// ctx ends first the remaining runs are cancelled, which fails them with the
// cancelled kind, and Shutdown still waits for their terminal events.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelAll()
		return nil
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline reached, cancelling running sessions")
		s.cancelAll()
		<-done
		return ctx.Err()
	}
}
