package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

var (
	ErrOpen       = errors.New("circuit breaker is open")
	ErrProbeLimit = errors.New("circuit breaker probe limit reached")
)

// Settings tune a breaker.
type Settings struct {
	// Probes is the number of calls let through while half-open.
	Probes uint32
	// Window clears closed-state counters periodically. Zero keeps them forever.
	Window time.Duration
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// TripAfter consecutive failures open a closed breaker.
	TripAfter uint32
	// RecoverAfter consecutive probe successes close a half-open breaker.
	RecoverAfter uint32
	// OnTransition is called with the breaker lock held; keep it short.
	OnTransition func(name string, from, to State)
	// IsFailure decides whether an error counts against the breaker. Nil
	// counts every error except context cancellation.
	IsFailure func(err error) bool
}

// DefaultSettings are used when a zero Settings is supplied.
func DefaultSettings() Settings {
	return Settings{
		Probes:       3,
		Window:       60 * time.Second,
		Cooldown:     10 * time.Second,
		TripAfter:    5,
		RecoverAfter: 2,
	}
}

// Counts is a snapshot of a breaker's counters for the current generation.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards calls to one dependency.
type Breaker struct {
	name     string
	settings Settings
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	deadline   time.Time
	now        func() time.Time
}

// New creates a closed breaker.
func New(name string, settings Settings, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSettings()
	if settings.Probes == 0 {
		settings.Probes = def.Probes
	}
	if settings.TripAfter == 0 {
		settings.TripAfter = def.TripAfter
	}
	if settings.RecoverAfter == 0 {
		settings.RecoverAfter = def.RecoverAfter
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = def.Cooldown
	}
	b := &Breaker{name: name, settings: settings, logger: logger, now: time.Now}
	b.resetGeneration(b.now())
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Do runs fn unless the breaker is open. The error from fn is returned unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.settle(gen, false)
			panic(r)
		}
	}()
	callErr := fn(ctx)
	b.settle(gen, !b.isFailure(callErr))
	return callErr
}

func (b *Breaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if b.settings.IsFailure != nil {
		return b.settings.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

// State returns the current state, advancing open to half-open when the cooldown has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(b.now())
	return state
}

// Counts returns the counters of the current generation.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, gen := b.current(b.now())
	switch {
	case state == StateOpen:
		return gen, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.settings.Probes:
		return gen, ErrProbeLimit
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) settle(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.current(now)
	if current != gen {
		return
	}
	if ok {
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.RecoverAfter {
			b.transition(StateClosed, now)
		}
		return
	}
	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.settings.TripAfter {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.deadline.IsZero() && now.After(b.deadline) {
			b.resetGeneration(now)
		}
	case StateOpen:
		if now.After(b.deadline) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.resetGeneration(now)
	if b.settings.OnTransition != nil {
		b.settings.OnTransition(b.name, from, to)
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (b *Breaker) resetGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		if b.settings.Window > 0 {
			b.deadline = now.Add(b.settings.Window)
		} else {
			b.deadline = time.Time{}
		}
	case StateOpen:
		b.deadline = now.Add(b.settings.Cooldown)
	default:
		b.deadline = time.Time{}
	}
}
