package streaming

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/metrics"
)

// ErrClosed is returned when publishing to a bus after its terminal event.
var ErrClosed = errors.New("event bus closed")

const (
	defaultBuffer         = 16
	defaultPublishTimeout = 30 * time.Second
)

// Config bounds every bus created by a Manager.
type Config struct {
	// Buffer is the per-subscriber queue length.
	Buffer int
	// PublishTimeout is how long a full subscriber may stall the publisher
	// before it is detached.
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	return c
}

// Subscription is a live view of a bus. Backlog holds the events published
// before the subscription; C delivers everything after it, without gaps, and
// is closed after the terminal event or when the subscriber is detached.
type Subscription struct {
	Backlog []Event
	C       <-chan Event

	ch       chan Event
	done     chan struct{}
	stopOnce sync.Once
	detached bool
}

// Detached reports whether the bus dropped the subscriber for being too slow.
// Only meaningful after C is closed.
func (s *Subscription) Detached() bool { return s.detached }

// Bus is the ordered event log of one session. Every event is appended to the
// log before delivery, so the log is complete whether or not anyone listens.
// Ids start at 1 and have no gaps.
type Bus struct {
	sessionID string
	cfg       Config
	logger    *zap.Logger

	// publishMu serialises publishers and guards every send on and close of
	// a subscriber channel.
	publishMu sync.Mutex

	mu     sync.Mutex
	log    []Event
	subs   map[*Subscription]struct{}
	closed bool
}

func newBus(sessionID string, cfg Config, logger *zap.Logger) *Bus {
	return &Bus{
		sessionID: sessionID,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Publish appends ev to the log and hands it to every subscriber. A full
// subscriber blocks the call for up to PublishTimeout, after which it is
// detached. The event is logged even when ctx ends during delivery, and any
// subscriber still waiting for it is detached so it can resume from the log.
func (b *Bus) Publish(ctx context.Context, ev Event) (Event, error) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, ErrClosed
	}
	ev.ID = uint64(len(b.log)) + 1
	ev.SessionID = b.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.log = append(b.log, ev)
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	metrics.RecordEvent(ev.Type)
	var firstErr error
	for _, s := range subs {
		if err := b.deliver(ctx, s, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return ev, firstErr
}

func (b *Bus) deliver(ctx context.Context, s *Subscription, ev Event) error {
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return nil
	default:
	}

	start := time.Now()
	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()
	defer func() { metrics.RecordPublishBlock(time.Since(start)) }()

	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		// The subscriber missed ev; it must resume from the log.
		b.detach(s, ev, "context done")
		return ctx.Err()
	case <-timer.C:
		b.detach(s, ev, "publish timeout")
		return nil
	}
}

func (b *Bus) detach(s *Subscription, ev Event, reason string) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if !ok {
		return
	}
	s.detached = true
	close(s.ch)
	metrics.SubscribersDetached.Inc()
	b.logger.Warn("Detached slow stream subscriber",
		zap.String("session_id", b.sessionID),
		zap.Uint64("event_id", ev.ID),
		zap.String("reason", reason),
		zap.Duration("timeout", b.cfg.PublishTimeout),
	)
}

// Subscribe returns the events after afterID as a backlog and registers for
// everything published later. On a closed bus C is already closed.
func (b *Bus) Subscribe(afterID uint64) *Subscription {
	ch := make(chan Event, b.cfg.Buffer)
	s := &Subscription{C: ch, ch: ch, done: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()
	if afterID < uint64(len(b.log)) {
		s.Backlog = append([]Event(nil), b.log[afterID:]...)
	}
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe stops delivery to s. It never blocks on a publisher.
func (b *Bus) Unsubscribe(s *Subscription) {
	s.stopOnce.Do(func() { close(s.done) })
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Close ends every subscription after the events already delivered. Further
// publishes fail with ErrClosed.
func (b *Bus) Close() {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}

// Closed reports whether the terminal event has been published.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Events returns a copy of the whole log.
func (b *Bus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.log...)
}

// Len returns the number of events published so far.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}
