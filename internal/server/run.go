package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/research"
	"github.com/Kocoro-lab/research-copilot/internal/session"
	"github.com/Kocoro-lab/research-copilot/internal/streaming"
)

// run owns one session from RUNNING to its terminal event. Whatever happens
// inside the engine, the stream ends with exactly one complete or error
// event and the bus is closed.
func (s *Service) run(ctx context.Context, cancel context.CancelFunc, sess session.Session, bus *streaming.Bus) {
	defer s.wg.Done()
	defer cancel()
	defer bus.Close()

	logger := s.logger.With(zap.String("session_id", sess.ID))
	st := research.NewState(sess.ID, sess.Query, sess.Settings)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Research run panicked", zap.Any("panic", r))
			s.fail(logger, bus, st, research.Failure{
				Kind:    research.KindInternal,
				Stage:   st.Stage,
				Message: fmt.Sprintf("internal error: %v", r),
			})
		}
	}()

	running, err := s.sessions.MarkRunning(ctx, sess.ID)
	if err != nil {
		logger.Error("Failed to start session", zap.Error(err))
		s.fail(logger, bus, st, research.Failure{Kind: research.KindInternal, Message: err.Error()})
		return
	}
	if running.Status.Terminal() {
		// Cancelled between Submit and the first scheduling of this goroutine.
		s.terminal(logger, bus, running)
		return
	}

	if _, err := bus.Publish(ctx, streaming.Event{
		Type:    string(research.EventStart),
		Message: "Research started",
		Payload: map[string]any{
			"query":             sess.Query,
			"max_iterations":    sess.Settings.MaxIterations,
			"quality_threshold": sess.Settings.Threshold,
		},
	}); err != nil {
		logger.Warn("Start event not delivered", zap.Error(err))
	}

	hooks := research.Hooks{
		Publish: func(ctx context.Context, ev research.Event) error {
			_, err := bus.Publish(ctx, streaming.Event{
				Type:     string(ev.Type),
				NodeName: ev.NodeName,
				Message:  ev.Message,
				Payload:  ev.Payload,
			})
			return err
		},
		Snapshot: func(cur research.State) {
			st = cur
			if err := s.sessions.UpdateSnapshot(ctx, sess.ID, cur); err != nil {
				logger.Debug("Snapshot not recorded", zap.Error(err))
			}
		},
	}

	final, runErr := s.engine.Run(ctx, st, hooks)
	st = final
	if runErr != nil {
		failure := research.Failure{Kind: research.KindOf(runErr), Message: runErr.Error()}
		if final.Error != nil {
			failure = *final.Error
		}
		s.fail(logger, bus, final, failure)
		return
	}

	done, err := s.sessions.MarkCompleted(context.WithoutCancel(ctx), sess.ID, final)
	if err != nil {
		logger.Error("Failed to complete session", zap.Error(err))
		s.fail(logger, bus, final, research.Failure{Kind: research.KindInternal, Message: err.Error()})
		return
	}
	s.terminal(logger, bus, done)
}

// fail records the failure, unless the session is already terminal, and
// publishes the resulting terminal event.
func (s *Service) fail(logger *zap.Logger, bus *streaming.Bus, st research.State, failure research.Failure) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalPublishTimeout)
	defer cancel()
	sess, err := s.sessions.MarkFailed(ctx, st.SessionID, st, failure)
	if err != nil {
		logger.Error("Failed to record session failure", zap.Error(err))
		s.publishTerminal(ctx, logger, bus, streaming.Event{
			Type:    streaming.TypeError,
			Message: failure.Message,
			Payload: map[string]any{"error": failure.Message, "kind": string(failure.Kind)},
		})
		return
	}
	s.terminal(logger, bus, sess)
}

// terminal publishes the event matching the session's terminal status.
func (s *Service) terminal(logger *zap.Logger, bus *streaming.Bus, sess session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalPublishTimeout)
	defer cancel()

	if sess.Status == session.StatusCompleted {
		s.publishTerminal(ctx, logger, bus, streaming.Event{
			Type:    streaming.TypeComplete,
			Message: "Research completed",
			Payload: map[string]any{"status": string(sess.Status), "session_id": sess.ID},
		})
		logger.Info("Research completed",
			zap.Int("iteration", sess.State.Iteration),
			zap.Float64("quality_score", sess.State.Quality.Score),
			zap.Bool("degraded", sess.State.Degraded),
		)
		return
	}

	failure := research.Failure{Kind: research.KindInternal, Message: "research failed"}
	if sess.State.Error != nil {
		failure = *sess.State.Error
	}
	s.publishTerminal(ctx, logger, bus, streaming.Event{
		Type:    streaming.TypeError,
		Message: failure.Message,
		Payload: map[string]any{"error": failure.Message, "kind": string(failure.Kind)},
	})
	logger.Info("Research failed",
		zap.String("kind", string(failure.Kind)),
		zap.String("stage", string(failure.Stage)),
	)
}

func (s *Service) publishTerminal(ctx context.Context, logger *zap.Logger, bus *streaming.Bus, ev streaming.Event) {
	if _, err := bus.Publish(ctx, ev); err != nil {
		logger.Warn("Terminal event not delivered", zap.String("type", ev.Type), zap.Error(err))
	}
}
