package research

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/metrics"
	"github.com/Kocoro-lab/research-copilot/internal/tracing"
)

// StageFunc transforms a state into the next one and reports what happened
// as events. The context carries cancellation and deadlines only.
type StageFunc func(ctx context.Context, st State) (State, []Event, error)

// Hooks connect a run to its session. Publish may block; a nil hook is skipped.
type Hooks struct {
	Publish  func(ctx context.Context, ev Event) error
	Snapshot func(st State)
}

// Engine drives the stage graph of one session at a time. It keeps no
// per-run state and may run many sessions concurrently.
type Engine struct {
	stages map[Stage]StageFunc
	logger *zap.Logger
}

// NewEngine requires a function for every stage of the graph.
func NewEngine(stages map[Stage]StageFunc, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, s := range []Stage{StagePlanner, StageRetriever, StageAnalyzer, StageCritic, StageGenerator, StageResponder} {
		if stages[s] == nil {
			return nil, fmt.Errorf("no function for stage %s", s)
		}
	}
	return &Engine{stages: stages, logger: logger}, nil
}

// Run executes the graph from the Planner until the Responder finishes or a
// stage fails. On failure the returned state carries Error and the Responder
// is skipped. The number of Critic passes never exceeds MaxIterations.
func (e *Engine) Run(ctx context.Context, st State, hooks Hooks) (State, error) {
	logger := e.logger.With(zap.String("session_id", st.SessionID))
	if st.Settings.MaxIterations < 1 {
		st.Settings.MaxIterations = 1
	}

	ctx, span := tracing.StartSessionSpan(ctx, st.SessionID, st.Query)
	defer span.End()

	stage := StagePlanner
	for stage != StageDone {
		if err := ctx.Err(); err != nil {
			return e.fail(st, stage, err, logger)
		}
		st.Stage = stage
		if hooks.Snapshot != nil {
			hooks.Snapshot(st)
		}
		if err := publish(ctx, hooks, nodeEvent(EventNodeStart, stage, startMessage(stage, st), st)); err != nil {
			return e.fail(st, stage, err, logger)
		}

		next, events, err := e.runStage(ctx, stage, st)
		if err != nil {
			tracing.RecordError(span, err)
			return e.fail(st, stage, err, logger)
		}
		if err := checkStep(stage, st, next); err != nil {
			return e.fail(st, stage, err, logger)
		}
		if stage == StageCritic && next.Quality.Decision == DecisionLoopBack && next.Iteration >= next.Settings.MaxIterations {
			logger.Warn("Critic requested a loop past the iteration bound, proceeding",
				zap.Int("iteration", next.Iteration),
				zap.Int("max_iterations", next.Settings.MaxIterations),
			)
			next.Quality.Decision = DecisionContinue
			next.Degraded = next.Quality.Score < next.Quality.Threshold
			events = append(events, Event{
				Type:     EventDecision,
				NodeName: stage.NodeName(),
				Message:  "Iteration limit reached, proceeding to generation",
				Payload:  map[string]any{"decision": string(DecisionContinue), "reasoning": "iteration limit reached", "next_action": "generate"},
			})
		}
		st = next

		for _, ev := range events {
			if ev.NodeName == "" {
				ev.NodeName = stage.NodeName()
			}
			if err := publish(ctx, hooks, ev); err != nil {
				return e.fail(st, stage, err, logger)
			}
		}
		if err := publish(ctx, hooks, nodeEvent(EventNodeComplete, stage, completeMessage(stage, st), st)); err != nil {
			return e.fail(st, stage, err, logger)
		}

		decision := DecisionNone
		if stage == StageCritic {
			decision = st.Quality.Decision
		}
		to, err := Next(stage, decision)
		if err != nil {
			return e.fail(st, stage, err, logger)
		}
		logger.Debug("Stage finished",
			zap.String("stage", string(stage)),
			zap.String("next", string(to)),
			zap.Int("iteration", st.Iteration),
		)
		stage = to
	}
	st.Stage = StageDone
	if hooks.Snapshot != nil {
		hooks.Snapshot(st)
	}
	return st, nil
}

func (e *Engine) runStage(ctx context.Context, stage Stage, st State) (next State, events []Event, err error) {
	ctx, span := tracing.StartStageSpan(ctx, string(stage), st.Iteration)
	defer span.End()
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = string(KindOf(err))
			tracing.RecordError(span, err)
		}
		metrics.RecordStage(stage.NodeName(), result, time.Since(start))
	}()

	next, events, err = e.stages[stage](ctx, st.Clone())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return State{}, nil, &StageError{Stage: stage, Err: err}
	}
	return next, events, nil
}

func (e *Engine) fail(st State, stage Stage, err error, logger *zap.Logger) (State, error) {
	if errors.Is(err, context.Canceled) && !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	var se *StageError
	if !errors.As(err, &se) {
		err = &StageError{Stage: stage, Err: err}
	}
	st.Stage = stage
	st.Error = failureOf(err)
	logger.Warn("Research run failed",
		zap.String("stage", string(stage)),
		zap.String("kind", string(st.Error.Kind)),
		zap.Error(err),
	)
	return st, err
}

func nodeEvent(t EventType, stage Stage, msg string, st State) Event {
	return Event{
		Type:     t,
		NodeName: stage.NodeName(),
		Message:  msg,
		Payload: map[string]any{
			"node":     stage.NodeName(),
			"message":  msg,
			"metadata": map[string]any{"iteration": st.Iteration},
		},
	}
}

func publish(ctx context.Context, hooks Hooks, ev Event) error {
	if hooks.Publish == nil {
		return nil
	}
	return hooks.Publish(ctx, ev)
}

// checkStep enforces the ownership rules of the shared state: the plan is
// frozen after the Planner, retrieved data only grows, and the iteration
// counter moves only in the Critic and only by one.
func checkStep(stage Stage, prev, next State) error {
	if stage != StagePlanner && !reflect.DeepEqual(prev.Plan, next.Plan) {
		return fmt.Errorf("%s modified the plan", stage.NodeName())
	}
	if next.Query != prev.Query || next.SessionID != prev.SessionID {
		return fmt.Errorf("%s modified the query", stage.NodeName())
	}
	for src, recs := range prev.RetrievedData {
		if len(next.RetrievedData[src]) < len(recs) {
			return fmt.Errorf("%s removed %s records", stage.NodeName(), src)
		}
	}
	want := prev.Iteration
	if stage == StageCritic {
		want++
	}
	if next.Iteration != want {
		return fmt.Errorf("%s moved iteration from %d to %d", stage.NodeName(), prev.Iteration, next.Iteration)
	}
	return nil
}

func startMessage(stage Stage, st State) string {
	switch stage {
	case StagePlanner:
		return "Planning research approach"
	case StageRetriever:
		if st.Quality.Decision == DecisionLoopBack {
			return fmt.Sprintf("Refining retrieval (%s)", st.Quality.Hint)
		}
		return "Retrieving data"
	case StageAnalyzer:
		return "Analyzing retrieved data"
	case StageCritic:
		return "Evaluating research quality"
	case StageGenerator:
		return fmt.Sprintf("Generating %s output", st.Plan.OutputFormat)
	case StageResponder:
		return "Preparing final response"
	}
	return ""
}

func completeMessage(stage Stage, st State) string {
	switch stage {
	case StagePlanner:
		return fmt.Sprintf("Planned %d steps using %s", len(st.Plan.Steps), st.Plan.Strategy)
	case StageRetriever:
		total := 0
		for _, recs := range st.RetrievedData {
			total += len(recs)
		}
		return fmt.Sprintf("Retrieved %d records", total)
	case StageAnalyzer:
		return fmt.Sprintf("Found %d insights", len(st.Insights))
	case StageCritic:
		return fmt.Sprintf("Quality score %.2f", st.Quality.Score)
	case StageGenerator:
		return "Output generated"
	case StageResponder:
		return "Response ready"
	}
	return ""
}
