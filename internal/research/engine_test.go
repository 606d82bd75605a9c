package research

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-copilot/internal/llm"
	"github.com/Kocoro-lab/research-copilot/internal/retrieval"
)

// stubStages returns a stage table whose Critic scores from a list.
func stubStages(scores []float64, calls *[]Stage) map[Stage]StageFunc {
	record := func(s Stage) {
		if calls != nil {
			*calls = append(*calls, s)
		}
	}
	pass := func(s Stage) StageFunc {
		return func(_ context.Context, st State) (State, []Event, error) {
			record(s)
			return st, nil, nil
		}
	}
	return map[Stage]StageFunc{
		StagePlanner: func(_ context.Context, st State) (State, []Event, error) {
			record(StagePlanner)
			st.Plan = Plan{QueryType: QueryExploratory, Strategy: retrieval.StrategyHybrid, OutputFormat: FormatChat}
			return st, nil, nil
		},
		StageRetriever: func(_ context.Context, st State) (State, []Event, error) {
			record(StageRetriever)
			st.RetrievalLog = append(st.RetrievalLog, retrieval.Pass{Iteration: st.Iteration})
			return st, nil, nil
		},
		StageAnalyzer: pass(StageAnalyzer),
		StageCritic: func(_ context.Context, st State) (State, []Event, error) {
			record(StageCritic)
			score := scores[len(scores)-1]
			if st.Iteration < len(scores) {
				score = scores[st.Iteration]
			}
			st.Iteration++
			st.Quality = Quality{Score: score, Threshold: st.Settings.Threshold}
			st.Quality.Decision = Decide(score, st.Settings.Threshold, st.Iteration, st.Settings.MaxIterations)
			st.Degraded = st.Quality.Decision == DecisionContinue && score < st.Settings.Threshold
			return st, nil, nil
		},
		StageGenerator: pass(StageGenerator),
		StageResponder: func(_ context.Context, st State) (State, []Event, error) {
			record(StageResponder)
			st.FinalResponse = "done"
			return st, []Event{{Type: EventFinalResponse}}, nil
		},
	}
}

func runEngine(t *testing.T, stages map[Stage]StageFunc, settings Settings) (State, []Event, error) {
	t.Helper()
	engine, err := NewEngine(stages, zaptest.NewLogger(t))
	require.NoError(t, err)
	var events []Event
	st, err := engine.Run(context.Background(), NewState("s-1", "question", settings), Hooks{
		Publish: func(_ context.Context, ev Event) error {
			events = append(events, ev)
			return nil
		},
	})
	return st, events, err
}

func TestNewEngineRequiresEveryStage(t *testing.T) {
	stages := stubStages([]float64{1}, nil)
	delete(stages, StageGenerator)
	_, err := NewEngine(stages, nil)
	assert.Error(t, err)
}

func TestEngineSinglePassWhenQualityMet(t *testing.T) {
	var calls []Stage
	st, _, err := runEngine(t, stubStages([]float64{0.9}, &calls), Settings{Threshold: 0.8, MaxIterations: 3})
	require.NoError(t, err)

	assert.Equal(t, []Stage{StagePlanner, StageRetriever, StageAnalyzer, StageCritic, StageGenerator, StageResponder}, calls)
	assert.Equal(t, 1, st.Iteration)
	assert.Len(t, st.RetrievalLog, 1)
	assert.False(t, st.Degraded)
	assert.Equal(t, StageDone, st.Stage)
	assert.Equal(t, "done", st.FinalResponse)
}

func TestEngineIterationBound(t *testing.T) {
	for _, bound := range []int{1, 2, 3, 5} {
		var calls []Stage
		st, _, err := runEngine(t, stubStages([]float64{0.1}, &calls), Settings{Threshold: 0.8, MaxIterations: bound})
		require.NoError(t, err)

		critics := 0
		for _, s := range calls {
			if s == StageCritic {
				critics++
			}
		}
		assert.Equal(t, bound, critics, "max_iterations=%d", bound)
		assert.Equal(t, bound, st.Iteration)
		assert.True(t, st.Degraded)
		assert.Equal(t, DecisionContinue, st.Quality.Decision)
	}
}

func TestEngineForcesContinueAtBound(t *testing.T) {
	stages := stubStages([]float64{0.1}, nil)
	// A critic that ignores the bound.
	stages[StageCritic] = func(_ context.Context, st State) (State, []Event, error) {
		st.Iteration++
		st.Quality = Quality{Score: 0.1, Threshold: 0.8, Decision: DecisionLoopBack, Hint: retrieval.HintNeedWeb}
		return st, nil, nil
	}
	st, events, err := runEngine(t, stages, Settings{Threshold: 0.8, MaxIterations: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, st.Iteration)
	assert.True(t, st.Degraded)
	var forced int
	for _, ev := range events {
		if ev.Type == EventDecision && ev.Payload["reasoning"] == "iteration limit reached" {
			forced++
		}
	}
	assert.Equal(t, 1, forced)
}

func TestEngineStageFailureSkipsResponder(t *testing.T) {
	var calls []Stage
	stages := stubStages([]float64{0.9}, &calls)
	stages[StageGenerator] = func(_ context.Context, st State) (State, []Event, error) {
		return st, nil, &GenerationError{Format: FormatChat, Err: errors.New("empty")}
	}
	st, events, err := runEngine(t, stages, Settings{Threshold: 0.8, MaxIterations: 3})
	require.Error(t, err)

	assert.NotContains(t, calls, StageResponder)
	require.NotNil(t, st.Error)
	assert.Equal(t, KindGeneration, st.Error.Kind)
	assert.Equal(t, StageGenerator, st.Error.Stage)
	assert.Empty(t, st.FinalResponse)
	for _, ev := range events {
		assert.NotEqual(t, EventFinalResponse, ev.Type)
	}
}

func TestEngineProviderExhaustionIsProviderKind(t *testing.T) {
	stages := stubStages([]float64{0.9}, nil)
	stages[StagePlanner] = func(_ context.Context, st State) (State, []Event, error) {
		return st, nil, &llm.ProviderError{Provider: llm.ProviderOllama, Kind: llm.KindUnavailable, Err: errors.New("connection refused")}
	}
	st, _, err := runEngine(t, stages, Settings{Threshold: 0.8, MaxIterations: 3})
	require.Error(t, err)
	assert.Equal(t, KindProvider, st.Error.Kind)
	assert.Equal(t, KindProvider, KindOf(err))
}

func TestEngineRejectsPlanMutation(t *testing.T) {
	stages := stubStages([]float64{0.9}, nil)
	stages[StageAnalyzer] = func(_ context.Context, st State) (State, []Event, error) {
		st.Plan.Strategy = retrieval.StrategyWebOnly
		return st, nil, nil
	}
	st, _, err := runEngine(t, stages, Settings{Threshold: 0.8, MaxIterations: 3})
	require.Error(t, err)
	assert.Equal(t, KindInternal, st.Error.Kind)
	assert.Contains(t, err.Error(), "modified the plan")
}

func TestEngineRejectsRecordRemoval(t *testing.T) {
	stages := stubStages([]float64{0.9}, nil)
	stages[StageRetriever] = func(_ context.Context, st State) (State, []Event, error) {
		st.RetrievedData[retrieval.SourceWeb] = []retrieval.Record{{URL: "https://a"}}
		return st, nil, nil
	}
	stages[StageAnalyzer] = func(_ context.Context, st State) (State, []Event, error) {
		delete(st.RetrievedData, retrieval.SourceWeb)
		return st, nil, nil
	}
	_, _, err := runEngine(t, stages, Settings{Threshold: 0.8, MaxIterations: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "removed")
}

func TestEngineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stages := stubStages([]float64{0.9}, nil)
	stages[StageRetriever] = func(ctx context.Context, st State) (State, []Event, error) {
		cancel()
		return st, nil, ctx.Err()
	}
	engine, err := NewEngine(stages, zaptest.NewLogger(t))
	require.NoError(t, err)

	st, err := engine.Run(ctx, NewState("s-1", "q", Settings{Threshold: 0.8, MaxIterations: 3}), Hooks{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, KindCancelled, st.Error.Kind)
}

func TestEngineEventOrder(t *testing.T) {
	_, events, err := runEngine(t, stubStages([]float64{0.5, 0.9}, nil), Settings{Threshold: 0.8, MaxIterations: 3})
	require.NoError(t, err)

	var got []string
	for _, ev := range events {
		if ev.Type == EventNodeStart {
			got = append(got, ev.NodeName)
		}
	}
	assert.Equal(t, []string{"planner", "retriever", "analyzer", "critic", "retriever", "analyzer", "critic", "generator", "responder"}, got)
	last := events[len(events)-1]
	assert.Equal(t, EventNodeComplete, last.Type)
	assert.Equal(t, "responder", last.NodeName)
}

func TestEngineSnapshots(t *testing.T) {
	engine, err := NewEngine(stubStages([]float64{0.5, 0.9}, nil), zaptest.NewLogger(t))
	require.NoError(t, err)
	var stages []Stage
	var maxIter int
	_, err = engine.Run(context.Background(), NewState("s-1", "q", Settings{Threshold: 0.8, MaxIterations: 3}), Hooks{
		Snapshot: func(st State) {
			stages = append(stages, st.Stage)
			if st.Iteration > maxIter {
				maxIter = st.Iteration
			}
			assert.LessOrEqual(t, st.Iteration, st.Settings.MaxIterations)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StageDone, stages[len(stages)-1])
	assert.Equal(t, 2, maxIter)
}

func TestEnginePublishErrorFailsRun(t *testing.T) {
	engine, err := NewEngine(stubStages([]float64{0.9}, nil), zaptest.NewLogger(t))
	require.NoError(t, err)
	boom := errors.New("bus closed")
	st, err := engine.Run(context.Background(), NewState("s-1", "q", Settings{Threshold: 0.8, MaxIterations: 3}), Hooks{
		Publish: func(context.Context, Event) error { return boom },
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StagePlanner, st.Error.Stage)
}
