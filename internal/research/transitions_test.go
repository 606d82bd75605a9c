package research

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/research-copilot/internal/llm"
	"github.com/Kocoro-lab/research-copilot/internal/retrieval"
)

func TestNext(t *testing.T) {
	cases := []struct {
		from     Stage
		decision Decision
		want     Stage
	}{
		{StagePlanner, DecisionNone, StageRetriever},
		{StageRetriever, DecisionNone, StageAnalyzer},
		{StageAnalyzer, DecisionNone, StageCritic},
		{StageCritic, DecisionLoopBack, StageRetriever},
		{StageCritic, DecisionContinue, StageGenerator},
		{StageGenerator, DecisionNone, StageResponder},
		{StageResponder, DecisionNone, StageDone},
		// Decisions only route the Critic.
		{StagePlanner, DecisionLoopBack, StageRetriever},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.decision)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s/%s", tc.from, tc.decision)
	}
}

func TestNextRejectsIllegalMoves(t *testing.T) {
	for _, tc := range []struct {
		from     Stage
		decision Decision
	}{
		{StageCritic, DecisionNone},
		{StageDone, DecisionNone},
		{Stage("UNKNOWN"), DecisionNone},
	} {
		_, err := Next(tc.from, tc.decision)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		score     float64
		iteration int
		max       int
		want      Decision
	}{
		{0.72, 1, 3, DecisionLoopBack},
		{0.89, 2, 3, DecisionContinue},
		{0.5, 3, 3, DecisionContinue},
		{0.8, 1, 3, DecisionContinue},
		{0.1, 1, 1, DecisionContinue},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Decide(tc.score, 0.8, tc.iteration, tc.max), "score=%v iteration=%d", tc.score, tc.iteration)
	}
}

func TestEffectiveThreshold(t *testing.T) {
	assert.Equal(t, 0.8, EffectiveThreshold(0.6, QueryStrategic))
	assert.Equal(t, 0.9, EffectiveThreshold(0.9, QueryStrategic))
	assert.Equal(t, 0.7, EffectiveThreshold(0.8, QueryFactual))
	assert.Equal(t, 0.5, EffectiveThreshold(0.5, QueryFactual))
	assert.Equal(t, 0.8, EffectiveThreshold(0.8, QueryFinancial))
	assert.Equal(t, 0.75, EffectiveThreshold(0.6, QueryFinancial))
	assert.Equal(t, 0.8, EffectiveThreshold(0.8, QueryComparative))
}

func TestKindOf(t *testing.T) {
	pe := &llm.ProviderError{Provider: llm.ProviderGroq, Kind: llm.KindRateLimited, Err: errors.New("429")}
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{&ValidationError{Field: "query", Reason: "empty"}, KindValidation},
		{fmt.Errorf("lookup: %w", ErrSessionNotFound), KindNotFound},
		{ErrArtifactExpired, KindNotFound},
		{&StageError{Stage: StagePlanner, Err: pe}, KindProvider},
		{&StageError{Stage: StageGenerator, Err: &GenerationError{Format: FormatChat, Err: pe}}, KindGeneration},
		{&retrieval.SourceError{Source: retrieval.SourceWeb, Err: errors.New("x")}, KindRetrieval},
		{fmt.Errorf("%w: stop", ErrCancelled), KindCancelled},
		{context.Canceled, KindCancelled},
		{context.DeadlineExceeded, KindProvider},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err), "%v", tc.err)
	}
}

func TestFailureOfCarriesStage(t *testing.T) {
	f := failureOf(&StageError{Stage: StageCritic, Err: errors.New("boom")})
	assert.Equal(t, StageCritic, f.Stage)
	assert.Equal(t, KindInternal, f.Kind)
	assert.Equal(t, "critic: boom", f.Message)
}
