package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-copilot/internal/artifacts"
	"github.com/Kocoro-lab/research-copilot/internal/auth"
	"github.com/Kocoro-lab/research-copilot/internal/policy"
	"github.com/Kocoro-lab/research-copilot/internal/research"
	"github.com/Kocoro-lab/research-copilot/internal/session"
	"github.com/Kocoro-lab/research-copilot/internal/streaming"
)

type runFunc func(ctx context.Context, st research.State, hooks research.Hooks) (research.State, error)

func (f runFunc) Run(ctx context.Context, st research.State, hooks research.Hooks) (research.State, error) {
	return f(ctx, st, hooks)
}

func answering(ctx context.Context, st research.State, hooks research.Hooks) (research.State, error) {
	st.Stage = research.StageResponder
	if err := hooks.Publish(ctx, research.Event{Type: research.EventNodeStart, NodeName: "responder", Message: "Responding"}); err != nil {
		return st, err
	}
	st.FinalResponse = "Acme leads on margin."
	st.SourcesUsed = []string{"web_search"}
	st.Quality.Score = 0.9
	st.Iteration = 1
	st.Stage = research.StageDone
	return st, nil
}

type fakeAdmitter struct {
	decision policy.Decision
	err      error
	got      policy.Input
}

func (f *fakeAdmitter) Evaluate(_ context.Context, in policy.Input) (policy.Decision, error) {
	f.got = in
	return f.decision, f.err
}

type fakeArtifacts struct {
	mu      sync.Mutex
	items   map[string]artifacts.Artifact
	deleted []string
}

func (f *fakeArtifacts) Get(_ context.Context, ref string) (artifacts.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.items[ref]
	if !ok {
		return artifacts.Artifact{}, research.ErrArtifactNotFound
	}
	return a, nil
}

func (f *fakeArtifacts) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeArtifacts) DeleteExpired(context.Context) (int64, error) { return 0, nil }

func newTestService(t *testing.T, runner Runner, admitter Admitter, store ArtifactStore) (*Service, *session.Manager, *streaming.Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sessions := session.NewManager(session.Config{}, nil, logger)
	buses := streaming.NewManager(streaming.Config{Buffer: 8, PublishTimeout: time.Second}, logger)
	svc := NewService(runner, sessions, buses, store, admitter, Options{
		Defaults:      research.Settings{Threshold: 0.8, MaxIterations: 3},
		PublicBaseURL: "http://localhost:8081/",
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, sessions, buses
}

func eventTypes(events []streaming.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func waitDone(t *testing.T, svc *Service, id string) StatusView {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	return view
}

func TestSubmitRunsToCompletion(t *testing.T) {
	svc, _, buses := newTestService(t, runFunc(answering), nil, nil)

	res, err := svc.Submit(context.Background(), SubmitRequest{Query: "  Compare Acme and Globex  "})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "Compare Acme and Globex", res.Query)
	assert.Equal(t, "http://localhost:8081/api/stream/"+res.SessionID, res.StreamURL)

	view := waitDone(t, svc, res.SessionID)
	assert.Equal(t, session.StatusCompleted, view.Status)
	assert.Equal(t, "Acme leads on margin.", view.FinalResponse)
	assert.Equal(t, []string{"web_search"}, view.SourcesUsed)
	assert.Nil(t, view.Error)

	bus, ok := buses.Get(res.SessionID)
	require.True(t, ok)
	assert.True(t, bus.Closed())
	events := bus.Events()
	assert.Equal(t, []string{"start", "node_start", "complete"}, eventTypes(events))
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.ID)
	}
	last := events[len(events)-1]
	assert.Equal(t, "COMPLETED", last.Payload["status"])
	assert.Equal(t, res.SessionID, last.Payload["session_id"])
}

func TestSubmitTwiceGivesDistinctSessions(t *testing.T) {
	svc, _, _ := newTestService(t, runFunc(answering), nil, nil)
	a, err := svc.Submit(context.Background(), SubmitRequest{Query: "same question"})
	require.NoError(t, err)
	b, err := svc.Submit(context.Background(), SubmitRequest{Query: "same question"})
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Equal(t, session.StatusCompleted, waitDone(t, svc, a.SessionID).Status)
	assert.Equal(t, session.StatusCompleted, waitDone(t, svc, b.SessionID).Status)
}

func TestSubmitValidation(t *testing.T) {
	svc, sessions, _ := newTestService(t, runFunc(answering), nil, nil)
	tests := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{name: "empty query", req: SubmitRequest{Query: "   "}, field: "query"},
		{name: "long query", req: SubmitRequest{Query: strings.Repeat("x", 1001)}, field: "query"},
		{name: "unknown provider", req: SubmitRequest{Query: "q", Provider: "openai"}, field: "llm_provider"},
		{name: "iterations above bound", req: SubmitRequest{Query: "q", MaxIterations: 6}, field: "max_iterations"},
		{name: "negative iterations", req: SubmitRequest{Query: "q", MaxIterations: -1}, field: "max_iterations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, research.ErrValidation)
			var ve *research.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Zero(t, sessions.Len())
}

func TestSubmitOverridesApplied(t *testing.T) {
	got := make(chan research.Settings, 1)
	runner := runFunc(func(ctx context.Context, st research.State, hooks research.Hooks) (research.State, error) {
		got <- st.Settings
		return answering(ctx, st, hooks)
	})
	svc, _, _ := newTestService(t, runner, nil, nil)

	svc.Configure(Options{Defaults: research.Settings{Threshold: 0.6, MaxIterations: 2, CallTimeout: 5 * time.Second}})
	res, err := svc.Submit(context.Background(), SubmitRequest{Query: "q", Provider: "Ollama", MaxIterations: 4})
	require.NoError(t, err)
	settings := <-got
	assert.Equal(t, research.Settings{Threshold: 0.6, MaxIterations: 4, Provider: "ollama", CallTimeout: 5 * time.Second}, settings)
	waitDone(t, svc, res.SessionID)
}

func TestPolicyDenial(t *testing.T) {
	admitter := &fakeAdmitter{decision: policy.Decision{Allow: false, Reason: "max_iterations 4 exceeds 3"}}
	svc, sessions, _ := newTestService(t, runFunc(answering), admitter, nil)

	ctx := auth.WithPrincipal(context.Background(), &auth.Principal{Subject: "alice"})
	_, err := svc.Submit(ctx, SubmitRequest{Query: "q", MaxIterations: 4})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrForbidden)
	var pe *PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "max_iterations 4 exceeds 3", pe.Reason)
	assert.Equal(t, policy.Input{Query: "q", MaxIterations: 4, Subject: "alice"}, admitter.got)
	assert.Zero(t, sessions.Len())

	admitter.decision = policy.Decision{Allow: true}
	admitter.err = errors.New("evaluation failed")
	res, err := svc.Submit(ctx, SubmitRequest{Query: "q"})
	require.NoError(t, err, "a fail-open error still admits")
	waitDone(t, svc, res.SessionID)
}

func TestRunFailureEmitsErrorEvent(t *testing.T) {
	runner := runFunc(func(_ context.Context, st research.State, _ research.Hooks) (research.State, error) {
		err := &research.StageError{Stage: research.StageGenerator, Err: &research.GenerationError{Format: research.FormatSlides, Err: errors.New("empty outline")}}
		st.Stage = research.StageGenerator
		st.Error = &research.Failure{Kind: research.KindGeneration, Stage: research.StageGenerator, Message: err.Error()}
		return st, err
	})
	svc, _, buses := newTestService(t, runner, nil, nil)

	res, err := svc.Submit(context.Background(), SubmitRequest{Query: "Build a deck on Acme"})
	require.NoError(t, err)
	view := waitDone(t, svc, res.SessionID)
	assert.Equal(t, session.StatusFailed, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, research.KindGeneration, view.Error.Kind)
	assert.Empty(t, view.FinalResponse)

	bus, _ := buses.Get(res.SessionID)
	events := bus.Events()
	last := events[len(events)-1]
	assert.Equal(t, streaming.TypeError, last.Type)
	assert.Equal(t, "generation", last.Payload["kind"])
	assert.NotContains(t, eventTypes(events), "complete")
}

func TestRunPanicFailsSession(t *testing.T) {
	runner := runFunc(func(context.Context, research.State, research.Hooks) (research.State, error) {
		panic("stage bug")
	})
	svc, _, _ := newTestService(t, runner, nil, nil)
	res, err := svc.Submit(context.Background(), SubmitRequest{Query: "q"})
	require.NoError(t, err)
	view := waitDone(t, svc, res.SessionID)
	assert.Equal(t, session.StatusFailed, view.Status)
	assert.Equal(t, research.KindInternal, view.Error.Kind)
}

// blocking waits for cancellation the way the engine does at a suspension point.
func blocking(started chan<- struct{}) runFunc {
	return func(ctx context.Context, st research.State, _ research.Hooks) (research.State, error) {
		close(started)
		<-ctx.Done()
		st.Error = &research.Failure{Kind: research.KindCancelled, Stage: research.StageRetriever, Message: research.ErrCancelled.Error()}
		return st, research.ErrCancelled
	}
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	svc, _, buses := newTestService(t, blocking(started), nil, nil)

	res, err := svc.Submit(context.Background(), SubmitRequest{Query: "q"})
	require.NoError(t, err)
	<-started

	view, err := svc.Cancel(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, view.Status)
	assert.Equal(t, research.KindCancelled, view.Error.Kind)

	final := waitDone(t, svc, res.SessionID)
	assert.Equal(t, session.StatusFailed, final.Status)
	assert.Equal(t, research.KindCancelled, final.Error.Kind)

	again, err := svc.Cancel(context.Background(), res.SessionID)
	require.NoError(t, err, "cancel is idempotent")
	assert.Equal(t, session.StatusFailed, again.Status)

	bus, _ := buses.Get(res.SessionID)
	events := bus.Events()
	last := events[len(events)-1]
	assert.Equal(t, streaming.TypeError, last.Type)
	assert.Equal(t, "cancelled", last.Payload["kind"])

	_, err = svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, research.ErrSessionNotFound)
}

func TestCancelCompletedSessionKeepsResult(t *testing.T) {
	svc, _, _ := newTestService(t, runFunc(answering), nil, nil)
	res, err := svc.Submit(context.Background(), SubmitRequest{Query: "q"})
	require.NoError(t, err)
	waitDone(t, svc, res.SessionID)

	view, err := svc.Cancel(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, view.Status)
	assert.Equal(t, "Acme leads on margin.", view.FinalResponse)
}

func TestStatusUnknownSession(t *testing.T) {
	svc, _, _ := newTestService(t, runFunc(answering), nil, nil)
	_, err := svc.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, research.ErrSessionNotFound)
	_, err = svc.Events(context.Background(), "nope")
	assert.ErrorIs(t, err, research.ErrSessionNotFound)
}

func TestFetchArtifact(t *testing.T) {
	store := &fakeArtifacts{items: map[string]artifacts.Artifact{
		"ref-1": {Ref: "ref-1", Filename: "acme-slides.md", Content: "# Acme"},
	}}
	svc, _, _ := newTestService(t, runFunc(answering), nil, store)

	a, err := svc.FetchArtifact(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "acme-slides.md", a.Filename)

	_, err = svc.FetchArtifact(context.Background(), "ref-2")
	assert.ErrorIs(t, err, research.ErrArtifactNotFound)
	_, err = svc.FetchArtifact(context.Background(), " ")
	assert.ErrorIs(t, err, research.ErrArtifactNotFound)
	assert.Equal(t, "http://localhost:8081/api/download/ref-1", svc.DownloadURL("ref-1"))
}

func TestShutdownCancelsStragglers(t *testing.T) {
	started := make(chan struct{})
	svc, _, _ := newTestService(t, blocking(started), nil, nil)
	res, err := svc.Submit(context.Background(), SubmitRequest{Query: "q"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Shutdown(ctx), context.DeadlineExceeded)

	view, err := svc.Status(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, view.Status)
	assert.Equal(t, research.KindCancelled, view.Error.Kind)

	_, err = svc.Submit(context.Background(), SubmitRequest{Query: "late"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
