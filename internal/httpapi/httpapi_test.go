package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-copilot/internal/artifacts"
	"github.com/Kocoro-lab/research-copilot/internal/auth"
	"github.com/Kocoro-lab/research-copilot/internal/health"
	"github.com/Kocoro-lab/research-copilot/internal/research"
	"github.com/Kocoro-lab/research-copilot/internal/server"
	"github.com/Kocoro-lab/research-copilot/internal/session"
	"github.com/Kocoro-lab/research-copilot/internal/streaming"
)

type runFunc func(ctx context.Context, st research.State, hooks research.Hooks) (research.State, error)

func (f runFunc) Run(ctx context.Context, st research.State, hooks research.Hooks) (research.State, error) {
	return f(ctx, st, hooks)
}

func answer(ctx context.Context, st research.State, hooks research.Hooks) (research.State, error) {
	for _, stage := range []string{"planner", "responder"} {
		if err := hooks.Publish(ctx, research.Event{Type: research.EventNodeStart, NodeName: stage}); err != nil {
			return st, err
		}
	}
	st.FinalResponse = "Acme leads."
	st.SourcesUsed = []string{"graph"}
	st.Stage = research.StageDone
	return st, nil
}

type artifactMap map[string]artifacts.Artifact

func (m artifactMap) Get(_ context.Context, ref string) (artifacts.Artifact, error) {
	a, ok := m[ref]
	if !ok {
		return artifacts.Artifact{}, research.ErrArtifactNotFound
	}
	if a.ExpiresAt.Before(time.Now()) {
		return artifacts.Artifact{}, research.ErrArtifactExpired
	}
	return a, nil
}

func (m artifactMap) DeleteSession(context.Context, string) error  { return nil }
func (m artifactMap) DeleteExpired(context.Context) (int64, error) { return 0, nil }

type fixture struct {
	srv *httptest.Server
	svc *server.Service
}

func newFixture(t *testing.T, runner server.Runner, authCfg *auth.Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := artifactMap{
		"live": {Ref: "live", Filename: "acme-slides.md", Content: "# Acme\n", ContentType: artifacts.ContentTypeMarkdown, ExpiresAt: time.Now().Add(time.Hour)},
		"old":  {Ref: "old", Filename: "old.md", Content: "x", ContentType: artifacts.ContentTypeMarkdown, ExpiresAt: time.Now().Add(-time.Hour)},
	}
	sessions := session.NewManager(session.Config{}, nil, logger)
	buses := streaming.NewManager(streaming.Config{Buffer: 8, PublishTimeout: time.Second}, logger)
	svc := server.NewService(runner, sessions, buses, store, nil, server.Options{
		Defaults: research.Settings{Threshold: 0.8, MaxIterations: 3},
	}, logger)

	var mw *auth.Middleware
	if authCfg != nil {
		mw = auth.NewMiddleware(*authCfg, logger)
	}
	srv := httptest.NewServer(NewRouter(svc, mw, health.NewManager(logger), logger))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &fixture{srv: srv, svc: svc}
}

func (f *fixture) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (f *fixture) submit(t *testing.T) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/query", `{"query":"Compare Acme and Globex","max_iterations":2}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func (f *fixture) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.svc.Wait(ctx, id)
	require.NoError(t, err)
}

func TestSubmitAndStatus(t *testing.T) {
	f := newFixture(t, runFunc(answer), nil)

	resp, body := f.do(t, http.MethodPost, "/api/query", `{"query":"Compare Acme and Globex","llm_provider":"groq"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["session_id"].(string)
	assert.Equal(t, "/api/stream/"+id, body["stream_url"])
	assert.Equal(t, "Compare Acme and Globex", body["query"])
	assert.Equal(t, "/api/session/"+id, resp.Header.Get("Location"))

	f.wait(t, id)
	resp, body = f.do(t, http.MethodGet, "/api/session/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Equal(t, "Acme leads.", body["final_response"])
	assert.NotContains(t, body, "error")
}

func TestErrorResponses(t *testing.T) {
	f := newFixture(t, runFunc(answer), nil)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		kind   string
	}{
		{name: "empty query", method: http.MethodPost, path: "/api/query", body: `{"query":""}`, code: 400, kind: "validation"},
		{name: "bad provider", method: http.MethodPost, path: "/api/query", body: `{"query":"q","llm_provider":"x"}`, code: 400, kind: "validation"},
		{name: "too many iterations", method: http.MethodPost, path: "/api/query", body: `{"query":"q","max_iterations":9}`, code: 400, kind: "validation"},
		{name: "malformed json", method: http.MethodPost, path: "/api/query", body: `{"query":`, code: 400, kind: "validation"},
		{name: "empty body", method: http.MethodPost, path: "/api/query", body: ``, code: 400, kind: "validation"},
		{name: "unknown session", method: http.MethodGet, path: "/api/session/nope", code: 404, kind: "not_found"},
		{name: "cancel unknown", method: http.MethodPost, path: "/api/session/nope/cancel", code: 404, kind: "not_found"},
		{name: "stream unknown", method: http.MethodGet, path: "/api/stream/nope", code: 404, kind: "not_found"},
		{name: "unknown artifact", method: http.MethodGet, path: "/api/download/nope", code: 404, kind: "not_found"},
		{name: "expired artifact", method: http.MethodGet, path: "/api/download/old", code: 404, kind: "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.kind, body["kind"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, runFunc(func(ctx context.Context, st research.State, _ research.Hooks) (research.State, error) {
		close(started)
		<-ctx.Done()
		st.Error = &research.Failure{Kind: research.KindCancelled, Message: research.ErrCancelled.Error()}
		return st, research.ErrCancelled
	}), nil)
	id := f.submit(t)
	<-started

	for i := 0; i < 2; i++ {
		resp, body := f.do(t, http.MethodPost, "/api/session/"+id+"/cancel", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "FAILED", body["status"])
		assert.Equal(t, "cancelled", body["error"].(map[string]any)["kind"])
	}
}

func TestDownload(t *testing.T) {
	f := newFixture(t, runFunc(answer), nil)
	resp, err := http.Get(f.srv.URL + "/api/download/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, artifacts.ContentTypeMarkdown, resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="acme-slides.md"`, resp.Header.Get("Content-Disposition"))
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readSSE(t *testing.T, url string, header http.Header) []sseEvent {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func TestSSEStreamAndReplay(t *testing.T) {
	f := newFixture(t, runFunc(answer), nil)
	id := f.submit(t)
	f.wait(t, id)

	events := readSSE(t, f.srv.URL+"/api/stream/"+id, nil)
	require.Len(t, events, 4)
	assert.Equal(t, []string{"start", "node_start", "node_start", "complete"},
		[]string{events[0].event, events[1].event, events[2].event, events[3].event})
	for i, ev := range events {
		assert.Equal(t, strconv.Itoa(i+1), ev.id)
	}
	var last map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[3].data), &last))
	assert.Equal(t, "complete", last["type"])
	assert.Equal(t, id, last["session_id"])
	assert.Equal(t, "COMPLETED", last["status"])

	replay := readSSE(t, f.srv.URL+"/api/stream/"+id, http.Header{"Last-Event-Id": {"2"}})
	require.Len(t, replay, 2)
	assert.Equal(t, "3", replay[0].id)
}

func TestSSEHeartbeat(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, runFunc(func(ctx context.Context, st research.State, hooks research.Hooks) (research.State, error) {
		select {
		case <-release:
			return answer(ctx, st, hooks)
		case <-ctx.Done():
			return st, research.ErrCancelled
		}
	}), nil)
	h := NewStreamingHandler(f.svc, zaptest.NewLogger(t))
	h.heartbeat = 10 * time.Millisecond
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	id := f.submit(t)
	resp, err := http.Get(srv.URL + "/api/stream/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sawPing := false
	for sc.Scan() {
		if sc.Text() == ": ping" {
			sawPing = true
			close(release)
			break
		}
	}
	assert.True(t, sawPing)
	for sc.Scan() {
	}
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t, runFunc(answer), nil)
	id := f.submit(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var types []string
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected close: %v", err)
			break
		}
		types = append(types, ev["type"].(string))
	}
	assert.Equal(t, []string{"start", "node_start", "node_start", "complete"}, types)
}

func TestAuthentication(t *testing.T) {
	hash, err := auth.HashAPIKey("rk_test")
	require.NoError(t, err)
	f := newFixture(t, runFunc(answer), &auth.Config{Enabled: true, JWTSecret: "secret", APIKeyHashes: []string{hash}})

	resp, body := f.do(t, http.MethodPost, "/api/query", `{"query":"q"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["kind"])

	resp, _ = f.do(t, http.MethodPost, "/api/query", `{"query":"q"}`, http.Header{"X-Api-Key": {"rk_test"}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	readOnly, err := auth.NewJWTManager("secret", time.Hour).Issue("viewer", []string{auth.ScopeResearchRead})
	require.NoError(t, err)
	resp, body = f.do(t, http.MethodPost, "/api/query", `{"query":"q"}`, http.Header{"Authorization": {"Bearer " + readOnly}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["kind"])

	resp, _ = f.do(t, http.MethodGet, "/api/session/nope", "", http.Header{"Authorization": {"Bearer " + readOnly}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, path := range []string{"/health", "/health/live", "/metrics"} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
