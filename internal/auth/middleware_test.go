package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const secret = "test-secret"

func echoPrincipal(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if ok {
			w.Header().Set("X-Subject", p.Subject)
			w.Header().Set("X-Method", p.Method)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	hash, err := HashAPIKey(key)
	require.NoError(t, err)

	token, err := NewJWTManager(secret, time.Hour).Issue("alice", nil)
	require.NoError(t, err)
	wrongKeyToken, err := NewJWTManager("other", time.Hour).Issue("mallory", nil)
	require.NoError(t, err)

	h := NewMiddleware(Config{Enabled: true, JWTSecret: secret, APIKeyHashes: []string{hash}}, zaptest.NewLogger(t)).
		HTTPMiddleware(echoPrincipal(t))

	tests := []struct {
		name       string
		path       string
		header     map[string]string
		wantStatus int
		wantMethod string
	}{
		{name: "bearer token", path: "/api/query", header: map[string]string{"Authorization": "Bearer " + token}, wantStatus: 200, wantMethod: "jwt"},
		{name: "api key", path: "/api/query", header: map[string]string{"X-API-Key": key}, wantStatus: 200, wantMethod: "api_key"},
		{name: "stream query token", path: "/api/stream/s1?token=" + token, wantStatus: 200, wantMethod: "jwt"},
		{name: "stream query key", path: "/api/ws/s1?token=" + key, wantStatus: 200, wantMethod: "api_key"},
		{name: "query token outside streams", path: "/api/session/s1?token=" + token, wantStatus: 401},
		{name: "wrong signing key", path: "/api/query", header: map[string]string{"Authorization": "Bearer " + wrongKeyToken}, wantStatus: 401},
		{name: "wrong api key", path: "/api/query", header: map[string]string{"X-API-Key": "rk_nope"}, wantStatus: 401},
		{name: "malformed header", path: "/api/query", header: map[string]string{"Authorization": "Basic abc"}, wantStatus: 401},
		{name: "no credentials", path: "/api/query", wantStatus: 401},
		{name: "health exempt", path: "/health/ready", wantStatus: 200},
		{name: "metrics exempt", path: "/metrics", wantStatus: 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantMethod != "" {
				assert.Equal(t, tt.wantMethod, rec.Header().Get("X-Method"))
			}
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"kind":"unauthorized"`)
			}
		})
	}
}

func TestMiddlewareDisabledAttachesAnonymous(t *testing.T) {
	h := NewMiddleware(Config{}, nil).HTTPMiddleware(echoPrincipal(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/query", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Header().Get("X-Subject"))
}

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager(secret, time.Hour)
	token, err := m.Issue("bob", []string{ScopeResearchRead})
	require.NoError(t, err)
	p, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Subject)
	assert.True(t, p.HasScope(ScopeResearchRead))
	assert.False(t, p.HasScope(ScopeResearchWrite))

	expired, err := NewJWTManager(secret, -time.Minute).Issue("bob", nil)
	require.NoError(t, err)
	_, err = m.Validate(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueWithoutSecret(t *testing.T) {
	_, err := NewJWTManager("", time.Hour).Issue("x", nil)
	assert.Error(t, err)
}
