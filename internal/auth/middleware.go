package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Config controls request authentication.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	JWTSecret    string   `mapstructure:"jwt_secret"`
	APIKeyHashes []string `mapstructure:"api_key_hashes"`
}

// Middleware authenticates HTTP requests with a bearer JWT or an API key.
type Middleware struct {
	enabled bool
	jwt     *JWTManager
	keys    *KeySet
	logger  *zap.Logger
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(cfg Config, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		enabled: cfg.Enabled,
		jwt:     NewJWTManager(cfg.JWTSecret, 0),
		keys:    NewKeySet(cfg.APIKeyHashes),
		logger:  logger,
	}
}

// exempt paths never require credentials.
func exempt(path string) bool {
	return path == "/metrics" || path == "/health" || strings.HasPrefix(path, "/health/")
}

// streaming paths accept ?token= since browser EventSource cannot set headers.
func streaming(path string) bool {
	return strings.HasPrefix(path, "/api/stream/") || strings.HasPrefix(path, "/api/ws/")
}

// HTTPMiddleware provides HTTP authentication middleware
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			ctx := WithPrincipal(r.Context(), &Principal{Subject: "anonymous", Scopes: DefaultScopes, Method: "anonymous"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		p, err := m.authenticate(r)
		if err != nil {
			m.logger.Debug("Request rejected", zap.String("path", r.URL.Path), zap.Error(err))
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*Principal, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, err := ExtractBearerToken(h)
		if err != nil {
			return nil, ErrInvalidToken
		}
		return m.jwt.Validate(token)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return m.keys.Validate(key)
	}
	if streaming(r.URL.Path) {
		if token := r.URL.Query().Get("token"); token != "" {
			if p, err := m.jwt.Validate(token); err == nil {
				return p, nil
			}
			return m.keys.Validate(token)
		}
	}
	return nil, ErrMissingCredentials
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="research"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": "unauthorized"})
}
