package auth

import (
	"context"
	"errors"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidAPIKey      = errors.New("invalid API key")
)

// Scopes carried by issued tokens
const (
	ScopeResearchRead  = "research:read"
	ScopeResearchWrite = "research:write"
)

// DefaultScopes are granted to API-key callers and to tokens minted without
// explicit scopes.
var DefaultScopes = []string{ScopeResearchRead, ScopeResearchWrite}

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
	// Method is "jwt", "api_key" or "anonymous".
	Method string `json:"method"`
}

// HasScope reports whether the principal was granted scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ContextKey is the key type for context values
type ContextKey string

// PrincipalContextKey is the context key for the authenticated caller
const PrincipalContextKey ContextKey = "principal"

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// PrincipalFrom returns the caller attached by the middleware, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	return p, ok && p != nil
}
