package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "research-copilot"

// JWTManager issues and validates HS256 bearer tokens.
type JWTManager struct {
	signingKey []byte
	expiry     time.Duration
	issuer     string
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(signingKey string, expiry time.Duration) *JWTManager {
	if expiry == 0 {
		expiry = 24 * time.Hour
	}
	return &JWTManager{signingKey: []byte(signingKey), expiry: expiry, issuer: issuer}
}

// CustomClaims represents the custom JWT claims
type CustomClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Issue mints a token for subject.
func (j *JWTManager) Issue(subject string, scopes []string) (string, error) {
	if len(j.signingKey) == 0 {
		return "", fmt.Errorf("no signing key configured")
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.signingKey)
}

// Validate parses a token and returns its principal.
func (j *JWTManager) Validate(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	}, jwt.WithIssuer(j.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Principal{Subject: claims.Subject, Scopes: claims.Scopes, Method: "jwt"}, nil
}

// ExtractBearerToken extracts the token from Authorization header
func ExtractBearerToken(authHeader string) (string, error) {
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return strings.TrimSpace(authHeader[len(prefix):]), nil
}
