package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyPrefix = "rk_"

// KeySet validates API keys against a list of bcrypt hashes.
type KeySet struct {
	hashes [][]byte
}

// NewKeySet ignores empty entries.
func NewKeySet(hashes []string) *KeySet {
	ks := &KeySet{}
	for _, h := range hashes {
		if h != "" {
			ks.hashes = append(ks.hashes, []byte(h))
		}
	}
	return ks
}

// Len returns the number of configured keys.
func (k *KeySet) Len() int { return len(k.hashes) }

// Validate returns the principal of a matching key. The subject is derived
// from the key so logs never carry the key itself.
func (k *KeySet) Validate(key string) (*Principal, error) {
	if key == "" {
		return nil, ErrMissingCredentials
	}
	for _, h := range k.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return &Principal{Subject: keySubject(key), Scopes: DefaultScopes, Method: "api_key"}, nil
		}
	}
	return nil, ErrInvalidAPIKey
}

// HashAPIKey returns the bcrypt hash to put in auth.api_key_hashes.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(b), nil
}

// GenerateAPIKey returns a new random key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

func keySubject(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:])[:12]
}
