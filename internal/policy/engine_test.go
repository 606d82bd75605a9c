package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaultAdmissionPolicy(t *testing.T) {
	e, err := NewOPAEngine(Config{Enabled: true}, zaptest.NewLogger(t))
	require.NoError(t, err)

	tests := []struct {
		name       string
		input      Input
		allow      bool
		wantReason string
	}{
		{name: "plain query", input: Input{Query: "Compare Acme and Globex", MaxIterations: 3}, allow: true},
		{name: "named provider", input: Input{Query: "q", Provider: "ollama", MaxIterations: 1}, allow: true},
		{name: "unknown provider", input: Input{Query: "q", Provider: "openai", MaxIterations: 3}, wantReason: `provider "openai" is not allowed`},
		{name: "too many iterations", input: Input{Query: "q", MaxIterations: 9}, wantReason: "max_iterations 9 exceeds 5"},
		{name: "blank query", input: Input{Query: "   ", MaxIterations: 3}, wantReason: "query is empty"},
		{name: "long query", input: Input{Query: strings.Repeat("a", 1001), MaxIterations: 3}, wantReason: "query exceeds 1000 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Evaluate(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.allow, d.Allow)
			if tt.wantReason != "" {
				assert.Contains(t, d.Reason, tt.wantReason)
			}
		})
	}
	assert.Positive(t, e.cache.Len())
}

func TestCustomPolicyDirectory(t *testing.T) {
	dir := t.TempDir()
	policy := `package research.admission

import future.keywords

default decision := {"allow": false, "reason": "only alice may submit"}

decision := {"allow": true, "reason": "ok"} if {
	input.subject == "alice"
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.rego"), []byte(policy), 0o644))
	e, err := NewOPAEngine(Config{Enabled: true, Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	d, err := e.Evaluate(context.Background(), Input{Query: "q", Subject: "alice"})
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = e.Evaluate(context.Background(), Input{Query: "q", Subject: "bob"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "only alice may submit", d.Reason)
}

func TestFailModes(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")

	_, err := NewOPAEngine(Config{Enabled: true, Path: missing, FailClosed: true}, zaptest.NewLogger(t))
	assert.Error(t, err)

	open, err := NewOPAEngine(Config{Enabled: true, Path: missing}, zaptest.NewLogger(t))
	require.NoError(t, err)
	d, err := open.Evaluate(context.Background(), Input{Query: "q"})
	require.NoError(t, err)
	assert.True(t, d.Allow, "fail-open admits when no policy compiled")
}

func TestDisabledEngineAdmits(t *testing.T) {
	e, err := NewOPAEngine(Config{}, nil)
	require.NoError(t, err)
	assert.False(t, e.Enabled())
	d, err := e.Evaluate(context.Background(), Input{Provider: "anything", MaxIterations: 99})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}
