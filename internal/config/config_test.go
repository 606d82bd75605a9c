package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(body), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 0.8, cfg.Research.QualityThreshold)
	assert.Equal(t, 3, cfg.Research.MaxIterations)
	assert.Equal(t, 60*time.Second, cfg.Research.CallTimeout)
	assert.Equal(t, time.Hour, cfg.Session.ArtifactTTL)
	assert.Equal(t, "groq", cfg.LLM.Primary)
	assert.Equal(t, "ollama", cfg.LLM.Fallback)
	assert.Equal(t, "sqlite3", cfg.Artifacts.Driver)
	assert.Equal(t, "document_embeddings", cfg.Retrieval.Vector.Collection)
	assert.Equal(t, "research-copilot", cfg.Tracing.ServiceName)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
research:
  quality_threshold: 0.7
  max_iterations: 2
  call_timeout: 30s
llm:
  primary: ollama
  fallback: groq
session:
  artifact_ttl: 2h
`)
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("RESEARCH_SERVER_PORT", "9000")
	t.Setenv("REDIS_ADDR", "localhost:6380")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.Research.QualityThreshold)
	assert.Equal(t, 2, cfg.Research.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Research.CallTimeout)
	assert.Equal(t, "ollama", cfg.LLM.Primary)
	assert.Equal(t, 2*time.Hour, cfg.Session.ArtifactTTL)
	assert.Equal(t, "gsk-test", cfg.LLM.Groq.APIKey)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "localhost:6380", cfg.Session.RedisAddr)
	assert.Equal(t, "localhost:6380", cfg.Retrieval.Cache.RedisAddr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "iterations above bound", body: "research:\n  max_iterations: 6\n"},
		{name: "threshold above one", body: "research:\n  quality_threshold: 1.5\n"},
		{name: "unknown provider", body: "llm:\n  primary: openai\n"},
		{name: "auth without secrets", body: "auth:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.body)
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestManagerHotReload(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "research:\n  quality_threshold: 0.8\n")

	m, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	changed := make(chan *Config, 16)
	m.RegisterHandler(func(_, updated *Config) error {
		select {
		case changed <- updated:
		default:
		}
		return nil
	})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	writeConfig(t, dir, "research:\n  quality_threshold: 0.65\n")
	select {
	case cfg := <-changed:
		assert.Equal(t, 0.65, cfg.Research.QualityThreshold)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	assert.Equal(t, 0.65, m.Current().Research.QualityThreshold)
}

func TestManagerRejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "research:\n  max_iterations: 3\n")
	m, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.RegisterValidator(func(c *Config) error {
		if c.Research.MaxIterations == 4 {
			return assert.AnError
		}
		return nil
	})

	writeConfig(t, dir, "research:\n  max_iterations: 9\n")
	assert.Error(t, m.Reload())
	writeConfig(t, dir, "research:\n  max_iterations: 4\n")
	assert.ErrorIs(t, m.Reload(), assert.AnError)
	assert.Equal(t, 3, m.Current().Research.MaxIterations)

	writeConfig(t, dir, "research:\n  max_iterations: 5\n")
	require.NoError(t, m.Reload())
	assert.Equal(t, 5, m.Current().Research.MaxIterations)
}

func TestIsConfigFile(t *testing.T) {
	assert.True(t, isConfigFile("/etc/research/research.yaml"))
	assert.True(t, isConfigFile("research.yml"))
	assert.False(t, isConfigFile("other.yaml"))
	assert.True(t, isPolicyFile("p/admission.rego"))
}
