package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/metrics"
	"github.com/Kocoro-lab/research-copilot/internal/tracing"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "nomic-embed-text"
	localTTL       = 30 * time.Minute
)

// Config for the embedding client.
type Config struct {
	// BaseURL of an Ollama server exposing /api/embeddings.
	BaseURL  string
	Model    string
	CacheTTL time.Duration
	MaxLRU   int
}

// Doer is satisfied by *http.Client and the circuit-broken client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Service turns text into vectors, checking the local LRU then the shared
// cache before calling the model.
type Service struct {
	cfg    Config
	http   Doer
	lru    *LRU
	shared Cache
	logger *zap.Logger
}

// NewService builds the client. shared may be nil.
func NewService(cfg Config, client Doer, shared Cache, logger *zap.Logger) *Service {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		http:   client,
		lru:    NewLRU(cfg.MaxLRU),
		shared: shared,
		logger: logger,
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the vector for text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty text")
	}
	key := Key(s.cfg.Model, text)
	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.RecordEmbedding(s.cfg.Model, "lru_hit", 0)
		return v, nil
	}
	if s.shared != nil {
		if v, ok := s.shared.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, localTTL)
			metrics.RecordEmbedding(s.cfg.Model, "cache_hit", 0)
			return v, nil
		}
	}

	start := time.Now()
	url := s.cfg.BaseURL + "/api/embeddings"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, _ := json.Marshal(embedRequest{Model: s.cfg.Model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordEmbedding(s.cfg.Model, "error", time.Since(start))
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.RecordEmbedding(s.cfg.Model, "error", time.Since(start))
		return nil, fmt.Errorf("embedding status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbedding(s.cfg.Model, "error", time.Since(start))
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(er.Embedding) == 0 {
		metrics.RecordEmbedding(s.cfg.Model, "empty", time.Since(start))
		return nil, errors.New("no embedding returned")
	}
	out := make([]float32, len(er.Embedding))
	for i, f := range er.Embedding {
		out[i] = float32(f)
	}
	metrics.RecordEmbedding(s.cfg.Model, "ok", time.Since(start))

	s.lru.Set(ctx, key, out, localTTL)
	if s.shared != nil {
		s.shared.Set(ctx, key, out, s.cfg.CacheTTL)
	}
	return out, nil
}
