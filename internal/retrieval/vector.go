package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/tracing"
)

const (
	defaultVectorCollection = "document_embeddings"
	defaultVectorTopK       = 5
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorConfig configures the Qdrant-backed passage search.
type VectorConfig struct {
	QdrantURL  string
	Collection string
	TopK       int
}

// VectorSearch finds passages semantically close to the query.
type VectorSearch struct {
	cfg      VectorConfig
	embedder Embedder
	http     Doer
	logger   *zap.Logger
}

func NewVectorSearch(cfg VectorConfig, embedder Embedder, client Doer, logger *zap.Logger) *VectorSearch {
	if cfg.Collection == "" {
		cfg.Collection = defaultVectorCollection
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultVectorTopK
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorSearch{cfg: cfg, embedder: embedder, http: client, logger: logger}
}

func (v *VectorSearch) Name() string { return SourceVector }

type qdrantQuery struct {
	Query       []float32 `json:"query"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
}

type qdrantPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
}

func (v *VectorSearch) Fetch(ctx context.Context, q Query) (Result, error) {
	if v.cfg.QdrantURL == "" || v.embedder == nil {
		return Result{}, fmt.Errorf("qdrant: %w", ErrNotConfigured)
	}
	vec, err := v.embedder.Embed(ctx, q.Text)
	if err != nil {
		return Result{}, fmt.Errorf("embed query: %w", err)
	}
	limit := v.cfg.TopK
	if q.Limit > 0 {
		limit = q.Limit
	}

	url := fmt.Sprintf("%s/collections/%s/points/query", v.cfg.QdrantURL, v.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, _ := json.Marshal(qdrantQuery{Query: vec, Limit: limit, WithPayload: true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := v.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("qdrant query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Result{}, fmt.Errorf("qdrant status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return Result{}, fmt.Errorf("decode qdrant response: %w", err)
	}

	records := make([]Record, 0, len(qr.Result.Points))
	top := 0.0
	for _, p := range qr.Result.Points {
		if p.Score > top {
			top = p.Score
		}
		records = append(records, Record{
			Source:  SourceVector,
			Title:   str(p.Payload, "source"),
			Content: str(p.Payload, "text"),
			Score:   p.Score,
			Fields:  map[string]any{"chunk_id": fmt.Sprint(p.ID)},
		})
	}
	return Result{Records: records, Confidence: math.Min(1, top)}, nil
}
