package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"

	"go.uber.org/zap"
)

const (
	defaultTavilyURL     = "https://api.tavily.com"
	defaultWebMaxResults = 5
	webConfidenceDiv     = 3.0
	maxErrorBodyBytes    = 512
	tavilySearchDepth    = "advanced"
	tavilySearchPath     = "/search"
)

// Doer is satisfied by *http.Client and the circuit-broken wrapper.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebConfig configures the Tavily-backed web source.
type WebConfig struct {
	APIKey     string
	BaseURL    string
	MaxResults int
}

// WebSearch queries Tavily. Results come back with extracted page content and
// an AI-written answer summarizing them.
type WebSearch struct {
	cfg    WebConfig
	http   Doer
	logger *zap.Logger
}

// NewWebSearch creates the web source.
func NewWebSearch(cfg WebConfig, client Doer, logger *zap.Logger) *WebSearch {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTavilyURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultWebMaxResults
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSearch{cfg: cfg, http: client, logger: logger}
}

func (w *WebSearch) Name() string { return SourceWeb }

type tavilyRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	MaxResults        int    `json:"max_results"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (w *WebSearch) Fetch(ctx context.Context, q Query) (Result, error) {
	if w.cfg.APIKey == "" {
		return Result{}, fmt.Errorf("TAVILY_API_KEY: %w", ErrNotConfigured)
	}
	limit := w.cfg.MaxResults
	if q.Limit > 0 {
		limit = q.Limit
	}
	body, _ := json.Marshal(tavilyRequest{
		APIKey:        w.cfg.APIKey,
		Query:         q.Text,
		SearchDepth:   tavilySearchDepth,
		MaxResults:    limit,
		IncludeAnswer: true,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BaseURL+tavilySearchPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("tavily request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Result{}, fmt.Errorf("tavily status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var tr tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Result{}, fmt.Errorf("decode tavily response: %w", err)
	}
	records := make([]Record, 0, len(tr.Results))
	for _, r := range tr.Results {
		records = append(records, Record{
			Source:  SourceWeb,
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
			Score:   r.Score,
		})
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Score > records[j].Score })

	w.logger.Debug("Tavily search finished", zap.String("query", q.Text), zap.Int("results", len(records)))
	return Result{
		Records:    records,
		Confidence: math.Min(1, float64(len(records))/webConfidenceDiv),
		Answer:     tr.Answer,
	}, nil
}
