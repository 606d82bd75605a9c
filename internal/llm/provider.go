package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Kocoro-lab/research-copilot/internal/tracing"
)

// Provider names accepted in submissions and configuration.
const (
	ProviderOllama = "ollama"
	ProviderGroq   = "groq"
)

// ValidProvider reports whether name is a known provider.
func ValidProvider(name string) bool {
	return name == ProviderOllama || name == ProviderGroq
}

// Request is one text-generation call.
type Request struct {
	System string
	Prompt string
	// Temperature and MaxTokens fall back to the adapter defaults when zero.
	Temperature float64
	MaxTokens   int
	// JSON asks the provider for a JSON object response.
	JSON bool
	// Provider optionally overrides the configured primary for this call.
	Provider string
	// Timeout overrides the adapter's per-call timeout when positive.
	Timeout time.Duration
}

// Completion is a single provider's answer.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider is one text-generation backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// Doer is satisfied by *http.Client and the circuit-broken wrapper.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const maxErrorBody = 4096

// postJSON sends payload and decodes a 2xx answer into out. Non-2xx answers
// and transport failures come back as *ProviderError.
func postJSON(ctx context.Context, client Doer, provider, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &ProviderError{Provider: provider, Kind: KindFatal, Err: err}
	}
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Provider: provider, Kind: KindFatal, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		pe := classifyResponse(provider, resp, msg)
		tracing.RecordError(span, pe)
		return pe
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Provider: provider, Kind: KindUnavailable, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func get(ctx context.Context, client Doer, url string, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
