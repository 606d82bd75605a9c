package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRateLimitMessage(t *testing.T) {
	tests := []struct {
		msg       string
		wantLimit LimitKind
		wantRaw   string
	}{
		{"Rate limit reached on tokens per minute (TPM): Limit 6000, Used 5800, Requested 900. Please try again in 7.66s.", LimitTokensPerMinute, "7.66s"},
		{"Rate limit reached on requests per day (RPD): Limit 14400. Please try again in 2m59.56s.", LimitRequestsPerDay, "2m59.56s"},
		{"Rate limit reached on tokens per day (TPD): Limit 500000, Used 499000. Please try again in 12m0s.", LimitTokensPerDay, "12m0s"},
		{"daily quota of tokens per day exhausted", LimitTokensPerDay, ""},
		{"Rate limit reached on requests per minute (RPM). Please try again in 45s.", LimitRequestsPerMinute, "45s"},
		{"too many requests per minute", LimitRequestsPerMinute, ""},
		{"slow down", LimitUnknown, ""},
	}
	for _, tt := range tests {
		limit, raw := parseRateLimitMessage(tt.msg)
		assert.Equal(t, tt.wantLimit, limit, tt.msg)
		assert.Equal(t, tt.wantRaw, raw, tt.msg)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 45*time.Second, parseRetryAfter("45s"))
	assert.Equal(t, 45*time.Second, parseRetryAfter("45"))
	assert.Equal(t, 2*time.Minute+59560*time.Millisecond, parseRetryAfter("2m59.56s"))
	assert.Zero(t, parseRetryAfter("soon"))
}

func classify(t *testing.T, status int, header http.Header, body string) *ProviderError {
	t.Helper()
	rec := httptest.NewRecorder()
	for k, v := range header {
		rec.Header()[k] = v
	}
	rec.WriteHeader(status)
	return classifyResponse("groq", rec.Result(), []byte(body))
}

func TestClassifyResponse(t *testing.T) {
	pe := classify(t, http.StatusTooManyRequests, http.Header{"Retry-After": {"12"}, "X-Ratelimit-Remaining-Tokens": {"0"}}, `{"error":{"message":"rate limited"}}`)
	assert.Equal(t, KindRateLimited, pe.Kind)
	assert.Equal(t, LimitTokensPerMinute, pe.Limit)
	assert.Equal(t, "12", pe.RetryAfterRaw, "header value is kept verbatim")
	assert.Equal(t, 12*time.Second, pe.RetryAfter)
	assert.True(t, pe.Recoverable())

	pe = classify(t, http.StatusServiceUnavailable, nil, `{"error":"model is loading"}`)
	assert.Equal(t, KindUnavailable, pe.Kind)
	assert.Contains(t, pe.Error(), "model is loading")

	pe = classify(t, http.StatusGatewayTimeout, nil, "")
	assert.Equal(t, KindTimeout, pe.Kind)

	pe = classify(t, http.StatusUnauthorized, nil, `{"error":{"message":"Invalid API Key"}}`)
	assert.Equal(t, KindFatal, pe.Kind)
	assert.False(t, pe.Recoverable())
}

func TestClassifyTransport(t *testing.T) {
	err := classifyTransport("ollama", context.Background(), context.DeadlineExceeded)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, pe.Kind)

	err = classifyTransport("ollama", context.Background(), errors.New("dial tcp: connection refused"))
	pe, ok = AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, KindUnavailable, pe.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = classifyTransport("ollama", ctx, errors.New("anything"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ShouldFallback(err))
}

func TestProviderErrorMessage(t *testing.T) {
	pe := &ProviderError{Provider: "groq", Kind: KindRateLimited, Limit: LimitRequestsPerMinute, RetryAfterRaw: "45s", Err: errors.New("slow down")}
	assert.Equal(t, "groq: rate_limited (RPM), retry after 45s: slow down", pe.Error())
}
