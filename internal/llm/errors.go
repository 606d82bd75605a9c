package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindUnavailable ErrorKind = "unavailable"
	KindTimeout     ErrorKind = "timeout"
	KindFatal       ErrorKind = "fatal"
)

// LimitKind names the quota a rate-limited call ran into.
type LimitKind string

const (
	LimitUnknown           LimitKind = ""
	LimitRequestsPerMinute LimitKind = "RPM"
	LimitTokensPerMinute   LimitKind = "TPM"
	LimitRequestsPerDay    LimitKind = "RPD"
	LimitTokensPerDay      LimitKind = "TPD"
)

// ProviderError is the typed failure of one provider call.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Limit    LimitKind
	// RetryAfter is parsed from RetryAfterRaw when it holds a duration.
	RetryAfter time.Duration
	// RetryAfterRaw is the provider's own wording, e.g. "45s" or "2m59.56s".
	RetryAfterRaw string
	StatusCode    int
	Err           error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Kind)
	if e.Limit != LimitUnknown {
		fmt.Fprintf(&b, " (%s)", e.Limit)
	}
	if e.RetryAfterRaw != "" {
		fmt.Fprintf(&b, ", retry after %s", e.RetryAfterRaw)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Recoverable reports whether the failure may be retried on another provider.
func (e *ProviderError) Recoverable() bool {
	switch e.Kind {
	case KindRateLimited, KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// AsProviderError extracts a *ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

var (
	retryInRe   = regexp.MustCompile(`(?i)try again in ((?:\d+(?:\.\d+)?(?:h|ms|m|s))+)`)
	limitKindRe = regexp.MustCompile(`\((RPM|TPM|RPD|TPD)\)`)
)

// parseRateLimitMessage pulls the limit kind and the retry-after wording out
// of a provider message such as "... on tokens per minute (TPM): Limit 6000,
// Used 5800, Requested 900. Please try again in 45s.".
func parseRateLimitMessage(msg string) (LimitKind, string) {
	limit := LimitUnknown
	if m := limitKindRe.FindStringSubmatch(msg); m != nil {
		switch m[1] {
		case "RPM":
			limit = LimitRequestsPerMinute
		case "TPM":
			limit = LimitTokensPerMinute
		case "RPD":
			limit = LimitRequestsPerDay
		case "TPD":
			limit = LimitTokensPerDay
		}
	} else {
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "requests per minute"):
			limit = LimitRequestsPerMinute
		case strings.Contains(lower, "tokens per minute"):
			limit = LimitTokensPerMinute
		case strings.Contains(lower, "tokens per day"):
			limit = LimitTokensPerDay
		case strings.Contains(lower, "per day"):
			limit = LimitRequestsPerDay
		}
	}
	raw := ""
	if m := retryInRe.FindStringSubmatch(msg); m != nil {
		raw = m[1]
	}
	return limit, raw
}

// limitFromHeaders inspects x-ratelimit headers when the body is silent. Groq
// reports its daily request quota under the requests header.
func limitFromHeaders(h http.Header) LimitKind {
	switch {
	case h.Get("x-ratelimit-remaining-tokens") == "0":
		return LimitTokensPerMinute
	case h.Get("x-ratelimit-remaining-requests") == "0":
		return LimitRequestsPerDay
	}
	return LimitUnknown
}

func parseRetryAfter(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(raw); err == nil {
		return time.Until(t)
	}
	return 0
}

// errorMessage extracts {"error":{"message":...}} or {"error":"..."} bodies.
func errorMessage(body []byte) string {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &flat) == nil && flat.Error != "" {
		return flat.Error
	}
	return strings.TrimSpace(string(body))
}

// classifyResponse builds the error for a non-2xx provider response.
func classifyResponse(provider string, resp *http.Response, body []byte) *ProviderError {
	msg := errorMessage(body)
	pe := &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		pe.Kind = KindRateLimited
		pe.Limit, pe.RetryAfterRaw = parseRateLimitMessage(msg)
		if pe.Limit == LimitUnknown {
			pe.Limit = limitFromHeaders(resp.Header)
		}
		if pe.RetryAfterRaw == "" {
			pe.RetryAfterRaw = resp.Header.Get("Retry-After")
		}
		pe.RetryAfter = parseRetryAfter(pe.RetryAfterRaw)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		pe.Kind = KindTimeout
	case resp.StatusCode >= 500:
		pe.Kind = KindUnavailable
	default:
		pe.Kind = KindFatal
	}
	return pe
}

// classifyTransport maps a failed round trip, including an open circuit
// breaker, onto a provider error. parent is the caller's context, used to tell
// a per-call timeout apart from the caller giving up.
func classifyTransport(provider string, parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	pe := &ProviderError{Provider: provider, Err: err}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe.Kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		pe.Kind = KindTimeout
	default:
		pe.Kind = KindUnavailable
	}
	return pe
}
