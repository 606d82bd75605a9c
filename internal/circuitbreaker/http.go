package circuitbreaker

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPClient wraps an http.Client with a breaker. Transport errors and 5xx
// responses count as failures; 4xx (including 429) do not, since quota
// exhaustion is handled by the caller.
type HTTPClient struct {
	client  *http.Client
	breaker *Breaker
	service string
}

// NewHTTPClient registers a breaker named name for the given service.
func NewHTTPClient(client *http.Client, name, service string, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	b := New(name, HTTPSettings(), logger)
	Metrics.Track(service, b)
	return &HTTPClient{client: client, breaker: b, service: service}
}

// Do sends req through the breaker. A 5xx response is still returned to the
// caller with a nil error after being counted as a failure.
func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := h.breaker.Do(req.Context(), func(context.Context) error {
		r, err := h.client.Do(req)
		if err != nil {
			return err
		}
		resp = r
		if r.StatusCode >= http.StatusInternalServerError {
			return statusError(r.StatusCode)
		}
		return nil
	})
	Metrics.observe(h.breaker.Name(), h.service, h.breaker.State(), err == nil)
	if _, ok := err.(statusError); ok {
		return resp, nil
	}
	return resp, err
}

// Breaker exposes the underlying breaker, mainly for health reporting.
func (h *HTTPClient) Breaker() *Breaker { return h.breaker }

type statusError int

func (e statusError) Error() string { return http.StatusText(int(e)) }
