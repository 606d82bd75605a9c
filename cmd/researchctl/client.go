package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Kocoro-lab/research-copilot/internal/server"
	"github.com/Kocoro-lab/research-copilot/internal/streaming"
)

// apiClient speaks the service's JSON API.
type apiClient struct {
	base   string
	token  string
	apiKey string
	http   *http.Client
}

func newAPIClient(base, token, apiKey string) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		apiKey: apiKey,
		// No timeout: streams last as long as the session.
		http: &http.Client{},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%s, %d)", e.Message, e.Kind, e.Status)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr)
		return nil, apiErr
	}
	return resp, nil
}

func (c *apiClient) getJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) Submit(ctx context.Context, req server.SubmitRequest) (server.SubmitResult, error) {
	var out server.SubmitResult
	err := c.getJSON(ctx, http.MethodPost, "/api/query", req, &out)
	return out, err
}

func (c *apiClient) Status(ctx context.Context, id string) (server.StatusView, error) {
	var out server.StatusView
	err := c.getJSON(ctx, http.MethodGet, "/api/session/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *apiClient) Cancel(ctx context.Context, id string) (server.StatusView, error) {
	var out server.StatusView
	err := c.getJSON(ctx, http.MethodPost, "/api/session/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out, err
}

// Fetch copies an artifact to w and returns the server's suggested filename.
func (c *apiClient) Fetch(ctx context.Context, ref string, w io.Writer) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/download/"+url.PathEscape(ref), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", err
	}
	return filenameOf(resp.Header.Get("Content-Disposition")), nil
}

// Stream calls fn for every event of the session until the terminal one.
func (c *apiClient) Stream(ctx context.Context, id string, fn func(streaming.Event)) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/stream/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev streaming.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			fn(ev)
			if ev.Terminal() {
				return nil
			}
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream ended before the session finished")
}

func filenameOf(disposition string) string {
	const marker = "filename="
	i := strings.Index(disposition, marker)
	if i < 0 {
		return ""
	}
	return strings.Trim(disposition[i+len(marker):], `"`)
}
