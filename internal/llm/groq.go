package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const (
	defaultGroqURL   = "https://api.groq.com/openai/v1"
	defaultGroqModel = "llama-3.3-70b-versatile"
)

// GroqConfig configures the hosted Groq API.
type GroqConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Groq calls Groq's OpenAI-compatible chat completions endpoint.
type Groq struct {
	cfg  GroqConfig
	http Doer
}

func NewGroq(cfg GroqConfig, client Doer) *Groq {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGroqURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultGroqModel
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Groq{cfg: cfg, http: client}
}

func (g *Groq) Name() string { return ProviderGroq }

type responseFormat struct {
	Type string `json:"type"`
}

type groqChatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type groqChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

var errNoGroqKey = errors.New("GROQ_API_KEY is not set")

func (g *Groq) Complete(ctx context.Context, req Request) (Completion, error) {
	if g.cfg.APIKey == "" {
		return Completion{}, &ProviderError{Provider: g.Name(), Kind: KindUnavailable, Err: errNoGroqKey}
	}
	payload := groqChatRequest{
		Model:       g.cfg.Model,
		Messages:    messages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	var out groqChatResponse
	if err := postJSON(ctx, g.http, g.Name(), g.cfg.BaseURL+"/chat/completions", g.auth(), payload, &out); err != nil {
		return Completion{}, err
	}
	if len(out.Choices) == 0 {
		return Completion{}, &ProviderError{Provider: g.Name(), Kind: KindUnavailable, Err: errors.New("response has no choices")}
	}
	return Completion{
		Text:             out.Choices[0].Message.Content,
		Model:            out.Model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

func (g *Groq) Ping(ctx context.Context) error {
	if g.cfg.APIKey == "" {
		return errNoGroqKey
	}
	return get(ctx, g.http, g.cfg.BaseURL+"/models", g.auth())
}

func (g *Groq) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + g.cfg.APIKey}
}
