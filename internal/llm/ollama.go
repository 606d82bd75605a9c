package llm

import (
	"context"
	"net/http"
	"strings"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3.1"
)

// OllamaConfig configures a local Ollama server.
type OllamaConfig struct {
	BaseURL string
	Model   string
}

// Ollama calls the /api/chat endpoint of an Ollama server.
type Ollama struct {
	cfg  OllamaConfig
	http Doer
}

func NewOllama(cfg OllamaConfig, client Doer) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Ollama{cfg: cfg, http: client}
}

func (o *Ollama) Name() string { return ProviderOllama }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	// Ollama reports token counts as eval counts.
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (o *Ollama) Complete(ctx context.Context, req Request) (Completion, error) {
	payload := ollamaChatRequest{
		Model:    o.cfg.Model,
		Messages: messages(req),
		Options:  map[string]any{"temperature": req.Temperature},
	}
	if req.MaxTokens > 0 {
		payload.Options["num_predict"] = req.MaxTokens
	}
	if req.JSON {
		payload.Format = "json"
	}
	var out ollamaChatResponse
	if err := postJSON(ctx, o.http, o.Name(), o.cfg.BaseURL+"/api/chat", nil, payload, &out); err != nil {
		return Completion{}, err
	}
	return Completion{
		Text:             out.Message.Content,
		Model:            out.Model,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}

func (o *Ollama) Ping(ctx context.Context) error {
	return get(ctx, o.http, o.cfg.BaseURL+"/api/tags", nil)
}

func messages(req Request) []chatMessage {
	var out []chatMessage
	if req.System != "" {
		out = append(out, chatMessage{Role: "system", Content: req.System})
	}
	return append(out, chatMessage{Role: "user", Content: req.Prompt})
}
