package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/llm"
	"github.com/Kocoro-lab/research-copilot/internal/retrieval"
)

// Completer is the model-call capability stages use.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Retriever executes retrieval passes.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Outcome, error)
}

// Section is one heading of a generated document or slide.
type Section struct {
	Heading string   `json:"heading"`
	Bullets []string `json:"bullets"`
}

// Document is the outline the Generator asks the model for when the output
// format is a file.
type Document struct {
	Title    string    `json:"title"`
	Subtitle string    `json:"subtitle,omitempty"`
	Sections []Section `json:"sections"`
}

// ArtifactSink renders and stores a generated document, returning an opaque
// reference clients can download.
type ArtifactSink interface {
	Save(ctx context.Context, sessionID string, format OutputFormat, doc Document) (string, error)
}

// Pipeline holds the shared collaborators of the six stages.
type Pipeline struct {
	llm       Completer
	retriever Retriever
	artifacts ArtifactSink
	// DownloadURL turns an artifact reference into a client-facing link.
	downloadURL func(ref string) string
	logger      *zap.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithArtifacts enables file output formats.
func WithArtifacts(sink ArtifactSink, downloadURL func(ref string) string) PipelineOption {
	return func(p *Pipeline) {
		p.artifacts = sink
		p.downloadURL = downloadURL
	}
}

func NewPipeline(completer Completer, retriever Retriever, logger *zap.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{llm: completer, retriever: retriever, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	if p.downloadURL == nil {
		p.downloadURL = func(ref string) string { return "/api/download/" + ref }
	}
	return p
}

// Stages returns the stage table for NewEngine.
func (p *Pipeline) Stages() map[Stage]StageFunc {
	return map[Stage]StageFunc{
		StagePlanner:   p.Plan,
		StageRetriever: p.Retrieve,
		StageAnalyzer:  p.Analyze,
		StageCritic:    p.Critique,
		StageGenerator: p.Generate,
		StageResponder: p.Respond,
	}
}

// complete calls the model for st's session and turns a provider switch into
// a decision event.
func (p *Pipeline) complete(ctx context.Context, st State, stage Stage, req llm.Request) (string, []Event, error) {
	req.Provider = st.Settings.Provider
	req.Timeout = st.Settings.CallTimeout
	resp, err := p.llm.Complete(ctx, req)
	if err != nil {
		return "", nil, err
	}
	var events []Event
	if fb := resp.Fallback; fb != nil {
		reason := string(fb.Kind)
		if fb.Limit != llm.LimitUnknown {
			reason += " (" + string(fb.Limit) + ")"
		}
		if fb.RetryAfterRaw != "" {
			reason += ", retry after " + fb.RetryAfterRaw
		}
		payload := map[string]any{
			"decision":    "provider_fallback",
			"reasoning":   fmt.Sprintf("%s %s", fb.From, reason),
			"next_action": "continue with " + fb.To,
			"from":        fb.From,
			"to":          fb.To,
			"kind":        string(fb.Kind),
		}
		if fb.Limit != llm.LimitUnknown {
			payload["limit"] = string(fb.Limit)
		}
		if fb.RetryAfterRaw != "" {
			payload["retry_after"] = fb.RetryAfterRaw
		}
		events = append(events, Event{
			Type:     EventDecision,
			NodeName: stage.NodeName(),
			Message:  fmt.Sprintf("Switched from %s to %s: %s", fb.From, fb.To, reason),
			Payload:  payload,
		})
		p.logger.Info("Provider fallback used",
			zap.String("session_id", st.SessionID),
			zap.String("stage", string(stage)),
			zap.String("from", fb.From),
			zap.String("to", fb.To),
			zap.String("reason", reason),
		)
	}
	return strings.TrimSpace(resp.Text), events, nil
}

// dataDigest renders the retrieved data for prompts, capped per source.
func dataDigest(st State, perSource int) string {
	var b strings.Builder
	for _, src := range orderedSources(st) {
		recs := st.RetrievedData[src]
		if len(recs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "### %s (%d records, confidence %.2f)\n", src, len(recs), st.Confidences[src])
		for i, r := range recs {
			if i >= perSource {
				fmt.Fprintf(&b, "- ... %d more\n", len(recs)-perSource)
				break
			}
			b.WriteString("- ")
			b.WriteString(r.Summary())
			b.WriteByte('\n')
		}
	}
	if st.WebAnswer != "" {
		fmt.Fprintf(&b, "### web summary\n%s\n", st.WebAnswer)
	}
	if b.Len() == 0 {
		return "(no data retrieved)"
	}
	return b.String()
}

// orderedSources returns every source key in first-query order, followed by
// any keys not in the log.
func orderedSources(st State) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range st.RetrievalLog {
		for _, s := range p.Sources {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	for _, s := range []string{retrieval.SourceGraph, retrieval.SourceWeb, retrieval.SourceFinancial, retrieval.SourceVector} {
		if !seen[s] && len(st.RetrievedData[s]) > 0 {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func insightDigest(insights []Insight) string {
	if len(insights) == 0 {
		return "(no insights)"
	}
	var b strings.Builder
	for _, in := range insights {
		fmt.Fprintf(&b, "- [%s, %.2f] %s: %s\n", in.Category, in.Confidence, in.Title, in.Description)
	}
	return b.String()
}
