package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Strategy selects which sources an initial retrieval pass queries.
type Strategy string

const (
	StrategyGraphOnly      Strategy = "GRAPH_ONLY"
	StrategyHybrid         Strategy = "HYBRID"
	StrategyGraphThenWeb   Strategy = "GRAPH_THEN_WEB"
	StrategyWebOnly        Strategy = "WEB_ONLY"
	StrategyFinancialFirst Strategy = "FINANCIAL_FIRST"
)

// ParseStrategy accepts both the canonical upper-case names and the
// snake_case spelling models tend to produce. Unknown values map to HYBRID.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(s))) {
	case StrategyGraphOnly:
		return StrategyGraphOnly, true
	case StrategyHybrid:
		return StrategyHybrid, true
	case StrategyGraphThenWeb:
		return StrategyGraphThenWeb, true
	case StrategyWebOnly:
		return StrategyWebOnly, true
	case StrategyFinancialFirst:
		return StrategyFinancialFirst, true
	}
	return StrategyHybrid, false
}

// Hint narrows the next fetch after the quality gate sends the pipeline back.
type Hint string

const (
	HintNone            Hint = ""
	HintNeedWeb         Hint = "NEED_WEB"
	HintNeedDeeperGraph Hint = "NEED_DEEPER_GRAPH"
	HintNeedFinancial   Hint = "NEED_FINANCIAL"
	HintNeedVector      Hint = "NEED_VECTOR"
)

// HintForTool maps the critic's tool vocabulary onto hints.
func HintForTool(tool string) Hint {
	switch strings.ToLower(strings.TrimSpace(tool)) {
	case "web_search", "need_web":
		return HintNeedWeb
	case "more_graph", "need_deeper_graph":
		return HintNeedDeeperGraph
	case "financial_data", "need_financial":
		return HintNeedFinancial
	case "vector_search", "need_vector":
		return HintNeedVector
	}
	return HintNone
}

// Source names double as the keys of the retrieved-data map.
const (
	SourceGraph     = "knowledge_graph"
	SourceWeb       = "web_search"
	SourceFinancial = "financial_data"
	SourceVector    = "vector_search"
)

// Record is one retrieved item. Graph rows fill Entity/Relation/Target,
// documents fill Title/Content/URL, financial rows carry Fields.
type Record struct {
	Source   string         `json:"source"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content,omitempty"`
	URL      string         `json:"url,omitempty"`
	Score    float64        `json:"score,omitempty"`
	Entity   string         `json:"entity,omitempty"`
	Relation string         `json:"relation,omitempty"`
	Target   string         `json:"target,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Key identifies a record for de-duplication within a source.
func (r Record) Key() string {
	switch {
	case r.URL != "":
		return "url:" + r.URL
	case r.Entity != "" && r.Relation != "":
		return "edge:" + r.Entity + "|" + r.Relation + "|" + r.Target
	case r.Entity != "":
		return "node:" + r.Entity
	case r.Fields["chunk_id"] != nil:
		return fmt.Sprintf("chunk:%v", r.Fields["chunk_id"])
	case r.Title != "":
		return "title:" + r.Title
	}
	return "content:" + truncate(r.Content, 80)
}

// Summary renders a record as one line for prompts and sample payloads.
func (r Record) Summary() string {
	switch {
	case r.Relation != "":
		return fmt.Sprintf("%s -[%s]-> %s", r.Entity, r.Relation, r.Target)
	case r.Entity != "":
		return r.Entity
	case r.Title != "":
		if r.Content == "" {
			return r.Title
		}
		return r.Title + ": " + truncate(r.Content, 160)
	case r.Content != "":
		return truncate(r.Content, 200)
	}
	if len(r.Fields) > 0 {
		var parts []string
		for _, k := range sortedKeys(r.Fields) {
			parts = append(parts, fmt.Sprintf("%s=%v", k, r.Fields[k]))
		}
		return truncate(strings.Join(parts, ", "), 200)
	}
	return ""
}

// Query is what a single source call receives.
type Query struct {
	Text     string
	Entities []string
	Symbols  []string
	// Depth is the number of hops for graph neighbourhood expansion.
	Depth int
	Limit int
}

// Result is a single source's answer.
type Result struct {
	Records    []Record `json:"records"`
	Confidence float64  `json:"confidence"`
	// Answer is a provider-written summary, when the source offers one.
	Answer string `json:"answer,omitempty"`
}

// Source is one pluggable data provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context, q Query) (Result, error)
}

// ErrNotConfigured marks a source that is registered by name but lacks credentials or a backend.
var ErrNotConfigured = errors.New("source not configured")

// SourceError wraps a failure of one source. It never aborts a retrieval pass.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string { return e.Source + ": " + e.Err.Error() }

func (e *SourceError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
