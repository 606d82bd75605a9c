package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/llm"
	"github.com/Kocoro-lab/research-copilot/internal/retrieval"
)

type plannerOutput struct {
	QueryType    string   `json:"query_type"`
	Entities     []string `json:"entities"`
	StockSymbols []string `json:"stock_symbols"`
	Strategy     string   `json:"retrieval_strategy"`
	OutputFormat string   `json:"output_format"`
	Steps        []struct {
		Step        int    `json:"step"`
		Description string `json:"description"`
		Query       string `json:"query"`
	} `json:"steps"`
	Reasoning string `json:"reasoning"`
}

// fallbackPlan is used when the model answer cannot be decoded.
func fallbackPlan(query string) Plan {
	return Plan{
		QueryType:    QueryExploratory,
		Steps:        []Step{{Step: 1, Description: "Research the question", Query: query}},
		Strategy:     retrieval.StrategyHybrid,
		OutputFormat: FormatChat,
		Symbols:      extractTickers(query),
		Reasoning:    "planner output could not be parsed, using the default plan",
	}
}

// Plan classifies the question and writes the research plan. A provider
// failure is fatal; an unreadable answer falls back to a default plan.
func (p *Pipeline) Plan(ctx context.Context, st State) (State, []Event, error) {
	text, events, err := p.complete(ctx, st, StagePlanner, llm.Request{
		System: plannerSystem,
		Prompt: plannerPrompt(st.Query),
		JSON:   true,
	})
	if err != nil {
		return st, nil, fmt.Errorf("plan: %w", err)
	}

	var out plannerOutput
	if err := decodeModelJSON(text, &out); err != nil {
		p.logger.Warn("Planner output not parseable, using default plan",
			zap.String("session_id", st.SessionID),
			zap.Error(err),
		)
		st.Plan = fallbackPlan(st.Query)
	} else {
		st.Plan = planFrom(st.Query, out)
	}

	events = append(events, Event{
		Type:    EventDecision,
		Message: fmt.Sprintf("Using %s retrieval for a %s question", st.Plan.Strategy, st.Plan.QueryType),
		Payload: map[string]any{
			"decision":      string(st.Plan.Strategy),
			"reasoning":     st.Plan.Reasoning,
			"next_action":   "retrieve",
			"query_type":    string(st.Plan.QueryType),
			"output_format": string(st.Plan.OutputFormat),
			"entities":      st.Plan.Entities,
			"symbols":       st.Plan.Symbols,
		},
	})
	return st, events, nil
}

func planFrom(query string, out plannerOutput) Plan {
	plan := Plan{
		QueryType:    parseQueryType(out.QueryType),
		OutputFormat: parseOutputFormat(out.OutputFormat),
		Reasoning:    strings.TrimSpace(out.Reasoning),
	}
	plan.Strategy, _ = retrieval.ParseStrategy(out.Strategy)

	seen := make(map[string]bool)
	for _, e := range out.Entities {
		e = strings.TrimSpace(e)
		if e == "" || seen[strings.ToLower(e)] {
			continue
		}
		seen[strings.ToLower(e)] = true
		plan.Entities = append(plan.Entities, e)
	}

	symbols := make(map[string]bool)
	addSymbol := func(s string) {
		s = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(s), "$"))
		if isTickerLike(s) && !symbols[s] {
			symbols[s] = true
			plan.Symbols = append(plan.Symbols, s)
		}
	}
	for _, s := range out.StockSymbols {
		addSymbol(s)
	}
	for _, e := range plan.Entities {
		if isTickerLike(e) {
			addSymbol(e)
		}
	}
	if len(plan.Symbols) == 0 {
		for _, s := range extractTickers(query) {
			addSymbol(s)
		}
	}

	for i, s := range out.Steps {
		q := strings.TrimSpace(s.Query)
		if q == "" {
			q = query
		}
		plan.Steps = append(plan.Steps, Step{Step: i + 1, Description: strings.TrimSpace(s.Description), Query: q})
	}
	if len(plan.Steps) == 0 {
		plan.Steps = []Step{{Step: 1, Description: "Research the question", Query: query}}
	}
	return plan
}
