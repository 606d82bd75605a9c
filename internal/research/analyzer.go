package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/llm"
)

var insightCategories = map[string]bool{
	"strategic_theme":  true,
	"competitive_gap":  true,
	"risk":             true,
	"opportunity":      true,
	"financial_metric": true,
	"valuation":        true,
	"growth":           true,
	"profitability":    true,
	"general":          true,
}

type analyzerOutput struct {
	Insights []struct {
		Category    string    `json:"category"`
		Title       string    `json:"title"`
		Description string    `json:"description"`
		Confidence  flexFloat `json:"confidence"`
		Evidence    []string  `json:"evidence"`
	} `json:"insights"`
	Gaps      []string `json:"gaps_identified"`
	Synthesis string   `json:"synthesis"`
}

// Analyze recomputes the insights from everything retrieved so far. The
// previous synthesis is given to the model as context and kept when the
// model gives no usable answer.
func (p *Pipeline) Analyze(ctx context.Context, st State) (State, []Event, error) {
	text, events, err := p.complete(ctx, st, StageAnalyzer, llm.Request{
		System: analyzerSystem,
		Prompt: analyzerPrompt(st),
		JSON:   true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return st, nil, err
		}
		p.logger.Warn("Analyzer model call failed, using coverage insights",
			zap.String("session_id", st.SessionID),
			zap.Error(err),
		)
		st.Insights = coverageInsights(st)
		st.AnalysisGaps = []string{"analysis unavailable: " + err.Error()}
		events = append(events, Event{
			Type:    EventDecision,
			Message: "Model unavailable, summarising coverage only",
			Payload: map[string]any{
				"decision":    "coverage_insights",
				"reasoning":   err.Error(),
				"next_action": "critique",
			},
		})
		return st, append(events, insightEvents(st.Insights)...), nil
	}

	var out analyzerOutput
	if err := decodeModelJSON(text, &out); err != nil || len(out.Insights) == 0 {
		p.logger.Warn("Analyzer output not parseable, using coverage insights",
			zap.String("session_id", st.SessionID),
			zap.Error(err),
		)
		st.Insights = coverageInsights(st)
		st.AnalysisGaps = nil
		return st, append(events, insightEvents(st.Insights)...), nil
	}

	st.Insights = nil
	for _, in := range out.Insights {
		if strings.TrimSpace(in.Description) == "" && strings.TrimSpace(in.Title) == "" {
			continue
		}
		cat := normalizeEnum(in.Category)
		if !insightCategories[cat] {
			cat = "general"
		}
		st.Insights = append(st.Insights, Insight{
			Category:    cat,
			Title:       strings.TrimSpace(in.Title),
			Description: strings.TrimSpace(in.Description),
			Confidence:  clamp01(float64(in.Confidence)),
			Evidence:    in.Evidence,
		})
	}
	st.AnalysisGaps = out.Gaps
	if s := strings.TrimSpace(out.Synthesis); s != "" {
		st.Synthesis = s
	}
	return st, append(events, insightEvents(st.Insights)...), nil
}

// coverageInsights describes what each source contributed when the model
// could not analyse the data.
func coverageInsights(st State) []Insight {
	var out []Insight
	for _, src := range st.SourcesWithData() {
		out = append(out, Insight{
			Category:    "general",
			Title:       "Data from " + src,
			Description: fmt.Sprintf("%d records retrieved from %s", st.RecordCount(src), src),
			Confidence:  st.Confidences[src],
		})
	}
	return out
}

func insightEvents(insights []Insight) []Event {
	events := make([]Event, 0, len(insights))
	for _, in := range insights {
		events = append(events, Event{
			Type:    EventInsight,
			Message: in.Title,
			Payload: map[string]any{
				"category":    in.Category,
				"title":       in.Title,
				"description": in.Description,
				"confidence":  in.Confidence,
			},
		})
	}
	return events
}
