package research

import (
	"fmt"
	"strings"
)

const plannerSystem = `You are a research planner for a competitive-intelligence assistant.
Classify the question, pick the retrieval strategy and output format, and break the work into steps.

Strategies:
- GRAPH_ONLY: simple factual lookups about known entities
- HYBRID: most questions, knowledge graph plus web search
- GRAPH_THEN_WEB: graph first, web only if the graph is thin
- WEB_ONLY: recent events and news
- FINANCIAL_FIRST: stock tickers, valuation, revenue, margins, earnings

Output formats: chat, bullet_summary, slides (presentation requested), document (report requested).

Respond with a single JSON object:
{"query_type": "factual|comparative|strategic|exploratory|financial",
 "entities": ["..."],
 "stock_symbols": ["MSFT"],
 "retrieval_strategy": "HYBRID",
 "output_format": "chat",
 "steps": [{"step": 1, "description": "...", "query": "..."}],
 "reasoning": "..."}`

const analyzerSystem = `You are a research analyst. Derive insights from the retrieved data only.
Categories: strategic_theme, competitive_gap, risk, opportunity, financial_metric, valuation, growth, profitability, general.

Respond with a single JSON object:
{"insights": [{"category": "...", "title": "...", "description": "...", "confidence": 0.0, "evidence": ["..."]}],
 "gaps_identified": ["..."],
 "synthesis": "..."}`

const criticSystem = `You are a strict research reviewer. Judge whether the insights answer the question with enough evidence.
Score 0.0 to 1.0. When data is missing, name one tool that would fill the gap:
web_search, more_graph, financial_data, vector_search, or none.

Respond with a single JSON object:
{"quality_score": 0.0,
 "gaps_identified": ["..."],
 "refinement_tool": "none",
 "refinement_query": "...",
 "reasoning": "..."}`

const generatorSystem = `You are a research writer. Answer using only the findings given. Be specific and cite sources by name.`

const outlineSystem = `You are a research writer. Turn the findings into an outline.
Respond with a single JSON object:
{"title": "...", "subtitle": "...", "sections": [{"heading": "...", "bullets": ["..."]}]}`

func plannerPrompt(query string) string {
	return fmt.Sprintf("Question: %s\n\nPlan the research.", query)
}

func analyzerPrompt(st State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nQuery type: %s\n\n", st.Query, st.Plan.QueryType)
	b.WriteString("Retrieved data:\n")
	b.WriteString(dataDigest(st, 12))
	if st.Synthesis != "" {
		fmt.Fprintf(&b, "\nPrevious synthesis (revise it with the new data):\n%s\n", st.Synthesis)
	}
	return b.String()
}

func criticPrompt(st State, threshold float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nQuery type: %s\nPass %d of %d, target score %.2f\n\n",
		st.Query, st.Plan.QueryType, st.Iteration+1, st.Settings.MaxIterations, threshold)
	b.WriteString("Coverage:\n")
	for _, src := range orderedSources(st) {
		fmt.Fprintf(&b, "- %s: %d records\n", src, st.RecordCount(src))
	}
	if len(st.RetrievalGaps) > 0 {
		fmt.Fprintf(&b, "Failed sources: %s\n", strings.Join(st.RetrievalGaps, "; "))
	}
	b.WriteString("\nInsights:\n")
	b.WriteString(insightDigest(st.Insights))
	if st.Synthesis != "" {
		fmt.Fprintf(&b, "\nSynthesis:\n%s\n", st.Synthesis)
	}
	return b.String()
}

func generatorPrompt(st State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", st.Query)
	if st.Synthesis != "" {
		fmt.Fprintf(&b, "Synthesis:\n%s\n\n", st.Synthesis)
	}
	b.WriteString("Insights:\n")
	b.WriteString(insightDigest(st.Insights))
	if st.WebAnswer != "" {
		fmt.Fprintf(&b, "\nWeb summary:\n%s\n", st.WebAnswer)
	}
	fmt.Fprintf(&b, "\nSources: %s\n\n", strings.Join(st.SourcesWithData(), ", "))
	switch st.Plan.OutputFormat {
	case FormatBulletSummary:
		b.WriteString("Write 5 to 8 concise bullet points, one per line starting with \"- \".")
	case FormatSlides:
		b.WriteString("Outline a slide deck of 4 to 8 slides, 3 to 5 bullets each.")
	case FormatDocument:
		b.WriteString("Outline a report with an executive summary, findings and recommendations.")
	default:
		b.WriteString("Write a direct answer in a few paragraphs.")
	}
	return b.String()
}
