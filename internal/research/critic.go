package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/llm"
	"github.com/Kocoro-lab/research-copilot/internal/retrieval"
)

// parseFailureScore is used when the model answers but not in JSON.
const parseFailureScore = 0.7

type criticOutput struct {
	Score     *flexFloat `json:"quality_score"`
	Gaps      []string   `json:"gaps_identified"`
	Tool      string     `json:"refinement_tool"`
	Query     string     `json:"refinement_query"`
	Reasoning string     `json:"reasoning"`
}

// Critique scores the current pass and decides whether to loop back. The
// model only advises on the score; the decision is Decide's.
func (p *Pipeline) Critique(ctx context.Context, st State) (State, []Event, error) {
	threshold := EffectiveThreshold(st.Settings.Threshold, st.Plan.QueryType)

	q := Quality{Threshold: threshold}
	var tool string
	text, events, err := p.complete(ctx, st, StageCritic, llm.Request{
		System: criticSystem,
		Prompt: criticPrompt(st, threshold),
		JSON:   true,
	})
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return st, nil, err
		}
		q.Score = coverageScore(st)
		q.Reasoning = "model unavailable, scored from coverage: " + err.Error()
		p.logger.Warn("Critic model call failed, scoring from coverage",
			zap.String("session_id", st.SessionID),
			zap.Float64("quality_score", q.Score),
			zap.Error(err),
		)
	default:
		var out criticOutput
		if err := decodeModelJSON(text, &out); err != nil || out.Score == nil {
			q.Score = parseFailureScore
			q.Reasoning = "critic output could not be parsed"
			p.logger.Warn("Critic output not parseable",
				zap.String("session_id", st.SessionID),
				zap.Error(err),
			)
		} else {
			q.Score = clamp01(float64(*out.Score))
			q.Gaps = out.Gaps
			q.Reasoning = strings.TrimSpace(out.Reasoning)
			q.Focus = strings.TrimSpace(out.Query)
			tool = out.Tool
		}
	}
	q.Gaps = append(q.Gaps, st.RetrievalGaps...)

	st.Iteration++
	q.Decision = Decide(q.Score, threshold, st.Iteration, st.Settings.MaxIterations)
	if q.Decision == DecisionLoopBack {
		q.Hint = retrieval.HintForTool(tool)
		if q.Hint == retrieval.HintNone {
			q.Hint = deriveHint(st)
		}
		if q.Focus == "" && q.Hint == retrieval.HintNeedFinancial {
			q.Focus = strings.Join(st.Plan.Symbols, ",")
		}
	} else {
		q.Focus = ""
	}
	st.Quality = q
	st.Degraded = q.Decision == DecisionContinue && q.Score < threshold

	p.logger.Info("Quality evaluated",
		zap.String("session_id", st.SessionID),
		zap.Int("iteration", st.Iteration),
		zap.Float64("quality_score", q.Score),
		zap.Float64("threshold", threshold),
		zap.String("decision", string(q.Decision)),
	)

	events = append(events,
		Event{
			Type:    EventProgress,
			Message: fmt.Sprintf("Pass %d of %d scored %.2f", st.Iteration, st.Settings.MaxIterations, q.Score),
			Payload: map[string]any{
				"iteration":            st.Iteration,
				"max_iterations":       st.Settings.MaxIterations,
				"quality_score":        q.Score,
				"threshold":            threshold,
				"configured_threshold": st.Settings.Threshold,
			},
		},
		Event{
			Type:    EventDecision,
			Message: decisionMessage(q, st.Degraded),
			Payload: map[string]any{
				"decision":    string(q.Decision),
				"reasoning":   q.Reasoning,
				"next_action": nextAction(q),
				"gaps":        q.Gaps,
			},
		},
	)
	return st, events, nil
}

// coverageScore rates a pass from what was retrieved when the model gave no
// score at all.
func coverageScore(st State) float64 {
	sources := float64(len(st.SourcesWithData()))
	insights := float64(len(st.Insights))
	return clamp01(0.3 + 0.5*minf(1, sources/2) + 0.2*minf(1, insights/3))
}

// deriveHint picks the next fetch from coverage when the model named none.
func deriveHint(st State) retrieval.Hint {
	financial := st.Plan.QueryType == QueryFinancial || st.Plan.Strategy == retrieval.StrategyFinancialFirst
	switch {
	case financial && st.RecordCount(retrieval.SourceFinancial) == 0:
		return retrieval.HintNeedFinancial
	case st.RecordCount(retrieval.SourceWeb) == 0:
		return retrieval.HintNeedWeb
	}
	return retrieval.HintNeedDeeperGraph
}

func nextAction(q Quality) string {
	if q.Decision == DecisionLoopBack {
		return "retrieve: " + string(q.Hint)
	}
	return "generate"
}

func decisionMessage(q Quality, degraded bool) string {
	switch {
	case q.Decision == DecisionLoopBack:
		return fmt.Sprintf("Score %.2f below %.2f, refining with %s", q.Score, q.Threshold, q.Hint)
	case degraded:
		return fmt.Sprintf("Score %.2f below %.2f, iteration limit reached, proceeding", q.Score, q.Threshold)
	}
	return fmt.Sprintf("Score %.2f meets %.2f, proceeding", q.Score, q.Threshold)
}
