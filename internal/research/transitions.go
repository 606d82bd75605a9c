package research

import "fmt"

type edge struct {
	from     Stage
	decision Decision
}

// transitions enumerates every legal move of the stage machine. The Critic's
// decision is the only input that selects between two edges.
var transitions = map[edge]Stage{
	{StagePlanner, DecisionNone}:    StageRetriever,
	{StageRetriever, DecisionNone}:  StageAnalyzer,
	{StageAnalyzer, DecisionNone}:   StageCritic,
	{StageCritic, DecisionLoopBack}: StageRetriever,
	{StageCritic, DecisionContinue}: StageGenerator,
	{StageGenerator, DecisionNone}:  StageResponder,
	{StageResponder, DecisionNone}:  StageDone,
}

// Next returns the stage following from under decision.
func Next(from Stage, decision Decision) (Stage, error) {
	if from != StageCritic {
		decision = DecisionNone
	}
	to, ok := transitions[edge{from, decision}]
	if !ok {
		return "", fmt.Errorf("%w: %s with decision %q", ErrInvalidTransition, from, decision)
	}
	return to, nil
}

// Decide is the quality gate: loop back only while the score is under the
// threshold and the iteration budget is not spent. iteration is the number of
// Critic evaluations including the current one.
func Decide(score, threshold float64, iteration, maxIterations int) Decision {
	if score < threshold && iteration < maxIterations {
		return DecisionLoopBack
	}
	return DecisionContinue
}

// EffectiveThreshold adjusts the configured threshold to the query type:
// strategic questions need more evidence, factual lookups less.
func EffectiveThreshold(configured float64, qt QueryType) float64 {
	switch qt {
	case QueryStrategic:
		return maxf(configured, 0.8)
	case QueryFactual:
		return minf(configured, 0.7)
	case QueryFinancial:
		return maxf(configured, 0.75)
	}
	return configured
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	return minf(1, maxf(0, v))
}
