package research

import (
	"context"
	"fmt"

	"github.com/Kocoro-lab/research-copilot/internal/retrieval"
)

const maxSampleResults = 3

// Retrieve runs one retrieval pass and appends what it found. Source
// failures are recorded as gaps; only cancellation fails the stage.
func (p *Pipeline) Retrieve(ctx context.Context, st State) (State, []Event, error) {
	req := retrieval.Request{
		Query:     st.Query,
		Entities:  st.Plan.Entities,
		Symbols:   st.Plan.Symbols,
		Strategy:  st.Plan.Strategy,
		Iteration: st.Iteration,
		History:   st.RetrievalLog,
	}
	if st.Quality.Decision == DecisionLoopBack {
		req.Hint = st.Quality.Hint
		req.Focus = st.Quality.Focus
	}

	out, err := p.retriever.Retrieve(ctx, req)
	if err != nil {
		return st, nil, fmt.Errorf("retrieve: %w", err)
	}

	for src, recs := range out.Records {
		st.RetrievedData[src] = appendRecords(st.RetrievedData[src], recs)
		if c := out.Confidences[src]; c > st.Confidences[src] {
			st.Confidences[src] = c
		}
	}
	for src, c := range out.Confidences {
		if _, ok := st.Confidences[src]; !ok {
			st.Confidences[src] = c
		}
	}
	if out.Answer != "" {
		st.WebAnswer = out.Answer
	}
	st.RetrievalLog = append(st.RetrievalLog, out.Pass)
	st.RetrievalGaps = append([]string(nil), out.Gaps...)

	events := make([]Event, 0, len(out.Runs))
	for _, run := range out.Runs {
		samples := make([]string, 0, maxSampleResults)
		for i, r := range run.Sample {
			if i >= maxSampleResults {
				break
			}
			samples = append(samples, r.Summary())
		}
		payload := map[string]any{
			"source":         run.Source,
			"query":          run.Query,
			"result_count":   run.Count,
			"sample_results": samples,
		}
		msg := fmt.Sprintf("%s returned %d results", run.Source, run.Count)
		if run.Err != nil {
			payload["error"] = run.Err.Error()
			msg = fmt.Sprintf("%s failed: %v", run.Source, run.Err)
		}
		events = append(events, Event{Type: EventRetrieval, Message: msg, Payload: payload})
	}
	return st, events, nil
}

// appendRecords adds the records of src not already present in dst.
func appendRecords(dst, src []retrieval.Record) []retrieval.Record {
	seen := make(map[string]bool, len(dst))
	for _, r := range dst {
		seen[r.Key()] = true
	}
	for _, r := range src {
		if k := r.Key(); !seen[k] {
			seen[k] = true
			dst = append(dst, r)
		}
	}
	return dst
}
