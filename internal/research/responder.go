package research

import (
	"context"
	"fmt"
	"strings"
)

const (
	limitedDataScore = 0.6
	refinedNoteScore = 0.75
)

// Respond assembles the final answer and its caveats. It makes no external
// calls.
func (p *Pipeline) Respond(_ context.Context, st State) (State, []Event, error) {
	var b strings.Builder
	b.WriteString(st.OutputContent)
	var url string
	if st.ArtifactRef != "" {
		url = p.downloadURL(st.ArtifactRef)
		fmt.Fprintf(&b, "\n\nDownload: %s", url)
	}
	switch {
	case st.Quality.Score < limitedDataScore:
		b.WriteString("\n\n_Note: limited data was available for this question, treat the findings as preliminary._")
	case st.Quality.Score < refinedNoteScore && st.Iteration > 1:
		fmt.Fprintf(&b, "\n\n_Research was refined over %d iterations._", st.Iteration)
	}
	st.FinalResponse = b.String()
	st.SourcesUsed = st.SourcesWithData()
	if st.SourcesUsed == nil {
		st.SourcesUsed = []string{}
	}

	payload := map[string]any{
		"response":        st.FinalResponse,
		"quality_score":   st.Quality.Score,
		"iterations_used": st.Iteration,
		"sources_used":    st.SourcesUsed,
		"output_format":   string(st.Plan.OutputFormat),
		"degraded":        st.Degraded,
	}
	if st.ArtifactRef != "" {
		payload["artifact_ref"] = st.ArtifactRef
		payload["artifact_url"] = url
	}
	return st, []Event{{
		Type:    EventFinalResponse,
		Message: "Research complete",
		Payload: payload,
	}}, nil
}
