package research

import (
	"time"

	"github.com/Kocoro-lab/research-copilot/internal/retrieval"
)

// Stage identifies a node of the pipeline graph.
type Stage string

const (
	StagePlanner   Stage = "PLANNER"
	StageRetriever Stage = "RETRIEVER"
	StageAnalyzer  Stage = "ANALYZER"
	StageCritic    Stage = "CRITIC"
	StageGenerator Stage = "GENERATOR"
	StageResponder Stage = "RESPONDER"
	StageDone      Stage = "DONE"
)

// NodeName is the lower-case name used in event payloads.
func (s Stage) NodeName() string {
	switch s {
	case StagePlanner:
		return "planner"
	case StageRetriever:
		return "retriever"
	case StageAnalyzer:
		return "analyzer"
	case StageCritic:
		return "critic"
	case StageGenerator:
		return "generator"
	case StageResponder:
		return "responder"
	}
	return "done"
}

// QueryType is the planner's classification of a question.
type QueryType string

const (
	QueryFactual     QueryType = "factual"
	QueryComparative QueryType = "comparative"
	QueryStrategic   QueryType = "strategic"
	QueryExploratory QueryType = "exploratory"
	QueryFinancial   QueryType = "financial"
	QueryUnknown     QueryType = "unknown"
)

func parseQueryType(s string) QueryType {
	switch t := QueryType(normalizeEnum(s)); t {
	case QueryFactual, QueryComparative, QueryStrategic, QueryExploratory, QueryFinancial:
		return t
	}
	return QueryUnknown
}

// OutputFormat selects what the Generator produces.
type OutputFormat string

const (
	FormatChat          OutputFormat = "chat"
	FormatSlides        OutputFormat = "slides"
	FormatDocument      OutputFormat = "document"
	FormatBulletSummary OutputFormat = "bullet_summary"
)

func parseOutputFormat(s string) OutputFormat {
	switch f := OutputFormat(normalizeEnum(s)); f {
	case FormatChat, FormatSlides, FormatDocument, FormatBulletSummary:
		return f
	}
	return FormatChat
}

// HasArtifact reports whether the format is delivered as a downloadable file.
func (f OutputFormat) HasArtifact() bool {
	return f == FormatSlides || f == FormatDocument
}

// Decision is the Critic's routing verdict.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionContinue Decision = "CONTINUE"
	DecisionLoopBack Decision = "LOOP_BACK"
)

// Step is one entry of the research plan.
type Step struct {
	Step        int    `json:"step"`
	Description string `json:"description"`
	Query       string `json:"query"`
}

// Plan is written once by the Planner.
type Plan struct {
	QueryType    QueryType          `json:"query_type"`
	Steps        []Step             `json:"steps"`
	Entities     []string           `json:"entities"`
	Symbols      []string           `json:"symbols"`
	Strategy     retrieval.Strategy `json:"retrieval_strategy"`
	OutputFormat OutputFormat       `json:"output_format"`
	Reasoning    string             `json:"reasoning,omitempty"`
}

// Insight is one finding of the Analyzer.
type Insight struct {
	Category    string   `json:"category"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence,omitempty"`
}

// Quality is overwritten by every Critic pass.
type Quality struct {
	Score     float64        `json:"score"`
	Gaps      []string       `json:"gaps"`
	Decision  Decision       `json:"decision"`
	Hint      retrieval.Hint `json:"refinement_hint,omitempty"`
	Focus     string         `json:"refinement_focus,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	// Threshold is the effective threshold the decision was made against.
	Threshold float64 `json:"threshold"`
}

// Settings are fixed for the lifetime of a session.
type Settings struct {
	Threshold     float64 `json:"quality_threshold"`
	MaxIterations int     `json:"max_iterations"`
	// Provider overrides the configured primary model provider.
	Provider string `json:"provider,omitempty"`
	// CallTimeout bounds each model call; zero keeps the adapter default.
	CallTimeout time.Duration `json:"call_timeout,omitempty"`
}

// Failure is the terminal error of a failed session.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Stage   Stage     `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// State is the value threaded through the stages. Stages receive a copy and
// return the next state; they never share it.
type State struct {
	SessionID string   `json:"session_id"`
	Query     string   `json:"query"`
	Settings  Settings `json:"settings"`

	Plan Plan `json:"plan"`

	RetrievedData map[string][]retrieval.Record `json:"retrieved_data"`
	Confidences   map[string]float64            `json:"confidences"`
	WebAnswer     string                        `json:"web_answer,omitempty"`
	RetrievalLog  []retrieval.Pass              `json:"retrieval_log"`
	// RetrievalGaps are the source failures of the latest pass.
	RetrievalGaps []string `json:"retrieval_gaps,omitempty"`

	Insights     []Insight `json:"insights"`
	Synthesis    string    `json:"synthesis,omitempty"`
	AnalysisGaps []string  `json:"analysis_gaps,omitempty"`

	Quality   Quality `json:"quality"`
	Iteration int     `json:"iteration"`

	OutputContent string   `json:"output_content,omitempty"`
	ArtifactRef   string   `json:"artifact_ref,omitempty"`
	FinalResponse string   `json:"final_response,omitempty"`
	SourcesUsed   []string `json:"sources_used,omitempty"`
	Degraded      bool     `json:"degraded"`

	Error *Failure `json:"error,omitempty"`

	// Stage is the stage currently running or last completed.
	Stage Stage `json:"stage"`
}

// NewState creates the initial state of a session.
func NewState(sessionID, query string, settings Settings) State {
	return State{
		SessionID:     sessionID,
		Query:         query,
		Settings:      settings,
		RetrievedData: make(map[string][]retrieval.Record),
		Confidences:   make(map[string]float64),
		Stage:         StagePlanner,
	}
}

// Clone deep-copies the parts of the state stages may modify, so a stage
// holding the copy cannot reach into its caller's maps and slices.
func (s State) Clone() State {
	out := s
	out.Plan.Steps = append([]Step(nil), s.Plan.Steps...)
	out.Plan.Entities = append([]string(nil), s.Plan.Entities...)
	out.Plan.Symbols = append([]string(nil), s.Plan.Symbols...)
	out.RetrievedData = make(map[string][]retrieval.Record, len(s.RetrievedData))
	for k, v := range s.RetrievedData {
		out.RetrievedData[k] = append([]retrieval.Record(nil), v...)
	}
	out.Confidences = make(map[string]float64, len(s.Confidences))
	for k, v := range s.Confidences {
		out.Confidences[k] = v
	}
	out.RetrievalLog = append([]retrieval.Pass(nil), s.RetrievalLog...)
	out.RetrievalGaps = append([]string(nil), s.RetrievalGaps...)
	out.Insights = append([]Insight(nil), s.Insights...)
	out.AnalysisGaps = append([]string(nil), s.AnalysisGaps...)
	out.Quality.Gaps = append([]string(nil), s.Quality.Gaps...)
	out.SourcesUsed = append([]string(nil), s.SourcesUsed...)
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return out
}

// RecordCount returns the number of records retrieved from source.
func (s State) RecordCount(source string) int { return len(s.RetrievedData[source]) }

// SourcesWithData lists sources that returned at least one record, in the
// order they were first queried.
func (s State) SourcesWithData() []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range s.RetrievalLog {
		for _, src := range p.Sources {
			if seen[src] || len(s.RetrievedData[src]) == 0 {
				continue
			}
			seen[src] = true
			out = append(out, src)
		}
	}
	return out
}

// EventType is one of the stream event types.
type EventType string

const (
	EventStart         EventType = "start"
	EventNodeStart     EventType = "node_start"
	EventNodeComplete  EventType = "node_complete"
	EventProgress      EventType = "progress"
	EventRetrieval     EventType = "retrieval"
	EventInsight       EventType = "insight"
	EventDecision      EventType = "decision"
	EventFinalResponse EventType = "final_response"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Terminal reports whether the event closes a stream.
func (t EventType) Terminal() bool { return t == EventComplete || t == EventError }

// Event is what a stage emits. Ids and timestamps are assigned on publish.
type Event struct {
	Type     EventType      `json:"type"`
	NodeName string         `json:"node_name,omitempty"`
	Message  string         `json:"message,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Snapshot is the externally readable view of a running session.
type Snapshot struct {
	Stage        Stage     `json:"stage"`
	Iteration    int       `json:"iteration"`
	QualityScore float64   `json:"quality_score"`
	UpdatedAt    time.Time `json:"updated_at"`
}
