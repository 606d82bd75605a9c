package session

import (
	"errors"
	"time"

	"github.com/Kocoro-lab/research-copilot/internal/research"
)

// ErrCapacity is returned when the session table is full of live sessions.
var ErrCapacity = errors.New("too many active sessions")

// Status is the lifecycle position of a session. It only moves forward.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Session is one research request. Values returned by the Manager are
// copies; mutate a session only through the Manager.
type Session struct {
	ID        string            `json:"id"`
	Query     string            `json:"query"`
	Status    Status            `json:"status"`
	Settings  research.Settings `json:"settings"`
	State     research.State    `json:"state"`
	Snapshot  research.Snapshot `json:"snapshot"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	StartedAt time.Time         `json:"started_at,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`

	// Mirrored is set on sessions loaded from the Redis mirror after this
	// process lost them; only the summary fields are populated.
	Mirrored bool `json:"-"`
}

// IsExpired checks whether the session is past its expiry time.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// record is the JSON summary mirrored to Redis.
type record struct {
	ID            string            `json:"id"`
	Query         string            `json:"query"`
	Status        Status            `json:"status"`
	Settings      research.Settings `json:"settings"`
	Stage         research.Stage    `json:"stage"`
	Iteration     int               `json:"iteration"`
	QualityScore  float64           `json:"quality_score"`
	FinalResponse string            `json:"final_response,omitempty"`
	SourcesUsed   []string          `json:"sources_used,omitempty"`
	ArtifactRef   string            `json:"artifact_ref,omitempty"`
	Degraded      bool              `json:"degraded,omitempty"`
	Error         *research.Failure `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

func recordOf(s *Session) record {
	return record{
		ID:            s.ID,
		Query:         s.Query,
		Status:        s.Status,
		Settings:      s.Settings,
		Stage:         s.Snapshot.Stage,
		Iteration:     s.Snapshot.Iteration,
		QualityScore:  s.Snapshot.QualityScore,
		FinalResponse: s.State.FinalResponse,
		SourcesUsed:   s.State.SourcesUsed,
		ArtifactRef:   s.State.ArtifactRef,
		Degraded:      s.State.Degraded,
		Error:         s.State.Error,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		ExpiresAt:     s.ExpiresAt,
	}
}

func (r record) session() Session {
	st := research.NewState(r.ID, r.Query, r.Settings)
	st.Stage = r.Stage
	st.Iteration = r.Iteration
	st.Quality.Score = r.QualityScore
	st.FinalResponse = r.FinalResponse
	st.SourcesUsed = r.SourcesUsed
	st.ArtifactRef = r.ArtifactRef
	st.Degraded = r.Degraded
	st.Error = r.Error
	return Session{
		ID:        r.ID,
		Query:     r.Query,
		Status:    r.Status,
		Settings:  r.Settings,
		State:     st,
		Snapshot:  research.Snapshot{Stage: r.Stage, Iteration: r.Iteration, QualityScore: r.QualityScore, UpdatedAt: r.UpdatedAt},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		ExpiresAt: r.ExpiresAt,
		Mirrored:  true,
	}
}
