package server

import (
	"errors"
	"time"

	"github.com/Kocoro-lab/research-copilot/internal/research"
	"github.com/Kocoro-lab/research-copilot/internal/session"
)

const maxQueryLength = 1000

var (
	// ErrShuttingDown rejects submissions once Shutdown has begun.
	ErrShuttingDown = errors.New("service is shutting down")
	// ErrForbidden is wrapped by every admission-policy denial.
	ErrForbidden = errors.New("forbidden")
)

// PolicyError carries the reason an admission policy denied a submission.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "submission denied: " + e.Reason }

func (e *PolicyError) Unwrap() error { return ErrForbidden }

// SubmitRequest is a research submission. Zero values take the configured
// defaults.
type SubmitRequest struct {
	Query         string `json:"query"`
	Provider      string `json:"llm_provider,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// SubmitResult is returned as soon as the session exists; the run continues
// in the background.
type SubmitResult struct {
	SessionID string         `json:"session_id"`
	Query     string         `json:"query"`
	Status    session.Status `json:"status"`
	StreamURL string         `json:"stream_url"`
}

// StatusView is the client-facing view of a session. Result fields are set
// only on COMPLETED and Error only on FAILED.
type StatusView struct {
	SessionID     string            `json:"session_id"`
	Query         string            `json:"query"`
	Status        session.Status    `json:"status"`
	Progress      research.Snapshot `json:"progress"`
	Settings      research.Settings `json:"settings"`
	FinalResponse string            `json:"final_response,omitempty"`
	SourcesUsed   []string          `json:"sources_used,omitempty"`
	OutputFormat  string            `json:"output_format,omitempty"`
	ArtifactRef   string            `json:"artifact_ref,omitempty"`
	ArtifactURL   string            `json:"artifact_url,omitempty"`
	QualityScore  float64           `json:"quality_score,omitempty"`
	Iterations    int               `json:"iterations_used,omitempty"`
	Degraded      bool              `json:"degraded,omitempty"`
	Error         *research.Failure `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}
