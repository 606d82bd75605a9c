package research

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kocoro-lab/research-copilot/internal/llm"
	"github.com/Kocoro-lab/research-copilot/internal/retrieval"
)

// ErrorKind is the client-facing classification of a failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindProvider   ErrorKind = "provider"
	KindRetrieval  ErrorKind = "retrieval"
	KindGeneration ErrorKind = "generation"
	KindNotFound   ErrorKind = "not_found"
	KindCancelled  ErrorKind = "cancelled"
	KindInternal   ErrorKind = "internal"
)

var (
	ErrValidation        = errors.New("invalid request")
	ErrSessionNotFound   = errors.New("session not found")
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrArtifactExpired   = errors.New("artifact expired")
	ErrCancelled         = errors.New("research cancelled")
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// ValidationError rejects a submission before a session exists.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Reason }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StageError attributes a pipeline failure to the stage that raised it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage.NodeName(), e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// GenerationError is a failure to produce the final output.
type GenerationError struct {
	Format OutputFormat
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.Format, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// KindOf maps any error onto the client-facing taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		ve *ValidationError
		ge *GenerationError
		pe *llm.ProviderError
		se *retrieval.SourceError
	)
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &ve), errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrArtifactNotFound), errors.Is(err, ErrArtifactExpired):
		return KindNotFound
	case errors.As(err, &ge):
		return KindGeneration
	case errors.As(err, &pe), errors.Is(err, context.DeadlineExceeded):
		return KindProvider
	case errors.As(err, &se):
		return KindRetrieval
	}
	return KindInternal
}

// failureOf builds the terminal error record for a session.
func failureOf(err error) *Failure {
	f := &Failure{Kind: KindOf(err), Message: err.Error()}
	var se *StageError
	if errors.As(err, &se) {
		f.Stage = se.Stage
	}
	return f
}
