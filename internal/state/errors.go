package state

import (
	"errors"
	"fmt"
)

// ErrMissingAnalysis is returned by the decision merger when no analysis exists
var ErrMissingAnalysis = errors.New("analysis is required before a decision can be merged")

// ValidationError rejects a session before intake completes
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CollaboratorUnavailableError marks a retrieval or memory failure.
// Stages convert it into empty evidence instead of failing the session.
type CollaboratorUnavailableError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorUnavailableError) Unwrap() error { return e.Err }

// GenerationFailure is a fatal completion or merge error for one stage
type GenerationFailure struct {
	Stage string
	Err   error
}

func (e *GenerationFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *GenerationFailure) Unwrap() error { return e.Err }

// ParseFallback records a field that was missing from a decision reply and
// replaced by its default. It is logged, never returned to the caller.
type ParseFallback struct {
	Field   string
	Default string
}

func (e *ParseFallback) Error() string {
	return fmt.Sprintf("decision reply missing %s, using default %q", e.Field, e.Default)
}

// IsFatal reports whether err should terminate the session
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var cu *CollaboratorUnavailableError
	var pf *ParseFallback
	if errors.As(err, &cu) || errors.As(err, &pf) {
		return false
	}
	return true
}
