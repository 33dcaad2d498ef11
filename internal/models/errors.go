package models

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateJob marks a dedup-key collision. Ingestion reuses the existing row.
	ErrDuplicateJob = errors.New("duplicate job")

	ErrGeneration           = errors.New("generation failed")
	ErrManualActionRequired = errors.New("manual action required")
	ErrAutomationTimeout    = errors.New("automation task timed out")
	ErrAutomationFailure    = errors.New("automation task failed")
	ErrVerificationExpired  = errors.New("verification window expired")
	ErrQuestionExpired      = errors.New("question is no longer open for answers")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadySending    = errors.New("application is already being sent")
	ErrStaleState        = errors.New("entity changed state concurrently")
	ErrActiveFlowExists  = errors.New("an active registration flow already exists for this domain")
)

// GenerationError wraps a gateway failure or an empty letter.
type GenerationError struct {
	JobID string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate letter for job %s: %v", e.JobID, e.Err)
}

func (e *GenerationError) Unwrap() []error { return []error{ErrGeneration, e.Err} }

// ManualActionError explains why no automated submission path exists.
type ManualActionError struct {
	Reason string
}

func (e *ManualActionError) Error() string {
	return "manual action required: " + e.Reason
}

func (e *ManualActionError) Is(target error) bool { return target == ErrManualActionRequired }

func ManualAction(format string, args ...any) error {
	return &ManualActionError{Reason: fmt.Sprintf(format, args...)}
}

// TransitionError carries the status that blocked a transition.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
