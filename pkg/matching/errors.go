package matching

import (
	"errors"
	"fmt"
)

// Sentinel errors for matching commands and steps.
var (
	// ErrInvalidPhase indicates a command arrived in a phase that does not
	// allow it, or a sub-goal was planned twice without a restart.
	ErrInvalidPhase = errors.New("invalid phase")

	// ErrUnknownMatching indicates no job exists for the given id.
	ErrUnknownMatching = errors.New("unknown matching")

	// ErrNoMoreTrainingPairs indicates the engine has no further uncertain
	// pair to offer for labeling.
	ErrNoMoreTrainingPairs = errors.New("no more training pairs")

	// ErrUnknownPair indicates a referenced pair is not present (proposal
	// lookup, discard, or label update of a never-seen pair).
	ErrUnknownPair = errors.New("unknown pair")

	// ErrNotEnoughLabeledPairs indicates the labeled-pair minimum is not met
	// for both decisions.
	ErrNotEnoughLabeledPairs = errors.New("not enough labeled pairs")

	// ErrInvalidState indicates an internal invariant was violated, e.g.
	// clustering finished with no downstream sub-goal planned.
	ErrInvalidState = errors.New("invalid state")
)

// ValidationError reports invalid command input or job settings.
type ValidationError struct {
	// Field is the offending input field.
	Field string

	// Message describes what is wrong with the field.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Error wraps a matching failure with the job and operation it belongs to.
type Error struct {
	// Op is the command or step that failed (e.g. "UpdateTrainingPair").
	Op string

	// ID is the job the failure belongs to.
	ID ID

	// Phase is the job phase at failure time, if known.
	Phase Phase

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Op, e.ID, e.Phase, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsInvalidPhase returns true if the error indicates a phase precondition failure.
func IsInvalidPhase(err error) bool {
	return errors.Is(err, ErrInvalidPhase)
}

// IsUnknownMatching returns true if the error indicates a missing job.
func IsUnknownMatching(err error) bool {
	return errors.Is(err, ErrUnknownMatching)
}

// IsNoMoreTrainingPairs returns true if the error indicates pair exhaustion.
func IsNoMoreTrainingPairs(err error) bool {
	return errors.Is(err, ErrNoMoreTrainingPairs)
}

// IsUnknownPair returns true if the error indicates a missing pair.
func IsUnknownPair(err error) bool {
	return errors.Is(err, ErrUnknownPair)
}

// IsNotEnoughLabeledPairs returns true if the error indicates the labeling
// minimum is not met.
func IsNotEnoughLabeledPairs(err error) bool {
	return errors.Is(err, ErrNotEnoughLabeledPairs)
}

// IsInvalidState returns true if the error indicates a broken internal invariant.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
