package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for engine operations.
var (
	// ErrNoMorePairs indicates the uncertain-pair pool is exhausted.
	ErrNoMorePairs = errors.New("no more uncertain pairs")

	// ErrNotTrained indicates an operation needs a trained model.
	ErrNotTrained = errors.New("model not trained")

	// ErrEngineUnavailable indicates the engine cannot be reached.
	ErrEngineUnavailable = errors.New("engine unavailable")
)

// EngineError wraps engine failures with the operation that produced them.
type EngineError struct {
	// Op is the session operation that failed (e.g. "Score").
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsNoMorePairs returns true if the error indicates pair exhaustion.
func IsNoMorePairs(err error) bool {
	return errors.Is(err, ErrNoMorePairs)
}

// IsNotTrained returns true if the error indicates a missing model.
func IsNotTrained(err error) bool {
	return errors.Is(err, ErrNotTrained)
}

// IsEngineUnavailable returns true if the error indicates the engine cannot
// be reached.
func IsEngineUnavailable(err error) bool {
	return errors.Is(err, ErrEngineUnavailable)
}
