package engine

import (
	"errors"
	"fmt"
)

// ErrGenerationTimeout is returned when a session exceeds its wall-clock budget.
var ErrGenerationTimeout = errors.New("generation timed out")

// EngineError reports a failure inside the inference backend.
type EngineError struct {
	Backend string
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s %s failed (status %d): %s", e.Backend, e.Op, e.Status, msg)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Backend, e.Op, msg)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsEngineError reports whether err wraps an *EngineError.
func IsEngineError(err error) bool {
	var engineErr *EngineError
	return errors.As(err, &engineErr)
}
