// Package engine defines the inference backend contract and the generation
// session that drives one prompt through it.
package engine

import (
	"context"

	"llama-gateway/internal/models"
)

// Engine is the loaded model. Implementations are not required to handle
// overlapping calls; callers serialize access through the scheduler.
type Engine interface {
	// Name returns the backend name used in logs and errors.
	Name() string

	// Complete runs a generation to the end and returns the full text.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Stream starts a generation and returns its fragments as they are
	// produced. Cancelling ctx aborts the generation.
	Stream(ctx context.Context, req Request) (FragmentStream, error)

	// Tokenize returns the token count of text under the model vocabulary.
	Tokenize(ctx context.Context, text string) (int, error)

	// Health returns nil once the model is loaded and able to serve.
	Health(ctx context.Context) error
}

// Request is one generation call.
type Request struct {
	Prompt string
	Params models.Parameters
}

// Completion is the result of a batch generation.
type Completion struct {
	Text         string
	FinishReason models.FinishReason
	// Usage is nil when the backend does not report token counts.
	Usage *models.Usage
}

// Fragment is one streamed piece of generated text. The last fragment of a
// generation has Final set and carries the finish reason.
type Fragment struct {
	Text         string
	Final        bool
	FinishReason models.FinishReason
	Usage        *models.Usage
}

// FragmentStream is a single-pass iterator over generated fragments.
//
//	for s.Next() {
//	    f := s.Current()
//	}
//	if err := s.Err(); err != nil { ... }
type FragmentStream interface {
	Next() bool
	Current() Fragment
	Err() error
	Close() error
}
