package orchestrator

import (
	"context"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"

	"llama-gateway/internal/engine"
	"llama-gateway/internal/models"
	"llama-gateway/internal/prompt"
)

// ChatStream is a running streamed generation. Deltas can be consumed once.
type ChatStream struct {
	orch   *Orchestrator
	ctx    context.Context
	log    *zap.Logger
	stream *engine.Stream
	filter *prompt.ToolCallFilter
	prompt string
	start  time.Time

	err   error
	usage *models.Usage
}

// Model returns the name reported in chunks.
func (s *ChatStream) Model() string {
	return s.orch.cfg.ModelName
}

// Deltas yields content deltas in generation order and then exactly one
// delta with a finish reason. If generation fails the sequence ends without
// a final delta and Err reports the cause.
func (s *ChatStream) Deltas() iter.Seq[models.Delta] {
	return func(yield func(models.Delta) bool) {
		var (
			completion strings.Builder
			toolCalls  int
		)
		for f := range s.stream.Fragments() {
			if f.Final {
				if s.filter != nil {
					if rest := s.filter.Flush(); rest != "" {
						if !yield(models.Delta{Content: rest}) {
							return
						}
					}
				}
				reason := f.FinishReason
				if toolCalls > 0 {
					reason = models.FinishReasonToolCalls
				}
				s.finish(reason, f.Usage, completion.String())
				yield(models.Delta{FinishReason: reason})
				return
			}

			completion.WriteString(f.Text)
			delta := models.Delta{Content: f.Text}
			if s.filter != nil {
				delta.Content, delta.ToolCalls = s.filter.Push(f.Text)
				toolCalls += len(delta.ToolCalls)
			}
			if delta.Content == "" && len(delta.ToolCalls) == 0 {
				continue
			}
			if !yield(delta) {
				return
			}
		}

		if err := s.stream.Err(); err != nil {
			s.err = err
			s.orch.recorder.Generation(modeStream, "", time.Since(s.start), err)
			_ = fail(s.log, stateGenerating, err)
		}
	}
}

func (s *ChatStream) finish(reason models.FinishReason, reported *models.Usage, completion string) {
	s.orch.recorder.Generation(modeStream, reason, time.Since(s.start), nil)
	transition(s.log, stateResponding, zap.Duration("elapsed", time.Since(s.start)))

	s.usage = reported
	if s.usage == nil {
		s.usage = s.orch.countUsage(s.ctx, s.log, s.prompt, completion)
	}
	if s.usage != nil {
		s.orch.recorder.Tokens(*s.usage)
	}
	transition(s.log, stateDone, zap.String("finish_reason", string(reason)))
}

// Err returns the error that ended the stream early, if any.
func (s *ChatStream) Err() error {
	return s.err
}

// Usage returns token usage once the final delta has been produced, or nil
// when it could not be determined.
func (s *ChatStream) Usage() *models.Usage {
	return s.usage
}

// Close aborts generation if it is still running and releases the engine.
func (s *ChatStream) Close() error {
	return s.stream.Close()
}
