package engine

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"llama-gateway/internal/models"
)

// Session drives one prompt through an engine, either to completion (Run)
// or as a stream of fragments (Stream). A session is used once.
type Session struct {
	engine  Engine
	request Request
	timeout time.Duration

	releaseOnce sync.Once
	release     func()
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout bounds the whole generation by d. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithReleaseHook registers fn to run exactly once when the session ends,
// whatever the outcome.
func WithReleaseHook(fn func()) Option {
	return func(s *Session) {
		s.release = fn
	}
}

// NewSession prepares a generation. Parameters are copied and not changed
// afterwards.
func NewSession(e Engine, prompt string, params models.Parameters, opts ...Option) *Session {
	params.Stop = append([]string(nil), params.Stop...)
	s := &Session{
		engine:  e,
		request: Request{Prompt: prompt, Params: params},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until the engine returns the complete generation.
func (s *Session) Run(ctx context.Context) (*Completion, error) {
	defer s.finish()

	ctx, cancel := s.withBudget(ctx)
	defer cancel()

	completion, err := s.engine.Complete(ctx, s.request)
	if err != nil {
		return nil, s.mapError(ctx, "complete", err)
	}
	if completion.FinishReason == "" {
		completion.FinishReason = models.FinishReasonStop
	}
	return completion, nil
}

// Stream starts the generation and returns a lazy fragment sequence. The
// caller must Close the stream; closing before the end aborts generation.
func (s *Session) Stream(ctx context.Context) (*Stream, error) {
	ctx, cancel := s.withBudget(ctx)

	src, err := s.engine.Stream(ctx, s.request)
	if err != nil {
		// map before cancel so the context error does not mask the backend failure
		mapped := s.mapError(ctx, "stream", err)
		cancel()
		s.finish()
		return nil, mapped
	}

	return &Stream{
		session: s,
		src:     src,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (s *Session) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, s.timeout, ErrGenerationTimeout)
}

func (s *Session) finish() {
	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

func (s *Session) mapError(ctx context.Context, op string, err error) error {
	if errors.Is(context.Cause(ctx), ErrGenerationTimeout) {
		return ErrGenerationTimeout
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ErrGenerationTimeout) || IsEngineError(err) {
		return err
	}
	return &EngineError{Backend: s.engine.Name(), Op: op, Err: err}
}

// errMissingFinal reports a fragment source that ended without a final
// fragment. The output may be truncated, so it is not treated as a stop.
var errMissingFinal = errors.New("stream ended without a final fragment")

// Stream is a single-consumer, non-restartable sequence of fragments.
type Stream struct {
	session *Session
	src     FragmentStream
	ctx     context.Context
	cancel  context.CancelFunc

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	err   error
	usage *models.Usage
}

// Fragments yields text fragments in generation order followed by exactly
// one Final fragment carrying the finish reason. When generation fails the
// sequence ends early and Err reports why. A second call yields nothing.
func (s *Stream) Fragments() iter.Seq[Fragment] {
	return func(yield func(Fragment) bool) {
		if !s.started.CompareAndSwap(false, true) {
			return
		}
		defer s.Close()

		for s.src.Next() {
			f := s.src.Current()
			if f.Text != "" {
				if !yield(Fragment{Text: f.Text}) {
					return
				}
			}
			if f.Final {
				s.usage = f.Usage
				yield(Fragment{Final: true, FinishReason: finishOrStop(f.FinishReason), Usage: f.Usage})
				return
			}
		}

		if err := s.src.Err(); err != nil {
			s.err = s.session.mapError(s.ctx, "stream", err)
			return
		}
		if s.ctx.Err() != nil {
			s.err = s.session.mapError(s.ctx, "stream", s.ctx.Err())
			return
		}
		s.err = s.session.mapError(s.ctx, "stream", errMissingFinal)
	}
}

// Err returns the error that ended the sequence, if any.
func (s *Stream) Err() error {
	return s.err
}

// Usage returns the token counts reported with the final fragment, or nil.
func (s *Stream) Usage() *models.Usage {
	return s.usage
}

// Close aborts the generation if still running and releases the engine.
// It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.src.Close()
		s.session.finish()
	})
	return s.closeErr
}

func finishOrStop(reason models.FinishReason) models.FinishReason {
	if reason == "" {
		return models.FinishReasonStop
	}
	return reason
}
