// Package enginetest provides a scripted engine for tests.
package enginetest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"llama-gateway/internal/engine"
	"llama-gateway/internal/models"
)

// Fake is a scripted engine.Engine. It replays Fragments for every call and
// records how many calls overlapped.
type Fake struct {
	// Fragments are emitted in order; their concatenation is the batch text.
	Fragments []string
	// FinishReason defaults to stop.
	FinishReason models.FinishReason
	// Usage is reported with the result when set.
	Usage *models.Usage
	// Delay is slept before each fragment.
	Delay time.Duration
	// Block makes every call wait for its context to end.
	Block bool
	// Err, when set, is returned by Complete and Stream.
	Err error
	// StreamErr, when set, ends the stream after the fragments with this error.
	StreamErr error
	// OmitFinal ends the stream after the fragments without a final fragment.
	OmitFinal bool
	// TokenizeErr, when set, is returned by Tokenize.
	TokenizeErr error
	// HealthErr is returned by Health.
	HealthErr error

	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32

	mu       sync.Mutex
	requests []engine.Request
	started  chan struct{}
}

// New returns a Fake emitting fragments.
func New(fragments ...string) *Fake {
	return &Fake{Fragments: fragments}
}

// Name implements engine.Engine.
func (f *Fake) Name() string {
	return "fake"
}

// Complete implements engine.Engine.
func (f *Fake) Complete(ctx context.Context, req engine.Request) (*engine.Completion, error) {
	done := f.enter(req)
	defer done()

	if f.Err != nil {
		return nil, f.Err
	}
	for range f.Fragments {
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
	}
	if f.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &engine.Completion{
		Text:         strings.Join(f.Fragments, ""),
		FinishReason: f.finishReason(),
		Usage:        f.Usage,
	}, nil
}

// Stream implements engine.Engine.
func (f *Fake) Stream(ctx context.Context, req engine.Request) (engine.FragmentStream, error) {
	done := f.enter(req)
	if f.Err != nil {
		done()
		return nil, f.Err
	}
	return &fakeStream{fake: f, ctx: ctx, done: done}, nil
}

// Tokenize implements engine.Engine by counting whitespace separated words.
func (f *Fake) Tokenize(_ context.Context, text string) (int, error) {
	if f.TokenizeErr != nil {
		return 0, f.TokenizeErr
	}
	return len(strings.Fields(text)), nil
}

// Health implements engine.Engine.
func (f *Fake) Health(context.Context) error {
	return f.HealthErr
}

// Calls reports how many generations were started.
func (f *Fake) Calls() int {
	return int(f.calls.Load())
}

// MaxActive reports the largest number of overlapping generations observed.
func (f *Fake) MaxActive() int {
	return int(f.maxActive.Load())
}

// Active reports the number of generations running now.
func (f *Fake) Active() int {
	return int(f.active.Load())
}

// Requests returns a copy of the requests received so far.
func (f *Fake) Requests() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Request(nil), f.requests...)
}

// Started returns a channel that receives once per started generation.
func (f *Fake) Started() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started == nil {
		f.started = make(chan struct{}, 64)
	}
	return f.started
}

func (f *Fake) enter(req engine.Request) func() {
	f.calls.Add(1)
	n := f.active.Add(1)
	for {
		peak := f.maxActive.Load()
		if n <= peak || f.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	started := f.started
	f.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { f.active.Add(-1) })
	}
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(f.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *Fake) finishReason() models.FinishReason {
	if f.FinishReason == "" {
		return models.FinishReasonStop
	}
	return f.FinishReason
}

type fakeStream struct {
	fake    *Fake
	ctx     context.Context
	done    func()
	idx     int
	current engine.Fragment
	err     error
	ended   bool
}

func (s *fakeStream) Next() bool {
	if s.ended {
		return false
	}
	if err := s.fake.wait(s.ctx); err != nil {
		return s.fail(err)
	}

	if s.idx < len(s.fake.Fragments) {
		s.current = engine.Fragment{Text: s.fake.Fragments[s.idx]}
		s.idx++
		return true
	}

	if s.fake.Block {
		<-s.ctx.Done()
		return s.fail(s.ctx.Err())
	}
	if s.fake.StreamErr != nil {
		return s.fail(s.fake.StreamErr)
	}

	s.ended = true
	if s.fake.OmitFinal {
		return false
	}
	s.current = engine.Fragment{Final: true, FinishReason: s.fake.finishReason(), Usage: s.fake.Usage}
	return true
}

func (s *fakeStream) fail(err error) bool {
	s.err = err
	s.ended = true
	return false
}

func (s *fakeStream) Current() engine.Fragment {
	return s.current
}

func (s *fakeStream) Err() error {
	return s.err
}

func (s *fakeStream) Close() error {
	s.ended = true
	s.done()
	return nil
}
