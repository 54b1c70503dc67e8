// Package scheduler serializes access to the inference engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrEngineBusy is returned when the wait queue is full or the queue wait
	// bound elapses. Clients may retry later.
	ErrEngineBusy = errors.New("engine busy")
	// ErrClosed is returned once the scheduler stops admitting work.
	ErrClosed = errors.New("scheduler closed")
)

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Active     int
	Waiting    int
	Capacity   int
	QueueDepth int
	Closed     bool
}

// Scheduler grants at most Capacity concurrent holders. Further callers wait
// in arrival order, up to QueueDepth of them.
type Scheduler struct {
	sem          *semaphore.Weighted
	capacity     int64
	queueDepth   int64
	queueTimeout time.Duration

	active  atomic.Int64
	waiting atomic.Int64
	closed  atomic.Bool
}

// New returns a scheduler with slots concurrent holders and room for
// queueDepth waiters. A positive queueTimeout bounds each wait.
func New(slots, queueDepth int, queueTimeout time.Duration) (*Scheduler, error) {
	if slots < 1 {
		return nil, fmt.Errorf("slots must be at least 1, got %d", slots)
	}
	if queueDepth < 0 {
		return nil, fmt.Errorf("queue depth must not be negative, got %d", queueDepth)
	}
	return &Scheduler{
		sem:          semaphore.NewWeighted(int64(slots)),
		capacity:     int64(slots),
		queueDepth:   int64(queueDepth),
		queueTimeout: queueTimeout,
	}, nil
}

// Acquire blocks until a slot is free and returns the function that frees
// it. The release function may be called any number of times.
func (s *Scheduler) Acquire(ctx context.Context) (func(), error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// TryAcquire fails whenever others are already waiting, so the fast path
	// never overtakes the queue.
	if s.sem.TryAcquire(1) {
		return s.grant(), nil
	}

	if s.waiting.Add(1) > s.queueDepth {
		s.waiting.Add(-1)
		return nil, ErrEngineBusy
	}
	defer s.waiting.Add(-1)

	waitCtx := ctx
	if s.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeoutCause(ctx, s.queueTimeout, ErrEngineBusy)
		defer cancel()
	}

	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(waitCtx), ErrEngineBusy) {
			return nil, fmt.Errorf("%w: queued longer than %s", ErrEngineBusy, s.queueTimeout)
		}
		return nil, err
	}

	if s.closed.Load() {
		s.sem.Release(1)
		return nil, ErrClosed
	}
	return s.grant(), nil
}

func (s *Scheduler) grant() func() {
	s.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.active.Add(-1)
			s.sem.Release(1)
		})
	}
}

// Stats reports current usage.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Active:     int(s.active.Load()),
		Waiting:    int(s.waiting.Load()),
		Capacity:   int(s.capacity),
		QueueDepth: int(s.queueDepth),
		Closed:     s.closed.Load(),
	}
}

// Accepting reports whether new work is admitted.
func (s *Scheduler) Accepting() bool {
	return !s.closed.Load()
}

// Close stops admitting new work. Holders keep their slots until released.
func (s *Scheduler) Close() {
	s.closed.Store(true)
}

// Drain waits until every slot is free or ctx ends.
func (s *Scheduler) Drain(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, s.capacity); err != nil {
		return err
	}
	s.sem.Release(s.capacity)
	return nil
}
