// Package asyncexclusive implements the two async mutual-exclusion
// primitives named in §4.1: a chained-signal single-slot section (FIFO by
// arrival) and a counting-semaphore-backed variant.
package asyncexclusive

import (
	"context"
	"sync"
)

// signal is a one-shot completion source: fire() closes ch exactly once.
// ch is set at construction and never reassigned: an earlier version
// pooled signals and reset ch on release, but that raced a waiter's wait()
// reading the same field concurrently (and could hand the waiter a fresh,
// never-fired channel, losing the wakeup entirely). Left for GC instead.
type signal struct {
	ch chan struct{}
}

func (s *signal) wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *signal) fire() {
	close(s.ch)
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// Section is the first primitive: strictly one holder at a time, first-come
// first-served by await arrival. Implementation: current holds the
// completion signal of the most recent entrant; each Enter atomically swaps
// in a fresh signal while capturing the prior one, then awaits the prior
// signal before proceeding.
type Section struct {
	mu      sync.Mutex
	current *signal
}

// Release yields the critical section on Release, guaranteeing release on
// every exit path when used with defer.
type Release func()

// Enter blocks until every earlier entrant has released, then returns a
// Release callback. Only fails if ctx is canceled while waiting; a
// canceled wait never leaks a permit, since it never became the holder.
func (s *Section) Enter(ctx context.Context) (Release, error) {
	s.mu.Lock()
	prior := s.current
	mine := newSignal()
	s.current = mine
	s.mu.Unlock()

	if prior != nil {
		if err := prior.wait(ctx); err != nil {
			// mine must still fire even though this entrant never held the
			// section: a later Enter may already have captured mine as its
			// own prior (or will, since s.current stays mine) and be waiting
			// on it. It fires only once prior has, so that later entrant
			// still waits for every earlier holder to release.
			go func() {
				<-prior.ch
				mine.fire()
			}()
			return nil, err
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			if s.current == mine {
				s.current = nil
			}
			s.mu.Unlock()
			mine.fire()
		})
	}
	return release, nil
}
