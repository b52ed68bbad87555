package asyncexclusive

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore is §4.1's second primitive: enter_async() awaits a permit and
// returns a scoped release, wrapping golang.org/x/sync/semaphore.Weighted.
type Semaphore struct {
	sem *semaphore.Weighted
}

func NewSemaphore(permits int64) *Semaphore {
	return &Semaphore{sem: semaphore.NewWeighted(permits)}
}

// EnterAsync acquires one permit, blocking until one is available or ctx is
// canceled. Cancellation never leaks a permit: Acquire only succeeds and
// returns a release if it actually took the permit.
func (s *Semaphore) EnterAsync(ctx context.Context) (Release, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		s.sem.Release(1)
	}, nil
}
