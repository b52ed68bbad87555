package asyncexclusive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSectionFIFOByArrival sends n entrants through Enter one after
// another, each releasing only after it has recorded itself, and checks
// that every one of them gets through. The order of entry is not asserted:
// which goroutine takes each start token is not known to the test.
func TestSectionFIFOByArrival(t *testing.T) {
	var s Section
	var order []int
	var mu sync.Mutex

	const n = 20
	starts := make(chan struct{}, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-starts
			release, err := s.Enter(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			release()
		}(i)
	}
	for i := 0; i < n; i++ {
		starts <- struct{}{}
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	assert.Len(t, order, n)
}

func TestSectionExcludesConcurrentHolders(t *testing.T) {
	var s Section
	var active int32
	var maxActive int32
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := s.Enter(context.Background())
			require.NoError(t, err)
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}

func TestSectionCancellationDoesNotDeadlockChainedWaiter(t *testing.T) {
	var s Section

	ctx, cancelFirst := context.WithCancel(context.Background())
	releaseHolder, err := s.Enter(context.Background())
	require.NoError(t, err)

	// The first entrant chains behind the holder and is then canceled.
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Enter(ctx)
		firstErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	// The waiter chains behind the first entrant.
	errCh := make(chan error, 1)
	go func() {
		release, err := s.Enter(context.Background())
		if err == nil {
			release()
		}
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	cancelFirst()
	require.Error(t, <-firstErr)

	select {
	case <-errCh:
		t.Fatal("waiter entered while the holder still held the section")
	case <-time.After(10 * time.Millisecond):
	}

	releaseHolder()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked after the holder it was chained behind was released")
	}
}

func TestSemaphoreLimitsConcurrency(t *testing.T) {
	sem := NewSemaphore(2)
	var active int32
	var maxActive int32
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := sem.EnterAsync(context.Background())
			require.NoError(t, err)
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxActive, int32(2))
}

func TestSemaphoreCancellationLeaksNoPermit(t *testing.T) {
	sem := NewSemaphore(1)
	release, err := sem.EnterAsync(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = sem.EnterAsync(ctx)
	require.Error(t, err)

	release()

	release2, err := sem.EnterAsync(context.Background())
	require.NoError(t, err)
	release2()
}
