package turnlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWithLock_RunsFn(t *testing.T) {
	l := New("r1")

	ran := false
	err := l.WithLock(context.Background(), "turn", 0, func() error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLock_Exclusive(t *testing.T) {
	l := New("r1")

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "worker", 0, func() error {
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
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "at most one fn may hold the lock")
}

func TestWithLock_FIFOOrder(t *testing.T) {
	l := New("r1")

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "holder", 0, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "queued", 0, func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Give each goroutine time to enqueue before the next starts.
		for l.QueueLen() <= i {
			time.Sleep(time.Millisecond)
		}
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWithLock_CancelledWaiterNeverRuns(t *testing.T) {
	l := New("r1")

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "holder", 0, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	ran := false
	go func() {
		errCh <- l.WithLock(ctx, "cancelled", 0, func() error {
			ran = true
			return nil
		})
	}()

	for l.QueueLen() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)

	// Successors still make progress.
	done := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "successor", 0, func() error { return nil })
		close(done)
	}()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("successor never acquired the lock after a cancelled waiter")
	}
}

func TestWithLock_ReleasedOnError(t *testing.T) {
	l := New("r1")

	err := l.WithLock(context.Background(), "fails", 0, func() error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	// Lock must be free again.
	err = l.WithLock(context.Background(), "after", 0, func() error { return nil })
	assert.NoError(t, err)
}

func TestClose_RejectsWaiters(t *testing.T) {
	l := New("r1")

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "holder", 0, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.WithLock(context.Background(), "waiter", 0, func() error { return nil })
	}()
	for l.QueueLen() == 0 {
		time.Sleep(time.Millisecond)
	}

	l.Close()
	assert.ErrorIs(t, <-errCh, ErrClosed)

	close(release)

	// New acquisitions are rejected outright.
	err := l.WithLock(context.Background(), "late", 0, func() error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
