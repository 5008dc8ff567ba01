// Package turnlock provides the exclusive FIFO lock that serializes every
// mutating operation of a room.
package turnlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reflectd/reflectd/internal/v1/logging"
)

// ErrClosed is returned to waiters once the lock has been shut down.
var ErrClosed = errors.New("turnlock: lock is closed")

// DefaultExpectedHold is used when the caller passes no expectation.
const DefaultExpectedHold = 500 * time.Millisecond

// watchdogFactor scales the caller's expectation into the warn threshold.
const watchdogFactor = 1.5

type waiter struct {
	name      string
	expected  time.Duration
	ready     chan struct{}
	cancelled bool
}

// Lock is an exclusive, FIFO, cancellable lock with hold-time diagnostics.
// A cancelled waiter never runs and never blocks its successors. The lock is
// never forcibly released; a stuck holder only produces warnings.
type Lock struct {
	name string

	mu       sync.Mutex
	held     bool
	holder   string
	heldAt   time.Time
	queue    []*waiter
	closed   bool
	watchdog *time.Timer
}

// New creates a lock. The name appears in diagnostics.
func New(name string) *Lock {
	return &Lock{name: name}
}

// WithLock runs fn while holding the lock. Acquisition order is call order.
// expected bounds how long fn should hold the lock; exceeding 1.5x expected
// logs a warning. The lock is released on every exit path, including panics.
func (l *Lock) WithLock(ctx context.Context, name string, expected time.Duration, fn func() error) error {
	if expected <= 0 {
		expected = DefaultExpectedHold
	}

	if err := l.acquire(ctx, name, expected); err != nil {
		return err
	}

	defer l.release()
	return fn()
}

// QueueLen reports the number of waiters currently queued.
func (l *Lock) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close rejects current and future waiters with ErrClosed. The current holder,
// if any, finishes normally.
func (l *Lock) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	for _, w := range l.queue {
		w.cancelled = true
		close(w.ready)
	}
	l.queue = nil
}

func (l *Lock) acquire(ctx context.Context, name string, expected time.Duration) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}

	if !l.held && len(l.queue) == 0 {
		l.grantLocked(name, expected)
		l.mu.Unlock()
		return nil
	}

	w := &waiter{name: name, expected: expected, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	queueLen := len(l.queue)
	l.mu.Unlock()

	if queueLen > 8 {
		logging.Warn(ctx, "Turn lock queue is deep",
			zap.String("lock", l.name),
			zap.String("waiter", name),
			zap.Int("queueLen", queueLen))
	}

	select {
	case <-w.ready:
		l.mu.Lock()
		cancelled := w.cancelled
		l.mu.Unlock()
		if cancelled {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		// The grant may have raced the cancellation; if we already hold the
		// lock, pass it on instead of leaking it.
		select {
		case <-w.ready:
			if !w.cancelled {
				l.releaseLocked()
				l.mu.Unlock()
				return ctx.Err()
			}
		default:
			l.removeWaiterLocked(w)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *Lock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
}

func (l *Lock) releaseLocked() {
	if l.watchdog != nil {
		l.watchdog.Stop()
		l.watchdog = nil
	}
	l.held = false
	l.holder = ""

	for len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		if next.cancelled {
			continue
		}
		l.grantLocked(next.name, next.expected)
		close(next.ready)
		return
	}
}

// grantLocked marks the lock held and arms the watchdog. Caller holds l.mu.
func (l *Lock) grantLocked(name string, expected time.Duration) {
	l.held = true
	l.holder = name
	l.heldAt = time.Now()

	threshold := time.Duration(float64(expected) * watchdogFactor)
	holder := name
	heldAt := l.heldAt
	l.watchdog = time.AfterFunc(threshold, func() {
		logging.Warn(context.Background(), "Turn lock held longer than expected",
			zap.String("lock", l.name),
			zap.String("holder", holder),
			zap.Duration("heldFor", time.Since(heldAt)),
			zap.Int("queueLen", l.QueueLen()))
	})
}

func (l *Lock) removeWaiterLocked(target *waiter) {
	for i, w := range l.queue {
		if w == target {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}
