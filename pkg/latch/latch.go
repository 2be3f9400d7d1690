// Package latch provides the two synchronization shapes the retrieval engine
// needs: a one-shot signal and a monotonic counter that releases waiters once
// it reaches a target.
package latch

import (
	"context"
	"sync"
)

// Once is a one-shot latch. Signal opens it; Wait blocks until it is open.
// The zero value is a closed latch ready to use.
type Once struct {
	once sync.Once
	mu   sync.Mutex
	ch   chan struct{}
}

func (l *Once) channel() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ch == nil {
		l.ch = make(chan struct{})
	}

	return l.ch
}

// Signal opens the latch and wakes every waiter. Later calls are no-ops.
func (l *Once) Signal() {
	l.once.Do(func() {
		close(l.channel())
	})
}

// Done returns a channel closed once the latch is open.
func (l *Once) Done() <-chan struct{} {
	return l.channel()
}

// IsSet reports whether Signal has been called.
func (l *Once) IsSet() bool {
	select {
	case <-l.Done():
		return true
	default:
		return false
	}
}

// Wait blocks until the latch is open or ctx is done.
func (l *Once) Wait(ctx context.Context) error {
	select {
	case <-l.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type waiter struct {
	target int
	ch     chan struct{}
}

// Counter is a monotonic counter. Waiters block until the count reaches
// their target. The zero value starts at 0 and is ready to use.
type Counter struct {
	mu      sync.Mutex
	n       int
	waiters []waiter
}

// Add increases the count by delta and releases every waiter whose target
// has been reached. Negative deltas are ignored.
func (c *Counter) Add(delta int) {
	if delta <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.n += delta
	c.release()
}

// Reset sets the count back to zero. It must not race with Add.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.n = 0
}

// Value returns the current count.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.n
}

// Wait blocks until the count is at least target or ctx is done.
func (c *Counter) Wait(ctx context.Context, target int) error {
	c.mu.Lock()

	if c.n >= target {
		c.mu.Unlock()

		return nil
	}

	ch := make(chan struct{})
	c.waiters = append(c.waiters, waiter{target: target, ch: ch})
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		c.forget(ch)

		return ctx.Err()
	}
}

// release must be called with mu held.
func (c *Counter) release() {
	kept := c.waiters[:0]

	for _, w := range c.waiters {
		if c.n >= w.target {
			close(w.ch)

			continue
		}

		kept = append(kept, w)
	}

	c.waiters = kept
}

func (c *Counter) forget(ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, w := range c.waiters {
		if w.ch == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)

			return
		}
	}
}
