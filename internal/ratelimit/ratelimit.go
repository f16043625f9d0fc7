package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/arxivist/arxivist/internal/failure"
)

// Bucket is a token bucket with strict FIFO admission. One bucket guards one
// external capability class (a source type, an inference provider) and is
// shared by every caller contending for that capability. Buckets are always
// passed in explicitly; there is no process-wide instance.
type Bucket struct {
	mu      sync.Mutex
	tokens  int
	cap     int
	waiters []*waiter
	maxWait time.Duration
	done    chan struct{}
	closed  bool
}

type waiter struct {
	ch chan struct{}
}

// NewBucket builds a bucket holding capacity tokens, refilled one token per
// refillEvery. maxWait is the ceiling a caller may block waiting for
// admission before failing with RateLimitExceeded; zero means wait forever.
func NewBucket(capacity int, refillEvery, maxWait time.Duration) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillEvery <= 0 {
		refillEvery = time.Second
	}
	b := &Bucket{tokens: capacity, cap: capacity, maxWait: maxWait, done: make(chan struct{})}
	go b.refill(refillEvery)
	return b
}

func (b *Bucket) refill(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
		}
		b.mu.Lock()
		if len(b.waiters) > 0 {
			// Hand the token straight to the oldest waiter.
			w := b.waiters[0]
			b.waiters = b.waiters[1:]
			w.ch <- struct{}{}
		} else if b.tokens < b.cap {
			b.tokens++
		}
		b.mu.Unlock()
	}
}

// Acquire blocks until a token is issued, the wait ceiling passes, or ctx is
// cancelled. A nil bucket admits immediately. Admission order among blocked
// callers is their arrival order.
func (b *Bucket) Acquire(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.tokens > 0 && len(b.waiters) == 0 {
		b.tokens--
		b.mu.Unlock()
		return nil
	}
	w := &waiter{ch: make(chan struct{}, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	var ceiling <-chan time.Time
	if b.maxWait > 0 {
		timer := time.NewTimer(b.maxWait)
		defer timer.Stop()
		ceiling = timer.C
	}

	select {
	case <-w.ch:
		return nil
	case <-ceiling:
		if b.abandon(w) {
			return failure.New(failure.KindRateLimitExceeded, "no token within %s", b.maxWait)
		}
		return nil
	case <-b.done:
		if b.abandon(w) {
			return failure.New(failure.KindRateLimitExceeded, "bucket closed while waiting")
		}
		return nil
	case <-ctx.Done():
		if b.abandon(w) {
			return failure.Wrap(failure.KindCancelled, ctx.Err())
		}
		return nil
	}
}

// abandon removes w from the queue. It returns false when a token was granted
// concurrently, in which case the caller owns that token after all.
func (b *Bucket) abandon(w *waiter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-w.ch:
		// Granted between the select firing and taking the lock.
		return false
	default:
	}
	for i, q := range b.waiters {
		if q == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	return true
}

// Close stops the refill loop and releases every queued waiter with a
// RateLimitExceeded, since no token will ever arrive for them.
func (b *Bucket) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()
}
