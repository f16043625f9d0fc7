package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/arxivist/arxivist/internal/failure"
	"github.com/arxivist/arxivist/internal/ratelimit"
)

// Policy re-attempts a failing operation with capped exponential backoff and
// jitter. Admission to every attempt goes through the bucket, so concurrent
// jobs contending for the same capability are throttled together. The policy
// carries no job-specific knowledge and is shared verbatim by every stage
// agent.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Bucket      *ratelimit.Bucket

	// OnRetry, when set, observes every transient failure that will be
	// re-attempted. Attempt numbering starts at 1.
	OnRetry func(attempt int, err error)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

func (p Policy) baseDelay() time.Duration {
	if p.BaseDelay <= 0 {
		return 300 * time.Millisecond
	}
	return p.BaseDelay
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return 5 * time.Second
	}
	return p.MaxDelay
}

// Do runs op until it succeeds, fails permanently, or exhausts the attempt
// budget. Transient failures back off base*2^(attempt-1), capped, with up to
// 10% random jitter so concurrent jobs do not retry in lockstep. Exhaustion
// yields a RetriesExhausted wrapping the last failure.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	var last error
	for attempt := 1; ; attempt++ {
		if err := p.Bucket.Acquire(ctx); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !failure.Transient(err) {
			return err
		}
		last = err
		if attempt >= p.maxAttempts() {
			return failure.Wrap(failure.KindRetriesExhausted, last)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if err := sleep(ctx, p.delay(attempt)); err != nil {
			return err
		}
	}
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.baseDelay() << uint(attempt-1)
	if max := p.maxDelay(); d > max {
		d = max
	}
	if j := d / 10; j > 0 {
		d += time.Duration(rand.Int63n(int64(j)))
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return failure.Wrap(failure.KindCancelled, ctx.Err())
	}
}
