package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arxivist/arxivist/internal/failure"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoRecoversFromTransient(t *testing.T) {
	calls := 0
	var retries []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error) { retries = append(retries, attempt) }
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return failure.New(failure.KindTimeout, "deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("retry observations %v", retries)
	}
}

func TestDoPermanentFailsImmediately(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return failure.New(failure.KindNotFound, "404")
	})
	if calls != 1 {
		t.Fatalf("permanent failure must not be retried, calls=%d", calls)
	}
	if failure.KindOf(err) != failure.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return failure.New(failure.KindProviderBusy, "busy")
	})
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if failure.KindOf(err) != failure.KindRetriesExhausted {
		t.Fatalf("expected RetriesExhausted, got %v", err)
	}
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Err == nil {
		t.Fatalf("exhaustion should wrap the last failure")
	}
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour}
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return failure.New(failure.KindTimeout, "slow")
	})
	if calls != 1 {
		t.Fatalf("expected single attempt before cancel, got %d", calls)
	}
	if failure.KindOf(err) != failure.KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
}
