package venue

import (
	"context"
	"testing"
	"time"
)

func TestNewTokenBucketStartsFull(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1)
	if tb.level != 10 {
		t.Errorf("level = %v, want 10", tb.level)
	}
}

func TestTokenBucketBurstIsImmediate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	// The whole burst allowance drains without sleeping.
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("burst token %d took %v, want no blocking", i, elapsed)
		}
	}
}

func TestTokenBucketBlocksUntilRefill(t *testing.T) {
	t.Parallel()
	// A one-token bucket refilling at 10/s puts roughly 100ms between calls.
	tb := NewTokenBucket(1, 10)

	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("second token granted after %v, want a refill wait near 100ms", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestTokenBucketContextCancelled(t *testing.T) {
	t.Parallel()
	// Drain the bucket, then wait with a deadline far shorter than the
	// refill period: the context must win.
	tb := NewTokenBucket(1, 0.1)
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestNewRateLimiterDefaults(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(RateLimits{})

	for name, bucket := range map[string]*TokenBucket{
		"candles": rl.Candles,
		"trades":  rl.Trades,
		"market":  rl.Market,
		"order":   rl.Order,
		"account": rl.Account,
	} {
		if bucket == nil {
			t.Fatalf("%s bucket missing", name)
		}
		if bucket.burst <= 0 || bucket.refill <= 0 {
			t.Errorf("%s bucket not initialised: %+v", name, bucket)
		}
	}
}
