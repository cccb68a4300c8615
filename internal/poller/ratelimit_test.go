package poller

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterSpacing(t *testing.T) {
	rl := NewRateLimiter(50)

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := rl.Guard(context.Background()); err != nil {
			t.Fatalf("Guard: %v", err)
		}
	}
	elapsed := time.Since(start)

	// First call passes immediately, the next three wait 20ms each.
	if min := 55 * time.Millisecond; elapsed < min {
		t.Errorf("4 calls at 50 rps took %v, want at least %v", elapsed, min)
	}
}

func TestRateLimiterCancelled(t *testing.T) {
	rl := NewRateLimiter(1)
	if err := rl.Guard(context.Background()); err != nil {
		t.Fatalf("first Guard: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rl.Guard(ctx); err == nil {
		t.Error("Guard on cancelled context returned nil")
	}
}
