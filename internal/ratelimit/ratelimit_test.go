package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("caller"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestLimiter_BurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("caller"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	if err := l.Allow("caller"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestLimiter_CallersIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("caller a second request = %v, want ErrRateLimited", err)
	}
	// Caller b still has a full bucket.
	if err := l.Allow("b"); err != nil {
		t.Errorf("caller b rejected: %v", err)
	}
}

func TestLimiter_Refill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1}) // 100 tokens/s

	if err := l.Allow("caller"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("caller"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := l.Allow("caller"); err != nil {
		t.Errorf("bucket did not refill: %v", err)
	}
}

func TestLimiter_Prune(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60})
	if err := l.Allow("stale"); err != nil {
		t.Fatal(err)
	}

	l.mu.Lock()
	l.buckets["stale"].lastFill = time.Now().Add(-idleEvict - time.Minute)
	l.mu.Unlock()

	l.Prune()

	l.mu.Lock()
	_, ok := l.buckets["stale"]
	l.mu.Unlock()
	if ok {
		t.Error("stale bucket survived Prune")
	}
}
