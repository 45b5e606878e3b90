package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket_Allow(t *testing.T) {
	clock := newTestClock()
	limiter := NewTokenBucket(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	// Should allow burst
	for i := 0; i < 10; i++ {
		d := limiter.Allow("client")
		if !d.Allowed {
			t.Errorf("Request %d should be allowed", i)
		}
		if d.Remaining != 9-i {
			t.Errorf("Request %d: expected Remaining=%d, got %d", i, 9-i, d.Remaining)
		}
	}

	// Should deny after burst
	d := limiter.Allow("client")
	if d.Allowed {
		t.Fatal("Request should be denied after burst")
	}
	if d.RetryAfter != 6*time.Second {
		t.Errorf("expected RetryAfter=6s, got %v", d.RetryAfter)
	}
	if !d.ResetAt.Equal(testEpoch.Add(time.Minute)) {
		t.Errorf("expected ResetAt=%v, got %v", testEpoch.Add(time.Minute), d.ResetAt)
	}

	// One token interval later exactly one request fits
	clock.Advance(6 * time.Second)
	d = limiter.Allow("client")
	if !d.Allowed {
		t.Error("Request should be allowed after one token interval")
	}
	if d.Remaining != 0 {
		t.Errorf("expected Remaining=0, got %d", d.Remaining)
	}
	if limiter.Allow("client").Allowed {
		t.Error("Only one token should have been refilled")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	clock := newTestClock()
	limiter := NewTokenBucket(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 10; i++ {
		limiter.Allow("client")
	}

	clock.Advance(30 * time.Second)
	if r := limiter.Remaining("client"); r != 5 {
		t.Errorf("expected 5 tokens after half a window, got %d", r)
	}
}

func TestTokenBucket_RefillCapped(t *testing.T) {
	clock := newTestClock()
	limiter := NewTokenBucket(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 3; i++ {
		limiter.Allow("client")
	}

	clock.Advance(10 * time.Minute)
	if r := limiter.Remaining("client"); r != 10 {
		t.Errorf("expected tokens capped at 10, got %d", r)
	}
	if d := limiter.Allow("client"); d.Remaining != 9 {
		t.Errorf("expected Remaining=9, got %d", d.Remaining)
	}
}

func TestTokenBucket_KeepsPartialRefill(t *testing.T) {
	clock := newTestClock()
	limiter := NewTokenBucket(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 10; i++ {
		limiter.Allow("client")
	}

	// 9s grants one token and leaves 3s towards the next.
	clock.Advance(9 * time.Second)
	if !limiter.Allow("client").Allowed {
		t.Fatal("Request should be allowed after 9s")
	}

	clock.Advance(3 * time.Second)
	if !limiter.Allow("client").Allowed {
		t.Error("accrued progress towards the next token was lost")
	}
}

func TestTokenBucket_FrequentCallsDoNotDelayRefill(t *testing.T) {
	clock := newTestClock()
	limiter := NewTokenBucket(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 10; i++ {
		limiter.Allow("client")
	}

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		d := limiter.Allow("client")
		if d.Allowed {
			t.Fatalf("Request at +%ds should be denied", i+1)
		}
		if want := time.Duration(5-i) * time.Second; d.RetryAfter != want {
			t.Errorf("at +%ds expected RetryAfter=%v, got %v", i+1, want, d.RetryAfter)
		}
	}

	clock.Advance(time.Second)
	if !limiter.Allow("client").Allowed {
		t.Error("Request at +6s should be allowed")
	}
}

func TestTokenBucket_FullRefillAfterWindow(t *testing.T) {
	clock := newTestClock()
	limiter := NewTokenBucket(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 10; i++ {
		limiter.Allow("client")
	}

	clock.Advance(time.Minute)
	d := limiter.Allow("client")
	if !d.Allowed || d.Remaining != 9 {
		t.Errorf("expected a full bucket after one window, got %+v", d)
	}
	if !d.ResetAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("expected ResetAt=%v, got %v", clock.Now().Add(time.Minute), d.ResetAt)
	}
}

func BenchmarkTokenBucket_Allow(b *testing.B) {
	limiter := NewTokenBucket(MustConfig(1_000_000, time.Second))
	defer limiter.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("client")
	}
}

func BenchmarkTokenBucket_AllowParallel(b *testing.B) {
	limiter := NewTokenBucket(MustConfig(1_000_000, time.Second))
	defer limiter.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			limiter.Allow("client")
		}
	})
}
