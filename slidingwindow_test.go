package ratelimit

import (
	"testing"
	"time"
)

func TestSlidingWindowLog_Allow(t *testing.T) {
	clock := newTestClock()
	limiter := NewSlidingWindowLog(MustConfig(100, time.Second), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 100; i++ {
		if !limiter.Allow("client").Allowed {
			t.Errorf("Request %d should be allowed", i)
		}
	}

	clock.Advance(20 * time.Millisecond)
	d := limiter.Allow("client")
	if d.Allowed {
		t.Fatal("Request 101 should be denied")
	}
	if d.RetryAfter != 980*time.Millisecond {
		t.Errorf("expected RetryAfter=980ms, got %v", d.RetryAfter)
	}

	clock.Advance(d.RetryAfter)
	if !limiter.Allow("client").Allowed {
		t.Error("Request should be allowed once the oldest entry leaves the window")
	}
}

func TestSlidingWindowLog_EvictsAtWindowAge(t *testing.T) {
	clock := newTestClock()
	limiter := NewSlidingWindowLog(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	d := limiter.Allow("client")
	if !d.ResetAt.Equal(testEpoch.Add(time.Minute)) {
		t.Errorf("expected ResetAt=%v, got %v", testEpoch.Add(time.Minute), d.ResetAt)
	}

	clock.Advance(time.Minute - time.Millisecond)
	if r := limiter.Remaining("client"); r != 9 {
		t.Errorf("entry should still count just before it is a window old, got Remaining=%d", r)
	}

	clock.Advance(time.Millisecond)
	if r := limiter.Remaining("client"); r != 10 {
		t.Errorf("entry exactly a window old should be evicted, got Remaining=%d", r)
	}
}

func TestSlidingWindowLog_NoBoundaryBurst(t *testing.T) {
	clock := newTestClock()
	limiter := NewSlidingWindowLog(MustConfig(100, time.Second), WithClock(clock))
	defer limiter.Close()

	clock.Advance(990 * time.Millisecond)
	allowed := 0
	for i := 0; i < 150; i++ {
		if limiter.Allow("client").Allowed {
			allowed++
		}
	}

	clock.Advance(20 * time.Millisecond)
	for i := 0; i < 150; i++ {
		if limiter.Allow("client").Allowed {
			allowed++
		}
	}
	if allowed != 100 {
		t.Errorf("expected 100 allowed in any one-second span, got %d", allowed)
	}
}

func TestSlidingWindowLog_BoundedMemory(t *testing.T) {
	clock := newTestClock()
	limiter := NewSlidingWindowLog(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	// One request per interval keeps the log full while it slides.
	for i := 0; i < 1000; i++ {
		limiter.Allow("client")
		clock.Advance(6 * time.Second)
	}

	limiter.store.peek("client", func(st *slidingWindowLogState, ok bool, _ time.Time) {
		if !ok {
			t.Fatal("client state missing")
		}
		if len(st.log) > 10 {
			t.Errorf("log holds %d entries, limit is 10", len(st.log))
		}
		if cap(st.log) > 40 {
			t.Errorf("log backing array grew to %d", cap(st.log))
		}
	})
}

func TestSlidingWindowCounter_Weighted(t *testing.T) {
	clock := newTestClock()
	limiter := NewSlidingWindowCounter(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 10; i++ {
		limiter.Allow("client")
	}

	// Halfway through the next window the previous one still weighs 5.
	clock.Advance(90 * time.Second)
	if r := limiter.Remaining("client"); r != 5 {
		t.Errorf("expected Remaining=5, got %d", r)
	}

	d := limiter.Allow("client")
	if !d.Allowed {
		t.Fatal("Request should be allowed")
	}
	if d.Remaining != 4 {
		t.Errorf("expected Remaining=4, got %d", d.Remaining)
	}
}

func TestSlidingWindowCounter_RetryAfter(t *testing.T) {
	clock := newTestClock()
	limiter := NewSlidingWindowCounter(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 10; i++ {
		limiter.Allow("client")
	}

	d := limiter.Allow("client")
	if d.Allowed {
		t.Fatal("Request should be denied")
	}
	if want := time.Minute + time.Nanosecond; d.RetryAfter != want {
		t.Errorf("expected RetryAfter=%v, got %v", want, d.RetryAfter)
	}

	clock.Advance(d.RetryAfter - time.Nanosecond)
	if limiter.Allow("client").Allowed {
		t.Error("Request should still be denied on the boundary")
	}

	clock.Advance(time.Nanosecond)
	if !limiter.Allow("client").Allowed {
		t.Error("Request should be allowed at RetryAfter")
	}
}

func TestSlidingWindowCounter_RetryAfterWithinWindow(t *testing.T) {
	clock := newTestClock()
	limiter := NewSlidingWindowCounter(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 10; i++ {
		limiter.Allow("client")
	}

	clock.Advance(66 * time.Second)
	if !limiter.Allow("client").Allowed {
		t.Fatal("previous window has decayed by one request")
	}

	d := limiter.Allow("client")
	if d.Allowed {
		t.Fatal("Request should be denied")
	}
	// The previous window weighs exactly 9 now; anything later is below.
	if d.RetryAfter != time.Nanosecond {
		t.Errorf("expected RetryAfter=1ns, got %v", d.RetryAfter)
	}

	clock.Advance(d.RetryAfter)
	if !limiter.Allow("client").Allowed {
		t.Error("Request should be allowed at RetryAfter")
	}
}

func TestSlidingWindowCounter_RetryAfterInexactRatio(t *testing.T) {
	clock := newTestClock()
	limiter := NewSlidingWindowCounter(MustConfig(3, time.Minute), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 3; i++ {
		limiter.Allow("client")
	}

	clock.Advance(70 * time.Second)
	if !limiter.Allow("client").Allowed {
		t.Fatal("weighted count 2.5 is below the limit")
	}

	// 3*(1-p) < 2 first holds just after p = 1/3, i.e. 20s into the window.
	d := limiter.Allow("client")
	if d.Allowed {
		t.Fatal("Request should be denied")
	}
	if want := 10*time.Second + time.Nanosecond; d.RetryAfter != want {
		t.Errorf("expected RetryAfter=%v, got %v", want, d.RetryAfter)
	}

	clock.Advance(d.RetryAfter)
	if !limiter.Allow("client").Allowed {
		t.Error("Request should be allowed at RetryAfter")
	}
}

func TestSlidingWindowCounter_RemainingCountsPartialSlack(t *testing.T) {
	clock := newTestClock()
	limiter := NewSlidingWindowCounter(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 10; i++ {
		limiter.Allow("client")
	}

	// The previous window weighs 9.5, which still leaves room for one.
	clock.Advance(63 * time.Second)
	if r := limiter.Remaining("client"); r != 1 {
		t.Errorf("expected Remaining=1, got %d", r)
	}

	d := limiter.Allow("client")
	if !d.Allowed {
		t.Fatal("Request should be allowed")
	}
	if d.Remaining != 0 {
		t.Errorf("expected Remaining=0, got %d", d.Remaining)
	}
	if limiter.Allow("client").Allowed {
		t.Error("Request should be denied once the weighted count reaches the limit")
	}
}

func TestScaleWindow(t *testing.T) {
	tests := []struct {
		num, den int
		want     time.Duration
	}{
		{0, 10, 0},
		{1, 10, 6 * time.Second},
		{1, 3, 20 * time.Second},
		{2, 7, 17142857142},
		{999_999, 1_000_000, 59_999_940_000},
	}
	for _, tt := range tests {
		if got := scaleWindow(time.Minute, tt.num, tt.den); got != tt.want {
			t.Errorf("scaleWindow(1m, %d, %d) = %d, want %d", tt.num, tt.den, got, tt.want)
		}
	}

	// The intermediate product overflows int64 but the result does not.
	if got := scaleWindow(1000*time.Hour, 999_999, 1_000_000); got != 3_599_996_400_000_000 {
		t.Errorf("unexpected large-window result %d", got)
	}
}

func TestSlidingWindowCounter_SkipsIdleWindows(t *testing.T) {
	clock := newTestClock()
	limiter := NewSlidingWindowCounter(MustConfig(10, time.Minute), WithClock(clock))
	defer limiter.Close()

	for i := 0; i < 10; i++ {
		limiter.Allow("client")
	}

	// Two windows later nothing carries over.
	clock.Advance(2*time.Minute + 30*time.Second)
	for i := 0; i < 10; i++ {
		if !limiter.Allow("client").Allowed {
			t.Errorf("Request %d should be allowed", i)
		}
	}
	if limiter.Allow("client").Allowed {
		t.Error("Request 11 should be denied")
	}
}

func BenchmarkSlidingWindowLog_Allow(b *testing.B) {
	limiter := NewSlidingWindowLog(MustConfig(1000, time.Second))
	defer limiter.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("client")
	}
}

func BenchmarkSlidingWindowCounter_Allow(b *testing.B) {
	limiter := NewSlidingWindowCounter(MustConfig(1_000_000, time.Second))
	defer limiter.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("client")
	}
}
