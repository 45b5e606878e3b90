package ratelimit

import (
	"math"
	"math/bits"
	"time"

	"github.com/hashicorp/go-hclog"
)

// SlidingWindowCounter implements the sliding window counter algorithm.
// It approximates a sliding log with two fixed-window counters, weighting
// the previous window by how much of it still overlaps the trailing
// window. Constant memory per client, so it suits large client
// populations; the weighting may admit slightly more than MaxRequests
// right after a boundary.
type SlidingWindowCounter struct {
	cfg    Config
	epoch  time.Time
	store  *clientStore[slidingWindowCounterState]
	logger hclog.Logger
}

type slidingWindowCounterState struct {
	prevCount   int
	currCount   int
	windowStart time.Time
}

// NewSlidingWindowCounter creates a new sliding window counter limiter.
func NewSlidingWindowCounter(cfg Config, opts ...Option) *SlidingWindowCounter {
	mustValidate(cfg)
	o := buildOptions(opts)
	o.logger = o.logger.Named("sliding_window_counter")

	return &SlidingWindowCounter{
		cfg:    cfg,
		epoch:  o.clock.Now(),
		store:  newClientStore[slidingWindowCounterState](o, 2*cfg.Window),
		logger: o.logger,
	}
}

func (swc *SlidingWindowCounter) newState(now time.Time) slidingWindowCounterState {
	return slidingWindowCounterState{windowStart: alignWindow(swc.epoch, now, swc.cfg.Window)}
}

// roll advances the window by whole windows if needed.
func (swc *SlidingWindowCounter) roll(st *slidingWindowCounterState, clientID string, now time.Time) {
	elapsed := clampElapsed(swc.logger, clientID, now, st.windowStart)
	if elapsed < swc.cfg.Window {
		return
	}

	windows := elapsed / swc.cfg.Window
	if windows == 1 {
		st.prevCount = st.currCount
	} else {
		// More than one window has passed
		st.prevCount = 0
	}
	st.currCount = 0
	st.windowStart = st.windowStart.Add(windows * swc.cfg.Window)
}

// progress returns how far now is into the current window, in [0, 1].
func (swc *SlidingWindowCounter) progress(st *slidingWindowCounterState, now time.Time) float64 {
	p := float64(now.Sub(st.windowStart)) / float64(swc.cfg.Window)
	return min(max(p, 0), 1)
}

// count returns the weighted count.
func (swc *SlidingWindowCounter) count(st *slidingWindowCounterState, now time.Time) float64 {
	return float64(st.currCount) + float64(st.prevCount)*(1-swc.progress(st, now))
}

// Allow checks if a request for the client is allowed.
func (swc *SlidingWindowCounter) Allow(clientID string) Decision {
	var d Decision
	swc.store.update(clientID, swc.newState, func(st *slidingWindowCounterState, now time.Time) {
		swc.roll(st, clientID, now)

		d = Decision{
			Limit:   swc.cfg.MaxRequests,
			ResetAt: st.windowStart.Add(swc.cfg.Window),
		}

		if swc.count(st, now) < float64(swc.cfg.MaxRequests) {
			st.currCount++
			d.Allowed = true
		} else {
			d.RetryAfter = swc.retryAfter(st, now)
		}
		d.Remaining = swc.remaining(swc.count(st, now))
	})
	return d
}

// retryAfter returns how long until the weighted count drops below the
// limit, assuming no further admissions. The boundary is computed in
// integer nanoseconds so rounding never lands on or before it.
func (swc *SlidingWindowCounter) retryAfter(st *slidingWindowCounterState, now time.Time) time.Duration {
	limit, curr, prev := swc.cfg.MaxRequests, st.currCount, st.prevCount

	var at time.Time
	if curr < limit && prev > 0 {
		// prev*(window-elapsed) < (limit-curr)*window within the current window
		at = st.windowStart.Add(scaleWindow(swc.cfg.Window, prev-(limit-curr), prev) + 1)
	} else {
		// The current window becomes the previous one: curr*(window-elapsed) < limit*window
		var offset time.Duration
		if curr > limit {
			offset = scaleWindow(swc.cfg.Window, curr-limit, curr)
		}
		at = st.windowStart.Add(swc.cfg.Window + offset + 1)
	}
	return untilPositive(at, now)
}

// scaleWindow returns floor(window*num/den) for 0 <= num < den.
func scaleWindow(window time.Duration, num, den int) time.Duration {
	if num <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(window), uint64(num))
	q, _ := bits.Div64(hi, lo, uint64(den))
	return time.Duration(q)
}

// remaining converts a weighted count into whole admissions left. A
// request is admitted while weighted < limit, so partial slack counts.
func (swc *SlidingWindowCounter) remaining(weighted float64) int {
	return clampRemaining(int(math.Ceil(float64(swc.cfg.MaxRequests)-weighted)), swc.cfg.MaxRequests)
}

// Remaining returns the requests the client may still make now, without
// consuming.
func (swc *SlidingWindowCounter) Remaining(clientID string) int {
	remaining := swc.cfg.MaxRequests
	swc.store.peek(clientID, func(st *slidingWindowCounterState, ok bool, now time.Time) {
		if !ok {
			return
		}
		projected := *st
		swc.roll(&projected, clientID, now)
		remaining = swc.remaining(swc.count(&projected, now))
	})
	return remaining
}

// Reset resets the limiter for the given client.
func (swc *SlidingWindowCounter) Reset(clientID string) {
	swc.store.delete(clientID)
}

// ResetAll resets all clients.
func (swc *SlidingWindowCounter) ResetAll() {
	swc.store.clear()
}

// Name returns "Sliding Window Counter".
func (swc *SlidingWindowCounter) Name() string {
	return SlidingWindowCounterKind.DisplayName()
}

// Config returns the enforced quota.
func (swc *SlidingWindowCounter) Config() Config {
	return swc.cfg
}

// Len returns the number of tracked clients.
func (swc *SlidingWindowCounter) Len() int {
	return swc.store.len()
}

// Close stops the idle eviction goroutine, if any.
func (swc *SlidingWindowCounter) Close() {
	swc.store.close()
}
