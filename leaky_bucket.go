package ratelimit

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// LeakyBucket implements the leaky bucket algorithm.
// Admitted requests queue up in a bucket of MaxRequests slots that drains
// at a constant MaxRequests per Window. Provides smooth rate limiting: a
// full bucket has to drain before a new burst is accepted.
type LeakyBucket struct {
	cfg    Config
	store  *clientStore[leakyBucketState]
	logger hclog.Logger
}

type leakyBucketState struct {
	queue    []time.Time // Admitted request instants, oldest first
	lastLeak time.Time   // Instant the drain was last accounted for
}

// NewLeakyBucket creates a new leaky bucket limiter.
func NewLeakyBucket(cfg Config, opts ...Option) *LeakyBucket {
	mustValidate(cfg)
	o := buildOptions(opts)
	o.logger = o.logger.Named("leaky_bucket")

	return &LeakyBucket{
		cfg:    cfg,
		store:  newClientStore[leakyBucketState](o, 2*cfg.Window),
		logger: o.logger,
	}
}

func (lb *LeakyBucket) newState(now time.Time) leakyBucketState {
	return leakyBucketState{lastLeak: now}
}

// leaked returns how many queued requests have drained by now.
func (lb *LeakyBucket) leaked(st *leakyBucketState, clientID string, now time.Time) int {
	if len(st.queue) == 0 {
		return 0
	}
	elapsed := clampElapsed(lb.logger, clientID, now, st.lastLeak)
	return min(lb.cfg.units(elapsed), len(st.queue))
}

// leak removes drained requests. An empty bucket has nothing to drain, so
// the drain clock restarts with the next admitted request.
func (lb *LeakyBucket) leak(st *leakyBucketState, clientID string, now time.Time) {
	elapsed := clampElapsed(lb.logger, clientID, now, st.lastLeak)
	n := lb.cfg.units(elapsed)
	if n == 0 || len(st.queue) == 0 {
		return
	}

	if n >= len(st.queue) {
		st.queue = st.queue[:0]
		st.lastLeak = now
		return
	}

	st.queue = dropOldest(st.queue, n, lb.cfg.MaxRequests)
	st.lastLeak = advanceBy(st.lastLeak, now, n, lb.cfg)
}

// Allow checks if a request for the client is allowed.
func (lb *LeakyBucket) Allow(clientID string) Decision {
	var d Decision
	lb.store.update(clientID, lb.newState, func(st *leakyBucketState, now time.Time) {
		lb.leak(st, clientID, now)

		d = Decision{Limit: lb.cfg.MaxRequests}

		if len(st.queue) < lb.cfg.MaxRequests {
			if len(st.queue) == 0 {
				st.lastLeak = now
			}
			st.queue = append(st.queue, now)
			d.Allowed = true
		} else {
			d.RetryAfter = untilPositive(st.lastLeak.Add(lb.cfg.interval()), now)
		}

		d.Remaining = lb.cfg.MaxRequests - len(st.queue)
		d.ResetAt = lb.drainedAt(st, now)
	})
	return d
}

// drainedAt returns the instant the bucket will be empty.
func (lb *LeakyBucket) drainedAt(st *leakyBucketState, now time.Time) time.Time {
	if len(st.queue) == 0 {
		return now
	}
	return st.lastLeak.Add(time.Duration(float64(len(st.queue)) * float64(lb.cfg.Window) / float64(lb.cfg.MaxRequests)))
}

// Remaining returns the free slots the client has now, without consuming.
func (lb *LeakyBucket) Remaining(clientID string) int {
	remaining := lb.cfg.MaxRequests
	lb.store.peek(clientID, func(st *leakyBucketState, ok bool, now time.Time) {
		if !ok {
			return
		}
		remaining = lb.cfg.MaxRequests - (len(st.queue) - lb.leaked(st, clientID, now))
	})
	return clampRemaining(remaining, lb.cfg.MaxRequests)
}

// Reset resets the limiter for the given client.
func (lb *LeakyBucket) Reset(clientID string) {
	lb.store.delete(clientID)
}

// ResetAll resets all clients.
func (lb *LeakyBucket) ResetAll() {
	lb.store.clear()
}

// Name returns "Leaky Bucket".
func (lb *LeakyBucket) Name() string {
	return LeakyBucketKind.DisplayName()
}

// Config returns the enforced quota.
func (lb *LeakyBucket) Config() Config {
	return lb.cfg
}

// Len returns the number of tracked clients.
func (lb *LeakyBucket) Len() int {
	return lb.store.len()
}

// Close stops the idle eviction goroutine, if any.
func (lb *LeakyBucket) Close() {
	lb.store.close()
}

// dropOldest removes the first n instants. The backing array is copied
// when more than half of its capacity would be wasted, so it can be
// garbage collected.
func dropOldest(ts []time.Time, n, limit int) []time.Time {
	if n <= 0 {
		return ts
	}
	remaining := len(ts) - n
	if remaining < cap(ts)/2 {
		compacted := make([]time.Time, remaining, remaining+limit)
		copy(compacted, ts[n:])
		return compacted
	}
	return ts[n:]
}
