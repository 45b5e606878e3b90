package ratelimit

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// TokenBucket implements the token bucket algorithm.
// Each client's bucket holds up to MaxRequests tokens and refills at
// MaxRequests per Window. Each request consumes one token.
//
// Refills are granted in whole tokens, so calls arriving faster than one
// token interval add nothing and do not move the refill instant.
type TokenBucket struct {
	cfg    Config
	store  *clientStore[tokenBucketState]
	logger hclog.Logger
}

type tokenBucketState struct {
	tokens     int       // Current tokens
	lastRefill time.Time // Last instant tokens were added
}

// NewTokenBucket creates a new token bucket limiter.
func NewTokenBucket(cfg Config, opts ...Option) *TokenBucket {
	mustValidate(cfg)
	o := buildOptions(opts)
	o.logger = o.logger.Named("token_bucket")

	return &TokenBucket{
		cfg:    cfg,
		store:  newClientStore[tokenBucketState](o, 2*cfg.Window),
		logger: o.logger,
	}
}

// newState starts a client with a full bucket.
func (tb *TokenBucket) newState(now time.Time) tokenBucketState {
	return tokenBucketState{
		tokens:     tb.cfg.MaxRequests,
		lastRefill: now,
	}
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill(st *tokenBucketState, clientID string, now time.Time) {
	elapsed := clampElapsed(tb.logger, clientID, now, st.lastRefill)

	if elapsed >= tb.cfg.Window {
		st.tokens = tb.cfg.MaxRequests
		st.lastRefill = now
		return
	}

	add := tb.cfg.units(elapsed)
	if add == 0 {
		return
	}

	st.tokens += add
	if st.tokens >= tb.cfg.MaxRequests {
		st.tokens = tb.cfg.MaxRequests
		st.lastRefill = now
		return
	}
	// Keep the fraction of a token that has accrued but not been granted.
	st.lastRefill = advanceBy(st.lastRefill, now, add, tb.cfg)
}

// Allow checks if a request for the client is allowed.
func (tb *TokenBucket) Allow(clientID string) Decision {
	var d Decision
	tb.store.update(clientID, tb.newState, func(st *tokenBucketState, now time.Time) {
		d = tb.take(st, clientID, now)
	})
	return d
}

// take refills the bucket and consumes a token if one is available.
func (tb *TokenBucket) take(st *tokenBucketState, clientID string, now time.Time) Decision {
	tb.refill(st, clientID, now)

	d := Decision{
		Limit:   tb.cfg.MaxRequests,
		ResetAt: st.lastRefill.Add(tb.cfg.Window),
	}

	if st.tokens >= 1 {
		st.tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = untilPositive(st.lastRefill.Add(tb.cfg.interval()), now)
	}
	d.Remaining = st.tokens
	return d
}

// Remaining returns the tokens the client has now, without consuming.
func (tb *TokenBucket) Remaining(clientID string) int {
	remaining := tb.cfg.MaxRequests
	tb.store.peek(clientID, func(st *tokenBucketState, ok bool, now time.Time) {
		if !ok {
			return
		}
		projected := *st
		tb.refill(&projected, clientID, now)
		remaining = projected.tokens
	})
	return clampRemaining(remaining, tb.cfg.MaxRequests)
}

// Reset resets the limiter for the given client.
func (tb *TokenBucket) Reset(clientID string) {
	tb.store.delete(clientID)
}

// ResetAll resets all clients.
func (tb *TokenBucket) ResetAll() {
	tb.store.clear()
}

// Name returns "Token Bucket".
func (tb *TokenBucket) Name() string {
	return TokenBucketKind.DisplayName()
}

// Config returns the enforced quota.
func (tb *TokenBucket) Config() Config {
	return tb.cfg
}

// Len returns the number of tracked clients.
func (tb *TokenBucket) Len() int {
	return tb.store.len()
}

// Close stops the idle eviction goroutine, if any.
func (tb *TokenBucket) Close() {
	tb.store.close()
}

// advanceBy moves from since by the time n units of capacity take to
// accrue, never past now.
func advanceBy(since, now time.Time, n int, cfg Config) time.Time {
	next := since.Add(time.Duration(float64(n) * float64(cfg.Window) / float64(cfg.MaxRequests)))
	if next.After(now) {
		return now
	}
	return next
}

// untilPositive returns at - now, or zero if at is not in the future.
func untilPositive(at, now time.Time) time.Duration {
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}
