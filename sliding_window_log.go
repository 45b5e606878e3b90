package ratelimit

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// SlidingWindowLog implements the sliding window log algorithm.
// It records the instant of every admitted request and counts those still
// inside the trailing window. Exact, with no boundary burst, but uses
// memory proportional to the requests in the window.
type SlidingWindowLog struct {
	cfg    Config
	store  *clientStore[slidingWindowLogState]
	logger hclog.Logger
}

type slidingWindowLogState struct {
	log []time.Time // Admitted request instants, oldest first
}

// NewSlidingWindowLog creates a new sliding window log limiter.
func NewSlidingWindowLog(cfg Config, opts ...Option) *SlidingWindowLog {
	mustValidate(cfg)
	o := buildOptions(opts)
	o.logger = o.logger.Named("sliding_window_log")

	return &SlidingWindowLog{
		cfg: cfg,
		// Every entry is older than one window after one window of silence.
		store:  newClientStore[slidingWindowLogState](o, cfg.Window),
		logger: o.logger,
	}
}

func (sw *SlidingWindowLog) newState(time.Time) slidingWindowLogState {
	return slidingWindowLogState{}
}

// expired returns how many leading entries have left the window.
func (sw *SlidingWindowLog) expired(st *slidingWindowLogState, now time.Time) int {
	i := 0
	for ; i < len(st.log); i++ {
		if now.Sub(st.log[i]) < sw.cfg.Window {
			break
		}
	}
	return i
}

// cleanup removes expired entries.
func (sw *SlidingWindowLog) cleanup(st *slidingWindowLogState, clientID string, now time.Time) {
	if len(st.log) == 0 {
		return
	}
	clampElapsed(sw.logger, clientID, now, st.log[len(st.log)-1])
	st.log = dropOldest(st.log, sw.expired(st, now), sw.cfg.MaxRequests)
}

// Allow checks if a request for the client is allowed.
func (sw *SlidingWindowLog) Allow(clientID string) Decision {
	var d Decision
	sw.store.update(clientID, sw.newState, func(st *slidingWindowLogState, now time.Time) {
		sw.cleanup(st, clientID, now)

		d = Decision{Limit: sw.cfg.MaxRequests}

		if len(st.log) < sw.cfg.MaxRequests {
			if st.log == nil {
				st.log = make([]time.Time, 0, sw.cfg.MaxRequests)
			}
			st.log = append(st.log, now)
			d.Allowed = true
		}

		d.Remaining = sw.cfg.MaxRequests - len(st.log)
		d.ResetAt = st.log[0].Add(sw.cfg.Window)
		if !d.Allowed {
			d.RetryAfter = untilPositive(d.ResetAt, now)
		}
	})
	return d
}

// Remaining returns the requests the client may still make in the
// trailing window, without consuming.
func (sw *SlidingWindowLog) Remaining(clientID string) int {
	remaining := sw.cfg.MaxRequests
	sw.store.peek(clientID, func(st *slidingWindowLogState, ok bool, now time.Time) {
		if !ok {
			return
		}
		remaining = sw.cfg.MaxRequests - (len(st.log) - sw.expired(st, now))
	})
	return clampRemaining(remaining, sw.cfg.MaxRequests)
}

// Reset resets the limiter for the given client.
func (sw *SlidingWindowLog) Reset(clientID string) {
	sw.store.delete(clientID)
}

// ResetAll resets all clients.
func (sw *SlidingWindowLog) ResetAll() {
	sw.store.clear()
}

// Name returns "Sliding Window Log".
func (sw *SlidingWindowLog) Name() string {
	return SlidingWindowLogKind.DisplayName()
}

// Config returns the enforced quota.
func (sw *SlidingWindowLog) Config() Config {
	return sw.cfg
}

// Len returns the number of tracked clients.
func (sw *SlidingWindowLog) Len() int {
	return sw.store.len()
}

// Close stops the idle eviction goroutine, if any.
func (sw *SlidingWindowLog) Close() {
	sw.store.close()
}
