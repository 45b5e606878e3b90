package ratelimit

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// FixedWindow implements the fixed window algorithm.
// Simple and memory-efficient but can allow 2x burst at window boundaries:
// a client may spend its whole quota at the end of one window and again at
// the start of the next.
//
// Windows are aligned to multiples of Window from the instant the limiter
// was created, so all clients share the same boundaries.
type FixedWindow struct {
	cfg    Config
	epoch  time.Time
	store  *clientStore[fixedWindowState]
	logger hclog.Logger
}

type fixedWindowState struct {
	count       int
	windowStart time.Time
}

// NewFixedWindow creates a new fixed window limiter.
func NewFixedWindow(cfg Config, opts ...Option) *FixedWindow {
	mustValidate(cfg)
	o := buildOptions(opts)
	o.logger = o.logger.Named("fixed_window")

	return &FixedWindow{
		cfg:    cfg,
		epoch:  o.clock.Now(),
		store:  newClientStore[fixedWindowState](o, 2*cfg.Window),
		logger: o.logger,
	}
}

func (fw *FixedWindow) newState(now time.Time) fixedWindowState {
	return fixedWindowState{windowStart: alignWindow(fw.epoch, now, fw.cfg.Window)}
}

// roll starts a new window if the current one is over.
func (fw *FixedWindow) roll(st *fixedWindowState, clientID string, now time.Time) {
	if clampElapsed(fw.logger, clientID, now, st.windowStart) >= fw.cfg.Window {
		st.count = 0
		st.windowStart = alignWindow(fw.epoch, now, fw.cfg.Window)
	}
}

// Allow checks if a request for the client is allowed.
func (fw *FixedWindow) Allow(clientID string) Decision {
	var d Decision
	fw.store.update(clientID, fw.newState, func(st *fixedWindowState, now time.Time) {
		fw.roll(st, clientID, now)

		d = Decision{
			Limit:   fw.cfg.MaxRequests,
			ResetAt: st.windowStart.Add(fw.cfg.Window),
		}

		if st.count < fw.cfg.MaxRequests {
			st.count++
			d.Allowed = true
		} else {
			d.RetryAfter = untilPositive(d.ResetAt, now)
		}
		d.Remaining = fw.cfg.MaxRequests - st.count
	})
	return d
}

// Remaining returns the requests left in the client's current window.
func (fw *FixedWindow) Remaining(clientID string) int {
	remaining := fw.cfg.MaxRequests
	fw.store.peek(clientID, func(st *fixedWindowState, ok bool, now time.Time) {
		if !ok {
			return
		}
		projected := *st
		fw.roll(&projected, clientID, now)
		remaining = fw.cfg.MaxRequests - projected.count
	})
	return clampRemaining(remaining, fw.cfg.MaxRequests)
}

// Reset resets the limiter for the given client.
func (fw *FixedWindow) Reset(clientID string) {
	fw.store.delete(clientID)
}

// ResetAll resets all clients.
func (fw *FixedWindow) ResetAll() {
	fw.store.clear()
}

// Name returns "Fixed Window".
func (fw *FixedWindow) Name() string {
	return FixedWindowKind.DisplayName()
}

// Config returns the enforced quota.
func (fw *FixedWindow) Config() Config {
	return fw.cfg
}

// Len returns the number of tracked clients.
func (fw *FixedWindow) Len() int {
	return fw.store.len()
}

// Close stops the idle eviction goroutine, if any.
func (fw *FixedWindow) Close() {
	fw.store.close()
}

// alignWindow returns the start of the window containing now, counting
// whole windows from epoch.
func alignWindow(epoch, now time.Time, window time.Duration) time.Time {
	elapsed := now.Sub(epoch)
	if elapsed <= 0 {
		return epoch
	}
	return epoch.Add(elapsed / window * window)
}
