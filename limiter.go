package ratelimit

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Compile-time interface compliance checks.
var (
	_ Algorithm = (*TokenBucket)(nil)
	_ Algorithm = (*LeakyBucket)(nil)
	_ Algorithm = (*FixedWindow)(nil)
	_ Algorithm = (*SlidingWindowLog)(nil)
	_ Algorithm = (*SlidingWindowCounter)(nil)

	_ Closer = (*TokenBucket)(nil)
	_ Closer = (*LeakyBucket)(nil)
	_ Closer = (*FixedWindow)(nil)
	_ Closer = (*SlidingWindowLog)(nil)
	_ Closer = (*SlidingWindowCounter)(nil)
	_ Closer = (*Service)(nil)
)

// Algorithm is the contract shared by every admission algorithm.
// Implementations keep independent state per client and are safe for
// concurrent use.
type Algorithm interface {
	// Allow checks whether one request for the client may proceed now and
	// accounts for it if so. Unseen clients start with full capacity.
	Allow(clientID string) Decision

	// Remaining returns the quota the client has left now without
	// consuming any of it.
	Remaining(clientID string) int

	// Reset discards all state for the client.
	Reset(clientID string)

	// Name returns the display name of the algorithm.
	Name() string

	// Config returns the quota the algorithm enforces.
	Config() Config
}

// Closer is implemented by limiters that hold resources (goroutines)
// that must be released when the limiter is no longer needed.
type Closer interface {
	Close()
}

// Config is a quota: at most MaxRequests per Window.
type Config struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
}

// NewConfig returns a validated quota.
func NewConfig(maxRequests int, window time.Duration) (Config, error) {
	cfg := Config{MaxRequests: maxRequests, Window: window}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustConfig is like NewConfig but panics on an invalid quota.
func MustConfig(maxRequests int, window time.Duration) Config {
	cfg, err := NewConfig(maxRequests, window)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate reports whether both fields are positive.
func (c Config) Validate() error {
	if c.MaxRequests <= 0 {
		return NewConfigError("max_requests", fmt.Sprintf("must be positive, got %d", c.MaxRequests))
	}
	if c.Window <= 0 {
		return NewConfigError("window", fmt.Sprintf("must be positive, got %s", c.Window))
	}
	return nil
}

// String renders the quota as "10/1m0s".
func (c Config) String() string {
	return fmt.Sprintf("%d/%s", c.MaxRequests, c.Window)
}

// interval is the time one unit of capacity takes to come back.
func (c Config) interval() time.Duration {
	return time.Duration(float64(c.Window) / float64(c.MaxRequests))
}

// units converts elapsed time into whole units of capacity, truncating.
func (c Config) units(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	return int(float64(elapsed) * float64(c.MaxRequests) / float64(c.Window))
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool          `json:"allowed"`               // Whether the request is allowed
	Limit      int           `json:"limit"`                 // Maximum requests per window
	Remaining  int           `json:"remaining"`             // Remaining requests right now
	ResetAt    time.Time     `json:"reset_at"`              // When the quota state next fully recovers
	RetryAfter time.Duration `json:"retry_after,omitempty"` // Time until a request may succeed (if denied)
}

// Option configures an algorithm instance.
type Option func(*options)

type options struct {
	clock     Clock
	logger    hclog.Logger
	idleTTL   time.Duration
	numShards int
}

func defaultOptions() options {
	return options{
		clock:     SystemClock(),
		logger:    hclog.NewNullLogger(),
		numShards: defaultShards,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock sets the time source. Defaults to the system monotonic clock.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger used for clock regression warnings and
// eviction sweeps.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithIdleEviction enables a background sweeper that forgets clients idle
// for at least ttl. The effective ttl is never shorter than two windows, so
// an evicted client is indistinguishable from one that was never seen.
// Zero disables eviction (the default). Call Close to stop the sweeper.
func WithIdleEviction(ttl time.Duration) Option {
	return func(o *options) {
		o.idleTTL = ttl
	}
}

// WithShards sets the number of lock shards for the client map.
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.numShards = n
		}
	}
}

func mustValidate(cfg Config) {
	if cfg.MaxRequests <= 0 {
		panic("ratelimit: max requests must be positive")
	}
	if cfg.Window <= 0 {
		panic("ratelimit: window must be positive")
	}
}

// clampElapsed returns now - since, or zero if the clock moved backwards.
func clampElapsed(log hclog.Logger, clientID string, now, since time.Time) time.Duration {
	elapsed := now.Sub(since)
	if elapsed < 0 {
		log.Warn("clock moved backwards, clamping elapsed time", "client", clientID, "skew", -elapsed)
		return 0
	}
	return elapsed
}

func clampRemaining(n, limit int) int {
	if n < 0 {
		return 0
	}
	if n > limit {
		return limit
	}
	return n
}
