package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies one of the admission algorithms.
type Kind string

const (
	TokenBucketKind          Kind = "token_bucket"
	LeakyBucketKind          Kind = "leaky_bucket"
	FixedWindowKind          Kind = "fixed_window"
	SlidingWindowLogKind     Kind = "sliding_window_log"
	SlidingWindowCounterKind Kind = "sliding_window_counter"
)

// Kinds returns every supported algorithm kind.
func Kinds() []Kind {
	return []Kind{
		TokenBucketKind,
		LeakyBucketKind,
		FixedWindowKind,
		SlidingWindowLogKind,
		SlidingWindowCounterKind,
	}
}

func (k Kind) String() string {
	return string(k)
}

// DisplayName returns the human readable algorithm name, e.g. "Token Bucket".
func (k Kind) DisplayName() string {
	switch k {
	case TokenBucketKind:
		return "Token Bucket"
	case LeakyBucketKind:
		return "Leaky Bucket"
	case FixedWindowKind:
		return "Fixed Window"
	case SlidingWindowLogKind:
		return "Sliding Window Log"
	case SlidingWindowCounterKind:
		return "Sliding Window Counter"
	default:
		return string(k)
	}
}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind accepts a kind ("token_bucket") or display name ("Token Bucket"),
// case-insensitively. Dashes and spaces are treated as underscores.
func ParseKind(s string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	k := Kind(normalized)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
	return k, nil
}

// New creates an algorithm of this kind enforcing cfg.
func (k Kind) New(cfg Config, opts ...Option) (Algorithm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch k {
	case TokenBucketKind:
		return NewTokenBucket(cfg, opts...), nil
	case LeakyBucketKind:
		return NewLeakyBucket(cfg, opts...), nil
	case FixedWindowKind:
		return NewFixedWindow(cfg, opts...), nil
	case SlidingWindowLogKind:
		return NewSlidingWindowLog(cfg, opts...), nil
	case SlidingWindowCounterKind:
		return NewSlidingWindowCounter(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(k))
	}
}

// Tier is a named quota profile.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierBasic      Tier = "BASIC"
	TierPremium    Tier = "PREMIUM"
	TierEnterprise Tier = "ENTERPRISE"
)

// ParseTier normalizes a tier name to upper case.
func ParseTier(s string) Tier {
	return Tier(strings.ToUpper(strings.TrimSpace(s)))
}

// DefaultTiers returns the stock tier table.
func DefaultTiers() map[Tier]Config {
	return map[Tier]Config{
		TierFree:       {MaxRequests: 10, Window: time.Minute},
		TierBasic:      {MaxRequests: 100, Window: time.Minute},
		TierPremium:    {MaxRequests: 1000, Window: time.Minute},
		TierEnterprise: {MaxRequests: 10000, Window: time.Minute},
	}
}
