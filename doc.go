// Package ratelimit provides tier-based rate limiting with multiple
// algorithms, a client registry, and HTTP middleware.
//
// # Features
//
// - Five algorithms: Token Bucket, Leaky Bucket, Fixed Window, Sliding Window Log, Sliding Window Counter
// - Tier table mapping named quotas (FREE, BASIC, PREMIUM, ENTERPRISE) to "N requests per window"
// - Per-client algorithm overrides with state discarded on rebinding
// - Injectable clock for deterministic tests
// - HTTP middleware and Prometheus metrics
//
// # Quick Start
//
// A single algorithm, keyed by client:
//
//	limiter := ratelimit.NewTokenBucket(ratelimit.MustConfig(10, time.Minute))
//	defer limiter.Close()
//
//	d := limiter.Allow("user:123")
//	if !d.Allowed {
//	    fmt.Printf("retry in %v\n", d.RetryAfter)
//	}
//
// A service binding clients to tiers:
//
//	svc, err := ratelimit.NewService(ratelimit.DefaultTiers(),
//	    ratelimit.WithDefaultAlgorithm(ratelimit.TokenBucketKind),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	_ = svc.Register("acme", ratelimit.TierPremium)
//	_ = svc.SetAlgorithm("acme", ratelimit.SlidingWindowLogKind)
//
//	d, err := svc.Allow("acme")
//	if ratelimit.IsClientNotFound(err) {
//	    // not registered
//	}
//
// # Algorithms
//
// Token Bucket - bursts up to MaxRequests, then MaxRequests per Window:
//
//	ratelimit.NewTokenBucket(cfg)
//
// Leaky Bucket - smooth output, a full bucket drains one slot per Window/MaxRequests:
//
//	ratelimit.NewLeakyBucket(cfg)
//
// Fixed Window - cheapest, allows up to 2x MaxRequests across a boundary:
//
//	ratelimit.NewFixedWindow(cfg)
//
// Sliding Window Log - exact, memory grows with the requests in the window:
//
//	ratelimit.NewSlidingWindowLog(cfg)
//
// Sliding Window Counter - weighted approximation in constant memory:
//
//	ratelimit.NewSlidingWindowCounter(cfg)
//
// # HTTP Middleware
//
// Clients identify themselves with the X-Client-ID header by default:
//
//	handler := ratelimit.Middleware(svc)(yourHandler)
//
// With options:
//
//	handler := ratelimit.Middleware(svc,
//	    ratelimit.WithKeyFunc(ratelimit.HeaderKeyFunc("X-API-Key")),
//	    ratelimit.WithOnLimitReached(ratelimit.JSONOnLimitReached),
//	    ratelimit.WithSkipFunc(ratelimit.SkipHealthChecks),
//	)(yourHandler)
//
// Denied requests get 429 and unregistered clients get 403.
//
// # Metrics
//
//	import "github.com/KARTIKrocks/go-tierlimit/metrics"
//
//	collector := metrics.NewCollector()
//	collector.RegisterPrometheus(prometheus.DefaultRegisterer)
//	svc, _ := ratelimit.NewService(tiers, ratelimit.WithObserver(collector))
//
// # Testing
//
// Use a ManualClock to control time:
//
//	clock := ratelimit.NewManualClock(time.Now())
//	limiter := ratelimit.NewFixedWindow(cfg, ratelimit.WithClock(clock))
//	clock.Advance(time.Minute)
//
// # Idle Clients
//
// State is kept for every client ever seen. Long-running processes with a
// churning client population can enable a sweeper:
//
//	limiter := ratelimit.NewTokenBucket(cfg, ratelimit.WithIdleEviction(10*time.Minute))
//	defer limiter.Close()
//
// Clients are only evicted once their state is indistinguishable from a
// fresh one, so eviction never changes a decision.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Each client's state has its own
// lock; checks for different clients never wait on each other.
package ratelimit
