// Package metrics counts admission decisions per algorithm and tier and
// exports them to Prometheus.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	ratelimit "github.com/KARTIKrocks/go-tierlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Compile-time interface compliance check.
var _ ratelimit.Observer = (*Collector)(nil)

// Error reasons recorded by RecordError.
const (
	ReasonUnknownClient = "unknown_client"
	ReasonInvalidConfig = "invalid_config"
	ReasonInternal      = "internal"
)

// Key identifies one stream of decisions.
type Key struct {
	Algorithm string `json:"algorithm"`
	Tier      string `json:"tier"`
}

// String renders the key as "tier/algorithm".
func (k Key) String() string {
	return k.Tier + "/" + k.Algorithm
}

// Stats holds decision counts for one key.
type Stats struct {
	Allowed    uint64    `json:"allowed"`
	Denied     uint64    `json:"denied"`
	LastUpdate time.Time `json:"last_update"`
}

// Total returns Allowed + Denied.
func (s Stats) Total() uint64 {
	return s.Allowed + s.Denied
}

// Collector collects admission metrics. It implements ratelimit.Observer,
// so it can be handed to a Service with ratelimit.WithObserver.
type Collector struct {
	stats map[Key]*decisionStats
	mu    sync.RWMutex

	errMu  sync.Mutex
	errors map[string]uint64

	// Set by RegisterPrometheus; nil until then.
	promDecisions atomic.Pointer[prometheus.CounterVec]
	promErrors    atomic.Pointer[prometheus.CounterVec]
}

type decisionStats struct {
	allowed atomic.Uint64
	denied  atomic.Uint64
	updated atomic.Int64
}

func (s *decisionStats) snapshot() Stats {
	return Stats{
		Allowed:    s.allowed.Load(),
		Denied:     s.denied.Load(),
		LastUpdate: time.Unix(0, s.updated.Load()),
	}
}

var globalCollector = NewCollector()

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		stats:  make(map[Key]*decisionStats),
		errors: make(map[string]uint64),
	}
}

// Default returns the process-wide collector.
func Default() *Collector {
	return globalCollector
}

// getStats gets or creates stats for a key.
func (c *Collector) getStats(key Key) *decisionStats {
	c.mu.RLock()
	stats, ok := c.stats[key]
	c.mu.RUnlock()

	if ok {
		return stats
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	stats, ok = c.stats[key]
	if ok {
		return stats
	}

	stats = &decisionStats{}
	stats.updated.Store(time.Now().UnixNano())
	c.stats[key] = stats
	return stats
}

// ObserveDecision records one admission decision for the client's
// algorithm and tier.
func (c *Collector) ObserveDecision(info ratelimit.ClientInfo, d ratelimit.Decision) {
	c.Record(Key{Algorithm: info.Algorithm.String(), Tier: string(info.Tier)}, d.Allowed)
}

// Record records one decision for key.
func (c *Collector) Record(key Key, allowed bool) {
	stats := c.getStats(key)
	result := "denied"
	if allowed {
		stats.allowed.Add(1)
		result = "allowed"
	} else {
		stats.denied.Add(1)
	}
	stats.updated.Store(time.Now().UnixNano())

	if vec := c.promDecisions.Load(); vec != nil {
		vec.WithLabelValues(key.Algorithm, key.Tier, result).Inc()
	}
}

// RecordError records a failed check, e.g. ReasonUnknownClient.
func (c *Collector) RecordError(reason string) {
	c.errMu.Lock()
	c.errors[reason]++
	c.errMu.Unlock()

	if vec := c.promErrors.Load(); vec != nil {
		vec.WithLabelValues(reason).Inc()
	}
}

// GetStats returns statistics for a key.
func (c *Collector) GetStats(key Key) Stats {
	c.mu.RLock()
	stats, ok := c.stats[key]
	c.mu.RUnlock()

	if !ok {
		return Stats{}
	}
	return stats.snapshot()
}

// GetAllStats returns statistics for all keys.
func (c *Collector) GetAllStats() map[Key]Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[Key]Stats, len(c.stats))
	for key, stats := range c.stats {
		result[key] = stats.snapshot()
	}
	return result
}

// Keys returns every key with recorded decisions, sorted by tier then
// algorithm.
func (c *Collector) Keys() []Key {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.stats))
	for key := range c.stats {
		keys = append(keys, key)
	}
	c.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Tier != keys[j].Tier {
			return keys[i].Tier < keys[j].Tier
		}
		return keys[i].Algorithm < keys[j].Algorithm
	})
	return keys
}

// Errors returns the error counts by reason.
func (c *Collector) Errors() map[string]uint64 {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	result := make(map[string]uint64, len(c.errors))
	for reason, n := range c.errors {
		result[reason] = n
	}
	return result
}

// Reset resets statistics for a key.
func (c *Collector) Reset(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, key)
}

// ResetAll resets all statistics. Prometheus counters are monotonic and
// are left alone.
func (c *Collector) ResetAll() {
	c.mu.Lock()
	c.stats = make(map[Key]*decisionStats)
	c.mu.Unlock()

	c.errMu.Lock()
	c.errors = make(map[string]uint64)
	c.errMu.Unlock()
}

// RegisterPrometheus registers this collector's counters with reg:
//
//	tierlimit_decisions_total{algorithm,tier,result}
//	tierlimit_errors_total{reason}
//
// Only decisions recorded after registration are exported.
func (c *Collector) RegisterPrometheus(reg prometheus.Registerer) {
	decisions := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tierlimit_decisions_total",
			Help: "Total number of admission decisions",
		},
		[]string{"algorithm", "tier", "result"},
	)

	errors := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tierlimit_errors_total",
			Help: "Total number of failed admission checks",
		},
		[]string{"reason"},
	)

	c.promDecisions.Store(decisions)
	c.promErrors.Store(errors)
}

// Global functions using the default collector

// ObserveDecision records a decision in the global collector.
func ObserveDecision(info ratelimit.ClientInfo, d ratelimit.Decision) {
	globalCollector.ObserveDecision(info, d)
}

// RecordError records an error in the global collector.
func RecordError(reason string) {
	globalCollector.RecordError(reason)
}

// GetStats returns statistics from the global collector.
func GetStats(key Key) Stats {
	return globalCollector.GetStats(key)
}

// GetAllStats returns all statistics from the global collector.
func GetAllStats() map[Key]Stats {
	return globalCollector.GetAllStats()
}

// RegisterPrometheus registers the global collector's metrics.
func RegisterPrometheus(reg prometheus.Registerer) {
	globalCollector.RegisterPrometheus(reg)
}
