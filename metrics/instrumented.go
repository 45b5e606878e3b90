package metrics

import (
	ratelimit "github.com/KARTIKrocks/go-tierlimit"
)

// Compile-time interface compliance check.
var _ ratelimit.Algorithm = (*Instrumented)(nil)

// Instrumented wraps a standalone algorithm and collects metrics. Use it
// for algorithms driven directly; a Service reports through WithObserver.
type Instrumented struct {
	ratelimit.Algorithm
	key       Key
	collector *Collector
}

// NewInstrumented creates a new instrumented algorithm using the global
// collector. tier labels the decisions.
func NewInstrumented(alg ratelimit.Algorithm, tier string) *Instrumented {
	return NewInstrumentedWithCollector(alg, tier, globalCollector)
}

// NewInstrumentedWithCollector creates a new instrumented algorithm with a
// custom collector.
func NewInstrumentedWithCollector(alg ratelimit.Algorithm, tier string, collector *Collector) *Instrumented {
	return &Instrumented{
		Algorithm: alg,
		key:       Key{Algorithm: kindLabel(alg), Tier: tier},
		collector: collector,
	}
}

// Allow checks the request and records the decision.
// Remaining is a read-only peek and records nothing.
func (i *Instrumented) Allow(clientID string) ratelimit.Decision {
	d := i.Algorithm.Allow(clientID)
	i.collector.Record(i.key, d.Allowed)
	return d
}

// Key returns the key decisions are recorded under.
func (i *Instrumented) Key() Key {
	return i.key
}

// GetStats returns statistics for this algorithm.
func (i *Instrumented) GetStats() Stats {
	return i.collector.GetStats(i.key)
}

// Close closes the wrapped algorithm if it holds resources.
func (i *Instrumented) Close() {
	if c, ok := i.Algorithm.(ratelimit.Closer); ok {
		c.Close()
	}
}

// kindLabel maps a display name back to its kind so standalone and
// service decisions share label values.
func kindLabel(alg ratelimit.Algorithm) string {
	if k, err := ratelimit.ParseKind(alg.Name()); err == nil {
		return k.String()
	}
	return alg.Name()
}
