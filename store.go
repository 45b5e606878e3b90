package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

const defaultShards = 32

// clientEntry is one client's state. All reads and writes of state go
// through mu. removed is set under mu when the sweeper drops the entry;
// callers that find it set must look the client up again.
type clientEntry[S any] struct {
	mu       sync.Mutex
	state    S
	lastSeen time.Time
	removed  bool
}

type shard[S any] struct {
	mu      sync.RWMutex
	entries map[string]*clientEntry[S]
}

// clientStore maps client IDs to per-client state. The map is split into
// shards so creating an entry only contends within its shard, and each
// entry carries its own lock so unrelated clients never serialize.
type clientStore[S any] struct {
	shards  []*shard[S]
	clock   Clock
	logger  hclog.Logger
	idleTTL time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// newClientStore creates a store. When idle eviction is enabled the ttl is
// raised to at least minIdle.
func newClientStore[S any](o options, minIdle time.Duration) *clientStore[S] {
	ctx, cancel := context.WithCancel(context.Background())
	s := &clientStore[S]{
		shards: make([]*shard[S], o.numShards),
		clock:  o.clock,
		logger: o.logger,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range s.shards {
		s.shards[i] = &shard[S]{entries: make(map[string]*clientEntry[S])}
	}

	if o.idleTTL > 0 {
		s.idleTTL = max(o.idleTTL, minIdle)
		go s.cleanup(s.idleTTL / 2)
	}

	return s
}

func (s *clientStore[S]) shardFor(clientID string) *shard[S] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// getOrCreate returns the entry for a client, creating it with init if it
// does not exist. The entry is returned unlocked.
func (s *clientStore[S]) getOrCreate(clientID string, init func(now time.Time) S) *clientEntry[S] {
	sh := s.shardFor(clientID)

	sh.mu.RLock()
	entry, ok := sh.entries[clientID]
	sh.mu.RUnlock()
	if ok {
		return entry
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Double-check after acquiring write lock
	if entry, ok = sh.entries[clientID]; ok {
		return entry
	}

	now := s.clock.Now()
	entry = &clientEntry[S]{state: init(now), lastSeen: now}
	sh.entries[clientID] = entry
	return entry
}

// update runs fn against the client's state under the client's lock. The
// clock is read inside the critical section so successive calls for one
// client observe non-decreasing instants in the order they were applied.
func (s *clientStore[S]) update(clientID string, init func(now time.Time) S, fn func(st *S, now time.Time)) {
	s.apply(s.getOrCreate(clientID, init), clientID, init, fn)
}

// apply locks entry and runs fn, looking the client up again if the entry
// was evicted between lookup and lock.
func (s *clientStore[S]) apply(entry *clientEntry[S], clientID string, init func(now time.Time) S, fn func(st *S, now time.Time)) {
	entry.mu.Lock()
	for entry.removed {
		entry.mu.Unlock()
		entry = s.getOrCreate(clientID, init)
		entry.mu.Lock()
	}
	defer entry.mu.Unlock()

	now := s.clock.Now()
	entry.lastSeen = now
	fn(&entry.state, now)
}

// peek runs fn against the client's state without creating it. ok is false
// for unseen clients, in which case st is nil. fn must not modify st.
func (s *clientStore[S]) peek(clientID string, fn func(st *S, ok bool, now time.Time)) {
	sh := s.shardFor(clientID)

	sh.mu.RLock()
	entry, ok := sh.entries[clientID]
	sh.mu.RUnlock()

	if !ok {
		fn(nil, false, s.clock.Now())
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		fn(nil, false, s.clock.Now())
		return
	}
	fn(&entry.state, true, s.clock.Now())
}

// delete forgets a client.
func (s *clientStore[S]) delete(clientID string) {
	sh := s.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, clientID)
}

// clear forgets every client.
func (s *clientStore[S]) clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*clientEntry[S])
		sh.mu.Unlock()
	}
}

// len returns the number of tracked clients.
func (s *clientStore[S]) len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// cleanup periodically removes idle clients.
func (s *clientStore[S]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.clock.Now())
		}
	}
}

// sweep removes clients not seen for at least idleTTL before now and
// returns how many were removed.
func (s *clientStore[S]) sweep(now time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}

	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for clientID, entry := range sh.entries {
			entry.mu.Lock()
			idle := now.Sub(entry.lastSeen) >= s.idleTTL
			if idle {
				entry.removed = true
			}
			entry.mu.Unlock()
			if idle {
				delete(sh.entries, clientID)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		s.logger.Debug("evicted idle clients", "count", removed, "idle_ttl", s.idleTTL)
	}
	return removed
}

// close stops the cleanup goroutine.
func (s *clientStore[S]) close() {
	s.cancel()
}
