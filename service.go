package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// ClientInfo describes how a registered client is limited.
type ClientInfo struct {
	ID        string `json:"id"`
	Tier      Tier   `json:"tier"`
	Algorithm Kind   `json:"algorithm"`
	Override  bool   `json:"override"` // Algorithm was set for this client rather than inherited
	Config    Config `json:"config"`
}

// Observer receives every admission decision made by a Service.
// Implementations must be safe for concurrent use and must not call back
// into the Service.
type Observer interface {
	ObserveDecision(info ClientInfo, d Decision)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDefaultAlgorithm sets the algorithm for clients without an override.
// Defaults to SlidingWindowCounterKind.
func WithDefaultAlgorithm(k Kind) ServiceOption {
	return func(s *Service) {
		s.defaultKind = k
	}
}

// WithServiceClock sets the time source handed to every algorithm instance.
func WithServiceClock(c Clock) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l hclog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver sets a hook called after every admission decision.
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) {
		s.observer = o
	}
}

// WithAlgorithmOptions adds options applied to every algorithm instance the
// Service creates, e.g. WithIdleEviction.
func WithAlgorithmOptions(opts ...Option) ServiceOption {
	return func(s *Service) {
		s.algOpts = append(s.algOpts, opts...)
	}
}

type binding struct {
	tier     Tier
	override Kind
}

type instanceKey struct {
	tier Tier
	kind Kind
}

// Service binds clients to a tier and an algorithm and dispatches
// admission checks to the matching algorithm instance.
//
// One algorithm instance exists per (tier, algorithm) pair and is shared by
// every client bound to it, so a client's state lives in exactly one place.
// Rebinding a client to another tier or algorithm discards that state.
type Service struct {
	tiers       map[Tier]Config // read-only after construction
	defaultKind Kind
	clock       Clock
	logger      hclog.Logger
	observer    Observer
	algOpts     []Option

	// mu guards clients. Admission holds it for reading across dispatch so
	// rebinding is atomic with respect to in-flight checks.
	mu      sync.RWMutex
	clients map[string]binding

	instMu    sync.RWMutex
	instances map[instanceKey]Algorithm
	closed    bool
}

// NewService creates a Service enforcing the given tier table.
func NewService(tiers map[Tier]Config, opts ...ServiceOption) (*Service, error) {
	if len(tiers) == 0 {
		return nil, errors.New("ratelimit: at least one tier is required")
	}

	s := &Service{
		tiers:       make(map[Tier]Config, len(tiers)),
		defaultKind: SlidingWindowCounterKind,
		clock:       SystemClock(),
		logger:      hclog.NewNullLogger(),
		clients:     make(map[string]binding),
		instances:   make(map[instanceKey]Algorithm),
	}

	for tier, cfg := range tiers {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("tier %s: %w", tier, err)
		}
		s.tiers[tier] = cfg
	}

	for _, opt := range opts {
		opt(s)
	}

	if !s.defaultKind.Valid() {
		return nil, fmt.Errorf("default algorithm: %w: %q", ErrUnknownAlgorithm, string(s.defaultKind))
	}

	return s, nil
}

// Register binds a client to a tier. Registering an existing client with a
// different tier discards its state; its algorithm override is kept.
func (s *Service) Register(clientID string, tier Tier) error {
	if clientID == "" {
		return ErrInvalidClientID
	}
	if _, ok := s.tiers[tier]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, string(tier))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.clients[clientID]
	if exists && b.tier == tier {
		return nil
	}
	if exists {
		s.resetIn(b.tier, s.kindOf(b), clientID)
		s.logger.Info("client tier changed", "client", clientID, "from", b.tier, "to", tier)
	} else {
		s.logger.Debug("client registered", "client", clientID, "tier", tier)
	}

	b.tier = tier
	s.clients[clientID] = b
	// Drop anything left behind by an earlier registration.
	s.resetIn(b.tier, s.kindOf(b), clientID)
	return nil
}

// Unregister forgets a client and its state.
func (s *Service) Unregister(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.clients[clientID]
	if !ok {
		return &UnknownClientError{ClientID: clientID}
	}
	s.resetIn(b.tier, s.kindOf(b), clientID)
	delete(s.clients, clientID)
	s.logger.Debug("client unregistered", "client", clientID)
	return nil
}

// SetAlgorithm overrides the algorithm for one client. An empty kind
// returns the client to the default algorithm. Changing the effective
// algorithm discards the client's state.
func (s *Service) SetAlgorithm(clientID string, kind Kind) error {
	if kind != "" && !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(kind))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.clients[clientID]
	if !ok {
		return &UnknownClientError{ClientID: clientID}
	}

	from := s.kindOf(b)
	b.override = kind
	s.clients[clientID] = b
	to := s.kindOf(b)

	if from != to {
		s.resetIn(b.tier, from, clientID)
		s.resetIn(b.tier, to, clientID)
		s.logger.Info("client algorithm changed", "client", clientID, "from", from, "to", to)
	}
	return nil
}

// Allow checks whether one request for the client may proceed now.
// Denial is reported in the Decision; the error is non-nil only for
// unregistered clients (*UnknownClientError).
func (s *Service) Allow(clientID string) (Decision, error) {
	info, d, err := s.allow(clientID)
	if err != nil {
		return Decision{}, err
	}

	if !d.Allowed {
		s.logger.Trace("request denied", "client", clientID, "tier", info.Tier, "algorithm", info.Algorithm, "retry_after", d.RetryAfter)
	}
	if s.observer != nil {
		s.observer.ObserveDecision(info, d)
	}
	return d, nil
}

func (s *Service) allow(clientID string) (ClientInfo, Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, alg, err := s.resolveLocked(clientID)
	if err != nil {
		return ClientInfo{}, Decision{}, err
	}
	return info, alg.Allow(clientID), nil
}

// Remaining returns the client's remaining quota without consuming it.
func (s *Service) Remaining(clientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, alg, err := s.resolveLocked(clientID)
	if err != nil {
		return 0, err
	}
	return alg.Remaining(clientID), nil
}

// Reset discards the client's state, restoring full quota. The binding is
// kept.
func (s *Service) Reset(clientID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, alg, err := s.resolveLocked(clientID)
	if err != nil {
		return err
	}
	alg.Reset(clientID)
	return nil
}

// AlgorithmName returns the display name of the client's algorithm.
func (s *Service) AlgorithmName(clientID string) (string, error) {
	info, err := s.Client(clientID)
	if err != nil {
		return "", err
	}
	return info.Algorithm.DisplayName(), nil
}

// Client returns the binding of one client.
func (s *Service) Client(clientID string) (ClientInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.clients[clientID]
	if !ok {
		return ClientInfo{}, &UnknownClientError{ClientID: clientID}
	}
	return s.infoOf(clientID, b), nil
}

// Clients returns every registered client, sorted by ID.
func (s *Service) Clients() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ClientInfo, 0, len(s.clients))
	for id, b := range s.clients {
		out = append(out, s.infoOf(id, b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tiers returns a copy of the tier table.
func (s *Service) Tiers() map[Tier]Config {
	out := make(map[Tier]Config, len(s.tiers))
	for tier, cfg := range s.tiers {
		out[tier] = cfg
	}
	return out
}

// DefaultAlgorithm returns the algorithm used by clients without an override.
func (s *Service) DefaultAlgorithm() Kind {
	return s.defaultKind
}

// Close releases every algorithm instance. Checks that would need a new
// instance afterwards fail with ErrServiceClosed.
func (s *Service) Close() {
	s.instMu.Lock()
	defer s.instMu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, alg := range s.instances {
		if c, ok := alg.(Closer); ok {
			c.Close()
		}
	}
}

func (s *Service) kindOf(b binding) Kind {
	if b.override != "" {
		return b.override
	}
	return s.defaultKind
}

func (s *Service) infoOf(clientID string, b binding) ClientInfo {
	return ClientInfo{
		ID:        clientID,
		Tier:      b.tier,
		Algorithm: s.kindOf(b),
		Override:  b.override != "",
		Config:    s.tiers[b.tier],
	}
}

// resolveLocked returns the client's binding and algorithm instance.
// Must be called with s.mu held.
func (s *Service) resolveLocked(clientID string) (ClientInfo, Algorithm, error) {
	b, ok := s.clients[clientID]
	if !ok {
		return ClientInfo{}, nil, &UnknownClientError{ClientID: clientID}
	}
	info := s.infoOf(clientID, b)
	alg, err := s.instance(info.Tier, info.Algorithm)
	if err != nil {
		return ClientInfo{}, nil, err
	}
	return info, alg, nil
}

// instance gets or lazily creates the algorithm for a tier and kind.
func (s *Service) instance(tier Tier, kind Kind) (Algorithm, error) {
	key := instanceKey{tier: tier, kind: kind}

	s.instMu.RLock()
	alg, ok := s.instances[key]
	s.instMu.RUnlock()
	if ok {
		return alg, nil
	}

	s.instMu.Lock()
	defer s.instMu.Unlock()

	// Double-check after acquiring write lock
	if alg, ok := s.instances[key]; ok {
		return alg, nil
	}
	if s.closed {
		return nil, ErrServiceClosed
	}

	opts := append([]Option{WithClock(s.clock), WithLogger(s.logger)}, s.algOpts...)
	alg, err := kind.New(s.tiers[tier], opts...)
	if err != nil {
		return nil, fmt.Errorf("tier %s: %w", tier, err)
	}
	s.instances[key] = alg
	s.logger.Debug("algorithm instance created", "tier", tier, "algorithm", kind, "quota", s.tiers[tier].String())
	return alg, nil
}

// resetIn discards a client's state in an existing instance. Instances
// that were never created hold no state.
func (s *Service) resetIn(tier Tier, kind Kind, clientID string) {
	s.instMu.RLock()
	alg, ok := s.instances[instanceKey{tier: tier, kind: kind}]
	s.instMu.RUnlock()

	if ok {
		alg.Reset(clientID)
	}
}
