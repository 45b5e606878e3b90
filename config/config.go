// Package config loads the tier table, client bindings, and server settings
// from YAML, .env files, and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	ratelimit "github.com/KARTIKrocks/go-tierlimit"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultAddr      = ":8080"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Config is the complete tierlimit configuration.
type Config struct {
	// DefaultAlgorithm applies to clients without an algorithm of their own.
	DefaultAlgorithm string `yaml:"default_algorithm,omitempty" json:"default_algorithm,omitempty"`

	// IdleEviction forgets clients idle this long. Zero keeps them forever.
	IdleEviction time.Duration `yaml:"idle_eviction,omitempty" json:"idle_eviction,omitempty"`

	// Tiers maps a tier name to its quota. Empty means ratelimit.DefaultTiers.
	Tiers map[string]ratelimit.Config `yaml:"tiers,omitempty" json:"tiers,omitempty"`

	// Clients are registered at startup.
	Clients []ClientConfig `yaml:"clients,omitempty" json:"clients,omitempty"`

	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`
	Log    LogConfig    `yaml:"log,omitempty" json:"log,omitempty"`
}

// ClientConfig binds one client at startup.
type ClientConfig struct {
	ID        string `yaml:"id" json:"id"`
	Tier      string `yaml:"tier" json:"tier"`
	Algorithm string `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr,omitempty" json:"addr,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"` // "text" or "json"
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Load reads a YAML file, applies defaults and TIERLIMIT_* environment
// overrides, and validates the result. ${VAR} references in the file are
// expanded from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	c, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadOrDefault is like Load but starts from Default when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return finish(&Config{})
	}
	return Load(path)
}

// Parse decodes YAML configuration the same way Load does.
func Parse(data []byte) (*Config, error) {
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(c)
}

func finish(c *Config) (*Config, error) {
	c.SetDefaults()
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetDefaults fills unset fields and normalizes tier names to upper case.
func (c *Config) SetDefaults() {
	if c.DefaultAlgorithm == "" {
		c.DefaultAlgorithm = ratelimit.SlidingWindowCounterKind.String()
	}

	if len(c.Tiers) == 0 {
		c.Tiers = make(map[string]ratelimit.Config)
		for tier, q := range ratelimit.DefaultTiers() {
			c.Tiers[string(tier)] = q
		}
	} else {
		normalized := make(map[string]ratelimit.Config, len(c.Tiers))
		for name, q := range c.Tiers {
			normalized[string(ratelimit.ParseTier(name))] = q
		}
		c.Tiers = normalized
	}

	for i := range c.Clients {
		c.Clients[i].Tier = string(ratelimit.ParseTier(c.Clients[i].Tier))
	}

	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// Validate validates the configuration. Call SetDefaults first.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ratelimit.ParseKind(c.DefaultAlgorithm); err != nil {
		errs = append(errs, fmt.Errorf("default_algorithm: %w", err))
	}
	if c.IdleEviction < 0 {
		errs = append(errs, fmt.Errorf("idle_eviction: must not be negative, got %s", c.IdleEviction))
	}

	for _, name := range c.tierNames() {
		if err := c.Tiers[name].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tiers.%s: %w", name, err))
		}
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, cl := range c.Clients {
		switch {
		case cl.ID == "":
			errs = append(errs, fmt.Errorf("clients[%d].id is required", i))
		case seen[cl.ID]:
			errs = append(errs, fmt.Errorf("clients[%d]: duplicate id %q", i, cl.ID))
		}
		seen[cl.ID] = true

		if _, ok := c.Tiers[cl.Tier]; !ok {
			errs = append(errs, fmt.Errorf("clients[%d].tier: %w: %q", i, ratelimit.ErrUnknownTier, cl.Tier))
		}
		if cl.Algorithm != "" {
			if _, err := ratelimit.ParseKind(cl.Algorithm); err != nil {
				errs = append(errs, fmt.Errorf("clients[%d].algorithm: %w", i, err))
			}
		}
	}

	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("invalid log.level '%s'", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log.format '%s', must be 'text' or 'json'", c.Log.Format))
	}

	return errors.Join(errs...)
}

// TierTable returns the tiers keyed by ratelimit.Tier.
func (c *Config) TierTable() map[ratelimit.Tier]ratelimit.Config {
	out := make(map[ratelimit.Tier]ratelimit.Config, len(c.Tiers))
	for name, q := range c.Tiers {
		out[ratelimit.ParseTier(name)] = q
	}
	return out
}

// Build creates a Service from the configuration and registers its
// clients. opts are applied after the configured ones.
func (c *Config) Build(opts ...ratelimit.ServiceOption) (*ratelimit.Service, error) {
	kind, err := ratelimit.ParseKind(c.DefaultAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("default_algorithm: %w", err)
	}

	base := []ratelimit.ServiceOption{ratelimit.WithDefaultAlgorithm(kind)}
	if c.IdleEviction > 0 {
		base = append(base, ratelimit.WithAlgorithmOptions(ratelimit.WithIdleEviction(c.IdleEviction)))
	}

	svc, err := ratelimit.NewService(c.TierTable(), append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	for _, cl := range c.Clients {
		if err := svc.Register(cl.ID, ratelimit.ParseTier(cl.Tier)); err != nil {
			svc.Close()
			return nil, fmt.Errorf("client %s: %w", cl.ID, err)
		}
		if cl.Algorithm == "" {
			continue
		}
		k, err := ratelimit.ParseKind(cl.Algorithm)
		if err == nil {
			err = svc.SetAlgorithm(cl.ID, k)
		}
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("client %s: %w", cl.ID, err)
		}
	}

	return svc, nil
}

// Logger builds the logger described by the log section.
func (c *Config) Logger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(c.Log.Level),
		JSONFormat: strings.EqualFold(c.Log.Format, "json"),
	})
}

func (c *Config) tierNames() []string {
	names := make([]string, 0, len(c.Tiers))
	for name := range c.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
