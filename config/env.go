package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	ratelimit "github.com/KARTIKrocks/go-tierlimit"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TIERLIMIT_"

// LookupFunc looks up an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads .env files into the environment. Explicit paths are
// tried first, then .env in the current directory. Missing files are
// skipped. Existing environment variables are NOT overwritten.
func LoadDotEnv(paths ...string) error {
	for _, path := range append(paths, ".env") {
		if path == "" {
			continue
		}
		if err := loadIfExists(path); err != nil {
			return err
		}
	}
	return nil
}

// LoadDotEnvForConfig loads .env from the config file's directory, then
// from the current directory.
func LoadDotEnvForConfig(configPath string) error {
	if configPath == "" {
		return LoadDotEnv()
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return LoadDotEnv()
	}
	return LoadDotEnv(filepath.Join(filepath.Dir(absPath), ".env"))
}

// loadIfExists loads a .env file if it exists.
func loadIfExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment:
//
//	TIERLIMIT_ADDR                      server.addr
//	TIERLIMIT_LOG_LEVEL                 log.level
//	TIERLIMIT_LOG_FORMAT                log.format
//	TIERLIMIT_DEFAULT_ALGORITHM         default_algorithm
//	TIERLIMIT_IDLE_EVICTION             idle_eviction (duration)
//	TIERLIMIT_TIER_<NAME>_MAX_REQUESTS  tiers.<NAME>.max_requests
//	TIERLIMIT_TIER_<NAME>_WINDOW        tiers.<NAME>.window (duration)
//
// Tier overrides may introduce new tiers; both fields must then be set.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup(EnvPrefix + "ADDR"); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvPrefix + "LOG_FORMAT"); ok && v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v, ok := lookup(EnvPrefix + "DEFAULT_ALGORITHM"); ok && v != "" {
		c.DefaultAlgorithm = v
	}
	if v, ok := lookup(EnvPrefix + "IDLE_EVICTION"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sIDLE_EVICTION: %w", EnvPrefix, err)
		}
		c.IdleEviction = d
	}

	return c.applyTierEnv(lookup)
}

// applyTierEnv applies TIERLIMIT_TIER_* overrides. Only the process
// environment can be enumerated, so tiers not yet in the table are only
// discovered when lookup is os.LookupEnv.
func (c *Config) applyTierEnv(lookup LookupFunc) error {
	if c.Tiers == nil {
		c.Tiers = make(map[string]ratelimit.Config)
	}

	// Keys are tier names; values are the spellings used in env keys.
	names := make(map[string][]string, len(c.Tiers))
	for name := range c.Tiers {
		names[name] = append(names[name], name)
	}
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if name, raw, ok := tierFromEnvKey(key); ok && !slices.Contains(names[name], raw) {
			names[name] = append(names[name], raw)
		}
	}

	for name, spellings := range names {
		q := c.Tiers[name]
		changed := false

		for _, raw := range spellings {
			prefix := EnvPrefix + "TIER_" + raw + "_"

			if v, ok := lookup(prefix + "MAX_REQUESTS"); ok && v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return fmt.Errorf("%sMAX_REQUESTS: %w", prefix, err)
				}
				q.MaxRequests = n
				changed = true
			}
			if v, ok := lookup(prefix + "WINDOW"); ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("%sWINDOW: %w", prefix, err)
				}
				q.Window = d
				changed = true
			}
		}

		if changed {
			c.Tiers[name] = q
		}
	}
	return nil
}

// tierFromEnvKey extracts NAME from TIERLIMIT_TIER_NAME_MAX_REQUESTS or
// TIERLIMIT_TIER_NAME_WINDOW. It returns the normalized tier name and NAME
// as written in the key.
func tierFromEnvKey(key string) (tier, raw string, ok bool) {
	rest, ok := strings.CutPrefix(key, EnvPrefix+"TIER_")
	if !ok {
		return "", "", false
	}
	for _, suffix := range []string{"_MAX_REQUESTS", "_WINDOW"} {
		if name, ok := strings.CutSuffix(rest, suffix); ok && name != "" {
			return string(ratelimit.ParseTier(name)), name, true
		}
	}
	return "", "", false
}
