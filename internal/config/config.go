package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config models scribepool.yml. Lease knobs can also be supplied through
// the environment (LEASE_MINUTES, MAX_ACTIVE_LEASES,
// CLAIM_COOLDOWN_SECONDS), which wins over the file.
type Config struct {
	Leases struct {
		// LeaseMinutes is the lease lifetime. 0 means leases are born
		// expired; negative means leases never expire.
		LeaseMinutes int `yaml:"lease_minutes"`
		// MaxActiveLeases is the per-worker cap on open leases.
		MaxActiveLeases int `yaml:"max_active_leases"`
		// ClaimCooldownSeconds is the minimum gap between claims by one
		// worker, counted from the previous claim.
		ClaimCooldownSeconds int `yaml:"claim_cooldown_seconds"`
	} `yaml:"leases"`
	Pay struct {
		Currency string `yaml:"currency"`
	} `yaml:"pay"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

const (
	DefaultLeaseMinutes         = 15
	DefaultMaxActiveLeases      = 1
	DefaultClaimCooldownSeconds = 30
)

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Leases.LeaseMinutes = DefaultLeaseMinutes
	cfg.Leases.MaxActiveLeases = DefaultMaxActiveLeases
	cfg.Leases.ClaimCooldownSeconds = DefaultClaimCooldownSeconds
	cfg.Pay.Currency = "USD"
	return &cfg
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Leases.MaxActiveLeases < 1 {
		return fmt.Errorf("config.leases.max_active_leases must be >= 1")
	}
	if c.Leases.ClaimCooldownSeconds < 0 {
		return fmt.Errorf("config.leases.claim_cooldown_seconds must be >= 0")
	}
	if c.Pay.Currency == "" {
		return fmt.Errorf("config.pay.currency is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "scribepool.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := intEnv("LEASE_MINUTES"); ok {
		c.Leases.LeaseMinutes = v
	}
	if v, ok := intEnv("MAX_ACTIVE_LEASES"); ok {
		c.Leases.MaxActiveLeases = v
	}
	if v, ok := intEnv("CLAIM_COOLDOWN_SECONDS"); ok {
		c.Leases.ClaimCooldownSeconds = v
	}
	if v := os.Getenv("SCRIBEPOOL_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func intEnv(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
