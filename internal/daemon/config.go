package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fodinet/fodibank/internal/reward"
)

// Config is the full daemon configuration, loaded from a toml file and
// overridden by environment variables.
type Config struct {
	API       APIConfig       `toml:"api"`
	Store     StoreConfig     `toml:"store"`
	Chain     ChainConfig     `toml:"chain"`
	Rates     RatesConfig     `toml:"rates"`
	Reflect   ReflectConfig   `toml:"reflect"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type ChainConfig struct {
	RPCURL          string `toml:"rpc_url"`
	TokenMint       string `toml:"token_mint"`
	TreasuryKeyPath string `toml:"treasury_key_path"`
	Fee             uint64 `toml:"fee"`
}

type RatesConfig struct {
	// Rationals as "num/den" strings, e.g. "100/1".
	RewardRate string `toml:"reward_rate"`
	BurnRate   string `toml:"burn_rate"`
	// Base units credited per fiat cent of a settled purchase.
	BaseUnitsPerCent int64 `toml:"base_units_per_cent"`
}

type ReflectConfig struct {
	MaxAttempts int `toml:"max_attempts"`
}

type ReconcileConfig struct {
	IntervalS int `toml:"interval_s"`
}

type WebhookConfig struct {
	Secret string `toml:"secret"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		API:       APIConfig{Host: "127.0.0.1", Port: 8640},
		Store:     StoreConfig{Path: filepath.Join(home, ".fodibank", "bank.db")},
		Chain:     ChainConfig{Fee: 5000},
		Rates:     RatesConfig{RewardRate: "100/1", BurnRate: "1/2", BaseUnitsPerCent: 200},
		Reflect:   ReflectConfig{MaxAttempts: 8},
		Reconcile: ReconcileConfig{IntervalS: 300},
		Metrics:   MetricsConfig{Enabled: true},
	}
}

// DefaultConfigPath is where LoadConfig looks when no --config flag is given.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fodibank", "config.toml")
}

// LoadConfig reads path (when it exists) over the defaults and then applies
// environment overrides. A missing file is not an error; a malformed one is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides file values with the documented environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TOKEN_MINT"); v != "" {
		cfg.Chain.TokenMint = v
	}
	if v := os.Getenv("TREASURY_KEY_PATH"); v != "" {
		cfg.Chain.TreasuryKeyPath = v
	}
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("REWARD_RATE"); v != "" {
		cfg.Rates.RewardRate = v
	}
	if v := os.Getenv("BURN_RATE"); v != "" {
		cfg.Rates.BurnRate = v
	}
	if v := os.Getenv("REFLECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reflect.MaxAttempts = n
		}
	}
	if v := os.Getenv("RECONCILE_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconcile.IntervalS = n
		}
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
}

// Validate checks the invariants a running daemon depends on. Fields only
// the serve command needs (chain endpoint, treasury key) are checked there,
// not here, so read-only commands work without a chain setup.
func (c Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store path is empty", ErrConfig)
	}
	if _, err := ParseRate(c.Rates.RewardRate); err != nil {
		return err
	}
	if _, err := ParseRate(c.Rates.BurnRate); err != nil {
		return err
	}
	if c.Rates.BaseUnitsPerCent <= 0 {
		return fmt.Errorf("%w: base_units_per_cent must be positive", ErrConfig)
	}
	if c.Reflect.MaxAttempts <= 0 {
		return fmt.Errorf("%w: reflect max_attempts must be positive", ErrConfig)
	}
	if c.Reconcile.IntervalS <= 0 {
		return fmt.Errorf("%w: reconcile interval_s must be positive", ErrConfig)
	}
	return nil
}

// ReconcileInterval returns the sweep interval as a duration.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalS) * time.Second
}

// ParseRate parses a "num/den" rational. A bare integer is num/1.
func ParseRate(s string) (reward.Rate, error) {
	num, den := s, "1"
	if i := strings.IndexByte(s, '/'); i >= 0 {
		num, den = s[:i], s[i+1:]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
	if err != nil {
		return reward.Rate{}, fmt.Errorf("%w: bad rate %q", ErrConfig, s)
	}
	d, err := strconv.ParseInt(strings.TrimSpace(den), 10, 64)
	if err != nil || d <= 0 {
		return reward.Rate{}, fmt.Errorf("%w: bad rate %q", ErrConfig, s)
	}
	return reward.Rate{Num: n, Den: d}, nil
}
