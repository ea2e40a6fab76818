// Package config loads the application configuration from YAML with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file or a field is absent.
const (
	DefaultHomeCurrency  = "INR"
	DefaultListenAddr    = ":8080"
	DefaultDatabasePath  = "smsledger.db"
	DefaultPendingExpiry = 24 * time.Hour
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Config is the full application configuration. The file shape it is loaded
// from is fileConfig.
type Config struct {
	// HomeCurrency is assumed when an SMS does not state a currency.
	HomeCurrency string

	// ConfirmationMode routes live SMS into the pending queue instead of
	// saving immediately.
	ConfirmationMode bool

	// BypassConfirmationForImports saves bulk-imported messages directly
	// even when confirmation mode is on.
	BypassConfirmationForImports bool

	// PendingExpiry is how long a pending row waits before auto-save.
	PendingExpiry time.Duration

	// PendingRetention is how long terminal pending rows are kept.
	PendingRetention time.Duration

	// SweepInterval is how often the auto-save sweep runs.
	SweepInterval time.Duration

	ListenAddr   string
	DatabasePath string

	// APIKey, when set, is required in the X-API-Key header of every
	// /api request.
	APIKey string

	// RulesFile optionally replaces the embedded seed rules.
	RulesFile string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		HomeCurrency:                 DefaultHomeCurrency,
		ConfirmationMode:             true,
		BypassConfirmationForImports: true,
		PendingExpiry:                DefaultPendingExpiry,
		PendingRetention:             DefaultRetention,
		SweepInterval:                DefaultSweepInterval,
		ListenAddr:                   DefaultListenAddr,
		DatabasePath:                 DefaultDatabasePath,
	}
}

// Load reads the YAML file at path, fills unset fields with defaults, and
// applies environment overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Unmarshal over a struct pre-seeded with the boolean defaults so
		// "false" and "unset" are distinguishable.
		var file fileConfig
		file.ConfirmationMode = cfg.ConfirmationMode
		file.BypassConfirmationForImports = cfg.BypassConfirmationForImports
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if err := merge(cfg, &file); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if len(c.HomeCurrency) != 3 {
		return fmt.Errorf("home_currency must be a 3-letter ISO code, got %q", c.HomeCurrency)
	}
	if c.PendingExpiry <= 0 {
		return fmt.Errorf("pending_expiry must be positive, got %s", c.PendingExpiry)
	}
	if c.PendingRetention <= 0 {
		return fmt.Errorf("pending_retention must be positive, got %s", c.PendingRetention)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path cannot be empty")
	}
	return nil
}

// fileConfig is the YAML shape of the config file. Durations are strings in
// Go duration syntax ("12h", "45m") because the YAML decoder has no native
// duration support.
type fileConfig struct {
	HomeCurrency                 string `yaml:"home_currency"`
	ConfirmationMode             bool   `yaml:"confirmation_mode"`
	BypassConfirmationForImports bool   `yaml:"bypass_confirmation_for_imports"`
	PendingExpiry                string `yaml:"pending_expiry"`
	PendingRetention             string `yaml:"pending_retention"`
	SweepInterval                string `yaml:"sweep_interval"`
	ListenAddr                   string `yaml:"listen_addr"`
	DatabasePath                 string `yaml:"database_path"`
	APIKey                       string `yaml:"api_key"`
	RulesFile                    string `yaml:"rules_file"`
}

func merge(cfg *Config, file *fileConfig) error {
	if file.HomeCurrency != "" {
		cfg.HomeCurrency = file.HomeCurrency
	}
	cfg.ConfirmationMode = file.ConfirmationMode
	cfg.BypassConfirmationForImports = file.BypassConfirmationForImports
	if err := mergeDuration(&cfg.PendingExpiry, "pending_expiry", file.PendingExpiry); err != nil {
		return err
	}
	if err := mergeDuration(&cfg.PendingRetention, "pending_retention", file.PendingRetention); err != nil {
		return err
	}
	if err := mergeDuration(&cfg.SweepInterval, "sweep_interval", file.SweepInterval); err != nil {
		return err
	}
	if file.ListenAddr != "" {
		cfg.ListenAddr = file.ListenAddr
	}
	if file.DatabasePath != "" {
		cfg.DatabasePath = file.DatabasePath
	}
	if file.APIKey != "" {
		cfg.APIKey = file.APIKey
	}
	if file.RulesFile != "" {
		cfg.RulesFile = file.RulesFile
	}
	return nil
}

func mergeDuration(dst *time.Duration, field, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SMSLEDGER_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SMSLEDGER_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SMSLEDGER_API_KEY"); v != "" {
		cfg.APIKey = v
	}
}
