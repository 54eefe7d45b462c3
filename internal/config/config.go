package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server Server `yaml:"server"`
	Local  Local  `yaml:"local"`
	Remote Remote `yaml:"remote"`
	Sync   Sync   `yaml:"sync"`
	Log    Log    `yaml:"log"`
}

// Server contains settings for the local status API.
type Server struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
}

// Local contains local database settings.
type Local struct {
	Path string `yaml:"path"`
}

// Remote contains remote store settings.
type Remote struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"-"` // env-only, never in YAML
	Timeout     Duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Sync contains synchronization settings.
type Sync struct {
	Schedule            string   `yaml:"schedule"` // cron spec, e.g. "@every 5m"
	ProbeInterval       Duration `yaml:"probe_interval"`
	MaintenanceInterval Duration `yaml:"maintenance_interval"`
	AuditWindow         Duration `yaml:"audit_window"`
	Offline             bool     `yaml:"offline"`
}

// Log contains logging settings.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Value returns the wrapped time.Duration.
func (d Duration) Value() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("STEWARD_CONFIG_PATH", "config/steward.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: Server{
			Port:            7380,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Local: Local{
			Path: "data/steward.db",
		},
		Remote: Remote{
			Timeout:     Duration(30 * time.Second),
			MaxAttempts: 3,
		},
		Sync: Sync{
			Schedule:            "@every 5m",
			ProbeInterval:       Duration(30 * time.Second),
			MaintenanceInterval: Duration(15 * time.Minute),
			AuditWindow:         Duration(30 * 24 * time.Hour),
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("STEWARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STEWARD_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}
	if v := os.Getenv("STEWARD_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}

	// Local database
	if v := os.Getenv("STEWARD_DB_PATH"); v != "" {
		cfg.Local.Path = v
	}

	// Remote store
	if v := os.Getenv("STEWARD_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("STEWARD_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("STEWARD_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("STEWARD_REMOTE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Remote.MaxAttempts = n
		}
	}

	// Sync
	if v := os.Getenv("STEWARD_SYNC_SCHEDULE"); v != "" {
		cfg.Sync.Schedule = v
	}
	if v := os.Getenv("STEWARD_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ProbeInterval = Duration(d)
		}
	}
	if v := os.Getenv("STEWARD_MAINTENANCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.MaintenanceInterval = Duration(d)
		}
	}
	if v := os.Getenv("STEWARD_AUDIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.AuditWindow = Duration(d)
		}
	}
	if v := os.Getenv("STEWARD_OFFLINE"); v != "" {
		cfg.Sync.Offline = v == "true" || v == "1"
	}

	// Log
	if v := os.Getenv("STEWARD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("STEWARD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// Offline mode needs no remote; otherwise the remote URL is required.
func (c *Config) validate() error {
	if c.Local.Path == "" {
		return errors.New("local database path is required")
	}
	if !c.Sync.Offline && c.Remote.BaseURL == "" {
		return errors.New("STEWARD_REMOTE_URL is required unless sync.offline is set")
	}
	if c.Remote.MaxAttempts < 1 {
		return errors.New("remote.max_attempts must be at least 1")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
