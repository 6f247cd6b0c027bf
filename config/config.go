package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	GenesisFile   string `toml:"GenesisFile"`
	HistoryDSN    string `toml:"HistoryDSN"`
	Environment   string `toml:"Environment"`

	Log       LogConfig       `toml:"Log"`
	Auth      AuthConfig      `toml:"Auth"`
	RateLimit RateLimitConfig `toml:"RateLimit"`
	Telemetry TelemetryConfig `toml:"Telemetry"`
}

type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// AuthConfig governs the admin surface. The HMAC secret is read from the
// environment variable named by SecretEnv so the config file never carries
// credentials.
type AuthConfig struct {
	Enabled   bool   `toml:"Enabled"`
	SecretEnv string `toml:"SecretEnv"`
	Issuer    string `toml:"Issuer"`
	Audience  string `toml:"Audience"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

type TelemetryConfig struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.SecretEnv) == "" {
		return fmt.Errorf("config: Auth.SecretEnv required when auth is enabled")
	}
	return nil
}

// AuthSecret resolves the admin HMAC secret from the environment.
func (c *Config) AuthSecret() (string, error) {
	if !c.Auth.Enabled {
		return "", nil
	}
	secret := strings.TrimSpace(os.Getenv(c.Auth.SecretEnv))
	if secret == "" {
		return "", fmt.Errorf("config: environment variable %s is empty", c.Auth.SecretEnv)
	}
	return secret, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./ys-data"
	}
	if strings.TrimSpace(cfg.HistoryDSN) == "" {
		cfg.HistoryDSN = filepath.Join(cfg.DataDir, "history.db")
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.SecretEnv) == "" {
		cfg.Auth.SecretEnv = "YS_AUTH_SECRET"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8545",
		DataDir:       "./ys-data",
		GenesisFile:   "",
		Environment:   "local",
		Auth: AuthConfig{
			Enabled:   true,
			SecretEnv: "YS_AUTH_SECRET",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             20,
		},
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
