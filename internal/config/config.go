package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppDirName is the per-application directory under the user config dir.
// Instances locate the secret file through it, so it must not change.
const AppDirName = "VsCodeRemoteInterfaceServer"

const (
	SecretFileName = "secret.txt"
	TrustFileName  = "trust.json"
)

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter selects the span exporter: "stdout", "otlp" or "none".
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// AccessTimeoutSeconds bounds how long a requestToken waits for the
	// instances to vote. 0 waits indefinitely.
	AccessTimeoutSeconds int `yaml:"access_timeout_seconds"`

	// TrustTTLDays is how long an unused grant survives before eviction.
	TrustTTLDays int `yaml:"trust_ttl_days"`

	// EvictionSchedule is a cron spec for the background eviction sweep.
	EvictionSchedule string `yaml:"eviction_schedule"`

	RequestTokenRatePerMinute int `yaml:"request_token_rate_per_minute"`
	RequestTokenBurst         int `yaml:"request_token_burst"`

	// OutboundQueueSize bounds each connection's write queue.
	OutboundQueueSize int `yaml:"outbound_queue_size"`

	// DrainTimeoutSeconds bounds graceful HTTP shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// SecretPath is where the broker writes its process-lifetime secret.
func (c Config) SecretPath() string {
	return filepath.Join(c.HomeDir, SecretFileName)
}

// TrustStorePath is the persisted trust-store file.
func (c Config) TrustStorePath() string {
	return filepath.Join(c.HomeDir, TrustFileName)
}

func (c Config) AccessTimeout() time.Duration {
	return time.Duration(c.AccessTimeoutSeconds) * time.Second
}

func (c Config) TrustTTL() time.Duration {
	return time.Duration(c.TrustTTLDays) * 24 * time.Hour
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|access=%d|ttl=%d|sweep=%s|rate=%d/%d|queue=%d",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.AccessTimeoutSeconds, c.TrustTTLDays,
		c.EvictionSchedule, c.RequestTokenRatePerMinute, c.RequestTokenBurst, c.OutboundQueueSize)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                  "127.0.0.1:56024",
		LogLevel:                  "info",
		AccessTimeoutSeconds:      120,
		TrustTTLDays:              30,
		EvictionSchedule:          "@hourly",
		RequestTokenRatePerMinute: 6,
		RequestTokenBurst:         3,
		OutboundQueueSize:         256,
		DrainTimeoutSeconds:       5,
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "registrar",
			SampleRate:  1.0,
		},
	}
}

// Default returns the built-in configuration rooted at homeDir, without
// reading config.yaml or the environment.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("REGISTRAR_HOME"); override != "" {
		return override
	}
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, AppDirName)
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, creating the directory if needed.
// A missing config.yaml is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Default(homeDir)

	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create registrar home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = "127.0.0.1:56024"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AccessTimeoutSeconds < 0 {
		cfg.AccessTimeoutSeconds = 0
	}
	if cfg.TrustTTLDays <= 0 {
		cfg.TrustTTLDays = 30
	}
	if strings.TrimSpace(cfg.EvictionSchedule) == "" {
		cfg.EvictionSchedule = "@hourly"
	}
	if cfg.RequestTokenRatePerMinute <= 0 {
		cfg.RequestTokenRatePerMinute = 6
	}
	if cfg.RequestTokenBurst <= 0 {
		cfg.RequestTokenBurst = 3
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	cfg.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter))
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "registrar"
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func validate(cfg Config) error {
	switch cfg.Telemetry.Exporter {
	case "stdout", "otlp", "none":
	default:
		return fmt.Errorf("telemetry.exporter %q: must be stdout, otlp or none", cfg.Telemetry.Exporter)
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Exporter == "otlp" && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required for the otlp exporter")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("REGISTRAR_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("REGISTRAR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("REGISTRAR_ACCESS_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AccessTimeoutSeconds = v
		}
	}
}
