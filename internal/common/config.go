package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Proxy       ProxyConfig   `toml:"proxy"`
	Auth        AuthConfig    `toml:"auth"`
	Queue       QueueConfig   `toml:"queue"`
	Targets     TargetsConfig `toml:"targets"`
	Storage     StorageConfig `toml:"storage"`
	History     HistoryConfig `toml:"history"`
	Logging     LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host" validate:"required"`
}

// ProxyConfig controls upstream polling and worker long-poll behavior.
// Duration values are strings parsed with time.ParseDuration.
type ProxyConfig struct {
	PollInterval         string  `toml:"poll_interval"`          // How often upstream brokers are polled for messages
	SessionRetryInterval string  `toml:"session_retry_interval"` // Background retry cadence after session create failure
	LongPollBudget       string  `toml:"long_poll_budget"`       // Total wall time a worker GET /message may wait
	CheckIntervalInitial string  `toml:"check_interval_initial"` // First long-poll queue check delay
	CheckIntervalMax     string  `toml:"check_interval_max"`     // Cap on the long-poll check delay
	CheckIntervalBackoff float64 `toml:"check_interval_backoff"` // Multiplier applied to the check delay each tick
	RunnerVersion        string  `toml:"runner_version"`         // Reported to upstream on message polls
	RunnerOS             string  `toml:"runner_os"`
	RunnerArch           string  `toml:"runner_arch"`
	UpstreamTimeout      string  `toml:"upstream_timeout"` // Read timeout on upstream HTTPS calls
	UpstreamRPS          int     `toml:"upstream_rps"`     // Rate limit on outbound upstream requests
}

type AuthConfig struct {
	JWTLifetime        string `toml:"jwt_lifetime"`         // Validity window of the minted client assertion
	TokenRefreshMargin string `toml:"token_refresh_margin"` // Refresh bearer tokens this long before expiry
}

type QueueConfig struct {
	SeenCap   int `toml:"seen_cap"`   // Max retained seen message IDs before pruning
	SeenPrune int `toml:"seen_prune"` // Number of oldest seen IDs dropped per prune
}

// TargetsConfig locates the target registry and the per-target runner dirs
type TargetsConfig struct {
	Registry  string `toml:"registry"`   // YAML file listing registered targets
	RunnerDir string `toml:"runner_dir"` // Base directory holding runner credential dirs
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type HistoryConfig struct {
	Retention     string `toml:"retention"`      // Job history records older than this are pruned
	PruneSchedule string `toml:"prune_schedule"` // Cron schedule for the prune task
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// NewDefaultConfig returns the configuration defaults. Every constant the
// broker protocol depends on lives here so tests and deployments share one
// source of truth.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8787,
			Host: "127.0.0.1",
		},
		Proxy: ProxyConfig{
			PollInterval:         "5s",
			SessionRetryInterval: "30s",
			LongPollBudget:       "50s",
			CheckIntervalInitial: "100ms",
			CheckIntervalMax:     "5s",
			CheckIntervalBackoff: 1.5,
			RunnerVersion:        "2.320.0",
			RunnerOS:             "macOS",
			RunnerArch:           "arm64",
			UpstreamTimeout:      "60s",
			UpstreamRPS:          20,
		},
		Auth: AuthConfig{
			JWTLifetime:        "60s",
			TokenRefreshMargin: "60s",
		},
		Queue: QueueConfig{
			SeenCap:   10000,
			SeenPrune: 1000,
		},
		Targets: TargetsConfig{
			Registry:  "./targets.yaml",
			RunnerDir: "./runners",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/nuntius",
			},
		},
		History: HistoryConfig{
			Retention:     "168h",
			PruneSchedule: "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFile loads configuration from a single file (or defaults when path is empty)
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files; CLI flag overrides are applied separately by main.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("NUNTIUS_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("NUNTIUS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("NUNTIUS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if registry := os.Getenv("NUNTIUS_TARGETS_REGISTRY"); registry != "" {
		config.Targets.Registry = registry
	}
	if runnerDir := os.Getenv("NUNTIUS_TARGETS_RUNNER_DIR"); runnerDir != "" {
		config.Targets.RunnerDir = runnerDir
	}
	if level := os.Getenv("NUNTIUS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies CLI flag values to config (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// IsProduction returns true when running with production settings
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// durationOr parses s, falling back to def on empty or invalid input
func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func (p *ProxyConfig) PollIntervalDuration() time.Duration {
	return durationOr(p.PollInterval, 5*time.Second)
}

func (p *ProxyConfig) SessionRetryIntervalDuration() time.Duration {
	return durationOr(p.SessionRetryInterval, 30*time.Second)
}

func (p *ProxyConfig) LongPollBudgetDuration() time.Duration {
	return durationOr(p.LongPollBudget, 50*time.Second)
}

func (p *ProxyConfig) CheckIntervalInitialDuration() time.Duration {
	return durationOr(p.CheckIntervalInitial, 100*time.Millisecond)
}

func (p *ProxyConfig) CheckIntervalMaxDuration() time.Duration {
	return durationOr(p.CheckIntervalMax, 5*time.Second)
}

func (p *ProxyConfig) CheckBackoff() float64 {
	if p.CheckIntervalBackoff <= 1.0 {
		return 1.5
	}
	return p.CheckIntervalBackoff
}

func (p *ProxyConfig) UpstreamTimeoutDuration() time.Duration {
	return durationOr(p.UpstreamTimeout, 60*time.Second)
}

func (a *AuthConfig) JWTLifetimeDuration() time.Duration {
	return durationOr(a.JWTLifetime, 60*time.Second)
}

func (a *AuthConfig) TokenRefreshMarginDuration() time.Duration {
	return durationOr(a.TokenRefreshMargin, 60*time.Second)
}

func (h *HistoryConfig) RetentionDuration() time.Duration {
	return durationOr(h.Retention, 168*time.Hour)
}
