// Package config loads the server's typed configuration: a YAML file on
// disk, overridden by TASKFORGE_*-prefixed environment variables, validated
// before the server accepts a single request. Grounded on the teacher's own
// internal/config/config.go (YAML file + Default*() constructors + env
// override layer + bounds-checking Validate()), generalized from the
// conductor CLI's quality-control knobs to the daemon's own concerns: HTTP
// bind address, CORS allow-list, persistence paths, retry/backoff,
// circuit-breaker thresholds, and maintenance intervals (§6).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPConfig controls the API's network surface.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RetryConfig mirrors executor.RetryPolicy (§4.4, "recommended: base 1s,
// factor 2, cap 30s, max 3 attempts").
type RetryConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Factor      float64       `yaml:"factor"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// BreakerConfig controls the persisted circuit breaker (§4.4).
type BreakerConfig struct {
	StateDir  string        `yaml:"state_dir"`
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// SweepConfig controls the contingency sweep (§4.4, "Timeout / stuck
// detection", and the Open Question resolved in DESIGN.md: configurable,
// default 1h stuck / 5m orphan).
type SweepConfig struct {
	Interval        time.Duration `yaml:"interval"`
	StuckThreshold  time.Duration `yaml:"stuck_threshold"`
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`
	BackupDir       string        `yaml:"backup_dir"`
	BackupRetain    int           `yaml:"backup_retain"`
}

// BroadcasterConfig controls the WebSocket fan-out hub (§4.7).
type BroadcasterConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// WorkerConfig controls the default backend model and credentials for
// internal/worker.AnthropicAdapter.
type WorkerConfig struct {
	DefaultModel  string `yaml:"default_model"`
	AnthropicAPIKey string `yaml:"-"` // never read from the YAML file; env only
}

// Config is the complete, validated server configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	LogDir      string            `yaml:"log_dir"`
	DBPath      string            `yaml:"db_path"`
	LogLevel    string            `yaml:"log_level"`
	Retry       RetryConfig       `yaml:"retry"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Broadcaster BroadcasterConfig `yaml:"broadcaster"`
	Worker      WorkerConfig      `yaml:"worker"`
}

// Default returns the spec's recommended defaults (§4.4, §4.7, DESIGN.md
// Open Question decisions).
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		LogDir:   "./data/logs",
		DBPath:   "./data/tasks.db",
		LogLevel: "info",
		Retry: RetryConfig{
			BaseDelay:   time.Second,
			Factor:      2,
			Cap:         30 * time.Second,
			MaxAttempts: 3,
		},
		Breaker: BreakerConfig{
			StateDir:  "./data/breaker",
			Threshold: 5,
			Cooldown:  5 * time.Minute,
		},
		Sweep: SweepConfig{
			Interval:        5 * time.Minute,
			StuckThreshold:  time.Hour,
			OrphanThreshold: 5 * time.Minute,
			BackupDir:       "./data/backups",
			BackupRetain:    10,
		},
		Broadcaster: BroadcasterConfig{
			HeartbeatInterval: 30 * time.Second,
		},
		Worker: WorkerConfig{
			DefaultModel: "sonnet",
		},
	}
}

// Load reads path (if it exists) over the defaults, applies environment
// overrides, and validates the result. A missing file is not an error —
// the server runs on defaults plus environment alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides mirrors the teacher's applyConsoleEnvOverrides idiom:
// a TASKFORGE_-prefixed variable, when set, replaces the corresponding
// field regardless of what the YAML file or default held.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("TASKFORGE_HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := os.LookupEnv("TASKFORGE_ALLOWED_ORIGINS"); ok {
		cfg.HTTP.AllowedOrigins = splitCSV(v)
	}
	if v, ok := os.LookupEnv("TASKFORGE_LOG_DIR"); ok {
		cfg.LogDir = v
	}
	if v, ok := os.LookupEnv("TASKFORGE_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("TASKFORGE_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("TASKFORGE_RETRY_MAX_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v, ok := os.LookupEnv("TASKFORGE_BREAKER_STATE_DIR"); ok {
		cfg.Breaker.StateDir = v
	}
	if v, ok := os.LookupEnv("TASKFORGE_BREAKER_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.Threshold = n
		}
	}
	if v, ok := os.LookupEnv("TASKFORGE_BREAKER_COOLDOWN"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.Cooldown = d
		}
	}
	if v, ok := os.LookupEnv("TASKFORGE_SWEEP_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweep.Interval = d
		}
	}
	if v, ok := os.LookupEnv("TASKFORGE_SWEEP_STUCK_THRESHOLD"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweep.StuckThreshold = d
		}
	}
	if v, ok := os.LookupEnv("TASKFORGE_SWEEP_ORPHAN_THRESHOLD"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweep.OrphanThreshold = d
		}
	}
	if v, ok := os.LookupEnv("TASKFORGE_SWEEP_BACKUP_DIR"); ok {
		cfg.Sweep.BackupDir = v
	}
	if v, ok := os.LookupEnv("TASKFORGE_HEARTBEAT_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broadcaster.HeartbeatInterval = d
		}
	}
	if v, ok := os.LookupEnv("TASKFORGE_DEFAULT_MODEL"); ok {
		cfg.Worker.DefaultModel = v
	}
	if v, ok := os.LookupEnv("ANTHROPIC_API_KEY"); ok {
		cfg.Worker.AnthropicAPIKey = v
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects out-of-range values, mirroring the teacher's
// Config.Validate() bounds-checking style. In particular it enforces the
// Design Notes' CORS mandate: an explicit allow-list, never a wildcard
// (§9, "the intended policy is CORS-restricted").
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty")
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		return fmt.Errorf("http.allowed_origins must name at least one explicit origin")
	}
	for _, origin := range c.HTTP.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("http.allowed_origins must not be a wildcard; CORS policy is an explicit allow-list")
		}
	}
	if c.LogDir == "" {
		return fmt.Errorf("log_dir must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.Factor <= 1 {
		return fmt.Errorf("retry.factor must be > 1")
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be >= 1")
	}
	if c.Sweep.StuckThreshold <= 0 {
		return fmt.Errorf("sweep.stuck_threshold must be > 0")
	}
	if c.Sweep.OrphanThreshold <= 0 {
		return fmt.Errorf("sweep.orphan_threshold must be > 0")
	}
	if c.Sweep.BackupRetain < 1 {
		return fmt.Errorf("sweep.backup_retain must be >= 1")
	}
	if c.Broadcaster.HeartbeatInterval <= 0 {
		return fmt.Errorf("broadcaster.heartbeat_interval must be > 0")
	}
	return nil
}
