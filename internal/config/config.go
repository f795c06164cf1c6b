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

	"github.com/basket/agentq/internal/engine"
	"github.com/basket/agentq/internal/otel"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/quota"
)

// Gateway kinds.
const (
	GatewayEcho = "echo"
	GatewayHTTP = "http"
)

type StoreConfig struct {
	// Driver is "sqlite3" (default) or "pgx".
	Driver string `yaml:"driver"`
	// DSN defaults to <home>/agentq.db for SQLite.
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// GatewayEndpoint is one model/tool service reachable over HTTP.
type GatewayEndpoint struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	// TokenEnv names an env var holding the bearer token. It wins over Token.
	TokenEnv string `yaml:"token_env"`
	Token    string `yaml:"token"`
}

// ResolvedToken returns the endpoint's bearer token, env first.
func (e GatewayEndpoint) ResolvedToken() string {
	if e.TokenEnv != "" {
		if v := os.Getenv(e.TokenEnv); v != "" {
			return v
		}
	}
	return e.Token
}

type GatewayConfig struct {
	// Kind is "echo" (development) or "http".
	Kind           string            `yaml:"kind"`
	Primary        GatewayEndpoint   `yaml:"primary"`
	Fallbacks      []GatewayEndpoint `yaml:"fallbacks"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`

	// FailoverThreshold is the number of consecutive transient failures
	// before an endpoint's breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open.
	// Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	// ApprovalTools are tool names the echo gateway flags as needing approval.
	ApprovalTools []string `yaml:"approval_tools"`
}

type RedisConfig struct {
	// Addr enables the cross-process wakeup relay when set.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// RateLimitConfig bounds API requests per client. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type SweeperConfig struct {
	Schedule string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount   int           `yaml:"worker_count"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	ClaimBatch    int           `yaml:"claim_batch"`
	BindAddr      string        `yaml:"bind_addr"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	MaxQueueDepth int           `yaml:"max_queue_depth"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses the default (10s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// AllowOrigins lists browser origins accepted on /ws. Empty means same
	// host only.
	AllowOrigins []string `yaml:"allow_origins"`

	// AuthToken, when set, is required as a bearer token by the HTTP API.
	AuthToken string          `yaml:"auth_token"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	Store     StoreConfig   `yaml:"store"`
	Engine    engine.Tuning `yaml:"engine"`
	Gateway   GatewayConfig `yaml:"gateway"`
	Quota     quota.Limits  `yaml:"quota"`
	Redis     RedisConfig   `yaml:"redis"`
	Sweeper   SweeperConfig `yaml:"sweeper"`
	Telemetry otel.Config   `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// Fingerprint returns a stable hash of the settings that matter at runtime,
// logged on start and on every reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|bind=%s|driver=%s|gateway=%s|tuning=%+v|quota=%+v|origins=%v",
		c.WorkerCount, c.BindAddr, c.Store.Driver, c.Gateway.Kind, c.Engine, c.Quota, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DrainTimeout returns the bounded shutdown wait.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		WorkerCount:         4,
		PollInterval:        250 * time.Millisecond,
		ClaimBatch:          8,
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		LogFormat:           "auto",
		MaxQueueDepth:       1000,
		DrainTimeoutSeconds: 10,
		Store:               StoreConfig{Driver: persistence.DriverSQLite},
		Engine:              engine.DefaultTuning(),
		Gateway: GatewayConfig{
			Kind:                    GatewayEcho,
			TimeoutSeconds:          60,
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Sweeper:   SweeperConfig{Schedule: "@every 30s"},
		Telemetry: otel.Config{Exporter: "none", ServiceName: "agentq", SampleRate: 1},
	}
}

// HomeDir is $AGENTQ_HOME, or ~/.agentq.
func HomeDir() string {
	if override := os.Getenv("AGENTQ_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentq")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, then applies
// AGENTQ_* env overrides. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentq home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
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
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 8
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 10
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	switch cfg.Store.Driver {
	case "", "sqlite":
		cfg.Store.Driver = persistence.DriverSQLite
	case "postgres", "postgresql":
		cfg.Store.Driver = persistence.DriverPostgres
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == persistence.DriverSQLite {
		cfg.Store.DSN = filepath.Join(cfg.HomeDir, "agentq.db")
	}
	if cfg.Gateway.Kind == "" {
		cfg.Gateway.Kind = GatewayEcho
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		cfg.Gateway.TimeoutSeconds = 60
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = "@every 30s"
	}
	cfg.Engine = cfg.Engine.Normalized()
}

func validate(cfg Config) error {
	switch cfg.Store.Driver {
	case persistence.DriverSQLite, persistence.DriverPostgres:
	default:
		return fmt.Errorf("store.driver %q: must be sqlite3 or pgx", cfg.Store.Driver)
	}
	if cfg.Store.Driver == persistence.DriverPostgres && cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for postgres")
	}
	switch cfg.Gateway.Kind {
	case GatewayEcho:
	case GatewayHTTP:
		if cfg.Gateway.Primary.BaseURL == "" {
			return fmt.Errorf("gateway.primary.base_url is required for the http gateway")
		}
		for i, fb := range cfg.Gateway.Fallbacks {
			if fb.BaseURL == "" {
				return fmt.Errorf("gateway.fallbacks[%d].base_url is required", i)
			}
		}
	default:
		return fmt.Errorf("gateway.kind %q: must be echo or http", cfg.Gateway.Kind)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTQ_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("AGENTQ_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("AGENTQ_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTQ_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTQ_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTQ_LOG_FORMAT"); raw != "" {
		cfg.LogFormat = raw
	}
	if raw := os.Getenv("AGENTQ_DB_DRIVER"); raw != "" {
		cfg.Store.Driver = raw
	}
	if raw := os.Getenv("AGENTQ_DB_DSN"); raw != "" {
		cfg.Store.DSN = raw
	}
	if raw := os.Getenv("AGENTQ_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("AGENTQ_REDIS_ADDR"); raw != "" {
		cfg.Redis.Addr = raw
	}
	if raw := os.Getenv("AGENTQ_GATEWAY_URL"); raw != "" {
		cfg.Gateway.Kind = GatewayHTTP
		cfg.Gateway.Primary.BaseURL = raw
	}
	if raw := os.Getenv("AGENTQ_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.Primary.Token = raw
	}
	if raw := os.Getenv("AGENTQ_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Exporter = raw
		cfg.Telemetry.Enabled = raw != "none"
	}
	if raw := os.Getenv("AGENTQ_PROMETHEUS"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.Prometheus = v
		}
	}
}
