// Package config loads querydag settings from a YAML file, a .env file and
// QUERYDAG_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RunMode selects how execution results are shaped.
type RunMode string

const (
	// Development returns every value exactly as computed.
	Development RunMode = "development"
	// Production strips the "context" field from returned records.
	Production RunMode = "production"
)

// ParseRunMode accepts "development", "dev", "production" or "prod".
func ParseRunMode(s string) (RunMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev":
		return Development, nil
	case "production", "prod":
		return Production, nil
	}
	return "", fmt.Errorf("config: unknown run mode %q", s)
}

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Server struct {
	Addr         string        `yaml:"addr"`
	Timeout      time.Duration `yaml:"timeout"`
	Pretty       bool          `yaml:"pretty"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// Store selects and configures the key-value backend read by select nodes.
type Store struct {
	Backend        string `yaml:"backend"`
	RedisURL       string `yaml:"redis_url"`
	RedisPrefix    string `yaml:"redis_prefix"`
	BadgerPath     string `yaml:"badger_path"`
	BadgerInMemory bool   `yaml:"badger_in_memory"`
}

type Executor struct {
	SelectConcurrency int `yaml:"select_concurrency"`
	// KeyFields names the keyword arguments a keys node reads its upstream
	// sequence from. Empty means any sequence-valued argument.
	KeyFields []string `yaml:"key_fields"`
}

type Telemetry struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
	Metrics  bool   `yaml:"metrics"`
}

type Queries struct {
	Dir string `yaml:"dir"`
}

// Remote maps function names to gRPC methods served by Endpoints.
type Remote struct {
	Endpoints []string          `yaml:"endpoints"`
	Timeout   time.Duration     `yaml:"timeout"`
	MaxConns  int               `yaml:"max_conns"` // pooled connections per endpoint
	Functions map[string]string `yaml:"functions"`
}

// Config is the full process configuration.
type Config struct {
	RunMode   RunMode   `yaml:"run_mode"`
	Log       Log       `yaml:"log"`
	Server    Server    `yaml:"server"`
	Store     Store     `yaml:"store"`
	Executor  Executor  `yaml:"executor"`
	Telemetry Telemetry `yaml:"telemetry"`
	Queries   Queries   `yaml:"queries"`
	Remote    Remote    `yaml:"remote"`
}

// Default returns the settings used when nothing else is given.
func Default() *Config {
	return &Config{
		RunMode: Development,
		Log:     Log{Level: "info", Format: "text"},
		Server: Server{
			Addr:         ":8080",
			Timeout:      30 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Store:     Store{Backend: BackendMemory},
		Executor:  Executor{SelectConcurrency: 1},
		Telemetry: Telemetry{Service: "querydag"},
		Remote:    Remote{Timeout: 5 * time.Second, MaxConns: 2},
	}
}

// Load builds a Config from defaults, then the YAML file at path (skipped
// when path is empty), then environment variables. A .env file in the
// working directory is loaded first if present; it never overrides variables
// that are already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	str("QUERYDAG_LOG_LEVEL", &c.Log.Level)
	str("QUERYDAG_LOG_FORMAT", &c.Log.Format)
	str("QUERYDAG_ADDR", &c.Server.Addr)
	str("QUERYDAG_STORE", &c.Store.Backend)
	str("QUERYDAG_REDIS_URL", &c.Store.RedisURL)
	str("QUERYDAG_REDIS_PREFIX", &c.Store.RedisPrefix)
	str("QUERYDAG_BADGER_PATH", &c.Store.BadgerPath)
	str("QUERYDAG_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	str("QUERYDAG_QUERIES_DIR", &c.Queries.Dir)

	if v, ok := lookup("QUERYDAG_RUN_MODE"); ok {
		mode, err := ParseRunMode(v)
		if err != nil {
			return err
		}
		c.RunMode = mode
	}
	if v, ok := lookup("QUERYDAG_SELECT_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: QUERYDAG_SELECT_CONCURRENCY: %w", err)
		}
		c.Executor.SelectConcurrency = n
	}
	if v, ok := lookup("QUERYDAG_REMOTE_ENDPOINTS"); ok {
		c.Remote.Endpoints = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseRunMode(string(c.RunMode)); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("config: store.redis_url is required for the redis backend"))
		}
	case BackendBadger:
		if c.Store.BadgerPath == "" && !c.Store.BadgerInMemory {
			errs = append(errs, errors.New("config: store.badger_path is required for the badger backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store backend %q", c.Store.Backend))
	}
	if c.Executor.SelectConcurrency < 1 {
		errs = append(errs, fmt.Errorf("config: executor.select_concurrency must be at least 1, got %d", c.Executor.SelectConcurrency))
	}
	if c.Remote.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("config: remote.max_conns must be at least 1, got %d", c.Remote.MaxConns))
	}
	if len(c.Remote.Functions) > 0 && len(c.Remote.Endpoints) == 0 {
		errs = append(errs, errors.New("config: remote.functions set without remote.endpoints"))
	}
	return errors.Join(errs...)
}
