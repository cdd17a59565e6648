// Package config provides configuration management for the application.
//
// Configuration is read from an optional .env file, a YAML file with
// ${VAR} and ${VAR:-default} placeholders, and finally environment variable
// overrides. Environment variables always win.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when Load is called with an empty path.
const DefaultConfigPath = "config/config.yaml"

// DefaultBodySizeLimit is the default maximum request body size.
const DefaultBodySizeLimit = "10M"

// Alias merge policies.
const (
	PolicyFirstSuccess = "first_success"
	PolicyFastest      = "fastest"
	PolicyConcatenate  = "concatenate"
)

// Alias dispatch modes.
const (
	ModeParallel = "parallel"
	ModeFallback = "fallback"
)

// ReservedParams cannot be set through per-target params.
var ReservedParams = []string{"model", "messages", "stream", "tools"}

// Config holds the application configuration
type Config struct {
	Server      ServerConfig                 `yaml:"server"`
	HTTP        HTTPConfig                   `yaml:"http"`
	Logging     LogConfig                    `yaml:"logging"`
	Metrics     MetricsConfig                `yaml:"metrics"`
	Cache       CacheConfig                  `yaml:"cache"`
	Storage     StorageConfig                `yaml:"storage"`
	DispatchLog DispatchLogConfig            `yaml:"dispatch_log"`
	Dispatch    DispatchConfig               `yaml:"dispatch"`
	Resilience  ResilienceConfig             `yaml:"resilience"`
	Providers   map[string]RawProviderConfig `yaml:"providers"`
	Models      map[string]ModelConfig       `yaml:"models"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// AuthToken is compared against the Authorization header. Empty disables auth.
	AuthToken string `yaml:"auth_token"`
	// BodySizeLimit accepts echo's size format, e.g. "10M" or "512K".
	BodySizeLimit string `yaml:"body_size_limit"`
}

// HTTPConfig holds upstream HTTP client timeouts, in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Format is "pretty" or "json". Empty picks pretty on a terminal and json otherwise.
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// CacheConfig controls the exact-match response cache.
type CacheConfig struct {
	// Type is "local", "redis" or "none".
	Type  string        `yaml:"type"`
	TTL   time.Duration `yaml:"ttl"`
	Redis RedisConfig   `yaml:"redis"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// StorageConfig selects the database shared by persistent features.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings.
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings.
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// DispatchLogConfig controls the per-request dispatch log.
type DispatchLogConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// DispatchConfig holds fan-out defaults applied to every alias.
type DispatchConfig struct {
	// Timeout is the per-target deadline when neither the caller nor the alias sets one.
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
}

// RetryConfig controls retries of retryable upstream failures.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	JitterFactor   float64       `yaml:"jitter_factor"`
}

// ResilienceConfig holds upstream client protection settings.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the per-provider circuit breaker.
// A zero FailureThreshold disables it.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RawProviderConfig is a provider entry as written in YAML, before env resolution.
type RawProviderConfig struct {
	Type    string            `yaml:"type"`
	APIKey  string            `yaml:"api_key"`
	// APIKeys are tried in order after APIKey; the next key is used when a
	// call fails with a retryable error.
	APIKeys []string          `yaml:"api_keys"`
	BaseURL string            `yaml:"base_url"`
	Headers map[string]string `yaml:"headers"`
	// Tools and Streaming override the adapter's default capabilities when set.
	Tools     *bool `yaml:"tools"`
	Streaming *bool `yaml:"streaming"`
}

// ModelConfig defines one client-facing alias.
type ModelConfig struct {
	Policy  string         `yaml:"policy"`
	Mode    string         `yaml:"mode"`
	Timeout time.Duration  `yaml:"timeout"`
	Targets []TargetConfig `yaml:"targets"`
}

// TargetConfig is one (provider, model) pair of an alias.
type TargetConfig struct {
	Provider string         `yaml:"provider"`
	Model    string         `yaml:"model"`
	Params   map[string]any `yaml:"params"`
}

// Load reads configuration from path (DefaultConfigPath when empty), applies
// defaults and environment overrides, and validates the result.
// A missing file is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	// Load .env file (optional, won't fail if not found)
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}

	cfg := buildDefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := parseYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyAliasDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseYAML expands placeholders and decodes data over cfg.
func parseYAML(data []byte, cfg *Config) error {
	expanded := expandString(string(data))
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: DefaultBodySizeLimit,
		},
		HTTP: HTTPConfig{
			Timeout:               600,
			ResponseHeaderTimeout: 600,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
		Cache: CacheConfig{
			Type: "none",
			TTL:  5 * time.Minute,
			Redis: RedisConfig{
				Prefix: "aiproxy:response:",
			},
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "data/aiproxy.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "aiproxy"},
		},
		DispatchLog: DispatchLogConfig{
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			RetentionDays: 30,
		},
		Dispatch: DispatchConfig{
			Timeout: 60 * time.Second,
			Retry: RetryConfig{
				MaxRetries:     2,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				BackoffFactor:  2.0,
				JitterFactor:   0.2,
			},
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Providers: map[string]RawProviderConfig{},
		Models:    map[string]ModelConfig{},
	}
}

// applyEnvOverrides overlays well-known environment variables onto cfg.
func applyEnvOverrides(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	setBool := func(key string, dst *bool) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = b
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = n
	}
	setDuration := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = d
	}

	setString("PORT", &cfg.Server.Port)
	setString("PROXY_AUTH_TOKEN", &cfg.Server.AuthToken)
	setString("BODY_SIZE_LIMIT", &cfg.Server.BodySizeLimit)

	setInt("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	setInt("HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout)

	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_LEVEL", &cfg.Logging.Level)

	setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	setString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	setString("CACHE_TYPE", &cfg.Cache.Type)
	setDuration("CACHE_TTL", &cfg.Cache.TTL)
	setString("REDIS_URL", &cfg.Cache.Redis.URL)

	setString("STORAGE_TYPE", &cfg.Storage.Type)
	setString("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	setString("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	setInt("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns)
	setString("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	setString("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	setBool("DISPATCH_LOG_ENABLED", &cfg.DispatchLog.Enabled)
	setInt("DISPATCH_LOG_RETENTION_DAYS", &cfg.DispatchLog.RetentionDays)

	setDuration("DISPATCH_TIMEOUT", &cfg.Dispatch.Timeout)
	setInt("DISPATCH_MAX_RETRIES", &cfg.Dispatch.Retry.MaxRetries)

	return errors.Join(errs...)
}

// applyAliasDefaults fills policy and mode on aliases that omit them.
func applyAliasDefaults(cfg *Config) {
	for name, m := range cfg.Models {
		if m.Policy == "" {
			m.Policy = PolicyFirstSuccess
		}
		if m.Mode == "" {
			m.Mode = ModeParallel
		}
		cfg.Models[name] = m
	}
}

// Validate checks structural constraints that do not depend on provider credentials.
func (c *Config) Validate() error {
	var errs []error

	switch c.Logging.Format {
	case "", "pretty", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be pretty or json, got %q", c.Logging.Format))
	}
	switch c.Cache.Type {
	case "", "none", "local":
	case "redis":
		if c.Cache.Redis.URL == "" {
			errs = append(errs, errors.New("cache.redis.url is required when cache.type is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.type must be none, local or redis, got %q", c.Cache.Type))
	}
	if c.DispatchLog.Enabled {
		switch c.Storage.Type {
		case "sqlite", "postgresql", "mongodb":
		default:
			errs = append(errs, fmt.Errorf("storage.type must be sqlite, postgresql or mongodb, got %q", c.Storage.Type))
		}
	}
	if c.Dispatch.Timeout < 0 {
		errs = append(errs, errors.New("dispatch.timeout must not be negative"))
	}
	if c.Dispatch.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("dispatch.retry.max_retries must not be negative"))
	}

	for alias, m := range c.Models {
		if strings.TrimSpace(alias) == "" {
			errs = append(errs, errors.New("model alias must not be empty"))
			continue
		}
		errs = append(errs, validateModel(alias, m)...)
	}

	return errors.Join(errs...)
}

func validateModel(alias string, m ModelConfig) []error {
	var errs []error
	if len(m.Targets) == 0 {
		errs = append(errs, fmt.Errorf("models.%s: at least one target is required", alias))
	}
	switch m.Policy {
	case "", PolicyFirstSuccess, PolicyFastest, PolicyConcatenate:
	default:
		errs = append(errs, fmt.Errorf("models.%s: unknown policy %q", alias, m.Policy))
	}
	switch m.Mode {
	case "", ModeParallel, ModeFallback:
	default:
		errs = append(errs, fmt.Errorf("models.%s: unknown mode %q", alias, m.Mode))
	}
	if m.Timeout < 0 {
		errs = append(errs, fmt.Errorf("models.%s: timeout must not be negative", alias))
	}
	for i, t := range m.Targets {
		if t.Provider == "" || t.Model == "" {
			errs = append(errs, fmt.Errorf("models.%s.targets[%d]: provider and model are required", alias, i))
		}
		for _, key := range ReservedParams {
			if _, ok := t.Params[key]; ok {
				errs = append(errs, fmt.Errorf("models.%s.targets[%d]: param %q is reserved", alias, i, key))
			}
		}
	}
	return errs
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} with environment values.
// A ${VAR} whose variable is unset or empty is left untouched so callers can
// detect unresolved secrets.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholderRe.FindStringSubmatch(m)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return m
	})
}

// parseDuration accepts plain integers as seconds or Go duration strings.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}
