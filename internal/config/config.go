// Package config loads the relaymeet server configuration from an optional
// YAML file followed by RELAYMEET_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "RELAYMEET_"

	defaultAddr            = ":8080"
	defaultRealtime        = RealtimeMemory
	defaultRedisPrefix     = "relaymeet"
	defaultRateLimitWindow = time.Minute
	defaultMaxBodyBytes    = 1 << 20
	defaultShutdownTimeout = 10 * time.Second
)

const (
	RealtimeMemory = "memory"
	RealtimeRedis  = "redis"
)

type Config struct {
	Addr            string          `yaml:"addr"`
	// StorageDSN selects the state backend: file path, file://, memory://
	// or postgres://. Empty keeps state in memory only.
	StorageDSN      string          `yaml:"storage_dsn"`
	Realtime        RealtimeConfig  `yaml:"realtime"`
	AdminSecret     string          `yaml:"admin_secret"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	DefaultShareTTL time.Duration   `yaml:"default_share_ttl"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	Debug           bool            `yaml:"debug"`
}

type RealtimeConfig struct {
	Backend     string        `yaml:"backend"`
	RedisURL    string        `yaml:"redis_url"`
	RedisPrefix string        `yaml:"redis_prefix"`
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

type RateLimitConfig struct {
	// Max writes per share token per window. Zero disables the limit.
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

func Default() Config {
	return Config{
		Addr: defaultAddr,
		Realtime: RealtimeConfig{
			Backend:     defaultRealtime,
			RedisPrefix: defaultRedisPrefix,
		},
		RateLimit:       RateLimitConfig{Window: defaultRateLimitWindow},
		MaxBodyBytes:    defaultMaxBodyBytes,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// Load reads path when it is non-empty, then applies environment overrides
// from lookup. A nil lookup uses os.LookupEnv.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(content))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	cfg.Realtime.Backend = strings.ToLower(strings.TrimSpace(cfg.Realtime.Backend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}
	env.str("ADDR", &cfg.Addr)
	env.str("STORAGE_DSN", &cfg.StorageDSN)
	env.str("REALTIME_BACKEND", &cfg.Realtime.Backend)
	env.str("REDIS_URL", &cfg.Realtime.RedisURL)
	env.str("REDIS_PREFIX", &cfg.Realtime.RedisPrefix)
	env.duration("PRESENCE_TTL", &cfg.Realtime.PresenceTTL)
	env.str("ADMIN_SECRET", &cfg.AdminSecret)
	env.list("ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	env.integer("RATE_LIMIT_MAX", &cfg.RateLimit.Max)
	env.duration("RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	env.int64("MAX_BODY_BYTES", &cfg.MaxBodyBytes)
	env.duration("DEFAULT_SHARE_TTL", &cfg.DefaultShareTTL)
	env.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	env.boolean("DEBUG", &cfg.Debug)
	return errors.Join(env.errs...)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch c.Realtime.Backend {
	case RealtimeMemory:
	case RealtimeRedis:
		if strings.TrimSpace(c.Realtime.RedisURL) == "" {
			errs = append(errs, errors.New("realtime.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported realtime.backend %q, expected memory or redis", c.Realtime.Backend))
	}
	if c.RateLimit.Max < 0 {
		errs = append(errs, fmt.Errorf("invalid rate_limit.max %d, expected >= 0", c.RateLimit.Max))
	}
	if c.RateLimit.Max > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive when rate_limit.max is set"))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("invalid max_body_bytes %d", c.MaxBodyBytes))
	}
	if c.DefaultShareTTL < 0 {
		errs = append(errs, errors.New("default_share_ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// envReader applies RELAYMEET_* variables and collects every parse failure.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) raw(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.raw(name); ok {
		*dst = v
	}
}

func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.raw(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.raw(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(name string, dst *int64) {
	if v, ok := e.raw(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.raw(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.raw(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err))
			return
		}
		*dst = b
	}
}
