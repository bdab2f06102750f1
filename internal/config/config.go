package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreBackendMemory   = "memory"
	StoreBackendPostgres = "postgres"
)

// Config holds all configuration for the job queue server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	PortSearch bool   `yaml:"port_search"`
	Env        string `yaml:"env"`
	LogLevel   string `yaml:"log_level"`
}

// QueueConfig controls the lease and retry policy.
type QueueConfig struct {
	AbandonedAge  time.Duration `yaml:"abandoned_age"`
	MaxAttempts   int           `yaml:"max_attempts"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type StoreConfig struct {
	Backend         string        `yaml:"backend"`
	PersistPath     string        `yaml:"persist_path"`
	PersistInterval time.Duration `yaml:"persist_interval"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL                string `yaml:"url"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type DiscoveryConfig struct {
	Namespace string        `yaml:"namespace"`
	TTL       time.Duration `yaml:"ttl"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     1717,
			Env:      "development",
			LogLevel: "info",
		},
		Queue: QueueConfig{
			AbandonedAge:  300 * time.Second,
			MaxAttempts:   3,
			SweepInterval: 5 * time.Second,
		},
		Store: StoreConfig{
			Backend:         StoreBackendMemory,
			PersistInterval: time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			RateLimitPerMinute: 600,
		},
		Discovery: DiscoveryConfig{
			Namespace: "_serval_queue._tcp.local.",
			TTL:       30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration and returns a validated Config. When
// QUEUE_CONFIG_FILE is set, that YAML file is applied over the defaults first;
// environment variables always win.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("QUEUE_CONFIG_FILE"))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = envString("QUEUE_HOST", c.Server.Host)
	c.Server.Port = envInt("QUEUE_PORT", c.Server.Port)
	c.Server.PortSearch = envBool("QUEUE_PORT_SEARCH", c.Server.PortSearch)
	c.Server.Env = envString("QUEUE_ENV", c.Server.Env)
	c.Server.LogLevel = strings.ToLower(envString("LOG_LEVEL", c.Server.LogLevel))

	c.Queue.AbandonedAge = envDurationSecs("ABANDONED_AGE", c.Queue.AbandonedAge)
	c.Queue.MaxAttempts = envInt("MAX_ATTEMPTS", c.Queue.MaxAttempts)
	c.Queue.SweepInterval = envDuration("SWEEP_INTERVAL", c.Queue.SweepInterval)

	c.Store.Backend = strings.ToLower(envString("STORE_BACKEND", c.Store.Backend))
	c.Store.PersistPath = envString("STORE_PERSIST_PATH", c.Store.PersistPath)
	c.Store.PersistInterval = envDuration("STORE_PERSIST_INTERVAL", c.Store.PersistInterval)

	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = envDuration("DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)

	c.Redis.URL = envString("REDIS_URL", c.Redis.URL)
	c.Redis.RateLimitPerMinute = envInt("RATE_LIMIT_PER_MIN", c.Redis.RateLimitPerMinute)

	c.Discovery.Namespace = envString("DISCOVERY_NAMESPACE", c.Discovery.Namespace)
	c.Discovery.TTL = envDuration("DISCOVERY_TTL", c.Discovery.TTL)

	c.Metrics.Enabled = envBool("METRICS_ENABLED", c.Metrics.Enabled)
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("QUEUE_PORT must be between 0 and 65535, got %d", c.Server.Port)
	}
	if _, ok := validLogLevels[c.Server.LogLevel]; !ok {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if c.Queue.AbandonedAge <= 0 {
		return fmt.Errorf("ABANDONED_AGE must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	switch c.Store.Backend {
	case StoreBackendMemory:
		if c.Store.PersistPath != "" && c.Store.PersistInterval <= 0 {
			return fmt.Errorf("STORE_PERSIST_INTERVAL must be positive when STORE_PERSIST_PATH is set")
		}
	case StoreBackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, postgres; got %q", c.Store.Backend)
	}

	if c.Redis.URL != "" {
		if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
			return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
		}
		if c.Discovery.TTL <= 0 {
			return fmt.Errorf("DISCOVERY_TTL must be positive")
		}
	}

	return nil
}

// SlogLevel returns the parsed LOG_LEVEL.
func (c *Config) SlogLevel() slog.Level {
	return validLogLevels[c.Server.LogLevel]
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
