package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the system-wide settings tree. Sections are values so a YAML
// file only overrides the keys it names.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Relay     RelayConfig     `yaml:"relay"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// WebSocketConfig mirrors the heartbeat of the deployed clients:
// ping every 25s, give up after 60s of silence.
type WebSocketConfig struct {
	Path         string        `yaml:"path"`
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
	ReadLimit    int64         `yaml:"read_limit"`
}

type RelayConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// RateLimit is routed messages per sender per minute. 0, the default,
	// disables it.
	RateLimit    int           `yaml:"rate_limit"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

type StoreConfig struct {
	Backend    string        `yaml:"backend"`
	RedisURL   string        `yaml:"redis_url"`
	SQLitePath string        `yaml:"sqlite_path"`
	EntryTTL   time.Duration `yaml:"entry_ttl"`
	// NodeID names this process in a shared registry; empty means generate.
	NodeID string `yaml:"node_id"`
}

type LogConfig struct {
	Service string `yaml:"service"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

// DefaultConfig returns the settings used when nothing else is provided.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Path:         "/ws",
			PingInterval: 25 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
			ReadLimit:    512 * 1024,
		},
		Relay: RelayConfig{
			SweepInterval: 30 * time.Second,
			RateLimit:     0,
			StoreTimeout:  2 * time.Second,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			RedisURL:   "redis://localhost:6379",
			SQLitePath: "./islandhouse.db",
			EntryTTL:   90 * time.Second,
		},
		Log: LogConfig{
			Service: "islandhouse",
			Level:   "info",
			Format:  "json",
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}

	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}

	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}

	if c.WebSocket.Path == "" || c.WebSocket.Path[0] != '/' {
		return fmt.Errorf("WebSocket path must start with '/'")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}

	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}

	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}

	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.WebSocket.ReadLimit <= 0 {
		return fmt.Errorf("WebSocket read limit must be positive")
	}

	if c.Relay.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	if c.Relay.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}

	if c.Relay.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Store.Backend != BackendMemory && c.Store.EntryTTL <= c.Relay.SweepInterval {
		return fmt.Errorf("store entry TTL must exceed the sweep interval")
	}

	return nil
}

// LoadFromEnv overlays ISLANDHOUSE_* environment variables on the defaults.
// Unparseable values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	setString("ISLANDHOUSE_HTTP_HOST", &config.HTTP.Host)
	setInt("ISLANDHOUSE_HTTP_PORT", &config.HTTP.Port)
	setDuration("ISLANDHOUSE_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	setDuration("ISLANDHOUSE_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	setString("ISLANDHOUSE_WEBSOCKET_PATH", &config.WebSocket.Path)
	setDuration("ISLANDHOUSE_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	setDuration("ISLANDHOUSE_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	setDuration("ISLANDHOUSE_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	setInt("ISLANDHOUSE_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	setDuration("ISLANDHOUSE_SWEEP_INTERVAL", &config.Relay.SweepInterval)
	setInt("ISLANDHOUSE_RATE_LIMIT", &config.Relay.RateLimit)
	setDuration("ISLANDHOUSE_STORE_TIMEOUT", &config.Relay.StoreTimeout)

	setString("ISLANDHOUSE_STORE_BACKEND", &config.Store.Backend)
	setString("REDIS_URL", &config.Store.RedisURL)
	setString("ISLANDHOUSE_REDIS_URL", &config.Store.RedisURL)
	setString("ISLANDHOUSE_SQLITE_PATH", &config.Store.SQLitePath)
	setDuration("ISLANDHOUSE_STORE_ENTRY_TTL", &config.Store.EntryTTL)
	setString("ISLANDHOUSE_NODE_ID", &config.Store.NodeID)

	setString("ISLANDHOUSE_LOG_LEVEL", &config.Log.Level)
	setString("ISLANDHOUSE_LOG_FORMAT", &config.Log.Format)

	// PORT is what the deployed process honored before this variable set existed
	setInt("PORT", &config.HTTP.Port)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// LoadFromFile reads a YAML file over the defaults. ${VAR} references in the
// file are expanded from the environment before parsing.
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := overlayFile(config, filepath); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

func overlayFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	return nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults.
// A missing or invalid file is reported and the environment layer is kept.
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := LoadFromEnv()

	if filepath == "" {
		return config, nil
	}

	withFile := LoadFromEnv()
	if err := overlayFile(withFile, filepath); err != nil {
		return config, err
	}
	if err := withFile.Validate(); err != nil {
		return config, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return withFile, nil
}
