// Package config loads the crmsync configuration from a TOML file, a .env
// file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the full configuration stored in ~/.crmsync/config.toml.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	HotCache HotCacheConfig `toml:"hotcache"`
	Client   ClientConfig   `toml:"client"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	Env            string   `toml:"env"`
	Tokens         []string `toml:"tokens"`
	WebhookSecret  string   `toml:"webhook_secret"`
	IdleTimeout    Duration `toml:"idle_timeout"`
	QueueSize      int      `toml:"queue_size"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type StorageConfig struct {
	Driver    string   `toml:"driver"`
	URL       string   `toml:"url"`
	Database  string   `toml:"database"`
	Retention Duration `toml:"retention"`
}

type HotCacheConfig struct {
	TTL        Duration `toml:"ttl"`
	Window     int      `toml:"window"`
	MaxEntries int      `toml:"max_entries"`
}

type ClientConfig struct {
	BaseURL                  string   `toml:"base_url"`
	Token                    string   `toml:"token"`
	CachePath                string   `toml:"cache_path"`
	CacheTTL                 Duration `toml:"cache_ttl"`
	PollInterval             Duration `toml:"poll_interval"`
	ConversationPollInterval Duration `toml:"conversation_poll_interval"`
	PageLimit                int      `toml:"page_limit"`
	MaxReconnectAttempts     int      `toml:"max_reconnect_attempts"`
	HeartbeatInterval        Duration `toml:"heartbeat_interval"`
	HeartbeatDeadline        Duration `toml:"heartbeat_deadline"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"; empty picks by env
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			Env:         "development",
			IdleTimeout: Duration{90 * time.Second},
			QueueSize:   256,
		},
		Storage: StorageConfig{
			Driver:    "memory",
			Database:  "crmsync",
			Retention: Duration{0},
		},
		HotCache: HotCacheConfig{
			TTL:        Duration{30 * time.Second},
			Window:     50,
			MaxEntries: 10000,
		},
		Client: ClientConfig{
			BaseURL:                  "http://localhost:8080",
			CacheTTL:                 Duration{24 * time.Hour},
			PollInterval:             Duration{30 * time.Second},
			ConversationPollInterval: Duration{60 * time.Second},
			PageLimit:                50,
			MaxReconnectAttempts:     5,
			HeartbeatInterval:        Duration{25 * time.Second},
			HeartbeatDeadline:        Duration{60 * time.Second},
		},
		Log: LogConfig{Level: "info"},
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "" || c.Server.Env == "development"
}

// Validate reports settings that are not allowed in production.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "mongo", "postgres", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver != "memory" && c.Storage.URL == "" {
		errs = append(errs, fmt.Errorf("storage.url is required for driver %q", c.Storage.Driver))
	}
	if c.Server.Env == "production" {
		if c.Storage.Driver == "memory" {
			errs = append(errs, errors.New("storage.driver must not be memory in production"))
		}
		if c.Server.WebhookSecret == "" {
			errs = append(errs, errors.New("server.webhook_secret is required in production"))
		}
		if len(c.Server.Tokens) == 0 {
			errs = append(errs, errors.New("server.tokens is required in production"))
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Loading
// ============================================================================

// DefaultPath returns ~/.crmsync/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".crmsync", "config.toml"), nil
}

// LoadFile reads path over the defaults. A missing file yields the
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

// Load reads path, then a .env file in the working directory if present,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

var envKeys = map[string]string{
	"CRMSYNC_ADDR":           "server.addr",
	"CRMSYNC_ENV":            "server.env",
	"CRMSYNC_TOKENS":         "server.tokens",
	"CRMSYNC_WEBHOOK_SECRET": "server.webhook_secret",
	"CRMSYNC_STORAGE_DRIVER": "storage.driver",
	"CRMSYNC_STORAGE_URL":    "storage.url",
	"CRMSYNC_BASE_URL":       "client.base_url",
	"CRMSYNC_TOKEN":          "client.token",
	"CRMSYNC_CACHE_PATH":     "client.cache_path",
	"CRMSYNC_LOG_LEVEL":      "log.level",
}

func (c *Config) applyEnv(getenv func(string) string) error {
	for env, key := range envKeys {
		if v := getenv(env); v != "" {
			if err := c.Set(key, v); err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	if getenv("CRMSYNC_STORAGE_URL") != "" {
		return nil
	}
	driverURLs := map[string]string{"postgres": "DATABASE_URL", "mongo": "MONGO_URL", "redis": "REDIS_URL"}
	if env, ok := driverURLs[c.Storage.Driver]; ok {
		if v := getenv(env); v != "" {
			c.Storage.URL = v
		}
	}
	return nil
}

// ============================================================================
// Set
// ============================================================================

// Set sets a field using dot notation (e.g. "storage.driver"). Lists are
// comma separated.
func (c *Config) Set(key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. storage.driver)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "addr":
			c.Server.Addr = value
		case "env":
			c.Server.Env = value
		case "tokens":
			c.Server.Tokens = splitList(value)
		case "webhook_secret":
			c.Server.WebhookSecret = value
		case "idle_timeout":
			return setDuration(&c.Server.IdleTimeout, value)
		case "queue_size":
			return setInt(&c.Server.QueueSize, value)
		case "allowed_origins":
			c.Server.AllowedOrigins = splitList(value)
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "storage":
		switch field {
		case "driver":
			c.Storage.Driver = value
		case "url":
			c.Storage.URL = value
		case "database":
			c.Storage.Database = value
		case "retention":
			return setDuration(&c.Storage.Retention, value)
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "hotcache":
		switch field {
		case "ttl":
			return setDuration(&c.HotCache.TTL, value)
		case "window":
			return setInt(&c.HotCache.Window, value)
		case "max_entries":
			return setInt(&c.HotCache.MaxEntries, value)
		default:
			return fmt.Errorf("unknown field %q in section [hotcache]", field)
		}
	case "client":
		switch field {
		case "base_url":
			c.Client.BaseURL = value
		case "token":
			c.Client.Token = value
		case "cache_path":
			c.Client.CachePath = value
		case "cache_ttl":
			return setDuration(&c.Client.CacheTTL, value)
		case "poll_interval":
			return setDuration(&c.Client.PollInterval, value)
		case "conversation_poll_interval":
			return setDuration(&c.Client.ConversationPollInterval, value)
		case "page_limit":
			return setInt(&c.Client.PageLimit, value)
		case "max_reconnect_attempts":
			return setInt(&c.Client.MaxReconnectAttempts, value)
		case "heartbeat_interval":
			return setDuration(&c.Client.HeartbeatInterval, value)
		case "heartbeat_deadline":
			return setDuration(&c.Client.HeartbeatDeadline, value)
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return err
			}
			c.Log.Level = value
		case "format":
			c.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, storage, hotcache, client, log)", section)
	}
	return nil
}

func setDuration(d *Duration, value string) error {
	return d.UnmarshalText([]byte(value))
}

func setInt(n *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer %q", value)
	}
	*n = v
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ============================================================================
// Logging
// ============================================================================

// NewLogger builds the process logger: a console writer in development and
// JSON lines otherwise, unless log.format says which.
func (c *Config) NewLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || c.Log.Level == "" {
		level = zerolog.InfoLevel
	}

	console := c.IsDevelopment()
	switch c.Log.Format {
	case "console":
		console = true
	case "json":
		console = false
	}

	var logger zerolog.Logger
	if console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
