package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSessionKey        = "xianqi.auth.session"
	DefaultRefreshLeeway     = 60 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

var ErrMissingAPIBaseURL = errors.New("api.base_url is required")

type (
	// Config is the client configuration.
	Config struct {
		API     APIConfig     `yaml:"api"`
		Session SessionConfig `yaml:"session"`
		Channel ChannelConfig `yaml:"channel"`
		Storage StorageConfig `yaml:"storage"`
		Logger  LoggerConfig  `yaml:"logger"`
	}

	APIConfig struct {
		BaseURL   string        `yaml:"base_url"`    // e.g. http://localhost:8000
		WSBaseURL string        `yaml:"ws_base_url"` // defaults to base_url with the ws scheme
		Timeout   time.Duration `yaml:"timeout"`
	}

	SessionConfig struct {
		StorageKey    string        `yaml:"storage_key"`
		RefreshLeeway time.Duration `yaml:"refresh_leeway"` // refresh when expiry is this close
	}

	ChannelConfig struct {
		HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
		HandshakeTimeout  time.Duration   `yaml:"handshake_timeout"`
		Reconnect         ReconnectConfig `yaml:"reconnect"`
	}

	// ReconnectConfig bounds channel reconnection.
	ReconnectConfig struct {
		MaxAttempts     int           `yaml:"max_attempts"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
		Multiplier      float64       `yaml:"multiplier"`
	}

	StorageConfig struct {
		Type     string         `yaml:"type"` // memory, disk, db or redis
		Disk     DiskConfig     `yaml:"disk"`
		Database DatabaseConfig `yaml:"database"`
		Redis    RedisConfig    `yaml:"redis"`
	}

	DiskConfig struct {
		Path string `yaml:"path"`
	}

	DatabaseConfig struct {
		Driver string `yaml:"driver"` // sqlite or postgres
		DSN    string `yaml:"dsn"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`
		Color      bool   `yaml:"color"`
		Stacktrace bool   `yaml:"stacktrace"`
		TimeZone   string `yaml:"time_zone"`
		TimeFormat string `yaml:"time_format"`
	}
)

// Default returns a config usable without any file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file with environment variable support.
// An empty filename skips the file and uses env overrides and defaults only.
func LoadConfig(filename string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{}
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		data = resolveEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filename, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveEnv replaces ${NAME} and ${NAME:default} placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string
		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}
		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LOBBY_API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("LOBBY_WS_BASE_URL"); v != "" {
		c.API.WSBaseURL = v
	}
	if v := os.Getenv("LOBBY_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("LOBBY_RECONNECT_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOBBY_RECONNECT_MAX_ATTEMPTS: %w", err)
		}
		c.Channel.Reconnect.MaxAttempts = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:8000"
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.Timeout <= 0 {
		c.API.Timeout = 10 * time.Second
	}
	if c.Session.StorageKey == "" {
		c.Session.StorageKey = DefaultSessionKey
	}
	if c.Session.RefreshLeeway <= 0 {
		c.Session.RefreshLeeway = DefaultRefreshLeeway
	}
	if c.Channel.HeartbeatInterval <= 0 {
		c.Channel.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Channel.HandshakeTimeout <= 0 {
		c.Channel.HandshakeTimeout = 10 * time.Second
	}
	r := &c.Channel.Reconnect
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = 500 * time.Millisecond
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = 10 * time.Second
	}
	if r.Multiplier < 1 {
		r.Multiplier = 2
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "disk"
	}
	if c.Storage.Disk.Path == "" {
		c.Storage.Disk.Path = defaultDataDir()
	}
	if c.Storage.Database.Driver == "" {
		c.Storage.Database.Driver = "sqlite"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "lobby:"
	}
}

// Validate performs configuration validation
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return ErrMissingAPIBaseURL
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.base_url: unsupported scheme %q", u.Scheme)
	}
	if _, err := c.WSBaseURL(); err != nil {
		return err
	}
	switch c.Storage.Type {
	case "memory", "disk", "db", "redis":
	default:
		return fmt.Errorf("storage.type: unsupported %q", c.Storage.Type)
	}
	return nil
}

// WSBaseURL returns the streaming origin: the explicit ws_base_url, or the API
// origin with http swapped for ws (https for wss).
func (c *Config) WSBaseURL() (string, error) {
	raw := c.API.WSBaseURL
	if raw == "" {
		raw = c.API.BaseURL
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return "", fmt.Errorf("api.ws_base_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("api.ws_base_url: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func defaultDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home = os.Getenv("APPDATA")
	}
	if home == "" {
		return ".lobby"
	}
	return home + string(os.PathSeparator) + ".lobby"
}
