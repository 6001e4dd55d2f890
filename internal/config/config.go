package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Config holds all configuration for the webmail server
type Config struct {
	Server    ServerConfig    `koanf:"server" yaml:"server"`
	TLS       TLSConfig       `koanf:"tls" yaml:"tls"`
	Storage   StorageConfig   `koanf:"storage" yaml:"storage"`
	Logging   LoggingConfig   `koanf:"logging" yaml:"logging"`
	Feed      FeedConfig      `koanf:"feed" yaml:"feed"`
	Mailbox   MailboxConfig   `koanf:"mailbox" yaml:"mailbox"`
	Compose   ComposeConfig   `koanf:"compose" yaml:"compose"`
	Session   SessionConfig   `koanf:"session" yaml:"session"`
	RateLimit RateLimitConfig `koanf:"ratelimit" yaml:"ratelimit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Hostname        string `koanf:"hostname" yaml:"hostname"`                 // webmail.example.com
	Listen          string `koanf:"listen" yaml:"listen"`                     // Listen address (default 127.0.0.1)
	Port            int    `koanf:"port" yaml:"port"`                         // HTTP port (default 8080)
	ShutdownTimeout string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"` // Graceful shutdown timeout
}

// TLSConfig holds HTTPS configuration. With neither certificate files
// nor auto_tls set the server speaks plain HTTP.
type TLSConfig struct {
	CertFile string `koanf:"cert_file" yaml:"cert_file"` // PEM certificate chain
	KeyFile  string `koanf:"key_file" yaml:"key_file"`   // PEM private key
	AutoTLS  bool   `koanf:"auto_tls" yaml:"auto_tls"`   // Obtain certificates from Let's Encrypt
	CacheDir string `koanf:"cache_dir" yaml:"cache_dir"` // ACME certificate cache
	Email    string `koanf:"email" yaml:"email"`         // ACME account contact
}

// StorageConfig holds document store configuration
type StorageConfig struct {
	Driver       string `koanf:"driver" yaml:"driver"`               // sqlite or memory
	DataDir      string `koanf:"data_dir" yaml:"data_dir"`           // Base data directory
	DatabasePath string `koanf:"database_path" yaml:"database_path"` // SQLite database path
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`   // debug, info, warn, error
	Format string `koanf:"format" yaml:"format"` // json, text
	Output string `koanf:"output" yaml:"output"` // stdout, stderr, or file path
}

// FeedConfig holds the Redis change feed configuration
type FeedConfig struct {
	Enabled  bool   `koanf:"enabled" yaml:"enabled"`     // Share store changes between processes
	RedisURL string `koanf:"redis_url" yaml:"redis_url"` // Redis connection URL
	Prefix   string `koanf:"prefix" yaml:"prefix"`       // Channel prefix
}

// MailboxConfig holds mailbox list defaults
type MailboxConfig struct {
	DefaultPageSize int   `koanf:"default_page_size" yaml:"default_page_size"` // Rows per page
	PageSizes       []int `koanf:"page_sizes" yaml:"page_sizes"`               // Selectable page sizes
}

// ComposeConfig holds compose behaviour
type ComposeConfig struct {
	RedirectDelay string `koanf:"redirect_delay" yaml:"redirect_delay"` // Delay before showing the sent folder
}

// SessionConfig holds login session configuration
type SessionConfig struct {
	TTL        string `koanf:"ttl" yaml:"ttl"`                 // Session lifetime
	CookieName string `koanf:"cookie_name" yaml:"cookie_name"` // Session cookie name
}

// RateLimitConfig holds request throttling configuration
type RateLimitConfig struct {
	LoginMaxAttempts  int     `koanf:"login_max_attempts" yaml:"login_max_attempts"`   // Failed logins before block
	LoginWindow       string  `koanf:"login_window" yaml:"login_window"`               // Window for counting failures
	LoginBlock        string  `koanf:"login_block" yaml:"login_block"`                 // Block duration
	RequestsPerSecond float64 `koanf:"requests_per_second" yaml:"requests_per_second"` // Mutations per second per session
	Burst             int     `koanf:"burst" yaml:"burst"`                             // Mutation burst per session
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:        "localhost",
			Listen:          "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: "30s",
		},
		TLS: TLSConfig{
			CacheDir: "/var/lib/webmail/acme",
		},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DataDir:      "/var/lib/webmail",
			DatabasePath: "/var/lib/webmail/webmail.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Feed: FeedConfig{
			Enabled:  false,
			RedisURL: "redis://localhost:6379/0",
			Prefix:   "webmail",
		},
		Mailbox: MailboxConfig{
			DefaultPageSize: 5,
			PageSizes:       []int{5, 10, 20, 30},
		},
		Compose: ComposeConfig{
			RedirectDelay: "1s",
		},
		Session: SessionConfig{
			TTL:        "24h",
			CookieName: "webmail_session",
		},
		RateLimit: RateLimitConfig{
			LoginMaxAttempts:  5,
			LoginWindow:       "15m",
			LoginBlock:        "30m",
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Write serializes the configuration as YAML to path.
func (c *Config) Write(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got: %d)", c.Server.Port)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if err := c.validateTLS(); err != nil {
		return err
	}

	if err := c.validateTimeouts(); err != nil {
		return err
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	if c.Feed.Enabled {
		if c.Feed.RedisURL == "" {
			return fmt.Errorf("feed.redis_url is required when feed is enabled")
		}
		if c.Feed.Prefix == "" {
			return fmt.Errorf("feed.prefix is required when feed is enabled")
		}
	}

	if err := c.validateMailbox(); err != nil {
		return err
	}

	if c.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}

	if c.RateLimit.LoginMaxAttempts < 1 {
		return fmt.Errorf("ratelimit.login_max_attempts must be at least 1")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("ratelimit.requests_per_second must be positive")
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("ratelimit.burst must be at least 1")
	}

	return nil
}

// validateStorage ensures the storage driver and paths are valid
func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case "memory":
		return nil
	case "sqlite":
	default:
		return fmt.Errorf("storage.driver must be one of: sqlite, memory (got: %s)", c.Storage.Driver)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}

	if !filepath.IsAbs(c.Storage.DataDir) {
		return fmt.Errorf("storage.data_dir must be an absolute path (got: %s)", c.Storage.DataDir)
	}
	if !filepath.IsAbs(c.Storage.DatabasePath) {
		return fmt.Errorf("storage.database_path must be an absolute path (got: %s)", c.Storage.DatabasePath)
	}

	return nil
}

// validateTLS ensures certificate files come in pairs and ACME has a cache
func (c *Config) validateTLS() error {
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	if c.TLS.AutoTLS {
		if c.TLS.CertFile != "" {
			return fmt.Errorf("tls.auto_tls cannot be combined with tls.cert_file")
		}
		if c.TLS.CacheDir == "" {
			return fmt.Errorf("tls.cache_dir is required when auto_tls is enabled")
		}
		if c.Server.Hostname == "localhost" {
			return fmt.Errorf("tls.auto_tls requires a public server.hostname")
		}
	}
	return nil
}

// validateMailbox ensures the default page size is one of the options
func (c *Config) validateMailbox() error {
	if len(c.Mailbox.PageSizes) == 0 {
		return fmt.Errorf("mailbox.page_sizes must not be empty")
	}
	found := false
	for _, size := range c.Mailbox.PageSizes {
		if size < 1 {
			return fmt.Errorf("mailbox.page_sizes entries must be positive (got: %d)", size)
		}
		if size == c.Mailbox.DefaultPageSize {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("mailbox.default_page_size must be one of mailbox.page_sizes (got: %d)", c.Mailbox.DefaultPageSize)
	}
	return nil
}

// validateTimeouts ensures all duration settings parse and are within range
func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"compose.redirect_delay":  c.Compose.RedirectDelay,
		"session.ttl":             c.Session.TTL,
		"ratelimit.login_window":  c.RateLimit.LoginWindow,
		"ratelimit.login_block":   c.RateLimit.LoginBlock,
	}

	for name, timeout := range timeouts {
		if timeout == "" {
			continue // Optional
		}
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if duration < 0 {
			return fmt.Errorf("%s cannot be negative (got: %s)", name, timeout)
		}

		switch name {
		case "server.shutdown_timeout":
			if duration > 5*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 5m (got: %s)", name, timeout)
			}
		case "compose.redirect_delay":
			if duration > time.Minute {
				return fmt.Errorf("%s is too long, maximum is 1m (got: %s)", name, timeout)
			}
		case "session.ttl":
			if duration == 0 {
				return fmt.Errorf("%s cannot be zero", name)
			}
		}
	}

	return nil
}

// Duration parses a duration setting, falling back when empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// EnsureDirectories creates necessary directories
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Storage.Driver == "sqlite" {
		dirs = append(dirs, c.Storage.DataDir, filepath.Dir(c.Storage.DatabasePath))
	}
	if c.TLS.AutoTLS {
		dirs = append(dirs, c.TLS.CacheDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Listen, c.Server.Port)
}
