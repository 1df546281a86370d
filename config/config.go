// Package config loads the agent configuration. Values are layered:
// built-in defaults, then a YAML file, then a .env file and TURBONFC_*
// environment variables. Command line flags are applied last by the
// caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dubu/turbo-nfc/buildinfo"
	"github.com/dubu/turbo-nfc/nfc"
)

const (
	DefaultPort           = 18080
	DefaultHost           = "0.0.0.0"
	DefaultSessionTimeout = 60 * time.Second
	DefaultTokenTTL       = 24 * time.Hour
	DefaultFileName       = "turbo-nfc.yaml"
	DefaultEnvFile        = ".env"

	envPrefix = "TURBONFC_"
)

type Config struct {
	Reader ReaderConfig `yaml:"reader"`
	Server ServerConfig `yaml:"server"`
	Events EventsConfig `yaml:"events"`
}

type ReaderConfig struct {
	Driver                   string        `yaml:"driver"`
	Device                   string        `yaml:"device"`
	SessionTimeout           time.Duration `yaml:"session_timeout"`
	InvalidateAfterFirstRead bool          `yaml:"invalidate_after_first_read"`
	InfoPageTagID            string        `yaml:"info_page_tag_id"`
	// Technologies limits reported tags to these families. Empty accepts all.
	Technologies []string `yaml:"technologies"`
	AlertMessage string   `yaml:"alert_message"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	APISecret      string        `yaml:"api_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	TLS            bool          `yaml:"tls"`
	MDNS           bool          `yaml:"mdns"`
}

type EventsConfig struct {
	// Source tags relayed events; defaults to the host name.
	Source string      `yaml:"source"`
	Redis  RedisConfig `yaml:"redis"`
	NATS   NATSConfig  `yaml:"nats"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Reader: ReaderConfig{
			Driver:                   nfc.DriverLibNFC,
			SessionTimeout:           DefaultSessionTimeout,
			InvalidateAfterFirstRead: true,
		},
		Server: ServerConfig{
			Host:     DefaultHost,
			Port:     DefaultPort,
			TokenTTL: DefaultTokenTTL,
			MDNS:     true,
		},
	}
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Load builds a Config from path and the environment. An empty path
// searches the working directory and the user config directory; finding
// no file is not an error. envFile is read when it exists; variables
// already set in the process environment take precedence over it.
func Load(path, envFile string) (*Config, error) {
	dotenv := map[string]string{}
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = vars
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}

	return load(path, func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{DefaultFileName}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, buildinfo.DirName, "config.yaml"))
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// applyEnv overrides fields from TURBONFC_* variables. A malformed value
// is an error rather than silently ignored.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("DRIVER", &c.Reader.Driver)
	str("DEVICE", &c.Reader.Device)
	duration("SESSION_TIMEOUT", &c.Reader.SessionTimeout)
	boolean("INVALIDATE_AFTER_FIRST_READ", &c.Reader.InvalidateAfterFirstRead)
	str("INFO_PAGE_TAG_ID", &c.Reader.InfoPageTagID)
	str("ALERT_MESSAGE", &c.Reader.AlertMessage)
	if v, ok := lookup(envPrefix + "TECHNOLOGIES"); ok {
		c.Reader.Technologies = splitList(v)
	}

	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)
	str("API_SECRET", &c.Server.APISecret)
	duration("TOKEN_TTL", &c.Server.TokenTTL)
	boolean("TLS", &c.Server.TLS)
	boolean("MDNS", &c.Server.MDNS)
	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}

	str("EVENTS_SOURCE", &c.Events.Source)
	str("REDIS_ADDR", &c.Events.Redis.Addr)
	str("REDIS_PASSWORD", &c.Events.Redis.Password)
	num("REDIS_DB", &c.Events.Redis.DB)
	str("REDIS_CHANNEL", &c.Events.Redis.Channel)
	str("NATS_URL", &c.Events.NATS.URL)
	str("NATS_SUBJECT", &c.Events.NATS.Subject)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Reader.Driver {
	case nfc.DriverLibNFC, nfc.DriverPCSC:
	default:
		errs = append(errs, fmt.Errorf("reader.driver %q must be %q or %q", c.Reader.Driver, nfc.DriverLibNFC, nfc.DriverPCSC))
	}
	if c.Reader.SessionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("reader.session_timeout must be positive, got %s", c.Reader.SessionTimeout))
	}
	for _, tech := range c.Reader.Technologies {
		switch tech {
		case nfc.TechISO14443A, nfc.TechISO14443B, nfc.TechUnknown:
		default:
			errs = append(errs, fmt.Errorf("reader.technologies: unknown technology %q", tech))
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.APISecret != "" && c.Server.TokenTTL <= 0 {
		errs = append(errs, errors.New("server.token_ttl must be positive when an API secret is set"))
	}
	if c.Events.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("events.redis.db must not be negative, got %d", c.Events.Redis.DB))
	}
	return errors.Join(errs...)
}
