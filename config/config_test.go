package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubu/turbo-nfc/nfc"
)

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, nfc.DriverLibNFC, cfg.Reader.Driver)
	assert.Equal(t, 60*time.Second, cfg.Reader.SessionTimeout)
	assert.True(t, cfg.Reader.InvalidateAfterFirstRead)
	assert.Equal(t, "0.0.0.0:18080", cfg.Addr())
	assert.True(t, cfg.Server.MDNS)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, "turbo-nfc.yaml", `
reader:
  driver: pcsc
  session_timeout: 15s
  invalidate_after_first_read: false
  technologies: [ISO14443A]
  alert_message: Hold your card near the reader
server:
  port: 9000
  allowed_origins: ["http://localhost:8081"]
events:
  redis:
    addr: localhost:6379
`)

	cfg, err := load(path, envMap(map[string]string{
		"TURBONFC_PORT":         "9100",
		"TURBONFC_NATS_URL":     "nats://broker:4222",
		"TURBONFC_MDNS":         "false",
		"TURBONFC_API_SECRET":   "s3cret",
		"TURBONFC_TECHNOLOGIES": "ISO14443A, ISO14443B",
	}))
	require.NoError(t, err)

	assert.Equal(t, nfc.DriverPCSC, cfg.Reader.Driver)
	assert.Equal(t, 15*time.Second, cfg.Reader.SessionTimeout)
	assert.False(t, cfg.Reader.InvalidateAfterFirstRead)
	assert.Equal(t, []string{nfc.TechISO14443A, nfc.TechISO14443B}, cfg.Reader.Technologies)
	assert.Equal(t, "Hold your card near the reader", cfg.Reader.AlertMessage)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:8081"}, cfg.Server.AllowedOrigins)
	assert.False(t, cfg.Server.MDNS)
	assert.Equal(t, "s3cret", cfg.Server.APISecret)
	assert.Equal(t, "localhost:6379", cfg.Events.Redis.Addr)
	assert.Equal(t, "nats://broker:4222", cfg.Events.NATS.URL)
	// fields absent from the file keep their defaults
	assert.Equal(t, DefaultHost, cfg.Server.Host)
}

func TestLoad_MalformedEnv(t *testing.T) {
	path := writeFile(t, "c.yaml", "server:\n  port: 9000\n")
	_, err := load(path, envMap(map[string]string{
		"TURBONFC_PORT":            "ninety",
		"TURBONFC_SESSION_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TURBONFC_PORT")
	assert.Contains(t, err.Error(), "TURBONFC_SESSION_TIMEOUT")
}

func TestLoad_InvalidFile(t *testing.T) {
	path := writeFile(t, "c.yaml", "reader: [not, a, map]\n")
	_, err := load(path, envMap(nil))
	assert.Error(t, err)

	_, err = load(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil))
	assert.Error(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "TURBONFC_DEVICE=acr122_usb:001:004\nTURBONFC_ALLOWED_ORIGINS=a, b,,c\n")
	path := writeFile(t, "c.yaml", "")

	cfg, err := Load(path, envFile)
	require.NoError(t, err)
	assert.Equal(t, "acr122_usb:001:004", cfg.Reader.Device)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Server.AllowedOrigins)

	_, err = Load(path, filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.Reader.Driver = "bluetooth" }, "reader.driver"},
		{"timeout", func(c *Config) { c.Reader.SessionTimeout = 0 }, "session_timeout"},
		{"technologies", func(c *Config) { c.Reader.Technologies = []string{"FeliCa"} }, "reader.technologies"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"token ttl", func(c *Config) { c.Server.APISecret = "x"; c.Server.TokenTTL = 0 }, "token_ttl"},
		{"redis db", func(c *Config) { c.Events.Redis.DB = -1 }, "redis.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
