package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smtpfront/logging"
	"smtpfront/smtp"
)

func TestEnsureDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.EnsureDefaults()

	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.NotEmpty(t, cfg.Hostname)
	assert.Equal(t, DefaultAgent, cfg.Agent)
	assert.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, DefaultMaxLineLength, cfg.MaxLineLength)
	assert.Equal(t, DefaultMaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, smtp.DefaultMaxInvalidCommands, cfg.MaxInvalidCommands)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultNATSSubject, cfg.NATSSubject)
	assert.Equal(t, defaultMaxConnsPerMinute, cfg.MaxConnsPerMinute)
	assert.Equal(t, defaultMaxMessagesPerMinute, cfg.MaxMsgsPerMinute)

	assert.NotNil(t, cfg.Logger)
	assert.IsType(t, &DiscardStore{}, cfg.MessageStore)
	assert.IsType(t, &SimpleRateLimiter{}, cfg.RateLimiter)
	assert.IsType(t, &NoOpObserver{}, cfg.Observer)

	require.NoError(t, cfg.Validate())
}

func TestEnsureDefaultsKeepsSettings(t *testing.T) {
	store := &recordingStore{}
	limiter := NewNoOpRateLimiter()
	cfg := &Config{
		Port:         2626,
		Hostname:     "mx.example",
		IdleTimeout:  time.Second,
		MessageStore: store,
		RateLimiter:  limiter,
	}
	cfg.EnsureDefaults()

	assert.Equal(t, 2626, cfg.Port)
	assert.Equal(t, "mx.example", cfg.Hostname)
	assert.Equal(t, time.Second, cfg.IdleTimeout)
	assert.Same(t, store, cfg.MessageStore)
	assert.Same(t, limiter, cfg.RateLimiter)
}

func TestEnsureDefaultsKeepsDisabledLimits(t *testing.T) {
	cfg := &Config{
		MaxConnections:     -1,
		IdleTimeout:        -1,
		MaxLineLength:      -1,
		MaxMessageSize:     -1,
		MaxInvalidCommands: -1,
	}
	cfg.EnsureDefaults()

	assert.Equal(t, -1, cfg.MaxConnections)
	assert.Equal(t, time.Duration(-1), cfg.IdleTimeout)
	assert.Equal(t, -1, cfg.MaxLineLength)
	assert.Equal(t, -1, cfg.MaxMessageSize)
	assert.Equal(t, -1, cfg.MaxInvalidCommands)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port too high", func(c *Config) { c.Port = 70000 }, "port 70000 out of range"},
		{"negative port", func(c *Config) { c.Port = -1 }, "port -1 out of range"},
		{"connections off", func(c *Config) { c.MaxConnections = -1 }, ""},
		{"idle timeout off", func(c *Config) { c.IdleTimeout = -1 }, ""},
		{"line limit off", func(c *Config) { c.MaxLineLength = -1 }, ""},
		{"message size off", func(c *Config) { c.MaxMessageSize = -1 }, ""},
		{"invalid limit off", func(c *Config) { c.MaxInvalidCommands = -1 }, ""},
		{"short line limit", func(c *Config) { c.MaxLineLength = 100 }, "max_line_length must be negative (off) or at least 512"},
		{"empty hostname", func(c *Config) { c.Hostname = "" }, "hostname must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := newTestConfig()
	cfg.Port = 99999
	cfg.Hostname = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port 99999 out of range")
	assert.Contains(t, err.Error(), "hostname must not be empty")
}

func TestLogConfig(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, logging.DefaultConfig(), cfg.LogConfig())

	cfg = &Config{LogLevel: "debug", LogFormat: "text", LogOutput: "stderr"}
	lc := cfg.LogConfig()
	assert.Equal(t, logging.DEBUG, lc.Level)
	assert.Equal(t, "text", lc.Format)
	assert.Equal(t, "stderr", lc.Output)
}
