// Package server provides the SMTP listener and connection handling for smtpfront.
package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"smtpfront/logging"
	"smtpfront/smtp"
)

const (
	// DefaultPort is the conventional alternate SMTP port for an unprivileged process.
	DefaultPort = 2525
	// DefaultListenAddress binds to loopback only.
	DefaultListenAddress = "127.0.0.1"
	// DefaultAgent is announced in the greeting.
	DefaultAgent = "smtpfront"
	// DefaultMaxConnections bounds concurrently served connections.
	DefaultMaxConnections = 100
	// DefaultIdleTimeout closes a session whose client sends nothing for this long.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultMaxMessageSize is the maximum allowed message size in bytes (10MB)
	DefaultMaxMessageSize = 10 * 1024 * 1024
	// DefaultShutdownTimeout is the graceful shutdown timeout used by the server
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultNATSSubject prefixes published session events.
	DefaultNATSSubject = "smtpfront.events"

	// minMaxLineLength is the RFC 5321 command line limit.
	minMaxLineLength = 512

	// maxWriteDeadline bounds writes made while shutting a session down.
	maxWriteDeadline = 5 * time.Second
)

// Config represents the server configuration.
type Config struct {
	ListenAddress string `koanf:"listen_address"`
	Port          int    `koanf:"port"`
	Hostname      string `koanf:"hostname"` // announced in the greeting
	Agent         string `koanf:"agent"`

	// Zero selects the default; a negative value disables the limit.
	MaxConnections     int           `koanf:"max_connections"`
	IdleTimeout        time.Duration `koanf:"idle_timeout"`
	MaxLineLength      int           `koanf:"max_line_length"`
	MaxMessageSize     int           `koanf:"max_message_size"`
	MaxInvalidCommands int           `koanf:"max_invalid_commands"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`

	// Optional integrations, each off when empty
	MailboxDir        string `koanf:"mailbox_dir"`
	MetricsAddress    string `koanf:"metrics_address"`
	NATSURL           string `koanf:"nats_url"`
	NATSSubject       string `koanf:"nats_subject"`
	RedisAddr         string `koanf:"redis_addr"`
	MaxConnsPerMinute int    `koanf:"max_conns_per_minute"`
	MaxMsgsPerMinute  int    `koanf:"max_messages_per_minute"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
	LogOutput string `koanf:"log_output"`

	// Extensions, set in code rather than loaded
	MessageStore MessageStore    `koanf:"-"`
	RateLimiter  RateLimiter     `koanf:"-"`
	Observer     SessionObserver `koanf:"-"`
	Logger       logging.Logger  `koanf:"-"`
}

// EnsureDefaults fills in every zero-valued setting and extension.
func (c *Config) EnsureDefaults() {
	c.ensureScalarDefaults()
	c.ensureExtensionDefaults()
}

func (c *Config) ensureScalarDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Hostname == "" {
		c.Hostname = defaultHostname()
	}
	if c.Agent == "" {
		c.Agent = DefaultAgent
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = DefaultMaxLineLength
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxInvalidCommands == 0 {
		c.MaxInvalidCommands = smtp.DefaultMaxInvalidCommands
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.NATSSubject == "" {
		c.NATSSubject = DefaultNATSSubject
	}
	if c.MaxConnsPerMinute == 0 {
		c.MaxConnsPerMinute = defaultMaxConnsPerMinute
	}
	if c.MaxMsgsPerMinute == 0 {
		c.MaxMsgsPerMinute = defaultMaxMessagesPerMinute
	}
}

func (c *Config) ensureExtensionDefaults() {
	if c.Logger == nil {
		c.Logger = logging.NewNopLogger()
	}
	if c.MessageStore == nil {
		c.MessageStore = NewDiscardStore(c.Logger)
	}
	if c.RateLimiter == nil {
		c.RateLimiter = NewSimpleRateLimiter(c.MaxConnsPerMinute, c.MaxMsgsPerMinute)
	}
	if c.Observer == nil {
		c.Observer = &NoOpObserver{}
	}
}

// LogConfig returns the logging settings in the form the logging package takes.
func (c *Config) LogConfig() logging.LogConfig {
	cfg := logging.DefaultConfig()
	if c.LogLevel != "" {
		cfg.Level = logging.ParseLogLevel(c.LogLevel)
	}
	if c.LogFormat != "" {
		cfg.Format = c.LogFormat
	}
	if c.LogOutput != "" {
		cfg.Output = c.LogOutput
	}
	return cfg
}

// Validate rejects settings the server cannot run with. Call it after
// EnsureDefaults.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxLineLength > 0 && c.MaxLineLength < minMaxLineLength {
		errs = append(errs, fmt.Errorf("max_line_length must be negative (off) or at least %d, got %d",
			minMaxLineLength, c.MaxLineLength))
	}
	if c.Hostname == "" {
		errs = append(errs, errors.New("hostname must not be empty"))
	}

	return errors.Join(errs...)
}

func defaultHostname() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "localhost"
}
