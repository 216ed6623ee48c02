// Package cmd contains the CLI wiring for the smtpfront application.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	kposflag "github.com/knadh/koanf/providers/posflag"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"smtpfront/logging"
	"smtpfront/notify"
	"smtpfront/ratelimit"
	"smtpfront/server"
	"smtpfront/smtp"
	"smtpfront/storage"
)

const envPrefix = "SMTPFRONT_"

var rootCmd = &cobra.Command{
	Use:   "smtpfront",
	Short: "Hardened SMTP front end",
	Long: "smtpfront accepts mail over a strict subset of SMTP, rejects malformed " +
		"input early and hands accepted messages to a Maildir or a discard sink.",
	SilenceUsage: true,
	RunE:         run,
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logConfig := cfg.LogConfig()
	logger, err := logging.NewLogger(&logConfig)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	smtp.SetLogger(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup, err := wireIntegrations(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return serve(ctx, srv, cfg.ShutdownTimeout, logger)
}

// loadConfig layers the config file, SMTPFRONT_* environment variables and
// command-line flags, in increasing order of precedence.
func loadConfig(cmd *cobra.Command) (*server.Config, error) {
	k := koanf.New(".")

	cfgPath := cmd.Flag("config").Value.String()
	if cfgPath == "" {
		cfgPath = findConfigFile(getConfigSearchPaths())
	}
	if cfgPath != "" {
		if err := k.Load(kfile.Provider(cfgPath), parserFor(cfgPath)); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", cfgPath, err)
		}
	}

	// "." as delimiter keeps underscore keys such as idle_timeout whole
	if err := k.Load(kenv.Provider(envPrefix, ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	// Unchanged flags only fill keys nothing else has set
	fs := cmd.PersistentFlags()
	if err := k.Load(kposflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
		return flagToKey(f.Name), kposflag.FlagVal(fs, f)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg server.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func envToKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, envPrefix))
}

func flagToKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return kjson.Parser()
	}
	return kyaml.Parser()
}

// findConfigFile returns the first smtpfront.{yaml,yml,json} in dirs, or "".
func findConfigFile(dirs []string) string {
	for _, dir := range dirs {
		for _, ext := range []string{"yaml", "yml", "json"} {
			path := filepath.Join(dir, "smtpfront."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// getConfigSearchPaths returns the directories to search for config files, in order of precedence.
// The order is: current directory, $HOME/.smtpfront/, /etc/smtpfront/
func getConfigSearchPaths() []string {
	paths := []string{"."}

	if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".smtpfront"))
	}

	return append(paths, "/etc/smtpfront")
}

// wireIntegrations attaches the logger and the optional mailbox, NATS and
// Redis backends to cfg. The returned function releases them.
func wireIntegrations(ctx context.Context, cfg *server.Config, logger logging.Logger) (func(), error) {
	cfg.Logger = logger
	cfg.EnsureDefaults()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.MailboxDir != "" {
		mailbox, err := storage.OpenMailbox(cfg.MailboxDir, cfg.Hostname, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open mailbox: %w", err)
		}
		cfg.MessageStore = server.NewMailboxStore(mailbox)
		logger.Info("Storing messages in Maildir", logging.F("dir", cfg.MailboxDir))
	}

	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL, logger)
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("NATS drain failed", logging.F("err", err))
			}
		})
		cfg.Observer = notify.NewNATSObserver(nc, cfg.NATSSubject, logger)
		logger.Info("Publishing session events", logging.F("subject", cfg.NATSSubject))
	}

	if cfg.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := ratelimit.NewClient(pingCtx, cfg.RedisAddr)
		cancel()
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		cfg.RateLimiter = ratelimit.NewRedisLimiter(client, cfg.MaxConnsPerMinute, cfg.MaxMsgsPerMinute, logger)
		logger.Info("Using shared rate limiter", logging.F("redis_addr", cfg.RedisAddr))
	}

	return cleanup, nil
}

// serve runs srv until it fails or ctx is done, then shuts it down within
// timeout.
func serve(ctx context.Context, srv *server.Server, timeout time.Duration, logger logging.Logger) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", logging.F("timeout", timeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return nil
}

// RegisterFlags registers persistent flags for the root command. This replaces an init() function
// to satisfy the linter rule against init usage and allows callers to control ordering.
func RegisterFlags() {
	registerFlags(rootCmd.PersistentFlags())
}

func registerFlags(pf *pflag.FlagSet) {
	pf.StringP("config", "c", "", "Configuration file path")

	pf.String("listen-address", server.DefaultListenAddress, "IP address to bind to")
	pf.IntP("port", "p", server.DefaultPort, "Port to listen on")
	pf.String("hostname", "", "Hostname announced in the greeting (default: system hostname)")
	pf.String("agent", server.DefaultAgent, "Agent name announced in the greeting")

	pf.Int("max-connections", server.DefaultMaxConnections, "Maximum concurrently served connections (negative: unlimited)")
	pf.Duration("idle-timeout", server.DefaultIdleTimeout, "Close sessions idle for this long (negative: never)")
	pf.Int("max-line-length", server.DefaultMaxLineLength, "Longest accepted line, CRLF included (negative: unlimited)")
	pf.Int("max-message-size", server.DefaultMaxMessageSize, "Largest accepted message body in bytes (negative: unlimited)")
	pf.Int("max-invalid-commands", 0, "Consecutive rejected lines before closing (default 10, negative: unlimited)")
	pf.Duration("shutdown-timeout", server.DefaultShutdownTimeout, "Graceful shutdown timeout")

	pf.StringP("mailbox-dir", "m", "", "Maildir to store messages in (default: discard)")
	pf.String("metrics-address", "", "Address for the Prometheus /metrics endpoint")
	pf.String("nats-url", "", "NATS server to publish session events to")
	pf.String("nats-subject", server.DefaultNATSSubject, "Subject prefix for session events")
	pf.String("redis-addr", "", "Redis server for the shared rate limiter")
	pf.Int("max-conns-per-minute", 0, "Connections per client IP per minute (default 60)")
	pf.Int("max-messages-per-minute", 0, "Messages per client IP per minute (default 120)")

	pf.String("log-level", logging.InfoLevel, "Log level: DEBUG, INFO, WARN, ERROR")
	pf.String("log-format", "json", "Log format: json or text")
	pf.String("log-output", "stdout", "Log output: stdout or stderr")
}

// Execute sets the version and runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}
