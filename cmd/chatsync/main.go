package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/whisper/chat-sync/internal/config"
	"github.com/whisper/chat-sync/internal/session"
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Terminal client for private one-to-one chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(newLoginCmd(), newLogoutCmd(), newContactsCmd(), newChatCmd(), newWatchCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env is what every subcommand starts from.
type env struct {
	cfg     *config.Config
	logger  zerolog.Logger
	session *session.Context
	http    *http.Client
	close   func()
}

func setup() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	e := &env{
		cfg:    cfg,
		logger: logger,
		http:   &http.Client{Timeout: cfg.Server.RequestTimeout},
		close:  func() {},
	}

	var store session.Store
	switch cfg.Session.Store {
	case "redis":
		rs, err := session.NewRedisStore(cfg.Redis.Addr, cfg.Session.Profile)
		if err != nil {
			return nil, err
		}
		store = rs
		e.close = func() { rs.Close() }
	default:
		store = session.NewMemoryStore()
	}
	e.session = session.New(store, logger)
	return e, nil
}

func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	out := zerolog.New(os.Stderr)
	if cfg.Format == "console" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return out.Level(level).With().Timestamp().Logger(), nil
}
