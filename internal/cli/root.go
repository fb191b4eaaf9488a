package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/wellspend/afeguard/internal/config"
	"github.com/wellspend/afeguard/pkg/engine"
	"github.com/wellspend/afeguard/pkg/notify"
	"github.com/wellspend/afeguard/pkg/storage"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "afeguard",
	Short: "afeguard - AFE budget alert engine",
	Long: `afeguard evaluates budget alert rules against AFE spending envelopes and
notifies recipients when a threshold is crossed. Rules are processed in
batches with bulk queries, duplicate alerts are suppressed for 24 hours,
and a failing batch degrades to safe per-rule processing.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.afeguard/config.yaml)")
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// initStore creates a storage backend from config.
func initStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "", "sqlite":
		return storage.NewSQLite(cfg.Storage.Path)
	case "postgres":
		if cfg.Storage.DSN == "" {
			return nil, fmt.Errorf("storage.dsn is required for the postgres driver")
		}
		return storage.NewPostgres(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// initSender creates the notification transport from config.
func initSender(cfg *config.Config) (notify.Sender, error) {
	switch cfg.Notify.Provider {
	case "", "emailapi":
		if cfg.Notify.EmailAPIURL == "" {
			return nil, fmt.Errorf("notify.emailapi_url is required for the emailapi provider")
		}
		return notify.NewEmailAPISender(cfg.Notify.EmailAPIURL, cfg.Notify.EmailAPIKey), nil
	case "resend":
		if cfg.Notify.ResendAPIKey == "" {
			return nil, fmt.Errorf("notify.resend_api_key is required for the resend provider")
		}
		return notify.NewResendSender(cfg.Notify.ResendAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown notify provider %q", cfg.Notify.Provider)
	}
}

// initEngine creates a fully wired engine. The caller owns the store.
func initEngine(cfg *config.Config) (*engine.Engine, storage.Store, error) {
	logger := newLogger(cfg)

	store, err := initStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	sender, err := initSender(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	eng := engine.New(store, sender, logger, engine.Options{
		BatchSize:         cfg.Engine.BatchSize,
		NotifyConcurrency: cfg.Engine.NotifyConcurrency,
		DedupWindow:       cfg.DedupWindow(),
		FromAddress:       cfg.Notify.FromAddress,
	})
	return eng, store, nil
}
