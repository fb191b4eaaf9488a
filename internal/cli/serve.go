package cli

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wellspend/afeguard/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine on a schedule with an HTTP trigger surface",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().Duration("interval", 0, "Run interval (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Serve.Listen = v
	}
	interval := cfg.Interval()
	if v, _ := cmd.Flags().GetDuration("interval"); v > 0 {
		interval = v
	}

	logger := newLogger(cfg)

	eng, store, err := initEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := server.NewServer(eng, cfg.RunTimeout(), logger)
	httpSrv := &http.Server{
		Addr:         cfg.Serve.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RunTimeout() + 30*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("afeguard serving", "listen", cfg.Serve.Listen, "interval", interval)
		errCh <- httpSrv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First run on startup rather than waiting a full interval.
	srv.RunScheduled(ctx)

	for {
		select {
		case <-ticker.C:
			srv.RunScheduled(ctx)
		case err := <-errCh:
			return err
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		}
	}
}
