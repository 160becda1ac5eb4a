package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/icastillejo/vimeoarc/internal/classify"
	"github.com/icastillejo/vimeoarc/internal/config"
	"github.com/icastillejo/vimeoarc/internal/downloader"
	"github.com/icastillejo/vimeoarc/internal/http/rest"
	"github.com/icastillejo/vimeoarc/internal/ledger"
	"github.com/icastillejo/vimeoarc/internal/limiter"
	"github.com/icastillejo/vimeoarc/internal/logctx"
	"github.com/icastillejo/vimeoarc/internal/retry"
	"github.com/icastillejo/vimeoarc/internal/storage/sqlite"
	"github.com/icastillejo/vimeoarc/internal/telemetry"
	"github.com/icastillejo/vimeoarc/internal/transfer"
	"github.com/icastillejo/vimeoarc/internal/vimeo"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("vimeoarc starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	runID := uuid.NewString()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer database.Close()

	history := sqlite.NewHistoryRepository(database)

	// =========================================================================
	// Start Progress Ledger
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	led := ledger.New(ledgerPath(cfg), ledger.WithFlushInterval(cfg.FlushInterval))

	restored, err := led.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load progress snapshot: %w", err)
	}

	if restored > 0 {
		logger.Info("resuming interrupted run", "restored_downloads", restored)
	}

	go led.Run(ctx)

	// =========================================================================
	// Start Vimeo Client
	client := vimeo.NewClient(cfg.VimeoToken, cfg.APITimeout,
		vimeo.WithBaseURL(cfg.VimeoBaseURL),
		vimeo.WithTransport(tel.WrapTransport),
		vimeo.WithAPICallObserver(tel.RecordAPICall),
	)

	me, err := client.Me(ctx)
	if err != nil {
		return fmt.Errorf("authentication check failed: %w", err)
	}

	logger.Info("authenticated", "account", me.Name)

	// =========================================================================
	// Start API Service
	serverErrors := make(chan error, 1)

	var server *http.Server

	if cfg.Status.BindAddress != "" {
		handler := rest.NewStatusHandler(led, tel, history, runID)

		server = &http.Server{
			Addr:         cfg.Status.BindAddress,
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.Status.ReadTimeout,
			WriteTimeout: cfg.Status.WriteTimeout,
			IdleTimeout:  cfg.Status.IdleTimeout,
		}

		go func() {
			logger.Info("initializing status API", "host", cfg.Status.BindAddress)
			serverErrors <- server.ListenAndServe()
		}()
	}

	// =========================================================================
	// Start Downloader
	catalog := downloader.NewCatalog(client, history, cfg.DownloadDir, cfg.Folder)

	jobs, err := catalog.BuildJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare download jobs: %w", err)
	}

	policy := retry.Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Multiplier: 2,
		Jitter:     true,
		OnRetry: func(attempt int, err error) {
			logger.Warn("retrying download", "attempt", attempt, "err", err)

			var cerr *classify.ClassifiedError
			if errors.As(err, &cerr) {
				tel.RecordRetry(string(cerr.Category))
			}
		},
	}

	transferClient := &http.Client{Timeout: cfg.DownloadTimeout}

	dl := downloader.NewDownloader(
		led,
		limiter.New(cfg.MaxParallel),
		transfer.NewManager(transferClient, led, policy, cfg.Overwrite),
		history,
		tel,
		runID,
	)

	runErrors := make(chan error, 1)

	go func() {
		_, err := dl.DownloadAll(ctx, jobs)
		runErrors <- err
	}()

	// =========================================================================
	// Wait for Completion or Shutdown
	var runErr error

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case runErr = <-runErrors:
	case <-ctx.Done():
		logger.Info("start shutdown")

		// DownloadAll unwinds on its own once the context is cancelled.
		runErr = <-runErrors
	}

	// An interrupted run is a resume point, not a failure.
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Status.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}
	}

	// The snapshot only survives when something is still worth resuming.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()

	if err := led.Close(closeCtx); err != nil {
		logger.Error("failed to close progress ledger", "err", err)
	}

	return runErr
}

func ledgerPath(cfg *config.Config) string {
	return filepath.Join(cfg.DownloadDir, ".vimeoarc-progress.json")
}
