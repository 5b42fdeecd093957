package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/dlc_downloader/internal/cleanup"
	"github.com/italolelis/dlc_downloader/internal/config"
	"github.com/italolelis/dlc_downloader/internal/downloader"
	"github.com/italolelis/dlc_downloader/internal/http/rest"
	"github.com/italolelis/dlc_downloader/internal/logctx"
	"github.com/italolelis/dlc_downloader/internal/notifier"
	"github.com/italolelis/dlc_downloader/internal/storage"
	"github.com/italolelis/dlc_downloader/internal/storage/sqlite"
	"github.com/italolelis/dlc_downloader/internal/telemetry"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:           "dlc_downloader",
		Short:         "Download DLC archives from the fastest healthy mirror",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger := logctx.NewLogger(os.Stdout, cfg.SlogLevel())
			slog.SetDefault(logger)
			cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfg.SourcesFile, "sources", cfg.SourcesFile, "Sources file (SOURCES_FILE)")
	rootCmd.PersistentFlags().StringVar(&cfg.IndexFile, "index", cfg.IndexFile, "Local index document instead of fetching it (INDEX_FILE)")
	rootCmd.PersistentFlags().StringVar(&cfg.TargetDir, "target-dir", cfg.TargetDir, "Download directory (TARGET_DIR)")

	rootCmd.AddCommand(newServeCmd(cfg))
	rootCmd.AddCommand(newGetCmd(cfg))
	rootCmd.AddCommand(newProbeCmd(cfg))
	rootCmd.AddCommand(newURLsCmd(cfg))
	rootCmd.AddCommand(newCatalogCmd(cfg))
	rootCmd.AddCommand(newCleanupCmd(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "err", err)
		stop()
		os.Exit(1)
	}
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and background download service",
		RunE: func(cmd *cobra.Command, args []string) error {
			logctx.LoggerFromContext(cmd.Context()).Info("dlc downloader starting...", "log_level", cfg.LogLevel, "version", version)

			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.Web.BindAddress, "bind", cfg.Web.BindAddress, "Listen address (WEB_BIND_ADDRESS)")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry(ctx, tel)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	dr := sqlite.NewInstrumentedDownloadRepository(database, cfg.ClaimLease, tel)
	instanceID := downloader.GenerateInstanceID()

	defer func() {
		n, err := dr.ReleaseClaims(context.WithoutCancel(ctx), instanceID)
		if err != nil {
			logger.Error("failed to release download claims", "err", err)

			return
		}

		logger.Info("released download claims", "count", n)
	}()

	// =========================================================================
	// Start Sources and Catalog
	a, err := newApp(ctx, cfg, tel)
	if err != nil {
		return err
	}

	if _, err := a.loadCatalog(ctx); err != nil {
		return err
	}

	// =========================================================================
	// Start Downloader
	dl := downloader.NewDownloader(cfg.TargetDir, cfg.MaxParallel, a.newOrchestrator(dr, instanceID))
	defer dl.Close()

	// =========================================================================
	// Start Notification
	setupNotificationForDownloader(ctx, dl, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, a, dl, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"sources", len(a.sources.Registry().All()),
		"assets", a.currentCatalog().Len(),
		"instance_id", instanceID,
	)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, dr, cfg)

	// =========================================================================
	// Start Main Loop
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-reload:
			logger.Info("reloading sources", "file", cfg.SourcesFile)

			if err := a.reloadSources(ctx); err != nil {
				logger.Error("failed to reload sources, keeping the previous ones", "err", err)

				continue
			}

			if _, err := a.loadCatalog(ctx); err != nil {
				logger.Error("failed to reload catalog, keeping the previous one", "err", err)
			}
		case <-ctx.Done():
			logger.Info("start shutdown")

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil {
				logger.Error("failed to gracefully shutdown the server", "err", err)

				if err = server.Close(); err != nil {
					return fmt.Errorf("could not stop server gracefully: %w", err)
				}
			}

			return nil
		}
	}
}

func setupNotificationForDownloader(ctx context.Context, dl *downloader.Downloader, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.DiscordWebhookURL == "" {
		go func() {
			for job := range dl.OnDownloadFinished {
				logger.Debug("download finished", "asset", job.Asset.Key)
			}
		}()

		go func() {
			for job := range dl.OnDownloadFailed {
				logger.Debug("download failed", "asset", job.Asset.Key)
			}
		}()

		return
	}

	go notifier.Watch(context.WithoutCancel(ctx), notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), dl.OnDownloadFinished, dl.OnDownloadFailed)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, a *app, dl *downloader.Downloader, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewAPIHandler(
		cfg.Web.Username,
		cfg.Web.Password,
		a.sources.Registry,
		a.currentCatalog,
		a.selector,
		a.prober,
		dl,
		tel,
	)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, dr storage.DownloadReadRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)

	go func() {
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if _, err := runCleanup(ctx, dr, cfg); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("failed to delete orphaned partial files", "err", err)
				}
			}
		}
	}()
}

func runCleanup(ctx context.Context, dr storage.DownloadReadRepository, cfg *config.Config) (cleanup.Report, error) {
	var claims []storage.DownloadRecord

	if dr != nil {
		var err error

		claims, err = dr.GetActiveClaims(ctx)
		if err != nil {
			return cleanup.Report{}, fmt.Errorf("failed to get active claims: %w", err)
		}
	}

	return cleanup.DeleteOrphanedPartials(ctx, claims, cfg.TargetDir, cfg.KeepPartialFor)
}
