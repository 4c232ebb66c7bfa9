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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/italolelis/tube_downloader/internal/acquisition"
	"github.com/italolelis/tube_downloader/internal/cleanup"
	"github.com/italolelis/tube_downloader/internal/config"
	"github.com/italolelis/tube_downloader/internal/downloader"
	"github.com/italolelis/tube_downloader/internal/downloader/progress"
	"github.com/italolelis/tube_downloader/internal/http/rest"
	"github.com/italolelis/tube_downloader/internal/logctx"
	"github.com/italolelis/tube_downloader/internal/notifier"
	"github.com/italolelis/tube_downloader/internal/storage/sqlite"
	"github.com/italolelis/tube_downloader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// version is set at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	)).With("instance_id", downloader.GenerateInstanceID())
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("tube downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
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

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}

	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	dr := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Acquisition
	attempts, err := acquisition.BuildAttempts(
		cfg.Acquisition.Clients,
		cfg.Acquisition.Proxies,
		cfg.Acquisition.Retries,
		cfg.Acquisition.AttemptTimeout,
	)
	if err != nil {
		return fmt.Errorf("failed to build acquisition attempts: %w", err)
	}

	strategy := acquisition.NewStrategy(
		acquisition.NewInstrumentedExtractor(acquisition.NewYTDLP(cfg.Acquisition.YtdlpPath), tel),
		acquisition.StrategyConfig{
			MediaDir:       cfg.MediaDir,
			Attempts:       attempts,
			InitialBackoff: cfg.Acquisition.InitialBackoff,
			MaxBackoff:     cfg.Acquisition.MaxBackoff,
			MaxElapsed:     cfg.Acquisition.MaxElapsed,
			Limiter:        acquisition.NewLimiter(cfg.Acquisition.RequestsPerMinute, cfg.Acquisition.Burst),
		},
	)

	// =========================================================================
	// Start Downloader
	downloader := downloader.NewDownloader(
		dr,
		strategy,
		progress.NewTracker(),
		tel,
		downloader.Config{
			AllowedHosts: cfg.AllowedHosts,
			MaxParallel:  cfg.MaxParallel,
			QueueSize:    cfg.QueueSize,
		},
	)
	defer downloader.Close()

	if _, err := downloader.FailInterrupted(ctx); err != nil {
		return err
	}

	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	workers, workersCtx := errgroup.WithContext(workersCtx)
	workers.Go(func() error {
		return downloader.Run(workersCtx)
	})

	// =========================================================================
	// Start Notification
	setupNotificationForDownloader(ctx, downloader, cfg)

	// =========================================================================
	// Start Cleanup
	workers.Go(func() error {
		setupCleanup(workersCtx, tel, cfg)

		return nil
	})

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, downloader, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"media_dir", cfg.MediaDir,
		"workers", cfg.MaxParallel,
		"attempts", len(attempts),
		"retention", cfg.KeepDownloadedFor.String(),
	)

	// =========================================================================
	// Shutdown
	var runErr error

	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("could not stop server gracefully: %w", err))
		}
	}

	stopWorkers()

	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		runErr = errors.Join(runErr, err)
	}

	logger.Info("shutdown complete")

	return runErr
}

func setupNotificationForDownloader(ctx context.Context, d *downloader.Downloader, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = notifier.NoopNotifier{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	// Notifications outlive ctx so the last events before shutdown still go out.
	notifyCtx := context.WithoutCancel(ctx)

	go func() {
		for event := range d.OnDownloadFailed {
			logger.Error("download failed", "download_id", event.ID, "url", event.URL, "err", event.ErrorMessage)

			if notifyErr := notif.Notify(notifyCtx,
				fmt.Sprintf("❌ Download failed for %s (%d): %s", event.URL, event.ID, event.ErrorMessage),
			); notifyErr != nil {
				logger.Error("failed to send notification", "download_id", event.ID, "err", notifyErr)
			}
		}
	}()

	go func() {
		for event := range d.OnDownloadFinished {
			logger.Info("download finished", "download_id", event.ID, "title", event.Title)

			if notifyErr := notif.Notify(notifyCtx,
				fmt.Sprintf("✅ Download finished: %s (%d)", event.Title, event.ID),
			); notifyErr != nil {
				logger.Error("failed to send notification", "download_id", event.ID, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, d *downloader.Downloader, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	// The database may live inside the media directory.
	dHandler := rest.NewDownloadHandler(d, cfg.MediaDir, sqlite.Files(cfg.DBPath)...)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Authorization", "Content-Type", "DNT", "Origin", "User-Agent", "X-Requested-With", "X-Request-ID", "Range"},
		ExposedHeaders:   []string{"X-Request-ID", "Content-Disposition", "Content-Range", "Accept-Ranges"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	// Names the otelhttp server span after the chi route and records RED metrics.
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/healthz", rest.HandleHealth)
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", dHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, cfg.Telemetry.ServiceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, tel *telemetry.Telemetry, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	// The database may live inside the media directory.
	exclude := sqlite.Files(cfg.DBPath)

	sweep := func() {
		n, err := cleanup.DeleteExpiredFiles(ctx, cfg.MediaDir, cfg.KeepDownloadedFor, exclude...)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("failed to delete expired files", "err", err)
			tel.RecordSystemError("cleanup", "delete_failed")
		}

		tel.RecordFilesCleaned(n)
	}

	sweep()

	if cfg.CleanupInterval <= 0 {
		return
	}

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			sweep()
		}
	}
}
