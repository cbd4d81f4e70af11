package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"capproxy/internal/config"
	"capproxy/internal/handlers"
	"capproxy/internal/services"

	"github.com/gin-gonic/gin"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func Run(ctx context.Context) error {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// 2. Setup Logger
	var handler slog.Handler
	if cfg.AppEnv == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 3. Initialize Services
	dedupService := services.NewDedupService(cfg.DedupTTL, cfg.DedupMaxSize, logger)
	geoIPService := services.NewGeoIPService(cfg, logger)
	defer geoIPService.Close()
	pipeline := services.NewEnrichmentService(dedupService, geoIPService, cfg.FilterBots, logger)
	webhookService, err := services.NewWebhookService(cfg.WebhookToken, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize webhook service: %w", err)
	}
	capiClient := services.NewCAPIClient(cfg, logger)
	statsService := services.NewStatsService(logger)
	rateLimiter := services.NewIPRateLimiter(cfg.RateLimit, cfg.RateLimitMaxKeys, logger)

	// 4. Initialize Handler
	h := handlers.NewHandler(cfg, logger, pipeline, webhookService, capiClient, statsService, dedupService)

	// 5. Setup Router
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := h.SetupRouter(rateLimiter)

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background Context for workers
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// Start Background Workers
	go statsService.Start(workerCtx)
	geoIPService.Init()
	go geoIPService.StartReloader(workerCtx, 24*time.Hour)
	rateLimiter.StartCleanup(workerCtx, 5*time.Minute)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "port", cfg.Port, "pixel_id", cfg.PixelID, "capi_version", cfg.CAPIVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	workerCancel()
	logger.Info("Server exiting")
	return nil
}
