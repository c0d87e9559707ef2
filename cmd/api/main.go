// Command api is the Fuelwatch HTTP server.
//
// Usage:
//
//	fuelwatch-api
//	API_PORT=8080 fuelwatch-api
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/malitadji/fuelwatch/internal/api"
	"github.com/malitadji/fuelwatch/internal/api/handler"
	"github.com/malitadji/fuelwatch/internal/cache"
	"github.com/malitadji/fuelwatch/internal/config"
	"github.com/malitadji/fuelwatch/internal/db"
	"github.com/malitadji/fuelwatch/internal/follow"
	"github.com/malitadji/fuelwatch/internal/notify"
	"github.com/malitadji/fuelwatch/internal/push"
	"github.com/malitadji/fuelwatch/internal/stock"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Connect to database
	logger.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("Database connected",
		"min_conns", cfg.DBPoolMinConns,
		"max_conns", cfg.DBPoolMaxConns)

	// Initialize cache
	appCache := cache.New(cfg.CacheEnabled)
	logger.Info("Cache initialized", "enabled", cfg.CacheEnabled)

	// Stores
	stocks := stock.NewPGStore(pool.Pool)
	follows := follow.NewPGStore(pool.Pool)
	notifyStore := notify.NewPGStore(pool.Pool)

	// Push transport: single construction point for the FCM client.
	// Nil when no credentials are configured; the pipeline then only
	// creates in-app rows.
	var dispatcher notify.Dispatcher
	fcm, err := push.NewFCMClient(ctx, cfg.FirebaseCredentialsFile)
	if err != nil {
		logger.Error("Failed to initialize FCM client", "error", err)
		os.Exit(1)
	}
	if fcm != nil {
		dispatcher = push.NewDispatcher(fcm, follows, cfg.PushBatchSize, cfg.PushCleanupInvalid, logger)
		logger.Info("Push delivery enabled", "batch_size", cfg.PushBatchSize)
	} else {
		logger.Info("Push delivery disabled (no FIREBASE_CREDENTIALS_FILE)")
	}

	pipeline := notify.NewPipeline(notifyStore, notifyStore, stocks, dispatcher, cfg.PushCooldown, logger)

	// Create router
	h := handler.New(stocks, follows, pipeline, notifyStore, pool, appCache, logger)
	router := api.NewRouter(h, cfg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting Fuelwatch API",
			"addr", addr,
			"environment", cfg.Environment,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Server stopped")
}
