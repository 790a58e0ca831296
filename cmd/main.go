package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dukepan/presence-fabric/internal/api"
	"github.com/dukepan/presence-fabric/internal/bridge"
	"github.com/dukepan/presence-fabric/internal/config"
	"github.com/dukepan/presence-fabric/internal/hub"
	"github.com/dukepan/presence-fabric/internal/metrics"
	"github.com/dukepan/presence-fabric/internal/observability"
	"github.com/dukepan/presence-fabric/internal/presence"
	"github.com/dukepan/presence-fabric/internal/reaper"
	"github.com/dukepan/presence-fabric/internal/store"
	"github.com/dukepan/presence-fabric/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize OpenTelemetry
	otelCleanup, err := observability.InitOpenTelemetry("presence-fabric", "1.0.0")
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	// Initialize structured logger
	logger := utils.NewLogger(cfg.LogLevel)

	// Initialize backing store (Redis)
	st, err := store.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize store: %v", err)
	}

	// Initialize metrics
	m := metrics.New(prometheus.DefaultRegisterer)

	// Initialize presence service
	svc := presence.NewService(st, logger, m, cfg.TTLMs)

	// Initialize socket manager
	hubMgr := hub.NewManager(svc, logger, m)

	// Start the cross-node event bridge
	eventBridge := bridge.New(st, logger, m, hubMgr, cfg.EventName)
	eventBridge.Start(context.Background())

	// Start the reaper
	rpr := reaper.New(svc, logger,
		time.Duration(cfg.ReaperIntervalMs)*time.Millisecond,
		time.Duration(cfg.ReaperLookbackMs)*time.Millisecond)
	rpr.Start(context.Background())

	// Setup HTTP router
	router, err := api.NewRouter(st, svc, hubMgr, cfg, logger)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize router: %v", err)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info(context.Background(), "Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(context.Background(), "Server error: %v", err)
		}
	}()

	// Graceful shutdown setup
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Block until a signal is received
	<-sigChan

	gracefulShutdown(context.Background(), logger, server, hubMgr, rpr, eventBridge, st, otelCleanup)

	logger.Info(context.Background(), "Application stopped.")
}

// gracefulShutdown handles the graceful shutdown of all components
func gracefulShutdown(ctx context.Context, logger *utils.Logger, server *http.Server, hubMgr *hub.Manager, rpr *reaper.Reaper, eventBridge *bridge.Bridge, st *store.Client, otelCleanup func(context.Context) error) {
	logger.Info(ctx, "Shutting down server...")

	// Create a context with a timeout for shutdown operations
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// 1. Shut down HTTP server (stops new upgrades)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown error: %v", err)
	} else {
		logger.Info(ctx, "HTTP server stopped.")
	}

	// 2. Stop the reaper
	rpr.Stop()
	logger.Info(ctx, "Reaper stopped.")

	// 3. Close sockets; each runs its synthetic leave against the store
	hubMgr.Stop()
	logger.Info(ctx, "Socket manager stopped.")

	// 4. Stop the event bridge
	eventBridge.Stop()
	logger.Info(ctx, "Event bridge stopped.")

	// 5. Close store connection
	if err := st.Close(); err != nil {
		logger.Error(ctx, "Store close error: %v", err)
	} else {
		logger.Info(ctx, "Store connection closed.")
	}

	// 6. Shutdown OpenTelemetry
	if otelCleanup != nil {
		if err := otelCleanup(shutdownCtx); err != nil {
			logger.Error(ctx, "OpenTelemetry shutdown error: %v", err)
		} else {
			logger.Info(ctx, "OpenTelemetry shut down.")
		}
	}

	logger.Info(ctx, "Graceful shutdown complete.")
}
