// Package main is the entry point for the agentq task queue server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentq/agentq/internal/api"
	"github.com/agentq/agentq/internal/common/config"
	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/common/tracing"
	"github.com/agentq/agentq/internal/events"
	"github.com/agentq/agentq/internal/invoker"
	"github.com/agentq/agentq/internal/metrics"
	"github.com/agentq/agentq/internal/recovery"
	"github.com/agentq/agentq/internal/registry"
	"github.com/agentq/agentq/internal/scheduler"
	"github.com/agentq/agentq/internal/store"
)

const (
	shutdownTimeout = 30 * time.Second

	// recoveryParallelism bounds how many interrupted queues are normalized
	// concurrently at startup.
	recoveryParallelism = 4
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting agentq server...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the queue store
	st, err := store.Provide(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal("Failed to initialize queue store", zap.Error(err))
	}
	defer st.Close()

	// 5. Normalize queues interrupted by the previous run. A failed sweep is
	// logged, not fatal: the affected queues simply stay interrupted.
	recovered, err := recovery.New(st, log, recoveryParallelism).Run(ctx)
	if err != nil {
		log.Error("Crash recovery finished with errors", zap.Error(err))
	}
	if recovered > 0 {
		log.Info("Recovered interrupted queues", zap.Int("count", recovered))
	}

	// 6. Load the worker agent registry
	reg, err := registry.Load(cfg.Agents.RegistryPath, log)
	if err != nil {
		log.Fatal("Failed to load agent registry",
			zap.String("path", cfg.Agents.RegistryPath), zap.Error(err))
	}

	// 7. Connect the event bus and relay queue events onto it
	eventBus, busCleanup, err := events.Provide(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	relay := events.NewRelay(st, eventBus, log)
	defer relay.Close()

	// 8. Register runtime metrics
	collector := metrics.MustNewCollector(prometheus.DefaultRegisterer)

	// 9. Create the agent invoker
	inv := invoker.New(cfg.Invoker.ReadTimeoutDuration(), log)

	// 10. Create the scheduler manager
	manager := scheduler.NewManager(st, reg, inv, collector, relay, log, scheduler.Config{})

	// 11. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(st, manager, reg, cfg.Queue.Settings(), log)
	router := api.NewRouter(handler, log)

	// 12. Create HTTP server. No write timeout: queue event streams hold
	// their responses open indefinitely.
	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentq server...")

	// 15. Graceful shutdown
	cancel() // Cancel context to stop background goroutines

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Abort live queue runs without terminal writes; they are picked up as
	// interrupted queues by recovery on the next boot.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("Scheduler shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentq server stopped")
}
