package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fleetguard/fleetguard/internal/api"
	"github.com/fleetguard/fleetguard/internal/breaker"
	"github.com/fleetguard/fleetguard/internal/classify"
	"github.com/fleetguard/fleetguard/internal/coordinator"
	"github.com/fleetguard/fleetguard/internal/degradation"
	"github.com/fleetguard/fleetguard/internal/monitor"
	"github.com/fleetguard/fleetguard/internal/recovery"
	"github.com/fleetguard/fleetguard/internal/store"
	"github.com/fleetguard/fleetguard/internal/transport"
	"github.com/fleetguard/fleetguard/pkg/config"
	"github.com/fleetguard/fleetguard/pkg/events"
	"github.com/fleetguard/fleetguard/pkg/logging"
	"github.com/fleetguard/fleetguard/pkg/metrics"
)

const version = "1.0.0"

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "fleetguard",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	db, err := store.New(&cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.Health(ctx); err != nil {
		cancel()
		logger.Error("Database health check failed", "error", err.Error())
		os.Exit(1)
	}
	cancel()
	logger.Info("Database connection established")

	fleet, err := transport.NewRedisTransport(&cfg.Redis, logger)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err.Error())
		os.Exit(1)
	}
	defer fleet.Close()
	logger.Info("Redis connection established")

	m := metrics.NewMetrics(metrics.DefaultConfig(), nil)
	bus := events.NewBus(logger)
	bus.Subscribe(events.NewLoggingHandler(logger))

	st := store.NewStore(db)
	sampler := monitor.NewSampler(time.Minute)

	breakers := breaker.NewRegistry(cfg.Breaker, bus, m, logger)
	dm := degradation.NewManager(cfg.Degradation, sampler, st, bus, m, logger)
	executor := recovery.NewActionExecutor(fleet, breakers, dm, logger)
	recoveryMgr := recovery.NewManager(cfg.Recovery, executor, fleet, breakers, st, bus, m, logger)
	coord := coordinator.NewCoordinator(cfg.Coordination, fleet, executor, st, bus, m, logger)
	classifier := classify.NewRuleClassifier(logger)

	runCtx, stopLoops := context.WithCancel(context.Background())
	breakers.Start(runCtx)
	dm.Start(runCtx)
	coord.Start(runCtx)

	handlers := api.NewHandlers(classifier, recoveryMgr, coord, breakers, dm, st, logger)
	health := api.NewHealthHandler(map[string]api.HealthChecker{
		"database": db,
		"redis":    fleet,
	})
	router := api.NewRouter(cfg, handlers, health, sampler, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting ops API server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err.Error())
	}

	stopLoops()
	coord.Stop()
	dm.Stop()
	breakers.Stop()

	logger.Info("Shutdown complete")
}
