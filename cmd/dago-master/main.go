package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aescanero/dago-master/internal/application/coordinator"
	"github.com/aescanero/dago-master/internal/bootstrap"
	"github.com/aescanero/dago-master/internal/config"
	"github.com/aescanero/dago-master/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/dago-master/pkg/api/grpc"
	"github.com/aescanero/dago-master/pkg/api/http"
	"github.com/aescanero/dago-master/pkg/api/pubsub"
	"github.com/aescanero/dago-master/pkg/api/websocket"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := bootstrap.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting DAGO master",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("bus", cfg.Bus.Kind))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	bus, err := bootstrap.NewEventBus(ctx, cfg.Bus, cfg.Bus.MQTT.ClientID, logger)
	if err != nil {
		logger.Fatal("failed to connect event bus", zap.Error(err))
	}

	topics := pubsub.NewTopics(cfg.Bus.TopicPrefix)
	metricsCollector := prometheus.NewCollector(nil)

	coord := coordinator.New(pubsub.NewPublisher(bus, topics), metricsCollector, logger, coordinator.Options{
		Model:               cfg.Scheduler.DispatchModel,
		CallbackTarget:      cfg.Scheduler.CallbackTarget,
		ResetBusyOnRegister: cfg.Scheduler.RegisterResetsBusy,
		LogMaxPerSession:    cfg.Scheduler.LogMaxPerSession,
		DispatchRetry:       cfg.Bus.ReconnectPolicy(),
	})

	listener := pubsub.NewListener(bus, topics, coord, metricsCollector, logger)
	if err := listener.Start(ctx); err != nil {
		logger.Fatal("failed to subscribe to worker topics", zap.Error(err))
	}

	healthMonitor := coordinator.NewHealthMonitor(coord,
		cfg.Scheduler.SweepInterval,
		cfg.Scheduler.LivenessTimeout,
		logger)
	healthMonitor.Start()

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Coordinator:  coord,
		Health:       healthMonitor,
		Logger:       logger,
		BusConnected: bus.Connected,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(coord, logger))

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:    cfg.GRPCPort,
		Results: coord,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("DAGO master started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("callback_target", cfg.Scheduler.CallbackTarget),
		zap.String("topic_prefix", cfg.Bus.TopicPrefix))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	healthMonitor.Stop()

	if err := coord.Wait(shutdownCtx); err != nil {
		logger.Warn("dispatches still being retried at shutdown", zap.Error(err))
	}

	// ends the bus subscriptions
	stop()

	if err := bus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	stats := coord.Stats()
	logger.Info("DAGO master shut down complete",
		zap.Int("queued", stats.QueueDepth),
		zap.Int("busy_workers", stats.BusyWorkers))
}
