package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/dago-master/internal/application/workers"
	"github.com/aescanero/dago-master/internal/bootstrap"
	"github.com/aescanero/dago-master/internal/config"
	"github.com/aescanero/dago-master/internal/retry"
	"github.com/aescanero/dago-master/pkg/adapters/llm"
	"github.com/aescanero/dago-master/pkg/api/grpc"
	"github.com/aescanero/dago-master/pkg/api/pubsub"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.LoadWorker()
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

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	logger.Info("starting DAGO worker",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("worker_id", workerID),
		zap.String("llm_provider", cfg.LLM.Provider))

	ctx := context.Background()

	bus, err := bootstrap.NewEventBus(ctx, cfg.Bus, workerID, logger)
	if err != nil {
		logger.Fatal("failed to connect event bus", zap.Error(err))
	}

	executor, err := llm.NewExecutor(&llm.Config{
		Provider:       cfg.LLM.Provider,
		APIKey:         cfg.LLM.APIKey,
		DefaultModel:   cfg.LLM.DefaultModel,
		MaxTokens:      cfg.LLM.DefaultMaxTokens,
		RequestTimeout: cfg.LLM.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("failed to create LLM client", zap.Error(err))
	}

	callbacks := grpc.NewCallbackClient(retry.CallbackPolicy(), logger)

	agent := workers.NewAgent(workers.Config{
		WorkerID:          workerID,
		CallbackTarget:    cfg.GRPCTarget,
		HeartbeatInterval: cfg.HeartbeatInterval,
		CallbackTimeout:   cfg.CallbackTimeout,
	}, bus, pubsub.NewTopics(cfg.Bus.TopicPrefix), executor, callbacks, logger)

	if err := agent.Start(ctx); err != nil {
		logger.Fatal("failed to start worker", zap.Error(err))
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := agent.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker shutdown error", zap.Error(err))
	}

	if err := callbacks.Close(); err != nil {
		logger.Error("callback client close error", zap.Error(err))
	}

	if err := bus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	logger.Info("DAGO worker shut down complete")
}
