package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/app"
	"github.com/voice-agent/privacy-core/pkg/config"
	appLogger "github.com/voice-agent/privacy-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting privacy core API server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	core, err := app.New(ctx, cfg)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to initialize privacy core", zap.Error(err))
	}

	core.Start()
	server := core.HTTP()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := server.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := server.ShutdownWithTimeout(20 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := core.Conversations.Reconcile(flushCtx); err != nil {
		appLogger.Warn("Final reconciliation failed", zap.Error(err))
	}
	flushCancel()
	if pending := core.Conversations.Pending(); len(pending) > 0 {
		appLogger.Error("Conversations left unpersisted at shutdown", zap.Strings("conversation_ids", pending))
	}

	core.Close()
	appLogger.Info("Server stopped")
}
