package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"helpdesk-service/internal/app"
	"helpdesk-service/internal/config"
	"helpdesk-service/internal/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[MAIN] No .env file found, relying on system env vars")
	}

	cfg := config.Load()
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	if err := cfg.Validate(); err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := app.NewServer(cfg, zl)
	if err := srv.Start(ctx); err != nil {
		zl.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	zl.Info("server stopped gracefully")
}
