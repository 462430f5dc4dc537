package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tickstream/internal/app"
	"tickstream/internal/infra"
)

func main() {
	// 1. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap("gateway")
	if err := bootstrap.Initialize(ctx, infra.RoleGateway); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	go bootstrap.ServeMetrics(ctx)

	// 3. Run until signalled
	slog.InfoContext(ctx, "✨ Gateway running. Press Ctrl+C to exit.")
	if err := bootstrap.Run(ctx, infra.RoleGateway); err != nil {
		slog.Error("❌ Gateway stopped", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}

	slog.Info("👋 Shutting down gracefully...")
}
