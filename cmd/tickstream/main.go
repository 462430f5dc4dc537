// Command tickstream runs several pipeline roles in one process. With the memory
// log backend this is the whole pipeline without Redis.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tickstream/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	rolesFlag := flag.String("roles", "ingest,normalizer,writer,gateway", "comma separated roles to run")
	pprofAddr := flag.String("pprof", "", "pprof listen address, e.g. localhost:6060")
	flag.Parse()

	roles, err := app.ParseRoles(*rolesFlag)
	if err != nil {
		slog.Error("❌ Invalid roles", slog.Any("error", err))
		os.Exit(2)
	}

	// 1. Pprof Server (for performance profiling)
	if *pprofAddr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", *pprofAddr))
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. System Bootstrapping
	bootstrap := app.NewBootstrap("tickstream")
	if err := bootstrap.Initialize(ctx, roles...); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	go bootstrap.ServeMetrics(ctx)

	slog.InfoContext(ctx, "✨ tickstream fully operational. Press Ctrl+C to exit.", slog.Any("roles", roles))
	if err := bootstrap.Run(ctx, roles...); err != nil {
		slog.Error("❌ Pipeline stopped", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}

	slog.Info("👋 Shutting down gracefully...")
}
