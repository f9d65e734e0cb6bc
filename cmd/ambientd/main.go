// Ambient runtime daemon — hosts the event bus, drivers, scheduler,
// instruction matcher, plan executor and the HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ambientos/ambient/pkg/api"
	"github.com/ambientos/ambient/pkg/config"
	"github.com/ambientos/ambient/pkg/runtime"
	"github.com/ambientos/ambient/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to construct runtime", "error", err)
		os.Exit(1)
	}
	if err := rt.Start(ctx); err != nil {
		slog.Error("Failed to start runtime", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(rt)

	serveCtx, stopServing := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(serveCtx)
	}()

	slog.Info("Ambient started",
		"version", version.Full(),
		"port", cfg.Server.Port,
		"database", cfg.Database.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
		stopServing()
		if err := <-errCh; err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	case err := <-errCh:
		if err != nil {
			slog.Error("Server error triggered shutdown", "error", err)
		}
		stopServing()
	}

	rt.Stop(ctx)
	slog.Info("Shutdown complete")
}
