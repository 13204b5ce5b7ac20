package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fabric/internal/infra/config"
	"fabric/internal/infra/logger"
	"fabric/internal/infra/tracer"
	"fabric/internal/usecase/fabric"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`fabric - sandboxed agent execution fabric

USAGE:
    fabric [FLAGS]

FLAGS:
    -h, --help       Show this help message
    --config PATH    Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: FABRIC_* variables override config`)
}

func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "config.yaml"
}

func run() error {
	// 1. Config. A missing file falls back to defaults plus FABRIC_*
	// environment overrides, so the fabric can run with zero setup.
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Fabric
	f, err := fabric.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	// 4. Graceful shutdown
	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	f.Start(runCtx)

	// Periodic health log until a signal arrives.
	ticker := time.NewTicker(cfg.Fabric.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			log.Info("signal received, shutting down")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			return f.Shutdown(shutdownCtx)
		case <-ticker.C:
			health := f.Health()
			log.Info("fabric health",
				"status", health.Status,
				"agents", health.ActiveAgents,
				"busy", health.Utilization.BusyAgents,
				"pending", health.PendingTasks,
				"uptime_s", int(health.UptimeSeconds))
		}
	}
}
