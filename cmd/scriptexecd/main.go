package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/p-arndt/scriptexecd/internal/api"
	"github.com/p-arndt/scriptexecd/internal/config"
	"github.com/p-arndt/scriptexecd/internal/engine"
	"github.com/p-arndt/scriptexecd/internal/imageresolver"
	"github.com/p-arndt/scriptexecd/internal/metrics"
	"github.com/p-arndt/scriptexecd/internal/runtime"
	"github.com/p-arndt/scriptexecd/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	client, err := runtime.New()
	if err != nil {
		logger.Error("docker client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx); err != nil {
		logger.Error("docker ping failed — is the container runtime running?", "error", err)
		os.Exit(1)
	}
	logger.Info("docker connection OK")

	resolver := imageresolver.New(
		client,
		cfg.CustomImageRegistry,
		time.Duration(cfg.CustomImagePullTimeout)*time.Second,
		cfg.CustomImagePullRetries,
		logger,
	)
	eng := engine.New(client, logger)
	m := metrics.New()

	sched := scheduler.New(cfg, client, resolver, eng, m, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler start", "error", err)
		os.Exit(1)
	}
	logger.Info("pools warming", "default_image", cfg.BaseImage, "default_size", cfg.PoolSize, "custom_pools", len(cfg.CustomPools))

	srv := api.NewServer(sched, m, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HostPort),
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.Timeout+30) * time.Second, // scripts can run up to TIMEOUT
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		srv.BeginShutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 35*time.Second)
		defer shutdownCancel()

		if err := sched.Shutdown(shutdownCtx); err != nil {
			logger.Error("scheduler shutdown", "error", err)
		}

		httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("listening", "addr", httpServer.Addr)
	fmt.Fprintf(os.Stderr, "\n  scriptexecd ready at http://0.0.0.0:%d\n\n", cfg.HostPort)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func logLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
