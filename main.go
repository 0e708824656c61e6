package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"

	"mailsync_server/config"
	"mailsync_server/internal/bootstrap"
	"mailsync_server/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
	connectTimeout  = 30 * time.Second
)

func main() {
	// Load .env file if exists (for local development)
	envErr := godotenv.Load()

	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: "mailsync-" + *mode,
	})
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	var w *bootstrap.Worker
	if *mode == "worker" || *mode == "all" {
		w = bootstrap.NewWorker(deps)
	}

	switch *mode {
	case "api":
		runAPI(cfg, bootstrap.NewAPI(deps, nil), nil)
	case "worker":
		runWorker(w)
	case "all":
		go func() {
			if err := w.Start(); err != nil {
				logger.Fatal("Failed to start worker: %v", err)
			}
		}()
		runAPI(cfg, bootstrap.NewAPI(deps, w), w)
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}
}

func runAPI(cfg *config.Config, app *fiber.App, w *bootstrap.Worker) {
	// Graceful shutdown with timeout
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			err := app.Shutdown()
			if w != nil {
				w.Stop()
			}
			done <- err
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.Error("Error shutting down: %v", err)
			} else {
				logger.Info("API server shut down gracefully")
			}
		case <-ctx.Done():
			logger.Warn("API shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Fatal("Failed to start server: %v", err)
	}
}

func runWorker(w *bootstrap.Worker) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)

		done := make(chan struct{})
		go func() {
			w.Stop()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("Worker shut down gracefully")
		case <-time.After(shutdownTimeout):
			logger.Warn("Worker shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	logger.Info("Starting worker...")
	if err := w.Start(); err != nil {
		logger.Fatal("Failed to start worker: %v", err)
	}
}
