package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"segmentation-backend/cmd"
	"segmentation-backend/internal/config"
	"segmentation-backend/internal/core"
	"segmentation-backend/internal/messaging"
)

// The worker consumes training tasks published by a server that shares its
// database, storage and RabbitMQ broker.
func main() {
	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.RabbitMQURL == "" {
		log.Fatalf("RABBITMQ_URL must be set for a standalone worker")
	}

	f := cmd.SetupLogFile(cfg, "worker.log")
	defer f.Close()

	slog.Info("starting training worker", "app_dir", cfg.AppDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := cmd.CreateDatabase(cfg)
	provider := cmd.CreateStorage(ctx, cfg)
	store := cmd.CreateDatastore(ctx, cfg, db, provider)

	engine := cmd.CreateEngine(cfg)
	defer engine.Release()

	app := cmd.CreateApp(ctx, cfg, store, engine)

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		publisher.Close()
		log.Fatalf("failed to start rabbitmq consumer: %v", err)
	}

	worker := core.NewTaskProcessor(db, publisher, receiver, app)

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Start(ctx)
	}()

	slog.Info("worker started, waiting for tasks")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutdown signal received, stopping worker")
	cancel()
	worker.Stop()
	<-done

	slog.Info("worker stopped")
}
