package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"segmentation-backend/cmd"
	"segmentation-backend/internal/api"
	"segmentation-backend/internal/config"
	"segmentation-backend/internal/core"
	"segmentation-backend/internal/datastore"
	"segmentation-backend/internal/messaging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type taskQueue interface {
	messaging.Publisher
	messaging.Reciever
}

type rabbitQueue struct {
	*messaging.RabbitMQPublisher
	*messaging.RabbitMQReceiver
}

func (q rabbitQueue) Close() {
	q.RabbitMQPublisher.Close()
	q.RabbitMQReceiver.Close()
}

func createQueue(cfg config.Config) taskQueue {
	if cfg.RabbitMQURL == "" {
		slog.Info("RABBITMQ_URL not set, using in-memory queue")
		return messaging.NewInMemoryQueue(100)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("failed to create rabbitmq publisher: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		publisher.Close()
		log.Fatalf("failed to create rabbitmq receiver: %v", err)
	}

	return rabbitQueue{RabbitMQPublisher: publisher, RabbitMQReceiver: receiver}
}

func createServer(service *api.BackendService, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	// Inference on a CPU can take minutes per volume.
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Route("/api/v1", func(r chi.Router) {
		service.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	f := cmd.SetupLogFile(cfg, "server.log")
	defer f.Close()

	slog.Info("starting segmentation server", "app_dir", cfg.AppDir, "studies", cfg.Studies, "port", cfg.Port, "storage", cfg.StorageType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := cmd.CreateDatabase(cfg)
	provider := cmd.CreateStorage(ctx, cfg)
	store := cmd.CreateDatastore(ctx, cfg, db, provider)

	engine := cmd.CreateEngine(cfg)
	defer engine.Release()

	app := cmd.CreateApp(ctx, cfg, store, engine)

	queue := createQueue(cfg)

	if err := cmd.RecoverTrainRuns(ctx, cfg, db, queue); err != nil {
		log.Fatalf("failed to requeue train runs: %v", err)
	}

	worker := core.NewTaskProcessor(db, queue, queue, app)

	service := api.NewBackendService(db, app, store, queue, cfg.MaxLabelBytes)
	server := createServer(service, cfg.Port)

	slog.Info("starting worker")
	go worker.Start(ctx)

	if cfg.WatchStudies {
		go func() {
			if err := store.Watch(ctx, cfg.Studies, datastore.DefaultWatchDelay); err != nil {
				slog.Error("studies watcher stopped", "error", err)
			}
		}()
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		cancel()
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("could not listen on %d: %v", cfg.Port, err)
	}

	slog.Info("server stopped")
}
