package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"segmentation-backend/internal/config"
	"segmentation-backend/internal/core"
	"segmentation-backend/internal/core/python"
	"segmentation-backend/internal/database"
	"segmentation-backend/internal/datastore"
	"segmentation-backend/internal/messaging"
	"segmentation-backend/internal/storage"

	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// SetupLogFile mirrors the standard logger into name under the app's log dir.
// The returned file must be closed by the caller.
func SetupLogFile(cfg config.Config, name string) *os.File {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	logDir := filepath.Join(cfg.AppDir, "logs")
	if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}

	log.SetOutput(io.MultiWriter(f, os.Stderr))
	return f
}

func CreateDatabase(cfg config.Config) *gorm.DB {
	db, err := database.Open(cfg.DatabaseURL, filepath.Join(cfg.AppDir, "db", "segmentation.db"))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	return db
}

func CreateStorage(ctx context.Context, cfg config.Config) storage.Provider {
	switch cfg.StorageType {
	case config.S3Storage:
		provider, err := storage.NewS3Provider(ctx, storage.S3ProviderConfig{
			S3EndpointURL:     cfg.S3EndpointURL,
			S3AccessKeyID:     cfg.S3AccessKeyID,
			S3SecretAccessKey: cfg.S3SecretAccessKey,
			S3Region:          cfg.S3Region,
		})
		if err != nil {
			log.Fatalf("failed to create s3 storage: %v", err)
		}
		return provider
	default:
		provider, err := storage.NewLocalProvider(filepath.Join(cfg.AppDir, "storage"))
		if err != nil {
			log.Fatalf("failed to create local storage: %v", err)
		}
		return provider
	}
}

func CreateDatastore(ctx context.Context, cfg config.Config, db *gorm.DB, provider storage.Provider) *datastore.StudyDatastore {
	store, err := datastore.NewStudyDatastore(ctx, db, provider, datastore.StudyDatastoreOptions{
		LabelBucket: cfg.LabelBucket,
		CacheDir:    filepath.Join(cfg.AppDir, "cache"),
	})
	if err != nil {
		log.Fatalf("failed to create datastore: %v", err)
	}

	if _, err := store.Refresh(ctx, cfg.Studies); err != nil {
		log.Fatalf("failed to scan studies: %v", err)
	}

	if _, err := store.PruneLabelBlobs(ctx); err != nil {
		slog.Warn("failed to prune label blobs", "error", err)
	}
	return store
}

func CreateEngine(cfg config.Config) *python.PythonEngine {
	engine, err := python.LoadPythonEngine(cfg.EngineExecutable, cfg.PythonExecutable, cfg.EngineScript)
	if err != nil {
		log.Fatalf("failed to start model engine: %v", err)
	}
	return engine
}

func CreateApp(ctx context.Context, cfg config.Config, store datastore.Datastore, engine *python.PythonEngine) *core.App {
	trainDefaults, err := config.LoadTrainDefaults(cfg.TrainConfig)
	if err != nil {
		log.Fatalf("failed to load train config: %v", err)
	}

	app, err := core.NewApp(ctx, store, engine, core.AppOptions{
		AppDir:        cfg.AppDir,
		TrainDefaults: trainDefaults,
		Downloader:    core.NewHTTPDownloader(cfg.DownloadProgress),
	})
	if err != nil {
		log.Fatalf("failed to initialize app: %v", err)
	}
	return app
}

// RecoverTrainRuns requeues runs left over from a previous server process when
// the queue lived in that process. A RabbitMQ broker keeps queued messages
// itself, and runs in TRAINING may belong to a standalone worker that is still
// running, so both are left alone in that configuration.
func RecoverTrainRuns(ctx context.Context, cfg config.Config, db *gorm.DB, publisher messaging.Publisher) error {
	if cfg.RabbitMQURL != "" {
		slog.Info("queued train runs are held by rabbitmq, skipping requeue")
		return nil
	}
	return RequeueTrainRuns(ctx, db, publisher)
}

// RequeueTrainRuns publishes every run still marked QUEUED, so runs accepted
// before a restart are not lost when the queue is in memory. Runs that were
// mid-training are marked failed.
func RequeueTrainRuns(ctx context.Context, db *gorm.DB, publisher messaging.Publisher) error {
	interrupted, err := database.ListTrainRunsWithStatus(ctx, db, database.RunTraining)
	if err != nil {
		return err
	}
	for _, run := range interrupted {
		database.SaveTrainRunError(ctx, db, run.Id, "training interrupted by restart")
		if err := database.UpdateTrainRunStatus(ctx, db, run.Id, database.RunFailed); err != nil {
			return fmt.Errorf("failed to mark interrupted train run %s: %w", run.Id, err)
		}
	}

	runs, err := database.ListTrainRunsWithStatus(ctx, db, database.RunQueued)
	if err != nil {
		return err
	}

	for _, run := range runs {
		if err := publisher.PublishTrainTask(ctx, messaging.TrainTaskPayload{RunId: run.Id}); err != nil {
			return fmt.Errorf("failed to requeue train run %s: %w", run.Id, err)
		}
	}

	if len(runs) > 0 {
		slog.Info("requeued train runs", "count", len(runs))
	}
	return nil
}
