package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"segmentation-backend/internal/database"
	"segmentation-backend/internal/datastore"
	"segmentation-backend/internal/storage"
	"segmentation-backend/plugin/shared"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeEngine struct {
	mu         sync.Mutex
	inferCalls []shared.InferArgs
	trainCalls []shared.TrainArgs

	onInfer func(args shared.InferArgs) (shared.InferReply, error)
	onTrain func(args shared.TrainArgs) (shared.TrainReply, error)
}

func (e *fakeEngine) Infer(ctx context.Context, args shared.InferArgs) (shared.InferReply, error) {
	e.mu.Lock()
	e.inferCalls = append(e.inferCalls, args)
	e.mu.Unlock()

	if e.onInfer != nil {
		return e.onInfer(args)
	}
	return shared.InferReply{Label: args.Image + ".label", ParamsJSON: []byte(`{}`)}, nil
}

func (e *fakeEngine) Train(ctx context.Context, args shared.TrainArgs) (shared.TrainReply, error) {
	e.mu.Lock()
	e.trainCalls = append(e.trainCalls, args)
	e.mu.Unlock()

	if e.onTrain != nil {
		return e.onTrain(args)
	}

	// Mimic the engine writing its checkpoint into the output dir.
	checkpoint := filepath.Join(args.OutputDir, "model.pt")
	if err := os.WriteFile(checkpoint, []byte("weights:"+args.OutputDir), 0644); err != nil {
		return shared.TrainReply{}, err
	}
	stats, _ := json.Marshal(map[string]any{"best_metric": 0.87, "train_size": len(args.TrainDatalist)})
	return shared.TrainReply{Checkpoint: checkpoint, StatsJSON: stats}, nil
}

func (e *fakeEngine) lastInfer(t *testing.T) shared.InferArgs {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.inferCalls)
	return e.inferCalls[len(e.inferCalls)-1]
}

func (e *fakeEngine) lastTrain(t *testing.T) shared.TrainArgs {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.trainCalls)
	return e.trainCalls[len(e.trainCalls)-1]
}

type download struct {
	url, dest string
}

type fakeDownloader struct {
	downloads []download
}

func (d *fakeDownloader) Download(ctx context.Context, url, dest string) error {
	d.downloads = append(d.downloads, download{url: url, dest: dest})
	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte("pretrained"), 0644)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func createDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func createDatastore(t *testing.T, images ...string) *datastore.StudyDatastore {
	t.Helper()

	provider, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	store, err := datastore.NewStudyDatastore(context.Background(), createDB(t), provider, datastore.StudyDatastoreOptions{
		LabelBucket: "labels",
		CacheDir:    t.TempDir(),
	})
	require.NoError(t, err)

	studies := t.TempDir()
	for _, img := range images {
		writeFile(t, filepath.Join(studies, img), "image:"+img)
	}
	_, err = store.Refresh(context.Background(), studies)
	require.NoError(t, err)

	return store
}

type testApp struct {
	*App
	store      *datastore.StudyDatastore
	engine     *fakeEngine
	downloader *fakeDownloader
	appDir     string
}

func setupApp(t *testing.T, images ...string) testApp {
	t.Helper()

	store := createDatastore(t, images...)
	engine := &fakeEngine{}
	downloader := &fakeDownloader{}
	appDir := t.TempDir()

	app, err := NewApp(context.Background(), store, engine, AppOptions{
		AppDir:     appDir,
		Downloader: downloader,
	})
	require.NoError(t, err)

	return testApp{App: app, store: store, engine: engine, downloader: downloader, appDir: appDir}
}

func saveLabel(t *testing.T, store datastore.Datastore, image, tag, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), image+".nii.gz")
	writeFile(t, path, content)
	labelId, err := store.SaveLabel(context.Background(), image, path, tag)
	require.NoError(t, err)
	return labelId
}
