package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, LocalStorage, cfg.StorageType)
	assert.Equal(t, "labels", cfg.LabelBucket)
	assert.True(t, cfg.DownloadProgress)
	assert.True(t, cfg.WatchStudies)
	assert.Equal(t, int64(2<<30), cfg.MaxLabelBytes)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("APP_DIR", "/srv/app")
	t.Setenv("PORT", "9000")
	t.Setenv("STORAGE_TYPE", "s3")
	t.Setenv("DOWNLOAD_PROGRESS", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/app", cfg.AppDir)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, S3Storage, cfg.StorageType)
	assert.False(t, cfg.DownloadProgress)
}

func TestLoadInvalidStorageType(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "ftp")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadTrainDefaults(t *testing.T) {
	defaults, err := LoadTrainDefaults("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTrainDefaults(), defaults)

	defaults, err = LoadTrainDefaults(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultTrainDefaults(), defaults)

	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte("epochs: 50\ndevice: cpu\namp: false\n"), 0644))

	defaults, err = LoadTrainDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, TrainDefaults{
		Name:     "model_01",
		ValSplit: 0.2,
		Device:   "cpu",
		LR:       0.0001,
		Epochs:   50,
		AMP:      false,
	}, defaults)
}

func TestLoadTrainDefaultsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte("val_split: 1.5\n"), 0644))

	_, err := LoadTrainDefaults(path)
	assert.Error(t, err)
}
