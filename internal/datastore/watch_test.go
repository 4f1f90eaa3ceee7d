package datastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchRegistersNewStudies(t *testing.T) {
	store, studies := setupDatastore(t, "spleen_1.nii.gz")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, studies, 50*time.Millisecond)
	}()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, filepath.Join(studies, "spleen_2.nii.gz"), "image")
	writeFile(t, filepath.Join(studies, "notes.txt"), "ignored")

	assert.Eventually(t, func() bool {
		_, err := store.GetImageUri(context.Background(), "spleen_2")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	images, err := store.ListImages(context.Background())
	require.NoError(t, err)
	assert.Len(t, images, 2)
}

func TestWatchMissingDir(t *testing.T) {
	store, _ := setupDatastore(t)

	err := store.Watch(context.Background(), filepath.Join(t.TempDir(), "missing"), time.Millisecond)
	assert.Error(t, err)
}
