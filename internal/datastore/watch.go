package datastore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultWatchDelay = 2 * time.Second

// Watch re-runs Refresh whenever image files appear under studiesDir, waiting
// for delay without further events so partially copied volumes settle first.
// It blocks until ctx is done.
func (s *StudyDatastore) Watch(ctx context.Context, studiesDir string, delay time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create studies watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.WalkDir(studiesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to watch studies dir %s: %w", studiesDir, err)
	}

	slog.Info("watching studies dir", "dir", studiesDir)

	timer := time.NewTimer(delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						slog.Warn("failed to watch new studies subdir", "dir", event.Name, "error", err)
					}
					timer.Reset(delay)
					continue
				}
			}

			if _, _, ok := splitImageExt(event.Name); ok {
				timer.Reset(delay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("studies watcher error", "dir", studiesDir, "error", err)

		case <-timer.C:
			added, err := s.Refresh(ctx, studiesDir)
			if err != nil {
				slog.Error("failed to refresh studies", "dir", studiesDir, "error", err)
				continue
			}
			if added > 0 {
				slog.Info("new studies registered", "dir", studiesDir, "count", added)
			}
		}
	}
}
