package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/renameio/v2"
	"github.com/schollz/progressbar/v3"
)

const PretrainedSpleenURL = "https://www.dropbox.com/s/xc9wtssba63u7md/segmentation_spleen.pt?dl=1"

// Resource is a file the app needs locally, fetched from URL when missing.
type Resource struct {
	Path string
	URL  string
}

type Downloader interface {
	Download(ctx context.Context, url, dest string) error
}

type HTTPDownloader struct {
	client       *resty.Client
	showProgress bool
}

func NewHTTPDownloader(showProgress bool) *HTTPDownloader {
	return &HTTPDownloader{
		client:       resty.New().SetTimeout(30 * time.Minute).SetRetryCount(2),
		showProgress: showProgress,
	}
}

// Download streams url into dest through a pending file in the same directory
// so a failed transfer never leaves a partial checkpoint behind.
func (d *HTTPDownloader) Download(ctx context.Context, url, dest string) error {
	res, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("error requesting %s: %w", url, err)
	}
	body := res.RawBody()
	defer body.Close()

	if !res.IsSuccess() {
		return fmt.Errorf("download of %s returned status %d", url, res.StatusCode())
	}

	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", dest, err)
	}

	out, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0644))
	if err != nil {
		return fmt.Errorf("error creating pending file for %s: %w", dest, err)
	}
	defer out.Cleanup()

	var w io.Writer = out
	if d.showProgress {
		bar := progressbar.DefaultBytes(res.RawResponse.ContentLength, "downloading "+filepath.Base(dest))
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("error downloading %s: %w", url, err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("error moving download into %s: %w", dest, err)
	}
	return nil
}

// EnsureResources downloads every resource whose path does not exist yet.
func EnsureResources(ctx context.Context, downloader Downloader, resources []Resource) error {
	for _, r := range resources {
		_, err := os.Stat(r.Path)
		if err == nil {
			slog.Debug("resource already present", "path", r.Path)
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error checking resource %s: %w", r.Path, err)
		}

		slog.Info("downloading resource", "url", r.URL, "path", r.Path)
		if err := downloader.Download(ctx, r.URL, r.Path); err != nil {
			return fmt.Errorf("error downloading resource %s: %w", r.Path, err)
		}
	}
	return nil
}
