package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureResourcesOnlyDownloadsMissing(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.pt")
	writeFile(t, present, "weights")

	downloader := &fakeDownloader{}
	err := EnsureResources(context.Background(), downloader, []Resource{
		{Path: present, URL: "http://example.com/present.pt"},
		{Path: filepath.Join(dir, "missing.pt"), URL: "http://example.com/missing.pt"},
	})
	require.NoError(t, err)

	require.Len(t, downloader.downloads, 1)
	assert.Equal(t, "http://example.com/missing.pt", downloader.downloads[0].url)
	assert.FileExists(t, filepath.Join(dir, "missing.pt"))
}

func TestHTTPDownloader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/segmentation_spleen.pt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("pretrained weights"))
	}))
	defer server.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "model", "segmentation_spleen.pt")

	downloader := NewHTTPDownloader(false)
	require.NoError(t, downloader.Download(context.Background(), server.URL+"/segmentation_spleen.pt", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "pretrained weights", string(data))

	missing := filepath.Join(dir, "model", "other.pt")
	err = downloader.Download(context.Background(), server.URL+"/other.pt", missing)
	assert.ErrorContains(t, err, "404")
	assert.NoFileExists(t, missing)

	entries, err := os.ReadDir(filepath.Join(dir, "model"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no partial files should be left behind")
}
