package datastore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

const (
	LabelTagFinal    = "final"
	LabelTagOriginal = "original"
	LabelTagLogits   = "logits"
)

var (
	ErrImageNotFound = errors.New("image not found")
	ErrLabelNotFound = errors.New("label not found")
)

// DataItem is one training sample: an image and its final annotation.
type DataItem struct {
	Image string `json:"image"`
	Label string `json:"label"`
}

type ImageInfo struct {
	Id     string            `json:"id"`
	Path   string            `json:"path"`
	Size   int64             `json:"size"`
	Labels map[string]string `json:"labels"` // tag -> label id
}

type Datastore interface {
	ListImages(ctx context.Context) ([]ImageInfo, error)

	GetImageUri(ctx context.Context, image string) (string, error)

	GetUnlabeledImages(ctx context.Context) ([]string, error)

	// GetLabelsByImageId returns label id -> tag for every label of the image.
	GetLabelsByImageId(ctx context.Context, image string) (map[string]string, error)

	GetLabelUri(ctx context.Context, labelId string) (string, error)

	// SaveLabel copies the file at path into the store. An existing label
	// with the same image and tag is replaced.
	SaveLabel(ctx context.Context, image, path, tag string) (string, error)

	DeleteLabel(ctx context.Context, labelId string) error

	Datalist(ctx context.Context) ([]DataItem, error)
}

var imageExtensions = []string{".nii.gz", ".nii", ".nrrd", ".dcm"}

// splitImageExt splits a file name into its stem and image extension,
// treating double extensions like .nii.gz as one.
func splitImageExt(name string) (string, string, bool) {
	base := filepath.Base(name)
	lower := strings.ToLower(base)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)], base[len(base)-len(ext):], true
		}
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext, false
}
