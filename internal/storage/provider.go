package storage

import (
	"context"
	"errors"
	"io"
)

var ErrSameObject = errors.New("source is the destination object")

type Object struct {
	Name string
	Size int64
}

type Provider interface {
	CreateBucket(ctx context.Context, bucket string) error

	DownloadObject(ctx context.Context, bucket, key, filename string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	DeleteObject(ctx context.Context, bucket, key string) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)
}

// LocalPather is implemented by providers whose objects already live on the
// local filesystem, so callers can hand out paths without downloading.
type LocalPather interface {
	Fullpath(bucket, key string) string
}
