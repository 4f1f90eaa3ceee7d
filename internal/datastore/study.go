package datastore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"segmentation-backend/internal/database"
	"segmentation-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StudyDatastore registers the images of a studies directory in the database
// and keeps label blobs in a storage bucket.
type StudyDatastore struct {
	db       *gorm.DB
	storage  storage.Provider
	bucket   string
	cacheDir string
}

var _ Datastore = (*StudyDatastore)(nil)

type StudyDatastoreOptions struct {
	LabelBucket string
	// CacheDir receives labels downloaded from remote storage.
	CacheDir string
}

func NewStudyDatastore(ctx context.Context, db *gorm.DB, provider storage.Provider, opts StudyDatastoreOptions) (*StudyDatastore, error) {
	if err := provider.CreateBucket(ctx, opts.LabelBucket); err != nil {
		return nil, fmt.Errorf("error creating label bucket: %w", err)
	}

	return &StudyDatastore{
		db:       db,
		storage:  provider,
		bucket:   opts.LabelBucket,
		cacheDir: opts.CacheDir,
	}, nil
}

// Refresh registers every image file under studiesDir that is not yet known.
// Images that disappeared from disk are left in place.
func (s *StudyDatastore) Refresh(ctx context.Context, studiesDir string) (int, error) {
	var images []database.Image
	err := filepath.WalkDir(studiesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		id, _, ok := splitImageExt(d.Name())
		if !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}

		images = append(images, database.Image{Id: id, Path: abs, Size: info.Size(), CreationTime: time.Now().UTC()})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error scanning studies dir %s: %w", studiesDir, err)
	}

	if len(images) == 0 {
		slog.Warn("no images found in studies dir", "dir", studiesDir)
		return 0, nil
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&images)
	if result.Error != nil {
		return 0, fmt.Errorf("error registering images: %w", result.Error)
	}

	slog.Info("studies registered", "dir", studiesDir, "found", len(images), "new", result.RowsAffected)
	return int(result.RowsAffected), nil
}

func (s *StudyDatastore) ListImages(ctx context.Context) ([]ImageInfo, error) {
	var images []database.Image
	if err := s.db.WithContext(ctx).Preload("Labels").Order("id").Find(&images).Error; err != nil {
		return nil, fmt.Errorf("error listing images: %w", err)
	}

	infos := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		labels := make(map[string]string, len(img.Labels))
		for _, label := range img.Labels {
			labels[label.Tag] = label.Id.String()
		}
		infos = append(infos, ImageInfo{Id: img.Id, Path: img.Path, Size: img.Size, Labels: labels})
	}
	return infos, nil
}

func (s *StudyDatastore) getImage(ctx context.Context, image string) (database.Image, error) {
	var img database.Image
	if err := s.db.WithContext(ctx).First(&img, "id = ?", image).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Image{}, fmt.Errorf("%w: %s", ErrImageNotFound, image)
		}
		return database.Image{}, fmt.Errorf("error getting image %s: %w", image, err)
	}
	return img, nil
}

func (s *StudyDatastore) GetImageUri(ctx context.Context, image string) (string, error) {
	img, err := s.getImage(ctx, image)
	if err != nil {
		return "", err
	}
	return img.Path, nil
}

func (s *StudyDatastore) GetUnlabeledImages(ctx context.Context) ([]string, error) {
	labeled := s.db.Model(&database.Label{}).Select("image_id").Where("tag = ?", LabelTagFinal)

	var ids []string
	if err := s.db.WithContext(ctx).Model(&database.Image{}).Where("id NOT IN (?)", labeled).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("error listing unlabeled images: %w", err)
	}
	return ids, nil
}

func (s *StudyDatastore) GetLabelsByImageId(ctx context.Context, image string) (map[string]string, error) {
	var labels []database.Label
	if err := s.db.WithContext(ctx).Where("image_id = ?", image).Find(&labels).Error; err != nil {
		return nil, fmt.Errorf("error listing labels for image %s: %w", image, err)
	}

	result := make(map[string]string, len(labels))
	for _, label := range labels {
		result[label.Id.String()] = label.Tag
	}
	return result, nil
}

func (s *StudyDatastore) getLabel(ctx context.Context, labelId string) (database.Label, error) {
	id, err := uuid.Parse(labelId)
	if err != nil {
		return database.Label{}, fmt.Errorf("%w: invalid label id '%s'", ErrLabelNotFound, labelId)
	}

	var label database.Label
	if err := s.db.WithContext(ctx).First(&label, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Label{}, fmt.Errorf("%w: %s", ErrLabelNotFound, labelId)
		}
		return database.Label{}, fmt.Errorf("error getting label %s: %w", labelId, err)
	}
	return label, nil
}

func (s *StudyDatastore) labelPath(ctx context.Context, label database.Label) (string, error) {
	if local, ok := s.storage.(storage.LocalPather); ok {
		return local.Fullpath(s.bucket, label.Key), nil
	}

	dest := filepath.Join(s.cacheDir, s.bucket, filepath.FromSlash(label.Key))
	if err := s.storage.DownloadObject(ctx, s.bucket, label.Key, dest); err != nil {
		return "", fmt.Errorf("error downloading label %s: %w", label.Id, err)
	}
	return dest, nil
}

func (s *StudyDatastore) GetLabelUri(ctx context.Context, labelId string) (string, error) {
	label, err := s.getLabel(ctx, labelId)
	if err != nil {
		return "", err
	}
	return s.labelPath(ctx, label)
}

func (s *StudyDatastore) SaveLabel(ctx context.Context, image, path, tag string) (string, error) {
	if _, err := s.getImage(ctx, image); err != nil {
		return "", err
	}

	_, ext, _ := splitImageExt(path)
	key := tag + "/" + image + ext

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("error opening label file %s: %w", path, err)
	}
	defer file.Close()

	if err := s.storage.PutObject(ctx, s.bucket, key, file); err != nil {
		return "", fmt.Errorf("error storing label for image %s: %w", image, err)
	}

	var label database.Label
	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		err := txn.Where("image_id = ? AND tag = ?", image, tag).First(&label).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error looking up existing label: %w", err)
		}

		if err == nil {
			if label.Key != key {
				if err := s.storage.DeleteObject(ctx, s.bucket, label.Key); err != nil {
					slog.Warn("error removing replaced label blob", "image", image, "tag", tag, "key", label.Key, "error", err)
				}
			}
			label.Key = key
			label.CreationTime = time.Now().UTC()
			return txn.Save(&label).Error
		}

		label = database.Label{
			Id:           uuid.New(),
			ImageId:      image,
			Tag:          tag,
			Key:          key,
			CreationTime: time.Now().UTC(),
		}
		return txn.Create(&label).Error
	})
	if err != nil {
		return "", fmt.Errorf("error saving label for image %s: %w", image, err)
	}

	slog.Info("label saved", "image", image, "tag", tag, "label_id", label.Id)
	return label.Id.String(), nil
}

func (s *StudyDatastore) DeleteLabel(ctx context.Context, labelId string) error {
	label, err := s.getLabel(ctx, labelId)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Delete(&label).Error; err != nil {
		return fmt.Errorf("error deleting label %s: %w", labelId, err)
	}

	if err := s.storage.DeleteObject(ctx, s.bucket, label.Key); err != nil {
		return fmt.Errorf("error deleting label blob %s: %w", label.Key, err)
	}
	return nil
}

// PruneLabelBlobs deletes blobs in the label bucket that no label row refers
// to, such as uploads whose database write failed.
func (s *StudyDatastore) PruneLabelBlobs(ctx context.Context) (int, error) {
	objects, err := s.storage.ListObjects(ctx, s.bucket, "")
	if err != nil {
		return 0, fmt.Errorf("error listing label blobs: %w", err)
	}

	var keys []string
	if err := s.db.WithContext(ctx).Model(&database.Label{}).Pluck("key", &keys).Error; err != nil {
		return 0, fmt.Errorf("error listing label keys: %w", err)
	}

	known := make(map[string]bool, len(keys))
	for _, key := range keys {
		known[key] = true
	}

	pruned := 0
	for _, obj := range objects {
		if known[obj.Name] {
			continue
		}
		if err := s.storage.DeleteObject(ctx, s.bucket, obj.Name); err != nil {
			return pruned, fmt.Errorf("error deleting orphaned label blob %s: %w", obj.Name, err)
		}
		pruned++
	}

	if pruned > 0 {
		slog.Info("pruned orphaned label blobs", "bucket", s.bucket, "count", pruned)
	}
	return pruned, nil
}

func (s *StudyDatastore) Datalist(ctx context.Context) ([]DataItem, error) {
	var labels []database.Label
	if err := s.db.WithContext(ctx).Where("tag = ?", LabelTagFinal).Order("image_id").Find(&labels).Error; err != nil {
		return nil, fmt.Errorf("error listing final labels: %w", err)
	}

	if len(labels) == 0 {
		return nil, nil
	}

	imageIds := make([]string, 0, len(labels))
	for _, label := range labels {
		imageIds = append(imageIds, label.ImageId)
	}

	var images []database.Image
	if err := s.db.WithContext(ctx).Where("id IN ?", imageIds).Find(&images).Error; err != nil {
		return nil, fmt.Errorf("error listing labeled images: %w", err)
	}

	paths := make(map[string]string, len(images))
	for _, img := range images {
		paths[img.Id] = img.Path
	}

	items := make([]DataItem, 0, len(labels))
	for _, label := range labels {
		labelPath, err := s.labelPath(ctx, label)
		if err != nil {
			return nil, err
		}
		items = append(items, DataItem{Image: paths[label.ImageId], Label: labelPath})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Image < items[j].Image })
	return items, nil
}
