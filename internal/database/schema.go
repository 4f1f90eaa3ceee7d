package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RunQueued   string = "QUEUED"
	RunTraining string = "TRAINING"
	RunTrained  string = "TRAINED"
	RunFailed   string = "FAILED"
)

// Image is a study registered from the studies directory. The id is the file
// name without its image extension.
type Image struct {
	Id           string `gorm:"primaryKey;size:255"`
	Path         string `gorm:"not null"`
	Size         int64
	CreationTime time.Time

	Labels []Label `gorm:"foreignKey:ImageId;constraint:OnDelete:CASCADE"`
}

type Label struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	ImageId string    `gorm:"size:255;not null;uniqueIndex:idx_label_image_tag"`
	Tag     string    `gorm:"size:32;not null;uniqueIndex:idx_label_image_tag"`

	// Key of the label blob inside the label bucket.
	Key          string `gorm:"not null"`
	CreationTime time.Time
}

type TrainRun struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"not null"`

	Status         string `gorm:"size:20;not null"`
	Params         datatypes.JSON
	Result         datatypes.JSON
	ErrorMessage   string
	CreationTime   time.Time
	CompletionTime sql.NullTime
}
