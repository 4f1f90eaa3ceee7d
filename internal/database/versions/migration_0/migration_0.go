package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Image struct {
	Id           string `gorm:"primaryKey;size:255"`
	Path         string `gorm:"not null"`
	Size         int64
	CreationTime time.Time

	Labels []Label `gorm:"foreignKey:ImageId;constraint:OnDelete:CASCADE"`
}

type Label struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ImageId      string    `gorm:"size:255;not null;uniqueIndex:idx_label_image_tag"`
	Tag          string    `gorm:"size:32;not null;uniqueIndex:idx_label_image_tag"`
	Key          string    `gorm:"not null"`
	CreationTime time.Time
}

type TrainRun struct {
	Id             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name           string    `gorm:"not null"`
	Status         string    `gorm:"size:20;not null"`
	Params         datatypes.JSON
	Result         datatypes.JSON
	CreationTime   time.Time
	CompletionTime sql.NullTime
}

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(&Image{}, &Label{}, &TrainRun{})
}
