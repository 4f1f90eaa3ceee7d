package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type TrainRun struct {
	ErrorMessage string
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&TrainRun{}, "ErrorMessage"); err != nil {
		return fmt.Errorf("error adding ErrorMessage column: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&TrainRun{}, "ErrorMessage"); err != nil {
		return fmt.Errorf("error dropping ErrorMessage column: %w", err)
	}
	return nil
}
