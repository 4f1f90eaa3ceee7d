package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("train run not found")

func UpdateTrainRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == RunTrained || status == RunFailed {
		updates["completion_time"] = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	if err := txn.WithContext(ctx).Model(&TrainRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating train run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveTrainRunResult(ctx context.Context, txn *gorm.DB, runId uuid.UUID, result []byte) error {
	if err := txn.WithContext(ctx).Model(&TrainRun{Id: runId}).Update("result", datatypes.JSON(result)).Error; err != nil {
		return fmt.Errorf("error saving train run result: %w", err)
	}
	return nil
}

func SaveTrainRunError(ctx context.Context, txn *gorm.DB, runId uuid.UUID, errorMessage string) {
	if err := txn.WithContext(ctx).Model(&TrainRun{Id: runId}).Update("error_message", errorMessage).Error; err != nil {
		slog.Error("error saving train run error", "run_id", runId, "error", err)
	}
}

func GetTrainRun(ctx context.Context, db *gorm.DB, runId uuid.UUID) (TrainRun, error) {
	var run TrainRun
	if err := db.WithContext(ctx).First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TrainRun{}, ErrRunNotFound
		}
		return TrainRun{}, fmt.Errorf("error getting train run: %w", err)
	}
	return run, nil
}

// ListTrainRunsWithStatus returns runs with the given status, oldest first.
func ListTrainRunsWithStatus(ctx context.Context, db *gorm.DB, status string) ([]TrainRun, error) {
	var runs []TrainRun
	if err := db.WithContext(ctx).Where("status = ?", status).Order("creation_time").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("error listing %s train runs: %w", status, err)
	}
	return runs, nil
}
