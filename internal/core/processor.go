package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"segmentation-backend/internal/database"
	"segmentation-backend/internal/messaging"
	"segmentation-backend/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Trainer interface {
	Train(ctx context.Context, req api.TrainRequest) (map[string]any, error)
}

// TaskProcessor consumes training tasks and records their outcome on the
// corresponding TrainRun.
type TaskProcessor struct {
	db        *gorm.DB
	publisher messaging.Publisher
	reciever  messaging.Reciever
	trainer   Trainer
}

func NewTaskProcessor(db *gorm.DB, publisher messaging.Publisher, reciever messaging.Reciever, trainer Trainer) *TaskProcessor {
	return &TaskProcessor{
		db:        db,
		publisher: publisher,
		reciever:  reciever,
		trainer:   trainer,
	}
}

// Start processes tasks until ctx is done or the reciever is closed.
func (proc *TaskProcessor) Start(ctx context.Context) {
	slog.Info("starting task processor")

	tasks := proc.reciever.Tasks()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-tasks:
			if !ok {
				return
			}
			proc.ProcessTask(ctx, task)
		}
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(ctx context.Context, task messaging.Task) {
	var err error
	switch task.Type() {
	case messaging.TrainingQueue:
		var payload messaging.TrainTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling training task", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processTrainTask(ctx, payload.RunId)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) processTrainTask(ctx context.Context, runId uuid.UUID) error {
	run, err := database.GetTrainRun(ctx, proc.db, runId)
	if err != nil {
		return fmt.Errorf("error loading train run %s: %w", runId, err)
	}

	if run.Status != database.RunQueued {
		slog.Warn("skipping train run that is not queued", "run_id", runId, "status", run.Status)
		return nil
	}

	if err := database.UpdateTrainRunStatus(ctx, proc.db, runId, database.RunTraining); err != nil {
		return fmt.Errorf("error marking train run %s as training: %w", runId, err)
	}

	fail := func(err error) error {
		database.SaveTrainRunError(ctx, proc.db, runId, err.Error())
		if err := database.UpdateTrainRunStatus(ctx, proc.db, runId, database.RunFailed); err != nil {
			slog.Error("error marking train run as failed", "run_id", runId, "error", err)
		}
		return err
	}

	var req api.TrainRequest
	if len(run.Params) > 0 {
		if err := json.Unmarshal(run.Params, &req); err != nil {
			return fail(fmt.Errorf("error decoding train run params: %w", err))
		}
	}

	slog.Info("training started", "run_id", runId, "name", run.Name)

	stats, err := proc.trainer.Train(ctx, req)
	if err != nil {
		return fail(fmt.Errorf("training failed: %w", err))
	}

	result, err := json.Marshal(stats)
	if err != nil {
		return fail(fmt.Errorf("error encoding train result: %w", err))
	}

	if err := database.SaveTrainRunResult(ctx, proc.db, runId, result); err != nil {
		return fail(err)
	}
	if err := database.UpdateTrainRunStatus(ctx, proc.db, runId, database.RunTrained); err != nil {
		return fmt.Errorf("error marking train run %s as trained: %w", runId, err)
	}

	slog.Info("training finished", "run_id", runId, "name", run.Name)
	return nil
}
