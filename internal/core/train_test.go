package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"segmentation-backend/internal/config"
	"segmentation-backend/internal/datastore"
	"segmentation-backend/pkg/api"
	"segmentation-backend/plugin/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTrainParamsDefaults(t *testing.T) {
	params, err := ResolveTrainParams(api.TrainRequest{}, config.DefaultTrainDefaults())
	require.NoError(t, err)

	assert.Equal(t, TrainParams{
		Name:     "model_01",
		ValSplit: 0.2,
		Device:   "cuda",
		LR:       0.0001,
		Epochs:   1,
		AMP:      true,
	}, params)
}

func TestResolveTrainParamsInvalid(t *testing.T) {
	defaults := config.DefaultTrainDefaults()
	negative, tooBig, zero := -0.1, 1.0, 0

	for _, req := range []api.TrainRequest{
		{Name: "../escape"},
		{Name: "nested/run"},
		{ValSplit: &negative},
		{ValSplit: &tooBig},
		{Epochs: &zero},
		{LR: &negative},
	} {
		_, err := ResolveTrainParams(req, defaults)
		assert.Error(t, err, fmt.Sprintf("%+v", req))
	}
}

func makeDatalist(n int) []datastore.DataItem {
	items := make([]datastore.DataItem, 0, n)
	for i := range n {
		items = append(items, datastore.DataItem{
			Image: fmt.Sprintf("spleen_%d.nii.gz", i),
			Label: fmt.Sprintf("label_%d.nii.gz", i),
		})
	}
	return items
}

func TestPartitionDatalist(t *testing.T) {
	items := makeDatalist(10)

	train, val := partitionDatalist(items, 0.2, 42)
	assert.Len(t, train, 8)
	assert.Len(t, val, 2)
	assert.ElementsMatch(t, items, append(append([]datastore.DataItem{}, train...), val...))

	train2, val2 := partitionDatalist(items, 0.2, 42)
	assert.Equal(t, train, train2)
	assert.Equal(t, val, val2)

	// The input order is left untouched.
	assert.Equal(t, makeDatalist(10), items)

	train, val = partitionDatalist(makeDatalist(3), 0, 1)
	assert.Len(t, train, 3)
	assert.Empty(t, val)
}

func newTrainTask(t *testing.T, engine shared.EngineClient) *TrainTask {
	dir := t.TempDir()
	return &TrainTask{
		Name:          "model_01",
		OutputDir:     filepath.Join(dir, "model_01"),
		LoadPath:      filepath.Join(dir, "pretrained.pt"),
		PublishPath:   filepath.Join(dir, "final.pt"),
		StatsPath:     filepath.Join(dir, "train_stats.json"),
		TrainDatalist: makeDatalist(2),
		Network:       NewSpleenUNet(),
		Engine:        engine,
		Device:        "cpu",
		LR:            0.0001,
		MaxEpochs:     2,
	}
}

func TestTrainTaskPublishesCheckpointAndStats(t *testing.T) {
	task := newTrainTask(t, &fakeEngine{})

	stats, err := task.Run(context.Background())
	require.NoError(t, err)

	assert.FileExists(t, task.PublishPath)
	assert.Equal(t, task.PublishPath, task.Network.Checkpoint())

	data, err := os.ReadFile(task.StatsPath)
	require.NoError(t, err)

	var written map[string]any
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, "model_01", written["name"])
	assert.Equal(t, float64(2), written["epochs"])
	assert.Equal(t, float64(2), written["train_size"])
	assert.Contains(t, written, "start_ts")
	assert.Contains(t, written, "total_time")
	assert.Equal(t, "model_01", stats["name"])
}

func TestTrainTaskDefaultCheckpointPath(t *testing.T) {
	engine := &fakeEngine{onTrain: func(args shared.TrainArgs) (shared.TrainReply, error) {
		err := os.WriteFile(filepath.Join(args.OutputDir, "model.pt"), []byte("w"), 0644)
		return shared.TrainReply{}, err
	}}
	task := newTrainTask(t, engine)

	_, err := task.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(task.PublishPath)
	require.NoError(t, err)
	assert.Equal(t, "w", string(data))
}

func TestTrainTaskEngineFailure(t *testing.T) {
	engineErr := errors.New("engine crashed")
	engine := &fakeEngine{onTrain: func(args shared.TrainArgs) (shared.TrainReply, error) {
		return shared.TrainReply{}, engineErr
	}}
	task := newTrainTask(t, engine)

	_, err := task.Run(context.Background())
	assert.ErrorIs(t, err, engineErr)
	assert.NoFileExists(t, task.PublishPath)
	assert.NoFileExists(t, task.StatsPath)
	assert.Empty(t, task.Network.Checkpoint())
}
