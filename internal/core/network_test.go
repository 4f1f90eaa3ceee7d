package core

import (
	"context"
	"path/filepath"
	"testing"

	"segmentation-backend/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkCheckpointPriority(t *testing.T) {
	dir := t.TempDir()
	pretrained := filepath.Join(dir, "pretrained.pt")
	final := filepath.Join(dir, "final.pt")
	other := filepath.Join(dir, "other.pt")

	network := NewSpleenUNet(pretrained, final)
	assert.Empty(t, network.Checkpoint())

	writeFile(t, pretrained, "weights")
	assert.Equal(t, pretrained, network.Checkpoint())

	writeFile(t, final, "published")
	assert.Equal(t, final, network.Checkpoint())

	writeFile(t, other, "other")
	network.SetCheckpoint(other)
	assert.Equal(t, other, network.Checkpoint())

	network.SetCheckpoint(final)
	assert.Equal(t, final, network.Checkpoint())
	assert.Equal(t, []string{pretrained, other, final}, network.candidates())
}

func TestSegmentationReadsNetworkCheckpoint(t *testing.T) {
	app := setupApp(t, "spleen_1.nii.gz", "spleen_2.nii.gz")
	labelAll(t, app.store, "spleen_1", "spleen_2")
	ctx := context.Background()

	custom := filepath.Join(t.TempDir(), "custom.pt")
	writeFile(t, custom, "custom")
	app.Network().SetCheckpoint(custom)

	_, err := app.Infer(ctx, InferRequest{Image: "spleen_1", Model: "Spleen_Segmentation"})
	require.NoError(t, err)
	assert.Equal(t, custom, app.engine.lastInfer(t).ModelPath)

	_, err = app.Train(ctx, api.TrainRequest{})
	require.NoError(t, err)

	final := filepath.Join(app.appDir, "model", "final.pt")
	_, err = app.Infer(ctx, InferRequest{Image: "spleen_1", Model: "Spleen_Segmentation"})
	require.NoError(t, err)
	assert.Equal(t, final, app.engine.lastInfer(t).ModelPath)

	info, err := app.Info()
	require.NoError(t, err)
	assert.Equal(t, final, info.Network.Checkpoint)
}
