package python

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"segmentation-backend/plugin/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript writes a shell script that stands in for the python engine.
func writeScript(t *testing.T, body string) *ScriptEngine {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return &ScriptEngine{PythonExecutable: "/bin/sh", Script: path}
}

func TestScriptEngineInfer(t *testing.T) {
	dir := t.TempDir()
	captured := filepath.Join(dir, "request.json")

	engine := writeScript(t, `cat > `+captured+`
echo "loading model"
echo '{"label": "/tmp/label.nii.gz", "params": {"logits": "/tmp/logits.nii.gz", "latency": 1.5}}'
`)

	reply, err := engine.Infer(shared.InferArgs{
		Task:       "segmentation",
		Kind:       "segmentation",
		Network:    shared.NetworkSpec{Name: "UNet", Dimensions: 3, Channels: []int{16, 32}},
		ModelPath:  "/models/final.pt",
		Image:      "/studies/spleen_1.nii.gz",
		Device:     "cpu",
		ParamsJSON: []byte(`{"write_logits":true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/label.nii.gz", reply.Label)
	assert.JSONEq(t, `{"logits": "/tmp/logits.nii.gz", "latency": 1.5}`, string(reply.ParamsJSON))

	data, err := os.ReadFile(captured)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "segmentation", req["task"])
	assert.Equal(t, "/models/final.pt", req["model_path"])
	assert.Equal(t, map[string]any{"write_logits": true}, req["params"])
	assert.Equal(t, "UNet", req["network"].(map[string]any)["name"])
	assert.NotContains(t, req, "logits")
}

func TestScriptEngineTrain(t *testing.T) {
	engine := writeScript(t, `cat > /dev/null
echo '{"checkpoint": "/models/model_01/model.pt", "stats": {"best_metric": 0.91}}'
`)

	reply, err := engine.Train(shared.TrainArgs{
		OutputDir:     "/models/model_01",
		TrainDatalist: []shared.DataItem{{Image: "a.nii.gz", Label: "a_label.nii.gz"}},
		MaxEpochs:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, "/models/model_01/model.pt", reply.Checkpoint)
	assert.JSONEq(t, `{"best_metric": 0.91}`, string(reply.StatsJSON))
}

func TestScriptEngineFailure(t *testing.T) {
	engine := writeScript(t, `cat > /dev/null
echo "CUDA out of memory" >&2
exit 3
`)

	_, err := engine.Infer(shared.InferArgs{Task: "segmentation"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestScriptEngineNoOutput(t *testing.T) {
	engine := writeScript(t, "cat > /dev/null\n")

	_, err := engine.Train(shared.TrainArgs{})
	assert.ErrorContains(t, err, "no output")
}
