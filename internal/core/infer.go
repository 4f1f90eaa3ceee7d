package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"

	"segmentation-backend/plugin/shared"
)

// InferType is the kind of an inference handler.
type InferType string

const (
	InferSegmentation InferType = "segmentation"
	// InferPostProcs handlers refine the logits stored by an earlier
	// segmentation instead of reading a model checkpoint.
	InferPostProcs InferType = "postprocs"
	InferDeepgrow  InferType = "deepgrow"
)

const LogitsParam = "logits"

var ErrModelNotFound = errors.New("model checkpoint not found")

type InferRequest struct {
	Image  string
	Model  string
	Logits string
	Device string
	Params map[string]any
}

type InferResult struct {
	Label  string
	Params map[string]any
}

type InferTask interface {
	Type() InferType

	Description() string

	Run(ctx context.Context, imagePath string, req InferRequest) (InferResult, error)
}

// EngineInferTask forwards an inference request to the model engine under a
// fixed engine task name.
type EngineInferTask struct {
	task          string
	kind          InferType
	description   string
	engine        shared.EngineClient
	network       *Network
	modelPaths    []string
	defaultParams map[string]any
}

var _ InferTask = (*EngineInferTask)(nil)

func (t *EngineInferTask) Type() InferType {
	return t.kind
}

func (t *EngineInferTask) Description() string {
	return t.description
}

// modelPath reads the shared network's checkpoint when the task is bound to
// one, otherwise the last existing path in modelPaths.
func (t *EngineInferTask) modelPath() (string, error) {
	if t.network != nil {
		if path := t.network.Checkpoint(); path != "" {
			return path, nil
		}
		return "", fmt.Errorf("%w: none of %v exist", ErrModelNotFound, t.network.candidates())
	}

	if len(t.modelPaths) == 0 {
		return "", nil
	}

	for i := len(t.modelPaths) - 1; i >= 0; i-- {
		if _, err := os.Stat(t.modelPaths[i]); err == nil {
			return t.modelPaths[i], nil
		}
	}
	return "", fmt.Errorf("%w: none of %v exist", ErrModelNotFound, t.modelPaths)
}

func (t *EngineInferTask) Run(ctx context.Context, imagePath string, req InferRequest) (InferResult, error) {
	modelPath, err := t.modelPath()
	if err != nil {
		return InferResult{}, err
	}

	params := maps.Clone(t.defaultParams)
	if params == nil {
		params = map[string]any{}
	}
	maps.Copy(params, req.Params)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return InferResult{}, fmt.Errorf("error encoding infer params: %w", err)
	}

	if t.kind == InferPostProcs && req.Logits == "" {
		slog.Warn("post-processing handler invoked without stored logits", "task", t.task, "image", req.Image)
	}

	args := shared.InferArgs{
		Task:       t.task,
		Kind:       string(t.kind),
		ModelPath:  modelPath,
		Image:      imagePath,
		Logits:     req.Logits,
		Device:     req.Device,
		ParamsJSON: paramsJSON,
	}
	if t.network != nil {
		args.Network = t.network.Spec()
	}

	reply, err := t.engine.Infer(ctx, args)
	if err != nil {
		return InferResult{}, fmt.Errorf("engine task %s failed: %w", t.task, err)
	}

	result := InferResult{Label: reply.Label, Params: map[string]any{}}
	if len(reply.ParamsJSON) > 0 {
		if err := json.Unmarshal(reply.ParamsJSON, &result.Params); err != nil {
			return InferResult{}, fmt.Errorf("error decoding params from engine task %s: %w", t.task, err)
		}
	}
	return result, nil
}

func NewSegmentationWithWriteLogits(engine shared.EngineClient, network *Network) *EngineInferTask {
	return &EngineInferTask{
		task:          "segmentation",
		kind:          InferSegmentation,
		description:   "A pre-trained model for volumetric (3D) segmentation of the spleen over 3D CT images; also writes logits for post-processing",
		engine:        engine,
		network:       network,
		defaultParams: map[string]any{"write_logits": true},
	}
}

func newPostProcTask(engine shared.EngineClient, task, description string) *EngineInferTask {
	return &EngineInferTask{
		task:        task,
		kind:        InferPostProcs,
		description: description,
		engine:      engine,
	}
}

func NewBIFSegCRF(engine shared.EngineClient) *EngineInferTask {
	return newPostProcTask(engine, "bifseg_crf", "BIFSeg refinement of the stored logits with a dense CRF")
}

func NewBIFSegSimpleCRF(engine shared.EngineClient) *EngineInferTask {
	return newPostProcTask(engine, "bifseg_simplecrf", "BIFSeg refinement of the stored logits with SimpleCRF")
}

func NewBIFSegGraphCut(engine shared.EngineClient) *EngineInferTask {
	return newPostProcTask(engine, "bifseg_graphcut", "BIFSeg refinement of the stored logits with graph-cut")
}

// NewInteractiveGraphCut refines the stored logits using the foreground and
// background clicks passed in the request params.
func NewInteractiveGraphCut(engine shared.EngineClient) *EngineInferTask {
	t := newPostProcTask(engine, "interactive_bifseg_graphcut", "Interactive BIFSeg graph-cut refinement driven by foreground/background clicks")
	t.defaultParams = map[string]any{"foreground": []any{}, "background": []any{}}
	return t
}

func NewDeepgrow(engine shared.EngineClient, dimension int, modelPath string) *EngineInferTask {
	return &EngineInferTask{
		task:          fmt.Sprintf("deepgrow_%dd", dimension),
		kind:          InferDeepgrow,
		description:   fmt.Sprintf("Deepgrow %dD interactive segmentation from foreground/background clicks", dimension),
		engine:        engine,
		modelPaths:    []string{modelPath},
		defaultParams: map[string]any{"foreground": []any{}, "background": []any{}},
	}
}
