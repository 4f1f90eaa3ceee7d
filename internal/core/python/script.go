package python

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"segmentation-backend/plugin/shared"
)

// ScriptEngine runs one python process per request. The request is written
// to stdin as JSON and the reply is read from the last line of stdout.
type ScriptEngine struct {
	PythonExecutable string
	Script           string
}

var _ shared.Engine = (*ScriptEngine)(nil)

type network struct {
	Name        string `json:"name"`
	Dimensions  int    `json:"dimensions"`
	InChannels  int    `json:"in_channels"`
	OutChannels int    `json:"out_channels"`
	Channels    []int  `json:"channels"`
	Strides     []int  `json:"strides"`
	NumResUnits int    `json:"num_res_units"`
	Norm        string `json:"norm"`
}

func toNetwork(spec shared.NetworkSpec) network {
	return network(spec)
}

type inferRequest struct {
	Task      string          `json:"task"`
	Kind      string          `json:"kind"`
	Network   network         `json:"network"`
	ModelPath string          `json:"model_path,omitempty"`
	Image     string          `json:"image"`
	Logits    string          `json:"logits,omitempty"`
	Device    string          `json:"device,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type inferResponse struct {
	Label  string          `json:"label"`
	Params json.RawMessage `json:"params"`
}

type dataItem struct {
	Image string `json:"image"`
	Label string `json:"label"`
}

type trainRequest struct {
	Network       network    `json:"network"`
	LoadPath      string     `json:"load_path"`
	OutputDir     string     `json:"output_dir"`
	TrainDatalist []dataItem `json:"train_datalist"`
	ValDatalist   []dataItem `json:"val_datalist"`
	Device        string     `json:"device"`
	LR            float64    `json:"lr"`
	ValSplit      float64    `json:"val_split"`
	MaxEpochs     int        `json:"max_epochs"`
	AMP           bool       `json:"amp"`
}

type trainResponse struct {
	Checkpoint string          `json:"checkpoint"`
	Stats      json.RawMessage `json:"stats"`
}

func toDataItems(items []shared.DataItem) []dataItem {
	out := make([]dataItem, 0, len(items))
	for _, item := range items {
		out = append(out, dataItem(item))
	}
	return out
}

func (e *ScriptEngine) run(command string, req, resp any) error {
	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("error encoding %s request: %w", command, err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(e.PythonExecutable, e.Script, command)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		slog.Error("engine script failed", "command", command, "stderr", stderr.String())
		return fmt.Errorf("engine script %s failed: %w: %s", command, err, lastLine(stderr.String()))
	}

	out := lastLine(stdout.String())
	if out == "" {
		return fmt.Errorf("engine script %s produced no output", command)
	}
	if err := json.Unmarshal([]byte(out), resp); err != nil {
		return fmt.Errorf("error decoding %s response: %w", command, err)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func (e *ScriptEngine) Infer(args shared.InferArgs) (shared.InferReply, error) {
	req := inferRequest{
		Task:      args.Task,
		Kind:      args.Kind,
		Network:   toNetwork(args.Network),
		ModelPath: args.ModelPath,
		Image:     args.Image,
		Logits:    args.Logits,
		Device:    args.Device,
		Params:    args.ParamsJSON,
	}

	var resp inferResponse
	if err := e.run("infer", req, &resp); err != nil {
		return shared.InferReply{}, err
	}
	return shared.InferReply{Label: resp.Label, ParamsJSON: resp.Params}, nil
}

func (e *ScriptEngine) Train(args shared.TrainArgs) (shared.TrainReply, error) {
	req := trainRequest{
		Network:       toNetwork(args.Network),
		LoadPath:      args.LoadPath,
		OutputDir:     args.OutputDir,
		TrainDatalist: toDataItems(args.TrainDatalist),
		ValDatalist:   toDataItems(args.ValDatalist),
		Device:        args.Device,
		LR:            args.LR,
		ValSplit:      args.ValSplit,
		MaxEpochs:     args.MaxEpochs,
		AMP:           args.AMP,
	}

	var resp trainResponse
	if err := e.run("train", req, &resp); err != nil {
		return shared.TrainReply{}, err
	}
	return shared.TrainReply{Checkpoint: resp.Checkpoint, StatsJSON: resp.Stats}, nil
}
