package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"segmentation-backend/internal/config"
	"segmentation-backend/internal/datastore"
	"segmentation-backend/pkg/api"
	"segmentation-backend/plugin/shared"

	"github.com/google/renameio/v2"
)

const checkpointFile = "model.pt"

// TrainParams is a training request with every default applied.
type TrainParams struct {
	Name     string  `json:"name"`
	ValSplit float64 `json:"val_split"`
	Device   string  `json:"device"`
	LR       float64 `json:"lr"`
	Epochs   int     `json:"epochs"`
	AMP      bool    `json:"amp"`
}

func ResolveTrainParams(req api.TrainRequest, defaults config.TrainDefaults) (TrainParams, error) {
	params := TrainParams{
		Name:     defaults.Name,
		ValSplit: defaults.ValSplit,
		Device:   defaults.Device,
		LR:       defaults.LR,
		Epochs:   defaults.Epochs,
		AMP:      defaults.AMP,
	}

	if req.Name != "" {
		params.Name = req.Name
	}
	if req.ValSplit != nil {
		params.ValSplit = *req.ValSplit
	}
	if req.Device != "" {
		params.Device = req.Device
	}
	if req.LR != nil {
		params.LR = *req.LR
	}
	if req.Epochs != nil {
		params.Epochs = *req.Epochs
	}
	if req.AMP != nil {
		params.AMP = *req.AMP
	}

	if params.Name != filepath.Base(params.Name) || params.Name == "." || params.Name == ".." {
		return TrainParams{}, fmt.Errorf("invalid run name '%s'", params.Name)
	}
	if params.ValSplit < 0 || params.ValSplit >= 1 {
		return TrainParams{}, fmt.Errorf("invalid val_split %v: must be in [0, 1)", params.ValSplit)
	}
	if params.Epochs <= 0 {
		return TrainParams{}, fmt.Errorf("invalid epochs %d: must be positive", params.Epochs)
	}
	if params.LR <= 0 {
		return TrainParams{}, fmt.Errorf("invalid lr %v: must be positive", params.LR)
	}

	return params, nil
}

// partitionDatalist shuffles items with a fixed seed and moves
// int(len*valSplit) of them into the validation set.
func partitionDatalist(items []datastore.DataItem, valSplit float64, seed uint64) ([]datastore.DataItem, []datastore.DataItem) {
	shuffled := append([]datastore.DataItem(nil), items...)
	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	nVal := int(float64(len(shuffled)) * valSplit)
	return shuffled[nVal:], shuffled[:nVal]
}

// TrainTask runs one training job on the engine and publishes its checkpoint.
type TrainTask struct {
	Name        string
	OutputDir   string
	LoadPath    string
	PublishPath string
	StatsPath   string

	TrainDatalist []datastore.DataItem
	ValDatalist   []datastore.DataItem

	Network *Network
	Engine  shared.EngineClient

	Device    string
	LR        float64
	ValSplit  float64
	MaxEpochs int
	AMP       bool
}

func (t *TrainTask) Run(ctx context.Context) (map[string]any, error) {
	start := time.Now()

	if err := os.MkdirAll(t.OutputDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("error creating output dir %s: %w", t.OutputDir, err)
	}

	slog.Info("starting training", "name", t.Name, "load_path", t.LoadPath, "train_size", len(t.TrainDatalist), "val_size", len(t.ValDatalist), "epochs", t.MaxEpochs, "device", t.Device)

	reply, err := t.Engine.Train(ctx, shared.TrainArgs{
		Network:       t.Network.Spec(),
		LoadPath:      t.LoadPath,
		OutputDir:     t.OutputDir,
		TrainDatalist: toSharedItems(t.TrainDatalist),
		ValDatalist:   toSharedItems(t.ValDatalist),
		Device:        t.Device,
		LR:            t.LR,
		ValSplit:      t.ValSplit,
		MaxEpochs:     t.MaxEpochs,
		AMP:           t.AMP,
	})
	if err != nil {
		return nil, fmt.Errorf("engine training failed: %w", err)
	}

	checkpoint := reply.Checkpoint
	if checkpoint == "" {
		checkpoint = filepath.Join(t.OutputDir, checkpointFile)
	}

	if err := publishCheckpoint(checkpoint, t.PublishPath); err != nil {
		return nil, fmt.Errorf("error publishing checkpoint: %w", err)
	}
	t.Network.SetCheckpoint(t.PublishPath)

	stats := map[string]any{}
	if len(reply.StatsJSON) > 0 {
		if err := json.Unmarshal(reply.StatsJSON, &stats); err != nil {
			return nil, fmt.Errorf("error decoding training stats: %w", err)
		}
	}
	stats["name"] = t.Name
	stats["epochs"] = t.MaxEpochs
	stats["start_ts"] = start.Unix()
	stats["total_time"] = time.Since(start).Truncate(time.Second).String()
	stats["checkpoint"] = t.PublishPath

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("error encoding training stats: %w", err)
	}
	if err := renameio.WriteFile(t.StatsPath, data, 0644); err != nil {
		return nil, fmt.Errorf("error writing training stats: %w", err)
	}

	slog.Info("training complete", "name", t.Name, "published", t.PublishPath, "total_time", stats["total_time"])
	return stats, nil
}

func toSharedItems(items []datastore.DataItem) []shared.DataItem {
	out := make([]shared.DataItem, 0, len(items))
	for _, item := range items {
		out = append(out, shared.DataItem{Image: item.Image, Label: item.Label})
	}
	return out
}

// publishCheckpoint copies src over dst through a pending file, so inference
// never reads a partially written checkpoint.
func publishCheckpoint(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", dst, err)
	}

	out, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0644))
	if err != nil {
		return fmt.Errorf("error creating pending file for %s: %w", dst, err)
	}
	defer out.Cleanup()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("error copying %s to %s: %w", src, dst, err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("error replacing %s: %w", dst, err)
	}
	return nil
}
