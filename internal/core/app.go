package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"segmentation-backend/internal/config"
	"segmentation-backend/internal/core/utils"
	"segmentation-backend/internal/datastore"
	"segmentation-backend/pkg/api"
	"segmentation-backend/plugin/shared"
)

var (
	ErrUnknownModel    = errors.New("unknown model")
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrEmptyDatalist   = errors.New("no labeled images to train on")
)

const (
	appName        = "Segmentation - Spleen + Post Processing"
	appDescription = "Active learning solution using UNet to label spleen over 3D CT images, with CRF and graph-cut post-processing of the stored logits"

	pretrainedFile = "segmentation_spleen.pt"
	finalFile      = "final.pt"
	trainStatsFile = "train_stats.json"

	maxConcurrentImages = 1024
)

type AppOptions struct {
	AppDir        string
	TrainDefaults config.TrainDefaults
	Downloader    Downloader
	// PartitionSeed fixes the train/validation shuffle.
	PartitionSeed uint64
	Rand          *rand.Rand
}

// App wires the spleen segmentation network, its inference handlers and
// selection strategies to a datastore and a model engine.
type App struct {
	appDir          string
	modelDir        string
	pretrainedModel string
	finalModel      string
	trainStatsPath  string

	network    *Network
	engine     shared.EngineClient
	store      datastore.Datastore
	infers     map[string]InferTask
	strategies map[string]Strategy
	resources  []Resource

	trainDefaults config.TrainDefaults
	partitionSeed uint64

	imageLocks *utils.MutexMap
	trainMu    sync.Mutex
}

type Sample struct {
	Id  string
	Uri string
}

func NewApp(ctx context.Context, store datastore.Datastore, engine shared.EngineClient, opts AppOptions) (*App, error) {
	appDir, err := filepath.Abs(opts.AppDir)
	if err != nil {
		return nil, fmt.Errorf("error resolving app dir %s: %w", opts.AppDir, err)
	}

	modelDir := filepath.Join(appDir, "model")
	if err := os.MkdirAll(modelDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("error creating model dir %s: %w", modelDir, err)
	}

	app := &App{
		appDir:          appDir,
		modelDir:        modelDir,
		pretrainedModel: filepath.Join(modelDir, pretrainedFile),
		finalModel:      filepath.Join(modelDir, finalFile),
		trainStatsPath:  filepath.Join(modelDir, trainStatsFile),
		engine:          engine,
		store:           store,
		trainDefaults:   opts.TrainDefaults,
		partitionSeed:   opts.PartitionSeed,
		imageLocks:      utils.NewMutexMap(maxConcurrentImages),
	}

	app.network = NewSpleenUNet(app.pretrainedModel, app.finalModel)

	if app.trainDefaults == (config.TrainDefaults{}) {
		app.trainDefaults = config.DefaultTrainDefaults()
	}

	app.infers = map[string]InferTask{
		"Spleen_Segmentation":  NewSegmentationWithWriteLogits(engine, app.network),
		"BIFSeg+CRF":           NewBIFSegCRF(engine),
		"BIFSeg+SimpleCRF":     NewBIFSegSimpleCRF(engine),
		"BIFSeg+GraphCut":      NewBIFSegGraphCut(engine),
		"Int.+BIFSeg+GraphCut": NewInteractiveGraphCut(engine),
	}
	app.addDeepgrowTasks()

	app.strategies = map[string]Strategy{
		"random": NewRandomStrategy(opts.Rand),
		"first":  FirstStrategy{},
	}

	app.resources = []Resource{{Path: app.pretrainedModel, URL: PretrainedSpleenURL}}

	downloader := opts.Downloader
	if downloader == nil {
		downloader = NewHTTPDownloader(false)
	}
	if err := EnsureResources(ctx, downloader, app.resources); err != nil {
		return nil, err
	}

	slog.Info("app initialized", "app_dir", appDir, "models", app.Models(), "strategies", app.Strategies())
	return app, nil
}

// addDeepgrowTasks registers the deepgrow handlers whose weights are already
// present in the model dir.
func (a *App) addDeepgrowTasks() {
	for _, dim := range []int{2, 3} {
		name := fmt.Sprintf("deepgrow_%dd", dim)
		path := filepath.Join(a.modelDir, name+".pt")
		if !fileExists(path) {
			continue
		}
		a.infers[name] = NewDeepgrow(a.engine, dim, path)
		slog.Info("registered deepgrow model", "name", name, "path", path)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (a *App) Models() []string {
	return slices.Sorted(maps.Keys(a.infers))
}

func (a *App) Strategies() []string {
	return slices.Sorted(maps.Keys(a.strategies))
}

func (a *App) Network() *Network {
	return a.network
}

func (a *App) ModelDir() string {
	return a.modelDir
}

func (a *App) Infer(ctx context.Context, req InferRequest) (InferResult, error) {
	task, ok := a.infers[req.Model]
	if !ok {
		return InferResult{}, fmt.Errorf("%w: '%s'", ErrUnknownModel, req.Model)
	}

	if err := a.imageLocks.Lock(req.Image); err != nil {
		return InferResult{}, fmt.Errorf("error locking image %s: %w", req.Image, err)
	}
	defer func() {
		if err := a.imageLocks.Unlock(req.Image); err != nil {
			slog.Error("error unlocking image", "image", req.Image, "error", err)
		}
	}()

	if task.Type() == InferPostProcs {
		labels, err := a.store.GetLabelsByImageId(ctx, req.Image)
		if err != nil {
			return InferResult{}, fmt.Errorf("error listing labels for image %s: %w", req.Image, err)
		}
		for labelId, tag := range labels {
			if tag != datastore.LabelTagLogits {
				continue
			}
			uri, err := a.store.GetLabelUri(ctx, labelId)
			if err != nil {
				return InferResult{}, fmt.Errorf("error resolving logits for image %s: %w", req.Image, err)
			}
			req.Logits = uri
		}
	}

	imagePath, err := a.store.GetImageUri(ctx, req.Image)
	if err != nil {
		return InferResult{}, err
	}

	result, err := task.Run(ctx, imagePath, req)
	if err != nil {
		return InferResult{}, err
	}
	if result.Params == nil {
		result.Params = map[string]any{}
	}

	if logits, _ := result.Params[LogitsParam].(string); logits != "" {
		if err := a.storeLogits(ctx, req.Image, logits, req.Logits); err != nil {
			return InferResult{}, err
		}
	}
	delete(result.Params, LogitsParam)

	return result, nil
}

// storeLogits saves the logits a handler wrote as the image's logits label and
// removes the handler's copy. A handler that refined the stored logits in place
// reports the injected path back, which is already the label.
func (a *App) storeLogits(ctx context.Context, image, path, injected string) error {
	if injected != "" && filepath.Clean(path) == filepath.Clean(injected) {
		slog.Debug("logits updated in place", "image", image, "path", path)
		return nil
	}

	if !fileExists(path) {
		slog.Warn("logits file reported by handler does not exist", "image", image, "path", path)
		return nil
	}

	if _, err := a.store.SaveLabel(ctx, image, path, datastore.LabelTagLogits); err != nil {
		return fmt.Errorf("error saving logits for image %s: %w", image, err)
	}

	if err := os.Remove(path); err != nil {
		slog.Warn("error removing temporary logits file", "path", path, "error", err)
	}
	return nil
}

func (a *App) ResolveTrainParams(req api.TrainRequest) (TrainParams, error) {
	return ResolveTrainParams(req, a.trainDefaults)
}

// Train resolves the request against the defaults and runs a training task
// synchronously. Only one training task runs at a time.
func (a *App) Train(ctx context.Context, req api.TrainRequest) (map[string]any, error) {
	params, err := a.ResolveTrainParams(req)
	if err != nil {
		return nil, err
	}

	a.trainMu.Lock()
	defer a.trainMu.Unlock()

	outputDir := filepath.Join(a.modelDir, params.Name)
	loadPath := filepath.Join(outputDir, checkpointFile)
	if !fileExists(loadPath) {
		loadPath = a.pretrainedModel
	}

	datalist, err := a.store.Datalist(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting datalist: %w", err)
	}
	if len(datalist) == 0 {
		return nil, ErrEmptyDatalist
	}

	train, val := partitionDatalist(datalist, params.ValSplit, a.partitionSeed)

	task := &TrainTask{
		Name:          params.Name,
		OutputDir:     outputDir,
		LoadPath:      loadPath,
		PublishPath:   a.finalModel,
		StatsPath:     a.trainStatsPath,
		TrainDatalist: train,
		ValDatalist:   val,
		Network:       a.network,
		Engine:        a.engine,
		Device:        params.Device,
		LR:            params.LR,
		ValSplit:      params.ValSplit,
		MaxEpochs:     params.Epochs,
		AMP:           params.AMP,
	}
	return task.Run(ctx)
}

// TrainStats returns the stats written by the last training run, or an empty
// document when no run has completed yet.
func (a *App) TrainStats() (map[string]any, error) {
	data, err := os.ReadFile(a.trainStatsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("error reading train stats: %w", err)
	}

	var stats map[string]any
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("error parsing train stats %s: %w", a.trainStatsPath, err)
	}
	return stats, nil
}

func (a *App) Next(ctx context.Context, strategy string) (Sample, error) {
	s, ok := a.strategies[strategy]
	if !ok {
		return Sample{}, fmt.Errorf("%w: '%s'", ErrUnknownStrategy, strategy)
	}

	id, err := s.Select(ctx, a.store)
	if err != nil {
		return Sample{}, err
	}

	uri, err := a.store.GetImageUri(ctx, id)
	if err != nil {
		return Sample{}, err
	}

	slog.Info("selected next sample", "strategy", strategy, "image", id)
	return Sample{Id: id, Uri: uri}, nil
}

func (a *App) Info() (api.InfoResponse, error) {
	stats, err := a.TrainStats()
	if err != nil {
		return api.InfoResponse{}, err
	}

	models := make(map[string]api.ModelInfo, len(a.infers))
	for name, task := range a.infers {
		models[name] = api.ModelInfo{Type: string(task.Type()), Description: task.Description()}
	}

	strategies := make(map[string]api.StrategyInfo, len(a.strategies))
	for name, s := range a.strategies {
		strategies[name] = api.StrategyInfo{Description: s.Description()}
	}

	return api.InfoResponse{
		Name:        appName,
		Description: appDescription,
		Network:     a.network.Info(),
		Models:      models,
		Strategies:  strategies,
		TrainStats:  stats,
	}, nil
}
