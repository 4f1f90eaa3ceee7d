package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"segmentation-backend/internal/core"
	"segmentation-backend/internal/database"
	"segmentation-backend/internal/datastore"
	"segmentation-backend/internal/messaging"
	"segmentation-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BackendService struct {
	db            *gorm.DB
	app           *core.App
	store         datastore.Datastore
	publisher     messaging.Publisher
	maxLabelBytes int64
}

func NewBackendService(db *gorm.DB, app *core.App, store datastore.Datastore, publisher messaging.Publisher, maxLabelBytes int64) *BackendService {
	return &BackendService{
		db:            db,
		app:           app,
		store:         store,
		publisher:     publisher,
		maxLabelBytes: maxLabelBytes,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Get("/info", RestHandler(s.Info))

	r.Post("/infer/{model}", RestHandler(s.Infer))
	r.Post("/activelearning/{strategy}", RestHandler(s.NextSample))

	r.Route("/train", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitTraining))
		r.Get("/", RestHandler(s.TrainStats))
		r.Get("/{run_id}", RestHandler(s.GetTrainRun))
	})

	r.Route("/datastore", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListImages))
		r.Get("/label", s.DownloadLabel)
		r.Put("/label", RestHandler(s.SaveLabel))
	})
}

func (s *BackendService) Info(r *http.Request) (any, error) {
	return s.app.Info()
}

func (s *BackendService) Infer(r *http.Request) (any, error) {
	model, err := URLParam(r, "model")
	if err != nil {
		return nil, err
	}

	query, err := ParseRequestQueryParams[api.InferQueryParams](r)
	if err != nil {
		return nil, err
	}

	params := map[string]any{}
	if r.ContentLength != 0 {
		params, err = ParseRequest[map[string]any](r)
		if err != nil {
			return nil, err
		}
	}

	result, err := s.app.Infer(r.Context(), core.InferRequest{
		Image:  query.Image,
		Model:  model,
		Device: query.Device,
		Params: params,
	})
	if err != nil {
		return nil, err
	}

	return api.InferResponse{Label: result.Label, Params: result.Params}, nil
}

func (s *BackendService) NextSample(r *http.Request) (any, error) {
	strategy, err := URLParam(r, "strategy")
	if err != nil {
		return nil, err
	}

	sample, err := s.app.Next(r.Context(), strategy)
	if err != nil {
		return nil, err
	}

	return api.NextSampleResponse{Id: sample.Id, Uri: sample.Uri, Strategy: strategy}, nil
}

func (s *BackendService) SubmitTraining(r *http.Request) (any, error) {
	req := api.TrainRequest{}
	if r.ContentLength != 0 {
		var err error
		req, err = ParseRequest[api.TrainRequest](r)
		if err != nil {
			return nil, err
		}
	}

	params, err := s.app.ResolveTrainParams(req)
	if err != nil {
		return nil, CodedError(http.StatusUnprocessableEntity, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error encoding train request: %w", err)
	}

	ctx := r.Context()

	run := database.TrainRun{
		Id:           uuid.New(),
		Name:         params.Name,
		Status:       database.RunQueued,
		Params:       body,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating train run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create train run")
	}

	if err := s.publisher.PublishTrainTask(ctx, messaging.TrainTaskPayload{RunId: run.Id}); err != nil {
		slog.Error("error publishing training task", "run_id", run.Id, "error", err)
		database.SaveTrainRunError(ctx, s.db, run.Id, fmt.Sprintf("failed to queue training task: %v", err))
		if err := database.UpdateTrainRunStatus(ctx, s.db, run.Id, database.RunFailed); err != nil {
			slog.Error("error marking train run as failed", "run_id", run.Id, "error", err)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue training task")
	}

	slog.Info("submitted training run", "run_id", run.Id, "name", run.Name)
	return api.TrainResponse{RunId: run.Id}, nil
}

func (s *BackendService) TrainStats(r *http.Request) (any, error) {
	return s.app.TrainStats()
}

func (s *BackendService) GetTrainRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	run, err := database.GetTrainRun(r.Context(), s.db, runId)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "train run %s not found", runId)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving train run")
	}

	return convertTrainRun(run), nil
}

func convertTrainRun(run database.TrainRun) api.TrainRun {
	view := api.TrainRun{
		Id:           run.Id,
		Name:         run.Name,
		Status:       run.Status,
		Params:       json.RawMessage(run.Params),
		Result:       json.RawMessage(run.Result),
		Error:        run.ErrorMessage,
		CreationTime: run.CreationTime,
	}
	if run.CompletionTime.Valid {
		completed := run.CompletionTime.Time
		view.CompletionTime = &completed
	}
	return view
}

func (s *BackendService) ListImages(r *http.Request) (any, error) {
	images, err := s.store.ListImages(r.Context())
	if err != nil {
		return nil, err
	}

	resp := api.DatastoreResponse{Images: make([]api.Image, 0, len(images))}
	for _, img := range images {
		resp.Images = append(resp.Images, api.Image{Id: img.Id, Path: img.Path, Size: img.Size, Labels: img.Labels})
	}
	return resp, nil
}

var tagRe = regexp.MustCompile(`^[\w-]{1,32}$`)

// SaveLabel stores the raw request body as a label of the image.
func (s *BackendService) SaveLabel(r *http.Request) (any, error) {
	query, err := ParseRequestQueryParams[api.LabelQueryParams](r)
	if err != nil {
		return nil, err
	}

	tag := query.Tag
	if tag == "" {
		tag = datastore.LabelTagFinal
	}
	if !tagRe.MatchString(tag) {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid tag '%s': only alphanumeric characters, underscores, and hyphens are allowed", tag)
	}

	ctx := r.Context()

	imagePath, err := s.store.GetImageUri(ctx, query.Image)
	if err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "label-upload-")
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error creating upload dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	// The uploaded label keeps the extension of its image.
	tmpPath := filepath.Join(tmpDir, filepath.Base(imagePath))
	if err := writeUpload(tmpPath, http.MaxBytesReader(nil, r.Body, s.maxLabelBytes)); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "label exceeds %d bytes", maxErr.Limit)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "error receiving label: %w", err)
	}

	labelId, err := s.store.SaveLabel(ctx, query.Image, tmpPath, tag)
	if err != nil {
		return nil, err
	}

	return api.SaveLabelResponse{Image: query.Image, Tag: tag, LabelId: labelId}, nil
}

// DownloadLabel streams the label file stored under the image and tag.
func (s *BackendService) DownloadLabel(w http.ResponseWriter, r *http.Request) {
	path, err := s.labelFile(r)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *BackendService) labelFile(r *http.Request) (string, error) {
	query, err := ParseRequestQueryParams[api.LabelQueryParams](r)
	if err != nil {
		return "", err
	}

	tag := query.Tag
	if tag == "" {
		tag = datastore.LabelTagFinal
	}

	ctx := r.Context()

	labels, err := s.store.GetLabelsByImageId(ctx, query.Image)
	if err != nil {
		return "", err
	}

	for labelId, labelTag := range labels {
		if labelTag == tag {
			return s.store.GetLabelUri(ctx, labelId)
		}
	}
	return "", fmt.Errorf("%w: image %s has no '%s' label", datastore.ErrLabelNotFound, query.Image, tag)
}

func writeUpload(path string, body io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		return err
	}
	return file.Close()
}
