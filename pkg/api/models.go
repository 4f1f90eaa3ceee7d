package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TrainRequest fields left unset fall back to the configured defaults.
type TrainRequest struct {
	Name     string   `json:"name,omitempty"`
	ValSplit *float64 `json:"val_split,omitempty"`
	Device   string   `json:"device,omitempty"`
	LR       *float64 `json:"lr,omitempty"`
	Epochs   *int     `json:"epochs,omitempty"`
	AMP      *bool    `json:"amp,omitempty"`
}

type TrainResponse struct {
	RunId uuid.UUID `json:"run_id"`
}

type TrainRun struct {
	Id     uuid.UUID       `json:"id"`
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
}

type InferQueryParams struct {
	Image  string `schema:"image,required"`
	Device string `schema:"device"`
}

type InferResponse struct {
	Label  string         `json:"label"`
	Params map[string]any `json:"params"`
}

type NextSampleResponse struct {
	Id       string `json:"id"`
	Uri      string `json:"uri"`
	Strategy string `json:"strategy"`
}

type ModelInfo struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type StrategyInfo struct {
	Description string `json:"description"`
}

type NetworkInfo struct {
	Name        string `json:"name"`
	Dimensions  int    `json:"dimensions"`
	InChannels  int    `json:"in_channels"`
	OutChannels int    `json:"out_channels"`
	Channels    []int  `json:"channels"`
	Strides     []int  `json:"strides"`
	NumResUnits int    `json:"num_res_units"`
	Norm        string `json:"norm"`
	Checkpoint  string `json:"checkpoint,omitempty"`
}

type InfoResponse struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Network     NetworkInfo             `json:"network"`
	Models      map[string]ModelInfo    `json:"models"`
	Strategies  map[string]StrategyInfo `json:"strategies"`
	TrainStats  map[string]any          `json:"train_stats"`
}

type Image struct {
	Id     string            `json:"id"`
	Path   string            `json:"path"`
	Size   int64             `json:"size"`
	Labels map[string]string `json:"labels"`
}

type DatastoreResponse struct {
	Images []Image `json:"images"`
}

type LabelQueryParams struct {
	Image string `schema:"image,required"`
	Tag   string `schema:"tag"`
}

type SaveLabelResponse struct {
	Image   string `json:"image"`
	Tag     string `json:"tag"`
	LabelId string `json:"label_id"`
}
