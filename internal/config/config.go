package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

type Config struct {
	AppDir  string `env:"APP_DIR" envDefault:"./apps/segmentation_spleen_postproc"`
	Studies string `env:"STUDIES" envDefault:"./studies"`
	Port    int    `env:"PORT" envDefault:"8000"`

	// WatchStudies registers images copied into Studies while running.
	WatchStudies bool `env:"WATCH_STUDIES" envDefault:"true"`

	// Postgres URL; a sqlite file under AppDir is used when empty.
	DatabaseURL string `env:"DATABASE_URL" envDefault:""`
	// RabbitMQ URL; an in-memory queue is used when empty.
	RabbitMQURL string `env:"RABBITMQ_URL" envDefault:""`

	StorageType       string `env:"STORAGE_TYPE" envDefault:"local"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL" envDefault:""`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID" envDefault:""`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" envDefault:""`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	LabelBucket       string `env:"LABEL_BUCKET" envDefault:"labels"`

	// EngineExecutable is the engine plugin binary built from cmd/engine.
	EngineExecutable string `env:"ENGINE_EXECUTABLE" envDefault:"./bin/engine"`
	PythonExecutable string `env:"PYTHON_EXECUTABLE" envDefault:"python3"`
	EngineScript     string `env:"ENGINE_SCRIPT" envDefault:"engine/engine.py"`

	TrainConfig      string `env:"TRAIN_CONFIG" envDefault:""`
	DownloadProgress bool   `env:"DOWNLOAD_PROGRESS" envDefault:"true"`
	MaxLabelBytes    int64  `env:"MAX_LABEL_BYTES" envDefault:"2147483648"`
}

const (
	LocalStorage = "local"
	S3Storage    = "s3"
)

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}

	if cfg.StorageType != LocalStorage && cfg.StorageType != S3Storage {
		return Config{}, fmt.Errorf("invalid STORAGE_TYPE '%s': must be '%s' or '%s'", cfg.StorageType, LocalStorage, S3Storage)
	}

	return cfg, nil
}

// TrainDefaults are the hyperparameters used for any field a training
// request leaves unset.
type TrainDefaults struct {
	Name     string  `yaml:"name" json:"name"`
	ValSplit float64 `yaml:"val_split" json:"val_split"`
	Device   string  `yaml:"device" json:"device"`
	LR       float64 `yaml:"lr" json:"lr"`
	Epochs   int     `yaml:"epochs" json:"epochs"`
	AMP      bool    `yaml:"amp" json:"amp"`
}

func DefaultTrainDefaults() TrainDefaults {
	return TrainDefaults{
		Name:     "model_01",
		ValSplit: 0.2,
		Device:   "cuda",
		LR:       0.0001,
		Epochs:   1,
		AMP:      true,
	}
}

// LoadTrainDefaults overlays the YAML file at path on DefaultTrainDefaults.
// An empty path or a missing file yields the built-in defaults.
func LoadTrainDefaults(path string) (TrainDefaults, error) {
	defaults := DefaultTrainDefaults()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return defaults, nil
		}
		return TrainDefaults{}, fmt.Errorf("error reading train config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return TrainDefaults{}, fmt.Errorf("error parsing train config %s: %w", path, err)
	}

	if defaults.ValSplit < 0 || defaults.ValSplit >= 1 {
		return TrainDefaults{}, fmt.Errorf("invalid val_split %v in %s: must be in [0, 1)", defaults.ValSplit, path)
	}
	if defaults.Epochs <= 0 {
		return TrainDefaults{}, fmt.Errorf("invalid epochs %d in %s: must be positive", defaults.Epochs, path)
	}

	return defaults, nil
}
