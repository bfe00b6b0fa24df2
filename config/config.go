// Package config loads the YAML run configuration.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Task names accepted in the task field.
const (
	TaskClassification = "classification"
	TaskSegmentation   = "segmentation"
	TaskDetection      = "detection"
)

type Config struct {
	Task         string             `yaml:"task"`
	Model        ModelConfig        `yaml:"model"`
	Training     TrainingConfig     `yaml:"training"`
	Augmentation AugmentationConfig `yaml:"augmentation"`
	Data         DataConfig         `yaml:"data"`
	Logging      LoggingConfig      `yaml:"logging"`
	Environment  EnvironmentConfig  `yaml:"environment"`
	Registry     RegistryConfig     `yaml:"registry"`
	Profile      ProfileConfig      `yaml:"profile"`
}

type ModelConfig struct {
	Name       string       `yaml:"name"`
	Checkpoint string       `yaml:"checkpoint"` // pretrained weights, optional
	Losses     []LossConfig `yaml:"losses"`
	// Postprocessor settings used by detection.
	ScoreThreshold float64 `yaml:"score_threshold"`
	NMSThreshold   float64 `yaml:"nms_threshold"`
	MaxDetections  int     `yaml:"max_detections"`
}

type LossConfig struct {
	Criterion string  `yaml:"criterion"`
	Weight    float64 `yaml:"weight"`
}

type TrainingConfig struct {
	Epochs      int             `yaml:"epochs"`
	BatchSize   int             `yaml:"batch_size"`
	Optimizer   string          `yaml:"optimizer"`
	LR          float64         `yaml:"lr"`
	Momentum    float64         `yaml:"momentum"`
	Nesterov    bool            `yaml:"nesterov"`
	WeightDecay float64         `yaml:"weight_decay"`
	Betas       [2]float64      `yaml:"betas,flow"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
}

type SchedulerConfig struct {
	Name         string  `yaml:"name"` // constant, step, exponential, cosine, poly
	StepSize     int     `yaml:"step_size"`
	Gamma        float64 `yaml:"gamma"`
	WarmupEpochs int     `yaml:"warmup_epochs"`
	WarmupBiasLR float64 `yaml:"warmup_bias_lr"`
	MinLR        float64 `yaml:"min_lr"`
	Power        float64 `yaml:"power"`
}

type AugmentationConfig struct {
	ImgSize int `yaml:"img_size"`
}

type DataConfig struct {
	Root       string   `yaml:"root"`
	Extensions []string `yaml:"extensions"`
	ValidSplit float64  `yaml:"valid_split"`
	CacheSize  int      `yaml:"cache_size"`
	Prefetch   int      `yaml:"prefetch"`
	Workers    int      `yaml:"workers"`
	// Synthetic data is used when Root is empty.
	SyntheticSamples int `yaml:"synthetic_samples"`
	NumClasses       int `yaml:"num_classes"`
}

type LoggingConfig struct {
	OutputDir       string `yaml:"output_dir"`
	ProjectID       string `yaml:"project_id"`
	ValidFreq       int    `yaml:"valid_freq"`
	NumSamples      int    `yaml:"num_samples"`
	StartEpochAtOne bool   `yaml:"start_epoch_at_one"`
	Level           string `yaml:"level"`
	File            string `yaml:"file"`
	Prometheus      bool   `yaml:"prometheus"`
	Charts          bool   `yaml:"charts"`
	Progression     bool   `yaml:"progression"`
	SaveImages      bool   `yaml:"save_images"`
	ProgressBar     bool   `yaml:"progress_bar"`
}

type EnvironmentConfig struct {
	Device    string `yaml:"device"`
	WorldSize int    `yaml:"world_size"`
	Seed      int64  `yaml:"seed"`
}

type RegistryConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres; empty disables
	DSN    string `yaml:"dsn"`
}

type ProfileConfig struct {
	Wait   int `yaml:"wait"`
	Warmup int `yaml:"warmup"`
	Active int `yaml:"active"`
	Repeat int `yaml:"repeat"`
}

// Default returns a configuration that trains a small classifier on
// synthetic data.
func Default() *Config {
	return &Config{
		Task: TaskClassification,
		Model: ModelConfig{
			Name:           "linear",
			Losses:         []LossConfig{{Criterion: "cross_entropy", Weight: 1}},
			ScoreThreshold: 0.05,
			NMSThreshold:   0.65,
			MaxDetections:  100,
		},
		Training: TrainingConfig{
			Epochs:    10,
			BatchSize: 16,
			Optimizer: "sgd",
			LR:        0.01,
			Momentum:  0.9,
			Scheduler: SchedulerConfig{Name: "cosine", MinLR: 1e-5},
		},
		Augmentation: AugmentationConfig{ImgSize: 32},
		Data: DataConfig{
			ValidSplit:       0.2,
			CacheSize:        1000,
			SyntheticSamples: 256,
			NumClasses:       4,
		},
		Logging: LoggingConfig{
			OutputDir:       "./outputs",
			ProjectID:       "visiontrain",
			ValidFreq:       1,
			NumSamples:      16,
			StartEpochAtOne: true,
			Level:           "info",
			ProgressBar:     true,
		},
		Environment: EnvironmentConfig{Device: "cpu", WorldSize: 1, Seed: 1},
		Profile:     ProfileConfig{Wait: 1, Warmup: 1, Active: 3, Repeat: 1},
	}
}

// Load reads path over Default, so omitted fields keep their defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s failed", path)
	}

	conf := Default()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, errors.Wrapf(err, "unmarshal config %s failed", path)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks values the training loop relies on.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Task) {
	case TaskClassification, TaskSegmentation, TaskDetection:
	default:
		return errors.Errorf("config: unknown task %q", c.Task)
	}
	if c.Training.Epochs < 1 {
		return errors.Errorf("config: training.epochs must be at least 1, got %d", c.Training.Epochs)
	}
	if c.Training.BatchSize < 1 {
		return errors.Errorf("config: training.batch_size must be at least 1, got %d", c.Training.BatchSize)
	}
	if c.Logging.ValidFreq < 1 {
		return errors.Errorf("config: logging.valid_freq must be at least 1, got %d", c.Logging.ValidFreq)
	}
	if c.Logging.NumSamples < 0 {
		return errors.Errorf("config: logging.num_samples must not be negative")
	}
	if c.Environment.WorldSize < 1 {
		return errors.Errorf("config: environment.world_size must be at least 1, got %d", c.Environment.WorldSize)
	}
	if c.Model.Name == "" {
		return errors.New("config: model.name is required")
	}
	return nil
}

// StartEpoch is the first epoch index of a fresh run.
func (c *Config) StartEpoch() int {
	if c.Logging.StartEpochAtOne {
		return 1
	}
	return 0
}
