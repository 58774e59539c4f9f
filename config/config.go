package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the fine-tuning pipeline
type Config struct {
	Dataset    DatasetConfig    `yaml:"dataset"`
	Kaggle     KaggleConfig     `yaml:"kaggle"`
	Split      SplitConfig      `yaml:"split"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Model      ModelConfig      `yaml:"model"`
	Training   TrainingConfig   `yaml:"training"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Serve      ServeConfig      `yaml:"serve"`
}

// DatasetConfig describes where the raw and curated images live
type DatasetConfig struct {
	ID            string   `yaml:"id"`             // remote dataset identifier, "owner/slug"
	RawDir        string   `yaml:"raw_dir"`        // archive is extracted here
	ExtractSubdir string   `yaml:"extract_subdir"` // folder inside RawDir holding one folder per class
	ProcessedDir  string   `yaml:"processed_dir"`  // curated <split>/<class> tree
	Classes       []string `yaml:"classes"`
	Extensions    []string `yaml:"extensions"`
}

// KaggleConfig configures the remote dataset provider
type KaggleConfig struct {
	BaseURL   string `yaml:"base_url"`
	ConfigDir string `yaml:"config_dir"` // directory holding kaggle.json; empty means ~/.kaggle
}

// SplitConfig controls the deterministic train/test partition
type SplitConfig struct {
	Seed       int64   `yaml:"seed"`
	TrainRatio float64 `yaml:"train_ratio"`
}

// GeneratorConfig controls batch generation and augmentation
type GeneratorConfig struct {
	ImageSize       int     `yaml:"image_size"`
	BatchSize       int     `yaml:"batch_size"`
	ValidationSplit float64 `yaml:"validation_split"`
	RotationRange   float64 `yaml:"rotation_range"` // degrees
	ZoomRange       float64 `yaml:"zoom_range"`
	HorizontalFlip  bool    `yaml:"horizontal_flip"`
	Seed            int64   `yaml:"seed"`
	CacheSize       int     `yaml:"cache_size"` // decoded images kept in memory
	Workers         int     `yaml:"workers"`    // parallel decoders, 0 means GOMAXPROCS
}

// ModelConfig controls the classifier composition
type ModelConfig struct {
	Backbone           string  `yaml:"backbone"` // registered backbone name
	BackboneWeightsDir string  `yaml:"backbone_weights_dir"`
	DropoutRate        float64 `yaml:"dropout_rate"`
	TrainableTail      int     `yaml:"trainable_tail"` // backbone layers left trainable, counted from the top
	LearningRate       float64 `yaml:"learning_rate"`
}

// TrainingConfig controls the fit loop and the artifact location
type TrainingConfig struct {
	Epochs        int    `yaml:"epochs"`
	ArtifactPath  string `yaml:"artifact_path"`
	HistoryReport string `yaml:"history_report"` // empty disables the HTML report
	ProgressBar   bool   `yaml:"progress_bar"`
}

// EvaluationConfig controls the evaluation pass
type EvaluationConfig struct {
	ConfusionMatrixPath string  `yaml:"confusion_matrix_path"`
	Threshold           float64 `yaml:"threshold"`
}

// ServeConfig configures the HTTP prediction endpoint
type ServeConfig struct {
	Addr           string `yaml:"addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Dataset: DatasetConfig{
			ID:            "shaunthesheep/microsoft-catsvsdogs-dataset",
			RawDir:        filepath.Join("data", "raw"),
			ExtractSubdir: "PetImages",
			ProcessedDir:  filepath.Join("data", "processed", "cat-dog-split"),
			Classes:       []string{"Cat", "Dog"},
			Extensions:    []string{".jpg", ".jpeg", ".png", ".bmp"},
		},
		Kaggle: KaggleConfig{
			BaseURL: "https://www.kaggle.com/api/v1",
		},
		Split: SplitConfig{
			Seed:       42,
			TrainRatio: 0.8,
		},
		Generator: GeneratorConfig{
			ImageSize:       150,
			BatchSize:       32,
			ValidationSplit: 0.2,
			RotationRange:   10,
			ZoomRange:       0.2,
			HorizontalFlip:  true,
			Seed:            42,
			CacheSize:       4096,
		},
		Model: ModelConfig{
			Backbone:           "inceptionv3-imagenet",
			BackboneWeightsDir: filepath.Join("models", "backbone"),
			DropoutRate:        0.2,
			TrainableTail:      30,
			LearningRate:       0.001,
		},
		Training: TrainingConfig{
			Epochs:        10,
			ArtifactPath:  filepath.Join("models", "model"),
			HistoryReport: filepath.Join("reports", "training_history.html"),
			ProgressBar:   true,
		},
		Evaluation: EvaluationConfig{
			ConfusionMatrixPath: "confusion_matrix.png",
			Threshold:           0.5,
		},
		Serve: ServeConfig{
			Addr:           ":5000",
			MaxUploadBytes: 10 << 20,
		},
	}
}

// Load reads a YAML file on top of Default. Keys absent from the file keep their default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values the pipeline cannot recover from
func (c *Config) Validate() error {
	if len(c.Dataset.Classes) != 2 {
		return fmt.Errorf("exactly two classes are required, got %d", len(c.Dataset.Classes))
	}
	if strings.EqualFold(c.Dataset.Classes[0], c.Dataset.Classes[1]) {
		return fmt.Errorf("class names must differ, got %q twice", c.Dataset.Classes[0])
	}
	if len(c.Dataset.Extensions) == 0 {
		return fmt.Errorf("at least one image extension is required")
	}
	if c.Split.TrainRatio <= 0 || c.Split.TrainRatio >= 1 {
		return fmt.Errorf("split.train_ratio must be in (0, 1), got %g", c.Split.TrainRatio)
	}
	if c.Generator.ValidationSplit <= 0 || c.Generator.ValidationSplit >= 1 {
		return fmt.Errorf("generator.validation_split must be in (0, 1), got %g", c.Generator.ValidationSplit)
	}
	if c.Generator.ImageSize < 75 {
		// InceptionV3 cannot reduce anything smaller to a feature map
		return fmt.Errorf("generator.image_size must be at least 75, got %d", c.Generator.ImageSize)
	}
	if c.Generator.BatchSize <= 0 {
		return fmt.Errorf("generator.batch_size must be positive, got %d", c.Generator.BatchSize)
	}
	if c.Generator.RotationRange < 0 || c.Generator.ZoomRange < 0 || c.Generator.ZoomRange >= 1 {
		return fmt.Errorf("invalid augmentation ranges: rotation=%g zoom=%g", c.Generator.RotationRange, c.Generator.ZoomRange)
	}
	if c.Model.Backbone == "" {
		return fmt.Errorf("model.backbone is required")
	}
	if c.Model.DropoutRate < 0 || c.Model.DropoutRate >= 1 {
		return fmt.Errorf("model.dropout_rate must be in [0, 1), got %g", c.Model.DropoutRate)
	}
	if c.Model.TrainableTail < 0 {
		return fmt.Errorf("model.trainable_tail cannot be negative, got %d", c.Model.TrainableTail)
	}
	if c.Model.LearningRate <= 0 {
		return fmt.Errorf("model.learning_rate must be positive, got %g", c.Model.LearningRate)
	}
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("training.epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.ArtifactPath == "" {
		return fmt.Errorf("training.artifact_path is required")
	}
	if c.Evaluation.Threshold <= 0 || c.Evaluation.Threshold >= 1 {
		return fmt.Errorf("evaluation.threshold must be in (0, 1), got %g", c.Evaluation.Threshold)
	}
	return nil
}

// ExtractedPath is the folder holding one sub-folder per class after download
func (c *Config) ExtractedPath() string {
	return filepath.Join(c.Dataset.RawDir, c.Dataset.ExtractSubdir)
}

// TrainDir is the curated training tree
func (c *Config) TrainDir() string {
	return filepath.Join(c.Dataset.ProcessedDir, "train")
}

// TestDir is the curated test tree
func (c *Config) TestDir() string {
	return filepath.Join(c.Dataset.ProcessedDir, "test")
}
