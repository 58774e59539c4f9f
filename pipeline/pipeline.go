// Package pipeline wires the configured components into the download, curate, train and
// evaluate stages and runs them in order.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gomlx/gomlx/backends"
	"k8s.io/klog/v2"

	"github.com/soumenmaity3/cnn-finetune/classifier"
	"github.com/soumenmaity3/cnn-finetune/config"
	"github.com/soumenmaity3/cnn-finetune/evaluation"
	"github.com/soumenmaity3/cnn-finetune/inference"
	"github.com/soumenmaity3/cnn-finetune/training"
	"github.com/soumenmaity3/cnn-finetune/vision/acquire"
	"github.com/soumenmaity3/cnn-finetune/vision/dataloader"
	"github.com/soumenmaity3/cnn-finetune/vision/dataset"
	"github.com/soumenmaity3/cnn-finetune/vision/preprocessing"
)

// Stage names
const (
	StageDownload = "download"
	StageCurate   = "curate"
	StageTrain    = "train"
	StageEvaluate = "evaluate"
)

// StageError identifies the stage a pipeline failure came from
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// Pipeline runs the stages of one configuration
type Pipeline struct {
	config  *config.Config
	backend backends.Backend

	// Progress receives download and training progress bars; nil disables them
	Progress io.Writer
}

// New creates a pipeline. backend is only used by the train and evaluate stages and may
// be nil for the others.
func New(cfg *config.Config, backend backends.Backend) *Pipeline {
	var progress io.Writer
	if cfg.Training.ProgressBar {
		progress = os.Stdout
	}
	return &Pipeline{config: cfg, backend: backend, Progress: progress}
}

// Download makes sure the raw dataset is on disk and returns its path
func (p *Pipeline) Download(ctx context.Context) (string, error) {
	cfg := p.config
	acquirer := acquire.NewAcquirer(acquire.Config{
		DatasetID:     cfg.Dataset.ID,
		RawDir:        cfg.Dataset.RawDir,
		ExtractSubdir: cfg.Dataset.ExtractSubdir,
		Classes:       cfg.Dataset.Classes,
		Extensions:    cfg.Dataset.Extensions,
		BaseURL:       cfg.Kaggle.BaseURL,
		ConfigDir:     cfg.Kaggle.ConfigDir,
		Progress:      p.Progress,
	})
	path, err := acquirer.EnsureDataset(ctx)
	return path, stageError(StageDownload, err)
}

// Curate prunes corrupted images under rawPath and writes the train/test split
func (p *Pipeline) Curate(rawPath string) (trainDir, testDir string, err error) {
	cfg := p.config
	curator, err := dataset.NewCurator(dataset.CuratorConfig{
		Classes:    cfg.Dataset.Classes,
		Extensions: cfg.Dataset.Extensions,
		OutputDir:  cfg.Dataset.ProcessedDir,
		Seed:       cfg.Split.Seed,
		TrainRatio: cfg.Split.TrainRatio,
		Workers:    cfg.Generator.Workers,
	})
	if err != nil {
		return "", "", stageError(StageCurate, err)
	}

	trainDir, testDir, split, err := curator.Curate(rawPath)
	if err != nil {
		return "", "", stageError(StageCurate, err)
	}
	for _, class := range split.Classes {
		train, test := split.Counts(class)
		klog.Infof("%s: %d train, %d test", class, train, test)
	}
	return trainDir, testDir, nil
}

// Train builds the generators and the classifier, fits it and saves the artifact
func (p *Pipeline) Train(trainDir, testDir string) (*training.History, error) {
	history, err := p.train(trainDir, testDir)
	return history, stageError(StageTrain, err)
}

func (p *Pipeline) train(trainDir, testDir string) (*training.History, error) {
	cfg := p.config
	if p.backend == nil {
		return nil, fmt.Errorf("no compute backend")
	}

	trainGen, valGen, _, err := dataloader.BuildGenerators(GeneratorsConfig(cfg), trainDir, testDir)
	if err != nil {
		return nil, err
	}

	backbone, err := classifier.NewBackbone(cfg.Model.Backbone, cfg.Model.BackboneWeightsDir, true)
	if err != nil {
		return nil, err
	}
	builder, err := classifier.NewBuilder(backbone, classifier.Config{
		ImageSize:     cfg.Generator.ImageSize,
		DropoutRate:   cfg.Model.DropoutRate,
		TrainableTail: cfg.Model.TrainableTail,
		LearningRate:  cfg.Model.LearningRate,
		Seed:          cfg.Generator.Seed,
	})
	if err != nil {
		return nil, err
	}
	model, err := builder.Build(p.backend)
	if err != nil {
		return nil, err
	}

	trainer, err := training.NewTrainer(model, trainGen.ClassNames(), training.Config{
		Epochs:        cfg.Training.Epochs,
		ArtifactPath:  cfg.Training.ArtifactPath,
		HistoryReport: cfg.Training.HistoryReport,
		Progress:      p.Progress,
	})
	if err != nil {
		return nil, err
	}

	history, err := trainer.FitAndSave(trainGen, valGen)
	if err != nil {
		return nil, err
	}
	klog.Infof("Cache after training: %s", trainGen.Stats())
	klog.V(1).Info(trainGen.Pool().String())
	return history, nil
}

// Evaluate scores the saved artifact on the test tree. The artifact is checked before
// the test generator or the model is built.
func (p *Pipeline) Evaluate(testDir string) (*evaluation.Report, error) {
	cfg := p.config
	if p.backend == nil {
		return nil, stageError(StageEvaluate, fmt.Errorf("no compute backend"))
	}

	evaluator, err := evaluation.NewEvaluator(evaluation.Config{
		ArtifactPath:        cfg.Training.ArtifactPath,
		ConfusionMatrixPath: cfg.Evaluation.ConfusionMatrixPath,
		Threshold:           cfg.Evaluation.Threshold,
	},
		func(path string) (evaluation.Predictor, error) {
			return inference.LoadWithBackend(p.backend, path)
		},
		func() (evaluation.BatchSource, error) {
			return dataloader.BuildTestGenerator(GeneratorsConfig(cfg), testDir)
		})
	if err != nil {
		return nil, stageError(StageEvaluate, err)
	}

	report, err := evaluator.Evaluate()
	return report, stageError(StageEvaluate, err)
}

// Run executes download, curate, train and evaluate in order, stopping at the first
// failure
func (p *Pipeline) Run(ctx context.Context) error {
	start := time.Now()

	rawPath, err := p.Download(ctx)
	if err != nil {
		return err
	}
	trainDir, testDir, err := p.Curate(rawPath)
	if err != nil {
		return err
	}
	if _, err := p.Train(trainDir, testDir); err != nil {
		return err
	}
	report, err := p.Evaluate(testDir)
	if err != nil {
		return err
	}

	klog.Infof("Pipeline finished in %s: test accuracy %.4f", time.Since(start).Round(time.Second), report.Accuracy)
	return nil
}

// GeneratorsConfig maps the configuration onto the batch generators
func GeneratorsConfig(cfg *config.Config) dataloader.GeneratorsConfig {
	return dataloader.GeneratorsConfig{
		Classes:         cfg.Dataset.Classes,
		Extensions:      cfg.Dataset.Extensions,
		ImageSize:       cfg.Generator.ImageSize,
		BatchSize:       cfg.Generator.BatchSize,
		ValidationSplit: cfg.Generator.ValidationSplit,
		Augment: preprocessing.AugmentConfig{
			RotationRange:  cfg.Generator.RotationRange,
			ZoomRange:      cfg.Generator.ZoomRange,
			HorizontalFlip: cfg.Generator.HorizontalFlip,
		},
		Seed:         cfg.Generator.Seed,
		MaxCacheSize: cfg.Generator.CacheSize,
		NumWorkers:   cfg.Generator.Workers,
	}
}
