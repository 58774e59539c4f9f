// Package evaluation scores a saved classifier on the test generator and reports a
// confusion matrix with per-class metrics.
package evaluation

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"k8s.io/klog/v2"

	"github.com/soumenmaity3/cnn-finetune/checkpoints"
	"github.com/soumenmaity3/cnn-finetune/vision/dataloader"
)

// ErrMissingArtifact is returned when no readable model artifact exists
var ErrMissingArtifact = errors.New("model artifact missing")

// DefaultThreshold separates the negative class (at or below) from the positive class.
// Thresholds must lie in (0, 1).
const DefaultThreshold = 0.5

// Predictor scores n normalized images laid out NHWC, one probability of the positive
// class per image
type Predictor interface {
	PredictBatch(images []float32, n int) ([]float32, error)
}

// BatchSource yields test batches in a fixed order
type BatchSource interface {
	Reset()
	Next() (*dataloader.Batch, error)
	ClassNames() []string
}

// ModelLoader opens the artifact at path
type ModelLoader func(path string) (Predictor, error)

// SourceFactory builds the test batch source
type SourceFactory func() (BatchSource, error)

// Config controls an evaluation run
type Config struct {
	ArtifactPath        string
	ConfusionMatrixPath string // empty skips the heat map
	Threshold           float64
}

// Evaluator runs one deterministic pass of a saved model over the test set
type Evaluator struct {
	config    Config
	loadModel ModelLoader
	openTest  SourceFactory
}

// NewEvaluator creates an evaluator. Nothing is loaded until Evaluate.
func NewEvaluator(config Config, loadModel ModelLoader, openTest SourceFactory) (*Evaluator, error) {
	if err := checkThreshold(config.Threshold); err != nil {
		return nil, err
	}
	return &Evaluator{config: config, loadModel: loadModel, openTest: openTest}, nil
}

func checkThreshold(threshold float64) error {
	if threshold <= 0 || threshold >= 1 {
		return fmt.Errorf("threshold must be in (0, 1), got %g", threshold)
	}
	return nil
}

// Evaluate checks the artifact first, then builds the test source and the model and
// scores every test image once
func (e *Evaluator) Evaluate() (*Report, error) {
	manifest, err := checkpoints.ReadManifest(e.config.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingArtifact, err)
	}

	source, err := e.openTest()
	if err != nil {
		return nil, fmt.Errorf("failed to open test set: %w", err)
	}
	if !slices.Equal(source.ClassNames(), manifest.Classes) {
		return nil, fmt.Errorf("test classes %v do not match model classes %v", source.ClassNames(), manifest.Classes)
	}

	model, err := e.loadModel(e.config.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	cm, err := Score(model, source, len(manifest.Classes), e.config.Threshold)
	if err != nil {
		return nil, err
	}

	report := NewReport(manifest.Classes, cm)
	klog.Infof("Classification report for %s:\n%s", e.config.ArtifactPath, report)

	if e.config.ConfusionMatrixPath != "" {
		if err := report.WriteHeatmap(e.config.ConfusionMatrixPath); err != nil {
			return nil, err
		}
		klog.Infof("Confusion matrix saved to %s", e.config.ConfusionMatrixPath)
	}
	return report, nil
}

// Score predicts every batch of source and accumulates a confusion matrix. A score above
// threshold predicts class 1, anything else class 0. Every batch is released once scored.
func Score(model Predictor, source BatchSource, numClasses int, threshold float64) (*ConfusionMatrix, error) {
	if err := checkThreshold(threshold); err != nil {
		return nil, err
	}
	cm := NewConfusionMatrix(numClasses)
	source.Reset()
	for {
		batch, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read test batch: %w", err)
		}
		if err := scoreBatch(model, batch, cm, threshold); err != nil {
			return nil, err
		}
	}
	return cm, nil
}

func scoreBatch(model Predictor, batch *dataloader.Batch, cm *ConfusionMatrix, threshold float64) error {
	defer batch.Release()

	scores, err := model.PredictBatch(batch.Images, batch.Size)
	if err != nil {
		return fmt.Errorf("prediction failed: %w", err)
	}
	if len(scores) != batch.Size {
		return fmt.Errorf("model returned %d scores for %d images", len(scores), batch.Size)
	}

	for i, score := range scores {
		predicted := 0
		if float64(score) > threshold {
			predicted = 1
		}
		if err := cm.Add(int(batch.Labels[i]), predicted); err != nil {
			return fmt.Errorf("%s: %w", batch.Paths[i], err)
		}
	}
	return nil
}
