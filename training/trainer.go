// Package training runs the epoch loop of a compiled classifier and saves the fitted
// artifact.
package training

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/types/tensors"
	"k8s.io/klog/v2"

	"github.com/soumenmaity3/cnn-finetune/checkpoints"
	"github.com/soumenmaity3/cnn-finetune/classifier"
	"github.com/soumenmaity3/cnn-finetune/vision/preprocessing"
)

// ErrNoSteps is returned when a generator cannot fill a single batch
var ErrNoSteps = errors.New("generator yields no full batch")

// Generator is a batch source with a known number of steps per pass
type Generator interface {
	train.Dataset
	Steps() int
	Samples() int
}

// Config controls the fit loop
type Config struct {
	Epochs        int
	ArtifactPath  string
	HistoryReport string    // empty disables the HTML report
	Progress      io.Writer // step progress bars; nil disables them
}

// Trainer fits a compiled classifier and persists it
type Trainer struct {
	model   *classifier.Compiled
	classes []string
	config  Config
}

// NewTrainer creates a trainer. classes are in label order.
func NewTrainer(model *classifier.Compiled, classes []string, config Config) (*Trainer, error) {
	if model == nil {
		return nil, fmt.Errorf("compiled model is required")
	}
	if len(classes) != 2 {
		return nil, fmt.Errorf("expected two classes, got %v", classes)
	}
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	return &Trainer{model: model, classes: classes, config: config}, nil
}

// Fit runs the configured number of epochs. Each epoch resets the training generator,
// runs one step per full batch and then evaluates the whole validation generator.
func (t *Trainer) Fit(trainSet, valSet Generator) (*History, error) {
	if trainSet.Steps() == 0 {
		return nil, fmt.Errorf("%s: %d samples: %w", trainSet.Name(), trainSet.Samples(), ErrNoSteps)
	}
	if valSet.Steps() == 0 {
		return nil, fmt.Errorf("%s: %d samples: %w", valSet.Name(), valSet.Samples(), ErrNoSteps)
	}

	klog.Infof("Training for %d epochs: %d steps per epoch, %d validation steps",
		t.config.Epochs, trainSet.Steps(), valSet.Steps())

	history := &History{}
	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		start := time.Now()

		loss, acc, err := t.trainEpoch(trainSet, epoch)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		valLoss, valAcc, err := t.evaluate(valSet)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		stats := EpochStats{
			Epoch:         epoch,
			TrainLoss:     loss,
			TrainAccuracy: acc,
			ValLoss:       valLoss,
			ValAccuracy:   valAcc,
			Duration:      time.Since(start),
		}
		history.Add(stats)
		logEpochSummary(stats, t.config.Epochs)
	}
	return history, nil
}

// FitAndSave fits the classifier and saves the artifact, replacing any previous one.
// Nothing is written when fitting fails.
func (t *Trainer) FitAndSave(trainSet, valSet Generator) (*History, error) {
	history, err := t.Fit(trainSet, valSet)
	if err != nil {
		return nil, err
	}

	cfg := t.model.Builder.Config()
	manifest := &checkpoints.Manifest{
		Backbone:      t.model.Builder.Backbone().Name(),
		ImageSize:     cfg.ImageSize,
		Classes:       t.classes,
		Normalization: preprocessing.Version,
		DropoutRate:   cfg.DropoutRate,
		TrainableTail: cfg.TrainableTail,
		Epochs:        history.Len(),
		Metrics:       history.FinalMetrics(),
	}
	if err := checkpoints.Save(t.model.Context, t.config.ArtifactPath, manifest); err != nil {
		return nil, err
	}

	if t.config.HistoryReport != "" {
		if err := history.WriteReport(t.config.HistoryReport); err != nil {
			// The artifact is already saved, a missing chart is not worth failing the run
			klog.Warningf("Failed to write training history: %v", err)
		} else {
			klog.Infof("Training history written to %s", t.config.HistoryReport)
		}
	}
	return history, nil
}

func (t *Trainer) trainEpoch(ds Generator, epoch int) (loss, accuracy float64, err error) {
	ds.Reset()
	trainer := t.model.Trainer
	accIndex := metricIndex(trainer.TrainMetrics(), classifier.TrainAccuracy)

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(fmt.Sprintf("Epoch %d/%d", epoch, t.config.Epochs), ds.Steps(), t.config.Progress)
	}

	var total float64
	steps := 0
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("%s step %d: %w", ds.Name(), steps, err)
		}

		var results []*tensors.Tensor
		err = exceptions.TryCatch[error](func() {
			results = trainer.TrainStep(spec, inputs, labels)
		})
		if err != nil {
			return 0, 0, fmt.Errorf("train step %d: %w", steps, err)
		}

		total += scalarValue(results[0])
		steps++
		if accIndex >= 0 {
			accuracy = scalarValue(results[accIndex])
		}
		bar.Update(steps, map[string]float64{"loss": total / float64(steps), "acc": accuracy})
	}
	bar.Finish()

	if steps == 0 {
		return 0, 0, fmt.Errorf("%s: %w", ds.Name(), ErrNoSteps)
	}
	return total / float64(steps), accuracy, nil
}

func (t *Trainer) evaluate(ds Generator) (loss, accuracy float64, err error) {
	ds.Reset()
	trainer := t.model.Trainer

	var results []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		results = trainer.Eval(ds)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("evaluating %s: %w", ds.Name(), err)
	}

	loss = scalarValue(results[0])
	if i := metricIndex(trainer.EvalMetrics(), classifier.EvalAccuracy); i >= 0 {
		accuracy = scalarValue(results[i])
	}
	return loss, accuracy, nil
}

// metricIndex finds a metric by short name, -1 if absent
func metricIndex(list []metrics.Interface, shortName string) int {
	for i, m := range list {
		if m.ShortName() == shortName {
			return i
		}
	}
	return -1
}

func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return math.NaN()
	}
}

// StdoutProgress returns the writer progress bars use when enabled from configuration
func StdoutProgress(enabled bool) io.Writer {
	if !enabled {
		return nil
	}
	return os.Stdout
}
