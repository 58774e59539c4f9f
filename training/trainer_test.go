package training

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/soumenmaity3/cnn-finetune/checkpoints"
	"github.com/soumenmaity3/cnn-finetune/classifier"
	"github.com/soumenmaity3/cnn-finetune/vision/dataloader"
	"github.com/soumenmaity3/cnn-finetune/vision/preprocessing"
)

// emptyGenerator never yields a batch
type emptyGenerator struct{ samples int }

func (g *emptyGenerator) Name() string { return "empty" }
func (g *emptyGenerator) Reset()       {}
func (g *emptyGenerator) Steps() int   { return 0 }
func (g *emptyGenerator) Samples() int { return g.samples }
func (g *emptyGenerator) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	return nil, nil, nil, io.EOF
}

// writeClassImage writes a flat image, dark for Cat and bright for Dog
func writeClassImage(t *testing.T, path string, bright bool, i int) {
	t.Helper()
	shade := uint8(20 + i*5)
	if bright {
		shade = 230 - uint8(i*5)
	}
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{shade, shade, shade, 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

func buildTestGenerators(t *testing.T) (train, val *dataloader.Generator) {
	t.Helper()
	root := t.TempDir()
	counts := map[string]int{"train": 8, "test": 2}
	for split, n := range counts {
		for _, class := range []string{"Cat", "Dog"} {
			dir := filepath.Join(root, split, class)
			if err := os.MkdirAll(dir, 0755); err != nil {
				t.Fatalf("Failed to create %s: %v", dir, err)
			}
			for i := 0; i < n; i++ {
				writeClassImage(t, filepath.Join(dir, fmt.Sprintf("%d.png", i)), class == "Dog", i)
			}
		}
	}

	train, val, _, err := dataloader.BuildGenerators(dataloader.GeneratorsConfig{
		Classes:         []string{"Cat", "Dog"},
		ImageSize:       8,
		BatchSize:       2,
		ValidationSplit: 0.25,
		Augment:         preprocessing.AugmentConfig{HorizontalFlip: true},
		Seed:            42,
	}, filepath.Join(root, "train"), filepath.Join(root, "test"))
	if err != nil {
		t.Fatalf("Failed to build generators: %v", err)
	}
	return train, val
}

func compileTestModel(t *testing.T) *classifier.Compiled {
	t.Helper()
	backbone, err := classifier.NewBackbone(classifier.PointwiseName, "", false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	builder, err := classifier.NewBuilder(backbone, classifier.Config{
		ImageSize:     8,
		TrainableTail: 1,
		LearningRate:  0.01,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	model, err := builder.Build(backends.NewWithConfig("go"))
	if err != nil {
		t.Fatalf("Failed to compile: %v", err)
	}
	return model
}

// TestNewTrainer tests configuration checks
func TestNewTrainer(t *testing.T) {
	model := &classifier.Compiled{}
	if _, err := NewTrainer(nil, []string{"Cat", "Dog"}, Config{Epochs: 1}); err == nil {
		t.Error("Expected error for missing model")
	}
	if _, err := NewTrainer(model, []string{"Cat"}, Config{Epochs: 1}); err == nil {
		t.Error("Expected error for one class")
	}
	if _, err := NewTrainer(model, []string{"Cat", "Dog"}, Config{}); err == nil {
		t.Error("Expected error for zero epochs")
	}
}

// TestFitNoSteps tests that a generator without a full batch fails before any step
func TestFitNoSteps(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "model")
	trainer, err := NewTrainer(&classifier.Compiled{}, []string{"Cat", "Dog"}, Config{Epochs: 1, ArtifactPath: artifact})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err = trainer.FitAndSave(&emptyGenerator{samples: 3}, &emptyGenerator{})
	if !errors.Is(err, ErrNoSteps) {
		t.Fatalf("Expected ErrNoSteps, got %v", err)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Error("No artifact should be written after a failed fit")
	}
}

// TestFitAndSave runs a tiny fit end to end and checks the saved artifact
func TestFitAndSave(t *testing.T) {
	train, val := buildTestGenerators(t)
	model := compileTestModel(t)

	dir := t.TempDir()
	artifact := filepath.Join(dir, "models", "model")
	report := filepath.Join(dir, "reports", "history.html")
	var progress bytes.Buffer

	trainer, err := NewTrainer(model, train.ClassNames(), Config{
		Epochs:        2,
		ArtifactPath:  artifact,
		HistoryReport: report,
		Progress:      &progress,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	history, err := trainer.FitAndSave(train, val)
	if err != nil {
		t.Fatalf("FitAndSave failed: %v", err)
	}

	if history.Len() != 2 {
		t.Fatalf("Expected 2 epochs, got %d", history.Len())
	}
	for _, e := range history.Epochs {
		for name, v := range map[string]float64{"loss": e.TrainLoss, "val_loss": e.ValLoss} {
			if math.IsNaN(v) || v <= 0 {
				t.Errorf("Epoch %d: invalid %s %f", e.Epoch, name, v)
			}
		}
		for name, v := range map[string]float64{"accuracy": e.TrainAccuracy, "val_accuracy": e.ValAccuracy} {
			if v < 0 || v > 1 {
				t.Errorf("Epoch %d: %s out of range: %f", e.Epoch, name, v)
			}
		}
	}

	manifest, err := checkpoints.ReadManifest(artifact)
	if err != nil {
		t.Fatalf("Artifact not readable: %v", err)
	}
	if manifest.Backbone != classifier.PointwiseName || manifest.ImageSize != 8 || manifest.Epochs != 2 {
		t.Errorf("Unexpected manifest: %+v", manifest)
	}
	if manifest.Normalization != preprocessing.Version {
		t.Errorf("Expected normalization %q, got %q", preprocessing.Version, manifest.Normalization)
	}
	if _, ok := manifest.Metrics["val_accuracy"]; !ok {
		t.Error("Expected final metrics in the manifest")
	}

	if _, err := os.Stat(report); err != nil {
		t.Errorf("Expected history report: %v", err)
	}
	if !strings.Contains(progress.String(), "Epoch 2/2") {
		t.Error("Expected progress output for the last epoch")
	}
}
