// Package inference loads a saved classifier artifact and serves predictions on
// normalized images.
package inference

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"k8s.io/klog/v2"

	"github.com/soumenmaity3/cnn-finetune/checkpoints"
	"github.com/soumenmaity3/cnn-finetune/classifier"
	"github.com/soumenmaity3/cnn-finetune/vision/preprocessing"
)

// ErrNormalizationMismatch is returned when an artifact was trained on differently
// normalized images
var ErrNormalizationMismatch = errors.New("normalization version mismatch")

// Prediction is the presentation of one score
type Prediction struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	Score      float32 `json:"score"`
}

// Model is a loaded classifier. It is safe for concurrent use.
type Model struct {
	manifest *checkpoints.Manifest
	exec     *context.Exec

	mu sync.Mutex
}

// Load opens the artifact at path on the default backend
func Load(path string) (*Model, error) {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() {
		backend = backends.New()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}
	return LoadWithBackend(backend, path)
}

// LoadWithBackend rebuilds the classifier graph described by the artifact manifest and
// restores its trained variables. No pretrained weights are downloaded.
func LoadWithBackend(backend backends.Backend, path string) (*Model, error) {
	manifest, err := checkpoints.ReadManifest(path)
	if err != nil {
		return nil, err
	}
	if manifest.Normalization != preprocessing.Version {
		return nil, fmt.Errorf("%w: artifact %q, runtime %q",
			ErrNormalizationMismatch, manifest.Normalization, preprocessing.Version)
	}

	backbone, err := classifier.NewBackbone(manifest.Backbone, "", false)
	if err != nil {
		return nil, err
	}
	builder, err := classifier.NewBuilder(backbone, classifier.Config{
		ImageSize:     manifest.ImageSize,
		DropoutRate:   manifest.DropoutRate,
		TrainableTail: manifest.TrainableTail,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}

	ctx := context.New()
	if _, err := checkpoints.Restore(ctx, path); err != nil {
		return nil, err
	}
	ctx = ctx.Checked(false)

	var exec *context.Exec
	err = exceptions.TryCatch[error](func() {
		exec = context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
			return builder.Probabilities(ctx, images)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build inference graph: %w", err)
	}

	klog.Infof("Loaded %s classifier (%s vs %s, %dx%d) from %s",
		manifest.Backbone, manifest.NegativeClass(), manifest.PositiveClass(),
		manifest.ImageSize, manifest.ImageSize, path)
	return &Model{manifest: manifest, exec: exec}, nil
}

// Manifest returns the artifact description
func (m *Model) Manifest() checkpoints.Manifest {
	return *m.manifest
}

// ImageSize is the square input size the model expects
func (m *Model) ImageSize() int {
	return m.manifest.ImageSize
}

// Classes returns the class names in label order
func (m *Model) Classes() []string {
	return append([]string(nil), m.manifest.Classes...)
}

// Predict scores one normalized HWC image, returning the probability of the positive
// class
func (m *Model) Predict(pixels []float32) (float32, error) {
	scores, err := m.PredictBatch(pixels, 1)
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// PredictBatch scores n normalized images laid out NHWC
func (m *Model) PredictBatch(images []float32, n int) ([]float32, error) {
	size := m.manifest.ImageSize
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}
	if want := n * preprocessing.TensorSize(size); len(images) != want {
		return nil, fmt.Errorf("expected %d values for %d images of %dx%d, got %d",
			want, n, size, size, len(images))
	}

	input := tensors.FromFlatDataAndDimensions(images, n, size, size, preprocessing.Channels)

	var output *tensors.Tensor
	m.mu.Lock()
	err := exceptions.TryCatch[error](func() {
		output = m.exec.Call(input)[0]
	})
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	scores, ok := output.Value().([]float32)
	if !ok || len(scores) != n {
		return nil, fmt.Errorf("unexpected model output %s", output.Shape())
	}
	return scores, nil
}

// PredictImage normalizes a decoded image and classifies it
func (m *Model) PredictImage(img image.Image) (Prediction, error) {
	score, err := m.Predict(preprocessing.Normalize(img, m.manifest.ImageSize))
	if err != nil {
		return Prediction{}, err
	}
	return m.Classify(score), nil
}

// Classify maps a score to a class name. Confidence is max(score, 1-score) and is not a
// calibrated probability.
func (m *Model) Classify(score float32) Prediction {
	if score > 0.5 {
		return Prediction{Class: m.manifest.PositiveClass(), Confidence: score, Score: score}
	}
	return Prediction{Class: m.manifest.NegativeClass(), Confidence: 1 - score, Score: score}
}
