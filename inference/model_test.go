package inference

import (
	"errors"
	"image"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soumenmaity3/cnn-finetune/checkpoints"
	"github.com/soumenmaity3/cnn-finetune/classifier"
	"github.com/soumenmaity3/cnn-finetune/vision/preprocessing"
)

const testImageSize = 16

// saveTestArtifact initializes a pointwise classifier, saves it and returns the score it
// gives a black image before saving
func saveTestArtifact(t *testing.T, backend backends.Backend, dir, normalization string) float32 {
	t.Helper()
	backbone, err := classifier.NewBackbone(classifier.PointwiseName, "", false)
	require.NoError(t, err)
	builder, err := classifier.NewBuilder(backbone, classifier.Config{ImageSize: testImageSize, TrainableTail: 1})
	require.NoError(t, err)

	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return builder.Probabilities(ctx, images)
	})
	black := preprocessing.Normalize(image.NewRGBA(image.Rect(0, 0, 150, 150)), testImageSize)
	out := exec.Call(tensors.FromFlatDataAndDimensions(black, 1, testImageSize, testImageSize, 3))[0]
	score := out.Value().([]float32)[0]

	require.NoError(t, checkpoints.Save(ctx, dir, &checkpoints.Manifest{
		Backbone:      classifier.PointwiseName,
		ImageSize:     testImageSize,
		Classes:       []string{"Cat", "Dog"},
		Normalization: normalization,
		TrainableTail: 1,
		Epochs:        1,
	}))
	return score
}

func TestLoadAndPredictBlackImage(t *testing.T) {
	backend := backends.NewWithConfig("go")
	dir := filepath.Join(t.TempDir(), "model")
	want := saveTestArtifact(t, backend, dir, preprocessing.Version)

	first, err := LoadWithBackend(backend, dir)
	require.NoError(t, err)
	second, err := LoadWithBackend(backend, dir)
	require.NoError(t, err)

	black := image.NewRGBA(image.Rect(0, 0, 150, 150))
	p1, err := first.PredictImage(black)
	require.NoError(t, err)
	p2, err := second.PredictImage(black)
	require.NoError(t, err)

	assert.Equal(t, p1, p2, "same artifact must give the same score")
	assert.InDelta(t, want, p1.Score, 1e-5, "restored weights must match the saved ones")
	assert.Greater(t, p1.Score, float32(0))
	assert.Less(t, p1.Score, float32(1))

	// Repeated calls on one handle are stable too
	for i := 0; i < 4; i++ {
		again, err := first.PredictImage(black)
		require.NoError(t, err)
		assert.Equal(t, p1, again, "call %d", i+2)
	}

	assert.Equal(t, testImageSize, first.ImageSize())
	assert.Equal(t, []string{"Cat", "Dog"}, first.Classes())
	assert.Equal(t, classifier.PointwiseName, first.Manifest().Backbone)
}

func TestPredictBatch(t *testing.T) {
	backend := backends.NewWithConfig("go")
	dir := filepath.Join(t.TempDir(), "model")
	saveTestArtifact(t, backend, dir, preprocessing.Version)

	model, err := LoadWithBackend(backend, dir)
	require.NoError(t, err)

	single := preprocessing.TensorSize(testImageSize)
	batch := make([]float32, 3*single)
	for i := range batch[single:] {
		batch[single+i] = 1
	}

	scores, err := model.PredictBatch(batch, 3)
	require.NoError(t, err)
	require.Len(t, scores, 3)

	alone, err := model.Predict(batch[:single])
	require.NoError(t, err)
	assert.InDelta(t, alone, scores[0], 1e-5, "batching must not change a score")
	assert.InDelta(t, scores[1], scores[2], 1e-6)

	_, err = model.PredictBatch(batch[:single+1], 1)
	assert.Error(t, err)
	_, err = model.PredictBatch(nil, 0)
	assert.Error(t, err)
}

func TestLoadFailures(t *testing.T) {
	backend := backends.NewWithConfig("go")

	_, err := LoadWithBackend(backend, filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, checkpoints.ErrNoManifest))

	dir := filepath.Join(t.TempDir(), "model")
	saveTestArtifact(t, backend, dir, "rgb/other/v0")
	_, err = LoadWithBackend(backend, dir)
	assert.True(t, errors.Is(err, ErrNormalizationMismatch))
}

func TestClassify(t *testing.T) {
	m := &Model{manifest: &checkpoints.Manifest{Classes: []string{"Cat", "Dog"}}}

	tests := []struct {
		score      float32
		class      string
		confidence float32
	}{
		{0.9, "Dog", 0.9},
		{0.2, "Cat", 0.8},
		{0.5, "Cat", 0.5},
	}
	for _, test := range tests {
		p := m.Classify(test.score)
		assert.Equal(t, test.class, p.Class)
		assert.InDelta(t, test.confidence, p.Confidence, 1e-6)
		assert.Equal(t, test.score, p.Score)
	}
}
