package checkpoints

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
)

func testManifest() *Manifest {
	return &Manifest{
		Backbone:      "pointwise",
		ImageSize:     8,
		Classes:       []string{"Cat", "Dog"},
		Normalization: "test/v1",
		DropoutRate:   0.2,
		TrainableTail: 30,
		Epochs:        2,
		Metrics:       map[string]float64{"val_accuracy": 0.75},
	}
}

// weightGraph returns a graph reading (creating with initial if needed) one variable
func weightGraph(initial []float32) func(ctx *context.Context, x *Node) *Node {
	return func(ctx *context.Context, x *Node) *Node {
		layerCtx := ctx.In("layer").WithInitializer(func(g *Graph, shape shapes.Shape) *Node {
			return Const(g, initial)
		})
		w := layerCtx.VariableWithShape("w", shapes.Make(x.DType(), len(initial))).ValueGraph(x.Graph())
		return Add(x, w)
	}
}

func runWeights(t *testing.T, backend backends.Backend, ctx *context.Context, initial []float32) []float32 {
	t.Helper()
	exec := context.NewExec(backend, ctx, weightGraph(initial))
	out := exec.Call(tensors.FromFlatDataAndDimensions(make([]float32, len(initial)), len(initial)))[0]
	return out.Value().([]float32)
}

// TestManifestValidate tests the required fields
func TestManifestValidate(t *testing.T) {
	if err := testManifest().Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"NoBackbone", func(m *Manifest) { m.Backbone = "" }},
		{"NoImageSize", func(m *Manifest) { m.ImageSize = 0 }},
		{"OneClass", func(m *Manifest) { m.Classes = []string{"Cat"} }},
		{"NoNormalization", func(m *Manifest) { m.Normalization = "" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := testManifest()
			test.mutate(m)
			if err := m.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	m := testManifest()
	if m.PositiveClass() != "Dog" || m.NegativeClass() != "Cat" {
		t.Errorf("Unexpected class roles: +%s -%s", m.PositiveClass(), m.NegativeClass())
	}
}

// TestReadManifestMissing tests the missing artifact error
func TestReadManifestMissing(t *testing.T) {
	_, err := ReadManifest(filepath.Join(t.TempDir(), "model"))
	if !errors.Is(err, ErrNoManifest) {
		t.Errorf("Expected ErrNoManifest, got %v", err)
	}
}

// TestSaveRestore tests that variables and manifest survive a round trip
func TestSaveRestore(t *testing.T) {
	backend := backends.NewWithConfig("go")
	dir := filepath.Join(t.TempDir(), "models", "model")

	ctx := context.New()
	saved := runWeights(t, backend, ctx, []float32{0.5, -1, 2})

	manifest := testManifest()
	if err := Save(ctx, dir, manifest); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if manifest.RunID == "" || manifest.CreatedAt.IsZero() || manifest.FormatVersion != FormatVersion {
		t.Errorf("Expected defaults to be filled, got %+v", manifest)
	}

	restoredCtx := context.New()
	restored, err := Restore(restoredCtx, dir)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.RunID != manifest.RunID || restored.Metrics["val_accuracy"] != 0.75 {
		t.Errorf("Manifest mismatch: %+v", restored)
	}

	// Restored variables already exist when the graph asks for them
	loaded := runWeights(t, backend, restoredCtx.Reuse(), []float32{9, 9, 9})
	for i := range saved {
		if saved[i] != loaded[i] {
			t.Errorf("Weight %d: saved %f, restored %f", i, saved[i], loaded[i])
		}
	}
}

// TestSaveReplaces tests that a second save replaces the first artifact wholesale
func TestSaveReplaces(t *testing.T) {
	backend := backends.NewWithConfig("go")
	dir := filepath.Join(t.TempDir(), "model")

	ctx := context.New()
	runWeights(t, backend, ctx, []float32{1, 2, 3})

	if err := Save(ctx, dir, testManifest()); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	stale := filepath.Join(dir, "stale.txt")
	if err := os.WriteFile(stale, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	second := testManifest()
	second.Epochs = 5
	if err := Save(ctx, dir, second); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("Expected previous artifact contents to be removed")
	}
	m, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.Epochs != 5 {
		t.Errorf("Expected the second manifest, got %d epochs", m.Epochs)
	}

	// No temporary directories are left behind
	entries, err := os.ReadDir(filepath.Dir(dir))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the artifact, found %d entries", len(entries))
	}
}

// TestSaveInvalidManifest tests that nothing is written for an invalid manifest
func TestSaveInvalidManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	m := testManifest()
	m.Classes = nil

	if err := Save(context.New(), dir, m); err == nil {
		t.Fatal("Expected error")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("Nothing should be written")
	}
}
