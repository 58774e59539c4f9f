package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// writeTestImage writes a small valid PNG
func writeTestImage(t *testing.T, path string, shade uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{shade, uint8(x * 16), uint8(y * 16), 255})
		}
	}

	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

// createRawDataset creates root/<class>/<class>_<i>.png for every class
func createRawDataset(t *testing.T, counts map[string]int) string {
	t.Helper()
	root := t.TempDir()
	for class, n := range counts {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create class directory %s: %v", dir, err)
		}
		for i := 0; i < n; i++ {
			writeTestImage(t, filepath.Join(dir, fmt.Sprintf("%s_%d.png", class, i)), uint8(i))
		}
	}
	return root
}
