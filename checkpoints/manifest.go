package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ManifestFile is the name of the manifest inside an artifact directory
const ManifestFile = "manifest.json"

// FormatVersion identifies the artifact layout
const FormatVersion = "1"

// ErrNoManifest is returned when an artifact directory has no manifest
var ErrNoManifest = errors.New("model manifest not found")

// Manifest describes a trained classifier artifact. Everything needed to rebuild the
// graph before restoring its variables is recorded here.
type Manifest struct {
	FormatVersion string    `json:"format_version"`
	RunID         string    `json:"run_id"`
	CreatedAt     time.Time `json:"created_at"`

	Backbone      string   `json:"backbone"`
	ImageSize     int      `json:"image_size"`
	Classes       []string `json:"classes"` // label order: Classes[1] is the positive class
	Normalization string   `json:"normalization"`
	DropoutRate   float64  `json:"dropout_rate"`
	TrainableTail int      `json:"trainable_tail"`

	Epochs  int                `json:"epochs"`
	Metrics map[string]float64 `json:"metrics,omitempty"` // final epoch metrics
}

// Validate checks that the manifest can drive a model rebuild
func (m *Manifest) Validate() error {
	if m.Backbone == "" {
		return fmt.Errorf("manifest has no backbone")
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("manifest has invalid image size %d", m.ImageSize)
	}
	if len(m.Classes) != 2 {
		return fmt.Errorf("manifest must list two classes, got %v", m.Classes)
	}
	if m.Normalization == "" {
		return fmt.Errorf("manifest has no normalization version")
	}
	return nil
}

// PositiveClass returns the class predicted for scores above the threshold
func (m *Manifest) PositiveClass() string {
	return m.Classes[1]
}

// NegativeClass returns the class predicted for scores at or below the threshold
func (m *Manifest) NegativeClass() string {
	return m.Classes[0]
}

// ReadManifest loads the manifest of the artifact at dir. ErrNoManifest is returned when
// the directory or the file does not exist.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dir, ErrNoManifest)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// writeManifest writes the manifest as indented JSON
func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
