package dataset

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Manifest describes a raw dataset: one folder per class under Root
type Manifest struct {
	Root    string
	Classes []string
	Counts  map[string]int // recognized image files per class
	Missing []string       // classes whose folder does not exist
}

// Scan counts the recognized images of every class under root. A missing class folder
// is recorded in Missing rather than failing the scan.
func Scan(root string, classes []string, extensions []string) (*Manifest, error) {
	m := &Manifest{
		Root:    root,
		Classes: append([]string(nil), classes...),
		Counts:  make(map[string]int, len(classes)),
	}

	for _, class := range classes {
		names, err := ListImages(filepath.Join(root, class), extensions)
		if err != nil {
			if errors.Is(err, ErrMissingClass) {
				m.Missing = append(m.Missing, class)
				m.Counts[class] = 0
				continue
			}
			return nil, err
		}
		m.Counts[class] = len(names)
	}

	return m, nil
}

// Complete reports whether every class folder exists and holds at least one image
func (m *Manifest) Complete() bool {
	return m.Validate() == nil
}

// Validate returns ErrMissingClass or ErrEmptyClass for the first offending class
func (m *Manifest) Validate() error {
	if len(m.Missing) > 0 {
		return fmt.Errorf("%s: %w", filepath.Join(m.Root, m.Missing[0]), ErrMissingClass)
	}
	for _, class := range m.Classes {
		if m.Counts[class] == 0 {
			return fmt.Errorf("%s: %w", filepath.Join(m.Root, class), ErrEmptyClass)
		}
	}
	return nil
}

// Total returns the number of images over all classes
func (m *Manifest) Total() int {
	total := 0
	for _, n := range m.Counts {
		total += n
	}
	return total
}

// Summary returns a one-line summary of the dataset
func (m *Manifest) Summary() string {
	parts := make([]string, 0, len(m.Classes))
	for _, class := range m.Classes {
		parts = append(parts, fmt.Sprintf("%d %s", m.Counts[class], class))
	}
	return fmt.Sprintf("%s: %d total images (%s)", m.Root, m.Total(), strings.Join(parts, ", "))
}
