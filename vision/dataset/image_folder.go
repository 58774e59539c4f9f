package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExtensions are the image extensions recognized when none are configured
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}

// IsImageFile reports whether name carries one of the extensions, case-insensitively
func IsImageFile(name string, extensions []string) bool {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// ListImages returns the sorted base names of the image files directly inside dir.
// Sub-directories and files with other extensions are ignored.
func ListImages(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dir, ErrMissingClass)
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !IsImageFile(entry.Name(), extensions) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from root/<class>/<image> for the given classes.
// Labels follow the alphabetical order of the class names; within a class images are
// sorted by name. Folders under root that are not in classes are an error, as is a class
// without images.
func NewImageFolderDataset(root string, classes []string, extensions []string) (*ImageFolderDataset, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("no classes given for %s", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset root %s: %w", root, err)
	}

	wanted := make(map[string]bool, len(classes))
	for _, c := range classes {
		wanted[c] = true
	}
	for _, entry := range entries {
		if entry.IsDir() && !wanted[entry.Name()] {
			return nil, fmt.Errorf("unexpected class folder %q in %s (expected %v)", entry.Name(), root, classes)
		}
	}

	classNames := append([]string(nil), classes...)
	sort.Strings(classNames)

	dataset := &ImageFolderDataset{
		root:       root,
		classNames: classNames,
		classToIdx: make(map[string]int, len(classNames)),
	}

	for classIdx, className := range classNames {
		dataset.classToIdx[className] = classIdx

		classDir := filepath.Join(root, className)
		names, err := ListImages(classDir, extensions)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("%s: %w", classDir, ErrEmptyClass)
		}

		for _, name := range names {
			dataset.imagePaths = append(dataset.imagePaths, filepath.Join(classDir, name))
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	return dataset, nil
}

// Root returns the directory the dataset was read from
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Paths returns the image paths in dataset order
func (d *ImageFolderDataset) Paths() []string {
	return d.imagePaths
}

// Labels returns the labels in dataset order
func (d *ImageFolderDataset) Labels() []int {
	return d.labels
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the class names in label order
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the number of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// HoldOut splits off a validation subset the way directory generators with a
// validation split do: per class, the first int(n*fraction) images in sorted order are
// held out and the remainder is kept for training. Both results preserve dataset order.
func (d *ImageFolderDataset) HoldOut(fraction float64) (train, held *ImageFolderDataset) {
	counts := make([]int, len(d.classNames))
	for _, label := range d.labels {
		counts[label]++
	}

	seen := make([]int, len(d.classNames))
	var trainIdx, heldIdx []int
	for i, label := range d.labels {
		if seen[label] < int(float64(counts[label])*fraction) {
			heldIdx = append(heldIdx, i)
		} else {
			trainIdx = append(trainIdx, i)
		}
		seen[label]++
	}

	return d.Subset(trainIdx), d.Subset(heldIdx)
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		root:       d.root,
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}

	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}

	return subset
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}

	return sb.String()
}
