package dataset

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/soumenmaity3/cnn-finetune/vision/preprocessing"
)

// ValidateOrDiscard fully decodes the image at path. A file that cannot be decoded, or
// decodes to an empty image, is deleted and reported as false. Errors reading the file
// are returned instead, since they say nothing about the image itself.
func ValidateOrDiscard(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if _, err := preprocessing.DecodeBytes(data); err != nil {
		klog.Warningf("Deleting corrupted image %s: %v", path, err)
		if err := os.Remove(path); err != nil {
			return false, fmt.Errorf("failed to delete corrupted image %s: %w", path, err)
		}
		return false, nil
	}
	return true, nil
}

// Partition shuffles names with a fresh source seeded by seed and cuts the result at
// int(len(names)*ratio). The input is sorted first, so the result only depends on the set
// of names, the seed and the ratio. names is not modified.
func Partition(names []string, seed int64, ratio float64) (train, test []string) {
	shuffled := append([]string(nil), names...)
	sort.Strings(shuffled)

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	cut := int(float64(len(shuffled)) * ratio)
	return shuffled[:cut], shuffled[cut:]
}

// Split is the per-class train/test partition of a curated dataset
type Split struct {
	Classes []string
	Train   map[string][]string // class -> file names
	Test    map[string][]string
}

// Counts returns the number of training and test images of class
func (s *Split) Counts(class string) (train, test int) {
	return len(s.Train[class]), len(s.Test[class])
}

// CuratorConfig configures dataset curation
type CuratorConfig struct {
	Classes    []string
	Extensions []string
	OutputDir  string  // receives train/<class> and test/<class>
	Seed       int64   // shuffle seed, a fresh source per class
	TrainRatio float64 // fraction of each class kept for training
	Workers    int     // parallel validators and copiers, 0 means GOMAXPROCS
}

// Curator removes corrupted images from a raw dataset and writes a deterministic
// train/test copy of it
type Curator struct {
	config CuratorConfig
}

// NewCurator creates a curator
func NewCurator(config CuratorConfig) (*Curator, error) {
	if len(config.Classes) == 0 {
		return nil, fmt.Errorf("no classes configured")
	}
	if config.TrainRatio <= 0 || config.TrainRatio >= 1 {
		return nil, fmt.Errorf("train ratio must be in (0, 1), got %g", config.TrainRatio)
	}
	if config.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if config.Workers <= 0 {
		config.Workers = runtime.GOMAXPROCS(0)
	}
	return &Curator{config: config}, nil
}

// Curate validates every image under rawPath/<class>, partitions the survivors and
// copies them into a fresh OutputDir tree. Nothing is written when a class turns out to
// be missing or empty.
func (c *Curator) Curate(rawPath string) (trainDir, testDir string, split *Split, err error) {
	split = &Split{
		Classes: append([]string(nil), c.config.Classes...),
		Train:   make(map[string][]string),
		Test:    make(map[string][]string),
	}

	for _, class := range c.config.Classes {
		classDir := filepath.Join(rawPath, class)
		names, err := c.prune(classDir)
		if err != nil {
			return "", "", nil, err
		}
		if len(names) == 0 {
			return "", "", nil, fmt.Errorf("%s: %w", classDir, ErrEmptyClass)
		}

		train, test := Partition(names, c.config.Seed, c.config.TrainRatio)
		if len(train) == 0 || len(test) == 0 {
			return "", "", nil, fmt.Errorf("%s has %d images, ratio %g leaves %d/%d: %w",
				class, len(names), c.config.TrainRatio, len(train), len(test), ErrEmptySplit)
		}
		split.Train[class] = train
		split.Test[class] = test
		klog.Infof("%s: %d valid images, %d train / %d test", class, len(names), len(train), len(test))
	}

	trainDir = filepath.Join(c.config.OutputDir, "train")
	testDir = filepath.Join(c.config.OutputDir, "test")

	if err := os.RemoveAll(c.config.OutputDir); err != nil {
		return "", "", nil, fmt.Errorf("failed to clear %s: %w", c.config.OutputDir, err)
	}

	for _, class := range split.Classes {
		src := filepath.Join(rawPath, class)
		if err := c.copyAll(src, filepath.Join(trainDir, class), split.Train[class]); err != nil {
			return "", "", nil, err
		}
		if err := c.copyAll(src, filepath.Join(testDir, class), split.Test[class]); err != nil {
			return "", "", nil, err
		}
	}

	klog.Infof("Curated dataset written to %s", c.config.OutputDir)
	return trainDir, testDir, split, nil
}

// prune validates every image of a class folder and returns the sorted survivors
func (c *Curator) prune(classDir string) ([]string, error) {
	names, err := ListImages(classDir, c.config.Extensions)
	if err != nil {
		return nil, err
	}

	valid := make([]bool, len(names))
	var g errgroup.Group
	g.SetLimit(c.config.Workers)
	for i, name := range names {
		g.Go(func() error {
			ok, err := ValidateOrDiscard(filepath.Join(classDir, name))
			valid[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	survivors := names[:0:0]
	for i, name := range names {
		if valid[i] {
			survivors = append(survivors, name)
		}
	}
	if removed := len(names) - len(survivors); removed > 0 {
		klog.Warningf("Removed %d corrupted images from %s", removed, classDir)
	}
	return survivors, nil
}

func (c *Curator) copyAll(srcDir, dstDir string, names []string) error {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dstDir, err)
	}

	var g errgroup.Group
	g.SetLimit(c.config.Workers)
	for _, name := range names {
		g.Go(func() error {
			return copyFile(filepath.Join(srcDir, name), filepath.Join(dstDir, name))
		})
	}
	return g.Wait()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
