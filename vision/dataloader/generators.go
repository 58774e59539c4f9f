package dataloader

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/soumenmaity3/cnn-finetune/vision/dataset"
	"github.com/soumenmaity3/cnn-finetune/vision/preprocessing"
)

// GeneratorsConfig configures the train, validation and test generators
type GeneratorsConfig struct {
	Classes         []string
	Extensions      []string
	ImageSize       int
	BatchSize       int
	ValidationSplit float64
	Augment         preprocessing.AugmentConfig
	Seed            int64
	MaxCacheSize    int // images; 0 caches every train and validation image
	NumWorkers      int
}

// BuildGenerators creates the three generators of a curated tree. Train and validation
// read trainDir and share one image cache; the validation subset is held out per class.
// Only the train generator shuffles and augments. Train and validation drop their last
// partial batch, the test generator covers every image exactly once.
func BuildGenerators(config GeneratorsConfig, trainDir, testDir string) (train, val, test *Generator, err error) {
	trainSet, err := dataset.NewImageFolderDataset(trainDir, config.Classes, config.Extensions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", ErrMalformedTree, err)
	}
	trainSubset, valSubset := trainSet.HoldOut(config.ValidationSplit)
	if valSubset.Len() == 0 {
		return nil, nil, nil, fmt.Errorf("%w: validation split %g of %s leaves no images",
			ErrMalformedTree, config.ValidationSplit, trainDir)
	}

	cacheSize := config.MaxCacheSize
	if cacheSize == 0 {
		cacheSize = trainSet.Len()
	}
	shared := NewCacheManager(cacheSize)

	base := Config{
		BatchSize:    config.BatchSize,
		ImageSize:    config.ImageSize,
		Seed:         config.Seed,
		NumWorkers:   config.NumWorkers,
		CacheManager: shared,
		BufferPool:   NewBufferPool(),
	}

	trainConfig := base
	trainConfig.Shuffle = true
	trainConfig.DropRemainder = true
	trainConfig.Augment = config.Augment
	if train, err = NewGenerator("train", trainSubset, trainConfig); err != nil {
		return nil, nil, nil, err
	}

	valConfig := base
	valConfig.DropRemainder = true
	if val, err = NewGenerator("validation", valSubset, valConfig); err != nil {
		return nil, nil, nil, err
	}

	klog.Infof("Found %d training images belonging to %d classes.", train.Samples(), trainSet.NumClasses())
	klog.Infof("Found %d validation images belonging to %d classes.", val.Samples(), trainSet.NumClasses())

	if test, err = BuildTestGenerator(config, testDir); err != nil {
		return nil, nil, nil, err
	}
	return train, val, test, nil
}

// BuildTestGenerator creates the generator of a test tree alone: unshuffled, unaugmented,
// uncached and keeping its last partial batch so every image is scored exactly once.
func BuildTestGenerator(config GeneratorsConfig, testDir string) (*Generator, error) {
	testSet, err := dataset.NewImageFolderDataset(testDir, config.Classes, config.Extensions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTree, err)
	}
	test, err := NewGenerator("test", testSet, Config{
		BatchSize:  config.BatchSize,
		ImageSize:  config.ImageSize,
		Seed:       config.Seed,
		NumWorkers: config.NumWorkers,
	})
	if err != nil {
		return nil, err
	}
	klog.Infof("Found %d testing images belonging to %d classes.", test.Samples(), testSet.NumClasses())
	return test, nil
}
