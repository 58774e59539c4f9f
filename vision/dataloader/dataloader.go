package dataloader

import (
	"errors"
	"fmt"
	"image"
	"io"
	"math/rand"
	"runtime"
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
	"golang.org/x/sync/errgroup"

	"github.com/soumenmaity3/cnn-finetune/vision/preprocessing"
)

// ErrMalformedTree is returned when a directory does not hold the expected class layout
var ErrMalformedTree = errors.New("malformed image directory tree")

// Dataset is the indexed view of labeled image files a Generator reads from
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
	ClassNames() []string
}

// Batch is a group of normalized images in NHWC layout with their 0/1 labels
type Batch struct {
	Images    []float32 // Size * ImageSize * ImageSize * 3
	Labels    []float32
	Paths     []string
	Size      int
	ImageSize int

	pool *BufferPool // owner of Images, nil when allocated directly
}

// Generator yields batches from a Dataset. It implements the GoMLX train.Dataset
// interface, so a Generator can be fed directly to a training loop or an evaluation.
type Generator struct {
	name          string
	dataset       Dataset
	batchSize     int
	imageSize     int
	shuffle       bool
	dropRemainder bool
	workers       int

	rng       *rand.Rand
	augmenter *preprocessing.Augmenter // nil disables augmentation
	cache     *CacheManager
	pool      *BufferPool

	mu       sync.Mutex
	indices  []int
	position int
}

// Config holds configuration for a Generator
type Config struct {
	BatchSize     int
	ImageSize     int
	Shuffle       bool
	DropRemainder bool // skip the last partial batch of every pass
	Augment       preprocessing.AugmentConfig
	Seed          int64 // seeds both shuffling and augmentation
	NumWorkers    int   // parallel decoders, 0 means GOMAXPROCS
	CacheManager  *CacheManager
	BufferPool    *BufferPool // recycles batch pixel buffers, nil creates a private pool
}

// NewGenerator creates a generator over ds. With Shuffle set the order is shuffled
// immediately and again on every Reset.
func NewGenerator(name string, ds Dataset, config Config) (*Generator, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.GOMAXPROCS(0)
	}
	if config.CacheManager == nil {
		config.CacheManager = NewCacheManager(0)
	}
	if config.BufferPool == nil {
		config.BufferPool = NewBufferPool()
	}

	g := &Generator{
		name:          name,
		dataset:       ds,
		batchSize:     config.BatchSize,
		imageSize:     config.ImageSize,
		shuffle:       config.Shuffle,
		dropRemainder: config.DropRemainder,
		workers:       config.NumWorkers,
		rng:           rand.New(rand.NewSource(config.Seed)),
		cache:         config.CacheManager,
		pool:          config.BufferPool,
		indices:       make([]int, ds.Len()),
	}
	for i := range g.indices {
		g.indices[i] = i
	}
	if config.Augment.Enabled() {
		g.augmenter = preprocessing.NewAugmenter(config.Augment, config.Seed+1)
	}
	if g.shuffle {
		g.shuffleIndices()
	}
	return g, nil
}

func (g *Generator) shuffleIndices() {
	g.rng.Shuffle(len(g.indices), func(i, j int) {
		g.indices[i], g.indices[j] = g.indices[j], g.indices[i]
	})
}

// Name implements train.Dataset
func (g *Generator) Name() string {
	return g.name
}

// Samples returns the number of images in one pass
func (g *Generator) Samples() int {
	return len(g.indices)
}

// BatchSize returns the configured batch size
func (g *Generator) BatchSize() int {
	return g.batchSize
}

// ImageSize returns the side of the square images produced
func (g *Generator) ImageSize() int {
	return g.imageSize
}

// Steps returns the number of batches in one pass
func (g *Generator) Steps() int {
	if g.dropRemainder {
		return len(g.indices) / g.batchSize
	}
	return (len(g.indices) + g.batchSize - 1) / g.batchSize
}

// ClassNames returns the class names in label order
func (g *Generator) ClassNames() []string {
	return g.dataset.ClassNames()
}

// Labels returns the labels of one pass in yield order. For unshuffled generators this
// is the order of every pass.
func (g *Generator) Labels() []int {
	g.mu.Lock()
	defer g.mu.Unlock()

	labels := make([]int, 0, len(g.indices))
	for _, idx := range g.indices {
		_, label, err := g.dataset.GetItem(idx)
		if err != nil {
			continue
		}
		labels = append(labels, label)
	}
	return labels
}

// Reset implements train.Dataset: it restarts the pass and reshuffles if enabled
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.position = 0
	if g.shuffle {
		g.shuffleIndices()
	}
}

// Progress returns the current position in the pass
func (g *Generator) Progress() (current, total int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.position, len(g.indices)
}

// Stats returns the statistics of the underlying image cache
func (g *Generator) Stats() CacheStats {
	return g.cache.Stats()
}

// Pool returns the pool batch pixel buffers are drawn from
func (g *Generator) Pool() *BufferPool {
	return g.pool
}

// Next returns the next batch, or io.EOF at the end of the pass. Callers may hand the
// pixel buffer back with Batch.Release once they are done with it.
func (g *Generator) Next() (*Batch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := len(g.indices) - g.position
	if remaining <= 0 || (g.dropRemainder && remaining < g.batchSize) {
		return nil, io.EOF
	}

	size := min(g.batchSize, remaining)
	batchIndices := g.indices[g.position : g.position+size]
	g.position += size

	// Transforms are drawn in order before decoding so parallelism cannot change them
	transforms := make([]preprocessing.Transform, size)
	for i := range transforms {
		if g.augmenter != nil {
			transforms[i] = g.augmenter.Sample()
		} else {
			transforms[i] = preprocessing.Identity()
		}
	}

	pixels := preprocessing.TensorSize(g.imageSize)
	batch := NewBatch(g.pool, size, g.imageSize)

	var eg errgroup.Group
	eg.SetLimit(g.workers)
	for i, idx := range batchIndices {
		eg.Go(func() error {
			path, label, err := g.dataset.GetItem(idx)
			if err != nil {
				return err
			}
			img, err := g.load(path)
			if err != nil {
				return err
			}
			if !transforms[i].IsIdentity() {
				img = transforms[i].Apply(img)
			}
			copy(batch.Images[i*pixels:(i+1)*pixels], preprocessing.ToTensor(img))
			batch.Labels[i] = float32(label)
			batch.Paths[i] = path
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		batch.Release()
		return nil, fmt.Errorf("%s: failed to load batch: %w", g.name, err)
	}
	return batch, nil
}

// load returns the resized image at path, decoding it on a cache miss
func (g *Generator) load(path string) (*image.RGBA, error) {
	if img, ok := g.cache.Get(path); ok {
		return img, nil
	}

	decoded, err := preprocessing.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	img := preprocessing.Resize(decoded, g.imageSize)
	g.cache.Put(path, img)
	return img, nil
}

// Yield implements train.Dataset. Inputs hold one [N, H, W, 3] tensor and labels one
// [N, 1] tensor.
func (g *Generator) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batch, err := g.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{batch.Tensor()}
	labels = []*tensors.Tensor{batch.LabelTensor()}
	batch.Release()
	return nil, inputs, labels, nil
}

// NewBatch returns an empty batch of size images whose pixel buffer is drawn from pool
func NewBatch(pool *BufferPool, size, imageSize int) *Batch {
	return &Batch{
		Images:    pool.GetFloat32Buffer(size * preprocessing.TensorSize(imageSize)),
		Labels:    make([]float32, size),
		Paths:     make([]string, size),
		Size:      size,
		ImageSize: imageSize,
		pool:      pool,
	}
}

// Release returns the pixel buffer to the generator's pool. The batch must not be
// used afterwards.
func (b *Batch) Release() {
	if b.pool != nil && b.Images != nil {
		b.pool.PutFloat32Buffer(b.Images)
	}
	b.Images = nil
	b.pool = nil
}

// Tensor returns a copy of the images as a [Size, ImageSize, ImageSize, 3] tensor
func (b *Batch) Tensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(b.Images, b.Size, b.ImageSize, b.ImageSize, preprocessing.Channels)
}

// LabelTensor returns the labels as a [Size, 1] tensor
func (b *Batch) LabelTensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(b.Labels, b.Size, 1)
}
