package classifier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/examples/inceptionv3"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"k8s.io/klog/v2"
)

// ErrBackboneWeights is returned when pretrained weights cannot be obtained
var ErrBackboneWeights = errors.New("pretrained backbone weights unavailable")

// Registered backbone names, as recorded in model manifests
const (
	InceptionV3Name = "inceptionv3-imagenet"
	PointwiseName   = "pointwise"
)

// NewBackbone returns the backbone registered under name. pretrained selects whether
// ImageNet weights are fetched into weightsDir; it is ignored by backbones without any.
func NewBackbone(name, weightsDir string, pretrained bool) (Backbone, error) {
	switch name {
	case InceptionV3Name:
		return &InceptionV3{WeightsDir: weightsDir, Pretrained: pretrained}, nil
	case PointwiseName:
		return NewPointwise(8, 16), nil
	default:
		return nil, fmt.Errorf("unknown backbone %q", name)
	}
}

// Backbone is a feature extractor the classification head is composed on top of
type Backbone interface {
	// Name identifies the architecture in model manifests
	Name() string

	// MinImageSize is the smallest square input the backbone accepts
	MinImageSize() int

	// Prepare makes sure pretrained weights are available locally
	Prepare() error

	// Features maps [N, H, W, 3] images scaled to [-1, 1] to a [N, h, w, C] feature map.
	// Variables must be created under ctx.
	Features(ctx *context.Context, images *Node) *Node
}

// InceptionV3 is the ImageNet-pretrained InceptionV3 without its classification top
type InceptionV3 struct {
	// WeightsDir holds the downloaded weights
	WeightsDir string

	// Pretrained loads ImageNet weights into variables that do not exist yet. Restoring a
	// fine-tuned checkpoint leaves it off so the checkpoint values are used.
	Pretrained bool
}

// NewInceptionV3 returns an InceptionV3 backbone loading ImageNet weights from weightsDir
func NewInceptionV3(weightsDir string) *InceptionV3 {
	return &InceptionV3{WeightsDir: weightsDir, Pretrained: true}
}

// Name implements Backbone
func (b *InceptionV3) Name() string {
	return InceptionV3Name
}

// MinImageSize implements Backbone
func (b *InceptionV3) MinImageSize() int {
	return inceptionv3.MinimumImageSize
}

// Prepare downloads and unpacks the weights once
func (b *InceptionV3) Prepare() error {
	if !b.Pretrained {
		return nil
	}
	if err := os.MkdirAll(b.WeightsDir, 0755); err != nil {
		return fmt.Errorf("%w: %w", ErrBackboneWeights, err)
	}
	abs, err := filepath.Abs(b.WeightsDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackboneWeights, err)
	}
	b.WeightsDir = abs

	klog.Infof("Ensuring InceptionV3 weights in %s", b.WeightsDir)
	if err := inceptionv3.DownloadAndUnpackWeights(b.WeightsDir); err != nil {
		return fmt.Errorf("%w: %w", ErrBackboneWeights, err)
	}
	return nil
}

// Features implements Backbone
func (b *InceptionV3) Features(ctx *context.Context, images *Node) *Node {
	cfg := inceptionv3.BuildGraph(ctx, images).Trainable(true)
	if b.Pretrained {
		cfg = cfg.PreTrained(b.WeightsDir)
	}
	return cfg.Done()
}

// Pointwise is a small randomly initialized backbone of per-pixel dense layers. It has no
// pretrained weights and is meant for CPU smoke runs of the whole pipeline.
type Pointwise struct {
	widths []int
}

// NewPointwise creates a pointwise backbone with one layer per width
func NewPointwise(widths ...int) *Pointwise {
	return &Pointwise{widths: widths}
}

// Name implements Backbone
func (b *Pointwise) Name() string {
	return PointwiseName
}

// MinImageSize implements Backbone
func (b *Pointwise) MinImageSize() int {
	return 1
}

// Prepare implements Backbone
func (b *Pointwise) Prepare() error {
	return nil
}

// Features implements Backbone
func (b *Pointwise) Features(ctx *context.Context, images *Node) *Node {
	x := images
	for i, width := range b.widths {
		x = Tanh(dense(ctx.In(fmt.Sprintf("mix_%d", i)), x, width))
	}
	return x
}
