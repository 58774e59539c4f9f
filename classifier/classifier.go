// Package classifier composes a pretrained backbone with a binary classification head and
// compiles it into a GoMLX trainer.
package classifier

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"k8s.io/klog/v2"
)

// Scopes under which the model variables are created
const (
	BackboneScope = "backbone"
	HeadScope     = "head"
)

// Metric short names, as reported by the trainer
const (
	TrainAccuracy = "~acc"
	EvalAccuracy  = "#acc"
)

// Config describes the classifier composition
type Config struct {
	ImageSize     int
	DropoutRate   float64
	TrainableTail int // backbone layers left trainable, counted from the top
	LearningRate  float64
	Seed          int64 // initial weights of the head and the pointwise backbone
}

// Builder composes a Backbone with a pooling, dropout and single-logit dense head
type Builder struct {
	backbone Backbone
	config   Config

	logOnce sync.Once
}

// NewBuilder creates a builder
func NewBuilder(backbone Backbone, config Config) (*Builder, error) {
	if config.ImageSize < backbone.MinImageSize() {
		return nil, fmt.Errorf("image size %d is below the %s minimum of %d",
			config.ImageSize, backbone.Name(), backbone.MinImageSize())
	}
	if config.DropoutRate < 0 || config.DropoutRate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %g", config.DropoutRate)
	}
	if config.TrainableTail < 0 {
		return nil, fmt.Errorf("trainable tail cannot be negative, got %d", config.TrainableTail)
	}
	return &Builder{backbone: backbone, config: config}, nil
}

// Backbone returns the feature extractor
func (b *Builder) Backbone() Backbone {
	return b.backbone
}

// Config returns the composition parameters
func (b *Builder) Config() Config {
	return b.config
}

// ModelGraph is the GoMLX model function: [N, H, W, 3] images to [N, 1] logits. Every call
// applies the freeze plan to the backbone variables, before any gradient is taken.
func (b *Builder) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	images := inputs[0]
	g := images.Graph()

	backboneCtx := ctx.In(BackboneScope)
	features := b.backbone.Features(backboneCtx, images)
	b.applyFreeze(backboneCtx)

	// Global average pooling over the spatial axes
	pooled := features
	if features.Rank() == 4 {
		pooled = ReduceMean(features, 1, 2)
	}

	headCtx := ctx.In(HeadScope)
	if b.config.DropoutRate > 0 {
		pooled = layers.Dropout(headCtx, pooled, Scalar(g, pooled.DType(), b.config.DropoutRate))
	}
	logits := dense(headCtx.In("dense"), pooled, 1)
	return []*Node{logits}
}

// Probabilities returns the sigmoid probability of the positive class, shaped [N]
func (b *Builder) Probabilities(ctx *context.Context, images *Node) *Node {
	logits := b.ModelGraph(ctx, nil, []*Node{images})[0]
	return Sigmoid(Reshape(logits, -1))
}

func (b *Builder) applyFreeze(backboneCtx *context.Context) {
	all := BackboneLayers(backboneCtx, backboneCtx.Scope())
	frozen, trainable := FreezePlan(all, b.config.TrainableTail)
	freezeLayers(backboneCtx, frozen)

	b.logOnce.Do(func() {
		klog.Infof("Total backbone layers: %d", len(all))
		if len(trainable) > 0 {
			klog.Infof("Fine-tuning from layer %d (%s): %d trainable, %d frozen",
				len(frozen), trainable[0], len(trainable), len(frozen))
		} else {
			klog.Infof("Backbone fully frozen (%d layers)", len(frozen))
		}
	})
}

// Compiled is a classifier ready for training: variables context plus a trainer wired
// with optimizer, loss and metrics
type Compiled struct {
	Backend backends.Backend
	Context *context.Context
	Trainer *train.Trainer
	Builder *Builder
}

// Build prepares the backbone weights and compiles the classifier on backend with Adam,
// binary cross-entropy on logits and accuracy metrics
func (b *Builder) Build(backend backends.Backend) (*Compiled, error) {
	if err := b.backbone.Prepare(); err != nil {
		return nil, err
	}

	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, b.config.LearningRate)
	ctx.SetParam(ParamInitSeed, b.config.Seed)

	var trainer *train.Trainer
	err := exceptions.TryCatch[error](func() {
		trainAcc := metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Average Accuracy", TrainAccuracy, 0.01)
		evalAcc := metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", EvalAccuracy)
		trainer = train.NewTrainer(backend, ctx, b.ModelGraph,
			losses.BinaryCrossentropyLogits,
			optimizers.Adam().Done(),
			[]metrics.Interface{trainAcc},
			[]metrics.Interface{evalAcc})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile classifier: %w", err)
	}

	return &Compiled{Backend: backend, Context: ctx, Trainer: trainer, Builder: b}, nil
}
