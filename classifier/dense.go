package classifier

import (
	"hash/fnv"
	"math"
	"math/rand"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
)

// ParamInitSeed is the context parameter seeding the initial weights of the layers built
// here. Unset, the seed is 0.
const ParamInitSeed = "classifier_init_seed"

// dense maps the last axis of x to width outputs with "weights" [in, width] and "biases"
// [width] created under ctx.
//
// The contraction is a broadcast product reduced over the input axis instead of a
// DotGeneral: the pure Go backend accumulates DotGeneral results into pooled buffers
// without clearing them, so repeated executions of one graph would drift.
func dense(ctx *context.Context, x *Node, width int) *Node {
	g := x.Graph()
	rank := x.Rank()
	in := x.Shape().Dimensions[rank-1]
	seed := context.GetParamOr(ctx, ParamInitSeed, int64(0))

	weightsVar := ctx.WithInitializer(glorotUniform(seed, ctx.Scope()+context.ScopeSeparator+"weights")).
		VariableWithShape("weights", shapes.Make(x.DType(), in, width))
	biasesVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(x.DType(), width))

	// [..., in, 1] * [1, ..., 1, in, width], summed over in
	weightDims := make([]int, rank+1)
	for i := range weightDims {
		weightDims[i] = 1
	}
	weightDims[rank-1], weightDims[rank] = in, width
	weights := Reshape(weightsVar.ValueGraph(g), weightDims...)
	out := ReduceSum(Mul(InsertAxes(x, -1), weights), rank-1)

	biasDims := make([]int, rank)
	for i := range biasDims {
		biasDims[i] = 1
	}
	biasDims[rank-1] = width
	return Add(out, Reshape(biasesVar.ValueGraph(g), biasDims...))
}

// glorotUniform returns an initializer drawing Glorot uniform values for a [fanIn, fanOut]
// matrix from a host generator. The values depend only on seed and the variable path, so
// they do not need the backend random number generator.
func glorotUniform(seed int64, path string) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		h := fnv.New64a()
		_, _ = h.Write([]byte(path))
		rng := rand.New(rand.NewSource(seed ^ int64(h.Sum64())))

		fanIn, fanOut := shape.Dimensions[0], shape.Dimensions[len(shape.Dimensions)-1]
		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		values := make([]float64, shape.Size())
		for i := range values {
			values[i] = (2*rng.Float64() - 1) * limit
		}
		t := tensors.FromFlatDataAndDimensions(values, shape.Dimensions...)
		return ConvertDType(ConstTensor(g, t), shape.DType)
	}
}
