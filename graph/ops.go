/*
 *	Copyright 2025 The GoMLX Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/xmap/backends"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/gomlx/xmap/types/tensors"
)

// validateBuildingGraphFromInputs checks that all inputs are of the same Graph, that the
// Graph is valid for building, and returns the Graph.
func validateBuildingGraphFromInputs(inputs ...*Node) *Graph {
	if len(inputs) == 0 {
		exceptions.Panicf("no input nodes provided")
	}
	g := inputs[0].graph
	g.AssertBuilding()
	for ii, node := range inputs {
		if node == nil {
			exceptions.Panicf("input node #%d is nil", ii)
		}
		if node.graph != g {
			exceptions.Panicf("input node #%d belongs to a different graph (%q) than the first input (%q)",
				ii, node.graph.name, g.name)
		}
	}
	return g
}

// Parameter registers an input parameter for the computation that is being built.
func Parameter(g *Graph, name string, shape shapes.Shape) *Node {
	g.AssertBuilding()
	builder := g.build()
	op, err := builder.Parameter(name, shape)
	if err != nil {
		panic(err)
	}
	node := g.newNode("Parameter", op)
	handle := ParameterHandle(len(g.parameters))
	if _, found := g.parameterNameToHandle[name]; found {
		exceptions.Panicf("Graph %q already has a parameter named %q", g.name, name)
	}
	g.parameters = append(g.parameters, node)
	g.parametersNames = append(g.parametersNames, name)
	g.parameterNameToHandle[name] = handle
	return node
}

// Const creates a constant node for the given value -- a scalar, a (nested) slice, or a
// *tensors.Tensor.
func Const(g *Graph, value any) *Node {
	g.AssertBuilding()
	t := tensors.FromAnyValue(value)
	builder := g.build()
	op, err := builder.Constant(t.FlatData(), t.Shape().Dimensions...)
	if err != nil {
		panic(err)
	}
	return g.newNode("Const", op)
}

// Scalar returns a constant scalar node with the given value, converted to the dtype.
func Scalar(g *Graph, dtype dtypes.DType, value float64) *Node {
	var converted any
	switch dtype {
	case dtypes.Float64:
		converted = value
	case dtypes.Float32:
		converted = float32(value)
	case dtypes.Int32:
		converted = int32(value)
	case dtypes.Int64:
		converted = int64(value)
	default:
		exceptions.Panicf("graph.Scalar: unsupported dtype %s", dtype)
	}
	return Const(g, converted)
}

// mergedNamedAxes computes the named-axis annotations of an element-wise binary op
// result: scalar operands contribute nothing; otherwise both operands' annotations must
// agree wherever they overlap.
func mergedNamedAxes(opName string, lhs, rhs *Node) map[string]int {
	if lhs.shape.IsScalar() {
		return rhs.NamedAxes()
	}
	if rhs.shape.IsScalar() || !rhs.HasNamedAxes() {
		return lhs.NamedAxes()
	}
	if !lhs.HasNamedAxes() {
		return rhs.NamedAxes()
	}
	merged := lhs.NamedAxes()
	for name, dim := range rhs.namedAxes {
		if otherDim, found := merged[name]; found && otherDim != dim {
			exceptions.Panicf("%s: named axis %q maps to dimension %d on one operand and %d on the other",
				opName, name, otherDim, dim)
		}
		merged[name] = dim
	}
	return merged
}

// binaryOp stages an element-wise binary operation, propagating named axes.
func binaryOp(opName string, lhs, rhs *Node,
	backendFn func(lhsOp, rhsOp any) (any, error)) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	namedAxes := mergedNamedAxes(opName, lhs, rhs)
	op, err := backendFn(lhs.op, rhs.op)
	if err != nil {
		panic(err)
	}
	return g.newNode(opName, op, lhs, rhs).WithNamedAxes(namedAxes)
}

// Add returns the element-wise sum of the two values.
// One of them can be a scalar, in which case it is broadcast.
func Add(lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	return binaryOp("Add", lhs, rhs, func(lhsOp, rhsOp any) (any, error) {
		return g.build().Add(lhsOp, rhsOp)
	})
}

// Sub returns the element-wise subtraction of the two values.
// One of them can be a scalar, in which case it is broadcast.
func Sub(lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	return binaryOp("Sub", lhs, rhs, func(lhsOp, rhsOp any) (any, error) {
		return g.build().Sub(lhsOp, rhsOp)
	})
}

// Mul returns the element-wise multiplication of the two values.
// One of them can be a scalar, in which case it is broadcast.
func Mul(lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	return binaryOp("Mul", lhs, rhs, func(lhsOp, rhsOp any) (any, error) {
		return g.build().Mul(lhsOp, rhsOp)
	})
}

// MulScalar converts scalar to a constant with x's DType and returns `x * scalar`.
func MulScalar(x *Node, scalar float64) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Mul(x, Scalar(g, x.DType(), scalar))
}

// AddScalar converts scalar to a constant with x's DType and returns `x + scalar`.
func AddScalar(x *Node, scalar float64) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Add(x, Scalar(g, x.DType(), scalar))
}

// Sin returns the element-wise sine of x.
func Sin(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	op, err := g.build().Sin(x.op)
	if err != nil {
		panic(err)
	}
	return g.newNode("Sin", op, x).WithNamedAxes(x.NamedAxes())
}

// ReduceSum reduces x by summing over the elements of the selected axes.
// If reduceAxes is empty, it reduces over all dimensions to a scalar.
//
// The reduced axes of x are removed in the output -- so the rank is reduced. Named-axis
// annotations pointing at a reduced dimension are dropped; the remaining annotations are
// shifted accordingly.
func ReduceSum(x *Node, reduceAxes ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	axes := adjustAxesToRankAndSort(x.Rank(), reduceAxes, "x")
	if len(axes) == 0 {
		axes = make([]int, x.Rank())
		for ii := range axes {
			axes[ii] = ii
		}
	}
	op, err := g.build().ReduceSum(x.op, axes...)
	if err != nil {
		panic(err)
	}
	namedAxes := make(map[string]int, len(x.namedAxes))
	for name, dim := range x.namedAxes {
		if slices.Contains(axes, dim) {
			continue
		}
		shifted := dim
		for _, reduced := range axes {
			if reduced < dim {
				shifted--
			}
		}
		namedAxes[name] = shifted
	}
	return g.newNode("ReduceSum", op, x).WithNamedAxes(namedAxes)
}

// TransposeAllAxes permutes the operand axes with the given permutation, so
// ∀ i, 0 ≤ i < rank ⇒ output_dimensions[i] = input_dimensions[permutation[i]].
// Named-axis annotations are permuted along.
func TransposeAllAxes(x *Node, permutation ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	rank := x.Rank()
	if len(permutation) != rank {
		exceptions.Panicf("TransposeAllAxes(x, %v): there must be one permutation value per axis of x, which has rank %d",
			permutation, rank)
	}
	used := make([]bool, rank)
	for ii, axis := range permutation {
		if axis < 0 || axis >= rank {
			exceptions.Panicf("TransposeAllAxes(x, %v): element %d is %d, out-of-range for rank %d",
				permutation, ii, axis, rank)
		}
		if used[axis] {
			exceptions.Panicf("TransposeAllAxes(x, %v): axis %d appears more than once", permutation, axis)
		}
		used[axis] = true
	}
	op, err := g.build().Transpose(x.op, permutation...)
	if err != nil {
		panic(err)
	}
	namedAxes := make(map[string]int, len(x.namedAxes))
	for name, dim := range x.namedAxes {
		namedAxes[name] = slices.Index(permutation, dim)
	}
	return g.newNode("Transpose", op, x).WithNamedAxes(namedAxes)
}

// DotGeneral takes as input lhs (left-hand-side) and rhs (right-hand-side) specifications
// for a general vector product -- a generalized "Einsum". Each axis can be:
//
//   - Contracted: both sides have this axis, with the same dimension, and they are summed
//     over the product of the elements.
//   - Batch: both sides have this axis, with the same dimension, and they are considered
//     independent computations, consecutive in the output.
//   - Cross: axes on only one of the sides; they are considered "extra" axes of the
//     output, in a cross-product fashion.
//
// The output has the batch axes first, then the cross axes of lhs, then the cross axes
// of rhs. Named-axis annotations on batch and cross axes are carried over; contracted
// annotations are consumed.
func DotGeneral(lhs *Node, lhsContractingAxes, lhsBatchAxes []int,
	rhs *Node, rhsContractingAxes, rhsBatchAxes []int) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	lhsContracting := adjustAxesToRank(lhs.Rank(), lhsContractingAxes, "lhsContractingAxes")
	lhsBatch := adjustAxesToRank(lhs.Rank(), lhsBatchAxes, "lhsBatchAxes")
	rhsContracting := adjustAxesToRank(rhs.Rank(), rhsContractingAxes, "rhsContractingAxes")
	rhsBatch := adjustAxesToRank(rhs.Rank(), rhsBatchAxes, "rhsBatchAxes")
	if len(lhsContracting) != len(rhsContracting) {
		exceptions.Panicf("DotGeneral: lhs has %d contracting axes, rhs has %d",
			len(lhsContracting), len(rhsContracting))
	}
	if len(lhsBatch) != len(rhsBatch) {
		exceptions.Panicf("DotGeneral: lhs has %d batch axes, rhs has %d", len(lhsBatch), len(rhsBatch))
	}
	op, err := g.build().DotGeneral(lhs.op, lhsContracting, lhsBatch, rhs.op, rhsContracting, rhsBatch)
	if err != nil {
		panic(err)
	}

	// Result layout: batch axes, then lhs cross axes, then rhs cross axes.
	numBatch := len(lhsBatch)
	lhsCross := crossAxes(lhs.Rank(), lhsContracting, lhsBatch)
	rhsCross := crossAxes(rhs.Rank(), rhsContracting, rhsBatch)
	namedAxes := make(map[string]int)
	for name, dim := range lhs.namedAxes {
		if idx := slices.Index(lhsBatch, dim); idx >= 0 {
			namedAxes[name] = idx
		} else if idx := slices.Index(lhsCross, dim); idx >= 0 {
			namedAxes[name] = numBatch + idx
		}
	}
	for name, dim := range rhs.namedAxes {
		if idx := slices.Index(rhsBatch, dim); idx >= 0 {
			namedAxes[name] = idx
		} else if idx := slices.Index(rhsCross, dim); idx >= 0 {
			namedAxes[name] = numBatch + len(lhsCross) + idx
		}
	}
	return g.newNode("DotGeneral", op, lhs, rhs).WithNamedAxes(namedAxes)
}

// AllReduceSum sums x across the devices of the graph's mesh, along the given mesh axes.
// Devices that share their coordinates on the remaining mesh axes form one replica group;
// every device of a group contributes its value once and receives the summed result.
func AllReduceSum(x *Node, meshAxes ...string) *Node {
	g := validateBuildingGraphFromInputs(x)
	mesh := g.Mesh()
	if mesh == nil {
		exceptions.Panicf("AllReduceSum(%v): graph %q has no device mesh configured", meshAxes, g.Name())
	}
	replicaGroups, err := mesh.ComputeReplicaGroups(meshAxes)
	if err != nil {
		panic(err)
	}
	op, err := g.build().AllReduce(x.op, backends.ReduceOpSum, replicaGroups)
	if err != nil {
		panic(err)
	}
	return g.newNode("AllReduce", op, x).WithNamedAxes(x.NamedAxes())
}

// WithAxes returns a view of x with the given named-axis annotations added on top of x's
// own. No new backend operation is staged. Each dimension carries at most one name: it
// panics if a name is already annotated on a different dimension of x, or if a dimension
// already carries a different name. Use DropAxes first to rename a dimension.
func WithAxes(x *Node, namedAxes map[string]int) *Node {
	g := validateBuildingGraphFromInputs(x)
	merged := x.NamedAxes()
	if merged == nil {
		merged = make(map[string]int, len(namedAxes))
	}
	dimNames := make(map[int]string, len(merged))
	for name, dim := range merged {
		dimNames[dim] = name
	}
	for name, dim := range namedAxes {
		if otherDim, found := merged[name]; found && otherDim != dim {
			exceptions.Panicf("WithAxes: axis %q already annotated at dimension %d, cannot re-annotate at %d", name, otherDim, dim)
		}
		if other, taken := dimNames[dim]; taken && other != name {
			exceptions.Panicf("WithAxes: dimension %d already annotated as axis %q, cannot also annotate it as %q", dim, other, name)
		}
		merged[name] = dim
		dimNames[dim] = name
	}
	view := g.registerNode(&Node{
		graph:      g,
		op:         x.op,
		shape:      x.shape,
		opName:     "WithAxes",
		inputNodes: []*Node{x},
	})
	return view.WithNamedAxes(merged)
}

// DropAxes returns a view of x without the given named-axis annotations. No new backend
// operation is staged.
func DropAxes(x *Node, names ...string) *Node {
	g := validateBuildingGraphFromInputs(x)
	remaining := x.NamedAxes()
	for _, name := range names {
		delete(remaining, name)
	}
	view := g.registerNode(&Node{
		graph:      g,
		op:         x.op,
		shape:      x.shape,
		opName:     "DropAxes",
		inputNodes: []*Node{x},
	})
	return view.WithNamedAxes(remaining)
}

// crossAxes returns the axes of a DotGeneral operand that are neither contracting nor
// batch, in their original order.
func crossAxes(rank int, contracting, batch []int) []int {
	axes := make([]int, 0, rank-len(contracting)-len(batch))
	for axis := 0; axis < rank; axis++ {
		if slices.Contains(contracting, axis) || slices.Contains(batch, axis) {
			continue
		}
		axes = append(axes, axis)
	}
	return axes
}

// adjustAxesToRank returns an adjusted copy of the given axes: negative values are taken
// from the end -- -1 means the last axis. It panics if any of the axes is out-of-range for
// the given rank.
func adjustAxesToRank(rank int, axesWithNegatives []int, paramName string) []int {
	axes := slices.Clone(axesWithNegatives)
	for ii := range axes {
		if axes[ii] < 0 {
			axes[ii] = rank + axes[ii]
		}
		if axes[ii] < 0 || axes[ii] >= rank {
			exceptions.Panicf("%s's axis #%d of %v is out-of-range for rank %d",
				paramName, ii, axesWithNegatives, rank)
		}
	}
	return axes
}

// adjustAxesToRankAndSort returns an adjusted, sorted copy of the given axes.
// Careful not to use it where the order matters.
func adjustAxesToRankAndSort(rank int, axesWithNegatives []int, paramName string) []int {
	axes := adjustAxesToRank(rank, axesWithNegatives, paramName)
	slices.Sort(axes)
	return axes
}
