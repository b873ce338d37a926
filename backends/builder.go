package backends

import (
	"github.com/gomlx/xmap/types/shapes"
)

// Op represents the output of an operation, during the computation graph building time.
//
// It is opaque from the engine's perspective: it passes Op as input to the other methods.
type Op any

// ReduceOpType selects among the basic types of reduction supported.
type ReduceOpType int

const (
	// ReduceOpUndefined is an undefined value.
	ReduceOpUndefined ReduceOpType = iota

	// ReduceOpSum reduces by summing all elements being reduced.
	ReduceOpSum

	// ReduceOpProduct reduces by multiplying all elements being reduced.
	ReduceOpProduct

	// ReduceOpMax reduces by taking the maximum value.
	ReduceOpMax

	// ReduceOpMin reduces by taking the minimum value.
	ReduceOpMin
)

// String implements the fmt.Stringer interface.
func (r ReduceOpType) String() string {
	switch r {
	case ReduceOpSum:
		return "Sum"
	case ReduceOpProduct:
		return "Product"
	case ReduceOpMax:
		return "Max"
	case ReduceOpMin:
		return "Min"
	}
	return "Undefined"
}

// Builder defines the set of ops to support building a computation.
// It is the sub-interface of Backend.
//
// A Builder may not implement every operation: unsupported ops return an error, which
// restricts the type of computations the backend can run.
type Builder interface {
	// Compile the computation built. This immediately invalidates the Builder and returns
	// an Executable that can now be used to run the computation.
	//
	// It is given the list of outputs.
	Compile(outputs ...Op) (Executable, error)

	// Name of the computation being built.
	Name() string

	// OpShape returns the shape of a computation Op.
	// Notice this is not an operation and doesn't change the computation being built.
	OpShape(op Op) (shapes.Shape, error)

	// Parameter creates an input parameter for the computation.
	// During execution of a compiled computation (returned by Builder.Compile) this value
	// will need to be fed in the same order it is created.
	Parameter(name string, shape shapes.Shape) (Op, error)

	// Constant creates a constant in the computation with the given flat values, and the
	// shape defined by dims.
	//
	// The flat value must be a slice of a basic type supported -- that can be converted
	// to a DType. The value is copied.
	Constant(flat any, dims ...int) (Op, error)

	// StandardOps include all other standard math operations.
	StandardOps

	// CollectiveOps include all collective (distributed cross-device) operations.
	CollectiveOps
}

// StandardOps is the list of element-wise, reduction and contraction operations the engine
// stages. The axes given are always non-negative and within the operand's rank.
type StandardOps interface {
	// Add returns the element-wise sum of the two values.
	// Shapes of lhs and rhs must be the same, or one of them must be a scalar
	// (which is then broadcast).
	Add(lhs, rhs Op) (Op, error)

	// Sub returns the element-wise subtraction of the two values.
	// Shapes of lhs and rhs must be the same, or one of them must be a scalar.
	Sub(lhs, rhs Op) (Op, error)

	// Mul returns the element-wise multiplication of the two values.
	// Shapes of lhs and rhs must be the same, or one of them must be a scalar.
	Mul(lhs, rhs Op) (Op, error)

	// Sin returns the element-wise sine of x.
	Sin(x Op) (Op, error)

	// ReduceSum reduces x over the axes selected, taking the sum of the slices reduced.
	// The reduced axes are removed from the output shape.
	ReduceSum(x Op, axes ...int) (Op, error)

	// Transpose axes of x.
	// There should be one value in permutation for each axis in x.
	// The output will have: output[i] = x[permutation[i]], for i in axes.
	Transpose(x Op, permutation ...int) (Op, error)

	// DotGeneral takes as input lhs (left-hand-side) and rhs (right-hand-side)
	// specifications for a general vector product -- a generalized "Einsum". Each axis can
	// be:
	//
	//   - Contracted: both sides have this axis, with the same dimension, and they are
	//     summed over the product of the elements.
	//   - Batch: both sides have this axis, with the same dimension, and they are considered
	//     independent computations, consecutive in the output.
	//   - Cross: axes on only one of the sides; they are considered "extra" axes of the
	//     output, in a cross-product fashion.
	//
	// The output has the batch axes first, then the cross axes of lhs, then the cross
	// axes of rhs.
	DotGeneral(lhs Op, lhsContractingAxes, lhsBatchAxes []int,
		rhs Op, rhsContractingAxes, rhsBatchAxes []int) (Op, error)
}

// CollectiveOps is the interface for collective operations, that is, operations executed
// across multiple devices.
type CollectiveOps interface {
	// AllReduce builds a cross-device reduction of x scoped to the given replica groups.
	//
	// Each replica group ([]int) is a collection of devices that will participate in the
	// distributed operation together: every device in a group contributes its local value
	// exactly once and receives the reduced result. Devices are given as logical indices
	// (not absolute DeviceNum) into the device assignment used at execution.
	//
	// Every device executing the program must be included in exactly one group.
	// The participation order within each group follows the group's device order, and is
	// the same on every execution of the compiled program.
	AllReduce(x Op, reduction ReduceOpType, replicaGroups [][]int) (Op, error)
}
