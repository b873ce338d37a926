package simplego

import (
	"reflect"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/xmap/backends"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/pkg/errors"
)

// opType identifies the operation of a Node.
type opType int

const (
	opInvalid opType = iota
	opParameter
	opConstant
	opAdd
	opSub
	opMul
	opSin
	opReduceSum
	opTranspose
	opDotGeneral
	opAllReduce
)

// Builder keeps track of the computation graph being defined.
type Builder struct {
	name     string
	backend  *Backend
	compiled bool

	// nodes are only created when their inputs have already been created, so this is a
	// natural DAG ordering of the graph. The executor relies on this invariance.
	nodes []*Node

	// inputs are the opParameter nodes, in order of creation.
	inputs []*Node
}

// Compile-time check.
var _ backends.Builder = (*Builder)(nil)

// Name implements backends.Builder.
func (b *Builder) Name() string {
	return b.name
}

// Node in the SimpleGo computation graph.
type Node struct {
	// builderIdx in Builder.nodes.
	builderIdx int
	inputs     []*Node

	opType  opType
	shape   shapes.Shape
	builder *Builder

	// data for the specific node type:
	// opParameter -> parameterData; opConstant -> flat slice; opReduceSum/opTranspose ->
	// []int; opDotGeneral -> dotGeneralData; opAllReduce -> allReduceData.
	data any
}

type parameterData struct {
	name string
	idx  int
}

type dotGeneralData struct {
	lhsContracting, lhsBatch []int
	rhsContracting, rhsBatch []int
}

type allReduceData struct {
	reduction     backends.ReduceOpType
	replicaGroups [][]int
}

// newNode adds a new node of the given opType and shape to the Builder graph.
func (b *Builder) newNode(opType opType, shape shapes.Shape, inputs ...*Node) *Node {
	n := &Node{
		builder:    b,
		opType:     opType,
		builderIdx: len(b.nodes),
		shape:      shape,
		inputs:     slices.Clone(inputs),
	}
	b.nodes = append(b.nodes, n)
	return n
}

// checkOps converts backends.Op values to *Node, checking they belong to this builder.
func (b *Builder) checkOps(opName string, ops ...backends.Op) ([]*Node, error) {
	if b.compiled {
		return nil, errors.Errorf("%s: builder %q has already been compiled", opName, b.name)
	}
	nodes := make([]*Node, len(ops))
	for ii, op := range ops {
		node, ok := op.(*Node)
		if !ok {
			return nil, errors.Errorf("%s: op #%d (%T) is not a simplego node", opName, ii, op)
		}
		if node.builder != b {
			return nil, errors.Errorf("%s: op #%d was created by a different builder (%q)", opName, ii, node.builder.name)
		}
		nodes[ii] = node
	}
	return nodes, nil
}

// supportedDType lists the dtypes the SimpleGo backend computes with.
func supportedDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64:
		return true
	}
	return false
}

// OpShape returns the shape of a computation Op.
func (b *Builder) OpShape(op backends.Op) (shapes.Shape, error) {
	nodes, err := b.checkOps("OpShape", op)
	if err != nil {
		return shapes.Invalid(), err
	}
	return nodes[0].shape, nil
}

// Parameter creates an input parameter for the computation.
func (b *Builder) Parameter(name string, shape shapes.Shape) (backends.Op, error) {
	if b.compiled {
		return nil, errors.Errorf("Parameter: builder %q has already been compiled", b.name)
	}
	if !shape.Ok() {
		return nil, errors.Errorf("Parameter %q: invalid shape", name)
	}
	if !supportedDType(shape.DType) {
		return nil, errors.Errorf("Parameter %q: dtype %s not supported by %s", name, shape.DType, BackendName)
	}
	node := b.newNode(opParameter, shape.Clone())
	node.data = &parameterData{name: name, idx: len(b.inputs)}
	b.inputs = append(b.inputs, node)
	return node, nil
}

// Constant creates a constant in the computation with the given flat values, and the
// shape defined by dims.
func (b *Builder) Constant(flat any, dims ...int) (backends.Op, error) {
	if b.compiled {
		return nil, errors.Errorf("Constant: builder %q has already been compiled", b.name)
	}
	dtype, flatLen, err := checkFlat(flat)
	if err != nil {
		return nil, errors.WithMessage(err, "Constant op")
	}
	if !supportedDType(dtype) {
		return nil, errors.Errorf("Constant: dtype %s not supported by %s", dtype, BackendName)
	}
	shape := shapes.Make(dtype, dims...)
	if flatLen != shape.Size() {
		return nil, errors.Errorf("Constant: flat ([%d]%s) and shape %s size mismatch", flatLen, dtype, shape)
	}
	node := b.newNode(opConstant, shape)
	node.data = cloneFlat(flat)
	return node, nil
}

// checkFlat verifies flat is a slice of a supported Go type and returns its dtype and
// length.
func checkFlat(flat any) (dtypes.DType, int, error) {
	flatType := reflect.TypeOf(flat)
	if flatType == nil || flatType.Kind() != reflect.Slice {
		return dtypes.InvalidDType, 0, errors.Errorf("flat data should be a slice, got %T", flat)
	}
	dtype := dtypes.FromGoType(flatType.Elem())
	if dtype == dtypes.InvalidDType {
		return dtypes.InvalidDType, 0, errors.Errorf("flat is a slice of %s, not a valid data type", flatType.Elem())
	}
	return dtype, reflect.ValueOf(flat).Len(), nil
}

// cloneFlat returns a copy of the given flat slice.
func cloneFlat(flat any) any {
	flatV := reflect.ValueOf(flat)
	cloned := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(cloned, flatV)
	return cloned.Interface()
}

// binaryOp checks shapes and creates the node of an element-wise binary operation with
// scalar broadcast.
func (b *Builder) binaryOp(opName string, op opType, lhs, rhs backends.Op) (backends.Op, error) {
	nodes, err := b.checkOps(opName, lhs, rhs)
	if err != nil {
		return nil, err
	}
	lhsNode, rhsNode := nodes[0], nodes[1]
	if lhsNode.shape.DType != rhsNode.shape.DType {
		return nil, errors.Errorf("%s: operands have different dtypes (%s and %s)", opName, lhsNode.shape.DType, rhsNode.shape.DType)
	}
	outputShape := lhsNode.shape
	if lhsNode.shape.IsScalar() {
		outputShape = rhsNode.shape
	} else if !rhsNode.shape.IsScalar() && !lhsNode.shape.Equal(rhsNode.shape) {
		return nil, errors.Errorf("%s: operands have incompatible shapes %s and %s", opName, lhsNode.shape, rhsNode.shape)
	}
	return b.newNode(op, outputShape.Clone(), lhsNode, rhsNode), nil
}

// Add implements backends.StandardOps.
func (b *Builder) Add(lhs, rhs backends.Op) (backends.Op, error) {
	return b.binaryOp("Add", opAdd, lhs, rhs)
}

// Sub implements backends.StandardOps.
func (b *Builder) Sub(lhs, rhs backends.Op) (backends.Op, error) {
	return b.binaryOp("Sub", opSub, lhs, rhs)
}

// Mul implements backends.StandardOps.
func (b *Builder) Mul(lhs, rhs backends.Op) (backends.Op, error) {
	return b.binaryOp("Mul", opMul, lhs, rhs)
}

// Sin implements backends.StandardOps.
func (b *Builder) Sin(x backends.Op) (backends.Op, error) {
	nodes, err := b.checkOps("Sin", x)
	if err != nil {
		return nil, err
	}
	node := nodes[0]
	if !node.shape.DType.IsFloat() {
		return nil, errors.Errorf("Sin: requires a float operand, got %s", node.shape)
	}
	return b.newNode(opSin, node.shape.Clone(), node), nil
}

// ReduceSum implements backends.StandardOps.
func (b *Builder) ReduceSum(x backends.Op, axes ...int) (backends.Op, error) {
	nodes, err := b.checkOps("ReduceSum", x)
	if err != nil {
		return nil, err
	}
	node := nodes[0]
	seen := make([]bool, node.shape.Rank())
	for _, axis := range axes {
		if axis < 0 || axis >= node.shape.Rank() {
			return nil, errors.Errorf("ReduceSum: axis %d out-of-range for shape %s", axis, node.shape)
		}
		if seen[axis] {
			return nil, errors.Errorf("ReduceSum: axis %d selected more than once", axis)
		}
		seen[axis] = true
	}
	outputDims := make([]int, 0, node.shape.Rank()-len(axes))
	for axis, dim := range node.shape.Dimensions {
		if !seen[axis] {
			outputDims = append(outputDims, dim)
		}
	}
	outputNode := b.newNode(opReduceSum, shapes.Make(node.shape.DType, outputDims...), node)
	outputNode.data = slices.Clone(axes)
	return outputNode, nil
}

// Transpose implements backends.StandardOps.
func (b *Builder) Transpose(x backends.Op, permutation ...int) (backends.Op, error) {
	nodes, err := b.checkOps("Transpose", x)
	if err != nil {
		return nil, err
	}
	node := nodes[0]
	rank := node.shape.Rank()
	if len(permutation) != rank {
		return nil, errors.Errorf("Transpose: permutation %v must have one value per axis of shape %s", permutation, node.shape)
	}
	seen := make([]bool, rank)
	outputDims := make([]int, rank)
	for ii, axis := range permutation {
		if axis < 0 || axis >= rank || seen[axis] {
			return nil, errors.Errorf("Transpose: invalid permutation %v for shape %s", permutation, node.shape)
		}
		seen[axis] = true
		outputDims[ii] = node.shape.Dimensions[axis]
	}
	outputNode := b.newNode(opTranspose, shapes.Make(node.shape.DType, outputDims...), node)
	outputNode.data = slices.Clone(permutation)
	return outputNode, nil
}

// DotGeneral implements backends.StandardOps.
func (b *Builder) DotGeneral(lhs backends.Op, lhsContractingAxes, lhsBatchAxes []int,
	rhs backends.Op, rhsContractingAxes, rhsBatchAxes []int) (backends.Op, error) {
	nodes, err := b.checkOps("DotGeneral", lhs, rhs)
	if err != nil {
		return nil, err
	}
	lhsNode, rhsNode := nodes[0], nodes[1]
	if lhsNode.shape.DType != rhsNode.shape.DType {
		return nil, errors.Errorf("DotGeneral: operands have different dtypes (%s and %s)", lhsNode.shape.DType, rhsNode.shape.DType)
	}
	if len(lhsContractingAxes) != len(rhsContractingAxes) {
		return nil, errors.Errorf("DotGeneral: lhs has %d contracting axes, rhs has %d", len(lhsContractingAxes), len(rhsContractingAxes))
	}
	if len(lhsBatchAxes) != len(rhsBatchAxes) {
		return nil, errors.Errorf("DotGeneral: lhs has %d batch axes, rhs has %d", len(lhsBatchAxes), len(rhsBatchAxes))
	}
	if err := checkDotAxes(lhsNode.shape, lhsContractingAxes, lhsBatchAxes, "lhs"); err != nil {
		return nil, err
	}
	if err := checkDotAxes(rhsNode.shape, rhsContractingAxes, rhsBatchAxes, "rhs"); err != nil {
		return nil, err
	}
	for ii := range lhsContractingAxes {
		lhsDim := lhsNode.shape.Dimensions[lhsContractingAxes[ii]]
		rhsDim := rhsNode.shape.Dimensions[rhsContractingAxes[ii]]
		if lhsDim != rhsDim {
			return nil, errors.Errorf("DotGeneral: contracting dimensions #%d don't match (%d and %d)", ii, lhsDim, rhsDim)
		}
	}
	outputDims := make([]int, 0, lhsNode.shape.Rank()+rhsNode.shape.Rank())
	for ii := range lhsBatchAxes {
		lhsDim := lhsNode.shape.Dimensions[lhsBatchAxes[ii]]
		rhsDim := rhsNode.shape.Dimensions[rhsBatchAxes[ii]]
		if lhsDim != rhsDim {
			return nil, errors.Errorf("DotGeneral: batch dimensions #%d don't match (%d and %d)", ii, lhsDim, rhsDim)
		}
		outputDims = append(outputDims, lhsDim)
	}
	for _, axis := range dotCrossAxes(lhsNode.shape.Rank(), lhsContractingAxes, lhsBatchAxes) {
		outputDims = append(outputDims, lhsNode.shape.Dimensions[axis])
	}
	for _, axis := range dotCrossAxes(rhsNode.shape.Rank(), rhsContractingAxes, rhsBatchAxes) {
		outputDims = append(outputDims, rhsNode.shape.Dimensions[axis])
	}
	outputNode := b.newNode(opDotGeneral, shapes.Make(lhsNode.shape.DType, outputDims...), lhsNode, rhsNode)
	outputNode.data = &dotGeneralData{
		lhsContracting: slices.Clone(lhsContractingAxes),
		lhsBatch:       slices.Clone(lhsBatchAxes),
		rhsContracting: slices.Clone(rhsContractingAxes),
		rhsBatch:       slices.Clone(rhsBatchAxes),
	}
	return outputNode, nil
}

// checkDotAxes validates that a DotGeneral operand's contracting and batch axes are
// in-range and disjoint.
func checkDotAxes(shape shapes.Shape, contracting, batch []int, operand string) error {
	seen := make([]bool, shape.Rank())
	for _, axes := range [][]int{contracting, batch} {
		for _, axis := range axes {
			if axis < 0 || axis >= shape.Rank() {
				return errors.Errorf("DotGeneral: %s axis %d out-of-range for shape %s", operand, axis, shape)
			}
			if seen[axis] {
				return errors.Errorf("DotGeneral: %s axis %d used more than once", operand, axis)
			}
			seen[axis] = true
		}
	}
	return nil
}

// dotCrossAxes returns the operand axes that are neither contracting nor batch, in order.
func dotCrossAxes(rank int, contracting, batch []int) []int {
	axes := make([]int, 0, rank-len(contracting)-len(batch))
	for axis := 0; axis < rank; axis++ {
		if slices.Contains(contracting, axis) || slices.Contains(batch, axis) {
			continue
		}
		axes = append(axes, axis)
	}
	return axes
}

// AllReduce implements backends.CollectiveOps.
//
// The replica groups are validated against the number of participating devices at
// execution time; here only their internal consistency is checked.
func (b *Builder) AllReduce(x backends.Op, reduction backends.ReduceOpType, replicaGroups [][]int) (backends.Op, error) {
	nodes, err := b.checkOps("AllReduce", x)
	if err != nil {
		return nil, err
	}
	node := nodes[0]
	if reduction == backends.ReduceOpUndefined {
		return nil, errors.Errorf("AllReduce: reduction type is undefined")
	}
	if len(replicaGroups) == 0 {
		return nil, errors.Errorf("AllReduce: replicaGroups must not be empty")
	}
	seen := make(map[int]bool)
	groups := make([][]int, len(replicaGroups))
	for ii, group := range replicaGroups {
		if len(group) == 0 {
			return nil, errors.Errorf("AllReduce: replica group #%d is empty", ii)
		}
		for _, deviceIdx := range group {
			if deviceIdx < 0 {
				return nil, errors.Errorf("AllReduce: negative device index %d in replica group #%d", deviceIdx, ii)
			}
			if seen[deviceIdx] {
				return nil, errors.Errorf("AllReduce: device index %d appears in more than one replica group", deviceIdx)
			}
			seen[deviceIdx] = true
		}
		groups[ii] = slices.Clone(group)
	}
	outputNode := b.newNode(opAllReduce, node.shape.Clone(), node)
	outputNode.data = &allReduceData{reduction: reduction, replicaGroups: groups}
	return outputNode, nil
}

// Compile implements backends.Builder. After compiling, the builder is invalidated.
func (b *Builder) Compile(outputs ...backends.Op) (backends.Executable, error) {
	outputNodes, err := b.checkOps("Compile", outputs...)
	if err != nil {
		return nil, err
	}
	if len(outputNodes) == 0 {
		return nil, errors.Errorf("Compile: computation %q has no outputs", b.name)
	}
	b.compiled = true
	return newExecutable(b, outputNodes), nil
}
