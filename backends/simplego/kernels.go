package simplego

import (
	"math"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/xmap/backends"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/pkg/errors"
)

// SupportedTypesConstraints enumerates the Go types the SimpleGo backend computes with.
type SupportedTypesConstraints interface {
	float32 | float64 | int32 | int64
}

// execBinary evaluates an element-wise binary node. Either operand may be a scalar, in
// which case it is broadcast.
func execBinary(op opType, shape shapes.Shape, lhs, rhs any) (any, error) {
	switch shape.DType {
	case dtypes.Float32:
		return binaryGeneric(op, shape.Size(), lhs.([]float32), rhs.([]float32)), nil
	case dtypes.Float64:
		return binaryGeneric(op, shape.Size(), lhs.([]float64), rhs.([]float64)), nil
	case dtypes.Int32:
		return binaryGeneric(op, shape.Size(), lhs.([]int32), rhs.([]int32)), nil
	case dtypes.Int64:
		return binaryGeneric(op, shape.Size(), lhs.([]int64), rhs.([]int64)), nil
	}
	return nil, errors.Errorf("dtype %s not supported by %s", shape.DType, BackendName)
}

func binaryGeneric[T SupportedTypesConstraints](op opType, size int, lhs, rhs []T) []T {
	out := make([]T, size)
	lhsStride, rhsStride := 1, 1
	if len(lhs) == 1 {
		lhsStride = 0
	}
	if len(rhs) == 1 {
		rhsStride = 0
	}
	for ii := range out {
		lhsValue, rhsValue := lhs[ii*lhsStride], rhs[ii*rhsStride]
		switch op {
		case opAdd:
			out[ii] = lhsValue + rhsValue
		case opSub:
			out[ii] = lhsValue - rhsValue
		case opMul:
			out[ii] = lhsValue * rhsValue
		}
	}
	return out
}

// execSin evaluates an element-wise sine node.
func execSin(shape shapes.Shape, x any) (any, error) {
	switch shape.DType {
	case dtypes.Float32:
		flat := x.([]float32)
		out := make([]float32, len(flat))
		for ii, v := range flat {
			out[ii] = float32(math.Sin(float64(v)))
		}
		return out, nil
	case dtypes.Float64:
		flat := x.([]float64)
		out := make([]float64, len(flat))
		for ii, v := range flat {
			out[ii] = math.Sin(v)
		}
		return out, nil
	}
	return nil, errors.Errorf("Sin: dtype %s not supported by %s", shape.DType, BackendName)
}

// execReduceSum evaluates a ReduceSum node.
func execReduceSum(inShape, outShape shapes.Shape, axes []int, x any) (any, error) {
	switch inShape.DType {
	case dtypes.Float32:
		return reduceSumGeneric(inShape, outShape, axes, x.([]float32)), nil
	case dtypes.Float64:
		return reduceSumGeneric(inShape, outShape, axes, x.([]float64)), nil
	case dtypes.Int32:
		return reduceSumGeneric(inShape, outShape, axes, x.([]int32)), nil
	case dtypes.Int64:
		return reduceSumGeneric(inShape, outShape, axes, x.([]int64)), nil
	}
	return nil, errors.Errorf("ReduceSum: dtype %s not supported by %s", inShape.DType, BackendName)
}

func reduceSumGeneric[T SupportedTypesConstraints](inShape, outShape shapes.Shape, axes []int, flat []T) []T {
	out := make([]T, outShape.Size())
	rank := inShape.Rank()
	outStrides := outShape.Strides()

	// contrib[axis] is how much a step on the input axis moves the output flat index;
	// zero for reduced axes.
	contrib := make([]int, rank)
	outAxis := 0
	for axis := 0; axis < rank; axis++ {
		if slices.Contains(axes, axis) {
			continue
		}
		contrib[axis] = outStrides[outAxis]
		outAxis++
	}

	coords := make([]int, rank)
	for _, value := range flat {
		outIdx := 0
		for axis, coord := range coords {
			outIdx += coord * contrib[axis]
		}
		out[outIdx] += value
		incrementCoords(coords, inShape.Dimensions)
	}
	return out
}

// execTranspose evaluates a Transpose node.
func execTranspose(inShape, outShape shapes.Shape, permutation []int, x any) (any, error) {
	switch inShape.DType {
	case dtypes.Float32:
		return transposeGeneric(inShape, permutation, x.([]float32)), nil
	case dtypes.Float64:
		return transposeGeneric(inShape, permutation, x.([]float64)), nil
	case dtypes.Int32:
		return transposeGeneric(inShape, permutation, x.([]int32)), nil
	case dtypes.Int64:
		return transposeGeneric(inShape, permutation, x.([]int64)), nil
	}
	return nil, errors.Errorf("Transpose: dtype %s not supported by %s", inShape.DType, BackendName)
}

func transposeGeneric[T SupportedTypesConstraints](inShape shapes.Shape, permutation []int, flat []T) []T {
	rank := inShape.Rank()
	outDims := make([]int, rank)
	for ii, axis := range permutation {
		outDims[ii] = inShape.Dimensions[axis]
	}
	outStrides := stridesForDims(outDims)

	// contrib[axis] is how much a step on the input axis moves the output flat index:
	// input axis permutation[i] maps to output axis i.
	contrib := make([]int, rank)
	for ii, axis := range permutation {
		contrib[axis] = outStrides[ii]
	}

	out := make([]T, len(flat))
	coords := make([]int, rank)
	for _, value := range flat {
		outIdx := 0
		for axis, coord := range coords {
			outIdx += coord * contrib[axis]
		}
		out[outIdx] = value
		incrementCoords(coords, inShape.Dimensions)
	}
	return out
}

// execDotGeneral evaluates a DotGeneral node.
func execDotGeneral(lhsShape, rhsShape, outShape shapes.Shape, data *dotGeneralData, lhs, rhs any) (any, error) {
	switch outShape.DType {
	case dtypes.Float32:
		return dotGeneralGeneric(lhsShape, rhsShape, data, lhs.([]float32), rhs.([]float32)), nil
	case dtypes.Float64:
		return dotGeneralGeneric(lhsShape, rhsShape, data, lhs.([]float64), rhs.([]float64)), nil
	case dtypes.Int32:
		return dotGeneralGeneric(lhsShape, rhsShape, data, lhs.([]int32), rhs.([]int32)), nil
	case dtypes.Int64:
		return dotGeneralGeneric(lhsShape, rhsShape, data, lhs.([]int64), rhs.([]int64)), nil
	}
	return nil, errors.Errorf("DotGeneral: dtype %s not supported by %s", outShape.DType, BackendName)
}

// dotGeneralGeneric normalizes both operands to a [batch, cross, contract] layout and
// contracts with a straightforward triple loop.
func dotGeneralGeneric[T SupportedTypesConstraints](lhsShape, rhsShape shapes.Shape, data *dotGeneralData, lhs, rhs []T) []T {
	lhsCross := dotCrossAxes(lhsShape.Rank(), data.lhsContracting, data.lhsBatch)
	rhsCross := dotCrossAxes(rhsShape.Rank(), data.rhsContracting, data.rhsBatch)
	lhsPerm := slices.Concat(data.lhsBatch, lhsCross, data.lhsContracting)
	rhsPerm := slices.Concat(data.rhsBatch, rhsCross, data.rhsContracting)
	lhsNormalized := transposeGeneric(lhsShape, lhsPerm, lhs)
	rhsNormalized := transposeGeneric(rhsShape, rhsPerm, rhs)

	batchSize := dimsProduct(lhsShape.Dimensions, data.lhsBatch)
	lhsCrossSize := dimsProduct(lhsShape.Dimensions, lhsCross)
	rhsCrossSize := dimsProduct(rhsShape.Dimensions, rhsCross)
	contractSize := dimsProduct(lhsShape.Dimensions, data.lhsContracting)

	out := make([]T, batchSize*lhsCrossSize*rhsCrossSize)
	for batch := 0; batch < batchSize; batch++ {
		for ii := 0; ii < lhsCrossSize; ii++ {
			lhsRow := lhsNormalized[(batch*lhsCrossSize+ii)*contractSize:][:contractSize]
			for jj := 0; jj < rhsCrossSize; jj++ {
				rhsRow := rhsNormalized[(batch*rhsCrossSize+jj)*contractSize:][:contractSize]
				var acc T
				for kk := 0; kk < contractSize; kk++ {
					acc += lhsRow[kk] * rhsRow[kk]
				}
				out[(batch*lhsCrossSize+ii)*rhsCrossSize+jj] = acc
			}
		}
	}
	return out
}

// execGroupReduce combines the flat values of one replica group of an AllReduce.
func execGroupReduce(shape shapes.Shape, reduction backends.ReduceOpType, flats []any) (any, error) {
	switch shape.DType {
	case dtypes.Float32:
		return groupReduceGeneric[float32](reduction, flats)
	case dtypes.Float64:
		return groupReduceGeneric[float64](reduction, flats)
	case dtypes.Int32:
		return groupReduceGeneric[int32](reduction, flats)
	case dtypes.Int64:
		return groupReduceGeneric[int64](reduction, flats)
	}
	return nil, errors.Errorf("AllReduce: dtype %s not supported by %s", shape.DType, BackendName)
}

func groupReduceGeneric[T SupportedTypesConstraints](reduction backends.ReduceOpType, flats []any) ([]T, error) {
	out := slices.Clone(flats[0].([]T))
	for _, flat := range flats[1:] {
		for ii, value := range flat.([]T) {
			switch reduction {
			case backends.ReduceOpSum:
				out[ii] += value
			case backends.ReduceOpProduct:
				out[ii] *= value
			case backends.ReduceOpMax:
				out[ii] = max(out[ii], value)
			case backends.ReduceOpMin:
				out[ii] = min(out[ii], value)
			default:
				return nil, errors.Errorf("AllReduce: unsupported reduction %s", reduction)
			}
		}
	}
	return out, nil
}

// incrementCoords advances coords to the next position in row-major order.
func incrementCoords(coords, dims []int) {
	for axis := len(coords) - 1; axis >= 0; axis-- {
		coords[axis]++
		if coords[axis] < dims[axis] {
			return
		}
		coords[axis] = 0
	}
}

// dimsProduct returns the product of the dimensions at the given axes.
func dimsProduct(dims []int, axes []int) int {
	size := 1
	for _, axis := range axes {
		size *= dims[axis]
	}
	return size
}

// stridesForDims returns the row-major strides for the given dimensions.
func stridesForDims(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}
