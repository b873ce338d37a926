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

// Package tensors implements a local (host) multidimensional tensor: a flat data slice
// paired with a shapes.Shape.
//
// Tensors are the values fed to and returned from compiled computations. The package also
// provides the axis-wise Slice and Concat operations used to move shards of a tensor
// to and from individual devices.
package tensors

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/gomlx/xmap/types/xslices"
	"github.com/pkg/errors"
)

// Tensor is a multidimensional array of one of the supported dtypes -- see dtypes.Supported.
//
// Its data is stored flat, in row-major order.
// Tensors are not safe for concurrent mutation, but safe for concurrent reads.
type Tensor struct {
	shape shapes.Shape

	// flat is a slice of shape.DType.GoType() with shape.Size() elements.
	flat any
}

// FromShape creates a zero-initialized Tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{shape: shape, flat: flatV.Interface()}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened
// values given in data. The data is copied. The DType is inferred from the data type.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	copy(t.flat.([]T), data)
	return t
}

// FromScalar creates a scalar tensor with the given value.
// The DType is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the given
// scalar value replicated everywhere. The DType is inferred from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	t := FromShape(shapes.Make(dtype, dimensions...))
	xslices.FillSlice(t.flat.([]T), value)
	return t
}

// FromAnyValue creates a tensor from a scalar or (nested) slices with homogeneous dimensions.
// If value is a *Tensor already, it is returned unchanged.
//
// It panics if the value type is unsupported or if the nested slices are ragged.
func FromAnyValue(value any) *Tensor {
	if t, ok := value.(*Tensor); ok {
		return t
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "tensors.FromAnyValue(%T)", value))
	}
	t := FromShape(shape)
	flatV := reflect.ValueOf(t.flat)
	pos := 0
	var fill func(v reflect.Value)
	fill = func(v reflect.Value) {
		if v.Kind() != reflect.Slice {
			flatV.Index(pos).Set(v)
			pos++
			return
		}
		for ii := 0; ii < v.Len(); ii++ {
			fill(v.Index(ii))
		}
	}
	fill(reflect.ValueOf(value))
	return t
}

// shapeForValue returns the shape of a scalar or nested-slice value, checking that
// the nested slices are regular (not ragged) and of a supported dtype.
func shapeForValue(value any) (shapes.Shape, error) {
	valueT := reflect.TypeOf(value)
	var dims []int
	v := reflect.ValueOf(value)
	for valueT.Kind() == reflect.Slice {
		if v.Len() == 0 {
			return shapes.Invalid(), errors.Errorf("empty slices not supported")
		}
		dims = append(dims, v.Len())
		valueT = valueT.Elem()
		v = v.Index(0)
	}
	dtype := dtypes.FromGoType(valueT)
	if dtype == dtypes.InvalidDType {
		return shapes.Invalid(), errors.Errorf("unsupported base type %s", valueT)
	}
	shape := shapes.Make(dtype, dims...)
	// Check the nested slices are regular.
	var check func(v reflect.Value, level int) error
	check = func(v reflect.Value, level int) error {
		if level == len(dims) {
			return nil
		}
		if v.Len() != dims[level] {
			return errors.Errorf("ragged slices: expected dimension %d at level %d, got %d",
				dims[level], level, v.Len())
		}
		for ii := 0; ii < v.Len(); ii++ {
			if err := check(v.Index(ii), level+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := check(reflect.ValueOf(value), 0); err != nil {
		return shapes.Invalid(), err
	}
	return shape, nil
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// FlatData returns the tensor's underlying flat data slice as an `any`.
// The returned slice is aliased to the tensor contents, not a copy.
func (t *Tensor) FlatData() any { return t.flat }

// ConstFlatData returns the tensor's flat data slice with its concrete type.
// It panics if T doesn't match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.ConstFlatData[%s]: tensor has dtype %s",
			dtypes.FromGenericsType[T](), t.shape.DType)
	}
	return flat
}

// Clone makes a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := FromShape(t.shape.Clone())
	reflect.Copy(reflect.ValueOf(c.flat), reflect.ValueOf(t.flat))
	return c
}

// Equal checks whether t and other have the same shape and exactly the same values.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// InDelta checks whether t and other have the same shape and all their values are within
// delta of each other. It only works for numeric (non-complex) dtypes.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	a, b := toFloat64Slice(t.flat), toFloat64Slice(other.flat)
	for ii := range a {
		diff := a[ii] - b[ii]
		if diff < -delta || diff > delta {
			return false
		}
	}
	return true
}

func toFloat64Slice(flat any) []float64 {
	switch values := flat.(type) {
	case []float64:
		return values
	case []float32:
		return xslices.Map(values, func(v float32) float64 { return float64(v) })
	case []int32:
		return xslices.Map(values, func(v int32) float64 { return float64(v) })
	case []int64:
		return xslices.Map(values, func(v int64) float64 { return float64(v) })
	case []int8:
		return xslices.Map(values, func(v int8) float64 { return float64(v) })
	case []int16:
		return xslices.Map(values, func(v int16) float64 { return float64(v) })
	case []uint8:
		return xslices.Map(values, func(v uint8) float64 { return float64(v) })
	case []uint32:
		return xslices.Map(values, func(v uint32) float64 { return float64(v) })
	case []uint64:
		return xslices.Map(values, func(v uint64) float64 { return float64(v) })
	}
	exceptions.Panicf("tensors: cannot convert %T to numeric values", flat)
	return nil
}

// Slice returns a copy of the tensor taking only size elements of the given axis,
// starting at start. All other axes are taken whole.
func (t *Tensor) Slice(axis, start, size int) *Tensor {
	rank := t.Rank()
	if axis < 0 || axis >= rank {
		exceptions.Panicf("Tensor.Slice: axis %d out-of-range for rank %d", axis, rank)
	}
	dim := t.shape.Dimensions[axis]
	if start < 0 || size <= 0 || start+size > dim {
		exceptions.Panicf("Tensor.Slice: slice [%d:%d) out-of-range for axis %d with dimension %d",
			start, start+size, axis, dim)
	}
	newDims := append([]int{}, t.shape.Dimensions...)
	newDims[axis] = size
	result := FromShape(shapes.Make(t.shape.DType, newDims...))

	// View the data as [outer, dim, inner] and copy the rows [start, start+size).
	outer, inner := 1, 1
	for ii := 0; ii < axis; ii++ {
		outer *= t.shape.Dimensions[ii]
	}
	for ii := axis + 1; ii < rank; ii++ {
		inner *= t.shape.Dimensions[ii]
	}
	srcV, dstV := reflect.ValueOf(t.flat), reflect.ValueOf(result.flat)
	for o := 0; o < outer; o++ {
		srcPos := (o*dim + start) * inner
		dstPos := o * size * inner
		reflect.Copy(dstV.Slice(dstPos, dstPos+size*inner), srcV.Slice(srcPos, srcPos+size*inner))
	}
	return result
}

// Concat concatenates the given tensors along the given axis. All tensors must have the
// same dtype and the same dimensions in every other axis.
func Concat(parts []*Tensor, axis int) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("tensors.Concat: no tensors given")
	}
	if len(parts) == 1 {
		return parts[0].Clone()
	}
	first := parts[0]
	rank := first.Rank()
	if axis < 0 || axis >= rank {
		exceptions.Panicf("tensors.Concat: axis %d out-of-range for rank %d", axis, rank)
	}
	totalDim := 0
	for _, part := range parts {
		if part.DType() != first.DType() || part.Rank() != rank {
			exceptions.Panicf("tensors.Concat: incompatible shapes %s and %s", first.shape, part.shape)
		}
		for ii := 0; ii < rank; ii++ {
			if ii != axis && part.shape.Dimensions[ii] != first.shape.Dimensions[ii] {
				exceptions.Panicf("tensors.Concat: incompatible shapes %s and %s on axis %d",
					first.shape, part.shape, ii)
			}
		}
		totalDim += part.shape.Dimensions[axis]
	}
	newDims := append([]int{}, first.shape.Dimensions...)
	newDims[axis] = totalDim
	result := FromShape(shapes.Make(first.DType(), newDims...))

	outer, inner := 1, 1
	for ii := 0; ii < axis; ii++ {
		outer *= first.shape.Dimensions[ii]
	}
	for ii := axis + 1; ii < rank; ii++ {
		inner *= first.shape.Dimensions[ii]
	}
	dstV := reflect.ValueOf(result.flat)
	for o := 0; o < outer; o++ {
		dstPos := o * totalDim * inner
		for _, part := range parts {
			partDim := part.shape.Dimensions[axis]
			srcV := reflect.ValueOf(part.flat)
			srcPos := o * partDim * inner
			reflect.Copy(dstV.Slice(dstPos, dstPos+partDim*inner), srcV.Slice(srcPos, srcPos+partDim*inner))
			dstPos += partDim * inner
		}
	}
	return result
}

// String returns a compact description of the tensor: its shape and, for small tensors,
// its values.
func (t *Tensor) String() string {
	const maxSizeToPrint = 32
	if t.Size() > maxSizeToPrint {
		return fmt.Sprintf("Tensor%s", t.shape)
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Tensor%s: %v", t.shape, t.flat)
	return sb.String()
}
