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

package xmap_test

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xmap/backends"
	_ "github.com/gomlx/xmap/backends/simplego"
	"github.com/gomlx/xmap/distributed"
	"github.com/gomlx/xmap/graph"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/gomlx/xmap/types/tensors"
	"github.com/gomlx/xmap/xmap"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	backendOnce sync.Once
	backend8    backends.Backend
)

// testBackend returns a shared SimpleGo backend with 8 simulated devices.
func testBackend() backends.Backend {
	backendOnce.Do(func() {
		backend8 = backends.NewWithConfig("go:8")
	})
	return backend8
}

func newMesh(t *testing.T, sizes []int, names []string) *distributed.DeviceMesh {
	t.Helper()
	return must.M1(distributed.NewDeviceMesh(sizes, names))
}

// iotaTensor returns a float32 tensor with values 0, 1, 2, ... in row-major order.
func iotaTensor(dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = float32(ii)
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func randTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = rng.Float32() - 0.5
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// mapTensor applies fn elementwise, returning a new tensor with the same shape.
func mapTensor(t *tensors.Tensor, fn func(float32) float32) *tensors.Tensor {
	in := tensors.ConstFlatData[float32](t)
	out := make([]float32, len(in))
	for ii, value := range in {
		out[ii] = fn(value)
	}
	return tensors.FromFlatDataAndDimensions(out, t.Shape().Dimensions...)
}

// transposeTensor permutes the tensor axes: output dimension i takes input dimension
// perm[i].
func transposeTensor(t *tensors.Tensor, perm ...int) *tensors.Tensor {
	in := tensors.ConstFlatData[float32](t)
	dims := t.Shape().Dimensions
	outDims := make([]int, len(dims))
	for ii, axis := range perm {
		outDims[ii] = dims[axis]
	}
	outStrides := shapes.Make(t.DType(), outDims...).Strides()
	out := make([]float32, len(in))
	coords := make([]int, len(dims))
	for _, value := range in {
		outIdx := 0
		for ii, axis := range perm {
			outIdx += coords[axis] * outStrides[ii]
		}
		out[outIdx] = value
		for axis := len(coords) - 1; axis >= 0; axis-- {
			coords[axis]++
			if coords[axis] < dims[axis] {
				break
			}
			coords[axis] = 0
		}
	}
	return tensors.FromFlatDataAndDimensions(out, outDims...)
}

// sumAxis0 sums a tensor over its first axis.
func sumAxis0(t *tensors.Tensor) *tensors.Tensor {
	in := tensors.ConstFlatData[float32](t)
	dims := t.Shape().Dimensions
	rest := len(in) / dims[0]
	out := make([]float32, rest)
	for ii, value := range in {
		out[ii%rest] += value
	}
	return tensors.FromFlatDataAndDimensions(out, dims[1:]...)
}

// matmul multiplies x (m, k) by y (k, n).
func matmul(x, y *tensors.Tensor) *tensors.Tensor {
	xFlat := tensors.ConstFlatData[float32](x)
	yFlat := tensors.ConstFlatData[float32](y)
	m, k := x.Shape().Dimensions[0], x.Shape().Dimensions[1]
	n := y.Shape().Dimensions[1]
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc float32
			for l := 0; l < k; l++ {
				acc += xFlat[i*k+l] * yFlat[l*n+j]
			}
			out[i*n+j] = acc
		}
	}
	return tensors.FromFlatDataAndDimensions(out, m, n)
}

// batchMatmul multiplies x (b, m, k) by y (b, k, n) batch by batch.
func batchMatmul(x, y *tensors.Tensor) *tensors.Tensor {
	batch := x.Shape().Dimensions[0]
	m := x.Shape().Dimensions[1]
	n := y.Shape().Dimensions[2]
	parts := make([]*tensors.Tensor, batch)
	for bb := 0; bb < batch; bb++ {
		xPart := x.Slice(0, bb, 1)
		yPart := y.Slice(0, bb, 1)
		xMat := tensors.FromFlatDataAndDimensions(tensors.ConstFlatData[float32](xPart), x.Shape().Dimensions[1], x.Shape().Dimensions[2])
		yMat := tensors.FromFlatDataAndDimensions(tensors.ConstFlatData[float32](yPart), y.Shape().Dimensions[1], y.Shape().Dimensions[2])
		product := matmul(xMat, yMat)
		parts[bb] = tensors.FromFlatDataAndDimensions(tensors.ConstFlatData[float32](product), 1, m, n)
	}
	return tensors.Concat(parts, 0)
}

func requireInDelta(t *testing.T, want, got *tensors.Tensor) {
	t.Helper()
	require.True(t, want.Shape().Equal(got.Shape()), "shapes differ: want %s, got %s", want.Shape(), got.Shape())
	require.True(t, want.InDelta(got, 1e-3), "values differ: want %s, got %s", want, got)
}

func TestBasic(t *testing.T) {
	fn := func(inputs []*graph.Node) []*graph.Node {
		a, b := inputs[0], inputs[1]
		return []*graph.Node{graph.MulScalar(a, 2), graph.MulScalar(b, 4)}
	}
	fm := xmap.New(testBackend(), fn,
		[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}, {{"c", 0}}},
		[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}, {{"c", 0}}},
		xmap.Schedule{
			{"a", "x"},
			{"b", "y"},
			{"c", "z"},
			{"a", xmap.Vectorize},
			{"b", xmap.Vectorize},
		})
	a := iotaTensor(16, 8, 5)
	b := iotaTensor(2, 7)

	mesh := newMesh(t, []int{2, 2, 2}, []string{"x", "y", "z"})
	var results []*xmap.Result
	xmap.WithMesh(mesh, func() {
		results = must.M1(fm.Call(a, b))
	})
	require.Len(t, results, 2)
	requireInDelta(t, mapTensor(a, func(v float32) float32 { return v * 2 }), results[0].Tensor)
	requireInDelta(t, mapTensor(b, func(v float32) float32 { return v * 4 }), results[1].Tensor)

	// First result: chunked over x at dim 0 and y at dim 1, second: chunked over z.
	require.NotNil(t, results[0].Sharding)
	assert.Empty(t, cmp.Diff(
		[]distributed.AxisSharding{{"x"}, {"y"}, nil},
		results[0].Sharding.Axes))
	assert.Empty(t, cmp.Diff(
		[]distributed.AxisSharding{{"z"}, nil},
		results[1].Sharding.Axes))
}

func TestBasicCollective(t *testing.T) {
	fn := func(inputs []*graph.Node) []*graph.Node {
		a, b := inputs[0], inputs[1]
		summed := xmap.ReduceSum(graph.MulScalar(a, 2), "a")
		return []*graph.Node{summed, graph.MulScalar(b, 4)}
	}
	fm := xmap.New(testBackend(), fn,
		[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}, {{"c", 0}}},
		[]xmap.AxisSpec{{{"b", 0}}, {{"c", 0}}},
		xmap.Schedule{
			{"a", "x"},
			{"b", "y"},
			{"c", "z"},
			{"a", xmap.Vectorize},
			{"b", xmap.Vectorize},
		})
	a := iotaTensor(16, 8, 5)
	b := iotaTensor(2, 7)

	mesh := newMesh(t, []int{2, 2, 2}, []string{"x", "y", "z"})
	var results []*xmap.Result
	xmap.WithMesh(mesh, func() {
		results = must.M1(fm.Call(a, b))
	})
	requireInDelta(t, sumAxis0(mapTensor(a, func(v float32) float32 { return v * 2 })), results[0].Tensor)
	requireInDelta(t, mapTensor(b, func(v float32) float32 { return v * 4 }), results[1].Tensor)
}

func TestCompilationCache(t *testing.T) {
	xmap.ClearCache()
	timesTraced := 0
	fn := func(inputs []*graph.Node) []*graph.Node {
		timesTraced++
		return []*graph.Node{graph.MulScalar(inputs[0], 2)}
	}
	fm := xmap.New(testBackend(), fn,
		[]xmap.AxisSpec{{{"a", 0}}},
		[]xmap.AxisSpec{{{"a", 0}}},
		xmap.Schedule{{"a", "x"}, {"a", xmap.Vectorize}})
	x := iotaTensor(2, 2, 2)

	mesh := newMesh(t, []int{2}, []string{"x"})
	xmap.WithMesh(mesh, func() {
		must.M1(fm.Call(x))
		must.M1(fm.Call(x))
	})
	require.Equal(t, 1, timesTraced)

	// A different shape is a different key, and traces again.
	xmap.WithMesh(mesh, func() {
		must.M1(fm.Call(iotaTensor(4, 3)))
	})
	require.Equal(t, 2, timesTraced)
}

func TestCompilationCachePerBackend(t *testing.T) {
	xmap.ClearCache()
	timesTraced := 0
	fn := func(inputs []*graph.Node) []*graph.Node {
		timesTraced++
		return []*graph.Node{graph.MulScalar(inputs[0], 2)}
	}
	inSpecs := []xmap.AxisSpec{{{"a", 0}}}
	outSpecs := []xmap.AxisSpec{{{"a", 0}}}
	schedule := xmap.Schedule{{"a", "x"}, {"a", xmap.Vectorize}}
	onSmall := xmap.New(backends.NewWithConfig("go:2"), fn, inSpecs, outSpecs, schedule)
	onLarge := xmap.New(testBackend(), fn, inSpecs, outSpecs, schedule)
	x := iotaTensor(2, 3)
	want := mapTensor(x, func(v float32) float32 { return v * 2 })

	// Identical call on a different backend compiles its own program and runs on it.
	mesh := newMesh(t, []int{2}, []string{"x"})
	xmap.WithMesh(mesh, func() {
		resultsSmall := must.M1(onSmall.Call(x))
		resultsLarge := must.M1(onLarge.Call(x))
		requireInDelta(t, want, resultsSmall[0].Tensor)
		requireInDelta(t, want, resultsLarge[0].Tensor)
	})
	require.Equal(t, 2, timesTraced)
}

func TestNestedVectorize(t *testing.T) {
	inner := xmap.New(testBackend(), func(inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{graph.Sin(inputs[0])}
	},
		[]xmap.AxisSpec{{{"b", 0}}},
		[]xmap.AxisSpec{{{"b", 1}}},
		xmap.Schedule{{"b", xmap.Vectorize}})

	outer := xmap.New(testBackend(), func(inputs []*graph.Node) []*graph.Node {
		y := graph.MulScalar(inputs[0], 2)
		return inner.Apply(y)
	},
		[]xmap.AxisSpec{{{"a", 1}}},
		[]xmap.AxisSpec{{{"a", 0}}},
		xmap.Schedule{{"a", "x"}})

	x := iotaTensor(4, 2, 5)
	mesh := newMesh(t, []int{2}, []string{"x"})
	var results []*xmap.Result
	xmap.WithMesh(mesh, func() {
		results = must.M1(outer.Call(x))
	})
	want := transposeTensor(
		mapTensor(x, func(v float32) float32 { return float32(math.Sin(float64(v * 2))) }),
		1, 0, 2)
	requireInDelta(t, want, results[0].Tensor)
}

func TestNestedMesh(t *testing.T) {
	inner := xmap.New(testBackend(), func(inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{graph.Sin(inputs[0])}
	},
		[]xmap.AxisSpec{{{"b", 0}}},
		[]xmap.AxisSpec{{{"b", 1}}},
		xmap.Schedule{{"b", "x"}})

	outer := xmap.New(testBackend(), func(inputs []*graph.Node) []*graph.Node {
		y := graph.MulScalar(inputs[0], 2)
		return inner.Apply(y)
	},
		[]xmap.AxisSpec{{{"a", 1}}},
		[]xmap.AxisSpec{{{"a", 0}}},
		xmap.Schedule{{"a", "y"}})

	x := iotaTensor(2, 3, 5)
	mesh := newMesh(t, []int{2, 3}, []string{"x", "y"})
	var results []*xmap.Result
	xmap.WithMesh(mesh, func() {
		results = must.M1(outer.Call(x))
	})
	want := transposeTensor(
		mapTensor(x, func(v float32) float32 { return float32(math.Sin(float64(v * 2))) }),
		1, 0, 2)
	requireInDelta(t, want, results[0].Tensor)

	// The op really ran across the 2D mesh: the result is chunked 3-ways over "y" at
	// dim 0 and replicated across the 2 devices of "x".
	require.NotNil(t, results[0].Sharding)
	assert.Empty(t, cmp.Diff(
		[]distributed.AxisSharding{{"y"}, nil, nil},
		results[0].Sharding.Axes))
}

// The nested composition above must match the same computation expressed as one
// flattened schedule.
func TestFlattenedScheduleEquivalence(t *testing.T) {
	flat := xmap.New(testBackend(), func(inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{graph.Sin(graph.MulScalar(inputs[0], 2))}
	},
		[]xmap.AxisSpec{{{"a", 1}, {"b", 0}}},
		[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}},
		xmap.Schedule{{"a", "y"}, {"b", "x"}})

	x := iotaTensor(2, 3, 5)
	mesh := newMesh(t, []int{2, 3}, []string{"x", "y"})
	var results []*xmap.Result
	xmap.WithMesh(mesh, func() {
		results = must.M1(flat.Call(x))
	})
	want := transposeTensor(
		mapTensor(x, func(v float32) float32 { return float32(math.Sin(float64(v * 2))) }),
		1, 0, 2)
	requireInDelta(t, want, results[0].Tensor)
}

func TestNestedDifferentResources(t *testing.T) {
	inner := xmap.New(testBackend(), func(inputs []*graph.Node) []*graph.Node {
		return inputs
	},
		[]xmap.AxisSpec{{{"b", 0}}},
		[]xmap.AxisSpec{{{"b", 0}}},
		xmap.Schedule{{"b", xmap.Vectorize}})

	emptyMesh := must.M1(distributed.NewDeviceMesh(nil, nil))
	outer := xmap.New(testBackend(), func(inputs []*graph.Node) []*graph.Node {
		var outputs []*graph.Node
		xmap.WithMesh(emptyMesh, func() {
			outputs = inner.Apply(inputs[0])
		})
		return outputs
	},
		[]xmap.AxisSpec{{{"a", 0}}},
		[]xmap.AxisSpec{{{"a", 0}}},
		xmap.Schedule{{"a", "x"}})

	x := iotaTensor(2, 5, 6)
	mesh := newMesh(t, []int{2}, []string{"x"})
	xmap.WithMesh(mesh, func() {
		_, err := outer.Call(x)
		require.ErrorIs(t, err, xmap.ErrResourceEnvironmentChanged)
	})
}

func TestPdotBasic(t *testing.T) {
	fn := func(inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{xmap.PartialDot(inputs[0], inputs[1], "i")}
	}
	fm := xmap.New(testBackend(), fn,
		[]xmap.AxisSpec{{{"i", 1}}, {{"i", 0}}},
		[]xmap.AxisSpec{{}},
		xmap.Schedule{{"i", "r1"}, {"i", xmap.Vectorize}})

	rng := rand.New(rand.NewSource(0))
	x := randTensor(rng, 3, 8)
	y := randTensor(rng, 8, 5)

	mesh := newMesh(t, []int{2}, []string{"r1"})
	var results []*xmap.Result
	xmap.WithMesh(mesh, func() {
		results = must.M1(fm.Call(x, y))
	})
	requireInDelta(t, matmul(x, y), results[0].Tensor)
}

func TestPdotBatching(t *testing.T) {
	fn := func(inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{xmap.PartialDot(inputs[0], inputs[1], "i")}
	}
	fm := xmap.New(testBackend(), fn,
		[]xmap.AxisSpec{{{"i", 2}, {"j", 0}}, {{"i", 1}, {"j", 0}}},
		[]xmap.AxisSpec{{{"j", 0}}},
		xmap.Schedule{{"j", xmap.Vectorize}, {"i", "r1"}, {"i", xmap.Vectorize}})

	rng := rand.New(rand.NewSource(0))
	x := randTensor(rng, 2, 3, 8)
	y := randTensor(rng, 2, 8, 5)

	mesh := newMesh(t, []int{2}, []string{"r1"})
	var results []*xmap.Result
	xmap.WithMesh(mesh, func() {
		results = must.M1(fm.Call(x, y))
	})
	requireInDelta(t, batchMatmul(x, y), results[0].Tensor)
}

// With every axis scheduled to Vectorize and no mesh, the transform must equal the plain
// local computation, with no sharding involved.
func TestVectorizeOnly(t *testing.T) {
	fn := func(inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{graph.Sin(graph.AddScalar(inputs[0], 1))}
	}
	fm := xmap.New(testBackend(), fn,
		[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}},
		[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}},
		xmap.Schedule{{"a", xmap.Vectorize}, {"b", xmap.Vectorize}})
	x := iotaTensor(3, 4)
	results := must.M1(fm.Call(x))
	want := mapTensor(x, func(v float32) float32 { return float32(math.Sin(float64(v + 1))) })
	requireInDelta(t, want, results[0].Tensor)
	assert.Nil(t, results[0].Sharding)
}

// reduce_sum over a vectorized axis equals the plain sum, with no communication.
func TestReduceSumVectorized(t *testing.T) {
	fn := func(inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{xmap.ReduceSum(inputs[0], "a")}
	}
	fm := xmap.New(testBackend(), fn,
		[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}},
		[]xmap.AxisSpec{{{"b", 0}}},
		xmap.Schedule{{"a", xmap.Vectorize}, {"b", xmap.Vectorize}})
	x := iotaTensor(6, 4)
	results := must.M1(fm.Call(x))
	requireInDelta(t, sumAxis0(x), results[0].Tensor)
}

func TestSPMDLoweringToggle(t *testing.T) {
	fn := func(inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{xmap.ReduceSum(inputs[0], "a")}
	}
	newTransform := func() *xmap.XMap {
		return xmap.New(testBackend(), fn,
			[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}},
			[]xmap.AxisSpec{{{"b", 0}}},
			xmap.Schedule{{"a", "x"}, {"a", xmap.Vectorize}, {"b", xmap.Vectorize}})
	}
	x := iotaTensor(8, 4)
	want := sumAxis0(x)
	mesh := newMesh(t, []int{2}, []string{"x"})

	require.True(t, xmap.SPMDLowering())
	var results []*xmap.Result
	xmap.WithMesh(mesh, func() {
		results = must.M1(newTransform().Call(x))
	})
	requireInDelta(t, want, results[0].Tensor)

	// Both lowering orders must produce the same sum.
	xmap.SetSPMDLowering(false)
	xmap.ClearCache()
	defer func() {
		xmap.SetSPMDLowering(true)
		xmap.ClearCache()
	}()
	xmap.WithMesh(mesh, func() {
		results = must.M1(newTransform().Call(x))
	})
	requireInDelta(t, want, results[0].Tensor)
}

func TestValidationErrors(t *testing.T) {
	identity := func(inputs []*graph.Node) []*graph.Node { return inputs }
	mesh := newMesh(t, []int{2}, []string{"x"})

	t.Run("AxisSpecOutOfRange", func(t *testing.T) {
		fm := xmap.New(testBackend(), identity,
			[]xmap.AxisSpec{{{"a", 3}}},
			[]xmap.AxisSpec{{{"a", 0}}},
			xmap.Schedule{{"a", xmap.Vectorize}})
		_, err := fm.Call(iotaTensor(4, 2))
		require.ErrorIs(t, err, xmap.ErrAxisSpecOutOfRange)
	})

	t.Run("AxisSizeMismatch", func(t *testing.T) {
		fn := func(inputs []*graph.Node) []*graph.Node {
			return []*graph.Node{graph.Add(inputs[0], inputs[1])}
		}
		fm := xmap.New(testBackend(), fn,
			[]xmap.AxisSpec{{{"a", 0}}, {{"a", 0}}},
			[]xmap.AxisSpec{{{"a", 0}}},
			xmap.Schedule{{"a", xmap.Vectorize}})
		_, err := fm.Call(iotaTensor(4), iotaTensor(6))
		require.ErrorIs(t, err, xmap.ErrAxisSizeMismatch)
	})

	t.Run("IndivisibleAxis", func(t *testing.T) {
		fm := xmap.New(testBackend(), identity,
			[]xmap.AxisSpec{{{"a", 0}}},
			[]xmap.AxisSpec{{{"a", 0}}},
			xmap.Schedule{{"a", "x"}, {"a", xmap.Vectorize}})
		xmap.WithMesh(mesh, func() {
			_, err := fm.Call(iotaTensor(3, 2))
			require.ErrorIs(t, err, xmap.ErrAxisSizeMismatch)
		})
	})

	t.Run("UnscheduledAxis", func(t *testing.T) {
		fm := xmap.New(testBackend(), identity,
			[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}},
			[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}},
			xmap.Schedule{{"a", xmap.Vectorize}})
		_, err := fm.Call(iotaTensor(4, 2))
		require.ErrorIs(t, err, xmap.ErrUnscheduledAxis)
	})

	t.Run("ScheduleNamesUnknownAxis", func(t *testing.T) {
		fm := xmap.New(testBackend(), identity,
			[]xmap.AxisSpec{{{"a", 0}}},
			[]xmap.AxisSpec{{{"a", 0}}},
			xmap.Schedule{{"a", xmap.Vectorize}, {"ghost", xmap.Vectorize}})
		_, err := fm.Call(iotaTensor(4))
		require.ErrorIs(t, err, xmap.ErrUnscheduledAxis)
	})

	t.Run("DuplicateResourceAxis", func(t *testing.T) {
		fn := func(inputs []*graph.Node) []*graph.Node {
			return []*graph.Node{graph.Add(inputs[0], inputs[1])}
		}
		fm := xmap.New(testBackend(), fn,
			[]xmap.AxisSpec{{{"a", 0}}, {{"b", 0}}},
			[]xmap.AxisSpec{{{"a", 0}}},
			xmap.Schedule{{"a", "x"}, {"b", "x"}, {"a", xmap.Vectorize}, {"b", xmap.Vectorize}})
		xmap.WithMesh(mesh, func() {
			_, err := fm.Call(iotaTensor(4), iotaTensor(4))
			require.ErrorIs(t, err, xmap.ErrDuplicateResourceAxis)
		})
	})

	t.Run("UnknownCollectiveAxis", func(t *testing.T) {
		fn := func(inputs []*graph.Node) []*graph.Node {
			return []*graph.Node{xmap.ReduceSum(inputs[0], "ghost")}
		}
		fm := xmap.New(testBackend(), fn,
			[]xmap.AxisSpec{{{"a", 0}}},
			[]xmap.AxisSpec{{}},
			xmap.Schedule{{"a", xmap.Vectorize}})
		_, err := fm.Call(iotaTensor(4, 3))
		require.ErrorIs(t, err, xmap.ErrUnknownCollectiveAxis)
	})

	t.Run("InsufficientDevices", func(t *testing.T) {
		smallBackend := backends.NewWithConfig("go:2")
		fm := xmap.New(smallBackend, identity,
			[]xmap.AxisSpec{{{"a", 0}}},
			[]xmap.AxisSpec{{{"a", 0}}},
			xmap.Schedule{{"a", "u"}, {"a", xmap.Vectorize}})
		bigMesh := newMesh(t, []int{2, 2}, []string{"u", "v"})
		xmap.WithMesh(bigMesh, func() {
			_, err := fm.Call(iotaTensor(4, 2))
			require.ErrorIs(t, err, xmap.ErrInsufficientDevices)
		})
	})

	t.Run("NestedMeshDuplicateAxis", func(t *testing.T) {
		otherMesh := newMesh(t, []int{2}, []string{"x"})
		err := exceptions.TryCatch[error](func() {
			xmap.WithMesh(mesh, func() {
				xmap.WithMesh(otherMesh, func() {})
			})
		})
		require.ErrorIs(t, err, xmap.ErrDuplicateResourceAxis)
	})
}

// The transform works without any active mesh for vectorize-only schedules, and properly
// restores the environment stack after nested WithMesh scopes.
func TestEnvironmentScoping(t *testing.T) {
	require.Nil(t, xmap.CurrentMesh())
	meshA := newMesh(t, []int{2}, []string{"x"})
	meshB := newMesh(t, []int{3}, []string{"y"})
	xmap.WithMesh(meshA, func() {
		require.Same(t, meshA, xmap.CurrentMesh())
		xmap.WithMesh(meshB, func() {
			require.Same(t, meshB, xmap.CurrentMesh())
		})
		require.Same(t, meshA, xmap.CurrentMesh())
	})
	require.Nil(t, xmap.CurrentMesh())
}
