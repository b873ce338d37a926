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

package graph_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/xmap/backends"
	_ "github.com/gomlx/xmap/backends/simplego"
	"github.com/gomlx/xmap/distributed"
	"github.com/gomlx/xmap/graph"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/gomlx/xmap/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndRun(t *testing.T) {
	backend := backends.NewWithConfig("go:1")
	g := graph.NewGraph(backend, "build_and_run")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2, 3))
	y := graph.AddScalar(graph.MulScalar(x, 2), 1)
	g.Compile(y)
	require.True(t, g.IsCompiled())

	input := tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5}, 2, 3)
	outputs := g.Run([][]*tensors.Tensor{{input}})
	require.Len(t, outputs, 1)
	require.Len(t, outputs[0], 1)
	want := tensors.FromFlatDataAndDimensions([]float32{1, 3, 5, 7, 9, 11}, 2, 3)
	require.True(t, want.InDelta(outputs[0][0], 1e-4))
}

func TestNamedAxesPropagation(t *testing.T) {
	backend := backends.NewWithConfig("go:1")
	g := graph.NewGraph(backend, "named_axes")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2, 3, 4)).
		WithNamedAxes(map[string]int{"a": 0, "b": 1, "c": 2})

	// Element-wise ops keep the annotations.
	doubled := graph.MulScalar(x, 2)
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 2}, doubled.NamedAxes())

	// Reducing drops the reduced names and shifts the remaining dimensions.
	reduced := graph.ReduceSum(x, 1)
	assert.Equal(t, map[string]int{"a": 0, "c": 1}, reduced.NamedAxes())

	// Transposing follows the dimensions to their new positions.
	transposed := graph.TransposeAllAxes(x, 2, 0, 1)
	assert.Equal(t, map[string]int{"a": 1, "b": 2, "c": 0}, transposed.NamedAxes())

	// Annotation-only views: drop a name, then annotate the freed dimension.
	renamed := graph.WithAxes(graph.DropAxes(reduced, "c"), map[string]int{"extra": 1})
	assert.Equal(t, map[string]int{"a": 0, "extra": 1}, renamed.NamedAxes())
	assert.Equal(t, map[string]int{"extra": 1}, graph.DropAxes(renamed, "a").NamedAxes())

	// A dimension carries at most one name, even on views.
	err := exceptions.TryCatch[error](func() {
		graph.WithAxes(reduced, map[string]int{"extra": 0})
	})
	require.ErrorContains(t, err, "already annotated")

	// The views don't mutate the original node.
	assert.Equal(t, map[string]int{"a": 0, "c": 1}, reduced.NamedAxes())

	dim, found := renamed.NamedAxisDim("extra")
	require.True(t, found)
	assert.Equal(t, 1, dim)
}

func TestNamedAxesConflict(t *testing.T) {
	backend := backends.NewWithConfig("go:1")
	g := graph.NewGraph(backend, "axes_conflict")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2, 2)).
		WithNamedAxes(map[string]int{"a": 0})
	y := graph.Parameter(g, "y", shapes.Make(dtypes.Float32, 2, 2)).
		WithNamedAxes(map[string]int{"a": 1})
	err := exceptions.TryCatch[error](func() { graph.Add(x, y) })
	require.ErrorContains(t, err, "named axis")
}

func TestDotGeneralNamedAxes(t *testing.T) {
	backend := backends.NewWithConfig("go:1")
	g := graph.NewGraph(backend, "dot_named")
	// lhs (batch=2, m=3, k=4), rhs (batch=2, k=4, n=5); contraction consumes "k".
	lhs := graph.Parameter(g, "lhs", shapes.Make(dtypes.Float32, 2, 3, 4)).
		WithNamedAxes(map[string]int{"batch": 0, "m": 1, "k": 2})
	rhs := graph.Parameter(g, "rhs", shapes.Make(dtypes.Float32, 2, 4, 5)).
		WithNamedAxes(map[string]int{"batch": 0, "k": 1, "n": 2})
	dot := graph.DotGeneral(lhs, []int{2}, []int{0}, rhs, []int{1}, []int{0})
	assert.Equal(t, []int{2, 3, 5}, dot.Shape().Dimensions)
	assert.Equal(t, map[string]int{"batch": 0, "m": 1, "n": 2}, dot.NamedAxes())
}

func TestAllReduceSum(t *testing.T) {
	backend := backends.NewWithConfig("go:2")
	mesh := must.M1(distributed.NewDeviceMesh([]int{2}, []string{"x"}))
	g := graph.NewGraph(backend, "all_reduce").WithMesh(mesh)
	require.Equal(t, 2, g.NumDevices())

	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 3)).
		WithNamedAxes(map[string]int{"a": 0})
	summed := graph.AllReduceSum(x, "x")
	assert.Equal(t, map[string]int{"a": 0}, summed.NamedAxes())
	g.Compile(summed)

	outputs := g.Run([][]*tensors.Tensor{
		{tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)},
		{tensors.FromFlatDataAndDimensions([]float32{10, 20, 30}, 3)},
	})
	require.Len(t, outputs, 2)
	want := tensors.FromFlatDataAndDimensions([]float32{11, 22, 33}, 3)
	for deviceIdx := range outputs {
		require.True(t, want.InDelta(outputs[deviceIdx][0], 1e-4), "device #%d", deviceIdx)
	}
}

func TestAxisBindings(t *testing.T) {
	backend := backends.NewWithConfig("go:1")
	g := graph.NewGraph(backend, "bindings")
	g.BindAxis(graph.AxisBinding{Name: "a", ResourceAxis: "x", DeviceCount: 2, Vectorized: true})
	g.BindAxis(graph.AxisBinding{Name: "b", DeviceCount: 1, Vectorized: true})

	binding, found := g.AxisBindingByName("a")
	require.True(t, found)
	assert.True(t, binding.IsParallel())
	assert.Equal(t, 2, binding.DeviceCount)

	binding, found = g.AxisBindingByName("b")
	require.True(t, found)
	assert.False(t, binding.IsParallel())

	g.UnbindAxis("b")
	_, found = g.AxisBindingByName("b")
	assert.False(t, found)
}

func TestGraphStateChecks(t *testing.T) {
	backend := backends.NewWithConfig("go:1")
	g := graph.NewGraph(backend, "states")
	x := graph.Parameter(g, "x", shapes.Make(dtypes.Float32, 2))

	// Mesh configuration is sealed once building starts.
	mesh := must.M1(distributed.NewDeviceMesh([]int{1}, []string{"x"}))
	err := exceptions.TryCatch[error](func() { g.WithMesh(mesh) })
	require.ErrorContains(t, err, "already started building")

	g.Compile(x)
	err = exceptions.TryCatch[error](func() { graph.MulScalar(x, 2) })
	require.ErrorContains(t, err, "already been compiled")

	// Nodes cannot cross graphs.
	other := graph.NewGraph(backend, "other")
	y := graph.Parameter(other, "y", shapes.Make(dtypes.Float32, 2))
	err = exceptions.TryCatch[error](func() { graph.Add(y, graph.Parameter(other, "z", shapes.Make(dtypes.Float32, 2))) })
	require.NoError(t, err)
	err = exceptions.TryCatch[error](func() {
		graph.Add(graph.Parameter(graph.NewGraph(backend, "yet_another"), "w", shapes.Make(dtypes.Float32, 2)), y)
	})
	require.Error(t, err)

	g.Finalize()
	assert.False(t, g.IsValid())
}
