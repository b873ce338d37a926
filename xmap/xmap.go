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

// Package xmap transforms a function written against named logical tensor axes into a
// physical execution plan distributed across a mesh of devices and/or vectorized
// locally.
//
// Callers address axes by name rather than position. A Schedule decides, per named axis,
// whether it becomes a parallel (device-level) dimension -- sharded across one resource
// axis of the active DeviceMesh -- or a vectorized (in-process) dimension. The transform
// traces the function once per distinct (function, specs, schedule, mesh, shapes) key,
// lowers the axis-addressed collectives (ReduceSum, PartialDot) into local reductions
// plus mesh-communication primitives, compiles through a backend, and caches the result.
//
// Typical usage:
//
//	backend := backends.NewWithConfig("go:4")
//	fm := xmap.New(backend, f,
//		[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}},
//		[]xmap.AxisSpec{{{"a", 0}, {"b", 1}}},
//		xmap.Schedule{{"a", "x"}, {"b", "y"}, {"a", xmap.Vectorize}})
//	var results []*xmap.Result
//	xmap.WithMesh(mesh, func() {
//		results = must.M1(fm.Call(a))
//	})
//
// Nested transforms are ordinary layered calls: an inner XMap is applied to traced
// values (see XMap.Apply) inside the outer function, and the environment stack encodes
// the nesting order.
package xmap

import (
	"fmt"
	"reflect"
	"runtime"
	"slices"
	"sort"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xmap/backends"
	"github.com/gomlx/xmap/distributed"
	"github.com/gomlx/xmap/graph"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/gomlx/xmap/types/tensors"
	"github.com/gomlx/xmap/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Func is a function traced by the transform: it takes one staged value per input spec
// and returns one staged value per output spec. The values carry named-axis annotations,
// so the body can use the axis-addressed collectives ReduceSum and PartialDot.
type Func func(inputs []*graph.Node) []*graph.Node

// XMap is the named-axis transform of one function: it shards (or vectorizes) inputs per
// the schedule, runs the compiled program across the mesh, and reassembles the outputs.
// Create it with New; it is immutable and may be called any number of times.
type XMap struct {
	backend  backends.Backend
	name     string
	fn       Func
	fnID     uintptr
	fnName   string
	inSpecs  []AxisSpec
	outSpecs []AxisSpec
	schedule Schedule
}

// New creates the transform of fn under the given input/output axis specs and schedule.
//
// The axis specs give, per argument and per result, the named axes and the positional
// dimensions they bind to. The schedule assigns every named axis to a mesh resource axis,
// to Vectorize, or to both (sharded, with the local remainder vectorized).
func New(backend backends.Backend, fn Func, inSpecs, outSpecs []AxisSpec, schedule Schedule) *XMap {
	fnID := reflect.ValueOf(fn).Pointer()
	fnName := "<anonymous>"
	if fnInfo := runtime.FuncForPC(fnID); fnInfo != nil {
		fnName = fnInfo.Name()
	}
	return &XMap{
		backend:  backend,
		name:     fmt.Sprintf("xmap(%s)", fnName),
		fn:       fn,
		fnID:     fnID,
		fnName:   fnName,
		inSpecs:  inSpecs,
		outSpecs: outSpecs,
		schedule: schedule,
	}
}

// WithName sets the name used in logs, error messages and graph names. It returns the
// XMap for chaining.
func (x *XMap) WithName(name string) *XMap {
	x.name = name
	return x
}

// Result is one output of an XMap call: the assembled logical tensor and how its
// per-device shards were laid out across the mesh. Sharding is nil when the call ran on
// a single device without a mesh.
type Result struct {
	*tensors.Tensor
	Sharding *distributed.ShardingSpec
}

// shardSlice describes how one input dimension is sliced per device.
type shardSlice struct {
	dim          int
	resourceAxis string
	shardDim     int
}

// chunkedDim is an output dimension chunked across one mesh resource axis.
type chunkedDim struct {
	dim          int
	resourceAxis string
}

// outputPlan describes how one output is reassembled from the per-device results.
type outputPlan struct {
	chunked  []chunkedDim
	sharding *distributed.ShardingSpec
}

// compiledCall is an immutable compiled program plus the input slicing and output
// assembly plans. It is shared through the executable cache and safely reused while the
// axis sizes and mesh identity match.
type compiledCall struct {
	graph      *graph.Graph
	mesh       *distributed.DeviceMesh
	numDevices int
	inputPlans [][]shardSlice
	outputs    []outputPlan
}

// Call invokes the transform on the given arguments, one per input spec.
//
// The sequence per call: enter an environment frame, validate axis bindings, resolve the
// schedule, probe the executable cache (tracing and compiling on a miss), shard the
// arguments, execute across the mesh devices, and reassemble the outputs per the output
// specs. The environment frame is exited on every path before an error surfaces.
func (x *XMap) Call(args ...*tensors.Tensor) (results []*Result, err error) {
	err = exceptions.TryCatch[error](func() {
		results = x.call(args)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", x.name)
	}
	return results, nil
}

func (x *XMap) call(args []*tensors.Tensor) []*Result {
	frame := enterCall(x.name)
	defer exitCall(frame)

	if len(args) != len(x.inSpecs) {
		exceptions.Panicf("%s takes %d arguments (one per input spec), got %d", x.name, len(x.inSpecs), len(args))
	}
	argShapes := xslices.Map(args, func(t *tensors.Tensor) shapes.Shape { return t.Shape() })

	// Validation: bindings, schedule, device capacity, divisibility. All of it strictly
	// precedes tracing and compilation.
	axisSizes, axisOrder, err := resolveAxisSizes(x.inSpecs, argShapes)
	if err != nil {
		panic(err)
	}
	mesh := CurrentMesh()
	resolved, err := resolveSchedule(x.schedule, mesh, axisSizes, axisOrder)
	if err != nil {
		panic(err)
	}
	if err := frame.claimResourceAxes(resolved.resourceAxes()); err != nil {
		panic(err)
	}
	numDevices := 1
	if len(resolved.parallel) > 0 {
		numDevices = mesh.NumDevices()
		if numDevices > int(x.backend.NumDevices()) {
			panic(errors.Wrapf(ErrInsufficientDevices,
				"mesh %q spans %d devices, but backend %q provides only %d", mesh.Name(), numDevices, x.backend.Name(), x.backend.NumDevices()))
		}
	}
	shardShapes, inputPlans := x.shardPlans(argShapes, resolved)

	key := x.fingerprint(mesh, argShapes)
	compiled, err := getOrCompile(key, func() (c *compiledCall, err error) {
		err = exceptions.TryCatch[error](func() {
			c = x.trace(mesh, resolved, numDevices, shardShapes, inputPlans)
		})
		return
	})
	if err != nil {
		panic(err)
	}
	return x.execute(compiled, args)
}

// shardPlans computes the per-device parameter shapes and the per-argument slicing
// plans. Parallel axes divide their dimension by the resource axis's device count.
func (x *XMap) shardPlans(argShapes []shapes.Shape, resolved *resolvedSchedule) ([]shapes.Shape, [][]shardSlice) {
	shardShapes := make([]shapes.Shape, len(argShapes))
	inputPlans := make([][]shardSlice, len(argShapes))
	for argIdx, shape := range argShapes {
		shard := shape.Clone()
		var plan []shardSlice
		for _, entry := range x.inSpecs[argIdx] {
			binding, isParallel := resolved.parallelBindingOf(entry.Name)
			if !isParallel || binding.deviceCount <= 1 {
				continue
			}
			size := shard.Dimensions[entry.Dim]
			if size%binding.deviceCount != 0 {
				panic(errors.Wrapf(ErrAxisSizeMismatch,
					"axis %q of size %d cannot be sharded across the %d devices of resource axis %q",
					entry.Name, size, binding.deviceCount, binding.resourceAxis))
			}
			shard.Dimensions[entry.Dim] = size / binding.deviceCount
			plan = append(plan, shardSlice{
				dim:          entry.Dim,
				resourceAxis: binding.resourceAxis,
				shardDim:     shard.Dimensions[entry.Dim],
			})
		}
		shardShapes[argIdx] = shard
		inputPlans[argIdx] = plan
	}
	return shardShapes, inputPlans
}

// fingerprint builds the structural cache key of one call. The backend instance is part
// of the key: a compiled program holds that backend's executable and buffers, so the same
// function over a different backend must compile again.
func (x *XMap) fingerprint(mesh *distributed.DeviceMesh, argShapes []shapes.Shape) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "backend:%s/%d@%p|fn:%s@%x|in:", x.backend.Name(), x.backend.NumDevices(), x.backend, x.fnName, x.fnID)
	for _, spec := range x.inSpecs {
		sb.WriteString(spec.String())
	}
	sb.WriteString("|out:")
	for _, spec := range x.outSpecs {
		sb.WriteString(spec.String())
	}
	sb.WriteString("|schedule:")
	sb.WriteString(x.schedule.String())
	sb.WriteString("|mesh:")
	if mesh == nil {
		sb.WriteString("<none>")
	} else {
		sb.WriteString(mesh.Fingerprint())
	}
	sb.WriteString("|shapes:")
	for _, shape := range argShapes {
		sb.WriteString(shape.String())
	}
	return sb.String()
}

// trace builds and compiles the per-device program: it stages the sharded parameters
// with their named-axis annotations, runs the user function, repositions every output
// per its out spec, and compiles the graph.
func (x *XMap) trace(mesh *distributed.DeviceMesh, resolved *resolvedSchedule, numDevices int,
	shardShapes []shapes.Shape, inputPlans [][]shardSlice) *compiledCall {
	klog.V(1).Infof("%s: tracing for %d device(s)", x.name, numDevices)
	g := graph.NewGraph(x.backend, x.name)
	var graphMesh *distributed.DeviceMesh
	if len(resolved.parallel) > 0 {
		graphMesh = mesh
		g.WithMesh(mesh)
	}
	for _, binding := range resolved.parallel {
		g.BindAxis(graph.AxisBinding{
			Name:         binding.axis,
			ResourceAxis: binding.resourceAxis,
			DeviceCount:  binding.deviceCount,
			Vectorized:   resolved.isVectorized(binding.axis),
		})
	}
	for _, axis := range resolved.vectorized {
		if _, isParallel := resolved.parallelBindingOf(axis); isParallel {
			continue
		}
		g.BindAxis(graph.AxisBinding{Name: axis, DeviceCount: 1, Vectorized: true})
	}

	inputs := make([]*graph.Node, len(shardShapes))
	for argIdx, shape := range shardShapes {
		inputs[argIdx] = graph.Parameter(g, fmt.Sprintf("arg%d", argIdx), shape).
			WithNamedAxes(x.inSpecs[argIdx].NamedDims())
	}
	outputs := x.fn(inputs)
	if len(outputs) != len(x.outSpecs) {
		exceptions.Panicf("%s returned %d values, but %d output specs were given", x.name, len(outputs), len(x.outSpecs))
	}

	outputPlans := make([]outputPlan, len(outputs))
	for outIdx, node := range outputs {
		outputs[outIdx], outputPlans[outIdx] = x.planOutput(outIdx, node, resolved, graphMesh)
	}
	g.Compile(outputs...)
	return &compiledCall{
		graph:      g,
		mesh:       graphMesh,
		numDevices: numDevices,
		inputPlans: inputPlans,
		outputs:    outputPlans,
	}
}

// planOutput repositions one traced output per its out spec (staging a transpose when
// needed) and derives its assembly plan and sharding spec.
func (x *XMap) planOutput(outIdx int, node *graph.Node, resolved *resolvedSchedule, mesh *distributed.DeviceMesh) (*graph.Node, outputPlan) {
	spec := x.outSpecs[outIdx]
	what := fmt.Sprintf("output #%d", outIdx)
	if err := checkSpec(spec, node.Rank(), what); err != nil {
		panic(err)
	}
	named := node.NamedAxes()
	for _, entry := range spec {
		if _, carried := named[entry.Name]; !carried {
			exceptions.Panicf("%s: the traced result %s doesn't carry axis %q required by the out spec %s", what, node, entry.Name, spec)
		}
	}
	for name := range named {
		if _, wanted := spec.DimOf(name); !wanted {
			exceptions.Panicf("%s: the traced result still carries axis %q, which the out spec %s drops; reduce it with a collective or add it to the spec", what, name, spec)
		}
	}
	if perm := outPermutation(node, spec); perm != nil {
		node = graph.TransposeAllAxes(node, perm...)
	}

	var chunked []chunkedDim
	for _, entry := range spec {
		binding, isParallel := resolved.parallelBindingOf(entry.Name)
		if isParallel && binding.deviceCount > 1 {
			chunked = append(chunked, chunkedDim{dim: entry.Dim, resourceAxis: binding.resourceAxis})
		}
	}
	sort.Slice(chunked, func(i, j int) bool { return chunked[i].dim < chunked[j].dim })

	var sharding *distributed.ShardingSpec
	if mesh != nil {
		axes := make([]distributed.AxisSharding, node.Rank())
		for _, chunk := range chunked {
			axes[chunk.dim] = distributed.AxisSharding{chunk.resourceAxis}
		}
		var err error
		sharding, err = distributed.NewShardingSpec(mesh, axes...)
		if err != nil {
			panic(err)
		}
	}
	return node, outputPlan{chunked: chunked, sharding: sharding}
}

// outPermutation returns the permutation that places the node's named dimensions at the
// positions the spec demands, keeping the remaining dimensions in their relative order.
// It returns nil if the node is already laid out as spec'd.
func outPermutation(node *graph.Node, spec AxisSpec) []int {
	rank := node.Rank()
	perm := make([]int, rank)
	xslices.FillSlice(perm, -1)
	taken := make([]bool, rank)
	for _, entry := range spec {
		source, _ := node.NamedAxisDim(entry.Name)
		perm[entry.Dim] = source
		taken[source] = true
	}
	free := 0
	for target := range perm {
		if perm[target] != -1 {
			continue
		}
		for taken[free] {
			free++
		}
		perm[target] = free
		taken[free] = true
	}
	if slices.Equal(perm, xslices.Iota(0, rank)) {
		return nil
	}
	return perm
}

// execute slices the arguments into per-device shards, runs the compiled program, and
// reassembles the outputs.
func (x *XMap) execute(compiled *compiledCall, args []*tensors.Tensor) []*Result {
	inputsPerDevice := make([][]*tensors.Tensor, compiled.numDevices)
	for deviceIdx := 0; deviceIdx < compiled.numDevices; deviceIdx++ {
		deviceArgs := make([]*tensors.Tensor, len(args))
		for argIdx, arg := range args {
			shard := arg
			for _, slice := range compiled.inputPlans[argIdx] {
				coord, err := compiled.mesh.AxisCoordinate(deviceIdx, slice.resourceAxis)
				if err != nil {
					panic(err)
				}
				shard = shard.Slice(slice.dim, coord*slice.shardDim, slice.shardDim)
			}
			deviceArgs[argIdx] = shard
		}
		inputsPerDevice[deviceIdx] = deviceArgs
	}

	outputsPerDevice := compiled.graph.Run(inputsPerDevice)

	results := make([]*Result, len(compiled.outputs))
	for outIdx, plan := range compiled.outputs {
		perDevice := xslices.Map(outputsPerDevice, func(deviceOutputs []*tensors.Tensor) *tensors.Tensor {
			return deviceOutputs[outIdx]
		})
		results[outIdx] = &Result{
			Tensor:   assembleOutput(plan, perDevice, compiled.mesh),
			Sharding: plan.sharding,
		}
	}
	return results
}

// assembleOutput rebuilds the logical tensor of one output: chunked dimensions are
// concatenated across their resource axis in coordinate order; replicated dimensions are
// taken from the devices at coordinate zero of the remaining mesh axes.
func assembleOutput(plan outputPlan, perDevice []*tensors.Tensor, mesh *distributed.DeviceMesh) *tensors.Tensor {
	if len(plan.chunked) == 0 {
		return perDevice[0]
	}
	coords := make(map[string]int)
	var build func(chunkIdx int) *tensors.Tensor
	build = func(chunkIdx int) *tensors.Tensor {
		if chunkIdx == len(plan.chunked) {
			return perDevice[meshFlatIndex(mesh, coords)]
		}
		chunk := plan.chunked[chunkIdx]
		size, err := mesh.AxisSize(chunk.resourceAxis)
		if err != nil {
			panic(err)
		}
		parts := make([]*tensors.Tensor, size)
		for coord := 0; coord < size; coord++ {
			coords[chunk.resourceAxis] = coord
			parts[coord] = build(chunkIdx + 1)
		}
		delete(coords, chunk.resourceAxis)
		return tensors.Concat(parts, chunk.dim)
	}
	return build(0)
}

// meshFlatIndex returns the logical device index at the given coordinates; mesh axes
// absent from coords sit at coordinate zero.
func meshFlatIndex(mesh *distributed.DeviceMesh, coords map[string]int) int {
	flatIdx := 0
	names := mesh.AxesNames()
	sizes := mesh.AxesSizes()
	for ii, name := range names {
		flatIdx = flatIdx*sizes[ii] + coords[name]
	}
	return flatIdx
}

// Apply applies the transform to traced values, inside the function of an enclosing
// transform. This is how transforms nest: the inner transform is evaluated during the
// outer tracing as plain function composition.
//
// The inner schedule is resolved against the same resource environment as the enclosing
// call (a changed environment panics with ErrResourceEnvironmentChanged) and must claim
// resource axes disjoint from every enclosing call's (ErrDuplicateResourceAxis). Axes
// bound to a resource axis by a nested schedule keep their dimension whole on every
// device -- the data is already laid out by the enclosing call -- so their collectives
// reduce locally.
func (x *XMap) Apply(inputs ...*graph.Node) []*graph.Node {
	frame := enterCall(x.name)
	defer exitCall(frame)

	if len(inputs) != len(x.inSpecs) {
		exceptions.Panicf("%s takes %d inputs (one per input spec), got %d", x.name, len(x.inSpecs), len(inputs))
	}
	if len(inputs) == 0 {
		exceptions.Panicf("%s: Apply requires at least one traced input", x.name)
	}
	g := inputs[0].Graph()
	argShapes := xslices.Map(inputs, func(node *graph.Node) shapes.Shape { return node.Shape() })
	axisSizes, axisOrder, err := resolveAxisSizes(x.inSpecs, argShapes)
	if err != nil {
		panic(err)
	}
	mesh := CurrentMesh()
	resolved, err := resolveSchedule(x.schedule, mesh, axisSizes, axisOrder)
	if err != nil {
		panic(err)
	}
	if err := frame.claimResourceAxes(resolved.resourceAxes()); err != nil {
		panic(err)
	}

	// Bind the inner axes on the graph, saving any shadowed binding of the enclosing
	// scope for restore.
	type savedBinding struct {
		binding graph.AxisBinding
		had     bool
	}
	saved := make(map[string]savedBinding, len(axisOrder))
	for _, axis := range axisOrder {
		previous, had := g.AxisBindingByName(axis)
		saved[axis] = savedBinding{binding: previous, had: had}
		binding := graph.AxisBinding{Name: axis, DeviceCount: 1, Vectorized: resolved.isVectorized(axis)}
		if parallel, isParallel := resolved.parallelBindingOf(axis); isParallel {
			binding.ResourceAxis = parallel.resourceAxis
		}
		g.BindAxis(binding)
	}
	defer func() {
		for axis, previous := range saved {
			if previous.had {
				g.BindAxis(previous.binding)
			} else {
				g.UnbindAxis(axis)
			}
		}
	}()

	annotated := make([]*graph.Node, len(inputs))
	for ii, node := range inputs {
		annotated[ii] = graph.WithAxes(node, x.inSpecs[ii].NamedDims())
	}
	outputs := x.fn(annotated)
	if len(outputs) != len(x.outSpecs) {
		exceptions.Panicf("%s returned %d values, but %d output specs were given", x.name, len(outputs), len(x.outSpecs))
	}
	for outIdx, node := range outputs {
		spec := x.outSpecs[outIdx]
		what := fmt.Sprintf("output #%d", outIdx)
		if err := checkSpec(spec, node.Rank(), what); err != nil {
			panic(err)
		}
		for _, entry := range spec {
			if _, carried := node.NamedAxisDim(entry.Name); !carried {
				exceptions.Panicf("%s: the traced result %s doesn't carry axis %q required by the out spec %s", what, node, entry.Name, spec)
			}
		}
		if perm := outPermutation(node, spec); perm != nil {
			node = graph.TransposeAllAxes(node, perm...)
		}
		outputs[outIdx] = graph.DropAxes(node, spec.Names()...)
	}
	return outputs
}
