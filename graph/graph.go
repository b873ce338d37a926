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

// Package graph is used to create and run computation graphs on an xmap backend.
//
// The main elements in the package are:
//
//   - Graph: the blueprint for a specific computation with specific input shapes.
//     To construct a Graph one puts together nodes or "ops" defining the operations.
//
//   - Node: represents a symbolic value in the computation. This can be an input parameter,
//     a constant, or the result of an operation (e.g.: Add, Mul, ReduceSum, Transpose).
//     Each node has a fixed shape known in "graph building time".
//
// Nodes can additionally carry named-axis annotations: a mapping from a logical axis
// name to the physical dimension of the node that holds (a shard of) that axis. The
// annotations are installed by the xmap engine when tracing a function under a schedule,
// and are propagated through the ops in this package. The engine uses them to lower
// axis-addressed collective operations.
//
// # Error Handling
//
// Graph (and its Node's) methods "throw" errors with panic(). This prevents having to
// manage error returning for every operation and makes the code much more readable. It
// always throws meaningful error messages, with the full stacktrace, to ease tracking
// bugs. See github.com/gomlx/exceptions to convert the panics to errors at API boundaries.
package graph

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xmap/backends"
	"github.com/gomlx/xmap/distributed"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/gomlx/xmap/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph with the operations and dependencies needed to run a computation.
type Graph struct {
	backend backends.Backend
	builder backends.Builder

	id   GraphId
	name string

	// nodes include all nodes known to Graph.
	nodes []*Node

	// parameters keeps track of parameter nodes, its names and a mapping of name to index.
	parameters            []*Node
	parametersNames       []string
	parameterNameToHandle map[string]ParameterHandle

	// mesh of devices the compiled program will run across; nil for single-device graphs.
	mesh       *distributed.DeviceMesh
	numDevices int

	// axisBindings maps logical (named) axes to their schedule binding while tracing
	// under the xmap engine.
	axisBindings map[string]AxisBinding

	// Compiled graph.
	executable backends.Executable
}

// GraphId is globally unique.
type GraphId int

var (
	muGraphCount sync.Mutex
	graphCount   GraphId
)

// NodeId is a unique NodeId within a Graph.
type NodeId int

// InvalidNodeId indicates a node that failed to be created.
const InvalidNodeId = NodeId(-1)

// ParameterHandle is a key to be used by Graph implementations to refer to its
// internal parameters.
type ParameterHandle int

// InvalidParameterHandle represents an invalid (or non-existent) parameter.
const InvalidParameterHandle = ParameterHandle(-1)

// AxisBinding describes how one logical (named) tensor axis is scheduled for the
// computation being built: over which mesh resource axis it is spread (if any) and
// whether it also keeps a locally vectorized dimension.
type AxisBinding struct {
	// Name of the logical axis.
	Name string

	// ResourceAxis is the mesh axis the logical axis is spread over, or "" if the axis is
	// only vectorized locally.
	ResourceAxis string

	// DeviceCount is the number of devices the axis is spread over (1 if local only).
	DeviceCount int

	// Vectorized indicates the axis also maps to an in-process vectorized dimension.
	Vectorized bool
}

// IsParallel returns whether the axis is spread over a mesh resource axis.
func (b AxisBinding) IsParallel() bool { return b.ResourceAxis != "" }

// NewGraph constructs an empty Graph.
//
// An empty Graph can be further configured (e.g., with Graph.WithMesh) until one starts
// building a computation. After building a computation, it can be compiled (see
// Graph.Compile), at which point the Graph becomes immutable and can only be executed.
func NewGraph(backend backends.Backend, name string) *Graph {
	muGraphCount.Lock()
	defer muGraphCount.Unlock()

	if name == "" {
		name = fmt.Sprintf("graph_#%d", graphCount)
	}
	g := &Graph{
		backend:               backend,
		id:                    graphCount,
		name:                  name,
		parameterNameToHandle: make(map[string]ParameterHandle),
		numDevices:            1,
	}
	graphCount++
	return g
}

// Name of the computation this Graph defines.
func (g *Graph) Name() string { return g.name }

// GraphId returns the unique id of this graph.
func (g *Graph) GraphId() GraphId { return g.id }

// Backend this Graph is building/built for.
func (g *Graph) Backend() backends.Backend { return g.backend }

// WithMesh configures the graph to be compiled for SPMD execution across the devices of
// the given mesh. It can only be set before the computation starts being built.
//
// It returns the graph, so configuring methods can be cascaded.
func (g *Graph) WithMesh(mesh *distributed.DeviceMesh) *Graph {
	g.AssertConfiguring()
	g.mesh = mesh
	g.numDevices = mesh.NumDevices()
	return g
}

// Mesh returns the device mesh the graph is being built for, or nil for single-device
// graphs.
func (g *Graph) Mesh() *distributed.DeviceMesh { return g.mesh }

// NumDevices the compiled program will run across. It is 1 for single-device graphs.
func (g *Graph) NumDevices() int { return g.numDevices }

// BindAxis installs the schedule binding for a logical axis name, used to lower
// axis-addressed collective operations while tracing. Nested transforms may bind new
// axes while the computation is being built; bindings are no longer allowed after
// compiling.
func (g *Graph) BindAxis(binding AxisBinding) *Graph {
	g.AssertBuilding()
	if g.axisBindings == nil {
		g.axisBindings = make(map[string]AxisBinding)
	}
	g.axisBindings[binding.Name] = binding
	return g
}

// UnbindAxis removes the schedule binding for a logical axis name. Used by nested
// transforms to restore the bindings of the enclosing scope.
func (g *Graph) UnbindAxis(name string) {
	g.AssertBuilding()
	delete(g.axisBindings, name)
}

// AxisBindingByName returns the schedule binding for a logical axis name.
func (g *Graph) AxisBindingByName(name string) (AxisBinding, bool) {
	binding, found := g.axisBindings[name]
	return binding, found
}

// IsValid returns whether the Graph is usable: it is not nil and hasn't been finalized.
func (g *Graph) IsValid() bool { return g != nil && g.backend != nil }

// IsCompiled returns whether the Graph has been compiled.
func (g *Graph) IsCompiled() bool { return g.IsValid() && g.executable != nil }

// IsBuilding returns whether the Graph has started building a computation and hasn't been
// compiled yet.
func (g *Graph) IsBuilding() bool { return g.IsValid() && g.executable == nil && g.builder != nil }

// AssertValid panics if graph is nil, or if it has already been finalized.
func (g *Graph) AssertValid() {
	if g == nil {
		exceptions.Panicf("the Graph is nil")
	}
	if g.backend == nil {
		exceptions.Panicf("the Graph has been finalized and can no longer be used")
	}
}

// AssertConfiguring panics if the graph has already started being built or was compiled:
// configuration changes are no longer allowed.
func (g *Graph) AssertConfiguring() {
	g.AssertValid()
	if g.builder != nil || g.executable != nil {
		exceptions.Panicf("Graph %q has already started building a computation, it can no longer be configured", g.name)
	}
}

// AssertBuilding panics if graph is nil, has been finalized, or has already been compiled.
func (g *Graph) AssertBuilding() {
	g.AssertValid()
	if g.executable != nil {
		exceptions.Panicf("Graph %q has already been compiled and can no longer be modified", g.name)
	}
}

// AssertCompiled panics if graph is nil, has been finalized, or hasn't been compiled yet.
func (g *Graph) AssertCompiled() {
	g.AssertValid()
	if g.executable == nil {
		exceptions.Panicf("Graph %q hasn't been compiled yet", g.name)
	}
}

// build returns the backend builder, lazily creating it -- which moves the Graph to
// "building" state.
func (g *Graph) build() backends.Builder {
	g.AssertBuilding()
	if g.builder == nil {
		g.builder = g.backend.Builder(g.name)
	}
	return g.builder
}

// registerNode adds a node to the graph bookkeeping and returns it.
func (g *Graph) registerNode(node *Node) *Node {
	node.id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, node)
	return node
}

// NumParameters returns the number of parameters created for this graph.
func (g *Graph) NumParameters() int { return len(g.parameters) }

// ParameterByIndex returns the ii-th parameter, in order of creation, registered for this
// graph.
func (g *Graph) ParameterByIndex(ii int) *Node { return g.parameters[ii] }

// Compile the Graph: it is given the outputs of the computation, and after this the
// Graph can only be executed -- no more nodes can be created.
func (g *Graph) Compile(outputs ...*Node) {
	g.AssertBuilding()
	if len(outputs) == 0 {
		exceptions.Panicf("Graph %q: Compile requires at least one output", g.name)
	}
	ops := make([]backends.Op, len(outputs))
	for ii, output := range outputs {
		if output.Graph() != g {
			exceptions.Panicf("Graph %q: output #%d belongs to a different graph %q", g.name, ii, output.Graph().Name())
		}
		ops[ii] = output.op
	}
	executable, err := g.build().Compile(ops...)
	if err != nil {
		panic(errors.WithMessagef(err, "failed to compile graph %q", g.name))
	}
	klog.V(1).Infof("graph %q compiled: %d nodes, %d outputs, %d device(s)",
		g.name, len(g.nodes), len(outputs), g.numDevices)
	g.executable = executable
}

// Run executes the compiled graph across its devices.
//
// inputsPerDevice must have one entry per device of the graph's mesh (a single entry for
// single-device graphs), in logical device order, each with one tensor per graph
// parameter -- the per-device shards.
//
// It returns the output tensors of each device, in the same order. It may block until all
// participating devices completed: collective operations only have results after every
// participant contributed.
func (g *Graph) Run(inputsPerDevice [][]*tensors.Tensor) [][]*tensors.Tensor {
	g.AssertCompiled()
	if len(inputsPerDevice) != g.numDevices {
		exceptions.Panicf("Graph %q compiled for %d devices, got inputs for %d", g.name, g.numDevices, len(inputsPerDevice))
	}
	deviceAssignment := g.deviceAssignment()

	// Transfer inputs.
	buffersPerDevice := make([][]backends.Buffer, len(inputsPerDevice))
	for deviceIdx, deviceInputs := range inputsPerDevice {
		if len(deviceInputs) != g.NumParameters() {
			exceptions.Panicf("Graph %q has %d parameters, got %d inputs for device #%d",
				g.name, g.NumParameters(), len(deviceInputs), deviceIdx)
		}
		buffers := make([]backends.Buffer, len(deviceInputs))
		for ii, input := range deviceInputs {
			paramShape := g.parameters[ii].Shape()
			if !input.Shape().Equal(paramShape) {
				exceptions.Panicf("Graph %q parameter %q expects shape %s, got %s for device #%d",
					g.name, g.parametersNames[ii], paramShape, input.Shape(), deviceIdx)
			}
			buffer, err := g.backend.BufferFromFlatData(deviceAssignment[deviceIdx], input.FlatData(), input.Shape())
			if err != nil {
				panic(errors.WithMessagef(err, "failed to transfer parameter %q to device #%d", g.parametersNames[ii], deviceIdx))
			}
			buffers[ii] = buffer
		}
		buffersPerDevice[deviceIdx] = buffers
	}

	outputBuffers, err := g.executable.Execute(buffersPerDevice)
	if err != nil {
		panic(errors.WithMessagef(err, "failed to execute graph %q", g.name))
	}

	// Transfer outputs back.
	outputShapes := g.executable.Outputs()
	results := make([][]*tensors.Tensor, len(outputBuffers))
	for deviceIdx, deviceBuffers := range outputBuffers {
		deviceResults := make([]*tensors.Tensor, len(deviceBuffers))
		for ii, buffer := range deviceBuffers {
			t := tensors.FromShape(outputShapes[ii])
			if err := g.backend.BufferToFlatData(buffer, t.FlatData()); err != nil {
				panic(errors.WithMessagef(err, "failed to transfer output #%d from device #%d", ii, deviceIdx))
			}
			_ = g.backend.BufferFinalize(buffer)
			deviceResults[ii] = t
		}
		results[deviceIdx] = deviceResults
	}
	return results
}

// deviceAssignment returns the logical->backend device mapping for the graph.
func (g *Graph) deviceAssignment() []backends.DeviceNum {
	if g.mesh != nil {
		return g.mesh.DeviceAssignment()
	}
	return []backends.DeviceNum{0}
}

// OutputShapes returns the per-device output shapes of the compiled graph.
func (g *Graph) OutputShapes() []shapes.Shape {
	g.AssertCompiled()
	return g.executable.Outputs()
}

// Finalize frees the resources associated to the graph immediately. The graph is left in
// an unusable state.
func (g *Graph) Finalize() {
	if g == nil || g.backend == nil {
		return
	}
	if g.executable != nil {
		g.executable.Finalize()
		g.executable = nil
	}
	g.builder = nil
	g.nodes = nil
	g.parameters = nil
	g.backend = nil
}

// String implements fmt.Stringer: it pretty-prints the list of nodes of the graph.
func (g *Graph) String() string {
	if g == nil {
		return "Graph(nil)"
	}
	result := fmt.Sprintf("Graph %q: %d nodes", g.name, len(g.nodes))
	for _, node := range g.nodes {
		result += "\n\t" + node.String()
	}
	return result
}
