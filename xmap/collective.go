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

package xmap

import (
	"sort"

	"github.com/gomlx/xmap/graph"
	"github.com/pkg/errors"
)

// spmdLowering selects how a parallel reduction is split between its local and its
// cross-device half: when enabled (the default) the local reduction runs first and only
// the reduced value crosses devices; when disabled the cross-device reduction runs on the
// whole shard before reducing locally. Both orders produce the same sum, but they compile
// to different programs.
var spmdLowering = true

// SetSPMDLowering toggles the SPMD lowering mode for collectives. It changes the
// compiled-code semantics: cached executables are NOT invalidated automatically, call
// ClearCache() after flipping it.
func SetSPMDLowering(enabled bool) { spmdLowering = enabled }

// SPMDLowering returns the current SPMD lowering mode.
func SPMDLowering() bool { return spmdLowering }

// axisBinding looks up the active binding of a collective's axis on the value's graph,
// and the physical dimension of the value holding the axis.
func axisBinding(opName string, x *graph.Node, axisName string) (graph.AxisBinding, int) {
	binding, found := x.Graph().AxisBindingByName(axisName)
	if !found {
		panic(errors.Wrapf(ErrUnknownCollectiveAxis, "%s: axis %q has no active binding", opName, axisName))
	}
	dim, present := x.NamedAxisDim(axisName)
	if !present {
		panic(errors.Wrapf(ErrUnknownCollectiveAxis, "%s: value %s doesn't carry axis %q", opName, x, axisName))
	}
	return binding, dim
}

// ReduceSum sums x over the named axis, consuming it.
//
// If the axis is bound to a mesh resource axis, the local shard sum is combined with a
// cross-device reduction scoped to that resource axis: every device holding a shard of
// the axis participates exactly once, and the result is only available after all
// participants contribute. If the axis is locally vectorized, this is an ordinary
// in-process reduction with no communication.
//
// It panics with an error wrapping ErrUnknownCollectiveAxis if axisName has no active
// binding or is not carried by x.
func ReduceSum(x *graph.Node, axisName string) *graph.Node {
	binding, dim := axisBinding("reduce_sum", x, axisName)
	parallel := binding.IsParallel() && binding.DeviceCount > 1
	if parallel && !spmdLowering {
		return graph.ReduceSum(graph.AllReduceSum(x, binding.ResourceAxis), dim)
	}
	local := graph.ReduceSum(x, dim)
	if parallel {
		local = graph.AllReduceSum(local, binding.ResourceAxis)
	}
	return local
}

// PartialDot contracts lhs and rhs over the named axis, which must be carried by both
// operands. Named axes shared by both operands other than axisName become batch
// dimensions, ordered by their position on lhs.
//
// The local partial products are contracted in-process; if the axis is bound to a mesh
// resource axis, the partial products are then sum-reduced across the devices of that
// resource axis.
func PartialDot(lhs, rhs *graph.Node, axisName string) *graph.Node {
	binding, lhsDim := axisBinding("partial_dot", lhs, axisName)
	_, rhsDim := axisBinding("partial_dot", rhs, axisName)

	type batchPair struct {
		lhsDim, rhsDim int
	}
	var batch []batchPair
	for name, dim := range lhs.NamedAxes() {
		if name == axisName {
			continue
		}
		if otherDim, shared := rhs.NamedAxisDim(name); shared {
			batch = append(batch, batchPair{lhsDim: dim, rhsDim: otherDim})
		}
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].lhsDim < batch[j].lhsDim })
	lhsBatch := make([]int, len(batch))
	rhsBatch := make([]int, len(batch))
	for ii, pair := range batch {
		lhsBatch[ii] = pair.lhsDim
		rhsBatch[ii] = pair.rhsDim
	}

	result := graph.DotGeneral(lhs, []int{lhsDim}, lhsBatch, rhs, []int{rhsDim}, rhsBatch)
	if binding.IsParallel() && binding.DeviceCount > 1 {
		result = graph.AllReduceSum(result, binding.ResourceAxis)
	}
	return result
}
