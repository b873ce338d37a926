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
	"fmt"
	"strings"

	"github.com/gomlx/xmap/distributed"
	"github.com/pkg/errors"
)

// Vectorize is the schedule target that maps a named axis to a local, in-process
// vectorized dimension instead of a mesh resource axis. The name is reserved: a mesh
// resource axis cannot be called "vectorize".
const Vectorize = "vectorize"

// ScheduleEntry assigns one named axis to a mesh resource axis or to Vectorize.
type ScheduleEntry struct {
	Axis   string
	Target string
}

// Schedule is the caller-supplied ordered assignment of named axes to mesh resource axes
// or to local vectorization. A named axis may appear once with a resource-axis target
// and once with Vectorize: it is then sharded across devices and the per-device
// remainder is vectorized locally.
//
// The relative order of Vectorize entries fixes the local-vectorization nesting order,
// outermost first.
type Schedule []ScheduleEntry

// String implements fmt.Stringer, e.g.: "[a->x b->vectorize]".
func (s Schedule) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for ii, entry := range s {
		if ii > 0 {
			sb.WriteString(" ")
		}
		_, _ = fmt.Fprintf(&sb, "%s->%s", entry.Axis, entry.Target)
	}
	sb.WriteString("]")
	return sb.String()
}

// parallelBinding is a named axis assigned to one mesh resource axis.
type parallelBinding struct {
	axis         string
	resourceAxis string
	deviceCount  int
}

// resolvedSchedule is the deterministic output of resolving a Schedule against the
// active environment: the ordered parallel bindings and the ordered vectorized axes.
type resolvedSchedule struct {
	parallel   []parallelBinding
	vectorized []string
}

// parallelBindingOf returns the parallel binding of the axis, if it has one.
func (r *resolvedSchedule) parallelBindingOf(axis string) (parallelBinding, bool) {
	for _, binding := range r.parallel {
		if binding.axis == axis {
			return binding, true
		}
	}
	return parallelBinding{}, false
}

// isVectorized returns whether the axis is locally vectorized.
func (r *resolvedSchedule) isVectorized(axis string) bool {
	for _, vectorized := range r.vectorized {
		if vectorized == axis {
			return true
		}
	}
	return false
}

// resourceAxes returns the mesh resource axes claimed by the schedule, in order.
func (r *resolvedSchedule) resourceAxes() []string {
	axes := make([]string, len(r.parallel))
	for ii, binding := range r.parallel {
		axes[ii] = binding.resourceAxis
	}
	return axes
}

// resolveSchedule partitions the named axes into parallel (mesh-bound) and vectorized
// (local) axes, validating every entry against the active mesh.
//
// axisSizes and axisOrder come from resolveAxisSizes. The result is a pure function of
// (schedule, mesh): identical inputs always yield identical bindings -- the executable
// cache relies on this.
func resolveSchedule(schedule Schedule, mesh *distributed.DeviceMesh, axisSizes map[string]int, axisOrder []string) (*resolvedSchedule, error) {
	resolved := &resolvedSchedule{}
	for _, entry := range schedule {
		if _, found := axisSizes[entry.Axis]; !found {
			return nil, errors.Wrapf(ErrUnscheduledAxis,
				"schedule entry %s->%s names axis %q, which no input spec references", entry.Axis, entry.Target, entry.Axis)
		}
		if entry.Target == Vectorize {
			if resolved.isVectorized(entry.Axis) {
				return nil, errors.Errorf("axis %q is vectorized more than once by schedule %s", entry.Axis, schedule)
			}
			resolved.vectorized = append(resolved.vectorized, entry.Axis)
			continue
		}
		if mesh == nil {
			return nil, errors.Errorf("schedule binds axis %q to resource axis %q, but no device mesh is active", entry.Axis, entry.Target)
		}
		if !mesh.HasAxis(entry.Target) {
			return nil, errors.Errorf("schedule binds axis %q to resource axis %q, which mesh %q doesn't define (axes: %v)",
				entry.Axis, entry.Target, mesh.Name(), mesh.AxesNames())
		}
		for _, binding := range resolved.parallel {
			if binding.resourceAxis == entry.Target {
				return nil, errors.Wrapf(ErrDuplicateResourceAxis,
					"resource axis %q is claimed by both axis %q and axis %q", entry.Target, binding.axis, entry.Axis)
			}
			if binding.axis == entry.Axis {
				return nil, errors.Wrapf(ErrDuplicateResourceAxis,
					"axis %q is bound to both resource axis %q and resource axis %q", entry.Axis, binding.resourceAxis, entry.Target)
			}
		}
		deviceCount, err := mesh.AxisSize(entry.Target)
		if err != nil {
			return nil, err
		}
		resolved.parallel = append(resolved.parallel, parallelBinding{
			axis:         entry.Axis,
			resourceAxis: entry.Target,
			deviceCount:  deviceCount,
		})
	}

	// Every axis referenced by a spec must be scheduled.
	for _, axis := range axisOrder {
		if _, isParallel := resolved.parallelBindingOf(axis); !isParallel && !resolved.isVectorized(axis) {
			return nil, errors.Wrapf(ErrUnscheduledAxis,
				"axis %q (size %d) is referenced by the input specs but missing from schedule %s", axis, axisSizes[axis], schedule)
		}
	}
	return resolved, nil
}
