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
	"slices"
	"strings"

	"github.com/gomlx/xmap/distributed"
	"github.com/pkg/errors"
)

// The resource environment is process-wide state scoped to nested-call lifetime: a stack
// of active device meshes, mutated only via the push/pop of WithMesh, guarded solely by
// identity checks. No locks -- the control flow of a call is single-threaded and nesting
// is structural.
var meshStack []*distributed.DeviceMesh

// WithMesh runs fn with mesh installed as the innermost resource environment frame.
//
// The frame is popped on every exit path, including panics. The mesh's resource-axis
// names must be disjoint from every enclosing frame's; a collision panics with an error
// wrapping ErrDuplicateResourceAxis.
func WithMesh(mesh *distributed.DeviceMesh, fn func()) {
	pushMesh(mesh)
	defer popMesh(mesh)
	fn()
}

func pushMesh(mesh *distributed.DeviceMesh) {
	if mesh == nil {
		panic(errors.New("WithMesh: mesh is nil"))
	}
	for _, outer := range meshStack {
		for _, name := range mesh.AxesNames() {
			if outer.HasAxis(name) {
				panic(errors.Wrapf(ErrDuplicateResourceAxis,
					"resource axis %q of mesh %q is already defined by the enclosing mesh %q", name, mesh.Name(), outer.Name()))
			}
		}
	}
	meshStack = append(meshStack, mesh)
}

func popMesh(mesh *distributed.DeviceMesh) {
	if len(meshStack) == 0 || meshStack[len(meshStack)-1] != mesh {
		panic(errors.Wrapf(ErrResourceEnvironmentChanged,
			"mesh %q is no longer the innermost resource environment frame at scope exit", mesh.Name()))
	}
	meshStack = meshStack[:len(meshStack)-1]
}

// CurrentMesh returns the innermost active mesh, or nil when no resource environment is
// active.
func CurrentMesh() *distributed.DeviceMesh {
	if len(meshStack) == 0 {
		return nil
	}
	return meshStack[len(meshStack)-1]
}

// environmentFingerprint identifies the whole stack of active frames.
func environmentFingerprint() string {
	ids := make([]string, len(meshStack))
	for ii, mesh := range meshStack {
		ids[ii] = mesh.Id()
	}
	return strings.Join(ids, "/")
}

// callFrame records one in-flight transform call: the environment it resolved against
// and the resource axes its schedule claimed.
type callFrame struct {
	name           string
	envFingerprint string
	resourceAxes   []string
}

var inFlightCalls []*callFrame

// enterCall opens a frame for a transform call. A nested call that runs under a
// different resource environment than its enclosing in-flight call panics with an error
// wrapping ErrResourceEnvironmentChanged.
func enterCall(name string) *callFrame {
	fingerprint := environmentFingerprint()
	if n := len(inFlightCalls); n > 0 && inFlightCalls[n-1].envFingerprint != fingerprint {
		panic(errors.Wrapf(ErrResourceEnvironmentChanged,
			"call %q runs under a different resource environment than the enclosing call %q",
			name, inFlightCalls[n-1].name))
	}
	frame := &callFrame{name: name, envFingerprint: fingerprint}
	inFlightCalls = append(inFlightCalls, frame)
	return frame
}

// claimResourceAxes records the parallel resource axes the frame's schedule binds,
// checking they are not in use by any enclosing in-flight call.
func (f *callFrame) claimResourceAxes(axes []string) error {
	for _, enclosing := range inFlightCalls {
		if enclosing == f {
			break
		}
		for _, axis := range axes {
			if slices.Contains(enclosing.resourceAxes, axis) {
				return errors.Wrapf(ErrDuplicateResourceAxis,
					"resource axis %q is already in use by the enclosing call %q", axis, enclosing.name)
			}
		}
	}
	f.resourceAxes = axes
	return nil
}

// exitCall closes the frame opened by enterCall. Must run on every exit path.
func exitCall(frame *callFrame) {
	if n := len(inFlightCalls); n == 0 || inFlightCalls[n-1] != frame {
		panic(errors.Wrapf(ErrResourceEnvironmentChanged,
			"call %q is no longer the innermost in-flight call at exit", frame.name))
	}
	inFlightCalls = inFlightCalls[:len(inFlightCalls)-1]
}
