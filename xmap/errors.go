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

import "github.com/pkg/errors"

// Sentinel errors of the engine, checkable with errors.Is. Every occurrence is wrapped
// with context naming the offending axis, resource axis or shape.
var (
	// ErrAxisSizeMismatch is reported when a named axis shared across arguments binds to
	// disagreeing dimension sizes, or when a parallel axis size is not divisible by the
	// device count of its resource axis.
	ErrAxisSizeMismatch = errors.New("axis size mismatch")

	// ErrAxisSpecOutOfRange is reported when an axis spec references a dimension outside
	// the rank of its argument or result.
	ErrAxisSpecOutOfRange = errors.New("axis spec out of range")

	// ErrUnscheduledAxis is reported when a named axis referenced by an axis spec is
	// missing from the schedule, or the schedule names an axis no spec references.
	ErrUnscheduledAxis = errors.New("unscheduled axis")

	// ErrDuplicateResourceAxis is reported when one resource axis is claimed by two named
	// axes, or when nested environments or nested calls reuse a resource-axis name that
	// is still active in an enclosing scope.
	ErrDuplicateResourceAxis = errors.New("duplicate resource axis")

	// ErrUnknownCollectiveAxis is reported when a collective operation addresses an axis
	// name with no active binding.
	ErrUnknownCollectiveAxis = errors.New("unknown collective axis")

	// ErrResourceEnvironmentChanged is reported when the active resource environment is
	// mutated or replaced during the dynamic extent of a call. It is fatal: partially
	// scheduled work against the old mesh cannot be salvaged.
	ErrResourceEnvironmentChanged = errors.New("changing the resource environment during a call is not supported")

	// ErrInsufficientDevices is reported when the mesh requires more devices than the
	// backend provides.
	ErrInsufficientDevices = errors.New("insufficient devices")
)
