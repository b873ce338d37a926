// Package distributed defines the logical device topology (DeviceMesh) and the sharding
// metadata (ShardingSpec) used by the xmap engine to distribute computations.
package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/gomlx/xmap/backends"
	"github.com/gomlx/xmap/types/sets"
	"github.com/pkg/errors"
)

// DeviceMesh defines the logical topology of a set of devices on a backend.
//
// Each mesh axis is named; the names are the "resource axes" a schedule can bind named
// tensor axes to. A mesh is immutable after creation except for its name and device
// assignment, which must be set before it is used by a computation.
type DeviceMesh struct {
	name string

	// id is unique per mesh and is part of the executable cache fingerprint: two meshes
	// with the same topology are still distinct resources.
	id string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int

	// deviceAssignment lists the backend device of each logical device in the mesh, in
	// row-major mesh order. If nil, it defaults to the sequential devices 0, 1, 2, ....
	deviceAssignment []backends.DeviceNum
}

const DefaultMeshName = "mesh"

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a new logical topology of a set of devices.
//
//   - axesSizes: defines the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes. One value per axis.
//
// A mesh with no axes is valid: it has no resource axes and a single implicit device.
//
// A DeviceMesh can also be assigned a name, but because there is usually only one mesh,
// it's set to the default name "mesh" (DefaultMeshName).
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}

	axesNames = slices.Clone(axesNames)
	for i, axisName := range axesNames {
		if !IsNameValid(axisName) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with an ASCII "+
					"letter and be followed only by letters, numbers or underscore", axisName, i)
		}
	}

	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have size > 0, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}

	m := &DeviceMesh{
		name:       DefaultMeshName,
		id:         uuid.NewString(),
		axesNames:  axesNames,
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}
	return m, nil
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// Id returns the unique id of the mesh -- unique in the process, not only per topology.
func (m *DeviceMesh) Id() string {
	return m.id
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axes sizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// HasAxis returns whether the mesh has an axis with the given name.
func (m *DeviceMesh) HasAxis(axisName string) bool {
	_, found := m.nameToAxis[axisName]
	return found
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// SetDeviceAssignment sets the backend device for each logical device in the mesh, in
// row-major mesh order.
//
// The length of devices must be equal to NumDevices(), and a device cannot be repeated.
// Passing no devices resets to the default sequential assignment.
func (m *DeviceMesh) SetDeviceAssignment(devices ...backends.DeviceNum) error {
	if len(devices) == 0 {
		m.deviceAssignment = nil
		return nil
	}
	if len(devices) != m.numDevices {
		return errors.Errorf("devices must have %d elements (NumDevices()), got %d", m.numDevices, len(devices))
	}
	seen := sets.Make[backends.DeviceNum](m.numDevices)
	for _, device := range devices {
		if seen.Has(device) {
			return errors.Errorf("device #%d is duplicated in mesh assignment", device)
		}
		seen.Insert(device)
		if device < 0 {
			return errors.Errorf("devices must be >= 0, got device %d", device)
		}
	}
	m.deviceAssignment = slices.Clone(devices)
	return nil
}

// DeviceAssignment returns the backend device of each logical device in the mesh, in
// row-major mesh order. It defaults to the sequential devices 0, 1, 2, ....
func (m *DeviceMesh) DeviceAssignment() []backends.DeviceNum {
	if m.deviceAssignment == nil {
		devices := make([]backends.DeviceNum, m.numDevices)
		for i := range devices {
			devices[i] = backends.DeviceNum(i)
		}
		return devices
	}
	return slices.Clone(m.deviceAssignment)
}

// Coordinates returns the per-axis mesh coordinates of the logical device with the given
// flat index (row-major order).
func (m *DeviceMesh) Coordinates(flatIdx int) []int {
	coords := make([]int, len(m.axesSizes))
	remaining := flatIdx
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = remaining % m.axesSizes[i]
		remaining /= m.axesSizes[i]
	}
	return coords
}

// AxisCoordinate returns the coordinate of the logical device flatIdx along the given
// mesh axis.
func (m *DeviceMesh) AxisCoordinate(flatIdx int, axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.Coordinates(flatIdx)[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// Fingerprint returns a string that uniquely identifies the mesh identity and topology,
// used as part of executable cache keys.
func (m *DeviceMesh) Fingerprint() string {
	var sb strings.Builder
	sb.WriteString(m.id)
	for i, name := range m.axesNames {
		_, _ = fmt.Fprintf(&sb, "|%s=%d", name, m.axesSizes[i])
	}
	for _, device := range m.DeviceAssignment() {
		_, _ = fmt.Fprintf(&sb, ",%d", device)
	}
	return sb.String()
}

// ComputeReplicaGroups returns the replica groups participating in some collective
// (distributed) operation given the axes along which the operation is performed.
//
// Each replica group (a []int) includes the logical device indices for the axes specified.
// The other axes will be split into different replica groups.
//
// Example:
//
//	m, _ := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	// Find indices of the specified axes.
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !slices.Contains(axisIndices, i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numDevices / groupSize

	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for flatIdx := 0; flatIdx < m.numDevices; flatIdx++ {
		indices := m.Coordinates(flatIdx)

		// Group index from non-axis indices.
		groupIdx := 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		// Position within group from axis indices.
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = flatIdx
	}

	return groups, nil
}
