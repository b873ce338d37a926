package distributed

import (
	"strings"

	"github.com/gomlx/xmap/types/shapes"
	"github.com/pkg/errors"
)

// ShardingSpec defines how a logical tensor is sharded (partitioned) across a DeviceMesh.
//
// The definition is per axis of the logical tensor -- and not per axis of the mesh, a
// common confusion. If not all axes of the tensor are defined, the tail axes are
// considered simply to be replicated across the whole mesh.
//
// Each tensor axis can be replicated or sharded (chunked) across one or more mesh axes.
type ShardingSpec struct {
	Mesh *DeviceMesh
	Axes []AxisSharding
}

// AxisSharding specifies how one tensor axis is to be sharded (or replicated).
//
// It's a list of mesh axes names, in order. An empty list means the axis is replicated.
type AxisSharding []string

// ReplicatedAxis is a special AxisSharding that means the tensor axis is replicated.
var ReplicatedAxis = AxisSharding(nil)

// NewShardingSpec creates a new ShardingSpec for a tensor, defined over the given mesh
// axes. It takes an AxisSharding for each axis of the tensor (omitted axes are assumed to
// be replicated).
func NewShardingSpec(mesh *DeviceMesh, axes ...AxisSharding) (*ShardingSpec, error) {
	s := &ShardingSpec{mesh, axes}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewReplicatedShardingSpec creates a new ShardingSpec that is replicated across all
// mesh axes. It's the simplest sharding spec.
func NewReplicatedShardingSpec(mesh *DeviceMesh) *ShardingSpec {
	return &ShardingSpec{mesh, nil}
}

// Validate the spec returning an error if something is invalid.
func (s *ShardingSpec) Validate() error {
	meshAxesUsed := make(map[string]bool)
	for axisIdx, axisSharding := range s.Axes {
		for _, axisName := range axisSharding {
			if !s.Mesh.HasAxis(axisName) {
				return errors.Errorf("ShardingSpec axis #%d refers to unknown mesh axis %q", axisIdx, axisName)
			}
			if meshAxesUsed[axisName] {
				return errors.Errorf("mesh axis %q used more than once in ShardingSpec", axisName)
			}
			meshAxesUsed[axisName] = true
		}
	}
	return nil
}

// Rank returns the rank of the tensor this ShardingSpec describes.
func (s *ShardingSpec) Rank() int {
	return len(s.Axes)
}

// IsReplicated returns true if the tensor is fully replicated
// (i.e., not sharded along any axis).
func (s *ShardingSpec) IsReplicated() bool {
	for _, meshAxes := range s.Axes {
		if len(meshAxes) > 0 {
			return false
		}
	}
	return true
}

// NumDevicesShardingAxis returns the number of devices that will be used to shard the
// tensor along the given tensor axis. If the axis is replicated, it returns 1.
func (s *ShardingSpec) NumDevicesShardingAxis(axis int) int {
	if axis >= len(s.Axes) {
		return 1 // Replicated.
	}
	size := 1
	for _, meshAxis := range s.Axes[axis] {
		axisSize, err := s.Mesh.AxisSize(meshAxis)
		if err != nil {
			return 1
		}
		size *= axisSize
	}
	return size
}

// ShardShape calculates the shard shape of a tensor given its logical shape and the
// sharding specification. The logical shape is the shape of the full tensor across all
// devices; the shard shape is the shape of the tensor on a single device.
//
// If the logical shape is not divisible by the sharding spec, it returns an invalid shape.
func (s *ShardingSpec) ShardShape(logicalShape shapes.Shape) shapes.Shape {
	if s == nil || len(s.Axes) == 0 {
		return logicalShape
	}
	shardDims := make([]int, logicalShape.Rank())
	for i, dim := range logicalShape.Dimensions {
		numShards := s.NumDevicesShardingAxis(i)
		if dim%numShards != 0 {
			return shapes.Invalid()
		}
		shardDims[i] = dim / numShards
	}
	return shapes.Make(logicalShape.DType, shardDims...)
}

// LogicalShapeForShard calculates the logical shape of a tensor given its shard shape and
// the sharding specification.
func (s *ShardingSpec) LogicalShapeForShard(shardShape shapes.Shape) shapes.Shape {
	if s == nil || len(s.Axes) == 0 {
		return shardShape
	}
	logicalShape := shardShape.Clone()
	for axis, axisSharding := range s.Axes {
		if len(axisSharding) > 0 {
			logicalShape.Dimensions[axis] *= s.NumDevicesShardingAxis(axis)
		}
	}
	return logicalShape
}

// String returns a human-readable string representation of the ShardingSpec, e.g.:
// "ShardingSpec{mesh=mesh, axes=[S(x), R]}".
func (s *ShardingSpec) String() string {
	if s == nil {
		return "ShardingSpec<nil>"
	}
	var sb strings.Builder
	sb.WriteString("ShardingSpec{mesh=")
	sb.WriteString(s.Mesh.name)
	sb.WriteString(", axes=[")
	for i, axisSharding := range s.Axes {
		if i > 0 {
			sb.WriteString(", ")
		}
		if len(axisSharding) == 0 {
			sb.WriteString("R")
		} else {
			sb.WriteString("S(")
			sb.WriteString(strings.Join(axisSharding, ","))
			sb.WriteString(")")
		}
	}
	sb.WriteString("]}")
	return sb.String()
}
