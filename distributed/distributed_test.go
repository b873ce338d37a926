package distributed

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/xmap/backends"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeviceMesh(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{2, 3}, []string{"batch", "data"})
	require.NoError(t, err)
	assert.Equal(t, 6, mesh.NumDevices())
	assert.Equal(t, 2, mesh.Rank())
	assert.Equal(t, []string{"batch", "data"}, mesh.AxesNames())
	assert.Equal(t, []int{2, 3}, mesh.AxesSizes())
	assert.True(t, mesh.HasAxis("batch"))
	assert.False(t, mesh.HasAxis("ghost"))

	size, err := mesh.AxisSize("data")
	require.NoError(t, err)
	assert.Equal(t, 3, size)
	_, err = mesh.AxisSize("ghost")
	require.Error(t, err)

	// A mesh with no axes is a single implicit device.
	empty, err := NewDeviceMesh(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, empty.NumDevices())

	_, err = NewDeviceMesh([]int{2}, []string{"x", "y"})
	require.Error(t, err, "mismatched sizes and names lengths")
	_, err = NewDeviceMesh([]int{2, 2}, []string{"x", "x"})
	require.Error(t, err, "duplicated axis name")
	_, err = NewDeviceMesh([]int{0}, []string{"x"})
	require.Error(t, err, "axis sizes must be positive")
	_, err = NewDeviceMesh([]int{2}, []string{"1x"})
	require.Error(t, err, "axis names must be identifiers")
}

func TestMeshIdentity(t *testing.T) {
	meshA, err := NewDeviceMesh([]int{2}, []string{"x"})
	require.NoError(t, err)
	meshB, err := NewDeviceMesh([]int{2}, []string{"x"})
	require.NoError(t, err)

	// Same topology, distinct resources.
	assert.NotEqual(t, meshA.Id(), meshB.Id())
	assert.NotEqual(t, meshA.Fingerprint(), meshB.Fingerprint())

	// The device assignment is part of the fingerprint.
	before := meshA.Fingerprint()
	require.NoError(t, meshA.SetDeviceAssignment(3, 1))
	assert.NotEqual(t, before, meshA.Fingerprint())
}

func TestCoordinates(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{2, 3}, []string{"x", "y"})
	require.NoError(t, err)

	// Row-major: flat index 4 is (x=1, y=1).
	assert.Equal(t, []int{0, 0}, mesh.Coordinates(0))
	assert.Equal(t, []int{0, 2}, mesh.Coordinates(2))
	assert.Equal(t, []int{1, 1}, mesh.Coordinates(4))

	coord, err := mesh.AxisCoordinate(4, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, coord)
	coord, err = mesh.AxisCoordinate(4, "y")
	require.NoError(t, err)
	assert.Equal(t, 1, coord)
	_, err = mesh.AxisCoordinate(4, "ghost")
	require.Error(t, err)
}

func TestDeviceAssignment(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{2}, []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, []backends.DeviceNum{0, 1}, mesh.DeviceAssignment())

	require.NoError(t, mesh.SetDeviceAssignment(5, 3))
	assert.Equal(t, []backends.DeviceNum{5, 3}, mesh.DeviceAssignment())

	require.Error(t, mesh.SetDeviceAssignment(1), "wrong number of devices")
	require.Error(t, mesh.SetDeviceAssignment(1, 1), "duplicated device")
	require.Error(t, mesh.SetDeviceAssignment(-1, 0), "negative device")

	// Resetting restores the sequential default.
	require.NoError(t, mesh.SetDeviceAssignment())
	assert.Equal(t, []backends.DeviceNum{0, 1}, mesh.DeviceAssignment())
}

func TestComputeReplicaGroups(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
	require.NoError(t, err)

	groups, err := mesh.ComputeReplicaGroups([]string{"batch"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)

	groups, err = mesh.ComputeReplicaGroups([]string{"data"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)

	groups, err = mesh.ComputeReplicaGroups([]string{"batch", "data"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)

	_, err = mesh.ComputeReplicaGroups([]string{"ghost"})
	require.Error(t, err)
	_, err = mesh.ComputeReplicaGroups([]string{"batch", "batch"})
	require.Error(t, err)
}

func TestShardingSpec(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{2, 4}, []string{"x", "y"})
	require.NoError(t, err)

	spec, err := NewShardingSpec(mesh, AxisSharding{"x"}, ReplicatedAxis, AxisSharding{"y"})
	require.NoError(t, err)
	assert.Equal(t, 3, spec.Rank())
	assert.False(t, spec.IsReplicated())
	assert.Equal(t, 2, spec.NumDevicesShardingAxis(0))
	assert.Equal(t, 1, spec.NumDevicesShardingAxis(1))
	assert.Equal(t, 4, spec.NumDevicesShardingAxis(2))
	assert.Equal(t, 1, spec.NumDevicesShardingAxis(7), "axes past the spec are replicated")

	logical := shapes.Make(dtypes.Float32, 6, 5, 8)
	shard := spec.ShardShape(logical)
	assert.Equal(t, []int{3, 5, 2}, shard.Dimensions)
	assert.True(t, logical.Equal(spec.LogicalShapeForShard(shard)))

	// Indivisible dimensions have no shard shape.
	assert.False(t, spec.ShardShape(shapes.Make(dtypes.Float32, 5, 5, 8)).Ok())

	replicated := NewReplicatedShardingSpec(mesh)
	assert.True(t, replicated.IsReplicated())
	assert.True(t, logical.Equal(replicated.ShardShape(logical)))

	_, err = NewShardingSpec(mesh, AxisSharding{"ghost"})
	require.Error(t, err)
	_, err = NewShardingSpec(mesh, AxisSharding{"x"}, AxisSharding{"x"})
	require.Error(t, err, "a mesh axis cannot shard two tensor axes")
}

func TestShardingSpecString(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{2}, []string{"x"})
	require.NoError(t, err)
	spec, err := NewShardingSpec(mesh, AxisSharding{"x"}, ReplicatedAxis)
	require.NoError(t, err)
	assert.Equal(t, "ShardingSpec{mesh=mesh, axes=[S(x), R]}", spec.String())
}
