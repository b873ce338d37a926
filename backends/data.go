package backends

import "github.com/gomlx/xmap/types/shapes"

// Buffer represents actual data (a tensor shard) stored in the device that is going to
// execute the program. It's used as input/output of computation execution.
// A Buffer is always associated to a DeviceNum, even if there is only one.
//
// It is opaque from the engine's perspective.
type Buffer any

// DataInterface is the Backend's sub-interface that defines the API to transfer Buffer
// to/from devices for the backend.
type DataInterface interface {
	// BufferFinalize allows the client to inform the backend that the buffer is no longer
	// needed and associated resources can be freed immediately.
	BufferFinalize(buffer Buffer) error

	// BufferShape returns the shape for the buffer.
	BufferShape(buffer Buffer) (shapes.Shape, error)

	// BufferDeviceNum returns the deviceNum for the buffer.
	BufferDeviceNum(buffer Buffer) (DeviceNum, error)

	// BufferToFlatData transfers the flat values of buffer to the Go flat slice.
	// The slice flat must have the exact number of elements required to store the
	// Buffer shape.
	BufferToFlatData(buffer Buffer, flat any) error

	// BufferFromFlatData transfers data from Go given as a flat slice (of the type
	// corresponding to the shape DType) to the deviceNum, and returns the corresponding
	// Buffer.
	BufferFromFlatData(deviceNum DeviceNum, flat any, shape shapes.Shape) (Buffer, error)
}
