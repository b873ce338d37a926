package simplego

import (
	"reflect"

	"github.com/gomlx/xmap/backends"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Buffer for the SimpleGo backend holds a shape, the simulated device that owns it, and
// the flat data.
type Buffer struct {
	shape     shapes.Shape
	deviceNum backends.DeviceNum
	valid     bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// newBuffer creates a zero-initialized buffer of the given shape on the given device.
func newBuffer(deviceNum backends.DeviceNum, shape shapes.Shape) *Buffer {
	return &Buffer{
		shape:     shape,
		deviceNum: deviceNum,
		valid:     true,
		flat:      reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size()).Interface(),
	}
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) int {
	return reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// castBuffer converts a backends.Buffer to *Buffer, checking validity.
func castBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer %T is not a simplego buffer", buffer)
	}
	if !buf.valid {
		return nil, errors.Errorf("buffer has already been finalized")
	}
	return buf, nil
}

// BufferFinalize releases the buffer resources immediately.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := castBuffer(buffer)
	if err != nil {
		return err
	}
	buf.valid = false
	buf.flat = nil
	return nil
}

// BufferShape returns the shape for the buffer.
func (b *Backend) BufferShape(buffer backends.Buffer) (shapes.Shape, error) {
	buf, err := castBuffer(buffer)
	if err != nil {
		return shapes.Invalid(), err
	}
	return buf.shape, nil
}

// BufferDeviceNum returns the deviceNum for the buffer.
func (b *Backend) BufferDeviceNum(buffer backends.Buffer) (backends.DeviceNum, error) {
	buf, err := castBuffer(buffer)
	if err != nil {
		return 0, err
	}
	return buf.deviceNum, nil
}

// BufferToFlatData transfers the flat values of buffer to the Go flat slice.
func (b *Backend) BufferToFlatData(buffer backends.Buffer, flat any) error {
	buf, err := castBuffer(buffer)
	if err != nil {
		return err
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != buf.shape.DType.GoType() {
		return errors.Errorf("flat type %T doesn't match buffer dtype %s", flat, buf.shape.DType)
	}
	if flatV.Len() != buf.shape.Size() {
		return errors.Errorf("flat has %d elements, buffer shape %s requires %d", flatV.Len(), buf.shape, buf.shape.Size())
	}
	copyFlat(flat, buf.flat)
	return nil
}

// BufferFromFlatData transfers data from a Go flat slice to the given simulated device,
// and returns the corresponding Buffer. The data is copied.
func (b *Backend) BufferFromFlatData(deviceNum backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error) {
	if deviceNum < 0 || deviceNum >= b.numDevices {
		return nil, errors.Errorf("deviceNum %d out-of-range for backend with %d devices", deviceNum, b.numDevices)
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != shape.DType.GoType() {
		return nil, errors.Errorf("flat type %T doesn't match shape dtype %s", flat, shape.DType)
	}
	if flatV.Len() != shape.Size() {
		return nil, errors.Errorf("flat has %d elements, shape %s requires %d", flatV.Len(), shape, shape.Size())
	}
	buf := newBuffer(deviceNum, shape.Clone())
	copyFlat(buf.flat, flat)
	return buf, nil
}
