// Package simplego implements a simple, and not very fast, but very portable backend for
// the xmap engine.
//
// It supports the most popular dtypes and the operations the engine stages, and it can
// simulate an arbitrary number of devices in-process: the compiled program is interpreted
// in lockstep across the simulated devices, so collective operations behave like on a real
// multi-device runtime.
package simplego

import (
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xmap/backends"
	"github.com/gomlx/xmap/internal/workerspool"
)

// BackendName to be used in XMAP_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the default constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend.
//
// The configuration string is the number of simulated devices, or empty for a
// single-device backend. E.g.: "go:4" creates a backend with 4 devices.
func New(config string) backends.Backend {
	numDevices := 1
	if config != "" {
		var err error
		numDevices, err = strconv.Atoi(config)
		if err != nil || numDevices <= 0 {
			exceptions.Panicf("invalid configuration %q for backend %q: it takes the number of simulated devices, a positive integer", config, BackendName)
		}
	}
	return &Backend{
		numDevices: backends.DeviceNum(numDevices),
		workers:    workerspool.New(0),
	}
}

// Backend implements the backends.Backend interface.
type Backend struct {
	numDevices backends.DeviceNum

	// workers bounds the goroutines evaluating the simulated devices concurrently.
	workers *workerspool.Pool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "SimpleGo (go)"
}

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Simple Go Portable Backend"
}

// NumDevices returns the number of simulated devices of this Backend.
func (b *Backend) NumDevices() backends.DeviceNum {
	return b.numDevices
}

// Builder creates a new builder used to define a new named computation.
func (b *Backend) Builder(name string) backends.Builder {
	return &Builder{
		backend: b,
		name:    name,
	}
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {}
