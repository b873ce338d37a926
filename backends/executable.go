package backends

import (
	"github.com/gomlx/xmap/types/shapes"
)

// Executable is the API for compiled programs ready to execute.
//
// A program is executed SPMD-style: the same program runs once per participating device,
// and collective operations synchronize values across devices. The engine's control flow
// stays single-threaded: Execute may block until every participating device completed.
type Executable interface {
	// Finalize immediately frees resources associated to the executable.
	Finalize()

	// Inputs returns the list of parameter names and shapes, in the order created by the
	// Builder.Parameter calls. These are per-device (shard) shapes.
	Inputs() (names []string, inputShapes []shapes.Shape)

	// Outputs returns the list of the shapes of the outputs of the computation, in the
	// order given to the Builder.Compile call. These are per-device (shard) shapes.
	Outputs() (outputShapes []shapes.Shape)

	// Execute the executable across devices.
	//
	// inputsPerDevice must have one entry per participating device, in logical device
	// order (the order referenced by the replica groups of collective ops); each entry
	// holds that device's input buffers, matching Inputs.
	//
	// It returns the output buffers, one slice per device, in the same device order --
	// the order is reproducible across repeated executions.
	Execute(inputsPerDevice [][]Buffer) ([][]Buffer, error)
}
