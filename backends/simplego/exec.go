package simplego

import (
	"github.com/gomlx/xmap/backends"
	"github.com/gomlx/xmap/types/shapes"
	"github.com/pkg/errors"
)

// Executable holds a frozen computation graph ready to be interpreted.
//
// Execution is simulated SPMD: the node list is walked once, in order, and each node is
// evaluated for every participating device before moving to the next node. Collective
// nodes combine the per-device values of their input within each replica group, so the
// devices stay in lockstep by construction and the participation order is deterministic.
type Executable struct {
	backend *Backend
	name    string

	nodes   []*Node
	inputs  []*Node
	outputs []*Node
}

// Compile-time check.
var _ backends.Executable = (*Executable)(nil)

func newExecutable(b *Builder, outputs []*Node) *Executable {
	return &Executable{
		backend: b.backend,
		name:    b.name,
		nodes:   b.nodes,
		inputs:  b.inputs,
		outputs: outputs,
	}
}

// Finalize immediately frees resources associated to the executable.
func (e *Executable) Finalize() {
	e.nodes = nil
	e.inputs = nil
	e.outputs = nil
}

// Inputs returns the list of parameter names and shapes, in the order created by the
// Builder.Parameter calls.
func (e *Executable) Inputs() (names []string, inputShapes []shapes.Shape) {
	names = make([]string, len(e.inputs))
	inputShapes = make([]shapes.Shape, len(e.inputs))
	for ii, node := range e.inputs {
		names[ii] = node.data.(*parameterData).name
		inputShapes[ii] = node.shape
	}
	return
}

// Outputs returns the list of the shapes of the outputs of the computation.
func (e *Executable) Outputs() (outputShapes []shapes.Shape) {
	outputShapes = make([]shapes.Shape, len(e.outputs))
	for ii, node := range e.outputs {
		outputShapes[ii] = node.shape
	}
	return
}

// Execute the computation across the simulated devices. See backends.Executable.
func (e *Executable) Execute(inputsPerDevice [][]backends.Buffer) ([][]backends.Buffer, error) {
	if e.nodes == nil {
		return nil, errors.Errorf("executable %q has been finalized", e.name)
	}
	numDevices := len(inputsPerDevice)
	if numDevices == 0 {
		return nil, errors.Errorf("executable %q: no participating devices", e.name)
	}

	// Collect per-device input flat data.
	inputFlats := make([][]any, numDevices)
	for deviceIdx, deviceInputs := range inputsPerDevice {
		if len(deviceInputs) != len(e.inputs) {
			return nil, errors.Errorf("executable %q takes %d parameters, got %d buffers for device #%d",
				e.name, len(e.inputs), len(deviceInputs), deviceIdx)
		}
		flats := make([]any, len(deviceInputs))
		for ii, buffer := range deviceInputs {
			buf, err := castBuffer(buffer)
			if err != nil {
				return nil, errors.WithMessagef(err, "executable %q, parameter #%d of device #%d", e.name, ii, deviceIdx)
			}
			paramShape := e.inputs[ii].shape
			if !buf.shape.Equal(paramShape) {
				return nil, errors.Errorf("executable %q parameter #%d expects shape %s, got %s for device #%d",
					e.name, ii, paramShape, buf.shape, deviceIdx)
			}
			flats[ii] = buf.flat
		}
		inputFlats[deviceIdx] = flats
	}

	// values[nodeIdx][deviceIdx] is the flat data the node evaluated to on the device.
	values := make([][]any, len(e.nodes))
	for _, node := range e.nodes {
		nodeValues := make([]any, numDevices)
		switch node.opType {
		case opParameter:
			param := node.data.(*parameterData)
			for deviceIdx := 0; deviceIdx < numDevices; deviceIdx++ {
				nodeValues[deviceIdx] = inputFlats[deviceIdx][param.idx]
			}

		case opConstant:
			// Constants are immutable, the flat data can be shared across devices.
			for deviceIdx := 0; deviceIdx < numDevices; deviceIdx++ {
				nodeValues[deviceIdx] = node.data
			}

		case opAllReduce:
			data := node.data.(*allReduceData)
			inputValues := values[node.inputs[0].builderIdx]
			if err := execAllReduce(node, data, inputValues, nodeValues); err != nil {
				return nil, errors.WithMessagef(err, "executable %q", e.name)
			}

		default:
			// Local ops are independent across devices, evaluate them concurrently.
			deviceErrs := make([]error, numDevices)
			e.backend.workers.ForEach(numDevices, func(deviceIdx int) {
				nodeValues[deviceIdx], deviceErrs[deviceIdx] = execLocalNode(node, values, deviceIdx)
			})
			for deviceIdx, err := range deviceErrs {
				if err != nil {
					return nil, errors.WithMessagef(err, "executable %q, device #%d", e.name, deviceIdx)
				}
			}
		}
		values[node.builderIdx] = nodeValues
	}

	// Assemble output buffers.
	deviceAssignments := make([]backends.DeviceNum, numDevices)
	for deviceIdx, deviceInputs := range inputsPerDevice {
		if len(deviceInputs) > 0 {
			deviceAssignments[deviceIdx], _ = e.backend.BufferDeviceNum(deviceInputs[0])
		} else {
			deviceAssignments[deviceIdx] = backends.DeviceNum(deviceIdx) % e.backend.numDevices
		}
	}
	results := make([][]backends.Buffer, numDevices)
	for deviceIdx := 0; deviceIdx < numDevices; deviceIdx++ {
		deviceResults := make([]backends.Buffer, len(e.outputs))
		for ii, node := range e.outputs {
			buf := newBuffer(deviceAssignments[deviceIdx], node.shape.Clone())
			copyFlat(buf.flat, values[node.builderIdx][deviceIdx])
			deviceResults[ii] = buf
		}
		results[deviceIdx] = deviceResults
	}
	return results, nil
}

// execLocalNode evaluates a non-collective node for one device.
func execLocalNode(node *Node, values [][]any, deviceIdx int) (any, error) {
	inputFlats := make([]any, len(node.inputs))
	for ii, input := range node.inputs {
		inputFlats[ii] = values[input.builderIdx][deviceIdx]
	}
	switch node.opType {
	case opAdd, opSub, opMul:
		return execBinary(node.opType, node.shape, inputFlats[0], inputFlats[1])
	case opSin:
		return execSin(node.shape, inputFlats[0])
	case opReduceSum:
		return execReduceSum(node.inputs[0].shape, node.shape, node.data.([]int), inputFlats[0])
	case opTranspose:
		return execTranspose(node.inputs[0].shape, node.shape, node.data.([]int), inputFlats[0])
	case opDotGeneral:
		return execDotGeneral(node.inputs[0].shape, node.inputs[1].shape, node.shape,
			node.data.(*dotGeneralData), inputFlats[0], inputFlats[1])
	}
	return nil, errors.Errorf("unexpected op type #%d in compiled graph", node.opType)
}

// execAllReduce combines the per-device input values within each replica group and
// distributes the result back to every member of the group.
func execAllReduce(node *Node, data *allReduceData, inputValues, nodeValues []any) error {
	numDevices := len(inputValues)
	covered := make([]bool, numDevices)
	for _, group := range data.replicaGroups {
		for _, deviceIdx := range group {
			if deviceIdx >= numDevices {
				return errors.Errorf("AllReduce: replica group references device #%d, only %d participating", deviceIdx, numDevices)
			}
			covered[deviceIdx] = true
		}
	}
	for deviceIdx, isCovered := range covered {
		if !isCovered {
			return errors.Errorf("AllReduce: device #%d is not part of any replica group", deviceIdx)
		}
	}
	for _, group := range data.replicaGroups {
		groupFlats := make([]any, len(group))
		for ii, deviceIdx := range group {
			groupFlats[ii] = inputValues[deviceIdx]
		}
		reduced, err := execGroupReduce(node.shape, data.reduction, groupFlats)
		if err != nil {
			return err
		}
		for ii, deviceIdx := range group {
			if ii == 0 {
				nodeValues[deviceIdx] = reduced
			} else {
				nodeValues[deviceIdx] = cloneFlat(reduced)
			}
		}
	}
	return nil
}
