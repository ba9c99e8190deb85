package pe

// State enumerates the processing element's control states. The state space
// is closed: the per-cycle transition logic switches exhaustively over it,
// and StateError is a fatal fault, never a recoverable condition.
type State int

const (
	// StateUnallocated is the idle state awaiting a neuron assignment.
	StateUnallocated State = iota
	// StateGetInfo clears the per-neuron registers.
	StateGetInfo
	// StateWaitForInfo waits for the request that selects the phase.
	StateWaitForInfo
	// StateRequestInputsAndWeights asks the scheduler for one input/weight
	// block, loading the bias into the accumulator the first time.
	StateRequestInputsAndWeights
	// StateWaitForInputsAndWeights waits for the requested block pair.
	StateWaitForInputsAndWeights
	// StateRun accumulates one input*weight product per cycle.
	StateRun
	// StateActivationFunction holds while the AFU evaluates the
	// accumulator.
	StateActivationFunction
	// StateComputeDerivative evaluates the activation derivative.
	StateComputeDerivative
	// StateRequestExpectedOutput asks for the training target.
	StateRequestExpectedOutput
	// StateWaitForExpectedOutput waits for the training target.
	StateWaitForExpectedOutput
	// StateComputeError forms the output error and the running MSE.
	StateComputeError
	// StateErrorFunction holds while the AFU maps the output error.
	StateErrorFunction
	// StateComputeDelta turns the error into a delta, substituting a unit
	// derivative when the computed derivative is exactly zero.
	StateComputeDelta
	// StateDeltaWriteBack emits the delta.
	StateDeltaWriteBack
	// StateErrorBackpropRequestWeights asks for one weight block of the
	// delta*weight pass.
	StateErrorBackpropRequestWeights
	// StateErrorBackpropWaitForWeights waits for the weight block.
	StateErrorBackpropWaitForWeights
	// StateErrorBackpropDeltaWeightMul multiplies the delta into one
	// weight element per cycle.
	StateErrorBackpropDeltaWeightMul
	// StateErrorBackpropWeightWB emits one delta*weight block.
	StateErrorBackpropWeightWB
	// StateRequestOutputsErrorBackprop asks for the stored output of the
	// neuron being back-propagated.
	StateRequestOutputsErrorBackprop
	// StateWaitForOutputsErrorBackprop waits for that output.
	StateWaitForOutputsErrorBackprop
	// StateRequestDeltaWeightProduct asks for the downstream delta.
	StateRequestDeltaWeightProduct
	// StateWaitForDeltaWeightProduct waits for the downstream delta.
	StateWaitForDeltaWeightProduct
	// StateDone announces completion and waits to be deallocated.
	StateDone
	// StateRunUpdateSlope accumulates one slope element per cycle.
	StateRunUpdateSlope
	// StateSlopeWB emits one slope block.
	StateSlopeWB
	// StateWeightUpdateRequestDelta asks for the externally accumulated
	// delta.
	StateWeightUpdateRequestDelta
	// StateWeightUpdateWaitForDelta waits for that delta.
	StateWeightUpdateWaitForDelta
	// StateRunWeightUpdate computes one weight increment per cycle.
	StateRunWeightUpdate
	// StateWeightUpdateWriteBack emits one weight-increment block.
	StateWeightUpdateWriteBack
	// StateWeightUpdateWriteBias emits the bias increment.
	StateWeightUpdateWriteBias
	// StateError is the fatal control-flow defect state. A correct run
	// never enters it.
	StateError
)

// Name returns the state's name.
func (s State) Name() string {
	switch s {
	case StateUnallocated:
		return "Unallocated"
	case StateGetInfo:
		return "GetInfo"
	case StateWaitForInfo:
		return "WaitForInfo"
	case StateRequestInputsAndWeights:
		return "RequestInputsAndWeights"
	case StateWaitForInputsAndWeights:
		return "WaitForInputsAndWeights"
	case StateRun:
		return "Run"
	case StateActivationFunction:
		return "ActivationFunction"
	case StateComputeDerivative:
		return "ComputeDerivative"
	case StateRequestExpectedOutput:
		return "RequestExpectedOutput"
	case StateWaitForExpectedOutput:
		return "WaitForExpectedOutput"
	case StateComputeError:
		return "ComputeError"
	case StateErrorFunction:
		return "ErrorFunction"
	case StateComputeDelta:
		return "ComputeDelta"
	case StateDeltaWriteBack:
		return "DeltaWriteBack"
	case StateErrorBackpropRequestWeights:
		return "ErrorBackpropRequestWeights"
	case StateErrorBackpropWaitForWeights:
		return "ErrorBackpropWaitForWeights"
	case StateErrorBackpropDeltaWeightMul:
		return "ErrorBackpropDeltaWeightMul"
	case StateErrorBackpropWeightWB:
		return "ErrorBackpropWeightWB"
	case StateRequestOutputsErrorBackprop:
		return "RequestOutputsErrorBackprop"
	case StateWaitForOutputsErrorBackprop:
		return "WaitForOutputsErrorBackprop"
	case StateRequestDeltaWeightProduct:
		return "RequestDeltaWeightProduct"
	case StateWaitForDeltaWeightProduct:
		return "WaitForDeltaWeightProduct"
	case StateDone:
		return "Done"
	case StateRunUpdateSlope:
		return "RunUpdateSlope"
	case StateSlopeWB:
		return "SlopeWB"
	case StateWeightUpdateRequestDelta:
		return "WeightUpdateRequestDelta"
	case StateWeightUpdateWaitForDelta:
		return "WeightUpdateWaitForDelta"
	case StateRunWeightUpdate:
		return "RunWeightUpdate"
	case StateWeightUpdateWriteBack:
		return "WeightUpdateWriteBack"
	case StateWeightUpdateWriteBias:
		return "WeightUpdateWriteBias"
	case StateError:
		return "Error"
	default:
		return "Invalid"
	}
}

// String implements fmt.Stringer.
func (s State) String() string {
	return s.Name()
}
