package pe

import (
	"github.com/sarchlab/nnasim/afu"
	"github.com/sarchlab/nnasim/fxp"
)

// LearnPhase selects which training phase a request drives.
type LearnPhase int

const (
	// PhaseFeedForward is pure inference.
	PhaseFeedForward LearnPhase = iota
	// PhaseLearnFeedForward is the forward pass of a training step.
	PhaseLearnFeedForward
	// PhaseUpdateSlope accumulates batch slopes.
	PhaseUpdateSlope
	// PhaseErrorBackprop propagates errors to the upstream layer.
	PhaseErrorBackprop
	// PhaseWeightUpdate applies accumulated deltas to the weights.
	PhaseWeightUpdate

	numPhases
)

// Name returns the phase's name.
func (p LearnPhase) Name() string {
	switch p {
	case PhaseFeedForward:
		return "FeedForward"
	case PhaseLearnFeedForward:
		return "LearnFeedForward"
	case PhaseUpdateSlope:
		return "UpdateSlope"
	case PhaseErrorBackprop:
		return "ErrorBackprop"
	case PhaseWeightUpdate:
		return "WeightUpdate"
	default:
		return "Invalid"
	}
}

// Valid reports whether the phase is a supported selector.
func (p LearnPhase) Valid() bool {
	return p >= PhaseFeedForward && p < numPhases
}

// TrainingMode selects between per-pattern and batch weight updates.
type TrainingMode int

const (
	// TrainOnline updates weights after every pattern.
	TrainOnline TrainingMode = iota
	// TrainBatch accumulates slopes and updates weights once per batch.
	TrainBatch
)

// Request is what the scheduler presents to the PE on an accepted cycle.
// Most fields are semi-static for the lifetime of a neuron assignment;
// IBlock, WBlock, LearnReg, and DWIn are refreshed per response serviced.
type Request struct {
	// NumWeights is the weight count for this neuron. At most 255.
	NumWeights int
	// Index is the scheduler's view of the current weight position.
	Index int

	// DecimalPoint is the per-request binary-point position, to which the
	// format's offset is added.
	DecimalPoint int
	// Steepness is the offset-encoded activation steepness.
	Steepness int
	// Activation and ErrorFunc select the AFU tables.
	Activation afu.Func
	ErrorFunc  afu.Func

	// LearningRate and Lambda (weight decay) are fixed-point training
	// coefficients.
	LearningRate int64
	Lambda       int64
	// Bias is loaded into the accumulator once per neuron assignment.
	Bias int64

	// IBlock and WBlock are the current input and weight blocks.
	IBlock fxp.Block
	WBlock fxp.Block

	// LearnReg is the externally supplied target, stored output, or
	// accumulated-delta value, depending on the phase.
	LearnReg int64
	// DWIn is the incoming delta from the downstream layer.
	DWIn int64

	// Phase selects the training phase; Mode selects online vs batch.
	Phase LearnPhase
	Mode  TrainingMode

	// InFirst and InLast flag the pattern's position within the batch.
	InFirst bool
	InLast  bool
}

// Response is what the PE presents back to the scheduler. Valid is
// asserted on the cycles the PE requests data or announces a result.
type Response struct {
	// Valid indicates the response must be serviced for forward progress.
	Valid bool
	// Data is the scalar result (delta, output, or bias increment).
	Data int64
	// DataBlock is the weight-update block awaiting write-back.
	DataBlock fxp.Block
	// State is the PE state during the cycle, for scheduler introspection.
	State State
	// Index is the PE's weight position, telling the scheduler which
	// block to fetch next.
	Index int
	// Error is the accumulated fixed-point mean-squared error.
	Error int64
	// IncWriteCount pulses true exactly once per completed write group,
	// telling the register file to advance its write counter.
	IncWriteCount bool
}
