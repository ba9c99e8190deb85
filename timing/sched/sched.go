// Package sched provides the scheduler-side driver for processing
// elements.
//
// A Runner plays the role of the PE table for one PE: it presents the
// request each cycle, services the PE's responses (block fetches, target
// and delta fetches, write-back routing), models the fetch latencies by
// withholding the request, and advances the register-file write counter on
// incWriteCount pulses.
package sched

import (
	"github.com/pkg/errors"

	"github.com/sarchlab/nnasim/afu"
	"github.com/sarchlab/nnasim/fxp"
	"github.com/sarchlab/nnasim/timing/latency"
	"github.com/sarchlab/nnasim/timing/pe"
	"github.com/sarchlab/nnasim/timing/regfile"
	"github.com/sarchlab/nnasim/timing/scratchpad"
)

// ErrLivenessBound reports that a neuron run exceeded its cycle budget.
// The PE guarantees completion in cycles proportional to the weight count,
// so hitting the bound is a defect, not a long computation.
var ErrLivenessBound = errors.New("sched: cycle budget exceeded")

// cyclesPerWeight bounds the run length: every weight costs a bounded
// number of request/wait/compute/write-back cycles plus fetch latencies.
const cyclesPerWeight = 64

// baseCycleBudget covers the fixed allocation and completion overhead.
const baseCycleBudget = 512

// Statistics holds run counters for the driver.
type Statistics struct {
	// Cycles is the total number of cycles driven.
	Cycles uint64
	// StallCycles is the number of cycles spent modeling fetch latency.
	StallCycles uint64
	// Neurons is the number of completed neuron runs.
	Neurons uint64
}

// Result is the outcome of one neuron run.
type Result struct {
	// Output is the PE's scalar result (activation output or delta).
	Output int64
	// MSE is the accumulated fixed-point mean-squared error.
	MSE int64
	// Cycles is the cycle count of this run.
	Cycles uint64
}

// Runner drives one PE with its collaborators.
type Runner struct {
	format *fxp.Format
	timing *latency.TimingConfig

	pe    *pe.PE
	unit  *afu.Model
	file  *regfile.File
	cache *regfile.BlockCache
	spad  *scratchpad.Port

	// spadWrite is the write presented to the scratchpad port on the next
	// cycle. The port applies it one cycle later again, per its protocol.
	spadWrite *scratchpad.WriteRequest

	// The scratchpad is carved into three regions: slope blocks from zero,
	// back-propagated product blocks from productBase, and per-neuron delta
	// elements from deltaBase.
	productBase int
	deltaBase   int

	stats Statistics
}

// NewRunner wires a runner over the given register file.
func NewRunner(format *fxp.Format, timing *latency.TimingConfig, file *regfile.File) *Runner {
	unit := afu.NewModel(format, timing)
	slopeBlocks := maxBlocks(file, format)
	// Product blocks span the same width as the widest weight vector.
	productBlocks := slopeBlocks
	deltaBlocks := (file.NumNeurons() + format.ElementsPerBlock() - 1) /
		format.ElementsPerBlock()
	bank := scratchpad.NewBank(format, 1, slopeBlocks+productBlocks+deltaBlocks)

	return &Runner{
		format:      format,
		timing:      timing,
		pe:          pe.New(format, unit),
		unit:        unit,
		file:        file,
		cache:       regfile.NewBlockCache(format, regfile.DefaultCacheConfig(timing), file),
		spad:        bank.Port(0),
		productBase: slopeBlocks,
		deltaBase:   slopeBlocks + productBlocks,
	}
}

// maxBlocks returns the block count of the widest neuron in the file.
func maxBlocks(file *regfile.File, format *fxp.Format) int {
	epb := format.ElementsPerBlock()
	most := 1
	for i := 0; i < file.NumNeurons(); i++ {
		n, err := file.Neuron(i)
		if err != nil {
			continue
		}
		blocks := (len(n.Weights) + epb - 1) / epb
		if blocks > most {
			most = blocks
		}
	}
	return most
}

// PE returns the driven processing element.
func (r *Runner) PE() *pe.PE {
	return r.pe
}

// Cache returns the weight-block cache.
func (r *Runner) Cache() *regfile.BlockCache {
	return r.cache
}

// Scratchpad returns the slope/delta scratchpad port.
func (r *Runner) Scratchpad() *scratchpad.Port {
	return r.spad
}

// SlopeBlock returns the accumulated slope block at blockIndex.
func (r *Runner) SlopeBlock(blockIndex int) fxp.Block {
	r.spad.Drain()
	return r.spad.Peek(blockIndex)
}

// ProductBlock returns the accumulated delta-weight product block at
// blockIndex.
func (r *Runner) ProductBlock(blockIndex int) fxp.Block {
	r.spad.Drain()
	return r.spad.Peek(r.productBase + blockIndex)
}

// Delta returns the stored delta of a neuron.
func (r *Runner) Delta(neuron int) int64 {
	r.spad.Drain()
	addr, elem := r.deltaSlot(neuron)
	return r.spad.Peek(addr)[elem]
}

// AFU returns the activation-function unit model.
func (r *Runner) AFU() *afu.Model {
	return r.unit
}

// Stats returns the driver's run counters.
func (r *Runner) Stats() Statistics {
	return r.stats
}

// Params configures one neuron run.
type Params struct {
	// Phase and Mode select the training phase and online/batch mode.
	Phase pe.LearnPhase
	Mode  pe.TrainingMode

	// DecimalPoint and Steepness are the fixed-point format descriptors.
	DecimalPoint int
	Steepness    int

	// Activation and ErrorFunc select the AFU tables.
	Activation afu.Func
	ErrorFunc  afu.Func

	// LearningRate and Lambda are fixed-point training coefficients.
	LearningRate int64
	Lambda       int64

	// Target is the expected output for learn-feed-forward passes.
	Target int64
	// StoredOutput is the neuron's saved activation, supplied during
	// error back-propagation.
	StoredOutput int64
	// DWIn is the downstream delta for error back-propagation.
	DWIn int64
	// Delta is the per-pattern delta for slope-accumulation passes.
	Delta int64

	// InFirst and InLast flag the pattern's batch position.
	InFirst bool
	InLast  bool
}

// Run drives the PE through one complete neuron assignment and returns
// when the PE signals completion or deallocates itself.
func (r *Runner) Run(neuron int, params Params) (Result, error) {
	n, err := r.file.Neuron(neuron)
	if err != nil {
		return Result{}, err
	}

	req := pe.Request{
		NumWeights:   len(n.Weights),
		DecimalPoint: params.DecimalPoint,
		Steepness:    params.Steepness,
		Activation:   params.Activation,
		ErrorFunc:    params.ErrorFunc,
		LearningRate: params.LearningRate,
		Lambda:       params.Lambda,
		Bias:         n.Bias,
		Phase:        params.Phase,
		Mode:         params.Mode,
		InFirst:      params.InFirst,
		InLast:       params.InLast,
	}
	if params.Phase == pe.PhaseUpdateSlope {
		req.LearnReg = params.Delta
	}

	budget := uint64(baseCycleBudget + cyclesPerWeight*req.NumWeights)
	result := Result{}
	var stall uint64

	for cycle := uint64(0); ; cycle++ {
		if cycle >= budget {
			return result, errors.Wrapf(ErrLivenessBound,
				"neuron %d, %s after %d cycles in %s",
				neuron, params.Phase.Name(), cycle, r.pe.State())
		}
		result.Cycles = cycle + 1
		r.stats.Cycles++

		if _, err := r.spad.Cycle(r.spadWrite); err != nil {
			return result, err
		}
		r.spadWrite = nil

		presented := &req
		if stall > 0 {
			stall--
			r.stats.StallCycles++
			presented = nil
		}

		resp, err := r.pe.Tick(presented)
		if err != nil {
			return result, err
		}
		r.unit.Tick()

		if resp.IncWriteCount {
			if err := r.file.AdvanceWriteCount(neuron); err != nil {
				return result, err
			}
		}

		if presented == nil || !resp.Valid {
			continue
		}

		fetchStall, done, err := r.service(neuron, params, &req, resp, &result)
		if err != nil {
			return result, err
		}
		stall = fetchStall
		if done {
			// The last write-back may still sit in spadWrite or in the
			// port's pending entry; land it before handing the PE back.
			if r.spadWrite != nil {
				if _, err := r.spad.Cycle(r.spadWrite); err != nil {
					return result, err
				}
				r.spadWrite = nil
			}
			r.spad.Drain()
			r.stats.Neurons++
			return result, nil
		}
	}
}

// service handles one valid, accepted response. It returns the number of
// cycles to withhold the request while the fetch completes, and whether
// the run is finished.
func (r *Runner) service(neuron int, params Params, req *pe.Request, resp pe.Response, result *Result) (uint64, bool, error) {
	epb := r.format.ElementsPerBlock()
	blockIndex := resp.Index / epb

	switch resp.State {
	case pe.StateGetInfo:
		return 0, false, nil

	case pe.StateRequestInputsAndWeights:
		iBlock, err := r.file.InputBlock(neuron, blockIndex)
		if err != nil {
			return 0, false, err
		}
		access := r.cache.Read(r.file.BlockAddr(neuron, blockIndex))
		req.IBlock = iBlock
		req.WBlock = access.Block
		req.Index = resp.Index
		return access.Latency - 1, false, nil

	case pe.StateErrorBackpropRequestWeights:
		access := r.cache.Read(r.file.BlockAddr(neuron, blockIndex))
		req.WBlock = access.Block
		req.Index = resp.Index
		return access.Latency - 1, false, nil

	case pe.StateRequestExpectedOutput:
		req.LearnReg = params.Target
		return r.timing.TargetFetchLatency - 1, false, nil

	case pe.StateRequestOutputsErrorBackprop:
		req.LearnReg = params.StoredOutput
		return r.timing.TargetFetchLatency - 1, false, nil

	case pe.StateRequestDeltaWeightProduct:
		req.DWIn = params.DWIn
		return r.timing.TargetFetchLatency - 1, false, nil

	case pe.StateWeightUpdateRequestDelta:
		r.spad.Drain()
		addr, elem := r.deltaSlot(neuron)
		req.LearnReg = r.spad.Peek(addr)[elem]
		return r.timing.TargetFetchLatency - 1, false, nil

	case pe.StateDeltaWriteBack:
		addr, elem := r.deltaSlot(neuron)
		r.spadWrite = &scratchpad.WriteRequest{
			Type:      scratchpad.WriteElement,
			BlockAddr: addr,
			ElemAddr:  elem,
			Element:   resp.Data,
		}
		result.Output = resp.Data
		return 0, false, nil

	case pe.StateSlopeWB:
		r.spadWrite = &scratchpad.WriteRequest{
			Type:      scratchpad.WriteBlockAccumulate,
			BlockAddr: prevBlockIndex(resp.Index, epb),
			Block:     resp.DataBlock.Clone(),
		}
		return 0, resp.IncWriteCount, nil

	case pe.StateErrorBackpropWeightWB:
		r.spadWrite = &scratchpad.WriteRequest{
			Type:      scratchpad.WriteBlockAccumulate,
			BlockAddr: r.productBase + prevBlockIndex(resp.Index, epb),
			Block:     resp.DataBlock.Clone(),
		}
		// Only the back-propagation phase deallocates here; a training
		// forward pass continues to completion to report its output.
		done := resp.IncWriteCount && params.Phase == pe.PhaseErrorBackprop
		return 0, done, nil

	case pe.StateWeightUpdateWriteBack:
		idx := prevBlockIndex(resp.Index, epb)
		if err := r.file.ApplyWeightBlock(neuron, idx, resp.DataBlock, true); err != nil {
			return 0, false, err
		}
		updated, err := r.file.WeightBlock(neuron, idx)
		if err != nil {
			return 0, false, err
		}
		access := r.cache.Write(r.file.BlockAddr(neuron, idx), updated)
		return access.Latency - 1, false, nil

	case pe.StateWeightUpdateWriteBias:
		if err := r.file.ApplyBias(neuron, resp.Data); err != nil {
			return 0, false, err
		}
		result.Output = resp.Data
		return 0, true, nil

	case pe.StateDone:
		result.Output = resp.Data
		result.MSE = resp.Error
		return 0, true, nil

	default:
		return 0, false, errors.Errorf(
			"sched: unserviceable response from state %s", resp.State)
	}
}

// deltaSlot maps a neuron to its delta element in the scratchpad.
func (r *Runner) deltaSlot(neuron int) (blockAddr, elemAddr int) {
	epb := r.format.ElementsPerBlock()
	return r.deltaBase + neuron/epb, neuron % epb
}

// prevBlockIndex maps a post-increment weight index to the block the PE
// just finished processing.
func prevBlockIndex(index, epb int) int {
	if index == 0 {
		return 0
	}
	return (index - 1) / epb
}

// RunFeedForward drives a pure inference pass.
func (r *Runner) RunFeedForward(neuron int, params Params) (Result, error) {
	params.Phase = pe.PhaseFeedForward
	return r.Run(neuron, params)
}

// RunTrainPattern drives the forward pass of one training pattern; the
// target is presented when the PE asks for the expected output.
func (r *Runner) RunTrainPattern(neuron int, params Params) (Result, error) {
	params.Phase = pe.PhaseLearnFeedForward
	return r.Run(neuron, params)
}

// RunBatchSlopes drives a slope-accumulation pass; the per-pattern delta
// rides in through the learn register unless the pattern is the first.
func (r *Runner) RunBatchSlopes(neuron int, params Params) (Result, error) {
	params.Phase = pe.PhaseUpdateSlope
	return r.Run(neuron, params)
}

// RunErrorBackprop drives an error back-propagation pass; the stored
// output and downstream delta are presented when the PE asks for them.
func (r *Runner) RunErrorBackprop(neuron int, params Params) (Result, error) {
	params.Phase = pe.PhaseErrorBackprop
	return r.Run(neuron, params)
}

// RunWeightUpdate drives a weight-update pass.
func (r *Runner) RunWeightUpdate(neuron int, params Params) (Result, error) {
	params.Phase = pe.PhaseWeightUpdate
	return r.Run(neuron, params)
}
