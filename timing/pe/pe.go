// Package pe provides the cycle-accurate processing element model.
//
// A PE computes one neuron: fixed-point feed-forward accumulation, error
// back-propagation, slope accumulation, and weight update, driven by a
// scheduler through a request/response handshake. Every register updates
// exactly once per cycle from a snapshot of the previous cycle's values;
// when no valid request is presented, the PE holds its state unchanged.
package pe

import (
	"github.com/pkg/errors"

	"github.com/sarchlab/nnasim/afu"
	"github.com/sarchlab/nnasim/fxp"
)

// ErrFatalState reports that the PE was observed in the explicit error
// state. There is no recovery path; a correct run never raises it.
var ErrFatalState = errors.New("pe: processing element entered the fatal error state")

// ErrBadRequest reports a malformed request field. The PE faults rather
// than guessing at the intended computation.
var ErrBadRequest = errors.New("pe: malformed request")

// registers is the PE's persistent register set. It is copied wholesale at
// the top of every cycle and committed at the end, so no mid-cycle update
// is visible to the same cycle's logic.
type registers struct {
	state      State
	index      int
	acc        int64
	weightWB   fxp.Block
	dataOut    int64
	derivative int64
	errorOut   int64
	mse        int64
	hasBias    bool
	afuBusy    bool
}

// Statistics holds PE performance counters.
type Statistics struct {
	// Cycles is the total number of cycles simulated.
	Cycles uint64
	// Held is the number of cycles the PE held for lack of a valid request.
	Held uint64
	// Responses is the number of cycles a valid response was emitted.
	Responses uint64
	// Neurons is the number of completed neuron assignments.
	Neurons uint64
	// Products is the number of multiply-accumulate operations retired.
	Products uint64
}

// PE is one processing element.
type PE struct {
	format *fxp.Format
	afu    afu.Unit

	regs  registers
	stats Statistics
}

// New creates a PE over the given fixed-point format and AFU collaborator.
func New(format *fxp.Format, unit afu.Unit) *PE {
	return &PE{
		format: format,
		afu:    unit,
		regs: registers{
			state:    StateUnallocated,
			weightWB: fxp.NewBlock(format.ElementsPerBlock()),
		},
	}
}

// State returns the PE's current control state.
func (p *PE) State() State {
	return p.regs.state
}

// Index returns the PE's current weight position.
func (p *PE) Index() int {
	return p.regs.index
}

// Stats returns the PE's performance counters.
func (p *PE) Stats() Statistics {
	return p.stats
}

// Reset returns the PE to the unallocated state and clears its counters.
func (p *PE) Reset() {
	p.regs = registers{
		state:    StateUnallocated,
		weightWB: fxp.NewBlock(p.format.ElementsPerBlock()),
	}
	p.stats = Statistics{}
}

// Tick advances the PE by one cycle. req is the scheduler's request, or nil
// when no valid request is presented this cycle. The returned response is
// what the PE drives during the cycle; its Valid flag marks the cycles the
// scheduler must service. A non-nil error is an unrecoverable fault.
func (p *PE) Tick(req *Request) (Response, error) {
	p.stats.Cycles++

	if err := p.checkRequest(req); err != nil {
		p.regs.state = StateError
		return Response{State: StateError}, err
	}

	cur := p.regs
	next := cur
	next.weightWB = cur.weightWB.Clone()

	resp := Response{
		State: cur.state,
		Index: cur.index,
		Error: cur.mse,
	}

	var err error
	switch cur.state {
	case StateUnallocated:
		p.unallocated(&cur, &next, req)
	case StateGetInfo:
		p.getInfo(&cur, &next, req, &resp)
	case StateWaitForInfo:
		p.waitForInfo(&cur, &next, req)
	case StateRequestInputsAndWeights:
		p.requestInputsAndWeights(&cur, &next, req, &resp)
	case StateWaitForInputsAndWeights:
		p.waitForInputsAndWeights(&cur, &next, req)
	case StateRun:
		p.run(&cur, &next, req)
	case StateActivationFunction:
		p.activationFunction(&cur, &next, req)
	case StateComputeDerivative:
		p.computeDerivative(&cur, &next, req)
	case StateRequestExpectedOutput:
		p.emitThen(&next, req, &resp, StateWaitForExpectedOutput)
	case StateWaitForExpectedOutput:
		p.advanceOn(&next, req, StateComputeError)
	case StateComputeError:
		p.computeError(&cur, &next, req)
	case StateErrorFunction:
		p.errorFunction(&cur, &next, req)
	case StateComputeDelta:
		p.computeDelta(&cur, &next, req)
	case StateDeltaWriteBack:
		p.deltaWriteBack(&cur, &next, req, &resp)
	case StateErrorBackpropRequestWeights:
		p.emitThen(&next, req, &resp, StateErrorBackpropWaitForWeights)
	case StateErrorBackpropWaitForWeights:
		p.advanceOn(&next, req, StateErrorBackpropDeltaWeightMul)
	case StateErrorBackpropDeltaWeightMul:
		p.deltaWeightMul(&cur, &next, req)
	case StateErrorBackpropWeightWB:
		p.errorBackpropWeightWB(&cur, &next, req, &resp)
	case StateRequestOutputsErrorBackprop:
		p.emitThen(&next, req, &resp, StateWaitForOutputsErrorBackprop)
	case StateWaitForOutputsErrorBackprop:
		p.waitForOutputsErrorBackprop(&next, req)
	case StateRequestDeltaWeightProduct:
		p.emitThen(&next, req, &resp, StateWaitForDeltaWeightProduct)
	case StateWaitForDeltaWeightProduct:
		p.advanceOn(&next, req, StateComputeDerivative)
	case StateDone:
		p.done(&cur, &next, req, &resp)
	case StateRunUpdateSlope:
		p.runUpdateSlope(&cur, &next, req)
	case StateSlopeWB:
		p.slopeWB(&cur, &next, req, &resp)
	case StateWeightUpdateRequestDelta:
		p.emitThen(&next, req, &resp, StateWeightUpdateWaitForDelta)
	case StateWeightUpdateWaitForDelta:
		p.advanceOn(&next, req, StateRequestInputsAndWeights)
	case StateRunWeightUpdate:
		p.runWeightUpdate(&cur, &next, req)
	case StateWeightUpdateWriteBack:
		p.weightUpdateWriteBack(&cur, &next, req, &resp)
	case StateWeightUpdateWriteBias:
		p.weightUpdateWriteBias(&cur, &next, req, &resp)
	case StateError:
		err = errors.WithStack(ErrFatalState)
	default:
		next.state = StateError
		err = errors.Wrapf(ErrFatalState, "undefined state %d", cur.state)
	}
	if err != nil {
		p.regs = next
		return resp, err
	}

	if req == nil {
		p.stats.Held++
	}
	if resp.Valid {
		p.stats.Responses++
	}
	if next.state == StateUnallocated && cur.state != StateUnallocated {
		p.stats.Neurons++
	}

	p.regs = next
	return resp, nil
}

// checkRequest faults on request fields the datapath cannot represent.
func (p *PE) checkRequest(req *Request) error {
	if req == nil {
		return nil
	}
	if req.NumWeights < 1 || req.NumWeights > 255 {
		return errors.Wrapf(ErrBadRequest, "numWeights %d", req.NumWeights)
	}
	if !req.Phase.Valid() {
		return errors.Wrapf(ErrBadRequest, "phase %d", req.Phase)
	}
	if req.Mode != TrainOnline && req.Mode != TrainBatch {
		return errors.Wrapf(ErrBadRequest, "training mode %d", req.Mode)
	}
	if !req.Activation.Valid() {
		return errors.Wrapf(ErrBadRequest, "activation selector %d", req.Activation)
	}
	if !req.ErrorFunc.Valid() {
		return errors.Wrapf(ErrBadRequest, "error selector %d", req.ErrorFunc)
	}
	epb := p.format.ElementsPerBlock()
	if req.IBlock != nil && len(req.IBlock) != epb {
		return errors.Wrapf(ErrBadRequest, "iBlock has %d elements, want %d", len(req.IBlock), epb)
	}
	if req.WBlock != nil && len(req.WBlock) != epb {
		return errors.Wrapf(ErrBadRequest, "wBlock has %d elements, want %d", len(req.WBlock), epb)
	}

	// The run states consume block operands every cycle; a request without
	// them is malformed, not a hold.
	switch p.regs.state {
	case StateRun, StateRunWeightUpdate:
		if req.IBlock == nil || req.WBlock == nil {
			return errors.Wrapf(ErrBadRequest,
				"%s requires input and weight blocks", p.regs.state)
		}
	case StateRunUpdateSlope:
		if req.IBlock == nil {
			return errors.Wrapf(ErrBadRequest, "%s requires an input block", p.regs.state)
		}
	case StateErrorBackpropDeltaWeightMul:
		if req.WBlock == nil {
			return errors.Wrapf(ErrBadRequest, "%s requires a weight block", p.regs.state)
		}
	}
	return nil
}

func (p *PE) decimal(req *Request) int {
	return p.format.Decimal(req.DecimalPoint)
}

// emitThen drives a valid response and advances to dst once the request is
// valid. Used by all pure request-emitting states.
func (p *PE) emitThen(next *registers, req *Request, resp *Response, dst State) {
	resp.Valid = true
	if req != nil {
		next.state = dst
	}
}

// advanceOn advances to dst once the request is valid. Used by the pure
// WAIT states.
func (p *PE) advanceOn(next *registers, req *Request, dst State) {
	if req != nil {
		next.state = dst
	}
}

func (p *PE) unallocated(cur, next *registers, req *Request) {
	next.hasBias = false
	next.afuBusy = false
	if req != nil {
		next.state = StateGetInfo
		next.mse = 0
	}
}

func (p *PE) getInfo(cur, next *registers, req *Request, resp *Response) {
	next.dataOut = 0
	next.index = 0
	resp.Valid = true
	if req != nil {
		next.state = StateWaitForInfo
	}
}

func (p *PE) waitForInfo(cur, next *registers, req *Request) {
	if req == nil {
		return
	}
	switch {
	case req.Phase == PhaseErrorBackprop:
		next.state = StateRequestOutputsErrorBackprop
	case req.Phase == PhaseWeightUpdate:
		next.state = StateWeightUpdateRequestDelta
	default:
		next.state = StateRequestInputsAndWeights
	}
}

func (p *PE) requestInputsAndWeights(cur, next *registers, req *Request, resp *Response) {
	resp.Valid = true
	if req == nil {
		return
	}
	if !cur.hasBias {
		next.hasBias = true
		next.acc = fxp.Truncate(req.Bias, p.format.ElementWidth)
	}
	next.state = StateWaitForInputsAndWeights
}

func (p *PE) waitForInputsAndWeights(cur, next *registers, req *Request) {
	if req == nil {
		return
	}
	switch req.Phase {
	case PhaseUpdateSlope, PhaseErrorBackprop:
		next.state = StateRunUpdateSlope
	case PhaseWeightUpdate:
		next.state = StateRunWeightUpdate
	default:
		next.state = StateRun
	}
}

func (p *PE) run(cur, next *registers, req *Request) {
	if req == nil {
		return
	}
	epb := p.format.ElementsPerBlock()
	slot := cur.index % epb
	next.acc = fxp.Accumulate(
		cur.acc, req.IBlock[slot], req.WBlock[slot],
		p.decimal(req), p.format.ElementWidth)
	next.index = cur.index + 1
	p.stats.Products++

	switch {
	case cur.index == req.NumWeights-1:
		next.state = StateActivationFunction
	case slot == epb-1:
		next.state = StateRequestInputsAndWeights
	}
}

func (p *PE) activationFunction(cur, next *registers, req *Request) {
	if req == nil {
		return
	}
	if !cur.afuBusy {
		accepted := p.afu.Submit(afu.Request{
			In:         cur.acc,
			Decimal:    p.decimal(req),
			Steepness:  req.Steepness,
			Activation: req.Activation,
			ErrorFunc:  req.ErrorFunc,
			Op:         afu.OpActivation,
		})
		if accepted {
			next.afuBusy = true
		}
		return
	}

	out, valid := p.afu.Poll()
	if !valid {
		return
	}
	next.afuBusy = false
	next.dataOut = out.Out
	if req.Phase == PhaseLearnFeedForward && req.InLast {
		next.state = StateComputeDerivative
	} else {
		next.state = StateDone
	}
}

// computeDerivative evaluates the closed-form activation derivative from
// the latched output. Threshold functions have a zero derivative here; the
// zero is substituted away in StateComputeDelta.
func (p *PE) computeDerivative(cur, next *registers, req *Request) {
	if req == nil {
		return
	}
	decimal := p.decimal(req)
	width := p.format.ElementWidth
	offset := p.format.SteepnessOffset
	one := p.format.One(decimal)

	var der int64
	switch req.Activation {
	case afu.FuncLinear:
		der = fxp.ApplySteepness(one, req.Steepness, offset)
	case afu.FuncSigmoid, afu.FuncSigmoidStepwise:
		der = fxp.ApplySteepness(
			fxp.MulShift(cur.dataOut, one-cur.dataOut, decimal),
			req.Steepness, offset)
	case afu.FuncSigmoidSymmetric, afu.FuncSigmoidSymmetricStepwise:
		der = fxp.ApplySteepness(
			one-fxp.MulShift(cur.dataOut, cur.dataOut, decimal),
			req.Steepness, offset)
	case afu.FuncThreshold, afu.FuncThresholdSymmetric:
		der = 0
	}
	next.derivative = fxp.Truncate(der, width)

	if req.Phase == PhaseErrorBackprop {
		next.state = StateComputeDelta
	} else {
		next.state = StateRequestExpectedOutput
	}
}

func (p *PE) computeError(cur, next *registers, req *Request) {
	if req == nil {
		return
	}
	decimal := p.decimal(req)
	width := p.format.ElementWidth

	e := req.LearnReg - cur.dataOut
	if req.Activation.Symmetric() {
		e >>= 1
	}
	next.errorOut = fxp.Truncate(e, width)
	next.mse = fxp.Truncate(cur.mse+fxp.MulShift(e, e, decimal), width)
	next.state = StateErrorFunction
}

func (p *PE) errorFunction(cur, next *registers, req *Request) {
	if req == nil {
		return
	}
	if !cur.afuBusy {
		accepted := p.afu.Submit(afu.Request{
			In:         cur.errorOut,
			Decimal:    p.decimal(req),
			Steepness:  req.Steepness,
			Activation: req.Activation,
			ErrorFunc:  req.ErrorFunc,
			Op:         afu.OpError,
		})
		if accepted {
			next.afuBusy = true
		}
		return
	}

	out, valid := p.afu.Poll()
	if !valid {
		return
	}
	next.afuBusy = false
	next.errorOut = out.Out
	next.state = StateComputeDelta
}

func (p *PE) computeDelta(cur, next *registers, req *Request) {
	if req == nil {
		return
	}
	decimal := p.decimal(req)
	width := p.format.ElementWidth

	// A derivative of exactly zero would stall the gradient; substitute
	// unity instead. This is a numerical policy, not an error.
	der := cur.derivative
	if der == 0 {
		der = 1
	}

	next.index = 0
	if req.Phase == PhaseErrorBackprop {
		next.errorOut = fxp.Truncate(fxp.MulShift(der, req.DWIn, decimal), width)
		if req.InFirst {
			next.state = StateRequestInputsAndWeights
		} else {
			next.state = StateDeltaWriteBack
		}
	} else {
		next.errorOut = fxp.Truncate(fxp.MulShift(der, cur.errorOut, decimal), width)
		next.state = StateDeltaWriteBack
	}
}

func (p *PE) deltaWriteBack(cur, next *registers, req *Request, resp *Response) {
	resp.Valid = true
	resp.Data = cur.errorOut
	if req == nil {
		return
	}
	resp.IncWriteCount = req.Mode != TrainBatch

	switch {
	case req.Phase == PhaseErrorBackprop && req.Mode == TrainBatch:
		next.state = StateRequestInputsAndWeights
	case req.Phase == PhaseErrorBackprop:
		next.state = StateErrorBackpropRequestWeights
	case req.Phase == PhaseLearnFeedForward && req.InLast:
		next.state = StateErrorBackpropRequestWeights
	default:
		next.state = StateDone
	}
}

func (p *PE) deltaWeightMul(cur, next *registers, req *Request) {
	if req == nil {
		return
	}
	epb := p.format.ElementsPerBlock()
	slot := cur.index % epb
	next.weightWB[slot] = fxp.Truncate(
		fxp.MulShift(cur.errorOut, req.WBlock[slot], p.decimal(req)),
		p.format.ElementWidth)
	next.index = cur.index + 1
	p.stats.Products++

	if cur.index == req.NumWeights-1 || slot == epb-1 {
		next.state = StateErrorBackpropWeightWB
	}
}

func (p *PE) errorBackpropWeightWB(cur, next *registers, req *Request, resp *Response) {
	resp.Valid = true
	resp.DataBlock = cur.weightWB.Clone()
	if req == nil {
		return
	}
	resp.IncWriteCount = cur.index == req.NumWeights

	if cur.index == req.NumWeights {
		if req.Phase == PhaseErrorBackprop {
			next.state = StateUnallocated
		} else {
			next.state = StateDone
		}
	} else {
		next.state = StateErrorBackpropRequestWeights
	}
}

func (p *PE) waitForOutputsErrorBackprop(next *registers, req *Request) {
	if req == nil {
		return
	}
	next.dataOut = fxp.Truncate(req.LearnReg, p.format.ElementWidth)
	next.state = StateRequestDeltaWeightProduct
}

func (p *PE) done(cur, next *registers, req *Request, resp *Response) {
	resp.Valid = true
	resp.Data = cur.dataOut
	if req != nil {
		resp.IncWriteCount = true
		next.state = StateUnallocated
	}
}

func (p *PE) runUpdateSlope(cur, next *registers, req *Request) {
	if req == nil {
		return
	}
	epb := p.format.ElementsPerBlock()
	slot := cur.index % epb

	delta := req.LearnReg
	if req.InFirst {
		delta = cur.errorOut
	}
	next.weightWB[slot] = fxp.Truncate(
		fxp.MulShift(delta, req.IBlock[slot], p.decimal(req)),
		p.format.ElementWidth)
	next.index = cur.index + 1
	p.stats.Products++

	if cur.index == req.NumWeights-1 || slot == epb-1 {
		next.state = StateSlopeWB
	}
}

func (p *PE) slopeWB(cur, next *registers, req *Request, resp *Response) {
	resp.Valid = true
	resp.DataBlock = cur.weightWB.Clone()
	if req == nil {
		return
	}
	resp.IncWriteCount = cur.index == req.NumWeights

	if cur.index == req.NumWeights {
		next.state = StateUnallocated
	} else {
		next.state = StateRequestInputsAndWeights
	}
}

// runWeightUpdate computes one weight increment per cycle. The batch path
// skips the input multiply: the accumulated slope already carries the
// per-input factor. No batch-size division happens here; the learning rate
// absorbs it.
func (p *PE) runWeightUpdate(cur, next *registers, req *Request) {
	if req == nil {
		return
	}
	decimal := p.decimal(req)
	width := p.format.ElementWidth
	epb := p.format.ElementsPerBlock()
	slot := cur.index % epb

	base := req.LearnReg
	if req.InFirst {
		base = cur.errorOut
	}
	delta := fxp.Truncate(fxp.MulShift(base, req.LearningRate, decimal), width)
	decay := fxp.Truncate(fxp.MulShift(-req.WBlock[slot], req.Lambda, decimal), width)

	result := delta
	if req.Mode != TrainBatch {
		result = fxp.Truncate(fxp.MulShift(delta, req.IBlock[slot], decimal), width)
	}
	next.weightWB[slot] = fxp.Truncate(result+decay, width)
	next.dataOut = delta
	next.index = cur.index + 1
	p.stats.Products++

	if cur.index == req.NumWeights-1 || slot == epb-1 {
		next.state = StateWeightUpdateWriteBack
	}
}

func (p *PE) weightUpdateWriteBack(cur, next *registers, req *Request, resp *Response) {
	resp.Valid = true
	resp.DataBlock = cur.weightWB.Clone()
	if req == nil {
		return
	}
	if cur.index == req.NumWeights {
		next.state = StateWeightUpdateWriteBias
	} else {
		next.state = StateRequestInputsAndWeights
	}
}

func (p *PE) weightUpdateWriteBias(cur, next *registers, req *Request, resp *Response) {
	resp.Valid = true
	resp.Data = cur.dataOut
	if req != nil {
		resp.IncWriteCount = true
		next.state = StateUnallocated
	}
}
