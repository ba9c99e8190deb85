// Package afu models the activation-function unit.
//
// The unit is an external collaborator of the PE: a function-table lookup
// that takes a fixed-point scalar plus format descriptors and returns one
// fixed-point value after an implementation-defined number of cycles. The
// PE only depends on the request/response handshake; the curve evaluation
// here is a deterministic functional model.
package afu

import (
	"math"

	"github.com/pkg/errors"

	"github.com/sarchlab/nnasim/fxp"
	"github.com/sarchlab/nnasim/timing/latency"
)

// Op selects which function table a request addresses.
type Op int

const (
	// OpActivation requests an activation-function lookup.
	OpActivation Op = iota
	// OpError requests an error-function lookup.
	OpError
)

// Func enumerates the supported activation-function selectors.
type Func int

const (
	FuncLinear Func = iota
	FuncSigmoid
	FuncSigmoidStepwise
	FuncSigmoidSymmetric
	FuncSigmoidSymmetricStepwise
	FuncThreshold
	FuncThresholdSymmetric

	numFuncs
)

// Name returns the selector's name.
func (f Func) Name() string {
	switch f {
	case FuncLinear:
		return "Linear"
	case FuncSigmoid:
		return "Sigmoid"
	case FuncSigmoidStepwise:
		return "SigmoidStepwise"
	case FuncSigmoidSymmetric:
		return "SigmoidSymmetric"
	case FuncSigmoidSymmetricStepwise:
		return "SigmoidSymmetricStepwise"
	case FuncThreshold:
		return "Threshold"
	case FuncThresholdSymmetric:
		return "ThresholdSymmetric"
	default:
		return "Unknown"
	}
}

// Valid reports whether f is a supported selector.
func (f Func) Valid() bool {
	return f >= FuncLinear && f < numFuncs
}

// Symmetric reports whether the function's output range is [-1, 1] rather
// than [0, 1]. Symmetric functions halve the output error during training.
func (f Func) Symmetric() bool {
	switch f {
	case FuncSigmoidSymmetric, FuncSigmoidSymmetricStepwise, FuncThresholdSymmetric:
		return true
	default:
		return false
	}
}

// Request is one lookup submitted to the unit.
type Request struct {
	// In is the fixed-point input scalar.
	In int64
	// Decimal is the effective binary-point position.
	Decimal int
	// Steepness is the offset-encoded steepness.
	Steepness int
	// Activation selects the activation-function table.
	Activation Func
	// ErrorFunc selects the error-function table.
	ErrorFunc Func
	// Op selects between the activation and error tables.
	Op Op
}

// Response carries the lookup result.
type Response struct {
	// Out is the fixed-point result.
	Out int64
}

// Unit is the handshake the PE depends on. Submit returns false while the
// unit is busy; Poll asserts valid exactly on the cycle the result is ready
// and consumes it.
type Unit interface {
	Submit(req Request) bool
	Poll() (Response, bool)
	Tick()
}

// Statistics holds lookup counters for the unit.
type Statistics struct {
	// Lookups is the number of accepted requests.
	Lookups uint64
	// Rejected is the number of requests refused while busy.
	Rejected uint64
}

// Model is a deterministic functional implementation of Unit with
// configurable latency.
type Model struct {
	format *fxp.Format
	config *latency.TimingConfig

	busy      bool
	remaining uint64
	result    int64

	stats Statistics
}

// NewModel creates a functional activation-function unit.
func NewModel(format *fxp.Format, config *latency.TimingConfig) *Model {
	return &Model{
		format: format,
		config: config,
	}
}

// Submit accepts a lookup if the unit is idle. The result becomes visible
// through Poll after the configured latency.
func (m *Model) Submit(req Request) bool {
	if m.busy {
		m.stats.Rejected++
		return false
	}

	m.busy = true
	if req.Op == OpError {
		m.remaining = m.config.AFUErrorLatency
		m.result = m.evalError(req)
	} else {
		m.remaining = m.config.AFULatency
		m.result = m.evalActivation(req)
	}
	m.stats.Lookups++
	return true
}

// Poll returns the pending result on the cycle it becomes ready.
func (m *Model) Poll() (Response, bool) {
	if !m.busy || m.remaining > 0 {
		return Response{}, false
	}
	m.busy = false
	return Response{Out: m.result}, true
}

// Tick advances the unit by one cycle.
func (m *Model) Tick() {
	if m.busy && m.remaining > 0 {
		m.remaining--
	}
}

// Stats returns lookup counters.
func (m *Model) Stats() Statistics {
	return m.stats
}

// Reset clears any in-flight lookup and the counters.
func (m *Model) Reset() {
	m.busy = false
	m.remaining = 0
	m.result = 0
	m.stats = Statistics{}
}

// evalActivation evaluates the selected activation function in fixed point.
func (m *Model) evalActivation(req Request) int64 {
	one := m.format.One(req.Decimal)
	scaled := fxp.ApplySteepness(req.In, req.Steepness, m.format.SteepnessOffset)

	switch req.Activation {
	case FuncLinear:
		return fxp.Truncate(scaled, m.format.ElementWidth)

	case FuncThreshold:
		if req.In < 0 {
			return 0
		}
		return one

	case FuncThresholdSymmetric:
		if req.In < 0 {
			return -one
		}
		return one

	case FuncSigmoid:
		return m.quantize(sigmoid(m.toReal(scaled, req.Decimal)), req.Decimal)

	case FuncSigmoidStepwise:
		return m.quantize(stepwise(sigmoid, m.toReal(scaled, req.Decimal)), req.Decimal)

	case FuncSigmoidSymmetric:
		return m.quantize(math.Tanh(m.toReal(scaled, req.Decimal)), req.Decimal)

	case FuncSigmoidSymmetricStepwise:
		return m.quantize(stepwise(math.Tanh, m.toReal(scaled, req.Decimal)), req.Decimal)

	default:
		panic(errors.Errorf("afu: unsupported activation selector %d", req.Activation))
	}
}

// evalError evaluates the error-function table. The standard error table is
// the identity; the selector exists so nonstandard tables can be modeled.
func (m *Model) evalError(req Request) int64 {
	return fxp.Truncate(req.In, m.format.ElementWidth)
}

func (m *Model) toReal(v int64, decimal int) float64 {
	return float64(v) / float64(int64(1)<<uint(decimal))
}

func (m *Model) quantize(y float64, decimal int) int64 {
	one := m.format.One(decimal)
	out := int64(math.Round(y * float64(one)))
	if out > one {
		out = one
	}
	if out < -one {
		out = -one
	}
	return fxp.Truncate(out, m.format.ElementWidth)
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// stepwise approximates f by linear interpolation between breakpoints
// spaced 0.5 apart in [-4, 4], mirroring a hardware function table.
func stepwise(f func(float64) float64, x float64) float64 {
	const lo, hi, step = -4.0, 4.0, 0.5
	if x <= lo {
		return f(lo)
	}
	if x >= hi {
		return f(hi)
	}
	k := math.Floor((x - lo) / step)
	x0 := lo + k*step
	x1 := x0 + step
	y0, y1 := f(x0), f(x1)
	return y0 + (y1-y0)*(x-x0)/step
}
