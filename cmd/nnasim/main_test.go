// Package main provides integration tests for the simulator wiring.
package main

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/nnasim/afu"
	"github.com/sarchlab/nnasim/fxp"
	"github.com/sarchlab/nnasim/timing/latency"
	"github.com/sarchlab/nnasim/timing/pe"
	"github.com/sarchlab/nnasim/timing/regfile"
	"github.com/sarchlab/nnasim/timing/sched"
)

func TestSimulator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Simulator Suite")
}

var _ = Describe("Timing Sensitivity", func() {
	var format *fxp.Format

	const decimalPoint = 8

	BeforeEach(func() {
		format = fxp.DefaultFormat()
	})

	newFile := func() *regfile.File {
		one := format.One(format.Decimal(decimalPoint))
		return regfile.NewFile(format, []*regfile.Neuron{
			{
				Weights: []int64{one / 2, -one / 4, one / 8, one, one / 2, -one / 2},
				Inputs:  []int64{one, one / 2, one / 4, -one / 2, one / 8, one},
				Bias:    one / 16,
			},
		})
	}

	runWithTiming := func(timing *latency.TimingConfig) sched.Result {
		runner := sched.NewRunner(format, timing, newFile())
		result, err := runner.RunFeedForward(0, sched.Params{
			DecimalPoint: decimalPoint,
			Steepness:    format.SteepnessOffset,
			Activation:   afu.FuncSigmoidSymmetric,
			ErrorFunc:    afu.FuncLinear,
			Mode:         pe.TrainOnline,
		})
		Expect(err).To(BeNil())
		return result
	}

	It("should take longer with a slower activation unit", func() {
		fast := runWithTiming(latency.DefaultTimingConfig())

		slow := latency.DefaultTimingConfig()
		slow.AFULatency = 20
		Expect(runWithTiming(slow).Cycles).To(BeNumerically(">", fast.Cycles))
	})

	It("should take longer with a slower block fetch path", func() {
		fast := runWithTiming(latency.DefaultTimingConfig())

		slow := latency.DefaultTimingConfig()
		slow.BlockFetchMissLatency = 40
		Expect(runWithTiming(slow).Cycles).To(BeNumerically(">", fast.Cycles))
	})

	It("should compute the same output regardless of timing", func() {
		fast := runWithTiming(latency.DefaultTimingConfig())

		slow := latency.DefaultTimingConfig()
		slow.AFULatency = 20
		slow.BlockFetchMissLatency = 40
		slow.TargetFetchLatency = 10
		Expect(runWithTiming(slow).Output).To(Equal(fast.Output))
	})

	It("should keep the symmetric sigmoid output in range", func() {
		one := format.One(format.Decimal(decimalPoint))
		result := runWithTiming(latency.DefaultTimingConfig())
		Expect(result.Output).To(BeNumerically(">=", -one))
		Expect(result.Output).To(BeNumerically("<=", one))
	})
})
