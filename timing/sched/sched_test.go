package sched_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/sarchlab/nnasim/afu"
	"github.com/sarchlab/nnasim/fxp"
	"github.com/sarchlab/nnasim/timing/latency"
	"github.com/sarchlab/nnasim/timing/pe"
	"github.com/sarchlab/nnasim/timing/regfile"
	"github.com/sarchlab/nnasim/timing/sched"
)

func TestSched(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sched Suite")
}

// newRunner builds a runner over a single-layer register file.
func newRunner(format *fxp.Format, neurons []*regfile.Neuron) (*sched.Runner, *regfile.File) {
	file := regfile.NewFile(format, neurons)
	return sched.NewRunner(format, latency.DefaultTimingConfig(), file), file
}

var _ = Describe("Runner", func() {
	var format *fxp.Format

	BeforeEach(func() {
		format = fxp.DefaultFormat()
	})

	// linearParams selects the identity activation at unity steepness, so
	// outputs equal the raw accumulator value.
	linearParams := func(decimalPoint int) sched.Params {
		return sched.Params{
			DecimalPoint: decimalPoint,
			Steepness:    format.SteepnessOffset,
			Activation:   afu.FuncLinear,
			ErrorFunc:    afu.FuncLinear,
			Mode:         pe.TrainOnline,
		}
	}

	Describe("Feed-forward", func() {
		var (
			runner *sched.Runner
			file   *regfile.File
		)

		BeforeEach(func() {
			runner, file = newRunner(format, []*regfile.Neuron{
				{
					Weights: []int64{2, 3, 4, 5, 6},
					Inputs:  []int64{1, 2, 3, 4, 5},
					Bias:    7,
				},
			})
		})

		It("should compute bias plus the dot product", func() {
			result, err := runner.RunFeedForward(0, linearParams(0))
			Expect(err).To(BeNil())

			// 7 + 2*1 + 3*2 + 4*3 + 5*4 + 6*5
			Expect(result.Output).To(Equal(int64(77)))
			Expect(result.MSE).To(Equal(int64(0)))
			Expect(result.Cycles).To(BeNumerically(">", 0))
		})

		It("should match a reference accumulation at a scaled format", func() {
			const decimalPoint = 4
			want := int64(7)
			n, _ := file.Neuron(0)
			for i := range n.Weights {
				want = fxp.Accumulate(want, n.Inputs[i], n.Weights[i],
					decimalPoint, format.ElementWidth)
			}

			result, err := runner.RunFeedForward(0, linearParams(decimalPoint))
			Expect(err).To(BeNil())
			Expect(result.Output).To(Equal(want))
		})

		It("should fetch weight blocks through the cache", func() {
			_, err := runner.RunFeedForward(0, linearParams(0))
			Expect(err).To(BeNil())

			// Five weights span two blocks, both cold.
			stats := runner.Cache().Stats()
			Expect(stats.Misses).To(Equal(uint64(2)))
			Expect(stats.Hits).To(Equal(uint64(0)))

			_, err = runner.RunFeedForward(0, linearParams(0))
			Expect(err).To(BeNil())
			Expect(runner.Cache().Stats().Hits).To(Equal(uint64(2)))
		})

		It("should model fetch latency as stall cycles", func() {
			_, err := runner.RunFeedForward(0, linearParams(0))
			Expect(err).To(BeNil())
			Expect(runner.Stats().StallCycles).To(BeNumerically(">", 0))
			Expect(runner.Stats().Neurons).To(Equal(uint64(1)))
		})

		It("should reject an unconfigured neuron slot", func() {
			_, err := runner.RunFeedForward(5, linearParams(0))
			Expect(errors.Cause(err)).To(Equal(regfile.ErrNoSuchNeuron))
		})
	})

	Describe("Online training", func() {
		const decimalPoint = 4

		var (
			runner *sched.Runner
			file   *regfile.File
		)

		BeforeEach(func() {
			runner, file = newRunner(format, []*regfile.Neuron{
				{
					Weights: []int64{16}, // 1.0 at q4
					Inputs:  []int64{16},
					Bias:    0,
				},
			})
		})

		trainParams := func() sched.Params {
			p := linearParams(decimalPoint)
			p.Target = 48 // 3.0
			p.InFirst = true
			p.InLast = true
			return p
		}

		It("should accumulate the squared error of a pattern", func() {
			result, err := runner.RunTrainPattern(0, trainParams())
			Expect(err).To(BeNil())

			// Output 1.0, target 3.0: e = 2.0, e*e = 4.0 = 64 at q4.
			Expect(result.Output).To(Equal(int64(16)))
			Expect(result.MSE).To(Equal(int64(64)))
		})

		It("should store the neuron's delta for the next layer", func() {
			_, err := runner.RunTrainPattern(0, trainParams())
			Expect(err).To(BeNil())

			// delta = derivative * error = 1.0 * 2.0 = 2.0.
			Expect(runner.Delta(0)).To(Equal(int64(32)))
		})

		It("should accumulate delta-weight products", func() {
			_, err := runner.RunTrainPattern(0, trainParams())
			Expect(err).To(BeNil())

			// product[0] = delta * w0 = 2.0 * 1.0 = 2.0.
			Expect(runner.ProductBlock(0)[0]).To(Equal(int64(32)))
		})

		It("should apply the weight update from the stored delta", func() {
			_, err := runner.RunTrainPattern(0, trainParams())
			Expect(err).To(BeNil())

			p := linearParams(decimalPoint)
			p.LearningRate = 8 // 0.5
			result, err := runner.RunWeightUpdate(0, p)
			Expect(err).To(BeNil())

			// delta = 2.0 * 0.5 = 1.0; increment = delta * in = 1.0.
			n, _ := file.Neuron(0)
			Expect(n.Weights[0]).To(Equal(int64(32)))
			Expect(n.Bias).To(Equal(int64(16)))
			Expect(result.Output).To(Equal(int64(16)))
		})

		It("should pulse the write counter once per write group", func() {
			_, err := runner.RunTrainPattern(0, trainParams())
			Expect(err).To(BeNil())

			// Delta write-back, product write-back, completion.
			n, _ := file.Neuron(0)
			Expect(n.WriteGroups).To(Equal(uint64(3)))

			p := linearParams(decimalPoint)
			p.LearningRate = 8
			_, err = runner.RunWeightUpdate(0, p)
			Expect(err).To(BeNil())
			Expect(n.WriteGroups).To(Equal(uint64(4)))
		})
	})

	Describe("Batch slope accumulation", func() {
		const decimalPoint = 4

		It("should sum per-pattern slopes in the scratchpad", func() {
			runner, _ := newRunner(format, []*regfile.Neuron{
				{Weights: []int64{16}, Inputs: []int64{16}},
			})

			p := linearParams(decimalPoint)
			p.Mode = pe.TrainBatch
			p.Delta = 16 // 1.0

			for pattern := 0; pattern < 2; pattern++ {
				_, err := runner.RunBatchSlopes(0, p)
				Expect(err).To(BeNil())
			}

			// Each pattern contributes delta * in = 1.0.
			Expect(runner.SlopeBlock(0)[0]).To(Equal(int64(32)))
		})
	})

	Describe("Error back-propagation", func() {
		const decimalPoint = 4

		var runner *sched.Runner

		BeforeEach(func() {
			runner, _ = newRunner(format, []*regfile.Neuron{
				{
					Weights: []int64{16, 32},
					Inputs:  []int64{16, 16},
				},
			})
		})

		It("should propagate the downstream delta through the weights", func() {
			p := linearParams(decimalPoint)
			p.StoredOutput = 16
			p.DWIn = 32 // downstream delta 2.0

			result, err := runner.RunErrorBackprop(0, p)
			Expect(err).To(BeNil())

			// delta = derivative * dwIn = 1.0 * 2.0 = 2.0.
			Expect(result.Output).To(Equal(int64(32)))
			Expect(runner.Delta(0)).To(Equal(int64(32)))

			// Products: delta * w = {2.0, 4.0}.
			Expect(runner.ProductBlock(0)[0]).To(Equal(int64(32)))
			Expect(runner.ProductBlock(0)[1]).To(Equal(int64(64)))
		})

		It("should accumulate products across patterns", func() {
			p := linearParams(decimalPoint)
			p.StoredOutput = 16
			p.DWIn = 32

			_, err := runner.RunErrorBackprop(0, p)
			Expect(err).To(BeNil())
			_, err = runner.RunErrorBackprop(0, p)
			Expect(err).To(BeNil())

			Expect(runner.ProductBlock(0)[0]).To(Equal(int64(64)))
			Expect(runner.ProductBlock(0)[1]).To(Equal(int64(128)))
		})
	})

	Describe("Liveness", func() {
		It("should finish every phase and mode within the cycle budget", func() {
			phases := []pe.LearnPhase{
				pe.PhaseFeedForward,
				pe.PhaseLearnFeedForward,
				pe.PhaseUpdateSlope,
				pe.PhaseErrorBackprop,
				pe.PhaseWeightUpdate,
			}
			modes := []pe.TrainingMode{pe.TrainOnline, pe.TrainBatch}
			flags := []struct{ first, last bool }{
				{false, false}, {true, false}, {false, true}, {true, true},
			}

			for _, phase := range phases {
				for _, mode := range modes {
					for _, f := range flags {
						runner, _ := newRunner(format, []*regfile.Neuron{
							{
								Weights: []int64{1, 2, 3, 4, 5, 6},
								Inputs:  []int64{1, 1, 1, 1, 1, 1},
								Bias:    1,
							},
						})

						p := linearParams(4)
						p.Phase = phase
						p.Mode = mode
						p.InFirst = f.first
						p.InLast = f.last
						p.Target = 8
						p.StoredOutput = 8
						p.DWIn = 8
						p.Delta = 8
						p.LearningRate = 8

						_, err := runner.Run(0, p)
						Expect(err).To(BeNil(),
							"phase %s mode %d first %v last %v",
							phase.Name(), mode, f.first, f.last)
					}
				}
			}
		})
	})
})
