// Package main provides the entry point for NNASim.
// NNASim is a cycle-accurate neural-network accelerator simulator: one
// processing element per neuron, a weight-block cache, and a scratchpad
// bank for slope and delta accumulation.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sarchlab/nnasim/afu"
	"github.com/sarchlab/nnasim/fxp"
	"github.com/sarchlab/nnasim/timing/latency"
	"github.com/sarchlab/nnasim/timing/pe"
	"github.com/sarchlab/nnasim/timing/regfile"
	"github.com/sarchlab/nnasim/timing/sched"
)

var (
	configPath = flag.String("config", "", "Path to timing configuration JSON file")
	formatPath = flag.String("format", "", "Path to fixed-point format JSON file")
	train      = flag.Bool("train", false, "Run a training pass in addition to inference")
	verbose    = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Parse()

	timing := latency.DefaultTimingConfig()
	if *configPath != "" {
		loaded, err := latency.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading timing config: %v\n", err)
			os.Exit(1)
		}
		timing = loaded
	}
	if err := timing.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid timing config: %v\n", err)
		os.Exit(1)
	}

	format := fxp.DefaultFormat()
	if *formatPath != "" {
		loaded, err := fxp.LoadFormat(*formatPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading format: %v\n", err)
			os.Exit(1)
		}
		format = loaded
	}

	if err := run(format, timing); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run builds a small two-neuron scenario, drives inference (and optionally
// one training pattern) through the PE, and prints statistics.
func run(format *fxp.Format, timing *latency.TimingConfig) error {
	const decimalPoint = 8
	one := format.One(format.Decimal(decimalPoint))

	file := regfile.NewFile(format, []*regfile.Neuron{
		{
			Weights: []int64{one / 2, -one / 4, one / 8, one, one / 2, -one / 2},
			Inputs:  []int64{one, one / 2, one / 4, -one / 2, one / 8, one},
			Bias:    one / 16,
		},
		{
			Weights: []int64{one / 3, one / 5, -one / 7},
			Inputs:  []int64{one / 2, one / 2, one / 2},
			Bias:    0,
		},
	})
	runner := sched.NewRunner(format, timing, file)

	params := sched.Params{
		DecimalPoint: decimalPoint,
		Steepness:    format.SteepnessOffset,
		Activation:   afu.FuncSigmoidSymmetric,
		ErrorFunc:    afu.FuncLinear,
		LearningRate: one / 4,
		Mode:         pe.TrainOnline,
	}

	for n := 0; n < file.NumNeurons(); n++ {
		result, err := runner.RunFeedForward(n, params)
		if err != nil {
			return err
		}
		fmt.Printf("neuron %d: output=%d (%d cycles)\n", n, result.Output, result.Cycles)
	}

	if *train {
		trainParams := params
		trainParams.Target = one / 2
		trainParams.InFirst = true
		trainParams.InLast = true
		for n := 0; n < file.NumNeurons(); n++ {
			result, err := runner.RunTrainPattern(n, trainParams)
			if err != nil {
				return err
			}
			fmt.Printf("neuron %d: trained, mse=%d (%d cycles)\n", n, result.MSE, result.Cycles)

			if _, err := runner.RunWeightUpdate(n, trainParams); err != nil {
				return err
			}
		}
	}

	printStats(runner)
	if *verbose {
		printConfig(format, timing)
	}
	return nil
}

func printStats(runner *sched.Runner) {
	peStats := runner.PE().Stats()
	cacheStats := runner.Cache().Stats()
	spadStats := runner.Scratchpad().Stats()
	afuStats := runner.AFU().Stats()
	runStats := runner.Stats()

	fmt.Println()
	fmt.Println("=== Statistics ===")
	fmt.Printf("Driver:     %d cycles, %d stall cycles, %d neurons\n",
		runStats.Cycles, runStats.StallCycles, runStats.Neurons)
	fmt.Printf("PE:         %d cycles, %d responses, %d products, %d held\n",
		peStats.Cycles, peStats.Responses, peStats.Products, peStats.Held)
	fmt.Printf("Cache:      %d reads, %d hits, %d misses, %d writebacks\n",
		cacheStats.Reads, cacheStats.Hits, cacheStats.Misses, cacheStats.Writebacks)
	fmt.Printf("Scratchpad: %d element, %d block, %d accumulate writes, %d forwards\n",
		spadStats.ElementWrites, spadStats.BlockWrites,
		spadStats.AccumulateWrites, spadStats.Forwards)
	fmt.Printf("AFU:        %d lookups, %d rejected\n",
		afuStats.Lookups, afuStats.Rejected)
}

func printConfig(format *fxp.Format, timing *latency.TimingConfig) {
	fmt.Println()
	fmt.Println("=== Configuration ===")
	fmt.Printf("Element width:      %d bits\n", format.ElementWidth)
	fmt.Printf("Elements per block: %d\n", format.ElementsPerBlock())
	fmt.Printf("Steepness offset:   %d\n", format.SteepnessOffset)
	fmt.Printf("AFU latency:        %d cycles\n", timing.AFULatency)
	fmt.Printf("Block fetch:        %d hit / %d miss cycles\n",
		timing.BlockFetchHitLatency, timing.BlockFetchMissLatency)
}
