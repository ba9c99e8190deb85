// Package main provides the entry point for NNASim.
// NNASim is a cycle-accurate neural-network accelerator simulator.
//
// For the full CLI, use: go run ./cmd/nnasim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("NNASim - Neural Network Accelerator Simulator")
	fmt.Println("")
	fmt.Println("Usage: nnasim [options]")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -config    Path to timing configuration JSON file")
	fmt.Println("  -format    Path to fixed-point format JSON file")
	fmt.Println("  -train     Run a training pass in addition to inference")
	fmt.Println("  -v         Verbose output")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/nnasim' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/nnasim' instead.")
	}
}
