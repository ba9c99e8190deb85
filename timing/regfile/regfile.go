// Package regfile models the per-neuron register file that stores weights,
// input activations, and biases, with a small block cache in front of
// weight fetches.
package regfile

import (
	"github.com/pkg/errors"

	"github.com/sarchlab/nnasim/fxp"
)

// ErrNoSuchNeuron reports an access to an unconfigured neuron slot.
var ErrNoSuchNeuron = errors.New("regfile: no such neuron")

// Neuron holds one neuron's parameters. Weight and input vectors are flat;
// block views pad the tail with zeros.
type Neuron struct {
	// Weights is the neuron's weight vector.
	Weights []int64
	// Inputs is the neuron's input activation vector.
	Inputs []int64
	// Bias is the neuron's bias term.
	Bias int64
	// WriteGroups counts completed write groups, advanced by the PE's
	// incWriteCount pulses.
	WriteGroups uint64
}

// maxWeights is the largest weight count a neuron can carry.
const maxWeights = 255

// File is the register file: a set of neuron slots addressed by index.
type File struct {
	format  *fxp.Format
	neurons []*Neuron

	// blocksPerNeuron bounds the per-neuron block index so that flat
	// block addresses of different neurons never collide. It is the
	// block count of a maxWeights-element vector at the file's format.
	blocksPerNeuron uint64
}

// NewFile creates a register file with the given neuron slots.
func NewFile(format *fxp.Format, neurons []*Neuron) *File {
	epb := format.ElementsPerBlock()
	return &File{
		format:          format,
		neurons:         neurons,
		blocksPerNeuron: uint64((maxWeights + epb - 1) / epb),
	}
}

// Format returns the file's fixed-point format.
func (f *File) Format() *fxp.Format {
	return f.format
}

// NumNeurons returns the number of neuron slots.
func (f *File) NumNeurons() int {
	return len(f.neurons)
}

// Neuron returns the neuron at slot n.
func (f *File) Neuron(n int) (*Neuron, error) {
	if n < 0 || n >= len(f.neurons) {
		return nil, errors.Wrapf(ErrNoSuchNeuron, "slot %d of %d", n, len(f.neurons))
	}
	return f.neurons[n], nil
}

// blockBytes is the byte footprint of one block, used for flat addressing.
func (f *File) blockBytes() uint64 {
	return uint64(f.format.DataWidth / 8)
}

// BlockAddr returns the flat byte address of a neuron's weight block, used
// as the cache tag.
func (f *File) BlockAddr(neuron, blockIndex int) uint64 {
	return (uint64(neuron)*f.blocksPerNeuron + uint64(blockIndex)) * f.blockBytes()
}

// blockView copies one block out of a flat vector, zero-padding the tail.
func (f *File) blockView(vec []int64, blockIndex int) fxp.Block {
	epb := f.format.ElementsPerBlock()
	block := fxp.NewBlock(epb)
	base := blockIndex * epb
	for i := 0; i < epb; i++ {
		if base+i < len(vec) {
			block[i] = vec[base+i]
		}
	}
	return block
}

// WeightBlock returns the blockIndex-th weight block of a neuron.
func (f *File) WeightBlock(neuron, blockIndex int) (fxp.Block, error) {
	n, err := f.Neuron(neuron)
	if err != nil {
		return nil, err
	}
	return f.blockView(n.Weights, blockIndex), nil
}

// InputBlock returns the blockIndex-th input block of a neuron.
func (f *File) InputBlock(neuron, blockIndex int) (fxp.Block, error) {
	n, err := f.Neuron(neuron)
	if err != nil {
		return nil, err
	}
	return f.blockView(n.Inputs, blockIndex), nil
}

// ApplyWeightBlock folds a PE write-back block into the weight vector.
// When accumulate is set the block carries increments; otherwise it
// overwrites.
func (f *File) ApplyWeightBlock(neuron, blockIndex int, block fxp.Block, accumulate bool) error {
	n, err := f.Neuron(neuron)
	if err != nil {
		return err
	}
	epb := f.format.ElementsPerBlock()
	base := blockIndex * epb
	for i := 0; i < epb && base+i < len(n.Weights); i++ {
		if accumulate {
			n.Weights[base+i] = fxp.Truncate(n.Weights[base+i]+block[i], f.format.ElementWidth)
		} else {
			n.Weights[base+i] = fxp.Truncate(block[i], f.format.ElementWidth)
		}
	}
	return nil
}

// ApplyBias folds a bias increment into the neuron's bias.
func (f *File) ApplyBias(neuron int, delta int64) error {
	n, err := f.Neuron(neuron)
	if err != nil {
		return err
	}
	n.Bias = fxp.Truncate(n.Bias+delta, f.format.ElementWidth)
	return nil
}

// AdvanceWriteCount services one incWriteCount pulse.
func (f *File) AdvanceWriteCount(neuron int) error {
	n, err := f.Neuron(neuron)
	if err != nil {
		return err
	}
	n.WriteGroups++
	return nil
}

// ReadBlock implements BlockBacking over the weight storage, resolving a
// flat block address back to (neuron, blockIndex).
func (f *File) ReadBlock(addr uint64) fxp.Block {
	blockNum := addr / f.blockBytes()
	neuron := int(blockNum / f.blocksPerNeuron)
	blockIndex := int(blockNum % f.blocksPerNeuron)
	block, err := f.WeightBlock(neuron, blockIndex)
	if err != nil {
		return fxp.NewBlock(f.format.ElementsPerBlock())
	}
	return block
}

// WriteBlock implements BlockBacking over the weight storage.
func (f *File) WriteBlock(addr uint64, block fxp.Block) {
	blockNum := addr / f.blockBytes()
	neuron := int(blockNum / f.blocksPerNeuron)
	blockIndex := int(blockNum % f.blocksPerNeuron)
	//nolint:errcheck // out-of-range writebacks drop, matching the hardware
	f.ApplyWeightBlock(neuron, blockIndex, block, false)
}
