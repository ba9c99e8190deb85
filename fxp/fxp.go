// Package fxp provides signed fixed-point arithmetic helpers.
//
// All values are signed fixed-point scalars carried in int64 and truncated
// to a configurable element width after every arithmetic step, so that the
// simulated math matches the hardware datapath bit for bit.
package fxp

// Truncate reduces v to a signed value of the given bit width by
// sign-extending from bit width-1.
func Truncate(v int64, width int) int64 {
	shift := uint(64 - width)
	return v << shift >> shift
}

// MulShift computes (a*b) >> decimal without truncation to element width.
// The shift is arithmetic, so negative products round toward negative
// infinity, matching the hardware shifter.
func MulShift(a, b int64, decimal int) int64 {
	return (a * b) >> uint(decimal)
}

// Accumulate adds the scaled product of a and b into acc and truncates the
// running sum to the element width. Accumulation order is significant: the
// truncation happens at every step, not once at the end.
func Accumulate(acc, a, b int64, decimal, width int) int64 {
	return Truncate(acc+MulShift(a, b, decimal), width)
}

// ApplySteepness scales v by the offset-encoded steepness: a stored
// steepness equal to offset means unity scale, lower values shift right,
// higher values shift left.
//
// The right-shift path is arithmetic, so negative v rounds toward
// negative infinity.
func ApplySteepness(v int64, steepness, offset int) int64 {
	switch {
	case steepness < offset:
		return v >> uint(offset-steepness)
	case steepness > offset:
		return v << uint(steepness-offset)
	default:
		return v
	}
}

// Block is one transfer/storage unit: a fixed count of fixed-point elements
// moved together between the register file, the scratchpad, and the PE.
type Block []int64

// NewBlock allocates a zeroed block of n elements.
func NewBlock(n int) Block {
	return make(Block, n)
}

// Clone returns an independent copy of the block.
func (b Block) Clone() Block {
	c := make(Block, len(b))
	copy(c, b)
	return c
}

// Clear zeroes every element in place.
func (b Block) Clear() {
	for i := range b {
		b[i] = 0
	}
}
