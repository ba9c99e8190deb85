// Package scratchpad provides the accelerator's scratchpad memory bank.
//
// Each port stores fixed-width blocks of fixed-point elements and supports
// element writes, block overwrites, and block-accumulate writes. A write is
// not applied immediately: it becomes a one-cycle pending entry and the
// store-back happens as a read-modify-write on the following cycle. A write
// arriving while a compatible write to the same block is still pending is
// serviced by same-cycle forwarding instead of being deferred further, so a
// waiting neuron observes its own write without a storage round-trip.
package scratchpad

import (
	"github.com/pkg/errors"

	"github.com/sarchlab/nnasim/fxp"
)

// WriteType selects how a write request modifies the target block.
type WriteType int

const (
	// WriteElement overwrites a single element within the block.
	WriteElement WriteType = iota
	// WriteBlockOverwrite replaces the whole block.
	WriteBlockOverwrite
	// WriteBlockAccumulate adds the written block to the stored block.
	WriteBlockAccumulate
)

// Protocol violations. Behavior under violation is undefined in the
// hardware, so the model refuses the request instead of guessing.
var (
	// ErrInvalidWriteType reports a write type outside {0, 1, 2}.
	ErrInvalidWriteType = errors.New("scratchpad: invalid write type")
	// ErrWriteTypeMismatch reports a write whose type differs from a
	// still-pending write to the same block address.
	ErrWriteTypeMismatch = errors.New("scratchpad: write type differs from pending write to same block")
	// ErrAddressRange reports an out-of-range block or element address.
	ErrAddressRange = errors.New("scratchpad: address out of range")
)

// WriteRequest is one write presented to a port for the current cycle.
type WriteRequest struct {
	// Type is the write type.
	Type WriteType
	// BlockAddr is the target block address.
	BlockAddr int
	// ElemAddr is the element position within the block (element writes).
	ElemAddr int
	// Element is the scalar payload (element writes).
	Element int64
	// Block is the block payload (block writes).
	Block fxp.Block
}

// writePending is the one-cycle-delayed pending write descriptor. It is
// asserted for exactly one cycle after a write is accepted (unless the
// write is serviced by forwarding) and consumed by the read-modify-write
// on the next cycle.
type writePending struct {
	valid     bool
	wType     WriteType
	element   int64
	block     fxp.Block
	blockAddr int
	elemAddr  int
}

// Statistics holds per-port write counters.
type Statistics struct {
	// ElementWrites, BlockWrites, and AccumulateWrites count accepted
	// writes by type.
	ElementWrites    uint64
	BlockWrites      uint64
	AccumulateWrites uint64
	// Forwards counts writes serviced by same-cycle forwarding.
	Forwards uint64
	// Violations counts refused protocol-violating requests.
	Violations uint64
}

// Port is one independently operating scratchpad port.
type Port struct {
	format  *fxp.Format
	storage []fxp.Block
	pending writePending

	readAddr int

	stats Statistics
}

// Bank is a set of independent scratchpad ports. Ports share no state, so
// their pending/forward protocols never interact.
type Bank struct {
	ports []*Port
}

// NewBank creates a bank of numPorts ports, each holding blocksPerPort
// zeroed blocks.
func NewBank(format *fxp.Format, numPorts, blocksPerPort int) *Bank {
	ports := make([]*Port, numPorts)
	for i := range ports {
		storage := make([]fxp.Block, blocksPerPort)
		for j := range storage {
			storage[j] = fxp.NewBlock(format.ElementsPerBlock())
		}
		ports[i] = &Port{
			format:  format,
			storage: storage,
		}
	}
	return &Bank{ports: ports}
}

// Port returns the i-th port.
func (b *Bank) Port(i int) *Port {
	return b.ports[i]
}

// NumPorts returns the number of ports in the bank.
func (b *Bank) NumPorts() int {
	return len(b.ports)
}

// SetReadAddress sets the block address observed by Cycle's read output.
func (p *Port) SetReadAddress(addr int) {
	p.readAddr = addr
}

// Stats returns the port's write counters.
func (p *Port) Stats() Statistics {
	return p.stats
}

// Peek returns a copy of the block currently resident at addr. It does not
// model a port access; pending writes are not visible through it.
func (p *Port) Peek(addr int) fxp.Block {
	return p.storage[addr].Clone()
}

// Cycle advances the port by one cycle. w is the write request presented
// this cycle, or nil. The returned block is what a reader at the current
// read address observes this cycle, including the bypassed result of a
// resolving pending write.
//
// The resolution is two-phase: the combined block is computed from the
// previous cycle's storage and pending entry, then storage and the next
// pending entry are committed together.
func (p *Port) Cycle(w *WriteRequest) (fxp.Block, error) {
	if err := p.checkRequest(w); err != nil {
		p.stats.Violations++
		return nil, err
	}

	if p.pending.valid {
		combined, forwarded := p.resolve(w)

		p.storage[p.pending.blockAddr] = combined
		if w != nil && !forwarded {
			p.capture(w)
		} else {
			if forwarded {
				p.stats.Forwards++
				p.countWrite(w.Type)
			}
			p.pending.valid = false
		}
	} else if w != nil {
		p.capture(w)
	}

	return p.storage[p.readAddr].Clone(), nil
}

// resolve computes the read-modify-write result for the pending entry,
// blending in a same-address incoming write through the forwarding path.
func (p *Port) resolve(w *WriteRequest) (combined fxp.Block, forwarded bool) {
	stored := p.storage[p.pending.blockAddr]
	combined = stored.Clone()

	switch p.pending.wType {
	case WriteElement:
		combined[p.pending.elemAddr] = p.pending.element
	case WriteBlockOverwrite:
		copy(combined, p.pending.block)
	case WriteBlockAccumulate:
		for i := range combined {
			combined[i] = fxp.Truncate(p.pending.block[i]+stored[i], p.format.ElementWidth)
		}
	}

	if w == nil || w.BlockAddr != p.pending.blockAddr {
		return combined, false
	}

	switch w.Type {
	case WriteElement:
		combined[w.ElemAddr] = w.Element
	case WriteBlockOverwrite:
		copy(combined, w.Block)
	case WriteBlockAccumulate:
		for i := range combined {
			combined[i] = fxp.Truncate(w.Block[i]+p.pending.block[i]+stored[i], p.format.ElementWidth)
		}
	}
	return combined, true
}

// capture records w as the next cycle's pending entry.
func (p *Port) capture(w *WriteRequest) {
	p.pending = writePending{
		valid:     true,
		wType:     w.Type,
		element:   w.Element,
		blockAddr: w.BlockAddr,
		elemAddr:  w.ElemAddr,
	}
	if w.Block != nil {
		p.pending.block = w.Block.Clone()
	}
	p.countWrite(w.Type)
}

func (p *Port) countWrite(t WriteType) {
	switch t {
	case WriteElement:
		p.stats.ElementWrites++
	case WriteBlockOverwrite:
		p.stats.BlockWrites++
	case WriteBlockAccumulate:
		p.stats.AccumulateWrites++
	}
}

// checkRequest enforces the port's write protocol.
func (p *Port) checkRequest(w *WriteRequest) error {
	if w == nil {
		return nil
	}
	if w.Type < WriteElement || w.Type > WriteBlockAccumulate {
		return errors.Wrapf(ErrInvalidWriteType, "type %d", w.Type)
	}
	if w.BlockAddr < 0 || w.BlockAddr >= len(p.storage) {
		return errors.Wrapf(ErrAddressRange, "block %d of %d", w.BlockAddr, len(p.storage))
	}
	if w.Type == WriteElement &&
		(w.ElemAddr < 0 || w.ElemAddr >= p.format.ElementsPerBlock()) {
		return errors.Wrapf(ErrAddressRange, "element %d of %d",
			w.ElemAddr, p.format.ElementsPerBlock())
	}
	if w.Type != WriteElement && len(w.Block) != p.format.ElementsPerBlock() {
		return errors.Wrapf(ErrAddressRange, "block payload has %d elements, want %d",
			len(w.Block), p.format.ElementsPerBlock())
	}
	if p.pending.valid && w.BlockAddr == p.pending.blockAddr && w.Type != p.pending.wType {
		return errors.Wrapf(ErrWriteTypeMismatch, "pending type %d, new type %d",
			p.pending.wType, w.Type)
	}
	return nil
}

// Drain advances the port with no incoming write until no pending entry
// remains, then returns. At most one cycle is required.
func (p *Port) Drain() {
	if p.pending.valid {
		p.Cycle(nil) //nolint:errcheck // nil request cannot violate the protocol
	}
}
