package regalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelvm/keel/backend"
)

// spilledVreg defines vreg at defIndex and parks operand on its pending
// spill chain with a use at useIndex.
func spilledVreg(d *AllocationData, vreg, defIndex, useIndex int) *backend.Operand {
	v := d.virtualRegisterDataFor(vreg)
	v.defineAsUnallocatedOperand(vreg, defIndex)
	op := backend.NewUnallocatedOperand(backend.PolicyRegisterOrSlot, vreg)
	v.spillOperand(&op, useIndex, d)
	return &op
}

func emptySequence(n int) *backend.InstructionSequence {
	b := backend.NewSequenceBuilder()
	blk := b.NewBlock(backend.RpoInvalid)
	for i := 0; i < n; i++ {
		blk.AddInstruction(nop())
	}
	// Touch the vregs the tests define by hand.
	b.SetRepresentation(0, backend.DefaultRepresentation)
	b.SetRepresentation(1, backend.DefaultRepresentation)
	return b.Build()
}

func TestSpillSlotReusedAcrossDisjointRanges(t *testing.T) {
	frame := backend.NewFrame()
	d := NewAllocationData(newTestConfig(1, 0), emptySequence(8), frame)

	o0 := spilledVreg(d, 0, 0, 2) // range [1, 2]
	o1 := spilledVreg(d, 1, 3, 6) // range [4, 6]

	AllocateSpillSlots(d)

	require.Equal(t, slotAt(0), *o0)
	require.Equal(t, slotAt(0), *o1)
	require.Equal(t, 1, frame.SpillSlotCount())
}

func TestSpillSlotsDistinctWhenRangesOverlap(t *testing.T) {
	frame := backend.NewFrame()
	d := NewAllocationData(newTestConfig(1, 0), emptySequence(8), frame)

	o0 := spilledVreg(d, 0, 0, 4) // range [1, 4]
	o1 := spilledVreg(d, 1, 3, 6) // range [4, 6]

	AllocateSpillSlots(d)

	require.Equal(t, slotAt(0), *o0)
	require.Equal(t, slotAt(1), *o1)
	require.Equal(t, 2, frame.SpillSlotCount())
}

func TestSpillSlotWidthsNeverMix(t *testing.T) {
	b := backend.NewSequenceBuilder()
	blk := b.NewBlock(backend.RpoInvalid)
	for i := 0; i < 8; i++ {
		blk.AddInstruction(nop())
	}
	b.SetRepresentation(0, backend.RepWord32)
	b.SetRepresentation(1, backend.DefaultRepresentation)
	frame := backend.NewFrame()
	d := NewAllocationData(newTestConfig(1, 0), b.Build(), frame)

	o0 := spilledVreg(d, 0, 0, 2) // 4 bytes, retired before v1 starts
	o1 := spilledVreg(d, 1, 3, 6) // 8 bytes

	AllocateSpillSlots(d)

	require.Equal(t, backend.NewStackSlotOperand(backend.RepWord32, 0), *o0)
	require.Equal(t, slotAt(1), *o1)
	require.Equal(t, 4, frame.SpillSlotWidth(0))
	require.Equal(t, 8, frame.SpillSlotWidth(1))
}

func TestSpillSlotCursorNeverMovesBackwards(t *testing.T) {
	a := &spillSlotAllocator{position: 5}
	require.Panics(t, func() { a.advanceTo(4) })
}

func TestSpillSlotAllocateRequiresPendingOperand(t *testing.T) {
	d := NewAllocationData(newTestConfig(1, 0), emptySequence(4), backend.NewFrame())
	v := d.virtualRegisterDataFor(0)
	v.defineAsUnallocatedOperand(0, 0)
	a := &spillSlotAllocator{data: d}
	require.Panics(t, func() { a.allocate(v) })
}
