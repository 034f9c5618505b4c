package regalloc

import (
	"fmt"

	"github.com/keelvm/keel/backend"
)

// spillRange is the interval of instructions across which a vreg's spill
// slot must remain valid, further constrained to the blocks dominated by
// the defining instruction's block.
type spillRange struct {
	liveRange instrRange
	// liveBlocks is shared with the defining block's blockState; the
	// loop-extension pass only ever widens liveRange.
	liveBlocks *bitset
}

// newSpillRangeForOutput seeds a spill range at the point the slot is
// defined, which is the instruction after the output that produces the
// value.
func newSpillRangeForOutput(definitionInstrIndex int, d *AllocationData) *spillRange {
	r := d.spillRangePool.allocate()
	r.liveRange = newInstrRange(definitionInstrIndex, definitionInstrIndex)
	r.liveBlocks = d.blocksDominatedBy(definitionInstrIndex)
	return r
}

// newSpillRangeForPhi seeds a spill range at the phi block's entry and
// extends it to the last instruction of every predecessor, where the
// incoming gap moves write the slot. Blocks along the CFG between a
// predecessor and the phi block are deliberately not included: the slot
// is only read at the phi block's entry and only written at the
// predecessors' final gaps.
func newSpillRangeForPhi(phiBlock *backend.InstructionBlock, d *AllocationData) *spillRange {
	first := phiBlock.FirstInstructionIndex()
	r := d.spillRangePool.allocate()
	r.liveRange = newInstrRange(first, first)
	r.liveBlocks = d.blocksDominatedBy(first)
	for _, pred := range phiBlock.Predecessors() {
		r.liveRange.addInstr(d.blockAt(pred).LastInstructionIndex())
	}
	return r
}

// isLiveAt reports whether the spill slot must hold the vreg's value at
// the given instruction of the given block.
func (r *spillRange) isLiveAt(instrIndex int, block *backend.InstructionBlock) bool {
	return r.liveRange.contains(instrIndex) && r.liveBlocks.has(block.RpoNumber().ToInt())
}

// extendRangeTo widens the live range to include instrIndex.
func (r *spillRange) extendRangeTo(instrIndex int) {
	r.liveRange.addInstr(instrIndex)
}

// String implements fmt.Stringer.
func (r *spillRange) String() string {
	return r.liveRange.String()
}

// virtualRegisterData tracks everything the allocator knows about one
// virtual register: how it was defined, its spill operand (possibly a
// chain of pending placeholders), and its spill range.
type virtualRegisterData struct {
	// spillOp is nil if the vreg has never needed a spill location.
	// Otherwise it points either at an owned allocated or constant
	// operand, or at the head of the pending-spill-operand chain.
	spillOp          *backend.Operand
	spillRange       *spillRange
	outputInstrIndex int
	vreg             int
	isPhi            bool
	isConstant       bool
}

func (v *virtualRegisterData) initialize(vreg int, spillOp *backend.Operand, instrIndex int, isPhi, isConstant bool) {
	v.vreg = vreg
	v.spillOp = spillOp
	v.spillRange = nil
	v.outputInstrIndex = instrIndex
	v.isPhi = isPhi
	v.isConstant = isConstant
}

// defineAsConstantOperand records a constant definition; the constant
// operand itself serves as the spill operand.
func (v *virtualRegisterData) defineAsConstantOperand(operand *backend.Operand, instrIndex int) {
	v.initialize(operand.VirtualRegister(), operand, instrIndex, false, true)
}

// defineAsFixedSpillOperand records a definition whose output is pinned
// to a stack slot known up front.
func (v *virtualRegisterData) defineAsFixedSpillOperand(operand *backend.Operand, vreg, instrIndex int) {
	v.initialize(vreg, operand, instrIndex, false, false)
}

func (v *virtualRegisterData) defineAsUnallocatedOperand(vreg, instrIndex int) {
	v.initialize(vreg, nil, instrIndex, false, false)
}

func (v *virtualRegisterData) defineAsPhi(vreg, instrIndex int) {
	v.initialize(vreg, nil, instrIndex, true, false)
}

func (v *virtualRegisterData) hasSpillOperand() bool { return v.spillOp != nil }

func (v *virtualRegisterData) hasPendingSpillOperand() bool {
	return v.spillOp != nil && v.spillOp.IsPending()
}

func (v *virtualRegisterData) hasAllocatedSpillOperand() bool {
	return v.spillOp != nil && v.spillOp.IsAllocated()
}

func (v *virtualRegisterData) hasConstantSpillOperand() bool {
	return v.isConstant
}

// needsSpillAtOutput reports whether the defining instruction must also
// store the value to the spill slot.
func (v *virtualRegisterData) needsSpillAtOutput() bool {
	return v.hasSpillOperand() && !v.isConstant
}

func (v *virtualRegisterData) hasSpillRange() bool { return v.spillRange != nil }

// ensureSpillRange creates the spill range on first spill and registers
// the vreg in the spilled set.
func (v *virtualRegisterData) ensureSpillRange(d *AllocationData) {
	if v.isConstant {
		panic("BUG: constants have no spill range")
	}
	if v.spillRange != nil {
		return
	}
	if v.isPhi {
		definitionBlock := d.blockOf(v.outputInstrIndex)
		v.spillRange = newSpillRangeForPhi(definitionBlock, d)
	} else {
		// The spill slot is defined after the instruction that outputs
		// the value.
		v.spillRange = newSpillRangeForOutput(v.outputInstrIndex+1, d)
	}
	d.spilledVirtualRegisters.add(v.vreg)
}

// addSpillUse extends the spill range to cover a use at instrIndex.
// Constants are usable anywhere a slot would be and track no range.
func (v *virtualRegisterData) addSpillUse(instrIndex int, d *AllocationData) {
	if v.isConstant {
		return
	}
	v.ensureSpillRange(d)
	v.spillRange.extendRangeTo(instrIndex)
}

// spillOperand rewrites operand with the vreg's spill location: the
// concrete operand if one is known, otherwise a pending placeholder
// prepended to the vreg's pending-spill chain.
func (v *virtualRegisterData) spillOperand(operand *backend.Operand, instrIndex int, d *AllocationData) {
	v.addSpillUse(instrIndex, d)
	if v.hasAllocatedSpillOperand() || v.hasConstantSpillOperand() {
		backend.ReplaceWith(operand, *v.spillOp)
	} else {
		backend.ReplaceWith(operand, backend.NewPendingOperand(nil))
		v.addPendingSpillOperand(operand)
	}
}

func (v *virtualRegisterData) addPendingSpillOperand(pending *backend.Operand) {
	if v.spillRange == nil {
		panic("BUG: pending spill operand without a spill range")
	}
	if pending.Next() != nil {
		panic("BUG: pending operand already belongs to a chain")
	}
	if v.spillOp != nil {
		if !v.spillOp.IsPending() {
			panic(fmt.Sprintf("BUG: v%d spill operand resolved while chaining", v.vreg))
		}
		pending.SetNext(v.spillOp)
	}
	v.spillOp = pending
}

// allocatePendingSpillOperand resolves the whole pending-spill chain to
// the allocated slot operand. The chain head location becomes the vreg's
// concrete spill operand.
func (v *virtualRegisterData) allocatePendingSpillOperand(allocated backend.Operand) {
	if v.hasAllocatedSpillOperand() || v.hasConstantSpillOperand() {
		panic("BUG: spill operand already resolved")
	}
	current := v.spillOp
	for current != nil {
		next := current.Next()
		backend.ReplaceWith(current, allocated)
		current = next
	}
}

// emitGapMoveToInputFromSpillSlot inserts an END gap move at instrIndex
// loading the vreg's spill location into to.
func (v *virtualRegisterData) emitGapMoveToInputFromSpillSlot(to backend.Operand, instrIndex int, d *AllocationData) {
	v.addSpillUse(instrIndex, d)
	if to.IsPending() {
		panic("BUG: gap move target must be concrete")
	}
	if v.hasAllocatedSpillOperand() || v.hasConstantSpillOperand() {
		d.addGapMove(instrIndex, backend.GapEnd, *v.spillOp, to)
	} else {
		move := d.addPendingOperandGapMove(instrIndex, backend.GapEnd)
		v.addPendingSpillOperand(move.Source())
		backend.ReplaceWith(move.Destination(), to)
	}
}

// emitGapMoveToSpillSlot inserts a START gap move at instrIndex storing
// from into the vreg's spill location.
func (v *virtualRegisterData) emitGapMoveToSpillSlot(from backend.Operand, instrIndex int, d *AllocationData) {
	v.addSpillUse(instrIndex, d)
	if v.hasAllocatedSpillOperand() || v.hasConstantSpillOperand() {
		d.addGapMove(instrIndex, backend.GapStart, from, *v.spillOp)
	} else {
		move := d.addPendingOperandGapMove(instrIndex, backend.GapStart)
		backend.ReplaceWith(move.Source(), from)
		v.addPendingSpillOperand(move.Destination())
	}
}

// emitGapMoveFromOutputToSpillSlot stores the output's value to the
// spill location right after the defining instruction: at the START of
// the next instruction, or for a block-final instruction at the START of
// every successor's first instruction.
func (v *virtualRegisterData) emitGapMoveFromOutputToSpillSlot(from backend.Operand,
	currentBlock *backend.InstructionBlock, instrIndex int, d *AllocationData,
) {
	if d.blockOf(instrIndex) != currentBlock {
		panic("BUG: instruction does not belong to the current block")
	}
	if instrIndex == currentBlock.LastInstructionIndex() {
		for _, succ := range currentBlock.Successors() {
			successor := d.blockAt(succ)
			if successor.PredecessorCount() != 1 {
				panic("BUG: critical edge for output spill move")
			}
			v.emitGapMoveToSpillSlot(from, successor.FirstInstructionIndex(), d)
		}
	} else {
		v.emitGapMoveToSpillSlot(from, instrIndex+1, d)
	}
}
