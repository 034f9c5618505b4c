// Package regalloc implements a fast register allocator for instruction
// sequences produced by an instruction selector.
//
// The allocator works per register kind in a single reverse sweep over
// each block: walking instructions from last to first, a use claims a
// register and the claim is resolved when the defining output is
// reached. Decisions that depend on instructions not yet seen are
// parked as pending operand chains and resolved in one traversal when
// the owning register is committed or spilled. Register state does not
// flow across block boundaries; values live across blocks travel
// through spill slots, which are assigned afterwards by a linear scan
// over the collected spill ranges.
//
// The entry point is Allocate, which runs the full pipeline: output
// definition, per-kind register allocation, spill slot assignment and
// reference map population.
package regalloc

import (
	"github.com/keelvm/keel/backend"
)

// MidTierAllocator drives the define-outputs and register-allocation
// passes over the instruction sequence, delegating operand decisions to
// one single-pass allocator per register kind.
type MidTierAllocator struct {
	data             *AllocationData
	generalAllocator *singlePassRegisterAllocator
	doubleAllocator  *singlePassRegisterAllocator
}

// NewMidTierAllocator returns an allocator over the given allocation
// state.
func NewMidTierAllocator(d *AllocationData) *MidTierAllocator {
	return &MidTierAllocator{
		data:             d,
		generalAllocator: newSinglePassRegisterAllocator(backend.KindGeneral, d),
		doubleAllocator:  newSinglePassRegisterAllocator(backend.KindDouble, d),
	}
}

// Allocate runs the complete allocation pipeline over d's instruction
// sequence. Afterwards every operand is concrete, spill slots are
// assigned, reference maps are populated and the frame knows the
// registers in use.
func Allocate(d *AllocationData) {
	m := NewMidTierAllocator(d)
	m.DefineOutputs()
	m.AllocateRegisters()
	AllocateSpillSlots(d)
	PopulateReferenceMaps(d)
}

func (m *MidTierAllocator) allocatorFor(rep backend.MachineRepresentation) *singlePassRegisterAllocator {
	if rep.IsFloatingPoint() {
		return m.doubleAllocator
	}
	return m.generalAllocator
}

func (m *MidTierAllocator) allocatorForOperand(operand *backend.Operand) *singlePassRegisterAllocator {
	return m.allocatorFor(m.data.representationFor(operand.VirtualRegister()))
}

// DefineOutputs walks the blocks in reverse RPO recording how every
// vreg is defined and building the per-block domination sets.
func (m *MidTierAllocator) DefineOutputs() {
	blocks := m.data.code.InstructionBlocks()
	for i := len(blocks) - 1; i >= 0; i-- {
		m.data.tickAndMaybeEnterSafepoint()
		m.initializeBlockState(blocks[i])
		m.defineBlockOutputs(blocks[i])
	}
}

func (m *MidTierAllocator) initializeBlockState(block *backend.InstructionBlock) {
	state := m.data.blockStateFor(block.RpoNumber())
	state.dominatedBlocks.add(block.RpoNumber().ToInt())

	if dom := block.Dominator(); dom.IsValid() {
		// Reverse RPO visits dominated blocks before their dominator, so
		// the block's own set is complete by now.
		m.data.blockStateFor(dom).dominatedBlocks.unionWith(&state.dominatedBlocks)
	} else if block.RpoNumber().ToInt() != 0 {
		panic("BUG: only the entry block may lack a dominator")
	}
}

func (m *MidTierAllocator) defineBlockOutputs(block *backend.InstructionBlock) {
	for index := block.LastInstructionIndex(); index >= block.FirstInstructionIndex(); index-- {
		instr := m.data.code.InstructionAt(index)

		for i := 0; i < instr.OutputCount(); i++ {
			output := instr.OutputAt(i)
			if output.IsConstant() {
				vreg := output.VirtualRegister()
				m.data.virtualRegisterDataFor(vreg).defineAsConstantOperand(output, index)
				continue
			}
			if !output.IsUnallocated() {
				panic("BUG: outputs must be unallocated or constant")
			}
			vreg := output.VirtualRegister()
			if output.HasFixedSlotPolicy() {
				// The spill location is known up front, so record it now
				// and let the sweep use that knowledge.
				rep := m.data.representationFor(vreg)
				fixedSpill := backend.NewStackSlotOperand(rep, output.FixedSlotIndex())
				m.data.virtualRegisterDataFor(vreg).defineAsFixedSpillOperand(&fixedSpill, vreg, index)
			} else {
				m.data.virtualRegisterDataFor(vreg).defineAsUnallocatedOperand(vreg, index)
			}
		}

		if instr.HasReferenceMap() {
			m.data.referenceMapInstructions = append(m.data.referenceMapInstructions, index)
		}
	}

	for _, phi := range block.Phis() {
		vreg := phi.VirtualRegister()
		m.data.virtualRegisterDataFor(vreg).defineAsPhi(vreg, block.FirstInstructionIndex())
	}
}

// AllocateRegisters performs the reverse sweep over every block, then
// extends spill ranges across loops and publishes the assigned register
// sets to the frame.
func (m *MidTierAllocator) AllocateRegisters() {
	blocks := m.data.code.InstructionBlocks()
	for i := len(blocks) - 1; i >= 0; i-- {
		m.data.tickAndMaybeEnterSafepoint()
		m.allocateBlock(blocks[i])
	}

	m.updateSpillRangesForLoops()

	m.data.frame.SetAllocatedRegisters(m.generalAllocator.assignedRegisters)
	m.data.frame.SetAllocatedDoubleRegisters(m.doubleAllocator.assignedRegisters)
}

func (m *MidTierAllocator) allocateBlock(block *backend.InstructionBlock) {
	m.generalAllocator.startBlock(block)
	m.doubleAllocator.startBlock(block)

	for instrIndex := block.LastInstructionIndex(); instrIndex >= block.FirstInstructionIndex(); instrIndex-- {
		instr := m.data.code.InstructionAt(instrIndex)

		// Fixed register operands first, so nothing else claims their
		// registers.
		m.reserveFixedRegisters(instrIndex)

		for i := 0; i < instr.OutputCount(); i++ {
			output := instr.OutputAt(i)
			if output.IsAllocated() {
				panic("BUG: output already allocated")
			}
			if output.IsConstant() {
				m.allocatorForOperand(output).allocateConstantOutput(output)
			} else if output.HasSameAsInputPolicy() {
				if i != 0 {
					panic("BUG: same-as-input only applies to the first output")
				}
				m.allocatorForOperand(output).allocateSameInputOutput(output, instr.InputAt(0), instrIndex)
			} else {
				m.allocatorForOperand(output).allocateOutput(output, instrIndex)
			}
		}

		if instr.ClobbersRegisters() {
			m.generalAllocator.spillAllRegisters()
		}
		if instr.ClobbersDoubleRegisters() {
			m.doubleAllocator.spillAllRegisters()
		}

		for i := 0; i < instr.TempCount(); i++ {
			temp := instr.TempAt(i)
			m.allocatorFor(m.data.representationFor(temp.VirtualRegister())).allocateTemp(temp, instrIndex)
		}

		// Inputs used across the whole instruction go first; used-at-start
		// inputs can then overlap registers freed by end-position uses.
		for i := 0; i < instr.InputCount(); i++ {
			input := instr.InputAt(i)
			if !input.IsUnallocated() || input.IsUsedAtStart() {
				continue
			}
			m.allocatorForOperand(input).allocateInput(input, instrIndex)
		}
		for i := 0; i < instr.InputCount(); i++ {
			input := instr.InputAt(i)
			if !input.IsUnallocated() {
				continue
			}
			m.allocatorForOperand(input).allocateInput(input, instrIndex)
		}

		if moves := instr.GetParallelMove(backend.GapEnd); moves != nil {
			for _, move := range moves.Moves() {
				if move.Destination().IsUnallocated() {
					panic("BUG: gap move destinations are allocated before sources")
				}
				if move.Source().IsUnallocated() {
					m.allocatorForOperand(move.Source()).allocateGapMoveInput(move.Source(), instrIndex)
				}
			}
		}

		m.generalAllocator.endInstruction()
		m.doubleAllocator.endInstruction()
	}

	// No cross-block register flow: everything still in a register at the
	// block entry goes through its spill slot.
	m.generalAllocator.spillAllRegisters()
	m.doubleAllocator.spillAllRegisters()

	m.generalAllocator.endBlock(block)
	m.doubleAllocator.endBlock(block)
}

func isFixedRegisterPolicy(operand *backend.Operand) bool {
	return operand.HasFixedRegisterPolicy() || operand.HasFixedFPRegisterPolicy()
}

func (m *MidTierAllocator) reserveFixedRegisters(instrIndex int) {
	instr := m.data.code.InstructionAt(instrIndex)
	for i := 0; i < instr.OutputCount(); i++ {
		operand := instr.OutputAt(i)
		if !operand.IsUnallocated() {
			continue
		}
		if operand.HasSameAsInputPolicy() {
			// The input at the same position carries the register
			// constraints; reserve for the output here, the input is
			// reserved below.
			operand = instr.InputAt(i)
		}
		if isFixedRegisterPolicy(operand) {
			m.allocatorForOperand(operand).reserveFixedOutputRegister(operand, instrIndex)
		}
	}
	for i := 0; i < instr.TempCount(); i++ {
		operand := instr.TempAt(i)
		if operand.IsUnallocated() && isFixedRegisterPolicy(operand) {
			m.allocatorForOperand(operand).reserveFixedTempRegister(operand, instrIndex)
		}
	}
	for i := 0; i < instr.InputCount(); i++ {
		operand := instr.InputAt(i)
		if operand.IsUnallocated() && isFixedRegisterPolicy(operand) {
			m.allocatorForOperand(operand).reserveFixedInputRegister(operand, instrIndex)
		}
	}
}

// updateSpillRangesForLoops extends the spill range of every value live
// at a loop header across the whole loop, so backward edges never see a
// reused slot.
func (m *MidTierAllocator) updateSpillRangesForLoops() {
	for _, block := range m.data.code.InstructionBlocks() {
		if !block.IsLoopHeader() {
			continue
		}
		lastLoopBlock := backend.RpoNumber(block.LoopEnd().ToInt() - 1)
		lastLoopInstr := m.data.blockAt(lastLoopBlock).LastInstructionIndex()
		m.data.spilledVirtualRegisters.scan(func(vreg int) {
			v := m.data.virtualRegisterDataFor(vreg)
			if v.hasSpillRange() && v.spillRange.isLiveAt(block.FirstInstructionIndex(), block) {
				v.spillRange.extendRangeTo(lastLoopInstr)
			}
		})
	}
}
