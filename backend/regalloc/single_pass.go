package regalloc

import (
	"math"
	"math/bits"

	"github.com/keelvm/keel/backend"
)

// consistencyCheckEnabled turns on the O(vregs) register<->vreg
// bijection check after every allocation step. Keep off outside
// allocator development.
const consistencyCheckEnabled = false

// usePosition says which of an instruction's two gap positions an
// operand's register reservation covers.
type usePosition byte

const (
	useNone usePosition = iota
	useStart
	useEnd
	useAll
)

// String implements fmt.Stringer.
func (p usePosition) String() string {
	switch p {
	case useNone:
		return "none"
	case useStart:
		return "start"
	case useEnd:
		return "end"
	case useAll:
		return "all"
	default:
		return "?"
	}
}

// singlePassRegisterAllocator allocates the registers of one kind over a
// single reverse sweep of each block. Register state does not flow
// across block boundaries; everything live at a block entry goes through
// its spill slot.
type singlePassRegisterAllocator struct {
	kind backend.RegisterKind
	data *AllocationData

	// virtualRegisterToReg is the inverse of register.virtualRegister.
	virtualRegisterToReg []registerIndex
	// state is created lazily on first need within a block and dropped at
	// block end.
	state *registerState

	numAllocatable int
	regCodeToIndex map[int]registerIndex
	indexToRegCode []int

	// assignedRegisters accumulates, by configuration code, every
	// register the allocator ever handed out. Published to the frame
	// after the pass.
	assignedRegisters backend.RegSet

	inUseAtInstrStartBits  uint64
	inUseAtInstrEndBits    uint64
	allocatedRegistersBits uint64
}

func newSinglePassRegisterAllocator(kind backend.RegisterKind, d *AllocationData) *singlePassRegisterAllocator {
	codes := d.config.AllocatableRegisterCodes(kind)
	a := &singlePassRegisterAllocator{
		kind:                 kind,
		data:                 d,
		virtualRegisterToReg: make([]registerIndex, d.code.VirtualRegisterCount()),
		numAllocatable:       len(codes),
		regCodeToIndex:       make(map[int]registerIndex, len(codes)),
		indexToRegCode:       codes,
	}
	for i, code := range codes {
		a.regCodeToIndex[code] = registerIndex(i)
	}
	for v := range a.virtualRegisterToReg {
		a.virtualRegisterToReg[v] = invalidRegisterIndex
	}
	return a
}

func (a *singlePassRegisterAllocator) representationFor(vreg int) backend.MachineRepresentation {
	return a.data.representationFor(vreg)
}

func (a *singlePassRegisterAllocator) fromRegCode(code int) registerIndex {
	reg, ok := a.regCodeToIndex[code]
	if !ok {
		panic("BUG: register code is not allocatable")
	}
	return reg
}

func (a *singlePassRegisterAllocator) toRegCode(reg registerIndex) int {
	return a.indexToRegCode[reg.toInt()]
}

func (a *singlePassRegisterAllocator) registerForVirtualRegister(vreg int) registerIndex {
	if vreg == backend.InvalidVirtualRegister {
		panic("BUG: invalid virtual register")
	}
	return a.virtualRegisterToReg[vreg]
}

func (a *singlePassRegisterAllocator) virtualRegisterForRegister(reg registerIndex) int {
	return a.state.virtualRegisterForRegister(reg)
}

// isFreeOrSameVirtualRegister reports whether reg is unallocated or
// already holds vreg.
func (a *singlePassRegisterAllocator) isFreeOrSameVirtualRegister(reg registerIndex, vreg int) bool {
	held := a.virtualRegisterForRegister(reg)
	return held == backend.InvalidVirtualRegister || held == vreg
}

// virtualRegisterIsUnallocatedOrInReg reports whether vreg has no
// register or is allocated to reg.
func (a *singlePassRegisterAllocator) virtualRegisterIsUnallocatedOrInReg(vreg int, reg registerIndex) bool {
	existing := a.registerForVirtualRegister(vreg)
	return !existing.isValid() || existing == reg
}

func (a *singlePassRegisterAllocator) ensureRegisterState() {
	if a.state == nil {
		a.state = newRegisterState(a.numAllocatable, a.data.registerPool)
	}
}

func (a *singlePassRegisterAllocator) allocatedOperandForReg(reg registerIndex, vreg int) backend.Operand {
	return backend.NewRegisterOperand(a.representationFor(vreg), a.toRegCode(reg))
}

func (a *singlePassRegisterAllocator) startBlock(block *backend.InstructionBlock) {
	if a.state != nil {
		panic("BUG: register state leaked into a new block")
	}
	if a.inUseAtInstrStartBits != 0 || a.inUseAtInstrEndBits != 0 || a.allocatedRegistersBits != 0 {
		panic("BUG: registers still in use at block entry")
	}
	a.data.debugf("%s allocator: start %s", a.kind, block.RpoNumber())
}

func (a *singlePassRegisterAllocator) endBlock(block *backend.InstructionBlock) {
	if a.inUseAtInstrStartBits != 0 || a.inUseAtInstrEndBits != 0 {
		panic("BUG: registers still in use at block exit")
	}
	a.state = nil
	a.data.debugf("%s allocator: end %s", a.kind, block.RpoNumber())
}

func (a *singlePassRegisterAllocator) endInstruction() {
	a.inUseAtInstrStartBits = 0
	a.inUseAtInstrEndBits = 0
}

func (a *singlePassRegisterAllocator) inUseBits(pos usePosition) uint64 {
	switch pos {
	case useStart:
		return a.inUseAtInstrStartBits
	case useEnd:
		return a.inUseAtInstrEndBits
	case useAll:
		return a.inUseAtInstrStartBits | a.inUseAtInstrEndBits
	default:
		panic("BUG: no in-use bitmap for position none")
	}
}

func (a *singlePassRegisterAllocator) markRegisterUse(reg registerIndex, pos usePosition) {
	if pos == useStart || pos == useAll {
		a.inUseAtInstrStartBits |= reg.toBit()
	}
	if pos == useEnd || pos == useAll {
		a.inUseAtInstrEndBits |= reg.toBit()
	}
}

// assignRegister records reg as holding vreg going backwards, reserving
// it at pos for the current instruction.
func (a *singlePassRegisterAllocator) assignRegister(reg registerIndex, vreg int, pos usePosition) {
	a.assignedRegisters = a.assignedRegisters.Add(a.toRegCode(reg))
	a.markRegisterUse(reg, pos)
	a.allocatedRegistersBits |= reg.toBit()
	if vreg != backend.InvalidVirtualRegister {
		a.virtualRegisterToReg[vreg] = reg
	}
}

func (a *singlePassRegisterAllocator) freeRegister(reg registerIndex, vreg int) {
	a.allocatedRegistersBits &^= reg.toBit()
	if vreg != backend.InvalidVirtualRegister {
		a.virtualRegisterToReg[vreg] = invalidRegisterIndex
	}
}

// chooseRegisterFor picks a register for vreg. Without mustUseRegister,
// an already-spilled vreg is left to its spill slot rather than given a
// fresh register.
func (a *singlePassRegisterAllocator) chooseRegisterFor(v *virtualRegisterData,
	pos usePosition, mustUseRegister bool,
) registerIndex {
	reg := a.registerForVirtualRegister(v.vreg)
	if !reg.isValid() && (mustUseRegister || !v.hasSpillOperand()) {
		reg = a.chooseRegisterAt(pos, mustUseRegister)
	}
	return reg
}

func (a *singlePassRegisterAllocator) chooseRegisterAt(pos usePosition, mustUseRegister bool) registerIndex {
	reg := a.chooseFreeRegister(pos)
	if !reg.isValid() && mustUseRegister {
		reg = a.chooseRegisterToSpill(pos)
		a.spillRegister(reg)
	}
	return reg
}

// chooseFreeRegister takes the lowest-indexed register neither allocated
// nor blocked at pos.
func (a *singlePassRegisterAllocator) chooseFreeRegister(pos usePosition) registerIndex {
	allocatedOrInUse := a.inUseBits(pos) | a.allocatedRegistersBits
	regIndex := bits.TrailingZeros64(^allocatedOrInUse)
	if regIndex >= a.numAllocatable {
		return invalidRegisterIndex
	}
	return registerIndex(regIndex)
}

// chooseRegisterToSpill picks the victim among registers not blocked at
// pos. Preferentially choose a register with only pending uses (no
// reload move needed), then one whose vreg is already spilled (no new
// spill store at its output), then the earliest-defined vreg.
func (a *singlePassRegisterAllocator) chooseRegisterToSpill(pos usePosition) registerIndex {
	candidates := a.allocatedRegistersBits &^ a.inUseBits(pos)
	chosen := invalidRegisterIndex
	earliestDefinition := math.MaxInt
	pendingOnlyUse := false
	alreadySpilled := false
	for b := candidates; b != 0; b &= b - 1 {
		reg := registerIndex(bits.TrailingZeros64(b))
		v := a.data.virtualRegisterDataFor(a.virtualRegisterForRegister(reg))
		if (!pendingOnlyUse && a.state.hasPendingUsesOnly(reg)) ||
			(!alreadySpilled && v.hasSpillOperand()) ||
			v.outputInstrIndex < earliestDefinition {
			chosen = reg
			earliestDefinition = v.outputInstrIndex
			pendingOnlyUse = a.state.hasPendingUsesOnly(reg)
			alreadySpilled = v.hasSpillOperand()
		}
	}
	if !chosen.isValid() {
		// Every allocated register is pinned by the current instruction,
		// which means the fixed-register constraints were miscounted.
		panic("BUG: no spillable register available")
	}
	return chosen
}

// commitRegister finalizes reg's occupancy: operand and all pending uses
// become the allocated register operand, and the register is free going
// backwards.
func (a *singlePassRegisterAllocator) commitRegister(reg registerIndex, vreg int,
	operand *backend.Operand, pos usePosition,
) {
	allocated := a.allocatedOperandForReg(reg, vreg)
	a.assignedRegisters = a.assignedRegisters.Add(a.toRegCode(reg))
	a.state.commit(reg, allocated, operand)
	a.markRegisterUse(reg, pos)
	a.freeRegister(reg, vreg)
	a.checkConsistency()
}

func (a *singlePassRegisterAllocator) spillRegister(reg registerIndex) {
	if !a.state.isAllocated(reg) {
		return
	}
	vreg := a.virtualRegisterForRegister(reg)
	a.data.debugf("%s allocator: spill %s (v%d)", a.kind, reg, vreg)
	allocated := a.allocatedOperandForReg(reg, vreg)
	a.state.spill(reg, allocated, a.data)
	a.freeRegister(reg, vreg)
}

func (a *singlePassRegisterAllocator) spillAllRegisters() {
	if a.state == nil {
		return
	}
	for i := 0; i < a.numAllocatable; i++ {
		a.spillRegister(registerIndex(i))
	}
}

func (a *singlePassRegisterAllocator) spillRegisterForVirtualRegister(vreg int) {
	if reg := a.registerForVirtualRegister(vreg); reg.isValid() {
		a.spillRegister(reg)
	}
}

// allocateUse records a committed use of reg by vreg: the operand (and
// any pending uses from later instructions) become the register operand.
func (a *singlePassRegisterAllocator) allocateUse(reg registerIndex, vreg int,
	operand *backend.Operand, instrIndex int, pos usePosition,
) {
	if !a.isFreeOrSameVirtualRegister(reg, vreg) {
		panic("BUG: register holds a different vreg")
	}
	allocated := a.allocatedOperandForReg(reg, vreg)
	a.state.commit(reg, allocated, operand)
	a.state.allocateUse(reg, vreg, instrIndex)
	a.assignRegister(reg, vreg, pos)
	a.checkConsistency()
}

// allocatePendingUse defers the operand's form. The register is assigned
// at position none so other operands of this instruction can still claim
// it outright.
func (a *singlePassRegisterAllocator) allocatePendingUse(reg registerIndex, vreg int,
	operand *backend.Operand, instrIndex int,
) {
	if !a.isFreeOrSameVirtualRegister(reg, vreg) {
		panic("BUG: register holds a different vreg")
	}
	a.state.allocatePendingUse(reg, operand, vreg, instrIndex)
	a.assignRegister(reg, vreg, useNone)
	a.checkConsistency()
}

// allocateUseWithMove satisfies a fixed-register use of a vreg that
// lives elsewhere by loading the fixed register from an unconstrained
// copy at the END gap. The vreg's own register is untouched.
func (a *singlePassRegisterAllocator) allocateUseWithMove(reg registerIndex, vreg int,
	operand *backend.Operand, instrIndex int, pos usePosition,
) {
	to := a.allocatedOperandForReg(reg, vreg)
	from := backend.NewUnallocatedOperand(backend.PolicyRegisterOrSlot, vreg)
	a.data.addGapMove(instrIndex, backend.GapEnd, from, to)
	backend.ReplaceWith(operand, to)
	a.assignedRegisters = a.assignedRegisters.Add(a.toRegCode(reg))
	a.markRegisterUse(reg, pos)
	a.checkConsistency()
}

func (a *singlePassRegisterAllocator) allocateInput(operand *backend.Operand, instrIndex int) {
	a.ensureRegisterState()
	vreg := operand.VirtualRegister()
	rep := a.representationFor(vreg)
	v := a.data.virtualRegisterDataFor(vreg)

	if operand.HasFixedSlotPolicy() {
		// Allocate the fixed slot directly, then load it via an END gap
		// move whose source goes through the vreg's spill location.
		inputCopy := backend.NewUnallocatedOperand(backend.PolicyRegisterOrSlot, vreg)
		allocated := backend.NewStackSlotOperand(rep, operand.FixedSlotIndex())
		backend.ReplaceWith(operand, allocated)
		move := a.data.addGapMove(instrIndex, backend.GapEnd, inputCopy, allocated)
		v.spillOperand(move.Source(), instrIndex, a.data)
		return
	} else if operand.HasSlotPolicy() {
		v.spillOperand(operand, instrIndex, a.data)
		return
	}

	pos := useAll
	if operand.IsUsedAtStart() {
		pos = useStart
	}
	if operand.HasFixedRegisterPolicy() || operand.HasFixedFPRegisterPolicy() {
		reg := a.fromRegCode(operand.FixedRegisterIndex())
		if !a.virtualRegisterIsUnallocatedOrInReg(vreg, reg) {
			a.allocateUseWithMove(reg, vreg, operand, instrIndex, pos)
		} else {
			a.allocateUse(reg, vreg, operand, instrIndex, pos)
		}
	} else {
		// A constant input can stay a constant unless the policy demands
		// otherwise.
		mustUseRegister := operand.HasRegisterPolicy() ||
			(v.isConstant && !operand.HasRegisterOrSlotOrConstantPolicy())
		reg := a.chooseRegisterFor(v, pos, mustUseRegister)
		if reg.isValid() {
			if mustUseRegister {
				a.allocateUse(reg, vreg, operand, instrIndex, pos)
			} else {
				a.allocatePendingUse(reg, vreg, operand, instrIndex)
			}
		} else {
			v.spillOperand(operand, instrIndex, a.data)
		}
	}
}

func (a *singlePassRegisterAllocator) allocateGapMoveInput(operand *backend.Operand, instrIndex int) {
	a.ensureRegisterState()
	vreg := operand.VirtualRegister()
	v := a.data.virtualRegisterDataFor(vreg)
	if !operand.HasRegisterOrSlotPolicy() {
		panic("BUG: gap move inputs must be unconstrained")
	}
	reg := a.chooseRegisterFor(v, useStart, false)
	if reg.isValid() {
		a.allocatePendingUse(reg, vreg, operand, instrIndex)
	} else {
		v.spillOperand(operand, instrIndex, a.data)
	}
}

// allocateConstantOutput spills any register still holding the constant
// so its uses rematerialize from the constant operand itself.
func (a *singlePassRegisterAllocator) allocateConstantOutput(operand *backend.Operand) {
	a.ensureRegisterState()
	a.spillRegisterForVirtualRegister(operand.VirtualRegister())
}

func (a *singlePassRegisterAllocator) allocateOutput(operand *backend.Operand, instrIndex int) {
	a.allocateOutputAt(operand, instrIndex, useEnd)
}

func (a *singlePassRegisterAllocator) allocateOutputAt(operand *backend.Operand,
	instrIndex int, pos usePosition,
) registerIndex {
	a.ensureRegisterState()
	vreg := operand.VirtualRegister()
	v := a.data.virtualRegisterDataFor(vreg)

	var reg registerIndex
	if operand.HasSlotPolicy() || operand.HasFixedSlotPolicy() {
		// The output materializes into a slot; nothing may keep the vreg
		// in a register across it.
		a.spillRegisterForVirtualRegister(vreg)
		reg = invalidRegisterIndex
	} else if operand.HasFixedPolicy() {
		reg = a.fromRegCode(operand.FixedRegisterIndex())
	} else {
		reg = a.chooseRegisterFor(v, pos, operand.HasRegisterPolicy())
	}

	if !reg.isValid() {
		v.spillOperand(operand, instrIndex, a.data)
	} else {
		var moveOutputTo backend.Operand
		if !a.virtualRegisterIsUnallocatedOrInReg(vreg, reg) {
			// The vreg already lives in another register, e.g. reserved by
			// a fixed use on a later instruction. Commit that register at
			// position none (its use belongs to the following gap move) and
			// forward the output into it below.
			existing := a.registerForVirtualRegister(vreg)
			a.commitRegister(existing, vreg, &moveOutputTo, useNone)
		}
		a.commitRegister(reg, vreg, operand, pos)
		if moveOutputTo.IsAllocated() {
			a.emitGapMoveFromOutput(*operand, moveOutputTo, instrIndex)
		}
		if v.needsSpillAtOutput() {
			v.emitGapMoveFromOutputToSpillSlot(*operand, a.data.blockOf(instrIndex), instrIndex, a.data)
		}
	}
	return reg
}

// allocateSameInputOutput allocates an output constrained to share its
// first input's location. On a register the input becomes a fixed use of
// the same register; on a spill both vregs share the output's slot.
func (a *singlePassRegisterAllocator) allocateSameInputOutput(output, input *backend.Operand, instrIndex int) {
	a.ensureRegisterState()
	inputVreg := input.VirtualRegister()
	outputVreg := output.VirtualRegister()

	// The input carries the register constraints, so allocate the output
	// as a copy of the input bearing the output's vreg.
	backend.ReplaceWith(output, input.WithVirtualRegister(outputVreg))
	reg := a.allocateOutputAt(output, instrIndex, useAll)

	if reg.isValid() {
		policy := backend.PolicyFixedRegister
		if a.kind == backend.KindDouble {
			policy = backend.PolicyFixedFPRegister
		}
		fixedInput := backend.NewFixedUnallocatedOperand(policy, a.toRegCode(reg), inputVreg)
		backend.ReplaceWith(input, fixedInput)
	} else {
		// Output was spilled, so the input must resolve to the output
		// vreg's spill slot, with a gap move storing the input value
		// there.
		outputData := a.data.virtualRegisterDataFor(outputVreg)
		outputData.spillOperand(input, instrIndex, a.data)

		unconstrained := backend.NewUnallocatedOperand(backend.PolicyRegisterOrSlot, inputVreg)
		move := a.data.addGapMove(instrIndex, backend.GapEnd, unconstrained, backend.NewPendingOperand(nil))
		outputData.spillOperand(move.Destination(), instrIndex, a.data)
	}
}

func (a *singlePassRegisterAllocator) allocateTemp(operand *backend.Operand, instrIndex int) {
	a.ensureRegisterState()
	if operand.HasFixedSlotPolicy() {
		panic("BUG: temps cannot have a fixed slot policy")
	}
	// Scratch temps carry the invalid vreg.
	vreg := operand.VirtualRegister()
	var reg registerIndex
	if operand.HasSlotPolicy() {
		reg = invalidRegisterIndex
	} else if operand.HasFixedRegisterPolicy() || operand.HasFixedFPRegisterPolicy() {
		reg = a.fromRegCode(operand.FixedRegisterIndex())
	} else {
		reg = a.chooseRegisterAt(useAll, operand.HasRegisterPolicy())
	}

	if reg.isValid() {
		if vreg != backend.InvalidVirtualRegister && !a.virtualRegisterIsUnallocatedOrInReg(vreg, reg) {
			panic("BUG: temp vreg already lives in another register")
		}
		a.commitRegister(reg, vreg, operand, useAll)
	} else {
		a.data.virtualRegisterDataFor(vreg).spillOperand(operand, instrIndex, a.data)
	}
}

// definedAfter reports whether vreg's defining instruction comes after
// the given position, meaning the vreg is dead across it in the reverse
// sweep.
func (a *singlePassRegisterAllocator) definedAfter(vreg, instrIndex int, pos usePosition) bool {
	if vreg == backend.InvalidVirtualRegister {
		return false
	}
	definedAt := a.data.virtualRegisterDataFor(vreg).outputInstrIndex
	return definedAt > instrIndex || (definedAt == instrIndex && pos == useStart)
}

func (a *singlePassRegisterAllocator) reserveFixedInputRegister(operand *backend.Operand, instrIndex int) {
	pos := useAll
	if operand.IsUsedAtStart() {
		pos = useStart
	}
	a.reserveFixedRegister(operand, instrIndex, pos)
}

func (a *singlePassRegisterAllocator) reserveFixedTempRegister(operand *backend.Operand, instrIndex int) {
	a.reserveFixedRegister(operand, instrIndex, useAll)
}

func (a *singlePassRegisterAllocator) reserveFixedOutputRegister(operand *backend.Operand, instrIndex int) {
	a.reserveFixedRegister(operand, instrIndex, useEnd)
}

// reserveFixedRegister evicts whatever holds the fixed register, unless
// the holder is defined after this instruction and so never actually
// crosses it.
func (a *singlePassRegisterAllocator) reserveFixedRegister(operand *backend.Operand,
	instrIndex int, pos usePosition,
) {
	a.ensureRegisterState()
	vreg := operand.VirtualRegister()
	reg := a.fromRegCode(operand.FixedRegisterIndex())
	if !a.isFreeOrSameVirtualRegister(reg, vreg) && !a.definedAfter(vreg, instrIndex, pos) {
		a.spillRegister(reg)
	}
	a.markRegisterUse(reg, pos)
}

func (a *singlePassRegisterAllocator) checkConsistency() {
	if !consistencyCheckEnabled {
		return
	}
	for vreg := range a.virtualRegisterToReg {
		reg := a.virtualRegisterToReg[vreg]
		if !reg.isValid() {
			continue
		}
		if held := a.virtualRegisterForRegister(reg); held != vreg {
			panic("BUG: vreg mapped to a register holding another vreg")
		}
		if a.allocatedRegistersBits&reg.toBit() == 0 {
			panic("BUG: mapped register missing from the allocated bitmap")
		}
	}
	for i := 0; i < a.numAllocatable; i++ {
		reg := registerIndex(i)
		vreg := a.virtualRegisterForRegister(reg)
		if vreg == backend.InvalidVirtualRegister {
			continue
		}
		if a.registerForVirtualRegister(vreg) != reg {
			panic("BUG: register holds a vreg mapped elsewhere")
		}
		if a.allocatedRegistersBits&reg.toBit() == 0 {
			panic("BUG: occupied register missing from the allocated bitmap")
		}
	}
}

// emitGapMoveFromOutput forwards an output's value right after its
// instruction: at the next instruction's START gap, or for a block-final
// instruction at the START of each single-predecessor successor.
func (a *singlePassRegisterAllocator) emitGapMoveFromOutput(from, to backend.Operand, instrIndex int) {
	if !from.IsAllocated() || !to.IsAllocated() {
		panic("BUG: output forwarding moves must be concrete")
	}
	block := a.data.blockOf(instrIndex)
	if instrIndex == block.LastInstructionIndex() {
		for _, succ := range block.Successors() {
			successor := a.data.blockAt(succ)
			if successor.PredecessorCount() != 1 {
				panic("BUG: critical edge for output forwarding move")
			}
			a.data.addGapMove(successor.FirstInstructionIndex(), backend.GapStart, from, to)
		}
	} else {
		a.data.addGapMove(instrIndex+1, backend.GapStart, from, to)
	}
}
