package regalloc

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/keelvm/keel/backend"
)

func newTestConfig(general, double int) *backend.RegisterConfiguration {
	g := make([]int, general)
	for i := range g {
		g[i] = i
	}
	d := make([]int, double)
	for i := range d {
		d[i] = i
	}
	return backend.NewRegisterConfiguration(g, d)
}

func regOp(vreg int) backend.Operand {
	return backend.NewUnallocatedOperand(backend.PolicyRegister, vreg)
}

func anyOp(vreg int) backend.Operand {
	return backend.NewUnallocatedOperand(backend.PolicyRegisterOrSlot, vreg)
}

func ops(list ...backend.Operand) []backend.Operand { return list }

func nop() *backend.Instruction { return backend.NewInstruction(nil, nil, nil) }

func regAt(code int) backend.Operand {
	return backend.NewRegisterOperand(backend.DefaultRepresentation, code)
}

func slotAt(index int) backend.Operand {
	return backend.NewStackSlotOperand(backend.DefaultRepresentation, index)
}

func runAllocation(config *backend.RegisterConfiguration, seq *backend.InstructionSequence,
	opts ...Option,
) (*backend.Frame, *AllocationData) {
	frame := backend.NewFrame()
	d := NewAllocationData(config, seq, frame, opts...)
	Allocate(d)
	return frame, d
}

// singleMove asserts the gap at (index, pos) holds exactly one move and
// returns its source and destination.
func singleMove(t *testing.T, seq *backend.InstructionSequence, index int,
	pos backend.GapPosition,
) (src, dst backend.Operand) {
	t.Helper()
	pm := seq.InstructionAt(index).GetParallelMove(pos)
	require.NotNil(t, pm, "expected a parallel move at %d/%s", index, pos)
	require.Len(t, pm.Moves(), 1)
	return *pm.Moves()[0].Source(), *pm.Moves()[0].Destination()
}

func requireNoMoves(t *testing.T, seq *backend.InstructionSequence, index int) {
	t.Helper()
	for _, pos := range []backend.GapPosition{backend.GapStart, backend.GapEnd} {
		pm := seq.InstructionAt(index).GetParallelMove(pos)
		if pm != nil {
			require.Empty(t, pm.Moves(), "unexpected moves at %d/%s", index, pos)
		}
	}
}

func TestStraightLineRegisterReuse(t *testing.T) {
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(regOp(0)), nil, nil)).
		AddInstruction(backend.NewInstruction(nil, ops(regOp(0)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(3, 2), seq)

	require.Equal(t, regAt(0), *seq.InstructionAt(0).OutputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(1).InputAt(0))
	for i := 0; i < seq.InstructionCount(); i++ {
		requireNoMoves(t, seq, i)
	}
	require.Equal(t, 0, frame.SpillSlotCount())
	require.Equal(t, backend.NewRegSet(0), frame.AllocatedRegisters(backend.KindGeneral))
	require.Equal(t, backend.NewRegSet(), frame.AllocatedRegisters(backend.KindDouble))
}

func TestSpillUnderRegisterPressure(t *testing.T) {
	// Two values live across the same use with only one register: the
	// earlier definition travels through its spill slot.
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(regOp(0)), nil, nil)).
		AddInstruction(backend.NewInstruction(ops(regOp(1)), nil, nil)).
		AddInstruction(backend.NewInstruction(nil, ops(regOp(0), anyOp(1)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	log.SetOutput(io.Discard)
	frame, _ := runAllocation(newTestConfig(1, 0), seq, WithLogger(log))

	require.Equal(t, regAt(0), *seq.InstructionAt(0).OutputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(1).OutputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(2).InputAt(0))
	require.Equal(t, slotAt(1), *seq.InstructionAt(2).InputAt(1))

	// v0 is stored after its definition and reloaded for its use.
	src, dst := singleMove(t, seq, 1, backend.GapStart)
	require.Equal(t, regAt(0), src)
	require.Equal(t, slotAt(0), dst)
	src, dst = singleMove(t, seq, 2, backend.GapEnd)
	require.Equal(t, slotAt(0), src)
	require.Equal(t, regAt(0), dst)

	// v1 is stored after its definition and read from its slot.
	src, dst = singleMove(t, seq, 2, backend.GapStart)
	require.Equal(t, regAt(0), src)
	require.Equal(t, slotAt(1), dst)

	require.Equal(t, 2, frame.SpillSlotCount())
	require.Equal(t, backend.NewRegSet(0), frame.AllocatedRegisters(backend.KindGeneral))
}

func TestFixedInputFromAnotherRegister(t *testing.T) {
	// The value lives in r0 for its unconstrained use; the fixed r1 use
	// is satisfied by a copy at the gap.
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(regOp(0)), nil, nil)).
		AddInstruction(backend.NewInstruction(nil,
			ops(backend.NewFixedUnallocatedOperand(backend.PolicyFixedRegister, 1, 0)), nil)).
		AddInstruction(backend.NewInstruction(nil, ops(anyOp(0)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(3, 0), seq)

	require.Equal(t, regAt(0), *seq.InstructionAt(0).OutputAt(0))
	require.Equal(t, regAt(1), *seq.InstructionAt(1).InputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(2).InputAt(0))

	src, dst := singleMove(t, seq, 1, backend.GapEnd)
	require.Equal(t, regAt(0), src)
	require.Equal(t, regAt(1), dst)

	require.Equal(t, 0, frame.SpillSlotCount())
	require.Equal(t, backend.NewRegSet(0, 1), frame.AllocatedRegisters(backend.KindGeneral))
}

func TestFixedOutputForwardedToUse(t *testing.T) {
	// The use claimed r0 before the definition was reached; the fixed r2
	// output is forwarded into r0 right after the instruction.
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(
			ops(backend.NewFixedUnallocatedOperand(backend.PolicyFixedRegister, 2, 0)), nil, nil)).
		AddInstruction(backend.NewInstruction(nil, ops(regOp(0)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(3, 0), seq)

	require.Equal(t, regAt(2), *seq.InstructionAt(0).OutputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(1).InputAt(0))

	src, dst := singleMove(t, seq, 1, backend.GapStart)
	require.Equal(t, regAt(2), src)
	require.Equal(t, regAt(0), dst)

	require.Equal(t, 0, frame.SpillSlotCount())
	require.Equal(t, backend.NewRegSet(0, 2), frame.AllocatedRegisters(backend.KindGeneral))
}

func TestFixedSlotOutput(t *testing.T) {
	// The output is pinned to slot 3; the register use reloads from it.
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(
			ops(backend.NewFixedUnallocatedOperand(backend.PolicyFixedSlot, 3, 0)), nil, nil)).
		AddInstruction(backend.NewInstruction(nil, ops(regOp(0)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(2, 0), seq)

	require.Equal(t, slotAt(3), *seq.InstructionAt(0).OutputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(1).InputAt(0))

	src, dst := singleMove(t, seq, 1, backend.GapEnd)
	require.Equal(t, slotAt(3), src)
	require.Equal(t, regAt(0), dst)

	// The fixed slot comes from the instruction selector, not the frame.
	require.Equal(t, 0, frame.SpillSlotCount())
}

func TestFixedSlotInput(t *testing.T) {
	// A use pinned to slot 2 is fed from the vreg's own spill slot by a
	// gap move; the unconstrained use still reads the register.
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(regOp(0)), nil, nil)).
		AddInstruction(backend.NewInstruction(nil,
			ops(backend.NewFixedUnallocatedOperand(backend.PolicyFixedSlot, 2, 0)), nil)).
		AddInstruction(backend.NewInstruction(nil, ops(anyOp(0)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(2, 0), seq)

	require.Equal(t, regAt(0), *seq.InstructionAt(0).OutputAt(0))
	require.Equal(t, slotAt(2), *seq.InstructionAt(1).InputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(2).InputAt(0))

	// Store to the spill slot after the definition, then fill the fixed
	// slot from it.
	src, dst := singleMove(t, seq, 1, backend.GapStart)
	require.Equal(t, regAt(0), src)
	require.Equal(t, slotAt(0), dst)
	src, dst = singleMove(t, seq, 1, backend.GapEnd)
	require.Equal(t, slotAt(0), src)
	require.Equal(t, slotAt(2), dst)

	require.Equal(t, 1, frame.SpillSlotCount())
}

func TestSameAsInputInRegister(t *testing.T) {
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(regOp(0)), nil, nil)).
		AddInstruction(backend.NewInstruction(
			ops(backend.NewUnallocatedOperand(backend.PolicySameAsInput, 1)),
			ops(regOp(0)), nil)).
		AddInstruction(backend.NewInstruction(nil, ops(anyOp(1)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(3, 0), seq)

	// Input and output share r0; the value chain flows through it.
	require.Equal(t, regAt(0), *seq.InstructionAt(0).OutputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(1).InputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(1).OutputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(2).InputAt(0))
	for i := 0; i < seq.InstructionCount(); i++ {
		requireNoMoves(t, seq, i)
	}
	require.Equal(t, 0, frame.SpillSlotCount())
	require.Equal(t, backend.NewRegSet(0), frame.AllocatedRegisters(backend.KindGeneral))
}

func TestSameAsInputSpilled(t *testing.T) {
	// With a single register claimed by an unrelated value, the tied
	// output goes to its spill slot and the input is stored there by a
	// gap move.
	b := backend.NewSequenceBuilder()
	b.SetRepresentation(0, backend.RepWord32)
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(regOp(0)), nil, nil)).
		AddInstruction(backend.NewInstruction(ops(regOp(2)), nil, nil)).
		AddInstruction(backend.NewInstruction(
			ops(backend.NewUnallocatedOperand(backend.PolicySameAsInput, 1)),
			ops(anyOp(0)), nil)).
		AddInstruction(backend.NewInstruction(nil, ops(regOp(2), anyOp(1)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(1, 0), seq)

	w32r0 := backend.NewRegisterOperand(backend.RepWord32, 0)
	w32s0 := backend.NewStackSlotOperand(backend.RepWord32, 0)

	require.Equal(t, w32r0, *seq.InstructionAt(0).OutputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(1).OutputAt(0))
	require.Equal(t, slotAt(1), *seq.InstructionAt(2).OutputAt(0))
	require.Equal(t, slotAt(1), *seq.InstructionAt(2).InputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(3).InputAt(0))
	require.Equal(t, slotAt(1), *seq.InstructionAt(3).InputAt(1))

	// v0 stored after its definition, then copied into the shared slot.
	src, dst := singleMove(t, seq, 1, backend.GapStart)
	require.Equal(t, w32r0, src)
	require.Equal(t, w32s0, dst)
	src, dst = singleMove(t, seq, 2, backend.GapEnd)
	require.Equal(t, w32s0, src)
	require.Equal(t, slotAt(1), dst)

	// Different byte widths never share a slot.
	require.Equal(t, 2, frame.SpillSlotCount())
	require.Equal(t, 4, frame.SpillSlotWidth(0))
	require.Equal(t, 8, frame.SpillSlotWidth(1))
}

func TestConstantRematerializedForRegisterUse(t *testing.T) {
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(backend.NewConstantOperand(0)), nil, nil)).
		AddInstruction(backend.NewInstruction(nil, ops(regOp(0)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(2, 0), seq)

	require.True(t, seq.InstructionAt(0).OutputAt(0).IsConstant())
	require.Equal(t, regAt(0), *seq.InstructionAt(1).InputAt(0))

	// The register is loaded from the constant itself, not a slot.
	src, dst := singleMove(t, seq, 1, backend.GapEnd)
	require.Equal(t, backend.NewConstantOperand(0), src)
	require.Equal(t, regAt(0), dst)

	require.Equal(t, 0, frame.SpillSlotCount())
}

func TestConstantStaysConstantWhenAllowed(t *testing.T) {
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(backend.NewConstantOperand(0)), nil, nil)).
		AddInstruction(backend.NewInstruction(nil,
			ops(backend.NewUnallocatedOperand(backend.PolicyRegisterOrSlotOrConstant, 0)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(2, 0), seq)

	require.Equal(t, backend.NewConstantOperand(0), *seq.InstructionAt(1).InputAt(0))
	for i := 0; i < seq.InstructionCount(); i++ {
		requireNoMoves(t, seq, i)
	}
	require.Equal(t, 0, frame.SpillSlotCount())
	require.Equal(t, backend.NewRegSet(), frame.AllocatedRegisters(backend.KindGeneral))
}

func TestTempsClaimDistinctRegisters(t *testing.T) {
	scratch := backend.InvalidVirtualRegister
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(regOp(0)), nil, nil)).
		AddInstruction(backend.NewInstruction(nil, ops(anyOp(0)),
			ops(backend.NewFixedUnallocatedOperand(backend.PolicyFixedRegister, 1, scratch),
				backend.NewUnallocatedOperand(backend.PolicyRegister, scratch)))).
		AddInstruction(backend.NewInstruction(nil, ops(anyOp(0)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(3, 0), seq)

	// The value keeps r0 across the instruction; the temps take r1 and
	// the next free register.
	require.Equal(t, regAt(1), *seq.InstructionAt(1).TempAt(0))
	require.Equal(t, regAt(2), *seq.InstructionAt(1).TempAt(1))
	require.Equal(t, regAt(0), *seq.InstructionAt(1).InputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(2).InputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(0).OutputAt(0))

	require.Equal(t, 0, frame.SpillSlotCount())
	require.Equal(t, backend.NewRegSet(0, 1, 2), frame.AllocatedRegisters(backend.KindGeneral))
}

func TestCallSpillsLiveValues(t *testing.T) {
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(regOp(0)), nil, nil)).
		AddInstruction(nop().MarkAsCall()).
		AddInstruction(backend.NewInstruction(nil, ops(anyOp(0)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(2, 0), seq)

	// The use after the call reads the slot directly; only the store
	// before the call is needed.
	require.Equal(t, regAt(0), *seq.InstructionAt(0).OutputAt(0))
	require.Equal(t, slotAt(0), *seq.InstructionAt(2).InputAt(0))

	src, dst := singleMove(t, seq, 1, backend.GapStart)
	require.Equal(t, regAt(0), src)
	require.Equal(t, slotAt(0), dst)
	require.Nil(t, seq.InstructionAt(1).GetParallelMove(backend.GapEnd))

	require.Equal(t, 1, frame.SpillSlotCount())
}

func TestKindsAllocateIndependently(t *testing.T) {
	b := backend.NewSequenceBuilder()
	b.SetRepresentation(0, backend.RepFloat64)
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(regOp(0)), nil, nil)).
		AddInstruction(backend.NewInstruction(ops(regOp(1)), nil, nil)).
		AddInstruction(backend.NewInstruction(nil, ops(regOp(0), regOp(1)), nil)).
		AddInstruction(nop())
	seq := b.Build()

	frame, _ := runAllocation(newTestConfig(1, 1), seq)

	// Both values take register 0 of their own kind without conflict.
	require.Equal(t, backend.NewRegisterOperand(backend.RepFloat64, 0), *seq.InstructionAt(2).InputAt(0))
	require.Equal(t, regAt(0), *seq.InstructionAt(2).InputAt(1))
	require.Equal(t, 0, frame.SpillSlotCount())
	require.Equal(t, backend.NewRegSet(0), frame.AllocatedRegisters(backend.KindGeneral))
	require.Equal(t, backend.NewRegSet(0), frame.AllocatedRegisters(backend.KindDouble))
}

func TestPhiSpillRangeCoversPredecessors(t *testing.T) {
	b := backend.NewSequenceBuilder()
	b0 := b.NewBlock(backend.RpoInvalid)
	b1 := b.NewBlock(backend.RpoNumber(0))
	b2 := b.NewBlock(backend.RpoNumber(1))
	b3 := b.NewBlock(backend.RpoNumber(1))

	b0.AddInstruction(backend.NewInstruction(ops(regOp(0)), nil, nil)).
		AddInstruction(nop()).
		AddSuccessor(b1)
	b1.MarkLoopHeader(backend.RpoNumber(3)).
		AddPhi(2).
		AddInstruction(backend.NewInstruction(nil, ops(anyOp(2)), nil)).
		AddInstruction(nop()).
		AddSuccessor(b2)
	b2.AddInstruction(nop()).
		AddInstruction(nop()).
		AddSuccessor(b1).
		AddSuccessor(b3)
	b3.AddInstruction(nop())
	seq := b.Build()

	frame, d := runAllocation(newTestConfig(1, 0), seq)

	// The phi's slot is written at the predecessors' final gaps, so its
	// range spans from the entry predecessor's last instruction through
	// the back edge.
	v := d.virtualRegisterDataFor(2)
	require.True(t, v.isPhi)
	require.True(t, v.hasAllocatedSpillOperand())
	require.Equal(t, newInstrRange(1, 5), v.spillRange.liveRange)

	require.Equal(t, slotAt(0), *seq.InstructionAt(2).InputAt(0))
	require.Equal(t, 1, frame.SpillSlotCount())
}

func TestLoopExtendsSpillRanges(t *testing.T) {
	b := backend.NewSequenceBuilder()
	b0 := b.NewBlock(backend.RpoInvalid)
	b1 := b.NewBlock(backend.RpoNumber(0))
	b2 := b.NewBlock(backend.RpoNumber(1))
	b3 := b.NewBlock(backend.RpoNumber(1))

	b0.AddInstruction(backend.NewInstruction(ops(regOp(0)), nil, nil)).
		AddInstruction(nop()).
		AddSuccessor(b1)
	b1.MarkLoopHeader(backend.RpoNumber(3)).
		AddInstruction(backend.NewInstruction(nil, ops(anyOp(0)), nil)).
		AddInstruction(nop()).
		AddSuccessor(b2)
	b2.AddInstruction(nop()).
		AddInstruction(nop()).
		AddSuccessor(b1).
		AddSuccessor(b3)
	b3.AddInstruction(nop())
	seq := b.Build()

	_, d := runAllocation(newTestConfig(1, 0), seq)

	// The value is live at the loop header, so its slot must survive the
	// whole loop body even though its last explicit use is instruction 2.
	v := d.virtualRegisterDataFor(0)
	require.Equal(t, newInstrRange(1, 5), v.spillRange.liveRange)
	require.Equal(t, slotAt(0), *seq.InstructionAt(2).InputAt(0))
}

func TestAllocateTicksPerBlockPerPass(t *testing.T) {
	b := backend.NewSequenceBuilder()
	b0 := b.NewBlock(backend.RpoInvalid)
	b1 := b.NewBlock(backend.RpoNumber(0))
	b0.AddInstruction(nop()).AddSuccessor(b1)
	b1.AddInstruction(nop())
	seq := b.Build()

	tick := backend.NewTickCounter(nil)
	frame := backend.NewFrame()
	Allocate(NewAllocationData(newTestConfig(1, 0), seq, frame, WithTickCounter(tick)))

	// One tick per block for the define pass and one for the sweep.
	require.Equal(t, 4, tick.Ticks())
}

func TestRejectsAllocatedOutputs(t *testing.T) {
	b := backend.NewSequenceBuilder()
	b.NewBlock(backend.RpoInvalid).
		AddInstruction(backend.NewInstruction(ops(regAt(0)), nil, nil))
	seq := b.Build()

	frame := backend.NewFrame()
	d := NewAllocationData(newTestConfig(1, 0), seq, frame)
	require.Panics(t, func() { Allocate(d) })
}
