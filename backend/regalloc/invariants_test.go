package regalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/keelvm/keel/backend"
)

// location is a concrete value home after allocation.
type location struct {
	isRegister bool
	index      int
}

func locationOf(op backend.Operand) location {
	if op.IsAnyRegister() {
		return location{isRegister: true, index: op.RegisterCode()}
	}
	return location{index: op.StackSlotIndex()}
}

// TestRandomStraightLineAllocation generates random straight-line code,
// allocates it, and interprets the result: every operand must be
// concrete and every use must observe the value its vreg was defined
// with, with gap moves and call clobbers applied in program order.
func TestRandomStraightLineAllocation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numRegs := rapid.IntRange(1, 3).Draw(rt, "regs")
		numDefs := rapid.IntRange(1, 8).Draw(rt, "defs")

		b := backend.NewSequenceBuilder()
		blk := b.NewBlock(backend.RpoInvalid)
		vregOfUse := make(map[[2]int]int)
		isCall := make([]bool, numDefs)
		for v := 0; v < numDefs; v++ {
			var inputs []backend.Operand
			if v > 0 {
				// Each instruction needs a register for its output plus one
				// per distinct register-constrained input vreg.
				mustMax := numRegs - 1
				if mustMax > v {
					mustMax = v
				}
				must := rapid.SliceOfNDistinct(rapid.IntRange(0, v-1), 0, mustMax,
					func(i int) int { return i }).Draw(rt, "must")
				for _, u := range must {
					inputs = append(inputs, regOp(u))
				}
				relaxed := rapid.IntRange(0, 2).Draw(rt, "relaxedCount")
				for k := 0; k < relaxed; k++ {
					inputs = append(inputs, anyOp(rapid.IntRange(0, v-1).Draw(rt, "relaxedUse")))
				}
			}
			for idx, in := range inputs {
				vregOfUse[[2]int{v, idx}] = in.VirtualRegister()
			}
			instr := backend.NewInstruction(ops(regOp(v)), inputs, nil)
			if v > 0 && rapid.Bool().Draw(rt, "call") {
				instr.MarkAsCall()
				isCall[v] = true
			}
			blk.AddInstruction(instr)
		}
		blk.AddInstruction(nop())
		seq := b.Build()

		runAllocation(newTestConfig(numRegs, 0), seq)

		// Totality: no unallocated or pending operand survives.
		for i := 0; i < seq.InstructionCount(); i++ {
			instr := seq.InstructionAt(i)
			for n := 0; n < instr.OutputCount(); n++ {
				require.True(rt, instr.OutputAt(n).IsAllocated(), "output %d/%d", i, n)
			}
			for n := 0; n < instr.InputCount(); n++ {
				require.True(rt, instr.InputAt(n).IsAllocated(), "input %d/%d", i, n)
			}
			for _, pos := range []backend.GapPosition{backend.GapStart, backend.GapEnd} {
				if pm := instr.GetParallelMove(pos); pm != nil {
					for _, m := range pm.Moves() {
						require.True(rt, m.Source().IsAllocated(), "move source %d/%s", i, pos)
						require.True(rt, m.Destination().IsAllocated(), "move destination %d/%s", i, pos)
					}
				}
			}
		}

		// Interpret the allocated code, tracking which vreg's value each
		// location holds.
		const garbage = -2
		state := make(map[location]int)
		applyMoves := func(pm *backend.ParallelMove) {
			if pm == nil {
				return
			}
			values := make([]int, len(pm.Moves()))
			for n, m := range pm.Moves() {
				held, ok := state[locationOf(*m.Source())]
				if !ok {
					held = garbage
				}
				values[n] = held
			}
			for n, m := range pm.Moves() {
				state[locationOf(*m.Destination())] = values[n]
			}
		}
		for i := 0; i < seq.InstructionCount(); i++ {
			instr := seq.InstructionAt(i)
			applyMoves(instr.GetParallelMove(backend.GapStart))
			applyMoves(instr.GetParallelMove(backend.GapEnd))
			for n := 0; n < instr.InputCount(); n++ {
				held, ok := state[locationOf(*instr.InputAt(n))]
				require.True(rt, ok, "use of uninitialized location at %d/%d", i, n)
				require.Equal(rt, vregOfUse[[2]int{i, n}], held, "wrong value at %d/%d", i, n)
			}
			if i < numDefs && isCall[i] {
				for loc := range state {
					if loc.isRegister {
						state[loc] = garbage
					}
				}
			}
			for n := 0; n < instr.OutputCount(); n++ {
				state[locationOf(*instr.OutputAt(n))] = i
			}
		}
	})
}
