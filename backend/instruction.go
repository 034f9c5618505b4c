package backend

import (
	"fmt"
	"strings"
)

// GapPosition selects one of the two parallel-move gaps attached to an
// instruction. Both gaps execute before the instruction, START moves
// first.
type GapPosition byte

const (
	GapStart GapPosition = iota
	GapEnd

	numGapPositions
)

// String implements fmt.Stringer.
func (p GapPosition) String() string {
	if p == GapStart {
		return "start"
	}
	return "end"
}

// MoveOperands is a single source->destination pair inside a parallel
// move. Moves are heap-allocated so that pending chains threaded through
// their operands survive appends to the enclosing ParallelMove.
type MoveOperands struct {
	source      Operand
	destination Operand
}

// Source returns the source operand location for in-place rewriting.
func (m *MoveOperands) Source() *Operand { return &m.source }

// Destination returns the destination operand location for in-place
// rewriting.
func (m *MoveOperands) Destination() *Operand { return &m.destination }

// String implements fmt.Stringer.
func (m *MoveOperands) String() string {
	return fmt.Sprintf("%s <- %s", m.destination, m.source)
}

// ParallelMove is an ordered set of moves executed atomically as a
// permutation at a gap position.
type ParallelMove struct {
	moves []*MoveOperands
}

// AddMove appends a move and returns it for further rewriting.
func (p *ParallelMove) AddMove(from, to Operand) *MoveOperands {
	m := &MoveOperands{source: from, destination: to}
	p.moves = append(p.moves, m)
	return m
}

// Moves returns the moves in insertion order.
func (p *ParallelMove) Moves() []*MoveOperands { return p.moves }

// String implements fmt.Stringer.
func (p *ParallelMove) String() string {
	parts := make([]string, len(p.moves))
	for i, m := range p.moves {
		parts[i] = m.String()
	}
	return strings.Join(parts, "; ")
}

// ReferenceMap records the stack slots holding GC-traceable references
// at a safepoint instruction.
type ReferenceMap struct {
	references []Operand
}

// RecordReference adds an allocated stack slot to the map.
func (r *ReferenceMap) RecordReference(allocated Operand) {
	if !allocated.IsStackSlot() {
		panic("BUG: reference maps only record stack slots")
	}
	r.references = append(r.references, allocated)
}

// References returns the recorded stack slots.
func (r *ReferenceMap) References() []Operand { return r.references }

// Instruction is one machine instruction as produced by the instruction
// selector: outputs, inputs and temps awaiting allocation, optional
// parallel moves at the two gap positions, and flags describing register
// clobbering and safepoints.
type Instruction struct {
	outputs []Operand
	inputs  []Operand
	temps   []Operand

	parallelMoves [numGapPositions]*ParallelMove
	referenceMap  *ReferenceMap

	clobbersRegisters       bool
	clobbersDoubleRegisters bool

	block *InstructionBlock
}

// NewInstruction returns an instruction with the given operands. The
// slices are owned by the instruction afterwards.
func NewInstruction(outputs, inputs, temps []Operand) *Instruction {
	return &Instruction{outputs: outputs, inputs: inputs, temps: temps}
}

// MarkAsCall flags the instruction as clobbering all general registers.
func (i *Instruction) MarkAsCall() *Instruction {
	i.clobbersRegisters = true
	return i
}

// MarkAsDoubleCall flags the instruction as clobbering all double
// registers.
func (i *Instruction) MarkAsDoubleCall() *Instruction {
	i.clobbersDoubleRegisters = true
	return i
}

// MarkNeedsReferenceMap makes the instruction a safepoint.
func (i *Instruction) MarkNeedsReferenceMap() *Instruction {
	i.referenceMap = &ReferenceMap{}
	return i
}

func (i *Instruction) OutputCount() int { return len(i.outputs) }
func (i *Instruction) InputCount() int  { return len(i.inputs) }
func (i *Instruction) TempCount() int   { return len(i.temps) }

// OutputAt returns the n-th output location for in-place rewriting.
func (i *Instruction) OutputAt(n int) *Operand { return &i.outputs[n] }

// InputAt returns the n-th input location for in-place rewriting.
func (i *Instruction) InputAt(n int) *Operand { return &i.inputs[n] }

// TempAt returns the n-th temp location for in-place rewriting.
func (i *Instruction) TempAt(n int) *Operand { return &i.temps[n] }

// ClobbersRegisters reports whether the instruction clobbers every
// general register, e.g. a call.
func (i *Instruction) ClobbersRegisters() bool { return i.clobbersRegisters }

// ClobbersDoubleRegisters reports whether the instruction clobbers every
// double register.
func (i *Instruction) ClobbersDoubleRegisters() bool { return i.clobbersDoubleRegisters }

// HasReferenceMap reports whether the instruction is a safepoint.
func (i *Instruction) HasReferenceMap() bool { return i.referenceMap != nil }

// ReferenceMap returns the safepoint's reference map.
func (i *Instruction) ReferenceMap() *ReferenceMap {
	if i.referenceMap == nil {
		panic("BUG: instruction has no reference map")
	}
	return i.referenceMap
}

// GetParallelMove returns the parallel move at the given position, or
// nil if none exists.
func (i *Instruction) GetParallelMove(pos GapPosition) *ParallelMove {
	return i.parallelMoves[pos]
}

// GetOrCreateParallelMove returns the parallel move at the given
// position, creating it if needed.
func (i *Instruction) GetOrCreateParallelMove(pos GapPosition) *ParallelMove {
	if i.parallelMoves[pos] == nil {
		i.parallelMoves[pos] = &ParallelMove{}
	}
	return i.parallelMoves[pos]
}

// Block returns the instruction block containing this instruction. Only
// valid once the instruction belongs to a sequence.
func (i *Instruction) Block() *InstructionBlock {
	if i.block == nil {
		panic("BUG: instruction is not part of a sequence")
	}
	return i.block
}

// String implements fmt.Stringer.
func (i *Instruction) String() string {
	var buf strings.Builder
	if m := i.parallelMoves[GapStart]; m != nil {
		fmt.Fprintf(&buf, "{start: %s} ", m)
	}
	if m := i.parallelMoves[GapEnd]; m != nil {
		fmt.Fprintf(&buf, "{end: %s} ", m)
	}
	outs := make([]string, len(i.outputs))
	for n := range i.outputs {
		outs[n] = i.outputs[n].String()
	}
	ins := make([]string, len(i.inputs))
	for n := range i.inputs {
		ins[n] = i.inputs[n].String()
	}
	tmps := make([]string, len(i.temps))
	for n := range i.temps {
		tmps[n] = i.temps[n].String()
	}
	fmt.Fprintf(&buf, "%s = op(%s)", strings.Join(outs, ", "), strings.Join(ins, ", "))
	if len(tmps) > 0 {
		fmt.Fprintf(&buf, " tmp(%s)", strings.Join(tmps, ", "))
	}
	if i.clobbersRegisters || i.clobbersDoubleRegisters {
		buf.WriteString(" clobbers")
	}
	if i.referenceMap != nil {
		buf.WriteString(" safepoint")
	}
	return buf.String()
}
