package backend

import (
	"fmt"
	"strings"
)

// RpoNumber identifies an instruction block by its reverse-postorder
// position. A dominator's RPO number is always strictly less than the
// numbers of the blocks it dominates.
type RpoNumber int

// RpoInvalid marks a missing block reference, e.g. the entry block's
// dominator.
const RpoInvalid RpoNumber = -1

// IsValid returns true unless the number is the invalid sentinel.
func (r RpoNumber) IsValid() bool { return r != RpoInvalid }

// ToInt returns the plain integer value.
func (r RpoNumber) ToInt() int {
	if !r.IsValid() {
		panic("BUG: invalid rpo number")
	}
	return int(r)
}

// String implements fmt.Stringer.
func (r RpoNumber) String() string {
	if !r.IsValid() {
		return "B?"
	}
	return fmt.Sprintf("B%d", int(r))
}

// PhiInstruction is a virtual-register definition at a block entry whose
// value is selected from the block's predecessors. The predecessor data
// movement itself is expressed as gap moves by the instruction selector.
type PhiInstruction struct {
	virtualRegister int
}

// VirtualRegister returns the vreg the phi defines.
func (p *PhiInstruction) VirtualRegister() int { return p.virtualRegister }

// InstructionBlock is a basic block of the instruction sequence.
type InstructionBlock struct {
	rpo        RpoNumber
	dominator  RpoNumber
	firstInstr int
	lastInstr  int

	predecessors []RpoNumber
	successors   []RpoNumber
	phis         []*PhiInstruction

	loopHeader bool
	// loopEnd is the RPO number one past the last block of the loop
	// body; valid only for loop headers.
	loopEnd RpoNumber
}

func (b *InstructionBlock) RpoNumber() RpoNumber { return b.rpo }
func (b *InstructionBlock) Dominator() RpoNumber { return b.dominator }

// FirstInstructionIndex returns the sequence-wide index of the block's
// first instruction.
func (b *InstructionBlock) FirstInstructionIndex() int { return b.firstInstr }

// LastInstructionIndex returns the sequence-wide index of the block's
// last instruction.
func (b *InstructionBlock) LastInstructionIndex() int { return b.lastInstr }

func (b *InstructionBlock) Predecessors() []RpoNumber { return b.predecessors }
func (b *InstructionBlock) Successors() []RpoNumber   { return b.successors }
func (b *InstructionBlock) PredecessorCount() int     { return len(b.predecessors) }
func (b *InstructionBlock) Phis() []*PhiInstruction   { return b.phis }

// IsLoopHeader reports whether the block heads a natural loop.
func (b *InstructionBlock) IsLoopHeader() bool { return b.loopHeader }

// LoopEnd returns the RPO number one past the loop's last block.
func (b *InstructionBlock) LoopEnd() RpoNumber {
	if !b.loopHeader {
		panic("BUG: LoopEnd on a non-loop-header block")
	}
	return b.loopEnd
}

// InstructionSequence is the register allocator's input and output: the
// blocks in RPO order and their instructions in layout order, plus
// per-vreg representations and the GC-reference predicate.
type InstructionSequence struct {
	blocks          []*InstructionBlock
	instructions    []*Instruction
	representations []MachineRepresentation
	isReference     []bool
}

func (s *InstructionSequence) InstructionBlockCount() int { return len(s.blocks) }

// InstructionBlocks returns the blocks in RPO order.
func (s *InstructionSequence) InstructionBlocks() []*InstructionBlock { return s.blocks }

// InstructionBlockAt returns the block with the given RPO number.
func (s *InstructionSequence) InstructionBlockAt(rpo RpoNumber) *InstructionBlock {
	return s.blocks[rpo.ToInt()]
}

func (s *InstructionSequence) InstructionCount() int { return len(s.instructions) }

// InstructionAt returns the instruction at the given sequence-wide
// index.
func (s *InstructionSequence) InstructionAt(index int) *Instruction {
	return s.instructions[index]
}

// VirtualRegisterCount returns the number of dense vreg ids in use.
func (s *InstructionSequence) VirtualRegisterCount() int { return len(s.representations) }

// GetRepresentation returns the machine representation of the given
// vreg.
func (s *InstructionSequence) GetRepresentation(vreg int) MachineRepresentation {
	return s.representations[vreg]
}

// IsReference reports whether the vreg holds a GC-traceable value.
func (s *InstructionSequence) IsReference(vreg int) bool { return s.isReference[vreg] }

// String implements fmt.Stringer.
func (s *InstructionSequence) String() string {
	var buf strings.Builder
	for _, b := range s.blocks {
		fmt.Fprintf(&buf, "%s:", b.rpo)
		if b.loopHeader {
			buf.WriteString(" (loop header)")
		}
		if len(b.phis) > 0 {
			buf.WriteString(" phis[")
			for i, phi := range b.phis {
				if i > 0 {
					buf.WriteString(" ")
				}
				fmt.Fprintf(&buf, "v%d", phi.virtualRegister)
			}
			buf.WriteString("]")
		}
		buf.WriteString("\n")
		for i := b.firstInstr; i <= b.lastInstr; i++ {
			fmt.Fprintf(&buf, "  %3d: %s\n", i, s.instructions[i])
		}
	}
	return buf.String()
}

// SequenceBuilder assembles a well-formed InstructionSequence. Blocks
// are numbered in the order they are created, which must be a valid
// reverse postorder of the CFG.
type SequenceBuilder struct {
	blocks          []*builderBlock
	representations map[int]MachineRepresentation
	references      map[int]struct{}
	maxVreg         int
}

type builderBlock struct {
	block        *InstructionBlock
	instructions []*Instruction
}

// NewSequenceBuilder returns an empty builder.
func NewSequenceBuilder() *SequenceBuilder {
	return &SequenceBuilder{
		representations: map[int]MachineRepresentation{},
		references:      map[int]struct{}{},
		maxVreg:         -1,
	}
}

// NewBlock appends a block with the given immediate dominator. Pass
// RpoInvalid for the entry block.
func (b *SequenceBuilder) NewBlock(dominator RpoNumber) *BlockBuilder {
	blk := &builderBlock{
		block: &InstructionBlock{
			rpo:       RpoNumber(len(b.blocks)),
			dominator: dominator,
			loopEnd:   RpoInvalid,
		},
	}
	b.blocks = append(b.blocks, blk)
	return &BlockBuilder{builder: b, block: blk}
}

// SetRepresentation overrides the default representation of a vreg.
func (b *SequenceBuilder) SetRepresentation(vreg int, rep MachineRepresentation) {
	b.representations[vreg] = rep
	b.observeVreg(vreg)
}

// MarkAsReference marks a vreg as holding a GC-traceable value.
func (b *SequenceBuilder) MarkAsReference(vreg int) {
	b.references[vreg] = struct{}{}
	b.observeVreg(vreg)
}

func (b *SequenceBuilder) observeVreg(vreg int) {
	if vreg > b.maxVreg {
		b.maxVreg = vreg
	}
}

func (b *SequenceBuilder) observeOperand(op *Operand) {
	if op.IsUnallocated() || op.IsConstant() {
		if v := op.VirtualRegister(); v != InvalidVirtualRegister {
			b.observeVreg(v)
		}
	}
}

// Build assigns instruction indices and finalizes the sequence.
func (b *SequenceBuilder) Build() *InstructionSequence {
	seq := &InstructionSequence{}
	index := 0
	for _, blk := range b.blocks {
		if len(blk.instructions) == 0 {
			panic(fmt.Sprintf("BUG: block %s has no instructions", blk.block.rpo))
		}
		blk.block.firstInstr = index
		for _, instr := range blk.instructions {
			instr.block = blk.block
			seq.instructions = append(seq.instructions, instr)
			index++
		}
		blk.block.lastInstr = index - 1
		if d := blk.block.dominator; d.IsValid() && d.ToInt() >= blk.block.rpo.ToInt() {
			panic(fmt.Sprintf("BUG: dominator %s does not precede %s in rpo", d, blk.block.rpo))
		}
		seq.blocks = append(seq.blocks, blk.block)
	}
	seq.representations = make([]MachineRepresentation, b.maxVreg+1)
	seq.isReference = make([]bool, b.maxVreg+1)
	for v := range seq.representations {
		seq.representations[v] = DefaultRepresentation
	}
	for v, rep := range b.representations {
		seq.representations[v] = rep
	}
	for v := range b.references {
		seq.isReference[v] = true
	}
	return seq
}

// BlockBuilder populates a single block.
type BlockBuilder struct {
	builder *SequenceBuilder
	block   *builderBlock
}

// Rpo returns the block's RPO number.
func (b *BlockBuilder) Rpo() RpoNumber { return b.block.block.rpo }

// AddInstruction appends an instruction to the block.
func (b *BlockBuilder) AddInstruction(instr *Instruction) *BlockBuilder {
	for i := 0; i < instr.OutputCount(); i++ {
		b.builder.observeOperand(instr.OutputAt(i))
	}
	for i := 0; i < instr.InputCount(); i++ {
		b.builder.observeOperand(instr.InputAt(i))
	}
	for i := 0; i < instr.TempCount(); i++ {
		b.builder.observeOperand(instr.TempAt(i))
	}
	if moves := instr.GetParallelMove(GapEnd); moves != nil {
		for _, m := range moves.Moves() {
			b.builder.observeOperand(m.Source())
			b.builder.observeOperand(m.Destination())
		}
	}
	b.block.instructions = append(b.block.instructions, instr)
	return b
}

// AddPhi declares a phi defining vreg at this block's entry.
func (b *BlockBuilder) AddPhi(vreg int) *BlockBuilder {
	b.builder.observeVreg(vreg)
	b.block.block.phis = append(b.block.block.phis, &PhiInstruction{virtualRegister: vreg})
	return b
}

// AddSuccessor wires a CFG edge from this block to succ.
func (b *BlockBuilder) AddSuccessor(succ *BlockBuilder) *BlockBuilder {
	b.block.block.successors = append(b.block.block.successors, succ.Rpo())
	succ.block.block.predecessors = append(succ.block.block.predecessors, b.Rpo())
	return b
}

// MarkLoopHeader flags the block as a loop header whose body spans the
// blocks with RPO numbers in [header, loopEnd).
func (b *BlockBuilder) MarkLoopHeader(loopEnd RpoNumber) *BlockBuilder {
	b.block.block.loopHeader = true
	b.block.block.loopEnd = loopEnd
	return b
}
