package regalloc

import (
	"github.com/sirupsen/logrus"

	"github.com/keelvm/keel/backend"
)

// blockState stores details associated with one basic block.
type blockState struct {
	// dominatedBlocks is the set of RPO numbers of the blocks this block
	// dominates, itself included. Populated by the define-outputs pass.
	dominatedBlocks bitset
}

// Option configures an AllocationData.
type Option func(*AllocationData)

// WithLogger attaches a trace logger. Allocation events log at Debug
// level; a nil logger disables tracing entirely.
func WithLogger(log logrus.FieldLogger) Option {
	return func(d *AllocationData) { d.log = log }
}

// WithTickCounter attaches the cooperative progress hook invoked once
// per block per pass.
func WithTickCounter(tick *backend.TickCounter) Option {
	return func(d *AllocationData) { d.tick = tick }
}

// AllocationData owns all state shared between the allocation phases:
// per-vreg data, per-block state, the set of spilled vregs, and the
// collaborators borrowed for the duration of the pass.
type AllocationData struct {
	config *backend.RegisterConfiguration
	frame  *backend.Frame
	code   *backend.InstructionSequence
	tick   *backend.TickCounter
	log    logrus.FieldLogger

	vregs       []virtualRegisterData
	blockStates []blockState

	// referenceMapInstructions collects the indices of safepoint
	// instructions during the define-outputs pass.
	referenceMapInstructions []int
	// spilledVirtualRegisters is the set of vregs that have ever grown a
	// spill range.
	spilledVirtualRegisters bitset

	registerPool   *pool[register]
	spillRangePool *pool[spillRange]
}

// NewAllocationData prepares allocation state for one instruction
// sequence. The sequence and frame are borrowed mutably until the
// allocation phases complete.
func NewAllocationData(config *backend.RegisterConfiguration, code *backend.InstructionSequence,
	frame *backend.Frame, opts ...Option,
) *AllocationData {
	d := &AllocationData{
		config:         config,
		frame:          frame,
		code:           code,
		vregs:          make([]virtualRegisterData, code.VirtualRegisterCount()),
		blockStates:    make([]blockState, code.InstructionBlockCount()),
		registerPool:   newPool[register](),
		spillRangePool: newPool[spillRange](),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *AllocationData) virtualRegisterDataFor(vreg int) *virtualRegisterData {
	if vreg < 0 || vreg >= len(d.vregs) {
		panic("BUG: virtual register out of range")
	}
	return &d.vregs[vreg]
}

// representationFor returns the machine representation of vreg, or the
// default representation for the invalid sentinel (e.g. vreg-less
// temps).
func (d *AllocationData) representationFor(vreg int) backend.MachineRepresentation {
	if vreg == backend.InvalidVirtualRegister {
		return backend.DefaultRepresentation
	}
	return d.code.GetRepresentation(vreg)
}

func (d *AllocationData) blockStateFor(rpo backend.RpoNumber) *blockState {
	return &d.blockStates[rpo.ToInt()]
}

func (d *AllocationData) blockAt(rpo backend.RpoNumber) *backend.InstructionBlock {
	return d.code.InstructionBlockAt(rpo)
}

func (d *AllocationData) blockOf(instrIndex int) *backend.InstructionBlock {
	return d.code.InstructionAt(instrIndex).Block()
}

// blocksDominatedBy returns the domination set of the block containing
// the given instruction.
func (d *AllocationData) blocksDominatedBy(instrIndex int) *bitset {
	block := d.blockOf(instrIndex)
	return &d.blockStateFor(block.RpoNumber()).dominatedBlocks
}

// addGapMove inserts a move into the parallel move at the given gap
// position of the instruction and returns it for further rewriting.
func (d *AllocationData) addGapMove(instrIndex int, pos backend.GapPosition,
	from, to backend.Operand,
) *backend.MoveOperands {
	instr := d.code.InstructionAt(instrIndex)
	return instr.GetOrCreateParallelMove(pos).AddMove(from, to)
}

// addPendingOperandGapMove inserts a move whose endpoints are pending
// placeholders to be resolved by commit or spill.
func (d *AllocationData) addPendingOperandGapMove(instrIndex int, pos backend.GapPosition) *backend.MoveOperands {
	return d.addGapMove(instrIndex, pos, backend.NewPendingOperand(nil), backend.NewPendingOperand(nil))
}

func (d *AllocationData) tickAndMaybeEnterSafepoint() {
	if d.tick != nil {
		d.tick.TickAndMaybeEnterSafepoint()
	}
}

func (d *AllocationData) debugf(format string, args ...interface{}) {
	if d.log != nil {
		d.log.Debugf(format, args...)
	}
}
