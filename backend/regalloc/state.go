package regalloc

import (
	"github.com/keelvm/keel/backend"
)

// register tracks the vreg occupying one physical register during the
// reverse sweep, together with the uses whose final form is deferred
// until the register is either committed or spilled.
type register struct {
	virtualRegister   int
	lastUseInstrIndex int
	// needsGapMoveOnSpill is set by committed uses: the value must be
	// materialized in this register, so spilling it requires a reload
	// move. Pending-only uses can be redirected to the spill slot.
	needsGapMoveOnSpill bool
	pendingUses         *backend.Operand
}

func (r *register) reset() {
	r.virtualRegister = backend.InvalidVirtualRegister
	r.lastUseInstrIndex = -1
	r.needsGapMoveOnSpill = false
	r.pendingUses = nil
}

func (r *register) isAllocated() bool {
	return r.virtualRegister != backend.InvalidVirtualRegister
}

// use records a committed use. A register carries at most one committed
// use at a time; a reverse-sweep-later committed use commits this record
// away first.
func (r *register) use(vreg, instrIndex int) {
	if r.isAllocated() {
		panic("BUG: committed use on an occupied register")
	}
	r.virtualRegister = vreg
	r.lastUseInstrIndex = instrIndex
	r.needsGapMoveOnSpill = true
}

// pendingUse records a use whose operand form is decided later, threading
// the operand onto the register's pending chain.
func (r *register) pendingUse(operand *backend.Operand, vreg, instrIndex int) {
	if !r.isAllocated() {
		r.virtualRegister = vreg
		r.lastUseInstrIndex = instrIndex
	} else {
		if r.virtualRegister != vreg {
			panic("BUG: pending use for a different vreg")
		}
		if r.lastUseInstrIndex < instrIndex {
			panic("BUG: uses must arrive in reverse instruction order")
		}
	}
	backend.ReplaceWith(operand, backend.NewPendingOperand(r.pendingUses))
	r.pendingUses = operand
}

// commit resolves every pending use to the allocated register operand.
func (r *register) commit(allocated backend.Operand) {
	pending := r.pendingUses
	for pending != nil {
		next := pending.Next()
		backend.ReplaceWith(pending, allocated)
		pending = next
	}
	r.pendingUses = nil
}

// spill redirects the register's uses to the vreg's spill location. A
// committed use needs the value in this register, so it gets a reload
// gap move at its instruction; pending uses are rethreaded onto the
// vreg's pending-spill chain instead.
func (r *register) spill(allocated backend.Operand, d *AllocationData) {
	v := d.virtualRegisterDataFor(r.virtualRegister)
	if r.needsGapMoveOnSpill {
		v.emitGapMoveToInputFromSpillSlot(allocated, r.lastUseInstrIndex, d)
	}
	pending := r.pendingUses
	for pending != nil {
		next := pending.Next()
		v.spillOperand(pending, r.lastUseInstrIndex, d)
		pending = next
	}
	r.pendingUses = nil
}

// registerState is the per-block view of the physical registers of one
// kind. Register records are materialized lazily on first use and freed
// when committed or spilled.
type registerState struct {
	registers []*register
	pool      *pool[register]
}

func newRegisterState(numRegisters int, pool *pool[register]) *registerState {
	return &registerState{registers: make([]*register, numRegisters), pool: pool}
}

func (s *registerState) isAllocated(reg registerIndex) bool {
	return s.registers[reg.toInt()] != nil
}

func (s *registerState) virtualRegisterForRegister(reg registerIndex) int {
	if r := s.registers[reg.toInt()]; r != nil {
		return r.virtualRegister
	}
	return backend.InvalidVirtualRegister
}

// hasPendingUsesOnly reports whether spilling the register would need no
// reload move.
func (s *registerState) hasPendingUsesOnly(reg registerIndex) bool {
	r := s.registers[reg.toInt()]
	if r == nil {
		panic("BUG: register is not allocated")
	}
	return !r.needsGapMoveOnSpill
}

func (s *registerState) ensureRegister(reg registerIndex) *register {
	if r := s.registers[reg.toInt()]; r != nil {
		return r
	}
	r := s.pool.allocate()
	r.reset()
	s.registers[reg.toInt()] = r
	return r
}

func (s *registerState) freeRegister(reg registerIndex) {
	s.registers[reg.toInt()] = nil
}

// allocateUse records a committed use of reg by vreg at instrIndex.
func (s *registerState) allocateUse(reg registerIndex, vreg, instrIndex int) {
	s.ensureRegister(reg).use(vreg, instrIndex)
}

// allocatePendingUse records a deferred use, replacing operand with a
// placeholder on the register's chain.
func (s *registerState) allocatePendingUse(reg registerIndex, operand *backend.Operand, vreg, instrIndex int) {
	s.ensureRegister(reg).pendingUse(operand, vreg, instrIndex)
}

// commit overwrites operand with allocated, resolves the register's
// pending uses to allocated, and frees the record.
func (s *registerState) commit(reg registerIndex, allocated backend.Operand, operand *backend.Operand) {
	backend.ReplaceWith(operand, allocated)
	if r := s.registers[reg.toInt()]; r != nil {
		r.commit(allocated)
		s.freeRegister(reg)
	}
}

// spill redirects the register's uses to its vreg's spill location and
// frees the record.
func (s *registerState) spill(reg registerIndex, allocated backend.Operand, d *AllocationData) {
	r := s.registers[reg.toInt()]
	if r == nil {
		panic("BUG: spill of a free register")
	}
	r.spill(allocated, d)
	s.freeRegister(reg)
}

func (s *registerState) reset() {
	for i := range s.registers {
		s.registers[i] = nil
	}
}
