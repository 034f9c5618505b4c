package backend

import "fmt"

// InvalidVirtualRegister is the sentinel for operands that carry no
// virtual register, e.g. temps used purely as scratch space.
const InvalidVirtualRegister = -1

// OperandKind discriminates the states an operand moves through during
// register allocation.
type OperandKind byte

const (
	// OperandInvalid is the zero value; it never appears in a
	// well-formed instruction.
	OperandInvalid OperandKind = iota
	// OperandUnallocated is an operand with a policy, awaiting
	// allocation.
	OperandUnallocated
	// OperandConstant names a constant value by virtual register.
	OperandConstant
	// OperandAllocated is a concrete register or stack slot.
	OperandAllocated
	// OperandPending is a placeholder threaded into a deferred-decision
	// chain; it is resolved to an allocated operand at commit or spill
	// time.
	OperandPending
)

// OperandPolicy constrains where an unallocated operand may be placed.
type OperandPolicy byte

const (
	// PolicyFixedRegister requires a specific general register.
	PolicyFixedRegister OperandPolicy = iota
	// PolicyFixedFPRegister requires a specific floating-point register.
	PolicyFixedFPRegister
	// PolicyFixedSlot requires a specific stack slot.
	PolicyFixedSlot
	// PolicySlot requires some stack slot.
	PolicySlot
	// PolicyRegister requires some register of the operand's kind.
	PolicyRegister
	// PolicyRegisterOrSlot accepts a register or a stack slot.
	PolicyRegisterOrSlot
	// PolicyRegisterOrSlotOrConstant additionally accepts the constant
	// operand itself.
	PolicyRegisterOrSlotOrConstant
	// PolicySameAsInput requires the output to reuse the location of the
	// instruction's first input.
	PolicySameAsInput
)

// LocationKind discriminates allocated operands.
type LocationKind byte

const (
	LocationRegister LocationKind = iota
	LocationStackSlot
)

// Operand is a single instruction operand. Operands are stored by value
// inside instructions and parallel moves and are rewritten in place by
// the register allocator; a pending operand additionally links to the
// next placeholder of the chain it belongs to.
type Operand struct {
	kind        OperandKind
	policy      OperandPolicy
	location    LocationKind
	rep         MachineRepresentation
	usedAtStart bool
	vreg        int
	// index is the fixed register code or slot index for fixed policies,
	// and the register code or slot index for allocated operands.
	index int
	next  *Operand
}

// NewUnallocatedOperand returns an unallocated operand with a non-fixed
// policy.
func NewUnallocatedOperand(policy OperandPolicy, vreg int) Operand {
	switch policy {
	case PolicyFixedRegister, PolicyFixedFPRegister, PolicyFixedSlot:
		panic("BUG: fixed policy requires NewFixedUnallocatedOperand")
	}
	return Operand{kind: OperandUnallocated, policy: policy, vreg: vreg}
}

// NewFixedUnallocatedOperand returns an unallocated operand with a fixed
// register or fixed slot policy. index is the register code or the slot
// index respectively.
func NewFixedUnallocatedOperand(policy OperandPolicy, index, vreg int) Operand {
	switch policy {
	case PolicyFixedRegister, PolicyFixedFPRegister, PolicyFixedSlot:
	default:
		panic("BUG: non-fixed policy passed to NewFixedUnallocatedOperand")
	}
	return Operand{kind: OperandUnallocated, policy: policy, index: index, vreg: vreg}
}

// NewConstantOperand returns a constant operand for the given virtual
// register.
func NewConstantOperand(vreg int) Operand {
	return Operand{kind: OperandConstant, vreg: vreg}
}

// NewRegisterOperand returns an allocated operand naming a register by
// its configuration code.
func NewRegisterOperand(rep MachineRepresentation, code int) Operand {
	return Operand{kind: OperandAllocated, location: LocationRegister, rep: rep, index: code}
}

// NewStackSlotOperand returns an allocated operand naming a stack slot.
func NewStackSlotOperand(rep MachineRepresentation, slot int) Operand {
	return Operand{kind: OperandAllocated, location: LocationStackSlot, rep: rep, index: slot}
}

// NewPendingOperand returns a pending placeholder linking to next, which
// may be nil for the tail of a chain.
func NewPendingOperand(next *Operand) Operand {
	return Operand{kind: OperandPending, next: next}
}

// WithVirtualRegister returns a copy of an unallocated operand bound to
// a different virtual register.
func (o Operand) WithVirtualRegister(vreg int) Operand {
	if o.kind != OperandUnallocated {
		panic("BUG: operand has no virtual register")
	}
	o.vreg = vreg
	return o
}

// AtStart returns a copy of the operand marked as used at the start of
// its instruction. Only meaningful for unallocated inputs.
func (o Operand) AtStart() Operand {
	o.usedAtStart = true
	return o
}

func (o *Operand) Kind() OperandKind { return o.kind }

func (o *Operand) IsUnallocated() bool { return o.kind == OperandUnallocated }
func (o *Operand) IsConstant() bool    { return o.kind == OperandConstant }
func (o *Operand) IsAllocated() bool   { return o.kind == OperandAllocated }
func (o *Operand) IsPending() bool     { return o.kind == OperandPending }

// IsAnyRegister returns true for an allocated register operand.
func (o *Operand) IsAnyRegister() bool {
	return o.kind == OperandAllocated && o.location == LocationRegister
}

// IsStackSlot returns true for an allocated stack slot operand.
func (o *Operand) IsStackSlot() bool {
	return o.kind == OperandAllocated && o.location == LocationStackSlot
}

// VirtualRegister returns the virtual register of an unallocated or
// constant operand.
func (o *Operand) VirtualRegister() int {
	if o.kind != OperandUnallocated && o.kind != OperandConstant {
		panic("BUG: operand has no virtual register")
	}
	return o.vreg
}

// Policy returns the allocation policy of an unallocated operand.
func (o *Operand) Policy() OperandPolicy {
	if o.kind != OperandUnallocated {
		panic("BUG: operand has no policy")
	}
	return o.policy
}

func (o *Operand) HasFixedRegisterPolicy() bool {
	return o.kind == OperandUnallocated && o.policy == PolicyFixedRegister
}

func (o *Operand) HasFixedFPRegisterPolicy() bool {
	return o.kind == OperandUnallocated && o.policy == PolicyFixedFPRegister
}

// HasFixedPolicy returns true for any fixed register, fixed FP register
// or fixed slot policy.
func (o *Operand) HasFixedPolicy() bool {
	return o.kind == OperandUnallocated &&
		(o.policy == PolicyFixedRegister || o.policy == PolicyFixedFPRegister || o.policy == PolicyFixedSlot)
}

func (o *Operand) HasFixedSlotPolicy() bool {
	return o.kind == OperandUnallocated && o.policy == PolicyFixedSlot
}

func (o *Operand) HasSlotPolicy() bool {
	return o.kind == OperandUnallocated && o.policy == PolicySlot
}

func (o *Operand) HasRegisterPolicy() bool {
	return o.kind == OperandUnallocated && o.policy == PolicyRegister
}

func (o *Operand) HasRegisterOrSlotPolicy() bool {
	return o.kind == OperandUnallocated && o.policy == PolicyRegisterOrSlot
}

func (o *Operand) HasRegisterOrSlotOrConstantPolicy() bool {
	return o.kind == OperandUnallocated && o.policy == PolicyRegisterOrSlotOrConstant
}

func (o *Operand) HasSameAsInputPolicy() bool {
	return o.kind == OperandUnallocated && o.policy == PolicySameAsInput
}

// IsUsedAtStart reports whether an unallocated input is consumed at the
// start of its instruction, freeing its location for end-position uses.
func (o *Operand) IsUsedAtStart() bool { return o.usedAtStart }

// FixedRegisterIndex returns the register code of a fixed register
// policy operand.
func (o *Operand) FixedRegisterIndex() int {
	if !o.HasFixedRegisterPolicy() && !o.HasFixedFPRegisterPolicy() {
		panic("BUG: operand has no fixed register")
	}
	return o.index
}

// FixedSlotIndex returns the slot index of a fixed slot policy operand.
func (o *Operand) FixedSlotIndex() int {
	if !o.HasFixedSlotPolicy() {
		panic("BUG: operand has no fixed slot")
	}
	return o.index
}

// Representation returns the machine representation of an allocated
// operand.
func (o *Operand) Representation() MachineRepresentation {
	if o.kind != OperandAllocated {
		panic("BUG: operand has no representation")
	}
	return o.rep
}

// RegisterCode returns the register code of an allocated register
// operand.
func (o *Operand) RegisterCode() int {
	if !o.IsAnyRegister() {
		panic("BUG: operand is not a register")
	}
	return o.index
}

// StackSlotIndex returns the slot index of an allocated stack slot
// operand.
func (o *Operand) StackSlotIndex() int {
	if !o.IsStackSlot() {
		panic("BUG: operand is not a stack slot")
	}
	return o.index
}

// Next returns the next pending placeholder in the chain, or nil.
func (o *Operand) Next() *Operand {
	if !o.IsPending() {
		panic("BUG: operand is not pending")
	}
	return o.next
}

// SetNext links the pending placeholder to the given chain tail.
func (o *Operand) SetNext(next *Operand) {
	if !o.IsPending() {
		panic("BUG: operand is not pending")
	}
	o.next = next
}

// ReplaceWith overwrites the operand at dst with src. Any pending link
// held by dst is discarded with it.
func ReplaceWith(dst *Operand, src Operand) {
	*dst = src
}

// Equals compares two operands ignoring pending chain links.
func (o *Operand) Equals(other *Operand) bool {
	return o.kind == other.kind && o.policy == other.policy &&
		o.location == other.location && o.rep == other.rep &&
		o.usedAtStart == other.usedAtStart &&
		o.vreg == other.vreg && o.index == other.index
}

// String implements fmt.Stringer.
func (o Operand) String() string {
	switch o.kind {
	case OperandUnallocated:
		var s string
		switch o.policy {
		case PolicyFixedRegister:
			s = fmt.Sprintf("v%d:fixed(r%d)", o.vreg, o.index)
		case PolicyFixedFPRegister:
			s = fmt.Sprintf("v%d:fixed(fp%d)", o.vreg, o.index)
		case PolicyFixedSlot:
			s = fmt.Sprintf("v%d:fixed(s%d)", o.vreg, o.index)
		case PolicySlot:
			s = fmt.Sprintf("v%d:slot", o.vreg)
		case PolicyRegister:
			s = fmt.Sprintf("v%d:reg", o.vreg)
		case PolicyRegisterOrSlot:
			s = fmt.Sprintf("v%d:reg|slot", o.vreg)
		case PolicyRegisterOrSlotOrConstant:
			s = fmt.Sprintf("v%d:reg|slot|const", o.vreg)
		case PolicySameAsInput:
			s = fmt.Sprintf("v%d:same-as-input", o.vreg)
		}
		if o.usedAtStart {
			s += "@start"
		}
		return s
	case OperandConstant:
		return fmt.Sprintf("const(v%d)", o.vreg)
	case OperandAllocated:
		if o.location == LocationRegister {
			return fmt.Sprintf("[r%d|%s]", o.index, o.rep)
		}
		return fmt.Sprintf("[s%d|%s]", o.index, o.rep)
	case OperandPending:
		return "pending"
	default:
		return "invalid"
	}
}
