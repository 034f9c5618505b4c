// Package backend holds the instruction model shared by the instruction
// selector and the register allocator: operands and their policies,
// instructions with parallel gap moves and reference maps, instruction
// blocks and sequences, the stack frame, and the register configuration.
package backend

import "fmt"

// MachineRepresentation describes the machine-level shape of a value. It
// determines both the register kind used to hold the value and the byte
// width of a stack slot that can spill it.
type MachineRepresentation byte

const (
	RepWord32 MachineRepresentation = iota
	RepWord64
	RepFloat32
	RepFloat64
	// RepTagged is a GC-traceable pointer-sized word.
	RepTagged

	numMachineRepresentations
)

// DefaultRepresentation is used for operands that carry no virtual
// register, e.g. fixed temps.
const DefaultRepresentation = RepWord64

// IsFloatingPoint returns true if values of this representation live in
// floating-point registers.
func (r MachineRepresentation) IsFloatingPoint() bool {
	return r == RepFloat32 || r == RepFloat64
}

// ByteWidth returns the stack slot width needed to spill a value of this
// representation.
func (r MachineRepresentation) ByteWidth() int {
	switch r {
	case RepWord32, RepFloat32:
		return 4
	case RepWord64, RepFloat64, RepTagged:
		return 8
	default:
		panic(fmt.Sprintf("BUG: invalid representation %d", r))
	}
}

// String implements fmt.Stringer.
func (r MachineRepresentation) String() string {
	switch r {
	case RepWord32:
		return "w32"
	case RepWord64:
		return "w64"
	case RepFloat32:
		return "f32"
	case RepFloat64:
		return "f64"
	case RepTagged:
		return "tagged"
	default:
		return "invalid"
	}
}

// RegisterKind selects one of the two independently allocated register
// pools.
type RegisterKind byte

const (
	KindGeneral RegisterKind = iota
	KindDouble

	NumRegisterKinds
)

// KindOf returns the register kind that holds values of representation r.
func KindOf(r MachineRepresentation) RegisterKind {
	if r.IsFloatingPoint() {
		return KindDouble
	}
	return KindGeneral
}

// String implements fmt.Stringer.
func (k RegisterKind) String() string {
	switch k {
	case KindGeneral:
		return "general"
	case KindDouble:
		return "double"
	default:
		return "invalid"
	}
}
