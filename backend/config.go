package backend

import "fmt"

// maxAllocatableRegisters bounds the per-kind register count so that
// register indices convert to bits of a single machine word.
const maxAllocatableRegisters = 64

// RegisterConfiguration enumerates the allocatable physical registers of
// each kind. For every kind it holds the ordered list of register codes
// available for allocation; the local index of a code in that list is
// what the allocator works with internally.
type RegisterConfiguration struct {
	allocatable [NumRegisterKinds][]int
}

// NewRegisterConfiguration returns a configuration with the given
// allocatable register codes per kind. The order of the codes is the
// allocation preference order.
func NewRegisterConfiguration(general, double []int) *RegisterConfiguration {
	c := &RegisterConfiguration{}
	c.allocatable[KindGeneral] = general
	c.allocatable[KindDouble] = double
	for kind, codes := range c.allocatable {
		if len(codes) > maxAllocatableRegisters {
			panic(fmt.Sprintf("BUG: %d allocatable %s registers exceed bitmap width",
				len(codes), RegisterKind(kind)))
		}
		for _, code := range codes {
			if code < 0 || code >= maxAllocatableRegisters {
				panic(fmt.Sprintf("BUG: register code %d out of range", code))
			}
		}
	}
	return c
}

// AllocatableRegisterCount returns the number of allocatable registers
// of the given kind.
func (c *RegisterConfiguration) AllocatableRegisterCount(kind RegisterKind) int {
	return len(c.allocatable[kind])
}

// AllocatableRegisterCodes returns the register codes of the given kind
// in preference order.
func (c *RegisterConfiguration) AllocatableRegisterCodes(kind RegisterKind) []int {
	return c.allocatable[kind]
}
