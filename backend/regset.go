package backend

import (
	"fmt"
	"strings"
)

// RegSet represents a set of register codes of one kind as a bitmap.
// Register codes must fit in a machine word; RegisterConfiguration
// enforces this.
type RegSet uint64

// NewRegSet returns a new RegSet with the given register codes.
func NewRegSet(codes ...int) RegSet {
	var ret RegSet
	for _, c := range codes {
		ret = ret.Add(c)
	}
	return ret
}

// Has reports whether the set contains the code.
func (rs RegSet) Has(code int) bool {
	return rs&(1<<uint(code)) != 0
}

// Add returns the set with the code added.
func (rs RegSet) Add(code int) RegSet {
	if code >= 64 {
		panic(fmt.Sprintf("BUG: register code %d exceeds bitmap width", code))
	}
	return rs | 1<<uint(code)
}

// Range calls f for every code in the set in ascending order.
func (rs RegSet) Range(f func(code int)) {
	for i := 0; i < 64; i++ {
		if rs&(1<<uint(i)) != 0 {
			f(i)
		}
	}
}

// String implements fmt.Stringer.
func (rs RegSet) String() string {
	var parts []string
	rs.Range(func(code int) {
		parts = append(parts, fmt.Sprintf("r%d", code))
	})
	return "{" + strings.Join(parts, ", ") + "}"
}
