package regalloc

import (
	"fmt"
	"math"
)

// registerIndex names one of the allocatable registers of a kind by its
// local index in [0, numAllocatable). It converts to a bit position in a
// machine-word bitmap, so the allocatable count per kind is capped at
// the word width.
type registerIndex int

const invalidRegisterIndex registerIndex = -1

func (r registerIndex) isValid() bool { return r != invalidRegisterIndex }

func (r registerIndex) toInt() int {
	if !r.isValid() {
		panic("BUG: invalid register index")
	}
	return int(r)
}

func (r registerIndex) toBit() uint64 {
	return 1 << uint(r.toInt())
}

// String implements fmt.Stringer.
func (r registerIndex) String() string {
	if !r.isValid() {
		return "invalid"
	}
	return fmt.Sprintf("R%d", int(r))
}

// instrRange is an inclusive [start, end] range of instruction indices.
// The empty state is explicit: Contains must not be called before the
// range has been seeded by newInstrRange or addInstr.
type instrRange struct {
	start, end int
}

func emptyInstrRange() instrRange {
	return instrRange{start: math.MaxInt, end: math.MinInt}
}

func newInstrRange(start, end int) instrRange {
	if start > end {
		panic("BUG: inverted instruction range")
	}
	return instrRange{start: start, end: end}
}

func (r *instrRange) isEmpty() bool { return r.start > r.end }

// addInstr widens the range to include index.
func (r *instrRange) addInstr(index int) {
	if index < r.start {
		r.start = index
	}
	if index > r.end {
		r.end = index
	}
}

// addRange widens the range to the union with other.
func (r *instrRange) addRange(other instrRange) {
	if other.start < r.start {
		r.start = other.start
	}
	if other.end > r.end {
		r.end = other.end
	}
}

// contains reports whether index lies within the range.
func (r *instrRange) contains(index int) bool {
	if r.isEmpty() {
		panic("BUG: contains on an empty instruction range")
	}
	return index >= r.start && index <= r.end
}

// String implements fmt.Stringer.
func (r instrRange) String() string {
	if r.isEmpty() {
		return "[empty]"
	}
	return fmt.Sprintf("[%d, %d]", r.start, r.end)
}
