package regalloc

import (
	"container/heap"
	"sort"

	"github.com/keelvm/keel/backend"
)

// spillSlot is one frame slot, possibly shared by several vregs with
// disjoint live ranges and equal byte widths.
type spillSlot struct {
	stackSlot int
	byteWidth int
	liveRange instrRange
}

func (s *spillSlot) lastUse() int { return s.liveRange.end }

// slotQueue is a min-heap of in-use slots keyed by last use, so expired
// slots surface first as the position cursor advances.
type slotQueue []*spillSlot

func (q slotQueue) Len() int           { return len(q) }
func (q slotQueue) Less(i, j int) bool { return q[i].lastUse() < q[j].lastUse() }
func (q slotQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *slotQueue) Push(x interface{}) { *q = append(*q, x.(*spillSlot)) }

func (q *slotQueue) Pop() interface{} {
	old := *q
	n := len(old)
	s := old[n-1]
	*q = old[:n-1]
	return s
}

// spillSlotAllocator assigns frame slots to spill ranges in a single
// linear scan over the ranges ordered by start position.
type spillSlotAllocator struct {
	data           *AllocationData
	allocatedSlots slotQueue
	freeSlots      []*spillSlot
	position       int
}

// advanceTo moves the cursor forward, retiring every slot whose last use
// lies behind it.
func (a *spillSlotAllocator) advanceTo(instrIndex int) {
	if a.position > instrIndex {
		panic("BUG: spill slot cursor moved backwards")
	}
	for len(a.allocatedSlots) > 0 && instrIndex > a.allocatedSlots[0].lastUse() {
		slot := heap.Pop(&a.allocatedSlots).(*spillSlot)
		a.freeSlots = append(a.freeSlots, slot)
	}
	a.position = instrIndex
}

// freeSlotFor returns a retired slot of exactly the given width, or nil.
func (a *spillSlotAllocator) freeSlotFor(byteWidth int) *spillSlot {
	for i, slot := range a.freeSlots {
		if slot.byteWidth == byteWidth {
			a.freeSlots = append(a.freeSlots[:i], a.freeSlots[i+1:]...)
			return slot
		}
	}
	return nil
}

func (a *spillSlotAllocator) allocate(v *virtualRegisterData) {
	if !v.hasPendingSpillOperand() {
		panic("BUG: vreg has no pending spill operand")
	}
	rep := a.data.representationFor(v.vreg)
	byteWidth := rep.ByteWidth()
	liveRange := v.spillRange.liveRange

	a.advanceTo(liveRange.start)

	slot := a.freeSlotFor(byteWidth)
	if slot == nil {
		slot = &spillSlot{
			stackSlot: a.data.frame.AllocateSpillSlot(byteWidth),
			byteWidth: byteWidth,
			liveRange: emptyInstrRange(),
		}
	}

	slot.liveRange.addRange(liveRange)
	v.allocatePendingSpillOperand(backend.NewStackSlotOperand(rep, slot.stackSlot))
	heap.Push(&a.allocatedSlots, slot)

	a.data.debugf("spill slots: v%d -> s%d %s", v.vreg, slot.stackSlot, liveRange)
}

// AllocateSpillSlots assigns a frame slot to every vreg whose spill
// operand is still pending and resolves the pending chains. A slot is
// reused across vregs whose live ranges are disjoint and whose widths
// match exactly.
func AllocateSpillSlots(d *AllocationData) {
	var spilled []*virtualRegisterData
	d.spilledVirtualRegisters.scan(func(vreg int) {
		v := d.virtualRegisterDataFor(vreg)
		if v.hasPendingSpillOperand() {
			spilled = append(spilled, v)
		}
	})

	sort.SliceStable(spilled, func(i, j int) bool {
		return spilled[i].spillRange.liveRange.start < spilled[j].spillRange.liveRange.start
	})

	allocator := &spillSlotAllocator{data: d}
	for _, v := range spilled {
		allocator.allocate(v)
	}
}
