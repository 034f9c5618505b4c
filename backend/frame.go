package backend

// Frame owns stack-slot numbering for one compilation unit and records
// which physical registers the allocator ended up using.
type Frame struct {
	slotWidths []int
	allocated  [NumRegisterKinds]RegSet
}

// NewFrame returns an empty frame.
func NewFrame() *Frame {
	return &Frame{}
}

// AllocateSpillSlot reserves a fresh stack slot of the given byte width
// and returns its index.
func (f *Frame) AllocateSpillSlot(byteWidth int) int {
	f.slotWidths = append(f.slotWidths, byteWidth)
	return len(f.slotWidths) - 1
}

// SpillSlotCount returns the number of slots handed out so far.
func (f *Frame) SpillSlotCount() int { return len(f.slotWidths) }

// SpillSlotWidth returns the byte width of the given slot.
func (f *Frame) SpillSlotWidth(slot int) int { return f.slotWidths[slot] }

// SetAllocatedRegisters publishes the set of general registers the
// allocator assigned. Called once after allocation.
func (f *Frame) SetAllocatedRegisters(regs RegSet) {
	f.allocated[KindGeneral] = regs
}

// SetAllocatedDoubleRegisters publishes the set of double registers the
// allocator assigned. Called once after allocation.
func (f *Frame) SetAllocatedDoubleRegisters(regs RegSet) {
	f.allocated[KindDouble] = regs
}

// AllocatedRegisters returns the published register set for a kind.
func (f *Frame) AllocatedRegisters(kind RegisterKind) RegSet {
	return f.allocated[kind]
}
