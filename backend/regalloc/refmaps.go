package regalloc

// PopulateReferenceMaps records, on every safepoint instruction, the
// spill slot of each GC-reference vreg whose spill range is live there.
// Values resident in registers don't appear: register state is spilled
// across calls, so a live reference at a safepoint is always on the
// stack.
func PopulateReferenceMaps(d *AllocationData) {
	d.spilledVirtualRegisters.scan(func(vreg int) {
		recordReferences(d, d.virtualRegisterDataFor(vreg))
	})
}

func recordReferences(d *AllocationData, v *virtualRegisterData) {
	if !v.hasAllocatedSpillOperand() || !d.code.IsReference(v.vreg) {
		return
	}
	liveRange := v.spillRange.liveRange
	allocated := *v.spillOp
	for _, instrIndex := range d.referenceMapInstructions {
		// Cheap interval check before the block-level liveness test.
		if instrIndex < liveRange.start || instrIndex > liveRange.end {
			continue
		}
		instr := d.code.InstructionAt(instrIndex)
		if v.spillRange.isLiveAt(instrIndex, instr.Block()) {
			instr.ReferenceMap().RecordReference(allocated)
		}
	}
}
