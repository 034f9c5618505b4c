package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameSpillSlots(t *testing.T) {
	f := NewFrame()
	require.Equal(t, 0, f.SpillSlotCount())
	require.Equal(t, 0, f.AllocateSpillSlot(8))
	require.Equal(t, 1, f.AllocateSpillSlot(4))
	require.Equal(t, 2, f.SpillSlotCount())
	require.Equal(t, 8, f.SpillSlotWidth(0))
	require.Equal(t, 4, f.SpillSlotWidth(1))
}

func TestFrameAllocatedRegisters(t *testing.T) {
	f := NewFrame()
	f.SetAllocatedRegisters(NewRegSet(0, 3))
	f.SetAllocatedDoubleRegisters(NewRegSet(1))
	require.Equal(t, NewRegSet(0, 3), f.AllocatedRegisters(KindGeneral))
	require.Equal(t, NewRegSet(1), f.AllocatedRegisters(KindDouble))
}

func TestRegSet(t *testing.T) {
	rs := NewRegSet(0, 2, 5)
	require.True(t, rs.Has(0))
	require.False(t, rs.Has(1))
	require.Equal(t, "{r0, r2, r5}", rs.String())

	var codes []int
	rs.Range(func(code int) { codes = append(codes, code) })
	require.Equal(t, []int{0, 2, 5}, codes)

	require.Panics(t, func() { rs.Add(64) })
}

func TestRegisterConfiguration(t *testing.T) {
	c := NewRegisterConfiguration([]int{3, 1, 0}, []int{0, 1})
	require.Equal(t, 3, c.AllocatableRegisterCount(KindGeneral))
	require.Equal(t, 2, c.AllocatableRegisterCount(KindDouble))
	// Preference order is preserved.
	require.Equal(t, []int{3, 1, 0}, c.AllocatableRegisterCodes(KindGeneral))

	require.Panics(t, func() { NewRegisterConfiguration([]int{64}, nil) })
	require.Panics(t, func() { NewRegisterConfiguration([]int{-1}, nil) })
}

func TestMachineRepresentation(t *testing.T) {
	require.True(t, RepFloat32.IsFloatingPoint())
	require.True(t, RepFloat64.IsFloatingPoint())
	require.False(t, RepWord64.IsFloatingPoint())
	require.False(t, RepTagged.IsFloatingPoint())

	require.Equal(t, 4, RepWord32.ByteWidth())
	require.Equal(t, 8, RepTagged.ByteWidth())

	require.Equal(t, KindDouble, KindOf(RepFloat64))
	require.Equal(t, KindGeneral, KindOf(RepWord32))
}

func TestTickCounter(t *testing.T) {
	var fired int
	tick := NewTickCounter(func() { fired++ })
	tick.TickAndMaybeEnterSafepoint()
	tick.TickAndMaybeEnterSafepoint()
	require.Equal(t, 2, fired)
	require.Equal(t, 2, tick.Ticks())

	quiet := NewTickCounter(nil)
	quiet.TickAndMaybeEnterSafepoint()
	require.Equal(t, 1, quiet.Ticks())
}
