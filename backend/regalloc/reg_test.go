package regalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterIndex(t *testing.T) {
	require.False(t, invalidRegisterIndex.isValid())
	require.Panics(t, func() { invalidRegisterIndex.toInt() })
	require.Equal(t, "invalid", invalidRegisterIndex.String())

	r := registerIndex(3)
	require.True(t, r.isValid())
	require.Equal(t, 3, r.toInt())
	require.Equal(t, uint64(1<<3), r.toBit())
	require.Equal(t, "R3", r.String())
}

func TestInstrRange(t *testing.T) {
	r := emptyInstrRange()
	require.True(t, r.isEmpty())
	require.Equal(t, "[empty]", r.String())
	require.Panics(t, func() { r.contains(0) })

	r.addInstr(5)
	require.False(t, r.isEmpty())
	require.True(t, r.contains(5))
	require.False(t, r.contains(4))

	r.addInstr(2)
	require.True(t, r.contains(3))
	require.Equal(t, "[2, 5]", r.String())

	r.addRange(newInstrRange(7, 9))
	require.True(t, r.contains(9))
	require.False(t, r.contains(10))

	require.Panics(t, func() { newInstrRange(3, 1) })
}

func TestBitset(t *testing.T) {
	var b bitset
	require.False(t, b.has(0))
	require.False(t, b.has(1000))

	b.add(3)
	b.add(64)
	b.add(200)
	require.True(t, b.has(3))
	require.True(t, b.has(64))
	require.True(t, b.has(200))
	require.False(t, b.has(4))

	var got []int
	b.scan(func(i int) { got = append(got, i) })
	require.Equal(t, []int{3, 64, 200}, got)
}

func TestBitsetUnion(t *testing.T) {
	var a, b bitset
	a.add(1)
	b.add(70)
	b.add(1)
	a.unionWith(&b)
	require.True(t, a.has(1))
	require.True(t, a.has(70))

	var got []int
	a.scan(func(i int) { got = append(got, i) })
	require.Equal(t, []int{1, 70}, got)
}

func TestPool(t *testing.T) {
	p := newPool[instrRange]()
	first := p.allocate()
	*first = newInstrRange(1, 2)

	// Fill past a page boundary; earlier allocations stay put.
	for i := 0; i < poolPageSize*2; i++ {
		r := p.allocate()
		require.True(t, r.isEmpty() || r.start == 0)
	}
	require.Equal(t, 1, first.start)

	p.reset()
	fresh := p.allocate()
	require.Equal(t, 0, fresh.start)
}
