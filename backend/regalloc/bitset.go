package regalloc

import "math/bits"

// bitset is a growable bit vector used for block-domination sets and the
// set of spilled virtual registers. The first few words are stored
// inline to keep small sets off the heap.
type bitset struct {
	words []uint64
	buf   [4]uint64
}

func (b *bitset) has(i int) bool {
	index, shift := i/64, i%64
	return index < len(b.words) && b.words[index]&(1<<uint(shift)) != 0
}

func (b *bitset) add(i int) {
	index, shift := i/64, i%64
	if index >= len(b.words) {
		b.grow(index + 1)
	}
	b.words[index] |= 1 << uint(shift)
}

func (b *bitset) grow(n int) {
	if n <= cap(b.buf) && b.words == nil {
		b.words = b.buf[:n]
		return
	}
	if n <= cap(b.words) {
		b.words = b.words[:n]
		return
	}
	words := make([]uint64, n)
	copy(words, b.words)
	b.words = words
}

// unionWith adds every member of other to b.
func (b *bitset) unionWith(other *bitset) {
	if len(other.words) > len(b.words) {
		b.grow(len(other.words))
	}
	for i, w := range other.words {
		b.words[i] |= w
	}
}

// scan calls f for every member in ascending order.
func (b *bitset) scan(f func(int)) {
	for i, w := range b.words {
		for j := i * 64; w != 0; j++ {
			n := bits.TrailingZeros64(w)
			j += n
			w >>= uint(n + 1)
			f(j)
		}
	}
}
