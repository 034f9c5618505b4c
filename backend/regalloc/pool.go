package regalloc

const poolPageSize = 128

// pool is a page-based allocator for the allocator's internal records.
// It stands in for the compilation arena: nothing is freed individually,
// and Reset drops everything at once for reuse.
type pool[T any] struct {
	pages []*[poolPageSize]T
	index int
}

func newPool[T any]() *pool[T] {
	return &pool[T]{index: poolPageSize}
}

// allocate returns a pointer to a zeroed T that lives until the next
// reset.
func (p *pool[T]) allocate() *T {
	if p.index == poolPageSize {
		p.pages = append(p.pages, new([poolPageSize]T))
		p.index = 0
	}
	ret := &p.pages[len(p.pages)-1][p.index]
	p.index++
	return ret
}

// reset drops all allocations.
func (p *pool[T]) reset() {
	for _, page := range p.pages {
		*page = [poolPageSize]T{}
	}
	p.pages = p.pages[:0]
	p.index = poolPageSize
}
