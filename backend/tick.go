package backend

// TickCounter is the cooperative progress hook invoked at the head of
// each per-block iteration of the allocation passes. The callback may
// abort the compilation by panicking; it never resumes mid-block.
type TickCounter struct {
	ticks  int
	onTick func()
}

// NewTickCounter returns a counter invoking onTick at every tick. A nil
// callback only counts.
func NewTickCounter(onTick func()) *TickCounter {
	return &TickCounter{onTick: onTick}
}

// TickAndMaybeEnterSafepoint counts one unit of work and gives the
// embedder a chance to interrupt.
func (t *TickCounter) TickAndMaybeEnterSafepoint() {
	t.ticks++
	if t.onTick != nil {
		t.onTick()
	}
}

// Ticks returns the number of ticks so far.
func (t *TickCounter) Ticks() int { return t.ticks }
