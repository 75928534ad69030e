package lease

import (
	"math/bits"
	"math/rand/v2"
)

// randomProbes is how many random slots generate tries before falling back
// to a scan for the next free id.
const randomProbes = 16

// allocator hands out ids from an IDSpace exactly once. Issued ids are never
// returned to the free set because purged keys stay retired.
type allocator struct {
	space IDSpace
	size  uint64
	words []uint64
	used  uint64
	rng   *rand.Rand
}

func newAllocator(space IDSpace, rng *rand.Rand) *allocator {
	size := space.Size()
	a := &allocator{
		space: space,
		size:  size,
		words: make([]uint64, (size+63)/64),
		rng:   rng,
	}
	if a.rng == nil {
		a.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	// Bits past the end of the space count as taken so the scan never
	// yields them.
	if tail := size % 64; tail != 0 {
		a.words[len(a.words)-1] = ^uint64(0) << tail
	}
	return a
}

func (a *allocator) exhausted() bool {
	return a.used >= a.size
}

func (a *allocator) remaining() uint64 {
	return a.size - a.used
}

// next returns an unused id and marks it taken. It probes a few random slots
// and then scans forward from a random word, so it always terminates.
func (a *allocator) next() (uint64, bool) {
	if a.exhausted() {
		return 0, false
	}
	for i := 0; i < randomProbes; i++ {
		off := a.rng.Uint64N(a.size)
		if !a.taken(off) {
			a.mark(off)
			return a.space.Min + off, true
		}
	}
	start := a.rng.IntN(len(a.words))
	for i := 0; i < len(a.words); i++ {
		w := (start + i) % len(a.words)
		free := ^a.words[w]
		if free == 0 {
			continue
		}
		off := uint64(w)*64 + uint64(bits.TrailingZeros64(free))
		a.mark(off)
		return a.space.Min + off, true
	}
	return 0, false
}

func (a *allocator) taken(off uint64) bool {
	return a.words[off/64]&(1<<(off%64)) != 0
}

func (a *allocator) mark(off uint64) {
	a.words[off/64] |= 1 << (off % 64)
	a.used++
}
