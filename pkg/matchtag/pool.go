// Package matchtag implements the MatchtagPool from spec §3: a bitmap
// over 32-bit identifiers where tag 0 is never allocated and an
// allocated tag is unique among concurrently outstanding requests.
package matchtag

import (
	"math/bits"
	"sync"

	"github.com/flux-framework/flux-go/pkg/errno"
)

const wordBits = 64

// Pool is a bitmap-backed matchtag allocator with a small free-list
// layered on top so the common alloc/free pattern (most recently
// freed tag reused next) stays O(1) amortised instead of rescanning
// the bitmap from the start every time.
type Pool struct {
	mu       sync.Mutex
	words    []uint64
	capacity uint32
	freeList []uint32
	next     uint32 // lowest tag not yet ever allocated
}

// New returns a pool able to allocate tags in [1, capacity].
func New(capacity uint32) *Pool {
	if capacity == 0 {
		capacity = 1 << 16
	}
	nwords := (capacity + wordBits) / wordBits
	return &Pool{
		words:    make([]uint64, nwords+1),
		capacity: capacity,
		next:     1, // tag 0 is reserved
	}
}

// Alloc returns the next available tag, or errno.Again if the pool is
// exhausted.
func (p *Pool) Alloc() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.freeList); n > 0 {
		t := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		p.setBit(t)
		return t, nil
	}
	if p.next > p.capacity {
		return 0, errno.New(errno.Again, "matchtag pool exhausted")
	}
	t := p.next
	p.next++
	p.setBit(t)
	return t, nil
}

// Free returns t to the pool. Freeing an unallocated or zero tag is a
// no-op, matching the spec's "destroying a Future that never ran
// still frees its matchtag" boundary case without double-booking the
// bitmap.
func (p *Pool) Free(t uint32) {
	if t == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.testBit(t) {
		return
	}
	p.clearBit(t)
	p.freeList = append(p.freeList, t)
}

// Avail returns the number of tags still available for allocation.
func (p *Pool) Avail() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := p.capacity - (p.next - 1)
	return avail + uint32(len(p.freeList))
}

func (p *Pool) setBit(t uint32)        { p.words[t/wordBits] |= 1 << (t % wordBits) }
func (p *Pool) clearBit(t uint32)      { p.words[t/wordBits] &^= 1 << (t % wordBits) }
func (p *Pool) testBit(t uint32) bool  { return p.words[t/wordBits]&(1<<(t%wordBits)) != 0 }
func (p *Pool) popcount(w uint64) int  { return bits.OnesCount64(w) }

// Outstanding returns the number of currently allocated tags (mainly
// for tests/metrics).
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, w := range p.words {
		total += p.popcount(w)
	}
	return total
}
