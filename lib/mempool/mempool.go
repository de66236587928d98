// Package mempool implements a fixed-size object allocator. A Pool serves
// exactly one object size, carved out of larger slabs obtained from the
// page source; Alloc and Free are O(1) free-slot stack operations plus a
// binary search over slab base addresses on Free.
package mempool

import (
	"sort"
	"unsafe"

	"smallmem/lib/fault"
	"smallmem/lib/slab"
	"smallmem/lib/utils/mathx"
	"smallmem/lib/utils/slice"
)

// MaxAlignment caps the natural alignment derived from the object size.
const MaxAlignment = 16

// DefaultSlabTarget is the target slab size a pool requests from the page
// source. Small object sizes share a slab; sizes above the target get one
// object per slab.
const DefaultSlabTarget = 16 * 1024

// Options configures a Pool.
type Options struct {
	// OnViolation intercepts contract violations. nil means panic.
	OnViolation fault.Handler
	// SlabTarget overrides DefaultSlabTarget. <= 0 selects the default.
	SlabTarget int
	// RetainEmpty bounds how many fully-free slabs the pool keeps instead
	// of returning them to the page source. 0 selects the default of one;
	// negative retains none.
	RetainEmpty int
}

type slabRec struct {
	block     []byte
	base      uintptr
	freeSlots []int32
	allocated []bool
	live      int
}

// Pool is a free-list allocator for one object size. Not safe for
// concurrent use.
type Pool struct {
	src       slab.Source
	objsize   int
	alignment int
	target    int

	slabs   []*slabRec // sorted by base address, for Free lookup
	partial []*slabRec // slabs with at least one free slot
	live    int
	empties int

	retainEmpty int
	onViolation fault.Handler
}

// New creates a pool serving objects of exactly objsize bytes. The pool's
// alignment is the largest power of two dividing objsize, capped at
// MaxAlignment. opts may be nil.
func New(src slab.Source, objsize int, opts *Options) *Pool {
	p := &Pool{
		src:         src,
		objsize:     objsize,
		alignment:   mathx.LargestAlignment(objsize, MaxAlignment),
		target:      DefaultSlabTarget,
		retainEmpty: 1,
	}
	if opts != nil {
		p.onViolation = opts.OnViolation
		if opts.SlabTarget > 0 {
			p.target = opts.SlabTarget
		}
		if opts.RetainEmpty > 0 {
			p.retainEmpty = opts.RetainEmpty
		} else if opts.RetainEmpty < 0 {
			p.retainEmpty = 0
		}
	}
	if objsize <= 0 {
		fault.Violationf(p.onViolation, "mempool: object size %d must be positive", objsize)
		p.objsize = 1
	}
	return p
}

// ObjSize returns the fixed object size served by this pool.
func (p *Pool) ObjSize() int { return p.objsize }

// Alignment returns the pool's object alignment.
func (p *Pool) Alignment() int { return p.alignment }

// Live returns the number of objects currently allocated.
func (p *Pool) Live() int { return p.live }

// Slabs returns the number of backing slabs held, including retained
// empty ones.
func (p *Pool) Slabs() int { return len(p.slabs) }

// BackingBytes returns the total bytes of backing slabs held.
func (p *Pool) BackingBytes() int {
	total := 0
	for _, rec := range p.slabs {
		total += len(rec.block)
	}
	return total
}

func (p *Pool) grow() (*slabRec, error) {
	want := p.target
	if p.objsize > want {
		want = p.objsize
	}
	block, err := p.src.Get(want)
	if err != nil {
		return nil, err
	}
	slots := len(block) / p.objsize
	rec := &slabRec{
		block:     block,
		base:      uintptr(unsafe.Pointer(&block[0])),
		freeSlots: make([]int32, slots),
		allocated: make([]bool, slots),
	}
	// pop order is descending so the lowest slot goes out first
	for i := range rec.freeSlots {
		rec.freeSlots[i] = int32(slots - 1 - i)
	}
	idx := sort.Search(len(p.slabs), func(i int) bool { return p.slabs[i].base > rec.base })
	p.slabs = append(p.slabs, nil)
	copy(p.slabs[idx+1:], p.slabs[idx:])
	p.slabs[idx] = rec
	p.partial = append(p.partial, rec)
	p.empties++
	return rec, nil
}

// Alloc returns a buffer of exactly the pool's object size, or an error if
// the page source is exhausted.
func (p *Pool) Alloc() ([]byte, error) {
	if len(p.partial) == 0 {
		if _, err := p.grow(); err != nil {
			return nil, err
		}
	}
	rec := p.partial[len(p.partial)-1]
	if rec.live == 0 {
		p.empties--
	}
	slot := rec.freeSlots[len(rec.freeSlots)-1]
	rec.freeSlots = rec.freeSlots[:len(rec.freeSlots)-1]
	rec.allocated[slot] = true
	rec.live++
	p.live++
	if len(rec.freeSlots) == 0 {
		p.partial = p.partial[:len(p.partial)-1]
	}
	off := int(slot) * p.objsize
	return slice.Limit(rec.block[off : off+p.objsize]), nil
}

// lookup finds the slab owning ptr, or nil.
func (p *Pool) lookup(ptr uintptr) *slabRec {
	idx := sort.Search(len(p.slabs), func(i int) bool { return p.slabs[i].base > ptr })
	if idx == 0 {
		return nil
	}
	rec := p.slabs[idx-1]
	if ptr >= rec.base+uintptr(len(rec.block)) {
		return nil
	}
	return rec
}

// Free returns an object to the pool. The buffer must have been produced
// by this pool's Alloc; a foreign pointer, a pointer into the middle of an
// object, or a second free of the same object is a contract violation.
func (p *Pool) Free(buf []byte) {
	if len(buf) == 0 {
		fault.Violationf(p.onViolation, "mempool: free of empty buffer")
		return
	}
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	rec := p.lookup(ptr)
	if rec == nil {
		fault.Violationf(p.onViolation, "mempool: free of pointer this pool does not own")
		return
	}
	off := int(ptr - rec.base)
	if off%p.objsize != 0 {
		fault.Violationf(p.onViolation, "mempool: free of pointer inside an object, offset %d", off)
		return
	}
	slot := off / p.objsize
	if !rec.allocated[slot] {
		fault.Violationf(p.onViolation, "mempool: double free of slot %d", slot)
		return
	}
	wasFull := len(rec.freeSlots) == 0
	rec.allocated[slot] = false
	rec.freeSlots = append(rec.freeSlots, int32(slot))
	rec.live--
	p.live--
	if wasFull {
		p.partial = append(p.partial, rec)
	}
	if rec.live == 0 {
		p.empties++
		if p.empties > p.retainEmpty {
			p.release(rec)
			p.empties--
		}
	}
}

func (p *Pool) release(rec *slabRec) {
	for i, s := range p.slabs {
		if s == rec {
			p.slabs = append(p.slabs[:i], p.slabs[i+1:]...)
			break
		}
	}
	for i, s := range p.partial {
		if s == rec {
			p.partial = append(p.partial[:i], p.partial[i+1:]...)
			break
		}
	}
	p.src.Put(rec.block)
}

// Trim returns retained empty slabs to the page source.
func (p *Pool) Trim() {
	for i := 0; i < len(p.slabs); {
		rec := p.slabs[i]
		if rec.live == 0 {
			p.release(rec)
			p.empties--
			continue
		}
		i++
	}
}

// Destroy returns every slab to the page source, including slabs with live
// objects: abandoning a pool abandons its contents. The pool is reusable
// afterwards.
func (p *Pool) Destroy() {
	for _, rec := range p.slabs {
		p.src.Put(rec.block)
	}
	p.slabs = nil
	p.partial = nil
	p.live = 0
	p.empties = 0
}
