package slab

import (
	"fmt"

	"go.uber.org/zap"

	"smallmem/lib/fault"
	"smallmem/lib/quota"
	"smallmem/lib/utils/mathx"
	"smallmem/lib/utils/slice"
)

// DefaultMaxRetain bounds how many recycled blocks a Cache keeps per size
// class before handing memory back to the runtime.
const DefaultMaxRetain = 8

// Options configures a page source backend. The zero value is usable.
type Options struct {
	// Quota, when set, is charged for the backing bytes of every block the
	// source holds (handed out or retained) and credited when blocks are
	// released for good.
	Quota *quota.Quota
	// Logger receives diagnostics for corruption and leaks. May be nil.
	Logger *zap.Logger
	// OnViolation intercepts contract violations. nil means panic.
	OnViolation fault.Handler
	// MaxRetain bounds recycled blocks kept per size class (Cache only).
	// <= 0 selects DefaultMaxRetain.
	MaxRetain int
}

// Cache is the production page source. Returned blocks are pooled per
// power-of-two class and recycled; blocks beyond the retention bound are
// dropped for the runtime to reclaim. Recycled blocks are handed out
// zeroed.
type Cache struct {
	free        map[int][][]byte
	outstanding int
	maxRetain   int

	q           *quota.Quota
	onViolation fault.Handler
}

var _ Source = (*Cache)(nil)

// NewCache creates a production page source. opts may be nil.
func NewCache(opts *Options) *Cache {
	c := &Cache{free: make(map[int][][]byte), maxRetain: DefaultMaxRetain}
	if opts != nil {
		c.q = opts.Quota
		c.onViolation = opts.OnViolation
		if opts.MaxRetain > 0 {
			c.maxRetain = opts.MaxRetain
		}
	}
	return c
}

func (c *Cache) RealSize(size int) int { return RealSize(size) }

func (c *Cache) Get(size int) ([]byte, error) {
	real := RealSize(size)
	ord := order(real)
	if blocks := c.free[ord]; len(blocks) > 0 {
		block := blocks[len(blocks)-1]
		c.free[ord] = blocks[:len(blocks)-1]
		c.outstanding++
		return block, nil
	}
	if c.q != nil {
		if err := c.q.Lease(int64(real)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
	}
	c.outstanding++
	return make([]byte, real), nil
}

func (c *Cache) Put(block []byte) {
	n := len(block)
	if n == 0 || n%PageSize != 0 || !mathx.IsPowerOf2(n/PageSize) {
		fault.Violationf(c.onViolation, "slab: put of foreign block, size %d", n)
		return
	}
	c.outstanding--
	// scrub before recycling so stale pointers and data never leak into
	// the next owner
	slice.Fill(block, 0)
	ord := order(n)
	if len(c.free[ord]) < c.maxRetain {
		c.free[ord] = append(c.free[ord], block)
		return
	}
	if c.q != nil {
		c.q.EndLease(int64(n))
	}
}

// Retained reports the total bytes currently pooled for reuse.
func (c *Cache) Retained() int {
	total := 0
	for _, blocks := range c.free {
		for _, b := range blocks {
			total += len(b)
		}
	}
	return total
}

// Outstanding reports blocks handed out and not yet returned.
func (c *Cache) Outstanding() int { return c.outstanding }

// Destroy drops every retained block and credits the quota for them. The
// cache stays usable afterwards; outstanding blocks remain leased until
// they come back through Put.
func (c *Cache) Destroy() {
	for ord, blocks := range c.free {
		if c.q != nil {
			for _, b := range blocks {
				c.q.EndLease(int64(len(b)))
			}
		}
		delete(c.free, ord)
	}
}
