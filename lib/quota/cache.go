package quota

import "smallmem/lib/fault"

// DefaultCacheChunk is the granularity at which a Cache leases from its
// Quota when its local balance runs dry.
const DefaultCacheChunk = 64 * 1024

// Cache is a local lease cache: it leases from the shared Quota in larger
// chunks and sub-doles the bytes to many small allocations, so hot paths
// touch the shared counter rarely. A Cache is owned by a single logical
// caller and is not safe for concurrent use, matching the allocators that
// consume it.
type Cache struct {
	q     *Quota
	chunk int64
	held  int64 // leased from q but not yet doled out

	onViolation fault.Handler
}

// NewCache creates a lease cache over q. chunk <= 0 selects
// DefaultCacheChunk.
func NewCache(q *Quota, chunk int64, opts *Options) *Cache {
	if chunk <= 0 {
		chunk = DefaultCacheChunk
	}
	c := &Cache{q: q, chunk: chunk}
	if opts != nil {
		c.onViolation = opts.OnViolation
	}
	return c
}

// Lease reserves n bytes, drawing on the local balance first and topping it
// up from the shared Quota in chunk multiples when needed. Falls back to an
// exact-size lease when a full chunk does not fit in the budget.
func (c *Cache) Lease(n int64) error {
	if n < 0 {
		fault.Violationf(c.onViolation, "quota cache: lease of negative size %d", n)
		return ErrQuotaExceeded
	}
	if n <= c.held {
		c.held -= n
		return nil
	}
	need := n - c.held
	grab := ((need + c.chunk - 1) / c.chunk) * c.chunk
	if err := c.q.Lease(grab); err != nil {
		// the budget may still cover the exact amount
		if err = c.q.Lease(need); err != nil {
			return err
		}
		grab = need
	}
	c.held += grab - n
	return nil
}

// EndLease returns n bytes to the local balance. The bytes go back to the
// shared Quota only on Drain, so a busy owner keeps its working set leased.
func (c *Cache) EndLease(n int64) {
	if n < 0 {
		fault.Violationf(c.onViolation, "quota cache: end lease of negative size %d", n)
		return
	}
	c.held += n
}

// Held returns the local balance not yet doled out.
func (c *Cache) Held() int64 { return c.held }

// Drain returns the entire local balance to the shared Quota and reports
// how many bytes were returned. The cache remains usable.
func (c *Cache) Drain() int64 {
	n := c.held
	c.held = 0
	c.q.EndLease(n)
	return n
}
