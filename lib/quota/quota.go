// Package quota implements a shared byte-budget arbiter. Every allocator in
// this module leases bytes from a Quota before consuming memory and ends the
// lease when the memory is released. A Quota is the only structure here that
// is safe to share across goroutines; Lease/EndLease are lock-free.
package quota

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/atomic"

	"smallmem/lib/fault"
)

// ErrQuotaExceeded is returned by Lease when granting the lease would push
// usage above the limit. The failed Lease leaves usage unchanged and never
// blocks waiting for memory to be freed elsewhere.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrLimitBelowUsed is returned by SetLimit when the new limit is below the
// currently leased amount.
var ErrLimitBelowUsed = errors.New("new quota limit is below current usage")

// MaxLimit is the largest configurable budget. Packing both counters into
// one word caps each at 32 bits.
const MaxLimit = math.MaxUint32

// Quota is a byte budget shared by many allocator instances. The limit and
// the used count live in the two halves of a single atomic word, so every
// update is one CAS and no interleaving can ever observe used > limit.
type Quota struct {
	// limit in the high 32 bits, used in the low 32
	value atomic.Uint64

	onViolation fault.Handler
}

// Options configures a Quota. The zero value is usable.
type Options struct {
	// OnViolation intercepts contract violations. nil means log-free panic.
	OnViolation fault.Handler
}

func pack(limit, used int64) uint64 {
	return uint64(limit)<<32 | uint64(used)
}

func unpack(v uint64) (limit, used int64) {
	return int64(v >> 32), int64(v & math.MaxUint32)
}

func clampLimit(limit int64) int64 {
	if limit < 0 {
		return 0
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// New creates a quota with the given limit in bytes, clamped to
// [0, MaxLimit].
func New(limit int64, opts *Options) *Quota {
	q := &Quota{}
	q.value.Store(pack(clampLimit(limit), 0))
	if opts != nil {
		q.onViolation = opts.OnViolation
	}
	return q
}

// Limit returns the configured budget in bytes.
func (q *Quota) Limit() int64 {
	limit, _ := unpack(q.value.Load())
	return limit
}

// Used returns the number of bytes currently leased.
func (q *Quota) Used() int64 {
	_, used := unpack(q.value.Load())
	return used
}

// Lease reserves n bytes of the budget. It either fully succeeds or returns
// ErrQuotaExceeded with no visible mutation.
func (q *Quota) Lease(n int64) error {
	if n < 0 {
		fault.Violationf(q.onViolation, "quota: lease of negative size %d", n)
		return ErrQuotaExceeded
	}
	if n == 0 {
		return nil
	}
	if n > MaxLimit {
		return fmt.Errorf("%w: lease %d exceeds the maximum budget %d",
			ErrQuotaExceeded, n, int64(MaxLimit))
	}
	for {
		v := q.value.Load()
		limit, used := unpack(v)
		if used+n > limit {
			return fmt.Errorf("%w: used %d + lease %d > limit %d",
				ErrQuotaExceeded, used, n, limit)
		}
		if q.value.CAS(v, pack(limit, used+n)) {
			return nil
		}
	}
}

// EndLease returns n previously leased bytes to the budget. Returning more
// than was leased is a contract violation.
func (q *Quota) EndLease(n int64) {
	if n < 0 {
		fault.Violationf(q.onViolation, "quota: end lease of negative size %d", n)
		return
	}
	if n == 0 {
		return
	}
	for {
		v := q.value.Load()
		limit, used := unpack(v)
		if n > used {
			fault.Violationf(q.onViolation,
				"quota: lease underflow, ending %d with only %d leased", n, used)
			return
		}
		if q.value.CAS(v, pack(limit, used-n)) {
			return
		}
	}
}

// SetLimit resizes the budget, clamped to [0, MaxLimit]. Shrinking below
// the currently leased amount fails and leaves the limit unchanged.
func (q *Quota) SetLimit(limit int64) error {
	limit = clampLimit(limit)
	for {
		v := q.value.Load()
		_, used := unpack(v)
		if limit < used {
			return fmt.Errorf("%w: limit %d, used %d", ErrLimitBelowUsed, limit, used)
		}
		if q.value.CAS(v, pack(limit, used)) {
			return nil
		}
	}
}
