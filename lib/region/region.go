// Package region implements a stack-discipline scratch allocator. A Region
// is owned by one logical caller (a request, a fiber, a parser) which
// allocates incrementally and then abandons everything with a single
// Truncate back to an earlier watermark instead of freeing piecemeal.
//
// Two allocation modes exist. Alloc commits immediately. Reserve obtains
// capacity without committing, so a caller that does not know the final
// size upfront (incremental parsing, speculative encoding) can write into
// the reserved block and commit the exact size with a following Alloc; the
// pair touches the page source once.
package region

import (
	fastrand "github.com/detailyang/fastrand-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"smallmem/lib/fault"
	"smallmem/lib/slab"
	"smallmem/lib/utils/mathx"
	"smallmem/lib/utils/slice"
)

var regionStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "smallmem_region_stats",
	Help: "Aggregate stats about region allocators",
}, []string{"metric"})

const samplerate = 1024

func shouldReport() bool {
	return fastrand.FastRand()&(samplerate-1) == 0
}

// record is one physical block within a region. Records are kept newest
// last so Truncate walks backward from the end.
type record struct {
	block []byte
	used  int
	align int
}

// Options configures a Region.
type Options struct {
	// OnViolation intercepts contract violations. nil means panic.
	OnViolation fault.Handler
}

// Region is a stack of scratch allocations. Not safe for concurrent use.
type Region struct {
	src  slab.Source
	recs []record
	used int
	// reserved is the outstanding reservation capacity; 0 means none
	reserved int

	onViolation fault.Handler
}

// New creates a region over the given page source. opts may be nil.
func New(src slab.Source, opts *Options) *Region {
	if shouldReport() {
		regionStats.WithLabelValues("new").Add(samplerate)
	}
	r := &Region{src: src}
	if opts != nil {
		r.onViolation = opts.OnViolation
	}
	return r
}

func (r *Region) checkAlignment(align int) bool {
	if !mathx.IsPowerOf2(align) {
		fault.Violationf(r.onViolation, "region: alignment %d is not a power of two", align)
		return false
	}
	return true
}

// Alloc allocates size bytes with the given alignment. With no outstanding
// reservation it obtains a fresh block sized to the request and commits it
// whole. With an outstanding reservation it commits size bytes into the
// reserved block instead: size must not exceed the reservation and the
// alignment must match, and the returned buffer aliases the one Reserve
// returned.
func (r *Region) Alloc(size, align int) ([]byte, error) {
	if !r.checkAlignment(align) || size < 0 {
		if size < 0 {
			fault.Violationf(r.onViolation, "region: alloc of negative size %d", size)
		}
		return nil, nil
	}
	if shouldReport() {
		regionStats.WithLabelValues("alloc").Add(samplerate)
	}
	if r.reserved != 0 {
		last := &r.recs[len(r.recs)-1]
		if size > r.reserved {
			fault.Violationf(r.onViolation,
				"region: committing %d bytes into a %d byte reservation", size, r.reserved)
			return nil, nil
		}
		if align != last.align {
			fault.Violationf(r.onViolation,
				"region: commit alignment %d does not match reservation alignment %d", align, last.align)
			return nil, nil
		}
		last.used = size
		r.used += size
		r.reserved = 0
		return slice.Limit(last.block[:size]), nil
	}
	if size == 0 {
		return []byte{}, nil
	}
	block, err := r.src.Get(size)
	if err != nil {
		return nil, err
	}
	r.recs = append(r.recs, record{block: block, used: size, align: align})
	r.used += size
	return slice.Limit(block[:size]), nil
}

// Reserve obtains capacity for at least size bytes (minimum one page)
// without committing. At most one reservation may be outstanding. The
// returned buffer spans the reserved capacity; it becomes committed only
// by a following Alloc.
func (r *Region) Reserve(size, align int) ([]byte, error) {
	if !r.checkAlignment(align) {
		return nil, nil
	}
	if r.reserved != 0 {
		fault.Violationf(r.onViolation, "region: reservation already outstanding")
		return nil, nil
	}
	if shouldReport() {
		regionStats.WithLabelValues("reserve").Add(samplerate)
	}
	if size < slab.PageSize {
		size = slab.PageSize
	}
	block, err := r.src.Get(size)
	if err != nil {
		return nil, err
	}
	r.recs = append(r.recs, record{block: block, used: 0, align: align})
	r.reserved = size
	return slice.Limit(block[:size]), nil
}

// Used returns the committed byte count. Values returned here are the only
// valid Truncate watermarks.
func (r *Region) Used() int { return r.used }

// ReservedCap returns the outstanding reservation capacity, 0 if none.
func (r *Region) ReservedCap() int { return r.reserved }

// Truncate rewinds the committed byte count to the watermark, returning
// every fully cut block to the page source and dropping any outstanding
// reservation. The watermark must be a value Used returned earlier: this
// allocator does not support cutting into the middle of a block, and a
// watermark that lands inside one is a contract violation, not a
// recoverable case.
func (r *Region) Truncate(watermark int) {
	if watermark < 0 || watermark > r.used {
		fault.Violationf(r.onViolation,
			"region: truncate watermark %d outside used range %d", watermark, r.used)
		return
	}
	if shouldReport() {
		regionStats.WithLabelValues("truncate").Add(samplerate)
	}
	// walk the cut first without touching anything, so a watermark that
	// lands inside a block leaves the region fully intact
	cut := r.used - watermark
	end := len(r.recs)
	for end > 0 {
		rec := r.recs[end-1]
		// the zero-usage check lets truncate clear reservation blocks
		// that were never committed
		if cut == 0 && rec.used != 0 {
			break
		}
		if rec.used > cut {
			fault.Violationf(r.onViolation,
				"region: truncate watermark %d lands inside a block", watermark)
			return
		}
		cut -= rec.used
		end--
	}
	for i := end; i < len(r.recs); i++ {
		r.src.Put(r.recs[i].block)
		r.recs[i] = record{}
	}
	r.recs = r.recs[:end]
	r.used = watermark
	r.reserved = 0
}

// Reset returns the region to the empty state, freeing every block.
func (r *Region) Reset() { r.Truncate(0) }

// Destroy is Reset under a lifecycle name: the region releases everything
// it owns and stays safely re-creatable.
func (r *Region) Destroy() { r.Truncate(0) }

// Join returns one contiguous, freshly allocated buffer holding the most
// recent size committed bytes in their original order. The source records
// are left in place. No reservation may be outstanding.
func (r *Region) Join(size int) ([]byte, error) {
	if size < 0 || size > r.used {
		fault.Violationf(r.onViolation, "region: join of %d bytes with only %d used", size, r.used)
		return nil, nil
	}
	if r.reserved != 0 {
		fault.Violationf(r.onViolation, "region: join with a reservation outstanding")
		return nil, nil
	}
	if shouldReport() {
		regionStats.WithLabelValues("join").Add(samplerate)
	}
	src := len(r.recs) - 1
	ret, err := r.Alloc(size, 1)
	if err != nil {
		return nil, err
	}
	offset := size
	for i := src; offset > 0; i-- {
		rec := r.recs[i]
		copySize := rec.used
		if offset < copySize {
			copySize = offset
		}
		copy(ret[offset-copySize:offset], rec.block[:copySize])
		offset -= copySize
	}
	return ret, nil
}
