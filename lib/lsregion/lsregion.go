// Package lsregion implements a log-structured region: an append-only
// arena whose records carry a caller-supplied monotonic id, reclaimed in
// age order once the caller's GC watermark passes the id. This gives
// epoch-style reclamation: memory tied to a version or transaction becomes
// free exactly when every reader that could see it has advanced past it.
package lsregion

import (
	fastrand "github.com/detailyang/fastrand-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"smallmem/lib/fault"
	"smallmem/lib/slab"
	"smallmem/lib/utils/mathx"
	"smallmem/lib/utils/slice"
)

var lsregionStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "smallmem_lsregion_stats",
	Help: "Aggregate stats about log-structured regions",
}, []string{"metric"})

const samplerate = 1024

func shouldReport() bool {
	return fastrand.FastRand()&(samplerate-1) == 0
}

type record struct {
	block []byte
	size  int
	id    int64
}

// Options configures an LSRegion.
type Options struct {
	// OnViolation intercepts contract violations. nil means panic.
	OnViolation fault.Handler
}

// LSRegion is an append-only arena segmented by generation id. Records are
// kept oldest first; head indexes the oldest live record so GC is a prefix
// scan, not a full one. Not safe for concurrent use.
type LSRegion struct {
	src  slab.Source
	recs []record
	head int
	used int
	// maxID is the largest id seen; ids must be non-decreasing
	maxID int64

	onViolation fault.Handler
}

// New creates a log-structured region over the given page source. opts may
// be nil.
func New(src slab.Source, opts *Options) *LSRegion {
	if shouldReport() {
		lsregionStats.WithLabelValues("new").Add(samplerate)
	}
	l := &LSRegion{src: src, maxID: -1 << 63}
	if opts != nil {
		l.onViolation = opts.OnViolation
	}
	return l
}

// AllocID allocates size bytes tagged with id. Ids must be non-decreasing
// across calls; a regression is a contract violation.
func (l *LSRegion) AllocID(size, align int, id int64) ([]byte, error) {
	if !mathx.IsPowerOf2(align) {
		fault.Violationf(l.onViolation, "lsregion: alignment %d is not a power of two", align)
		return nil, nil
	}
	if size < 0 {
		fault.Violationf(l.onViolation, "lsregion: alloc of negative size %d", size)
		return nil, nil
	}
	if id < l.maxID {
		fault.Violationf(l.onViolation, "lsregion: id %d is below the last id %d", id, l.maxID)
		return nil, nil
	}
	if shouldReport() {
		lsregionStats.WithLabelValues("alloc").Add(samplerate)
	}
	l.maxID = id
	if size == 0 {
		return []byte{}, nil
	}
	block, err := l.src.Get(size)
	if err != nil {
		return nil, err
	}
	l.recs = append(l.recs, record{block: block, size: size, id: id})
	l.used += size
	return slice.Limit(block[:size]), nil
}

// GC reclaims every record with id <= minID, starting from the oldest.
// The record list is id-ordered, so this stops at the first survivor.
// Calling it again with the same watermark is a no-op.
func (l *LSRegion) GC(minID int64) {
	if shouldReport() {
		lsregionStats.WithLabelValues("gc").Add(samplerate)
	}
	for l.head < len(l.recs) {
		rec := l.recs[l.head]
		if rec.id > minID {
			break
		}
		l.used -= rec.size
		l.src.Put(rec.block)
		l.recs[l.head] = record{}
		l.head++
	}
	// compact once the dead prefix dominates
	if l.head > 0 && l.head >= len(l.recs)/2 {
		l.recs = append(l.recs[:0], l.recs[l.head:]...)
		l.head = 0
	}
}

// Used returns the total requested bytes of live records.
func (l *LSRegion) Used() int { return l.used }

// Count returns the number of live records.
func (l *LSRegion) Count() int { return len(l.recs) - l.head }

// OldestID returns the id of the oldest live record; ok is false when the
// region is empty.
func (l *LSRegion) OldestID() (id int64, ok bool) {
	if l.head == len(l.recs) {
		return 0, false
	}
	return l.recs[l.head].id, true
}

// Destroy releases every record and leaves the region re-creatable.
func (l *LSRegion) Destroy() {
	for i := l.head; i < len(l.recs); i++ {
		l.src.Put(l.recs[i].block)
	}
	l.recs = nil
	l.head = 0
	l.used = 0
	l.maxID = -1 << 63
}
