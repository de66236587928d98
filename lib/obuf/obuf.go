// Package obuf implements a scatter/gather output buffer. Memory is
// produced in chunks that never move once written, so callers can hold on
// to returned slices while the buffer keeps growing, and the committed
// chunks can be handed to vectored I/O as-is.
//
// The chunk table is bounded. Early chunks are cut at the exact request
// size, one chunk per allocation, which keeps every allocation's bounds
// tight; the last chunks grow geometrically with factor 2 so a buffer that
// outlives the checked range still reaches its full capacity in a fixed
// number of chunks.
//
// A savepoint captures the buffer position; rolling back releases
// everything written after it. Rollback never moves forward.
package obuf

import (
	fastrand "github.com/detailyang/fastrand-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"smallmem/lib/fault"
	"smallmem/lib/slab"
)

var obufStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "smallmem_obuf_stats",
	Help: "Aggregate stats about output buffers",
}, []string{"metric"})

const samplerate = 1024

func shouldReport() bool {
	return fastrand.FastRand()&(samplerate-1) == 0
}

const (
	// IovMax bounds the chunk table, matching the iovec limit of vectored
	// syscalls.
	IovMax = 1024
	// geometricChunks is the number of exponentially growing chunks at
	// the end of the table.
	geometricChunks = 32
	// checkedChunks is the number of exact-size chunks at the beginning.
	checkedChunks = IovMax + 1 - geometricChunks
)

// DefaultStartCapacity is the capacity of the first geometric chunk when
// none is configured.
const DefaultStartCapacity = 16 * 1024

// Options configures an Obuf.
type Options struct {
	// StartCapacity is the capacity of the first geometric chunk. <= 0
	// selects DefaultStartCapacity.
	StartCapacity int
	// OnViolation intercepts contract violations. nil means panic.
	OnViolation fault.Handler
}

type chunk struct {
	block []byte // raw page-source block
	data  []byte // logical capacity window into block
	fill  int    // committed bytes
}

// Svp is a savepoint: a position in the buffer that can be rolled back to.
type Svp struct {
	pos  int // chunk count at save time
	fill int // committed bytes in the last chunk
	used int64
}

// Obuf is an output buffer. Not safe for concurrent use.
type Obuf struct {
	src           slab.Source
	startCapacity int
	chunks        []chunk
	used          int64
	reserved      int

	onViolation fault.Handler
}

// New creates an output buffer over the given page source. opts may be
// nil.
func New(src slab.Source, opts *Options) *Obuf {
	o := &Obuf{src: src, startCapacity: DefaultStartCapacity}
	if opts != nil {
		if opts.StartCapacity > 0 {
			o.startCapacity = opts.StartCapacity
		}
		o.onViolation = opts.OnViolation
	}
	return o
}

// prepare returns a writable window of the given size at the end of the
// buffer, opening a new chunk when the current one cannot serve it.
func (o *Obuf) prepare(size int) ([]byte, error) {
	if n := len(o.chunks); n >= checkedChunks {
		// geometric range: reuse room in the current geometric chunk
		if n > checkedChunks {
			c := &o.chunks[n-1]
			if len(c.data)-c.fill >= size {
				return c.data[c.fill : c.fill+size : c.fill+size], nil
			}
		}
		g := n - checkedChunks
		capacity := o.startCapacity << g
		for capacity < size {
			capacity <<= 1
		}
		return o.grow(capacity)
	}
	// checked range: one exact-size chunk per request
	return o.grow(size)
}

func (o *Obuf) grow(capacity int) ([]byte, error) {
	if len(o.chunks) >= IovMax {
		fault.Violationf(o.onViolation, "obuf: chunk table exhausted (%d chunks)", IovMax)
		return nil, slab.ErrNoMemory
	}
	block, err := o.src.Get(capacity)
	if err != nil {
		return nil, err
	}
	o.chunks = append(o.chunks, chunk{block: block, data: block[:capacity:capacity]})
	return o.chunks[len(o.chunks)-1].data[:capacity:capacity], nil
}

// Reserve sets aside at least size contiguous bytes at the end of the
// buffer without committing them and returns the writable window. At most
// one reservation may be outstanding; the next Alloc commits into it and
// returns the same bytes. The reservation is padded to at least one page.
func (o *Obuf) Reserve(size int) ([]byte, error) {
	if size < 0 {
		fault.Violationf(o.onViolation, "obuf: reserve of negative size %d", size)
		return nil, nil
	}
	if o.reserved != 0 {
		fault.Violationf(o.onViolation,
			"obuf: reserve of %d bytes with %d bytes already reserved", size, o.reserved)
		return nil, nil
	}
	if size < slab.PageSize {
		size = slab.PageSize
	}
	if shouldReport() {
		obufStats.WithLabelValues("reserve").Add(samplerate)
	}
	win, err := o.prepare(size)
	if err != nil {
		return nil, err
	}
	o.reserved = size
	return win, nil
}

// Alloc commits size bytes at the end of the buffer and returns them. With
// a reservation outstanding, size must not exceed it and the returned
// slice starts at the reserved bytes; whatever the reservation set aside
// beyond size is discarded.
func (o *Obuf) Alloc(size int) ([]byte, error) {
	if size < 0 {
		fault.Violationf(o.onViolation, "obuf: alloc of negative size %d", size)
		return nil, nil
	}
	if o.reserved != 0 {
		if size > o.reserved {
			fault.Violationf(o.onViolation,
				"obuf: alloc of %d bytes exceeds the %d byte reservation", size, o.reserved)
			return nil, nil
		}
		o.reserved = 0
		return o.commit(size), nil
	}
	if size == 0 {
		return []byte{}, nil
	}
	if shouldReport() {
		obufStats.WithLabelValues("alloc").Add(samplerate)
	}
	if _, err := o.prepare(size); err != nil {
		return nil, err
	}
	return o.commit(size), nil
}

// commit marks size bytes of the last chunk as used. The chunk is
// guaranteed to have the room by prepare or by an outstanding reservation.
func (o *Obuf) commit(size int) []byte {
	c := &o.chunks[len(o.chunks)-1]
	buf := c.data[c.fill : c.fill+size : c.fill+size]
	c.fill += size
	o.used += int64(size)
	return buf
}

// Dup appends a copy of data to the buffer and returns the copy.
func (o *Obuf) Dup(data []byte) ([]byte, error) {
	buf, err := o.Alloc(len(data))
	if err != nil {
		return nil, err
	}
	copy(buf, data)
	return buf, nil
}

// CreateSvp captures the current buffer position.
func (o *Obuf) CreateSvp() Svp {
	svp := Svp{pos: len(o.chunks), used: o.used}
	if svp.pos > 0 {
		svp.fill = o.chunks[svp.pos-1].fill
	}
	return svp
}

// RollbackToSvp releases everything written after the savepoint: chunks
// opened since are returned to the page source, the savepoint chunk is
// truncated, and any outstanding reservation is dropped. A savepoint taken
// on an empty buffer releases all chunks.
func (o *Obuf) RollbackToSvp(svp Svp) {
	if svp.pos > len(o.chunks) || svp.used > o.used {
		fault.Violationf(o.onViolation,
			"obuf: rollback to a savepoint ahead of the buffer (%d chunks, %d used)",
			svp.pos, svp.used)
		return
	}
	for i := svp.pos; i < len(o.chunks); i++ {
		o.src.Put(o.chunks[i].block)
		o.chunks[i] = chunk{}
	}
	o.chunks = o.chunks[:svp.pos]
	if svp.pos > 0 {
		o.chunks[svp.pos-1].fill = svp.fill
	}
	o.used = svp.used
	o.reserved = 0
}

// Reset releases all memory back to the page source. The buffer stays
// usable.
func (o *Obuf) Reset() {
	o.RollbackToSvp(Svp{})
}

// Destroy releases all memory back to the page source.
func (o *Obuf) Destroy() {
	o.Reset()
}

// Used returns the committed byte count.
func (o *Obuf) Used() int64 { return o.used }

// Capacity returns the total byte capacity of all chunks.
func (o *Obuf) Capacity() int {
	total := 0
	for i := range o.chunks {
		total += len(o.chunks[i].data)
	}
	return total
}

// IovCnt returns the number of vectors Iovecs would produce.
func (o *Obuf) IovCnt() int {
	n := 0
	for i := range o.chunks {
		if o.chunks[i].fill > 0 {
			n++
		}
	}
	return n
}

// Iovecs returns zero-copy views of the committed chunks, in write order,
// ready for vectored I/O. Chunks with nothing committed are skipped.
func (o *Obuf) Iovecs() [][]byte {
	iov := make([][]byte, 0, len(o.chunks))
	for i := range o.chunks {
		if c := &o.chunks[i]; c.fill > 0 {
			iov = append(iov, c.data[:c.fill:c.fill])
		}
	}
	return iov
}
