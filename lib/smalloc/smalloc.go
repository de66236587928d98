// Package smalloc implements a size-classed general-purpose allocator. A
// table of fixed-size object pools spans a geometric range of sizes;
// requests above the largest class go straight to the page source as
// individually tracked large allocations. Every allocation leases its byte
// count from the shared quota (through a local lease cache) before any
// memory moves, so a failed lease costs nothing.
//
// Free requires the exact size passed to Smalloc: no self-describing size
// header is stored, which keeps small objects small. A size lie that maps
// to a different class (or crosses the large-path boundary) is caught and
// fatal; a lie that rounds to the same class is undetectable by design.
package smalloc

import (
	"math"
	"sort"
	"unsafe"

	fastrand "github.com/detailyang/fastrand-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"smallmem/lib/fault"
	"smallmem/lib/mempool"
	"smallmem/lib/quota"
	"smallmem/lib/slab"
	"smallmem/lib/utils/mathx"
	"smallmem/lib/utils/slice"
)

var smallocStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "smallmem_smalloc_stats",
	Help: "Aggregate stats about size-classed allocators",
}, []string{"metric"})

const samplerate = 1024

func shouldReport() bool {
	return fastrand.FastRand()&(samplerate-1) == 0
}

// MaxClasses bounds the size-class table.
const MaxClasses = 1024

const (
	defaultObjsizeMin  = 8
	defaultObjsizeMax  = 4096
	defaultGranularity = 8
	defaultAllocFactor = 1.3

	minAllocFactor = 1.01
	maxAllocFactor = 2.0
)

// Options configures an Alloc.
type Options struct {
	// Quota, when set, is leased for every allocation's byte count via a
	// local lease cache; Destroy drains the cache.
	Quota *quota.Quota
	// LeaseChunk is the lease cache granularity. <= 0 selects the default.
	LeaseChunk int64
	// ObjsizeMin is the smallest size class. <= 0 selects 8.
	ObjsizeMin int
	// ObjsizeMax is the largest size class; anything bigger takes the
	// large path. <= 0 selects 4096.
	ObjsizeMax int
	// Granularity rounds every class size. <= 0 selects 8.
	Granularity int
	// AllocFactor is the geometric growth factor between classes, clamped
	// into (1, 2]. <= 0 selects 1.3. See ActualFactor for the clamped and
	// realized value.
	AllocFactor float64
	// SlabTarget is passed through to the per-class pools.
	SlabTarget int
	// Logger receives diagnostics. May be nil.
	Logger *zap.Logger
	// OnViolation intercepts contract violations. nil means panic.
	OnViolation fault.Handler
}

type largeObj struct {
	block []byte
	size  int
}

// Alloc is a size-classed allocator. Not safe for concurrent use; the
// shared Quota behind the lease cache is.
type Alloc struct {
	src     slab.Source
	lease   *quota.Cache
	classes []int
	pools   []*mempool.Pool
	factor  float64

	objsizeMax   int
	slabTarget   int
	large        map[uintptr]largeObj
	largeBacking int64

	used     int64
	objcount int

	logger      *zap.Logger
	onViolation fault.Handler
}

// New creates a size-classed allocator over the given page source. opts
// may be nil.
func New(src slab.Source, opts *Options) *Alloc {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.ObjsizeMin <= 0 {
		o.ObjsizeMin = defaultObjsizeMin
	}
	if o.ObjsizeMax <= 0 {
		o.ObjsizeMax = defaultObjsizeMax
	}
	if o.Granularity <= 0 {
		o.Granularity = defaultGranularity
	}
	if o.AllocFactor <= 0 {
		o.AllocFactor = defaultAllocFactor
	}
	factor := math.Min(math.Max(o.AllocFactor, minAllocFactor), maxAllocFactor)

	a := &Alloc{
		src:         src,
		objsizeMax:  mathx.AlignUp(o.ObjsizeMax, o.Granularity),
		slabTarget:  o.SlabTarget,
		large:       make(map[uintptr]largeObj),
		logger:      o.Logger,
		onViolation: o.OnViolation,
	}
	if o.Quota != nil {
		a.lease = quota.NewCache(o.Quota, o.LeaseChunk, &quota.Options{OnViolation: o.OnViolation})
	}
	a.classes = buildClasses(o.ObjsizeMin, a.objsizeMax, o.Granularity, factor)
	if len(a.classes) > MaxClasses {
		fault.Violationf(a.onViolation, "smalloc: %d size classes exceed the maximum %d",
			len(a.classes), MaxClasses)
		a.classes = a.classes[:MaxClasses]
		a.objsizeMax = a.classes[len(a.classes)-1]
	}
	a.pools = make([]*mempool.Pool, len(a.classes))
	n := len(a.classes)
	if n > 1 {
		a.factor = math.Pow(float64(a.classes[n-1])/float64(a.classes[0]), 1/float64(n-1))
	} else {
		a.factor = factor
	}
	return a
}

// buildClasses produces the strictly increasing class table: geometric
// growth by factor, rounded up to granularity, deduplicated, always ending
// exactly at objsizeMax.
func buildClasses(min, max, granularity int, factor float64) []int {
	size := mathx.AlignUp(min, granularity)
	if size > max {
		size = max
	}
	classes := []int{size}
	for classes[len(classes)-1] < max {
		prev := classes[len(classes)-1]
		next := mathx.AlignUp(int(math.Ceil(float64(prev)*factor)), granularity)
		if next <= prev {
			next = prev + granularity
		}
		if next > max {
			next = max
		}
		classes = append(classes, next)
	}
	return classes
}

// ActualFactor reports the realized growth factor of the class table,
// which may differ from the requested one due to rounding and clamping.
func (a *Alloc) ActualFactor() float64 { return a.factor }

// Classes returns the size-class table, smallest first.
func (a *Alloc) Classes() []int { return slice.Limit(a.classes) }

// ObjsizeMax returns the largest pooled size; bigger requests take the
// large path.
func (a *Alloc) ObjsizeMax() int { return a.objsizeMax }

// Info describes how a request of a given size would be served.
type Info struct {
	// Large reports whether the size routes past the class table.
	Large bool
	// RealSize is the byte count actually consumed: the rounded class
	// size for pooled requests, the exact size for large ones.
	RealSize int
}

// AllocInfo reports routing for a request of the given size without
// allocating anything.
func (a *Alloc) AllocInfo(size int) Info {
	if size > a.objsizeMax {
		return Info{Large: true, RealSize: size}
	}
	return Info{RealSize: a.classes[a.classIndex(size)]}
}

// classIndex returns the index of the smallest class >= size.
func (a *Alloc) classIndex(size int) int {
	return sort.SearchInts(a.classes, size)
}

// Smalloc allocates size bytes. On quota or page-source exhaustion it
// returns an error and performs no allocation.
func (a *Alloc) Smalloc(size int) ([]byte, error) {
	if size < 0 {
		fault.Violationf(a.onViolation, "smalloc: alloc of negative size %d", size)
		return nil, nil
	}
	if size == 0 {
		return []byte{}, nil
	}
	if shouldReport() {
		smallocStats.WithLabelValues("alloc").Add(samplerate)
	}
	if a.lease != nil {
		if err := a.lease.Lease(int64(size)); err != nil {
			return nil, err
		}
	}
	var buf []byte
	var err error
	if size > a.objsizeMax {
		buf, err = a.allocLarge(size)
	} else {
		buf, err = a.allocSmall(size)
	}
	if err != nil {
		if a.lease != nil {
			a.lease.EndLease(int64(size))
		}
		return nil, err
	}
	a.used += int64(size)
	a.objcount++
	return buf, nil
}

func (a *Alloc) allocSmall(size int) ([]byte, error) {
	i := a.classIndex(size)
	if a.pools[i] == nil {
		a.pools[i] = mempool.New(a.src, a.classes[i], &mempool.Options{
			OnViolation: a.onViolation,
			SlabTarget:  a.slabTarget,
		})
	}
	buf, err := a.pools[i].Alloc()
	if err != nil {
		return nil, err
	}
	return slice.Limit(buf[:size]), nil
}

func (a *Alloc) allocLarge(size int) ([]byte, error) {
	if shouldReport() {
		smallocStats.WithLabelValues("alloc_large").Add(samplerate)
	}
	block, err := a.src.Get(size)
	if err != nil {
		return nil, err
	}
	a.large[uintptr(unsafe.Pointer(&block[0]))] = largeObj{block: block, size: size}
	a.largeBacking += int64(len(block))
	return slice.Limit(block[:size]), nil
}

// Smfree releases an allocation. size must be exactly the size passed to
// the Smalloc that produced buf; a mismatch that crosses a class boundary
// or the large-path boundary is a contract violation.
func (a *Alloc) Smfree(buf []byte, size int) {
	if size == 0 {
		// mirrors the empty allocation Smalloc(0) hands out
		return
	}
	if len(buf) == 0 {
		fault.Violationf(a.onViolation, "smalloc: free of empty buffer")
		return
	}
	if shouldReport() {
		smallocStats.WithLabelValues("free").Add(samplerate)
	}
	if size > a.objsizeMax {
		base := uintptr(unsafe.Pointer(&buf[0]))
		obj, ok := a.large[base]
		if !ok {
			fault.Violationf(a.onViolation,
				"smalloc: free of %d bytes that is not a live large allocation", size)
			return
		}
		if obj.size != size {
			fault.Violationf(a.onViolation,
				"smalloc: large free size %d does not match allocated size %d", size, obj.size)
			return
		}
		delete(a.large, base)
		a.largeBacking -= int64(len(obj.block))
		a.src.Put(obj.block)
	} else {
		pool := a.pools[a.classIndex(size)]
		if pool == nil {
			fault.Violationf(a.onViolation,
				"smalloc: free of size %d from a class that never allocated", size)
			return
		}
		pool.Free(buf)
	}
	a.used -= int64(size)
	a.objcount--
	if a.lease != nil {
		a.lease.EndLease(int64(size))
	}
}

// Used returns the total requested bytes of live allocations.
func (a *Alloc) Used() int64 { return a.used }

// Count returns the number of live allocations.
func (a *Alloc) Count() int { return a.objcount }

// Trim returns retained empty slabs in every class pool to the page
// source.
func (a *Alloc) Trim() {
	for _, pool := range a.pools {
		if pool != nil {
			pool.Trim()
		}
	}
}

// Destroy releases every live allocation, all backing slabs and the quota
// lease, and leaves the allocator re-creatable.
func (a *Alloc) Destroy() {
	if a.objcount != 0 && a.logger != nil {
		a.logger.Warn("destroying allocator with live objects",
			zap.Int("live", a.objcount), zap.Int64("used_bytes", a.used))
	}
	for i, pool := range a.pools {
		if pool != nil {
			pool.Destroy()
			a.pools[i] = nil
		}
	}
	for base, obj := range a.large {
		a.src.Put(obj.block)
		delete(a.large, base)
	}
	a.largeBacking = 0
	if a.lease != nil {
		a.lease.EndLease(a.used)
		a.lease.Drain()
	}
	a.used = 0
	a.objcount = 0
}
