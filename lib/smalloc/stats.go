package smalloc

import "github.com/samber/lo"

// ClassStats describes one size class, or the large-allocation group when
// Large is set.
type ClassStats struct {
	// ObjSize is the class object size; 0 for the large group.
	ObjSize int
	// Large marks the group of allocations above the largest class.
	Large bool
	// Live is the number of live allocations in the class.
	Live int
	// Slabs is the number of backing slabs held by the class pool, or the
	// number of live large allocations.
	Slabs int
	// BackingBytes is the page-source memory backing the class.
	BackingBytes int
}

// Stats calls fn for every size class that has ever allocated, smallest
// first, then once for the large group if any large allocation is live.
func (a *Alloc) Stats(fn func(ClassStats)) {
	for i, pool := range a.pools {
		if pool == nil {
			continue
		}
		fn(ClassStats{
			ObjSize:      a.classes[i],
			Live:         pool.Live(),
			Slabs:        pool.Slabs(),
			BackingBytes: pool.BackingBytes(),
		})
	}
	if len(a.large) > 0 {
		fn(ClassStats{
			Large:        true,
			Live:         len(a.large),
			Slabs:        len(a.large),
			BackingBytes: int(a.largeBacking),
		})
	}
}

// Totals returns the live requested bytes and the total page-source bytes
// backing the allocator, including retained empty slabs.
func (a *Alloc) Totals() (used, total int64) {
	var all []ClassStats
	a.Stats(func(s ClassStats) { all = append(all, s) })
	total = lo.SumBy(all, func(s ClassStats) int64 { return int64(s.BackingBytes) })
	return a.used, total
}

// Drained reports whether the allocator holds no live objects and no
// backing memory at all, retained slabs included.
func (a *Alloc) Drained() bool {
	_, total := a.Totals()
	return a.objcount == 0 && total == 0
}
