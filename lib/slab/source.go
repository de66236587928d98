// Package slab provides the page source that backs every allocator in this
// module: a provider of page-granular blocks of memory. Two interchangeable
// backends implement the same contract. Cache pools recycled blocks per
// power-of-two size class and is the production choice. Checked makes one
// fresh allocation per block and frames it with canaries, trading speed for
// corruption detection; substituting it is a build-time choice of the host,
// not a runtime branch in the allocators.
package slab

import (
	"errors"

	"smallmem/lib/utils/mathx"
)

// PageSize is the granularity of the page source. Blocks are always a
// power-of-two multiple of it.
const PageSize = 4096

// ErrNoMemory is returned by Get when the backing budget is exhausted.
var ErrNoMemory = errors.New("page source out of memory")

// Source hands out page-granular memory blocks and takes them back. The
// contents of a returned block are unspecified unless the backend documents
// otherwise. Implementations are not safe for concurrent use; each owner
// keeps its own.
type Source interface {
	// Get returns a block of exactly RealSize(size) bytes, or ErrNoMemory.
	Get(size int) ([]byte, error)
	// Put returns a block previously obtained from Get. Returning a block
	// this source did not produce is a contract violation.
	Put(block []byte)
	// RealSize reports the number of bytes actually consumed by a Get of
	// the given size.
	RealSize(size int) int
}

// RealSize rounds size up to the block granularity shared by both backends:
// the next power-of-two multiple of PageSize, minimum one page.
func RealSize(size int) int {
	if size < 1 {
		size = 1
	}
	return int(mathx.NextPowerOf2(uint64(mathx.AlignUp(size, PageSize))))
}

// order maps a block size produced by RealSize to its size-class index.
func order(real int) int {
	ord := 0
	for n := real / PageSize; n > 1; n >>= 1 {
		ord++
	}
	return ord
}
