package slab

import (
	"fmt"
	"unsafe"

	fastrand "github.com/detailyang/fastrand-go"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"smallmem/lib/fault"
	"smallmem/lib/quota"
)

// canarySize is the width of the guard frames around every checked block.
const canarySize = 64

// Checked is the debug page source: every Get is one fresh allocation
// framed by random canary bytes whose checksum is verified on Put. It makes
// heap corruption (out-of-bounds writes just past a block, double puts,
// puts of foreign memory) loudly visible at the earliest return point, at
// the cost of a real allocation per block.
type Checked struct {
	frames map[uintptr]*checkedFrame

	q           *quota.Quota
	logger      *zap.Logger
	onViolation fault.Handler
}

type checkedFrame struct {
	full []byte
	sum  uint64
}

var _ Source = (*Checked)(nil)

// NewChecked creates a debug page source. opts may be nil.
func NewChecked(opts *Options) *Checked {
	c := &Checked{frames: make(map[uintptr]*checkedFrame)}
	if opts != nil {
		c.q = opts.Quota
		c.logger = opts.Logger
		c.onViolation = opts.OnViolation
	}
	return c
}

func (c *Checked) RealSize(size int) int { return RealSize(size) }

func (c *Checked) Get(size int) ([]byte, error) {
	real := RealSize(size)
	if c.q != nil {
		if err := c.q.Lease(int64(real)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
	}
	full := make([]byte, canarySize+real+canarySize)
	head := full[:canarySize]
	tail := full[canarySize+real:]
	for i := range head {
		head[i] = byte(fastrand.FastRand())
	}
	for i := range tail {
		tail[i] = byte(fastrand.FastRand())
	}
	// capacity is deliberately left open into the tail canary: a client
	// growing past its block corrupts the canary instead of silently
	// working, and Put reports it
	block := full[canarySize : canarySize+real]
	c.frames[uintptr(unsafe.Pointer(&block[0]))] = &checkedFrame{
		full: full,
		sum:  xxh3.Hash(head) ^ xxh3.Hash(tail),
	}
	return block, nil
}

func (c *Checked) Put(block []byte) {
	if len(block) == 0 {
		fault.Violationf(c.onViolation, "slab: put of empty block")
		return
	}
	base := uintptr(unsafe.Pointer(&block[0]))
	frame, ok := c.frames[base]
	if !ok {
		fault.Violationf(c.onViolation, "slab: put of block this source did not produce (or double put)")
		return
	}
	real := len(frame.full) - 2*canarySize
	head := frame.full[:canarySize]
	tail := frame.full[canarySize+real:]
	if xxh3.Hash(head)^xxh3.Hash(tail) != frame.sum {
		if c.logger != nil {
			c.logger.Error("slab canary corrupted",
				zap.Int("block_size", real),
				zap.Uint64("expected_sum", frame.sum))
		}
		fault.Violationf(c.onViolation, "slab: canary corrupted around block of %d bytes", real)
		return
	}
	delete(c.frames, base)
	if c.q != nil {
		c.q.EndLease(int64(real))
	}
}

// Outstanding reports blocks handed out and not yet returned.
func (c *Checked) Outstanding() int { return len(c.frames) }

// Destroy releases every outstanding block, logging each as a leak.
func (c *Checked) Destroy() {
	for base, frame := range c.frames {
		real := len(frame.full) - 2*canarySize
		if c.logger != nil {
			c.logger.Warn("leaked slab block", zap.Int("block_size", real))
		}
		if c.q != nil {
			c.q.EndLease(int64(real))
		}
		delete(c.frames, base)
	}
}
