package obuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smallmem/lib/fault"
	"smallmem/lib/slab"
	"smallmem/lib/utils/slice"
)

func TestAllocStableChunks(t *testing.T) {
	src := slab.NewCache(nil)
	o := New(src, nil)
	defer o.Destroy()

	var bufs [][]byte
	for i := 0; i < 10; i++ {
		buf, err := o.Alloc(100)
		require.NoError(t, err)
		require.Len(t, buf, 100)
		slice.Fill(buf, byte('a'+i))
		bufs = append(bufs, buf)
	}
	assert.EqualValues(t, 1000, o.Used())
	// early chunks are cut at the request size, one per allocation
	assert.Equal(t, 10, o.IovCnt())

	// nothing moved while the buffer grew
	for i, buf := range bufs {
		assert.True(t, bytes.Equal(buf, bytes.Repeat([]byte{byte('a' + i)}, 100)))
	}
	iov := o.Iovecs()
	require.Len(t, iov, 10)
	for i, v := range iov {
		assert.Equal(t, &bufs[i][0], &v[0])
		assert.Len(t, v, 100)
	}
}

func TestReserveCommit(t *testing.T) {
	src := slab.NewCache(nil)
	o := New(src, nil)
	defer o.Destroy()

	win, err := o.Reserve(100)
	require.NoError(t, err)
	// reservations are padded to at least one page
	require.Len(t, win, slab.PageSize)
	assert.Zero(t, o.Used())

	buf, err := o.Alloc(60)
	require.NoError(t, err)
	require.Len(t, buf, 60)
	// the commit lands exactly on the reserved bytes
	assert.Equal(t, &win[0], &buf[0])
	assert.EqualValues(t, 60, o.Used())
}

func TestReserveViolations(t *testing.T) {
	var got []string
	src := slab.NewCache(nil)
	o := New(src, &Options{OnViolation: fault.Recorder(&got)})
	defer o.Destroy()

	_, err := o.Reserve(10)
	require.NoError(t, err)
	o.Reserve(10)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "already reserved")

	o.Alloc(slab.PageSize + 1)
	require.Len(t, got, 2)
	assert.Contains(t, got[1], "exceeds")
	assert.Zero(t, o.Used())
}

func TestSavepointRollback(t *testing.T) {
	src := slab.NewCache(nil)
	o := New(src, nil)

	first, err := o.Dup([]byte("keep me"))
	require.NoError(t, err)
	svp := o.CreateSvp()
	wantUsed := o.Used()
	wantIov := o.IovCnt()
	wantCap := o.Capacity()

	for i := 0; i < 5; i++ {
		_, err := o.Alloc(200)
		require.NoError(t, err)
	}
	_, err = o.Reserve(10)
	require.NoError(t, err)

	o.RollbackToSvp(svp)
	assert.Equal(t, wantUsed, o.Used())
	assert.Equal(t, wantIov, o.IovCnt())
	assert.Equal(t, wantCap, o.Capacity())
	assert.Equal(t, "keep me", string(first))

	// a savepoint of an empty buffer releases every chunk
	empty := New(src, nil)
	svp = empty.CreateSvp()
	_, err = empty.Alloc(100)
	require.NoError(t, err)
	empty.RollbackToSvp(svp)
	assert.Zero(t, empty.Used())
	assert.Zero(t, empty.Capacity())
	assert.Zero(t, empty.IovCnt())

	o.Destroy()
	assert.Zero(t, src.Outstanding())
}

func TestRollbackNeverAdvances(t *testing.T) {
	var got []string
	src := slab.NewCache(nil)
	o := New(src, &Options{OnViolation: fault.Recorder(&got)})
	defer o.Destroy()

	_, err := o.Alloc(100)
	require.NoError(t, err)
	svp := o.CreateSvp()
	o.RollbackToSvp(Svp{})
	require.Empty(t, got)

	o.RollbackToSvp(svp) // now ahead of the buffer
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "ahead of the buffer")
}

func TestDup(t *testing.T) {
	src := slab.NewCache(nil)
	o := New(src, nil)
	defer o.Destroy()

	data := []byte("hello, world")
	buf, err := o.Dup(data)
	require.NoError(t, err)
	assert.Equal(t, data, buf)

	// the copy is owned by the buffer
	data[0] = 'X'
	assert.Equal(t, byte('h'), buf[0])
}

func TestGeometricRange(t *testing.T) {
	src := slab.NewCache(nil)
	o := New(src, &Options{StartCapacity: 64})
	defer o.Destroy()

	// burn through the checked range: one chunk per allocation
	for i := 0; i < checkedChunks; i++ {
		_, err := o.Alloc(8)
		require.NoError(t, err)
	}
	assert.Equal(t, checkedChunks, o.IovCnt())

	// the geometric range packs allocations into shared chunks
	cap0 := o.Capacity()
	for i := 0; i < 8; i++ {
		_, err := o.Alloc(8)
		require.NoError(t, err)
	}
	assert.Equal(t, checkedChunks+1, o.IovCnt())
	assert.Equal(t, cap0+64, o.Capacity())

	// an oversize request doubles the chunk capacity until it fits
	buf, err := o.Alloc(1000)
	require.NoError(t, err)
	require.Len(t, buf, 1000)
	assert.Equal(t, checkedChunks+2, o.IovCnt())
	assert.LessOrEqual(t, o.IovCnt(), IovMax)
}

func TestResetReleasesEverything(t *testing.T) {
	src := slab.NewCache(nil)
	o := New(src, nil)

	for i := 0; i < 20; i++ {
		_, err := o.Alloc(500)
		require.NoError(t, err)
	}
	o.Reset()
	assert.Zero(t, o.Used())
	assert.Zero(t, o.Capacity())
	assert.Zero(t, src.Outstanding())

	// the buffer stays usable after a reset
	buf, err := o.Dup([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, "again", string(buf))
	o.Destroy()
}
