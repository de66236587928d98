package lsregion_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smallmem/lib/fault"
	"smallmem/lib/lsregion"
	"smallmem/lib/slab"
)

func TestGenerationalGC(t *testing.T) {
	src := slab.NewCache(nil)
	l := lsregion.New(src, nil)

	ids := []int64{1, 2, 2, 3}
	sizes := []int{10, 20, 30, 40}
	for i := range ids {
		buf, err := l.AllocID(sizes[i], 1, ids[i])
		require.NoError(t, err)
		assert.Equal(t, sizes[i], len(buf))
	}
	assert.Equal(t, 100, l.Used())
	assert.Equal(t, 4, l.Count())

	l.GC(2)
	assert.Equal(t, 40, l.Used())
	assert.Equal(t, 1, l.Count())
	oldest, ok := l.OldestID()
	require.True(t, ok)
	assert.Equal(t, int64(3), oldest)

	// idempotent
	l.GC(2)
	assert.Equal(t, 40, l.Used())

	l.GC(3)
	assert.Equal(t, 0, l.Used())
	assert.Equal(t, 0, l.Count())
	_, ok = l.OldestID()
	assert.False(t, ok)

	// gc on an empty region is a no-op
	l.GC(100)
	assert.Equal(t, 0, l.Used())
}

func TestIDRegression(t *testing.T) {
	var got []string
	src := slab.NewCache(nil)
	l := lsregion.New(src, &lsregion.Options{OnViolation: fault.Recorder(&got)})
	_, err := l.AllocID(10, 1, 5)
	require.NoError(t, err)
	// equal ids are fine
	_, err = l.AllocID(10, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	// a lower id is not
	_, err = l.AllocID(10, 1, 4)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "below the last id")
}

func TestNegativeIDs(t *testing.T) {
	src := slab.NewCache(nil)
	l := lsregion.New(src, nil)
	_, err := l.AllocID(8, 1, -100)
	require.NoError(t, err)
	_, err = l.AllocID(8, 1, -50)
	require.NoError(t, err)
	l.GC(-100)
	assert.Equal(t, 8, l.Used())
	l.Destroy()
	assert.Equal(t, 0, l.Used())
	assert.Equal(t, 0, src.Outstanding())
}

func TestDestroyReleasesBlocks(t *testing.T) {
	src := slab.NewCache(nil)
	l := lsregion.New(src, nil)
	for i := 0; i < 10; i++ {
		_, err := l.AllocID(100, 1, int64(i))
		require.NoError(t, err)
	}
	l.GC(4)
	assert.Equal(t, 5, l.Count())
	l.Destroy()
	assert.Equal(t, 0, src.Outstanding())
	assert.Equal(t, 0, l.Count())

	// re-creatable: the same instance accepts new allocations
	_, err := l.AllocID(10, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, l.Used())
}
