package mathx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextPowerOf2(t *testing.T) {
	cases := []struct {
		n uint64
		p uint64
	}{
		{0, 1}, {3, 4}, {7, 8}, {121, 128}, {(1 << 33) - 4, 1 << 33},
	}
	for _, case_ := range cases {
		assert.Equal(t, case_.p, NextPowerOf2(case_.n))
	}
	for i := 0; i < 63; i++ {
		assert.Equal(t, uint64(1<<i), NextPowerOf2(1<<i))
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct {
		n, align, want int
	}{
		{0, 8, 0}, {1, 8, 8}, {8, 8, 8}, {9, 8, 16},
		{4095, 4096, 4096}, {4096, 4096, 4096}, {4097, 4096, 8192},
	}
	for _, case_ := range cases {
		assert.Equal(t, case_.want, AlignUp(case_.n, case_.align))
	}
}

func TestIsPowerOf2(t *testing.T) {
	assert.False(t, IsPowerOf2(0))
	assert.False(t, IsPowerOf2(-4))
	assert.False(t, IsPowerOf2(12))
	for i := 0; i < 31; i++ {
		assert.True(t, IsPowerOf2(1<<i))
	}
}

func TestLargestAlignment(t *testing.T) {
	cases := []struct {
		n, max, want int
	}{
		{1, 16, 1}, {2, 16, 2}, {12, 16, 4}, {24, 16, 8},
		{64, 16, 16}, {0, 16, 1}, {48, 8, 8},
	}
	for _, case_ := range cases {
		assert.Equal(t, case_.want, LargestAlignment(case_.n, case_.max))
	}
}
