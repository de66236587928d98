package mathx

// IsPowerOf2 reports whether n is a positive power of two.
func IsPowerOf2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NextPowerOf2 returns the smallest power of two >= n.
func NextPowerOf2(n uint64) uint64 {
	if n > 0 && (n&(n-1) == 0) {
		return n
	}
	p := uint64(1)
	for p < n {
		p = p << 1
	}
	return p
}

// AlignUp rounds n up to the nearest multiple of align. align must be a
// positive power of two.
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// LargestAlignment returns the largest power of two that divides n, capped
// at max. Used to derive natural alignment for fixed object sizes.
func LargestAlignment(n, max int) int {
	if n <= 0 {
		return 1
	}
	a := n & -n
	if a > max {
		return max
	}
	return a
}
