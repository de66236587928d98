package slice

// Fill efficiently fills a slice to its length with the given value.
func Fill[T any](slice []T, elem T) {
	l := len(slice)
	if l == 0 {
		return
	}
	slice[0] = elem
	for j := 1; j < l; j *= 2 {
		copy(slice[j:], slice[:j])
	}
}

// Limit returns a full subslice of the given slice, but ensures that the
// capacity of the subslice is the same as its length. This ensures that the
// subslice is copied on append instead of modifying the underlying array.
// Allocators hand out memory carved from larger blocks, so every buffer
// they return must be limited this way.
func Limit[T any](slice []T) []T {
	l := len(slice)
	return slice[:l:l]
}
