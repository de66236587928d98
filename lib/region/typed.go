package region

import "unsafe"

// Alloc allocates a value of type T inside the region.
// This ideally would be a method on Region itself but Go doesn't support
// generic type parameters on methods.
func Alloc[T any](r *Region) (*T, error) {
	var zero T
	buf, err := r.Alloc(int(unsafe.Sizeof(zero)), int(unsafe.Alignof(zero)))
	if err != nil || len(buf) == 0 {
		return nil, err
	}
	return (*T)(unsafe.Pointer(&buf[0])), nil
}

// AllocSlice allocates a slice of type T inside the region. Elements are
// zeroed, as the page source hands out scrubbed blocks.
func AllocSlice[T any](r *Region, len_, cap_ int) ([]T, error) {
	if cap_ < len_ {
		cap_ = len_
	}
	if cap_ == 0 {
		return []T{}, nil
	}
	var zero T
	sz := int(unsafe.Sizeof(zero))
	buf, err := r.Alloc(sz*cap_, int(unsafe.Alignof(zero)))
	if err != nil || len(buf) == 0 {
		return nil, err
	}
	s := unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), cap_)
	return s[:len_], nil
}
