// Package fault defines how the allocators report contract violations.
//
// A contract violation (freeing with the wrong size, a double reservation,
// truncating past a valid watermark...) is always a caller bug, never a
// runtime condition, so the default response is a loud panic. Tests install
// their own handler to assert on the violation instead of crashing the
// process.
package fault

import (
	"fmt"

	"go.uber.org/zap"
)

// Handler receives a description of the violated invariant. The production
// handler never returns; a test handler may, in which case the violating
// operation returns a zero value without mutating the allocator further.
type Handler func(violation string)

// Default returns the production handler: log the violation and panic.
// logger may be nil.
func Default(logger *zap.Logger) Handler {
	return func(violation string) {
		if logger != nil {
			logger.Error("allocator contract violation", zap.String("violation", violation))
		}
		panic("smallmem: " + violation)
	}
}

// Violationf formats the violated invariant and dispatches it to h. A nil h
// falls back to the default panicking handler.
func Violationf(h Handler, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if h == nil {
		h = Default(nil)
	}
	h(msg)
}

// Recorder returns a handler that appends violations to *got. Test use only.
func Recorder(got *[]string) Handler {
	return func(violation string) {
		*got = append(*got, violation)
	}
}
