// Package sizing provides safe size arithmetic and conversions to prevent overflow.
package sizing

import "math"

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// ClampRange bounds a read of length bytes at offset to an object of the
// given size. It returns the number of bytes actually readable, which is
// zero when offset is at or past the end.
func ClampRange(size, offset, length uint64) uint64 {
	if offset >= size {
		return 0
	}
	if remaining := size - offset; length > remaining {
		return remaining
	}
	return length
}

// Window returns the length of a fetch starting at offset that covers at
// most want bytes without running past total. Negative inputs yield zero.
func Window(total, offset, want int64) int64 {
	if offset < 0 || want <= 0 || offset >= total {
		return 0
	}
	if remaining := total - offset; want > remaining {
		return remaining
	}
	return want
}
