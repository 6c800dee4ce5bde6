// SPDX-License-Identifier: MIT
/*
Package bitint provides the power-of-two helpers used when sizing FFT
windows and ring buffers. All operations are O(1) and allocation free.

NextPowerOfTwo subtracts one before taking the bit length so that exact
powers of two are returned unchanged:

	size 8:  bits.Len(7) = 3, 1<<3 = 8
	size 9:  bits.Len(8) = 4, 1<<4 = 16
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of two >= size. Sizes below one
// return 1.
func NextPowerOfTwo(size int) int {
	if size <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

