/*
Package bitint provides the power-of-two helpers used for sizing the
capture ring and validating FFT window lengths.

Design principles:
  - Zero allocations, stack memory only
  - O(1) constant time
  - Real-time safe: no locks, syscalls, or blocking operations

The subtraction in NextPowerOfTwo (size-1) is what keeps exact powers
of two from being doubled:

	For input 8: size-1 = 7 (0111), bits.Len64(7) = 3, 1<<3 = 8.
	Without it:  bits.Len64(8) = 4, 1<<4 = 16.
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the next power of 2 >= size.
//
// Examples:
//
//	Input  Output  Explanation
//	4      4      Already power of 2 (preserved)
//	5      8      Next power after 5
//	0      1      Handle zero case
//	-1     1      Handle negative case
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return int(1 << (bits.Len64(uint64(size - 1))))
}

// IsPowerOfTwo checks if n is a power of 2 using bit manipulation.
// The expression (n & (n-1)) == 0 works because powers of 2 have
// exactly one bit set and subtracting 1 sets all lower bits.
//
// Examples:
//
//	Input  Output  Binary
//	8      true    1000 & 0111 = 0000
//	7      false   0111 & 0110 = 0110
//	0      false   Not positive
//	-8     false   Not positive
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}
