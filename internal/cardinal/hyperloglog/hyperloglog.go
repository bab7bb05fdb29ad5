// Package hyperloglog implements HyperLogLog cardinality estimators with two
// interchangeable register layouts.
//
// A HyperLogLog estimates the number of distinct elements in a stream using a
// small, fixed amount of memory. Every element is hashed to a 64-bit value by
// an external oracle, and the hash is split into two parts:
//
//  1. The top b bits select one of m = 2^b buckets. The selection is
//     bit-reversed: hash bit 63 becomes index bit 0, hash bit 62 becomes index
//     bit 1, and so on. With b = 0 every element lands in the single bucket 0.
//  2. The remaining 64-b bits yield a rank statistic. A run of leading (or
//     trailing, depending on the layout) zeros of length k occurs with
//     probability 1/2^k, so the maximum rank seen in a bucket encodes a
//     logarithm of how many distinct elements hashed there.
//
// Each bucket keeps the maximum rank ever observed. The estimate is the
// harmonic mean across buckets scaled by a calibration constant:
//
//	estimate = floor(alpha * m * m / sum(2^-register[i]))
//
// [1] P. Flajolet, E. Fusy, O. Gandouet, F. Meunier. HyperLogLog: the
// analysis of a near-optimal cardinality estimation algorithm.
//
// Register Layouts
// ================
//
// Two estimator types share the bucket-index and estimation machinery but
// store their registers differently:
//
//   - Flat keeps one byte per bucket. Ranks are bounded by 64, so a byte is
//     plenty, and direct indexing keeps Add cheap. Its rank is the ONE-based
//     position of the first set bit scanning the 64-b low-order positions
//     from the most-significant end; an all-zero remainder ranks 0.
//
//   - Packed keeps a four-bit slot per bucket (two buckets per byte) plus an
//     overflow map for the rare values that do not fit in a nibble. Its rank
//     is the ZERO-based position of the lowest set bit in the low 64-b bits;
//     when that range is all zeros the rank is the full width 64-b. This is
//     the dense-plus-overflow layout popularized by Presto's APPROX_DISTINCT.
//
// The two layouts are not wire-compatible and never mix: a serialized sketch
// records which layout produced it, and deserialization rejects the other.
//
// Mutation Rules
// ==============
//
// Registers only grow. Add writes a rank only when it is strictly greater
// than the stored one, so replaying a stream (or adding duplicates) is
// idempotent. The cached estimate only grows too: ComputeCardinality
// overwrites it just when the freshly computed figure is larger. Callers
// therefore observe a monotonically non-decreasing count even when
// concurrent snapshots land out of order.
//
// Concurrency
// ===========
//
// Both types guard their registers and cache with a mutex. Add holds it for
// the compare-and-store; ComputeCardinality takes it twice, once to sum the
// registers and once to publish the estimate, deliberately releasing it for
// the floating-point work in between. A concurrent Add between those two
// sections can make the published figure momentarily stale, never smaller.
//
// The hash oracle runs outside the lock and must be safe for concurrent use;
// every oracle in the companion oracle package is a pure function.
package hyperloglog

import (
	"math"
	"math/bits"
)

// Oracle maps a key to the 64-bit hash the estimators consume. Estimators
// never hash or mix on their own; determinism, distribution quality and
// seeding are entirely the oracle's business.
type Oracle[K any] func(K) uint64

// DefaultPrecision is the bucket exponent servers fall back to when a
// client does not pick one. 2^14 registers keep typical estimates within a
// few percent while a flat sketch stays under 17KB serialized.
const DefaultPrecision = 14

const (
	// alpha is the calibration constant applied to the harmonic mean. The
	// same fixed scalar serves every precision; there is no per-m derivation
	// and no bias-correction table.
	alpha = 0.79402

	// denseSlotBits is the width of a Packed register's in-line slot. Values
	// needing more than four bits spill into the overflow map.
	denseSlotBits = 4
	denseSlotMask = 1<<denseSlotBits - 1
)

// bucketIndex extracts the bucket for hash h at precision b by reversing the
// top b bits: hash bit 63-j becomes index bit j. Plain truncation (h >> 64-b)
// would visit the same buckets in a different order and is NOT equivalent for
// serialized sketches, so the reversal is explicit.
func bucketIndex(h uint64, b int) uint64 {
	return bits.Reverse64(h) & (uint64(1)<<b - 1)
}

// leftRank is Flat's statistic: the one-based position of the first set bit
// among the 64-b low-order positions, scanned from the most-significant end.
// Returns 0 when that whole range is zero.
func leftRank(h uint64, b int) uint8 {
	w := h << b // discard the index bits, range now starts at bit 63
	if w == 0 {
		return 0
	}
	return uint8(bits.LeadingZeros64(w)) + 1
}

// rightRank is Packed's statistic: the zero-based position of the lowest set
// bit within the low 64-b bits. An all-zero range ranks 64-b, the width of
// the scanned range itself.
func rightRank(h uint64, b int) uint8 {
	width := 64 - b
	if width <= 0 {
		return 0
	}
	w := h & (^uint64(0) >> b)
	if w == 0 {
		return uint8(width)
	}
	return uint8(bits.TrailingZeros64(w))
}

// rawEstimate folds a register sum into the classic estimate, rounded down.
// sum is sum(2^-register[i]) over all m buckets.
func rawEstimate(sum float64, m int) uint64 {
	fm := float64(m)
	return uint64(math.Floor(alpha * fm * fm / sum))
}

// clampPrecision normalizes a requested bucket exponent. Negative values are
// treated as 0 rather than rejected.
func clampPrecision(b int) int {
	if b < 0 {
		return 0
	}
	return b
}
