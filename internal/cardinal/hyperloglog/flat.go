package hyperloglog

import (
	"math"
	"sync"
)

// Flat is the byte-per-bucket estimator. It is generic over the key type;
// the oracle supplied at construction is the only thing that ever touches a
// key, so any type with a sensible hash works.
//
// All methods are safe for concurrent use.
type Flat[K any] struct {
	mu          sync.Mutex
	registers   []uint8
	cardinality uint64
	precision   int
	hash        Oracle[K]
}

// NewFlat creates a flat estimator with 2^b buckets. A negative b is clamped
// to 0 (a single bucket) rather than rejected. Registers are allocated
// eagerly and start at zero.
func NewFlat[K any](b int, hash Oracle[K]) *Flat[K] {
	b = clampPrecision(b)
	return &Flat[K]{
		registers: make([]uint8, 1<<b),
		precision: b,
		hash:      hash,
	}
}

// Add folds a key into the sketch. It reports whether a register actually
// grew; duplicates and keys whose rank is not a new bucket maximum leave the
// sketch untouched and return false.
func (f *Flat[K]) Add(key K) bool {
	h := f.hash(key)
	idx := bucketIndex(h, f.precision)
	rank := leftRank(h, f.precision)

	f.mu.Lock()
	defer f.mu.Unlock()

	// Strictly greater only. Ties keep the stored rank, which makes Add
	// idempotent and the register file monotone.
	if rank <= f.registers[idx] {
		return false
	}
	f.registers[idx] = rank
	return true
}

// ComputeCardinality recomputes the estimate from the current registers and
// publishes it only if it exceeds the cached value. The cached figure is
// read with Cardinality.
func (f *Flat[K]) ComputeCardinality() {
	f.mu.Lock()
	m := len(f.registers)
	var sum float64
	for _, r := range f.registers {
		sum += math.Pow(2, -float64(r))
	}
	f.mu.Unlock()

	// Zero-initialized registers make sum >= m * 2^-64 > 0, but a sum that
	// is not strictly positive must never reach the division.
	if sum <= 0 {
		return
	}

	raw := rawEstimate(sum, m)

	f.mu.Lock()
	defer f.mu.Unlock()
	if raw <= f.cardinality {
		return
	}
	f.cardinality = raw
}

// Cardinality returns the last published estimate, 0 before the first
// ComputeCardinality. The value never decreases over the life of the sketch.
func (f *Flat[K]) Cardinality() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cardinality
}

// Precision returns the bucket exponent b; the sketch has 2^b buckets.
func (f *Flat[K]) Precision() int {
	return f.precision
}

// Registers returns a copy of the register file. Intended for introspection
// surfaces (INFO commands, diagnostics), not hot paths.
func (f *Flat[K]) Registers() []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint8, len(f.registers))
	copy(out, f.registers)
	return out
}
