package hyperloglog

import (
	"math"
	"sync"
)

// Packed is the nibble-per-bucket estimator. Each bucket owns four bits in
// the dense array (two buckets per byte); values that need more spill their
// high bits into the overflow map, keyed by bucket index. For realistic
// streams almost every register fits in its nibble, so the overflow map
// stays tiny while the dense array is a quarter the size of Flat's.
//
// All methods are safe for concurrent use.
type Packed[K any] struct {
	mu          sync.Mutex
	dense       []byte
	overflow    map[uint64]uint64
	cardinality uint64
	precision   int
	hash        Oracle[K]
}

// NewPacked creates a packed estimator with 2^b buckets. A negative b is
// clamped to 0. The dense array is allocated eagerly; the overflow map
// starts empty.
func NewPacked[K any](b int, hash Oracle[K]) *Packed[K] {
	b = clampPrecision(b)
	m := 1 << b
	return &Packed[K]{
		dense:     make([]byte, (m+1)/2),
		overflow:  make(map[uint64]uint64),
		precision: b,
		hash:      hash,
	}
}

// Add folds a key into the sketch and reports whether a register grew.
func (p *Packed[K]) Add(key K) bool {
	h := p.hash(key)
	idx := bucketIndex(h, p.precision)
	rank := uint64(rightRank(h, p.precision))

	p.mu.Lock()
	defer p.mu.Unlock()

	if rank <= p.bucketValue(idx) {
		return false
	}
	p.setBucketValue(idx, rank)
	return true
}

// GetBucketValue returns the full register value for one bucket: the dense
// nibble plus any overflow bits shifted back into place.
func (p *Packed[K]) GetBucketValue(index uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bucketValue(index)
}

// SetBucketValue stores an arbitrary register value for one bucket. The low
// four bits land in the dense slot; the rest goes to the overflow map. A
// value without overflow bits never creates an entry, and an existing entry
// is never removed. Under the monotone write rule that is harmless: a later
// value large enough to have had its entry superseded is also large enough
// to overwrite it.
func (p *Packed[K]) SetBucketValue(index uint64, value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setBucketValue(index, value)
}

// ComputeCardinality recomputes the estimate from the current registers and
// publishes it only if it exceeds the cached value.
func (p *Packed[K]) ComputeCardinality() {
	p.mu.Lock()
	m := 1 << p.precision
	var sum float64
	for i := uint64(0); i < uint64(m); i++ {
		sum += math.Pow(2, -float64(p.bucketValue(i)))
	}
	p.mu.Unlock()

	raw := rawEstimate(sum, m)

	p.mu.Lock()
	defer p.mu.Unlock()
	if raw <= p.cardinality {
		return
	}
	p.cardinality = raw
}

// Cardinality returns the last published estimate, 0 before the first
// ComputeCardinality. The value never decreases.
func (p *Packed[K]) Cardinality() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cardinality
}

// Precision returns the bucket exponent b.
func (p *Packed[K]) Precision() int {
	return p.precision
}

// OverflowLen returns the number of buckets that have spilled past their
// dense nibble.
func (p *Packed[K]) OverflowLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.overflow)
}

// bucketValue reassembles a register from its nibble and overflow entry.
// Callers hold p.mu.
func (p *Packed[K]) bucketValue(index uint64) uint64 {
	v := uint64(p.denseSlot(index))
	if hi, ok := p.overflow[index]; ok {
		v += hi << denseSlotBits
	}
	return v
}

// setBucketValue splits a register across the nibble and the overflow map.
// Callers hold p.mu.
func (p *Packed[K]) setBucketValue(index uint64, value uint64) {
	p.setDenseSlot(index, uint8(value&denseSlotMask))

	hi := value >> denseSlotBits
	if hi == 0 {
		return
	}
	p.overflow[index] = hi
}

// denseSlot reads the four-bit slot for a bucket. Even buckets use the low
// nibble of their byte, odd buckets the high nibble.
func (p *Packed[K]) denseSlot(index uint64) uint8 {
	b := p.dense[index>>1]
	if index&1 == 1 {
		return b >> 4
	}
	return b & denseSlotMask
}

// setDenseSlot writes the four-bit slot for a bucket.
func (p *Packed[K]) setDenseSlot(index uint64, v uint8) {
	i := index >> 1
	if index&1 == 1 {
		p.dense[i] = p.dense[i]&0x0F | v<<4
	} else {
		p.dense[i] = p.dense[i]&0xF0 | v&denseSlotMask
	}
}
