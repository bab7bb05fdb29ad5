// Package oracle provides the hash functions the estimators consume.
//
// An estimator never hashes on its own: it takes an Oracle at construction
// and trusts it completely. That keeps the core free of hashing policy and
// makes the contract explicit, because everything about an estimate's
// quality and stability flows from the oracle:
//
//   - Determinism. An oracle must return the same hash for the same key
//     forever. Serialized sketches embed register state derived from oracle
//     output, so a deployment must pin one oracle per sketch family and
//     never change it between writes and reads.
//
//   - Distribution. The estimators assume hash bits are uniform; a skewed
//     oracle skews the estimate. Both families here (xxhash and murmur3)
//     pass the usual avalanche expectations.
//
// The xxhash oracles are the default everywhere in this repository. The
// murmur3 ones take a seed, for deployments that want per-tenant hash
// families or need to line up with an external murmur3-based system.
package oracle

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/twmb/murmur3"

	"cardinal.lopezb.com/internal/cardinal/hyperloglog"
)

// String returns the default oracle for string keys.
func String() hyperloglog.Oracle[string] {
	return xxhash.Sum64String
}

// Bytes returns the default oracle for byte-slice keys.
func Bytes() hyperloglog.Oracle[[]byte] {
	return xxhash.Sum64
}

// Uint64 returns the default oracle for unsigned integer keys. The key is
// hashed through its little-endian encoding, so the same number always
// produces the same hash regardless of platform.
func Uint64() hyperloglog.Oracle[uint64] {
	return func(k uint64) uint64 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], k)
		return xxhash.Sum64(buf[:])
	}
}

// Int64 returns the default oracle for signed integer keys. Negative keys
// hash through their two's-complement bit pattern.
func Int64() hyperloglog.Oracle[int64] {
	u := Uint64()
	return func(k int64) uint64 {
		return u(uint64(k))
	}
}

// StringSeeded returns a murmur3 oracle for string keys under the given
// seed. Different seeds give independent hash families.
func StringSeeded(seed uint64) hyperloglog.Oracle[string] {
	return func(k string) uint64 {
		lo, _ := murmur3.SeedSum128(seed, seed, []byte(k))
		return lo
	}
}

// BytesSeeded returns a murmur3 oracle for byte-slice keys under the given
// seed.
func BytesSeeded(seed uint64) hyperloglog.Oracle[[]byte] {
	return func(k []byte) uint64 {
		lo, _ := murmur3.SeedSum128(seed, seed, k)
		return lo
	}
}
