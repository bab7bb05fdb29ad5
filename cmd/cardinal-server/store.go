// store.go implements the sharded in-memory sketch store and its binary
// snapshot format. Values are opaque byte slices; in practice every value is
// a serialized sketch carrying the hyperloglog codec's magic header, but the
// store never inspects them. persistence.go owns the interplay between this
// store and the append-only file.
//
// The store is deliberately filesystem-blind: snapshots stream through plain
// io.Writer / io.Reader values, so the same code serves disk files, network
// sockets and the in-memory buffers the tests use.
//
// Sharding
// ========
//
// Keys spread across 256 shards, each with its own RWMutex, so writes to
// different sketches almost never contend. FNV-1a modulo 256 picks the
// shard; it is fast and spreads typical key names well, and nothing here
// needs cryptographic strength. 256 also keeps full-store iteration (for
// snapshots and active expiry) short.
//
// Snapshot Format (CRD1)
// ======================
//
//	+--------+-----------+-----------+     +-----+-----------+
//	| "CRD1" | Shard 0   | Shard 1   | ... | EOF | CRC64     |
//	+--------+-----------+-----------+     +-----+-----------+
//	 4 bytes   variable    variable         1 B    8 bytes
//
// Each non-empty shard becomes one block:
//
//	+--------+----------+-------+------+-----+--------+------+-------+
//	| 0xFE   | Shard ID | Count | KLen | Key | Expiry | VLen | Value |
//	+--------+----------+-------+------+-----+--------+------+-------+
//	 1 byte    1 byte    4 bytes 4 bytes var   8 bytes 4 bytes  var
//
// Lengths are little-endian uint32, the expiry is Unix milliseconds (0 for
// none). A 0xFF byte ends the binary section; that explicit marker is what
// lets a hybrid append-only file carry RESP text right behind the snapshot.
// The trailing CRC64 (ISO polynomial) covers every byte before it.
//
// Storing the shard ID in the block pays off on load: keys are inserted
// straight into their recorded shard without rehashing, which is safe
// because the writer placed them by the same function, and corruption is
// caught by the checksum anyway.
//
// Snapshots use clone-then-write: each shard is read-locked just long
// enough to copy its entries into a RAM buffer, then the lock drops before
// any I/O happens. At most one shard is ever blocked from writing, briefly.

package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"hash/fnv"
	"io"
	"sync"
	"time"
)

const snapshotMagic = "CRD1"

const shardCount = 256

// Opcodes framing the binary snapshot stream. Markers, not lengths, delimit
// the stream so text can follow the binary section in a hybrid file.
const (
	opShardBlock    = 0xFE
	opEndOfSnapshot = 0xFF
)

// ExpiryMode selects the condition under which SetExpiry applies.
type ExpiryMode int

const (
	ExpireModeAlways ExpiryMode = iota // unconditional
	ExpireModeNX                       // only when the key has no expiry yet
	ExpireModeXX                       // only when the key already has one
)

// shard is one slice of the keyspace with its own lock; locking it leaves
// the other 255 shards untouched.
type shard struct {
	mu       sync.RWMutex
	data     map[string][]byte
	expireAt map[string]int64 // Unix ms deadline per key; absent = no expiry
}

// Store routes keys to shards and carries the snapshot logic.
type Store struct {
	shards [shardCount]*shard
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{
			data:     make(map[string][]byte),
			expireAt: make(map[string]int64),
		}
	}
	return s
}

func (s *Store) shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[s.shardIndex(key)]
}

// isExpired reports whether key is past its deadline. Needs at least a read
// lock on the shard.
func (sh *shard) isExpired(key string, now int64) bool {
	deadline, ok := sh.expireAt[key]
	return ok && deadline > 0 && deadline <= now
}

// reapIfExpired removes an expired key. Needs the write lock. Reports
// whether it deleted anything.
func (sh *shard) reapIfExpired(key string, now int64) bool {
	if sh.isExpired(key, now) {
		delete(sh.data, key)
		delete(sh.expireAt, key)
		return true
	}
	return false
}

// Set stores a value and clears any expiry the key carried.
func (s *Store) Set(key string, value []byte) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[key] = value
	delete(sh.expireAt, key)
}

// Get returns the value for key, treating expired keys as absent.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if sh.isExpired(key, time.Now().UnixMilli()) {
		return nil, false
	}
	val, ok := sh.data[key]
	return val, ok
}

// Delete removes a key and reports whether a live key was actually there.
// A key that only existed in expired form counts as absent.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.reapIfExpired(key, time.Now().UnixMilli()) {
		return false
	}

	_, ok := sh.data[key]
	if ok {
		delete(sh.data, key)
		delete(sh.expireAt, key)
	}
	return ok
}

// Exists reports whether a live (non-expired) key is present.
func (s *Store) Exists(key string) bool {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if sh.isExpired(key, time.Now().UnixMilli()) {
		return false
	}
	_, ok := sh.data[key]
	return ok
}

// View runs a read-only callback under the shard's read lock. The callback
// sees the stored bytes without a copy, or nil when the key is absent or
// expired; it must not retain or modify them.
func (s *Store) View(key string, fn func(data []byte) error) error {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if sh.isExpired(key, time.Now().UnixMilli()) {
		return fn(nil)
	}
	return fn(sh.data[key])
}

// Mutate runs a read-modify-write callback under the shard's write lock.
// The callback receives the current value (nil when absent or expired) and
// returns the replacement plus a flag; returning false aborts the write, so
// handlers can bail on type errors without clobbering data. Unlike Set, a
// committed mutation keeps the key's expiry: updating a sketch inside its
// TTL window must not grant it a new lease on life.
func (s *Store) Mutate(key string, fn func([]byte) ([]byte, bool)) {
	//
	// DESIGN
	// ------
	//
	// Deserialize-update-reserialize cycles on a sketch must not interleave:
	// if two CARD.ADD calls both read version N, both would write back a
	// version N+1 missing the other's registers. Holding the shard lock
	// across the whole callback makes the cycle atomic per key. The lost
	// registers would be silent (estimates only dip slightly), which is
	// exactly why the primitive, not the handlers, owns the locking.
	//
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.reapIfExpired(key, time.Now().UnixMilli())

	next, commit := fn(sh.data[key])
	if commit {
		sh.data[key] = next
	}
}

// SetExpiry sets (or, with a deadline <= 0, removes) a key's expiry,
// subject to mode. Returns false when the key is absent or the NX/XX
// condition fails; the condition check happens under the same lock as the
// write, so there is no window for another client to slip an expiry in
// between.
func (s *Store) SetExpiry(key string, deadlineMs int64, mode ExpiryMode) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.reapIfExpired(key, time.Now().UnixMilli())

	if _, exists := sh.data[key]; !exists {
		return false
	}

	_, hasExpiry := sh.expireAt[key]
	if mode == ExpireModeNX && hasExpiry {
		return false
	}
	if mode == ExpireModeXX && !hasExpiry {
		return false
	}

	if deadlineMs <= 0 {
		delete(sh.expireAt, key)
	} else {
		sh.expireAt[key] = deadlineMs
	}
	return true
}

// KeyCount returns the number of stored keys across all shards. Expired
// keys that no reaper has visited yet are still counted; INFO consumers
// treat the figure as approximate.
func (s *Store) KeyCount() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.data)
		sh.mu.RUnlock()
	}
	return total
}

// GetExpiry reports a key's expiry state:
//
//	(deadline, true)  key exists and expires at deadline
//	(-1, true)        key exists without an expiry
//	(0, false)        key does not exist (or already expired)
func (s *Store) GetExpiry(key string) (int64, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if sh.isExpired(key, time.Now().UnixMilli()) {
		return 0, false
	}
	if _, exists := sh.data[key]; !exists {
		return 0, false
	}
	if deadline, ok := sh.expireAt[key]; ok {
		return deadline, true
	}
	return -1, true
}

// Active expiration tuning.
const (
	expirySampleSize      = 20 // keys sampled per shard pass
	expiryAcceptableStale = 10 // re-sample a shard while >10% were expired
	expiryCheckEvery      = 16 // time-budget check frequency, in passes
	expiryBudgetMs        = 25 // max milliseconds per cycle
)

// DeleteExpiredKeys actively reaps expired keys with adaptive sampling and
// returns how many it removed. Lazy expiry on access already hides expired
// keys; this pass exists so sketches nobody reads anymore still release
// their memory.
func (s *Store) DeleteExpiredKeys() int {
	//
	// DESIGN
	// ------
	//
	// Scanning every key each cycle would be O(n) per 100ms tick. Instead,
	// each shard gives up a sample of its expireAt map (Go's random map
	// iteration order is the sampler); when more than 10% of the sample was
	// expired the shard is dirty and gets sampled again, otherwise we move
	// on. A 25ms budget per cycle, checked every 16 passes, caps the cost
	// at a quarter of a core even if every shard is filthy.
	//
	start := time.Now()
	now := start.UnixMilli()
	deleted := 0

	for _, sh := range s.shards {
		pass := 0
		for {
			pass++
			sampled, expired := sh.sampleAndReap(now)
			deleted += expired

			if sampled == 0 || (expired*100/sampled) <= expiryAcceptableStale {
				break
			}
			if pass%expiryCheckEvery == 0 &&
				time.Since(start).Milliseconds() > expiryBudgetMs {
				return deleted
			}
		}
	}
	return deleted
}

// sampleAndReap examines up to expirySampleSize keys of one shard's expiry
// map and deletes the expired ones. Returns (sampled, expired).
func (sh *shard) sampleAndReap(now int64) (int, int) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sampled, expired := 0, 0
	for key, deadline := range sh.expireAt {
		if sampled >= expirySampleSize {
			break
		}
		sampled++

		if deadline > 0 && deadline <= now {
			delete(sh.data, key)
			delete(sh.expireAt, key)
			expired++
		}
	}
	return sampled, expired
}

// SaveSnapshotToWriter streams the whole store to w in the CRD1 format.
// Used by both explicit snapshots and append-only file compaction.
func (s *Store) SaveSnapshotToWriter(w io.Writer) error {
	crcTable := crc64.MakeTable(crc64.ISO)
	checksum := crc64.New(crcTable)

	// Everything written through bw lands in the checksum too, so no second
	// pass over the data is needed.
	bw := bufio.NewWriter(io.MultiWriter(w, checksum))

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}

	// Scratch buffers shared across shards to keep GC pressure down.
	blockBuf := new(bytes.Buffer)
	lenBuf := make([]byte, 4)
	expiryBuf := make([]byte, 8)

	for i := 0; i < shardCount; i++ {
		sh := s.shards[i]

		// Critical section: copy the shard into RAM, then unlock before
		// any I/O.
		sh.mu.RLock()
		if len(sh.data) == 0 {
			sh.mu.RUnlock()
			continue
		}

		blockBuf.Reset()
		blockBuf.WriteByte(opShardBlock)
		blockBuf.WriteByte(byte(i))

		binary.LittleEndian.PutUint32(lenBuf, uint32(len(sh.data)))
		blockBuf.Write(lenBuf)

		for k, v := range sh.data {
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(k)))
			blockBuf.Write(lenBuf)
			blockBuf.WriteString(k)

			binary.LittleEndian.PutUint64(expiryBuf, uint64(sh.expireAt[k]))
			blockBuf.Write(expiryBuf)

			binary.LittleEndian.PutUint32(lenBuf, uint32(len(v)))
			blockBuf.Write(lenBuf)
			blockBuf.Write(v)
		}
		sh.mu.RUnlock()

		if _, err := blockBuf.WriteTo(bw); err != nil {
			return err
		}
	}

	if err := bw.WriteByte(opEndOfSnapshot); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	// The checksum goes straight to w: it must not hash itself.
	return binary.Write(w, binary.LittleEndian, checksum.Sum64())
}

// LoadSnapshotFromReader restores the store from a CRD1 stream. It consumes
// exactly the binary section plus checksum and stops, leaving r positioned
// on whatever follows; persistence.go relies on that to replay the RESP
// text tail of a hybrid file. Keys already expired at load time are
// skipped. The reader must be buffered because parsing is byte-driven.
func (s *Store) LoadSnapshotFromReader(r *bufio.Reader) error {
	header := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	if string(header) != snapshotMagic {
		return errors.New("invalid snapshot header")
	}

	crcTable := crc64.MakeTable(crc64.ISO)
	hasher := crc64.New(crcTable)
	hasher.Write(header)

	lenBuf := make([]byte, 4)
	expiryBuf := make([]byte, 8)
	keyScratch := make([]byte, 256)
	now := time.Now().UnixMilli()

	for {
		opcode, err := r.ReadByte()
		if err != nil {
			return err
		}
		hasher.Write([]byte{opcode})

		if opcode == opEndOfSnapshot {
			break
		}
		if opcode != opShardBlock {
			return fmt.Errorf("snapshot stream corruption: unexpected opcode %x", opcode)
		}

		shardID, err := r.ReadByte()
		if err != nil {
			return err
		}
		hasher.Write([]byte{shardID})
		sh := s.shards[int(shardID)]

		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return err
		}
		hasher.Write(lenBuf)
		count := binary.LittleEndian.Uint32(lenBuf)

		for i := uint32(0); i < count; i++ {
			if _, err := io.ReadFull(r, lenBuf); err != nil {
				return err
			}
			hasher.Write(lenBuf)
			kLen := binary.LittleEndian.Uint32(lenBuf)

			if uint32(cap(keyScratch)) < kLen {
				keyScratch = make([]byte, kLen)
			}
			keyBytes := keyScratch[:kLen]
			if _, err := io.ReadFull(r, keyBytes); err != nil {
				return err
			}
			hasher.Write(keyBytes)
			key := string(keyBytes)

			if _, err := io.ReadFull(r, expiryBuf); err != nil {
				return err
			}
			hasher.Write(expiryBuf)
			expiry := int64(binary.LittleEndian.Uint64(expiryBuf))

			if _, err := io.ReadFull(r, lenBuf); err != nil {
				return err
			}
			hasher.Write(lenBuf)
			vLen := binary.LittleEndian.Uint32(lenBuf)

			value := make([]byte, vLen)
			if _, err := io.ReadFull(r, value); err != nil {
				return err
			}
			hasher.Write(value)

			if expiry > 0 && expiry <= now {
				continue
			}

			// Direct insertion into the recorded shard, no rehash.
			sh.data[key] = value
			if expiry > 0 {
				sh.expireAt[key] = expiry
			}
		}
	}

	stored := make([]byte, 8)
	if _, err := io.ReadFull(r, stored); err != nil {
		return err
	}
	if binary.LittleEndian.Uint64(stored) != hasher.Sum64() {
		return errors.New("snapshot corruption: checksum mismatch")
	}
	return nil
}
