// handlers_card.go implements the CARD.* commands, the reason this server
// exists: distinct-count sketches addressed by key.
//
// Storage Format
// ==============
// Every key holds a serialized sketch: the hyperloglog codec's 16-byte
// header (magic, register layout, precision, cached estimate) followed by a
// compressed register body. The magic doubles as the type tag that guards
// CARD.* commands against keys holding anything else.
//
// Concurrency Strategy
// ====================
// CARD.ADD and CARD.COUNT run their deserialize-update-reserialize cycles
// inside Store.Mutate, which holds the shard lock for the whole cycle;
// CARD.INFO only reads and uses View. Lost updates between concurrent ADDs
// would not crash anything, they would just quietly drop registers, which
// is the worse kind of bug to chase.

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"cardinal.lopezb.com/internal/cardinal/hyperloglog"
	"cardinal.lopezb.com/internal/cardinal/oracle"
)

// sketch is the handler-side view of a decoded estimator. Both register
// layouts satisfy it; handlers that do not care which layout they hold work
// through this interface and the rest type-switch.
type sketch interface {
	Add(element string) bool
	ComputeCardinality()
	Cardinality() uint64
	Precision() int
	Serialize() []byte
}

// newSketch builds an empty estimator of the given layout. All server-side
// sketches hash elements with the same oracle; two servers fed the same
// elements produce identical registers, which snapshot diffing relies on.
func newSketch(kind byte, precision int) sketch {
	if kind == hyperloglog.KindPacked {
		return hyperloglog.NewPacked(precision, oracle.String())
	}
	return hyperloglog.NewFlat(precision, oracle.String())
}

// decodeSketch revives a stored blob into whichever estimator wrote it.
func decodeSketch(data []byte) (sketch, error) {
	kind, ok := hyperloglog.PeekKind(data)
	if !ok {
		return nil, fmt.Errorf("not a sketch value")
	}
	if kind == hyperloglog.KindPacked {
		return hyperloglog.DeserializePacked(data, oracle.String())
	}
	return hyperloglog.DeserializeFlat(data, oracle.String())
}

// handleCardCreate handles the CARD.CREATE command.
// Syntax: CARD.CREATE key [PRECISION b] [KIND flat|packed]
//
// Explicitly creates an empty sketch. CARD.ADD auto-creates with the server
// defaults, so CREATE exists for callers that want a non-default precision
// or layout pinned before the first element arrives.
func (app *application) handleCardCreate(w io.Writer, args []string) {
	if len(args) < 1 {
		app.wrongNumberOfArgsResponse(w, "CARD.CREATE")
		return
	}

	key := args[0]
	precision := app.config.defaultPrecision
	kind := app.defaultKind

	// Options come in NAME value pairs, any order.
	opts := args[1:]
	for i := 0; i < len(opts); i += 2 {
		if i+1 >= len(opts) {
			_ = app.writeErrorResponse(w, "ERR syntax error")
			return
		}
		switch strings.ToUpper(opts[i]) {
		case "PRECISION":
			p, err := strconv.Atoi(opts[i+1])
			if err != nil || p < 0 || p > 18 {
				_ = app.writeErrorResponse(w, "ERR precision must be an integer between 0 and 18")
				return
			}
			precision = p
		case "KIND":
			k, err := hyperloglog.ParseKind(strings.ToLower(opts[i+1]))
			if err != nil {
				_ = app.writeErrorResponse(w, fmt.Sprintf("ERR unknown sketch kind '%s'", opts[i+1]))
				return
			}
			kind = k
		default:
			_ = app.writeErrorResponse(w, "ERR syntax error")
			return
		}
	}

	var keyExists bool

	app.store.Mutate(key, func(data []byte) ([]byte, bool) {
		// Creation never overwrites, not even another sketch. Callers that
		// want a reset DEL first.
		if data != nil {
			keyExists = true
			return data, false
		}
		return newSketch(kind, precision).Serialize(), true
	})

	if keyExists {
		_ = app.writeErrorResponse(w, "ERR key already exists")
		return
	}

	// The original argv replays to an identical sketch, so it is logged
	// as-is.
	app.logCommand("CARD.CREATE", args)

	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleCardAdd handles the CARD.ADD command.
// Syntax: CARD.ADD key element [element ...]
//
// Replies with the number of elements whose insertion changed a register.
// Duplicates and low-rank collisions answer 0 and cost nothing on disk.
func (app *application) handleCardAdd(w io.Writer, args []string) {
	//
	// DESIGN
	// ------
	//
	// The whole read-modify-write runs inside Mutate so concurrent ADDs to
	// one key serialize. Within the callback:
	//
	// 1. Missing keys are created with the server's default layout and
	//    precision, like Redis PFADD.
	// 2. Existing values must carry the sketch magic; anything else is a
	//    type error and the callback refuses to write.
	// 3. All elements of the batch go in under one lock acquisition.
	// 4. Serialization only happens when a register actually changed. The
	//    one exception is a freshly created key, which must be written even
	//    if every element landed on rank zero.
	//
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "CARD.ADD")
		return
	}

	key := args[0]
	elements := args[1:]

	var changed int
	var storeUpdated bool
	var typeError, decodeError bool

	app.store.Mutate(key, func(data []byte) ([]byte, bool) {
		var sk sketch

		if data == nil {
			sk = newSketch(app.defaultKind, app.config.defaultPrecision)
		} else {
			if !hyperloglog.HasMagic(data) {
				typeError = true
				return data, false
			}
			var err error
			sk, err = decodeSketch(data)
			if err != nil {
				decodeError = true
				return data, false
			}
		}

		for _, el := range elements {
			if sk.Add(el) {
				changed++
			}
		}

		if changed > 0 {
			storeUpdated = true
			return sk.Serialize(), true
		}
		if data == nil {
			// Nothing changed but the key is new; persist the empty sketch
			// so EXISTS and CARD.COUNT see it.
			storeUpdated = true
			return sk.Serialize(), true
		}

		return data, false
	})

	if typeError {
		app.wrongTypeResponse(w)
		return
	}
	if decodeError {
		app.corruptSketchResponse(w)
		return
	}

	if storeUpdated {
		app.logCommand("CARD.ADD", args)
	}

	_ = app.writeIntegerResponse(w, changed)
}

// handleCardCount handles the CARD.COUNT command.
// Syntax: CARD.COUNT key
//
// Replies with the estimated number of distinct elements added to the key.
// A missing key counts as an empty set and replies 0 without creating
// anything.
func (app *application) handleCardCount(w io.Writer, args []string) {
	//
	// DESIGN
	// ------
	//
	// The serialized header carries a cached estimate, but it is a monotone
	// floor rather than a tracked cache: there is no dirty bit that could
	// say "still valid", so COUNT always recomputes. The cache earns its
	// bytes elsewhere, serving header-only peeks (CARD.INFO, the gateway's
	// listings, cardinal-check) that want a number without deserializing
	// registers.
	//
	// The recompute runs under Mutate because its result may need to be
	// written back: estimates never regress, so a freshly computed value
	// only replaces the stored one when it is larger, and equal estimates
	// skip the write entirely. Repeated COUNTs on an idle key settle into
	// pure reads after the first.
	//
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "CARD.COUNT")
		return
	}

	key := args[0]

	// Cheap pre-checks under a read lock before taking the write path.
	data, found := app.store.Get(key)
	if !found {
		_ = app.writeIntegerResponse(w, 0)
		return
	}
	if !hyperloglog.HasMagic(data) {
		app.wrongTypeResponse(w)
		return
	}

	var count uint64
	var decodeError bool

	app.store.Mutate(key, func(currData []byte) ([]byte, bool) {
		// The key may have been deleted between the Get and this lock.
		if currData == nil {
			return nil, false
		}

		sk, err := decodeSketch(currData)
		if err != nil {
			decodeError = true
			return currData, false
		}

		cachedBefore, _ := hyperloglog.PeekCardinality(currData)

		sk.ComputeCardinality()
		count = sk.Cardinality()

		if count == cachedBefore {
			return currData, false
		}
		return sk.Serialize(), true
	})

	if decodeError {
		app.corruptSketchResponse(w)
		return
	}

	_ = app.writeIntegerResponse64(w, int64(count))
}

// handleCardInfo handles the CARD.INFO command.
// Syntax: CARD.INFO key
//
// Debug and capacity-planning report for one sketch, in the INFO key:value
// format. Returns nil for missing keys, like MEMORY USAGE.
func (app *application) handleCardInfo(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "CARD.INFO")
		return
	}

	key := args[0]

	var report string
	var found bool
	var typeError, decodeError bool

	_ = app.store.View(key, func(data []byte) error {
		if data == nil {
			return nil
		}
		found = true

		if !hyperloglog.HasMagic(data) {
			typeError = true
			return nil
		}

		sk, err := decodeSketch(data)
		if err != nil {
			decodeError = true
			return nil
		}

		kind, _ := hyperloglog.PeekKind(data)
		cached, _ := hyperloglog.PeekCardinality(data)
		buckets := 1 << sk.Precision()

		// bucketsSet counts non-zero registers, the rough "fill level" of
		// the sketch; overflow only exists in the packed layout.
		bucketsSet := 0
		overflow := -1
		switch s := sk.(type) {
		case *hyperloglog.Flat[string]:
			for _, r := range s.Registers() {
				if r != 0 {
					bucketsSet++
				}
			}
		case *hyperloglog.Packed[string]:
			for i := uint64(0); i < uint64(buckets); i++ {
				if s.GetBucketValue(i) != 0 {
					bucketsSet++
				}
			}
			overflow = s.OverflowLen()
		}

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("kind:%s\r\n", hyperloglog.KindName(kind)))
		sb.WriteString(fmt.Sprintf("precision:%d\r\n", sk.Precision()))
		sb.WriteString(fmt.Sprintf("buckets:%d\r\n", buckets))
		sb.WriteString(fmt.Sprintf("buckets_set:%d\r\n", bucketsSet))
		if overflow >= 0 {
			sb.WriteString(fmt.Sprintf("overflow_entries:%d\r\n", overflow))
		}
		sb.WriteString(fmt.Sprintf("cardinality_cached:%d\r\n", cached))
		sb.WriteString(fmt.Sprintf("serialized_bytes:%d\r\n", len(data)))
		report = sb.String()

		return nil
	})

	if !found {
		_ = app.writeNilResponse(w)
		return
	}
	if typeError {
		app.wrongTypeResponse(w)
		return
	}
	if decodeError {
		app.corruptSketchResponse(w)
		return
	}

	_ = app.writeBulkStringResponse(w, report)
}
