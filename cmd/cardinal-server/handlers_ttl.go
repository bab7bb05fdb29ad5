// handlers_ttl.go implements key expiration.
//
// Sketches counting a rolling window ("distinct users this hour") want to
// disappear when the window closes; TTLs make that automatic. All times are
// milliseconds.
//
// Commands
// ========
//
//   - EXPIRE key ms:       expiry relative to now
//   - EXPIRENX key ms:     relative, only if the key has no expiry
//   - EXPIREXX key ms:     relative, only if the key already has one
//   - EXPIREAT key ts:     absolute Unix-milliseconds deadline
//   - EXPIREATNX key ts:   absolute, NX condition
//   - EXPIREATXX key ts:   absolute, XX condition
//   - TTL key:             remaining milliseconds
//   - PERSIST key:         remove the expiry
//
// Expiration Model
// ================
//
// Two mechanisms share the work. Lazy expiration: any access that finds a
// past-deadline key treats it as absent. Active expiration: a background
// pass every 100ms samples expiry maps and reaps what it finds, so keys
// nobody touches still free their memory.
//
// AOF Logging
// ===========
//
// Relative EXPIREs are logged as EXPIREAT with the computed absolute
// deadline. A journal replayed tomorrow must not re-grant a key another
// hour of life. An expiry landing in the past deletes the key on the spot
// and is logged as DEL for the same reason.

package main

import (
	"io"
	"math"
	"strconv"
	"time"
)

// handleExpire handles the EXPIRE command.
// Syntax: EXPIRE key milliseconds
func (app *application) handleExpire(w io.Writer, args []string) {
	app.expireGeneric(w, args, false, ExpireModeAlways, "EXPIRE")
}

// handleExpireNX handles the EXPIRENX command.
// Syntax: EXPIRENX key milliseconds
//
// Applies only when the key has no expiry yet.
func (app *application) handleExpireNX(w io.Writer, args []string) {
	app.expireGeneric(w, args, false, ExpireModeNX, "EXPIRENX")
}

// handleExpireXX handles the EXPIREXX command.
// Syntax: EXPIREXX key milliseconds
//
// Applies only when the key already has an expiry.
func (app *application) handleExpireXX(w io.Writer, args []string) {
	app.expireGeneric(w, args, false, ExpireModeXX, "EXPIREXX")
}

// handleExpireAt handles the EXPIREAT command.
// Syntax: EXPIREAT key unix-time-milliseconds
func (app *application) handleExpireAt(w io.Writer, args []string) {
	app.expireGeneric(w, args, true, ExpireModeAlways, "EXPIREAT")
}

// handleExpireAtNX handles the EXPIREATNX command.
// Syntax: EXPIREATNX key unix-time-milliseconds
func (app *application) handleExpireAtNX(w io.Writer, args []string) {
	app.expireGeneric(w, args, true, ExpireModeNX, "EXPIREATNX")
}

// handleExpireAtXX handles the EXPIREATXX command.
// Syntax: EXPIREATXX key unix-time-milliseconds
func (app *application) handleExpireAtXX(w io.Writer, args []string) {
	app.expireGeneric(w, args, true, ExpireModeXX, "EXPIREATXX")
}

// expireGeneric implements all six EXPIRE variants; they differ only in
// whether the value is absolute and in the NX/XX condition.
func (app *application) expireGeneric(w io.Writer, args []string, isAbsolute bool, mode ExpiryMode, cmdName string) {
	//
	// DESIGN
	// ------
	//
	// The NX/XX condition is checked by Store.SetExpiry itself, under the
	// shard lock. Checking here first would open a window where another
	// client changes the key's expiry state between the check and the set.
	//
	// A deadline in the past deletes the key, but the condition still runs
	// first: "EXPIRENX key -1" on a key that already has an expiry answers
	// 0 and deletes nothing, because the NX condition failed before the
	// past-deadline rule could apply.
	//
	if len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, cmdName)
		return
	}

	key := args[0]
	val, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		_ = app.writeErrorResponse(w, "ERR value is not an integer or out of range")
		return
	}

	now := time.Now().UnixMilli()
	var absolute int64

	if isAbsolute {
		absolute = val
	} else {
		// now + val can wrap around int64 for absurd durations.
		if val > 0 && val > math.MaxInt64-now {
			_ = app.writeErrorResponse(w, "ERR invalid expire time")
			return
		}
		absolute = now + val
	}

	if absolute <= now {
		if !app.store.SetExpiry(key, absolute, mode) {
			_ = app.writeIntegerResponse(w, 0)
			return
		}
		app.store.Delete(key)
		app.logCommand("DEL", []string{key})
		_ = app.writeIntegerResponse(w, 1)
		return
	}

	if !app.store.SetExpiry(key, absolute, mode) {
		_ = app.writeIntegerResponse(w, 0)
		return
	}

	// Absolute form in the journal, whatever the client sent.
	app.logCommand("EXPIREAT", []string{key, strconv.FormatInt(absolute, 10)})
	_ = app.writeIntegerResponse(w, 1)
}

// handleTTL handles the TTL command.
// Syntax: TTL key
//
// Replies -2 when the key does not exist, -1 when it has no expiry, and the
// remaining milliseconds otherwise.
func (app *application) handleTTL(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "TTL")
		return
	}

	key := args[0]

	expiry, exists := app.store.GetExpiry(key)
	if !exists {
		_ = app.writeIntegerResponse(w, -2)
		return
	}

	if expiry == -1 {
		_ = app.writeIntegerResponse(w, -1)
		return
	}

	// The deadline may have passed between GetExpiry and this line.
	remaining := expiry - time.Now().UnixMilli()
	if remaining < 0 {
		remaining = 0
	}

	_ = app.writeIntegerResponse64(w, remaining)
}

// handlePersist handles the PERSIST command.
// Syntax: PERSIST key
//
// Removes a key's expiry. Replies 1 when an expiry was removed, 0 when the
// key is missing or had none.
func (app *application) handlePersist(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "PERSIST")
		return
	}

	key := args[0]

	expiry, exists := app.store.GetExpiry(key)
	if !exists || expiry == -1 {
		_ = app.writeIntegerResponse(w, 0)
		return
	}

	app.store.SetExpiry(key, 0, ExpireModeAlways)
	app.logCommand("PERSIST", []string{key})
	_ = app.writeIntegerResponse(w, 1)
}
