// handlers.go implements the server-level commands that are not tied to the
// sketch types: PING, DEL, EXISTS, INFO and COMPACT.

package main

import (
	"fmt"
	"io"
	"strings"
)

// handlePing handles the PING command.
// Syntax: PING
//
// Liveness check. Clients and load balancers use it to verify the server is
// accepting and answering commands.
func (app *application) handlePing(w io.Writer, args []string) {
	if len(args) != 0 {
		app.wrongNumberOfArgsResponse(w, "PING")
		return
	}

	_ = app.writeSimpleStringResponse(w, "PONG")
}

// handleDel handles the DEL command.
// Syntax: DEL key [key ...]
//
// Removes keys and returns how many actually existed. Missing keys are
// ignored.
func (app *application) handleDel(w io.Writer, args []string) {
	if len(args) == 0 {
		app.wrongNumberOfArgsResponse(w, "DEL")
		return
	}

	var deletedKeys []string

	for _, key := range args {
		if app.store.Delete(key) {
			deletedKeys = append(deletedKeys, key)
		}
	}

	count := len(deletedKeys)

	// Log only the keys that were really removed: "DEL a b" with only "a"
	// present replays as "DEL a".
	if count > 0 {
		app.logCommand("DEL", deletedKeys)
	}

	_ = app.writeIntegerResponse(w, count)
}

// handleExists handles the EXISTS command.
// Syntax: EXISTS key
//
// Returns 1 if the key holds a live value, 0 otherwise. Expired keys count
// as absent even before the reaper removes them.
func (app *application) handleExists(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "EXISTS")
		return
	}

	if app.store.Exists(args[0]) {
		_ = app.writeIntegerResponse(w, 1)
		return
	}
	_ = app.writeIntegerResponse(w, 0)
}

// handleInfo handles the INFO command.
// Syntax: INFO
//
// Reports server counters and persistence state as a text block in the
// Redis INFO format: "# Section" headers over "key:value" lines, all
// CRLF-terminated.
func (app *application) handleInfo(w io.Writer, args []string) {
	if len(args) > 0 {
		// Section arguments like "INFO Server" are not supported; arity is
		// strict so a typo fails loudly instead of returning everything.
		app.wrongNumberOfArgsResponse(w, "INFO")
		return
	}

	totalConns := app.metrics.TotalConnections.Load()
	rejectedConns := app.metrics.RejectedConnections.Load()
	totalCmds := app.metrics.TotalCommands.Load()

	// The semaphore's current length is an instantaneous view of in-flight
	// connections.
	activeConns := len(app.connLimiter)

	var infoBuilder strings.Builder

	infoBuilder.WriteString("# Server\r\n")
	infoBuilder.WriteString(fmt.Sprintf("connections_total:%d\r\n", totalConns))
	infoBuilder.WriteString(fmt.Sprintf("connections_active:%d\r\n", activeConns))
	infoBuilder.WriteString(fmt.Sprintf("connections_rejected_total:%d\r\n", rejectedConns))
	infoBuilder.WriteString(fmt.Sprintf("commands_processed_total:%d\r\n", totalCmds))

	infoBuilder.WriteString("# Keyspace\r\n")
	infoBuilder.WriteString(fmt.Sprintf("keys_total:%d\r\n", app.store.KeyCount()))

	infoBuilder.WriteString("# Persistence\r\n")
	if app.aof == nil {
		infoBuilder.WriteString("aof_enabled:0\r\n")
	} else {
		infoBuilder.WriteString("aof_enabled:1\r\n")
		infoBuilder.WriteString(fmt.Sprintf("aof_base_bytes:%d\r\n", app.aofBaseSize.Load()))
		rewriting := 0
		if app.isRewriting.Load() {
			rewriting = 1
		}
		infoBuilder.WriteString(fmt.Sprintf("aof_rewrite_in_progress:%d\r\n", rewriting))
	}

	if err := app.writeBulkStringResponse(w, infoBuilder.String()); err != nil {
		return
	}
}

// handleCompact handles the COMPACT command.
// Syntax: COMPACT
func (app *application) handleCompact(w io.Writer, args []string) {
	//
	// DESIGN
	// ------
	//
	// Manual trigger for the journal rewrite, for operators who want the
	// disk space back now or a minimal journal before a backup.
	//
	// The isRewriting flag is shared with the automatic trigger in the
	// maintenance loop, so at most one compaction runs at a time no matter
	// who asked for it. The rewrite itself runs in a goroutine and the
	// client gets an immediate acknowledgement; the outcome lands in the
	// server log, mirroring how Redis handles BGREWRITEAOF.
	//
	if len(args) != 0 {
		app.wrongNumberOfArgsResponse(w, "COMPACT")
		return
	}

	if app.aof == nil {
		_ = app.writeErrorResponse(w, "ERR persistence is disabled, nothing to compact")
		return
	}

	if !app.isRewriting.CompareAndSwap(false, true) {
		_ = app.writeErrorResponse(w, "ERR Background append only file rewriting already in progress")
		return
	}

	go func() {
		defer app.isRewriting.Store(false)

		app.logger.Info("user requested background AOF rewrite started")

		if err := app.CompactAOF(); err != nil {
			app.logger.Error("background rewrite failed", "error", err)
		} else {
			app.logger.Info("background AOF rewrite finished successfully")
		}
	}()

	_ = app.writeSimpleStringResponse(w, "Background append only file rewriting started")
}
