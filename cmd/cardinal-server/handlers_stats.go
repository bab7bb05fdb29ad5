// handlers_stats.go implements memory inspection. A sketch's footprint is
// dominated by its serialized registers, so MEMORY USAGE is mostly "how big
// did this sketch get", which matters when choosing precisions.

package main

import (
	"fmt"
	"io"
	"strings"
)

// handleMemory handles the MEMORY command.
// Syntax: MEMORY USAGE <key>
func (app *application) handleMemory(w io.Writer, args []string) {
	if len(args) < 1 {
		app.wrongNumberOfArgsResponse(w, "MEMORY")
		return
	}

	subcommand := strings.ToUpper(args[0])
	subArgs := args[1:]

	switch subcommand {
	case "USAGE":
		app.handleMemoryUsage(w, subArgs)
	default:
		msg := fmt.Sprintf("ERR unknown subcommand '%s'. Try MEMORY USAGE <key>", subcommand)
		_ = app.writeErrorResponse(w, msg)
	}
}

// handleMemoryUsage handles MEMORY USAGE <key>.
func (app *application) handleMemoryUsage(w io.Writer, args []string) {
	//
	// DESIGN
	// ------
	//
	// Redis MEMORY USAGE semantics: nil for a missing key, an approximate
	// byte count for a live one. The count is key bytes plus value bytes
	// plus a constant for Go's bookkeeping around a map entry:
	//
	//   string header 16 + slice header 24 + ~32 of map bucket overhead
	//
	if len(args) != 1 {
		_ = app.writeErrorResponse(w, "ERR wrong number of arguments for 'MEMORY USAGE' command")
		return
	}

	key := args[0]
	var size int
	found := false

	const mapOverhead = 72

	_ = app.store.View(key, func(data []byte) error {
		if data != nil {
			found = true
			size = len(key) + len(data) + mapOverhead
		}
		return nil
	})

	if !found {
		_ = app.writeNilResponse(w)
		return
	}

	_ = app.writeIntegerResponse(w, size)
}
