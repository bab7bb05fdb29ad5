package main

import (
	"fmt"
	"io"
)

// wrongTypeResponse reports an operation against a key that does not hold a
// serialized sketch.
func (app *application) wrongTypeResponse(w io.Writer) {
	_ = app.writeErrorResponse(w, "WRONGTYPE Operation against a key holding the wrong kind of value")
}

// corruptSketchResponse reports a key whose value carries the sketch magic
// but fails to decode. Snapshot checksums make this near-impossible short of
// a bug, so the message is loud.
func (app *application) corruptSketchResponse(w io.Writer) {
	_ = app.writeErrorResponse(w, "ERR internal sketch corruption")
}

// unknownCommandResponse reports a command the router has no handler for.
func (app *application) unknownCommandResponse(w io.Writer, commandName string) {
	msg := fmt.Sprintf("ERR unknown command '%s'", commandName)
	_ = app.writeErrorResponse(w, msg)
}

// wrongNumberOfArgsResponse reports bad arity for a known command.
func (app *application) wrongNumberOfArgsResponse(w io.Writer, commandName string) {
	msg := fmt.Sprintf("ERR wrong number of arguments for '%s' command", commandName)
	_ = app.writeErrorResponse(w, msg)
}
