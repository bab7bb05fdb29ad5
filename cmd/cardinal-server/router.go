package main

import (
	"io"
	"strings"
)

// CommandHandler is the signature every command implementation satisfies.
// The writer is usually a buffered wrapper around the client connection,
// but replay passes io.Discard and the tests pass in-memory buffers.
type CommandHandler func(w io.Writer, args []string)

// Router maps uppercase command names to handlers.
type Router struct {
	handlers map[string]CommandHandler
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]CommandHandler),
	}
}

// Handle registers a handler. Registration is case-insensitive.
func (r *Router) Handle(name string, handler CommandHandler) {
	r.handlers[strings.ToUpper(name)] = handler
}

// Dispatch looks up the handler for a parsed command and runs it. Empty
// commands (a bare newline from an inline client) are ignored.
func (r *Router) Dispatch(app *application, w io.Writer, parts []string) {
	if len(parts) == 0 {
		return
	}

	app.metrics.TotalCommands.Add(1)

	commandName := strings.ToUpper(parts[0])
	args := parts[1:]

	handler, found := r.handlers[commandName]
	if !found {
		app.unknownCommandResponse(w, commandName)
		return
	}

	handler(w, args)
}
