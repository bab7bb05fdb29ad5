package main

import (
	"strconv"
	"strings"
)

// encodeCommand renders a command and its arguments as a RESP array, the
// exact bytes a client would have sent. The append-only file stores commands
// in this form, so the replay path can reuse the request parser and the log
// stays readable with standard Redis tooling.
//
//	encodeCommand("CARD.ADD", []string{"users", "alice"})
//	=> "*3\r\n$8\r\nCARD.ADD\r\n$5\r\nusers\r\n$5\r\nalice\r\n"
func encodeCommand(command string, args []string) []byte {
	var sb strings.Builder

	// Typical logged commands fit in 64 bytes; growing up front avoids the
	// builder's doubling steps for them.
	sb.Grow(64)

	// Array header: element count is the command plus its arguments.
	sb.WriteString("*")
	sb.WriteString(strconv.Itoa(len(args) + 1))
	sb.WriteString("\r\n")

	// The command name is the first bulk string.
	sb.WriteString("$")
	sb.WriteString(strconv.Itoa(len(command)))
	sb.WriteString("\r\n")
	sb.WriteString(command)
	sb.WriteString("\r\n")

	// Then one bulk string per argument. Empty arguments encode as
	// "$0\r\n\r\n", which round-trips correctly.
	for i := 0; i < len(args); i++ {
		sb.WriteString("$")
		sb.WriteString(strconv.Itoa(len(args[i])))
		sb.WriteString("\r\n")
		sb.WriteString(args[i])
		sb.WriteString("\r\n")
	}

	return []byte(sb.String())
}
