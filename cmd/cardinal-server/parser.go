// RESP request parsing.
//
// The server speaks the REdis Serialization Protocol on the wire. That buys
// two things: any Redis client library or tool (redis-cli, redis-benchmark)
// can talk to a cardinal server without a custom driver, and the protocol is
// length-prefixed, so element values may be arbitrary binary without any
// escaping rules.
//
// Only the request subset is implemented here. Clients send commands in two
// shapes:
//
//	RESP arrays:  "*2\r\n$10\r\nCARD.COUNT\r\n$5\r\nusers\r\n"
//	Inline:       "CARD.COUNT users\r\n"
//
// The inline form is what a human types over netcat; programmatic clients
// always send arrays. Responses are produced elsewhere (responses.go).
//
// Abuse limits
// ============
//
// A parser that trusts client-supplied lengths is an allocation bomb. Three
// limits close the obvious holes: bulk strings are capped at 512MB before
// the buffer for them is allocated, array headers are capped at 1M elements
// before the slice is sized, and header/inline lines are capped at 64KB so
// a client that never sends '\n' cannot buffer unboundedly.

package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// MaxBulkLength caps a single bulk string at 512MB, the same ceiling
	// Redis ships with (proto-max-bulk-len).
	MaxBulkLength = 512 * 1024 * 1024

	// MaxArrayLen caps command arity. No real command comes close.
	MaxArrayLen = 1 << 20

	// MaxLineSize caps header and inline lines.
	MaxLineSize = 64 * 1024
)

var (
	ErrInvalidSyntax = errors.New("ERR protocol error: invalid syntax")
	ErrLineTooLong   = errors.New("ERR protocol error: line too long")
	ErrBulkTooLarge  = errors.New("ERR protocol error: bulk string exceeds 512MB limit")
	ErrArrayTooLong  = errors.New("ERR protocol error: array exceeds 1M elements limit")
)

type Parser struct {
	reader *bufio.Reader
}

func NewParser(conn io.Reader) *Parser {
	return &Parser{
		reader: bufio.NewReaderSize(conn, 4096),
	}
}

// Parse reads one command and returns it as a flat argv slice, command name
// first. The first byte decides the format: '*' opens a RESP array, anything
// else is treated as an inline command.
func (p *Parser) Parse() ([]string, error) {
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}

	if len(line) == 0 {
		return nil, ErrInvalidSyntax
	}

	if line[0] == '*' {
		return p.parseArray(line)
	}

	return p.parseInline(line)
}

// Buffered reports how many unread bytes the client has already delivered.
// A non-zero value means the client is pipelining; the connection loop uses
// this to batch responses before flushing.
func (p *Parser) Buffered() int {
	return p.reader.Buffered()
}

// readLine reads up to '\n', applying MaxLineSize while accumulating
// continuation chunks.
func (p *Parser) readLine() ([]byte, error) {
	line, isPrefix, err := p.reader.ReadLine()
	if err != nil {
		return nil, err
	}

	// Common case: the whole line fit in the read buffer.
	if !isPrefix {
		return line, nil
	}

	var buf bytes.Buffer
	buf.Write(line)

	for isPrefix {
		line, isPrefix, err = p.reader.ReadLine()
		if err != nil {
			return nil, err
		}

		// Check before the write so the limit bounds allocation, not just
		// the final length.
		if buf.Len()+len(line) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		buf.Write(line)
	}

	return buf.Bytes(), nil
}

// parseInline splits a space-separated command line.
func (p *Parser) parseInline(line []byte) ([]string, error) {
	parts := bytes.Fields(line)
	if len(parts) == 0 {
		return nil, ErrInvalidSyntax
	}

	result := make([]string, len(parts))
	for i, part := range parts {
		result[i] = string(part)
	}

	return result, nil
}

// parseArray reads the body of a "*<count>" command, one bulk string per
// element.
func (p *Parser) parseArray(header []byte) ([]string, error) {
	count, err := strconv.Atoi(string(bytes.TrimSpace(header[1:])))
	if err != nil {
		return nil, ErrInvalidSyntax
	}

	// "*-1" (null array) and "*0" both surface as an empty command, which
	// the dispatcher ignores.
	if count <= 0 {
		return []string{}, nil
	}

	if count > MaxArrayLen {
		return nil, ErrArrayTooLong
	}

	command := make([]string, 0, count)

	for i := 0; i < count; i++ {
		str, err := p.parseBulkString()
		if err != nil {
			return nil, err
		}
		command = append(command, str)
	}

	return command, nil
}

// parseBulkString reads one "$<len>\r\n<data>\r\n" element.
func (p *Parser) parseBulkString() (string, error) {
	line, err := p.readLine()
	if err != nil {
		return "", err
	}

	if len(line) == 0 || line[0] != '$' {
		return "", ErrInvalidSyntax
	}

	length, err := strconv.Atoi(string(bytes.TrimSpace(line[1:])))
	if err != nil {
		return "", ErrInvalidSyntax
	}

	// "$-1" is a null bulk string. Commands here never distinguish null
	// from empty, so it collapses to "".
	if length == -1 {
		return "", nil
	}

	if length < 0 {
		return "", ErrInvalidSyntax
	}
	if length > MaxBulkLength {
		return "", ErrBulkTooLarge
	}

	// Read the payload and its trailing CRLF together.
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(p.reader, buf); err != nil {
		return "", err
	}

	if buf[length] != '\r' || buf[length+1] != '\n' {
		return "", ErrInvalidSyntax
	}

	return string(buf[:length]), nil
}
