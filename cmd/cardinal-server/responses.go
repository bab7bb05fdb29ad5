package main

import (
	"io"
	"strconv"
)

// Canned responses for the hot cases. CARD.ADD answers with 0 or 1 almost
// always, PING answers PONG, and successful writes answer OK; reusing these
// slices keeps those paths allocation-free.
var (
	respOK   = []byte("+OK\r\n")
	respPong = []byte("+PONG\r\n")
	respZero = []byte(":0\r\n")
	respOne  = []byte(":1\r\n")
	respNil  = []byte("$-1\r\n")
)

func (app *application) writeSimpleStringResponse(w io.Writer, s string) error {
	if s == "OK" {
		_, err := w.Write(respOK)
		return err
	}
	if s == "PONG" {
		_, err := w.Write(respPong)
		return err
	}

	// Format: +string\r\n
	buf := make([]byte, 0, 1+len(s)+2)
	buf = append(buf, '+')
	buf = append(buf, s...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeErrorResponse(w io.Writer, errStr string) error {
	// Format: -string\r\n
	buf := make([]byte, 0, 1+len(errStr)+2)
	buf = append(buf, '-')
	buf = append(buf, errStr...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeBulkStringResponse(w io.Writer, s string) error {
	// Format: $length\r\nstring\r\n
	// Carries the INFO and CARD.INFO reports; not a hot path.
	buf := make([]byte, 0, 16+len(s))
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, s...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeIntegerResponse(w io.Writer, i int) error {
	return app.writeIntegerResponse64(w, int64(i))
}

func (app *application) writeIntegerResponse64(w io.Writer, i int64) error {
	// 0 and 1 cover nearly every CARD.ADD, EXISTS and EXPIRE reply.
	if i == 0 {
		_, err := w.Write(respZero)
		return err
	}
	if i == 1 {
		_, err := w.Write(respOne)
		return err
	}

	// Format: :integer\r\n
	buf := make([]byte, 0, 24)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, i, 10)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeNilResponse(w io.Writer) error {
	// Format: $-1\r\n (null bulk string)
	_, err := w.Write(respNil)
	return err
}
