package main

import (
	"net"
	"time"
)

// writeResponse writes raw bytes straight to a connection, outside the
// buffered command loop. Used where no per-connection writer exists yet,
// like rejecting a connection over the limit. A write deadline keeps a
// stuck client from pinning the caller.
func (app *application) writeResponse(conn net.Conn, data []byte) error {
	remoteAddr := conn.RemoteAddr().String()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		app.logger.Error("failed to set write deadline", "error", err, "remote_addr", remoteAddr)
		return err
	}

	_, err := conn.Write(data)
	if err != nil {
		app.logger.Error("failed to write response", "error", err, "remote_addr", remoteAddr)
		return err
	}
	return nil
}
