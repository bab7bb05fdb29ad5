package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	writeTimeout              = 5 * time.Second
	rejectionTimeout          = 500 * time.Millisecond
	errMaxConnectionsResponse = "ERR max number of clients reached\n"
)

// serve starts the TCP listener and blocks until shutdown.
func (app *application) serve() error {
	//
	// DESIGN
	// ------
	//
	// Three concerns meet in this function:
	//
	// Connection limiting. The connLimiter channel is a semaphore; a
	// non-blocking send is the try-acquire. When the buffer is full the
	// connection is rejected with an error line instead of queueing, so an
	// overload degrades loudly rather than building invisible backlog.
	//
	// Graceful shutdown. A signal goroutine waits for SIGINT/SIGTERM,
	// closes the listener to stop new connections, then waits on the
	// WaitGroup for in-flight handlers with a timeout so one stuck client
	// cannot hold the process open forever.
	//
	// Error propagation. The shutdown goroutine reports back over a
	// channel, which is what lets serve() return the right error to main.
	//
	addr := fmt.Sprintf(":%d", app.config.port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	app.listener = ln

	serverAddr := ln.Addr().String()

	// Tests listen on port 0 and need to learn the bound address; closing
	// readyCh tells them the listener is up.
	if app.readyCh != nil {
		close(app.readyCh)
	}

	shutdownError := make(chan error)
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		app.logger.Info("caught signal", "signal", s.String(), "address", serverAddr)
		app.logger.Info("shutting down server", "address", serverAddr)

		ctx, cancel := context.WithTimeout(context.Background(), app.config.shutdownTimeout)
		defer cancel()

		if err := ln.Close(); err != nil {
			shutdownError <- err
		}

		wgDone := make(chan struct{})
		go func() {
			app.wg.Wait()
			close(wgDone)
		}()

		select {
		case <-wgDone:
			shutdownError <- nil
		case <-ctx.Done():
			shutdownError <- ctx.Err()
		}
	}()

	app.logger.Info("server starting", "address", serverAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break // listener closed by the shutdown path
			}
			app.logger.Error("failed to accept connection", "error", err, "address", serverAddr)
			continue
		}

		select {
		case app.connLimiter <- struct{}{}:
			app.wg.Add(1)
			go app.handleConnection(conn)
		default:
			app.metrics.RejectedConnections.Add(1)
			app.logger.Info("rejecting connection, limit reached", "remote_addr", conn.RemoteAddr().String())

			// Strict deadline on the rejection write; a client that never
			// reads must not be able to stall the accept loop.
			_ = conn.SetWriteDeadline(time.Now().Add(rejectionTimeout))

			_ = app.writeResponse(conn, []byte(errMaxConnectionsResponse))
			_ = conn.Close()
		}
	}

	err = <-shutdownError
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		app.logger.Error("server stopped with error", "error", err, "address", serverAddr)
		return err
	}

	app.logger.Info("server stopped gracefully", "address", serverAddr)
	return nil
}

// handleConnection owns one client for its whole life.
func (app *application) handleConnection(conn net.Conn) {
	//
	// DESIGN
	// ------
	//
	// A plain request/response loop, with two throughput details:
	//
	// Buffered writes. Responses collect in a 4KB bufio.Writer instead of
	// hitting the socket one syscall each.
	//
	// Pipelining-aware flush. When a client pipelines, several commands
	// arrive in one TCP segment and sit in the parser's buffer. As long as
	// Buffered() says more input is waiting, the flush is skipped and the
	// next command processed, so a pipelined batch pays for one write
	// syscall total. An empty buffer means the client is waiting; flush.
	//
	// The deferred stack restores every resource on any exit: semaphore
	// slot, WaitGroup, socket, and a final flush so responses to commands
	// that succeeded before a mid-pipeline parse error still reach the
	// client.
	//
	defer func() { <-app.connLimiter }()
	defer app.wg.Done()
	defer func() { _ = conn.Close() }()

	app.metrics.TotalConnections.Add(1)

	remoteAddr := conn.RemoteAddr().String()
	app.logger.Info("new connection", "remote_addr", remoteAddr)

	parser := NewParser(conn)
	writer := bufio.NewWriterSize(conn, 4096)

	defer func() { _ = writer.Flush() }()

	if app.config.idleTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(app.config.idleTimeout)); err != nil {
			app.logger.Error("failed to set initial read deadline", "error", err, "remote_addr", remoteAddr)
			return
		}
	}

	for {
		if app.config.idleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(app.config.idleTimeout)); err != nil {
				app.logger.Error("failed to set read deadline", "error", err, "remote_addr", remoteAddr)
				return
			}
		}

		parts, err := parser.Parse()
		if err != nil {
			if err == io.EOF {
				app.logger.Info("client disconnected", "remote_addr", remoteAddr)
			} else {
				app.logger.Error("parser error", "error", err, "remote_addr", remoteAddr)
			}
			return
		}

		app.router.Dispatch(app, writer, parts)

		if parser.Buffered() == 0 {
			if err := writer.Flush(); err != nil {
				app.logger.Error("failed to flush response", "error", err, "remote_addr", remoteAddr)
				return
			}
		}
	}
}
