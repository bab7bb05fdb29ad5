// aof.go wraps the append-only file handle. It knows nothing about what the
// bytes mean; it only guarantees that concurrent appends do not interleave
// and that Fsync really reaches the platter. What gets written and when
// (RESP command text, compaction, replay) is persistence.go's business.
//
// Appends land in a bufio.Writer first. The background maintenance loop in
// main.go drains that buffer to the OS and fsyncs once per second, which is
// where the server's "at most one second of loss" durability story comes
// from.

package main

import (
	"bufio"
	"os"
	"sync"
)

type AOF struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

func NewAOF(path string) (*AOF, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}

	return &AOF{
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// Write appends data to the in-memory buffer. The buffer auto-flushes to
// the OS when full; durability waits for the next Fsync.
func (aof *AOF) Write(data []byte) error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	_, err := aof.writer.Write(data)
	return err
}

func (aof *AOF) Close() error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	if err := aof.writer.Flush(); err != nil {
		return err
	}

	return aof.file.Close()
}

// Fsync drains the buffer to the OS and forces the OS to commit to the
// physical disk.
func (aof *AOF) Fsync() error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	if err := aof.writer.Flush(); err != nil {
		return err
	}

	return aof.file.Sync()
}
