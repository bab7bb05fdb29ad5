// persistence.go is the glue between the in-memory store and the on-disk
// journal: it restores state at startup and logs write commands while the
// server runs.
//
// The journal is a hybrid file, one part binary and one part text:
//
//	+-----------------------+---------------------------+
//	| Binary preamble       | Text tail                 |
//	| (CRD1 snapshot)       | (RESP commands)           |
//	+-----------------------+---------------------------+
//
// A pure snapshot loads fast but freezes a point in time; a pure command
// log captures every write but replays slowly and grows without bound.
// Storing a snapshot with a command tail behind it keeps the good half of
// each: startup restores the bulk of the data by streaming the preamble,
// then replays only the commands that arrived since the last compaction.
//
// Write logging
// =============
//
// Handlers call logCommand after a mutation commits in memory. The command
// goes into the AOF as RESP text, the same bytes a client would send, so
// the tail replays through the normal parser and router and stays
// inspectable with Redis tooling. Registers that were already set produce
// no log entry at all; an idempotent CARD.ADD is free on disk.
//
// Compaction
// ==========
//
// CompactAOF collapses the whole journal back into a bare snapshot: stream
// the store to a temp file, then atomically swap it in. The text tail
// restarts empty. Compaction runs on demand (COMPACT), automatically when
// the file outgrows its base size, and at shutdown.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// logCommand appends one write command to the journal. Fire-and-forget on
// purpose: the in-memory mutation already succeeded, so a disk error here
// must not fail the client's request. It is logged loudly instead, and the
// operator decides what to do about the disk.
func (app *application) logCommand(command string, args []string) {
	if app.aof == nil {
		return
	}

	data := encodeCommand(command, args)

	// The AOF serializes concurrent appends internally.
	if err := app.aof.Write(data); err != nil {
		app.logger.Error("CRITICAL: failed to append to AOF", "error", err, "command", command)
	}
}

// loadAOF restores server state from the journal at startup. Pure-text
// journals, hybrid journals and missing files are all handled.
func (app *application) loadAOF() error {
	//
	// DESIGN
	// ------
	//
	// The loader sniffs the first four bytes. "CRD1" means a hybrid file:
	// the snapshot loader consumes exactly the binary section (it stops
	// right after the checksum), and because both stages share one
	// bufio.Reader, the reader is then sitting on the first byte of the
	// text tail. Anything else means a pure-text journal (or an empty
	// file), and parsing starts immediately.
	//
	// Replayed commands dispatch through the regular router with their
	// output sent to io.Discard; a replay has no client to answer. Loading
	// happens before the listener opens, so no locks are contended.
	//
	f, err := os.Open(app.config.aofFilename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	reader := bufio.NewReader(f)

	magic, _ := reader.Peek(4)

	if string(magic) == snapshotMagic {
		app.logger.Info("loading hybrid AOF preamble...")
		if err := app.store.LoadSnapshotFromReader(reader); err != nil {
			return fmt.Errorf("corrupt hybrid preamble: %w", err)
		}
	}

	parser := NewParser(reader)

	for {
		parts, err := parser.Parse()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A crash mid-append leaves a half-written last command. That
			// shows up as io.ErrUnexpectedEOF: the parser started a command
			// and ran out of file. Whether that aborts startup is the
			// operator's call via -aof-load-truncated:
			//
			//   true   log a warning, drop the partial command, and mark the
			//          journal for an immediate healing compaction
			//   false  refuse to start until someone inspects the file
			//
			// Any other parse error in the middle of the file is real
			// corruption and always fatal.
			if err == io.ErrUnexpectedEOF {
				if app.config.aofLoadTruncated {
					app.logger.Warn("AOF truncated at end - ignoring partial last command (this is normal after a crash)")
					app.needsCompaction = true
					return nil
				}
				return errors.New("AOF truncated (run with -aof-load-truncated=true to auto-recover, or use cardinal-check to inspect)")
			}
			return err
		}

		app.router.Dispatch(app, io.Discard, parts)
	}

	return nil
}

// CompactAOF rewrites the journal as a fresh snapshot with an empty text
// tail, shrinking the file and the next startup's replay to nothing.
func (app *application) CompactAOF() error {
	//
	// DESIGN
	// ------
	//
	// Two phases with very different locking:
	//
	// Phase 1 streams the snapshot into a temp file. This is the slow part,
	// and it runs without the AOF lock; the store's per-shard read locks
	// are the only contention, so the server keeps serving.
	//
	// Phase 2 swaps the temp file in under the AOF lock: flush, close,
	// rename, reopen. A few milliseconds of paused appends, never a dropped
	// request. The rename is atomic on POSIX, so a crash at any point
	// leaves either the old journal or the new one, not a hybrid of both.
	//
	// The fileClosed/renameSuccess flags drive the deferred cleanup: they
	// record how far the happy path got, so the defer closes and removes
	// exactly what is still dangling and nothing more.
	//
	tmpName := app.config.aofFilename + ".tmp"
	f, err := os.Create(tmpName)
	if err != nil {
		return err
	}

	var (
		fileClosed    bool
		renameSuccess bool
	)

	defer func() {
		if !fileClosed {
			_ = f.Close()
		}
		if !renameSuccess {
			_ = os.Remove(tmpName)
		}
	}()

	// Phase 1: snapshot into the temp file. The block scopes the buffered
	// writer so it cannot be used after the flush.
	{
		bw := bufio.NewWriter(f)
		if err := app.store.SaveSnapshotToWriter(bw); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}

	// The snapshot must be physically on disk before it can replace the
	// journal.
	if err := f.Sync(); err != nil {
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}
	fileClosed = true

	// Phase 2: the swap. Holding the AOF mutex pauses logCommand.
	app.aof.mu.Lock()
	defer app.aof.mu.Unlock()

	// Pending text commands are already captured in the snapshot's state,
	// so a failed flush here only loses bytes the snapshot supersedes.
	if err := app.aof.writer.Flush(); err != nil {
		app.logger.Error("warning: failed to flush old AOF before rewrite", "error", err)
	}
	_ = app.aof.file.Close()

	if err := os.Rename(tmpName, app.config.aofFilename); err != nil {
		return err
	}
	renameSuccess = true

	newFile, err := os.OpenFile(app.config.aofFilename, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return err
	}

	app.aof.file = newFile
	app.aof.writer.Reset(newFile)

	// The compacted size becomes the new base for the auto-rewrite growth
	// check.
	if stat, err := newFile.Stat(); err == nil {
		app.aofBaseSize.Store(stat.Size())
	}

	return nil
}
