package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"cardinal.lopezb.com/internal/cardinal/hyperloglog"
)

// TestStoreBinaryFormat verifies the low-level snapshot serialization using
// memory buffers in place of the journal file.
func TestStoreBinaryFormat(t *testing.T) {
	originalStore := NewStore()
	testData := make(map[string][]byte)

	// Enough keys to hit many shards
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%d", i)
		val := []byte(fmt.Sprintf("CSK1value-%d", i))
		testData[key] = val
		originalStore.Set(key, val)
	}

	var buf bytes.Buffer
	if err := originalStore.SaveSnapshotToWriter(&buf); err != nil {
		t.Fatalf("SaveSnapshotToWriter failed: %v", err)
	}

	newStore := NewStore()
	reader := bufio.NewReader(&buf)
	if err := newStore.LoadSnapshotFromReader(reader); err != nil {
		t.Fatalf("LoadSnapshotFromReader failed: %v", err)
	}

	for key, expectedVal := range testData {
		gotVal, found := newStore.Get(key)
		if !found {
			t.Errorf("key %s missing from loaded store", key)
			continue
		}
		if !bytes.Equal(gotVal, expectedVal) {
			t.Errorf("key %s mismatch. Got %s, want %s", key, gotVal, expectedVal)
		}
	}

	if n := newStore.KeyCount(); n != 500 {
		t.Errorf("KeyCount after load = %d, want 500", n)
	}
}

// TestAOFLog verifies that the logCommand helper writes correct RESP format.
func TestAOFLog(t *testing.T) {
	filename := "test_journal.aof"
	defer func() { _ = removeTestFile(filename) }()

	aof, err := NewAOF(filename)
	if err != nil {
		t.Fatalf("failed to create AOF: %v", err)
	}

	app := newTestApp(t)
	app.aof = aof

	app.logCommand("CARD.ADD", []string{"mykey", "val"})

	// Close to flush the buffer to disk
	_ = aof.Close()

	content, _ := os.ReadFile(filename)

	expected := "*3\r\n$8\r\nCARD.ADD\r\n$5\r\nmykey\r\n$3\r\nval\r\n"
	if string(content) != expected {
		t.Errorf("AOF content mismatch.\nGot: %q\nWant: %q", string(content), expected)
	}
}

// TestAOFReplay verifies text-only journal loading.
func TestAOFReplay(t *testing.T) {
	filename := "test_replay.aof"
	defer func() { _ = removeTestFile(filename) }()

	// CARD.ADD replay_key value1
	content := "*3\r\n$8\r\nCARD.ADD\r\n$10\r\nreplay_key\r\n$6\r\nvalue1\r\n"
	if err := os.WriteFile(filename, []byte(content), 0o666); err != nil {
		t.Fatalf("failed to write dummy AOF: %v", err)
	}

	app := newTestApp(t)
	app.config.aofFilename = filename

	if err := app.loadAOF(); err != nil {
		t.Fatalf("loadAOF failed: %v", err)
	}

	val, found := app.store.Get("replay_key")
	if !found {
		t.Fatal("key not found in store after text replay")
	}
	if !hyperloglog.HasMagic(val) {
		t.Error("replayed value is not a serialized sketch")
	}
}

// TestAOFReplayCreateOptions verifies that CARD.CREATE options survive a
// replay.
func TestAOFReplayCreateOptions(t *testing.T) {
	filename := "test_replay_create.aof"
	defer func() { _ = removeTestFile(filename) }()

	// CARD.CREATE created_key PRECISION 6 KIND packed
	content := "*6\r\n$11\r\nCARD.CREATE\r\n$11\r\ncreated_key\r\n" +
		"$9\r\nPRECISION\r\n$1\r\n6\r\n$4\r\nKIND\r\n$6\r\npacked\r\n"
	if err := os.WriteFile(filename, []byte(content), 0o666); err != nil {
		t.Fatalf("failed to write dummy AOF: %v", err)
	}

	app := newTestApp(t)
	app.config.aofFilename = filename

	if err := app.loadAOF(); err != nil {
		t.Fatalf("loadAOF failed: %v", err)
	}

	val, found := app.store.Get("created_key")
	if !found {
		t.Fatal("key not found after replay")
	}
	if p, _ := hyperloglog.PeekPrecision(val); p != 6 {
		t.Errorf("precision after replay = %d, want 6", p)
	}
	if k, _ := hyperloglog.PeekKind(val); k != hyperloglog.KindPacked {
		t.Error("kind after replay is not packed")
	}
}

// TestHybridAOFLoading verifies the loader handles a binary preamble with a
// text tail behind it.
func TestHybridAOFLoading(t *testing.T) {
	filename := "test_hybrid.aof"
	defer func() { _ = removeTestFile(filename) }()

	// Binary part
	store := NewStore()
	store.Set("binary_key", []byte("CSK1_BIN"))

	f, _ := os.Create(filename)
	if err := store.SaveSnapshotToWriter(f); err != nil {
		t.Fatal(err)
	}

	// Text tail appended directly to the same file:
	// CARD.ADD text_key value1
	textContent := "*3\r\n$8\r\nCARD.ADD\r\n$8\r\ntext_key\r\n$6\r\nvalue1\r\n"
	_, _ = f.WriteString(textContent)
	_ = f.Close()

	app := newTestApp(t)
	app.config.aofFilename = filename

	if err := app.loadAOF(); err != nil {
		t.Fatalf("loadAOF failed on hybrid file: %v", err)
	}

	if val, ok := app.store.Get("binary_key"); !ok || string(val) != "CSK1_BIN" {
		t.Error("binary preamble was not loaded correctly")
	}

	if _, ok := app.store.Get("text_key"); !ok {
		t.Error("text tail was not replayed correctly")
	}
}

// TestHybridAOFDeleteTail verifies that a DEL in the text tail overrides a
// key from the preamble.
func TestHybridAOFDeleteTail(t *testing.T) {
	filename := "test_hybrid_del.aof"
	defer func() { _ = removeTestFile(filename) }()

	store := NewStore()
	store.Set("doomed_key", []byte("CSK1_OLD"))
	store.Set("kept_key", []byte("CSK1_NEW"))

	f, _ := os.Create(filename)
	if err := store.SaveSnapshotToWriter(f); err != nil {
		t.Fatal(err)
	}

	// DEL doomed_key
	_, _ = f.WriteString("*2\r\n$3\r\nDEL\r\n$10\r\ndoomed_key\r\n")
	_ = f.Close()

	app := newTestApp(t)
	app.config.aofFilename = filename

	if err := app.loadAOF(); err != nil {
		t.Fatalf("loadAOF failed: %v", err)
	}

	if app.store.Exists("doomed_key") {
		t.Error("DEL in the tail should remove the preamble key")
	}
	if !app.store.Exists("kept_key") {
		t.Error("unrelated key lost during hybrid load")
	}
}

// TestSnapshotCorruption verifies that a modified snapshot fails to load.
func TestSnapshotCorruption(t *testing.T) {
	store := NewStore()
	store.Set("key1", []byte("data"))

	filename := "test_corrupt.snap"
	defer func() { _ = removeTestFile(filename) }()

	f, _ := os.Create(filename)
	if err := store.SaveSnapshotToWriter(f); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	// Flip a byte past the magic
	data, _ := os.ReadFile(filename)
	if len(data) > 10 {
		data[10] ^= 0xFF
	}
	_ = os.WriteFile(filename, data, 0o666)

	fCorrupt, _ := os.Open(filename)
	defer func() { _ = fCorrupt.Close() }()

	newStore := NewStore()
	if err := newStore.LoadSnapshotFromReader(bufio.NewReader(fCorrupt)); err == nil {
		t.Fatal("LoadSnapshot succeeded on a corrupt file")
	}
}

// TestSnapshotWithExpiry verifies that expiry deadlines survive a snapshot
// round trip and that already-expired keys are dropped on load.
func TestSnapshotWithExpiry(t *testing.T) {
	store := NewStore()

	futureExpiry := time.Now().UnixMilli() + 60000
	pastExpiry := time.Now().UnixMilli() - 1000

	store.Set("future", []byte("CSK1value1"))
	store.SetExpiry("future", futureExpiry, ExpireModeAlways)

	store.Set("noexpiry", []byte("CSK1value2"))

	store.Set("past", []byte("CSK1value3"))
	store.SetExpiry("past", pastExpiry, ExpireModeAlways)

	var buf bytes.Buffer
	if err := store.SaveSnapshotToWriter(&buf); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	store2 := NewStore()
	if err := store2.LoadSnapshotFromReader(bufio.NewReader(&buf)); err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}

	exp, exists := store2.GetExpiry("future")
	if !exists {
		t.Error("key 'future' should exist after load")
	}
	if exp != futureExpiry {
		t.Errorf("expiry mismatch: got %d, want %d", exp, futureExpiry)
	}

	exp, exists = store2.GetExpiry("noexpiry")
	if !exists {
		t.Error("key 'noexpiry' should exist after load")
	}
	if exp != -1 {
		t.Errorf("key 'noexpiry' should have no expiry, got %d", exp)
	}

	// Expired at load time, so skipped entirely
	if _, exists = store2.GetExpiry("past"); exists {
		t.Error("key 'past' should not exist after load (expired)")
	}
}

// TestAOFTruncated verifies both recovery policies for a journal whose last
// command was cut off mid-write.
func TestAOFTruncated(t *testing.T) {
	// One complete command, then one cut off inside its final bulk string
	content := "*3\r\n$8\r\nCARD.ADD\r\n$8\r\ngood_key\r\n$2\r\nok\r\n" +
		"*3\r\n$8\r\nCARD.ADD\r\n$7\r\nbad_key\r\n$10\r\ntrunc"

	t.Run("auto recover", func(t *testing.T) {
		filename := "test_truncated_ok.aof"
		defer func() { _ = removeTestFile(filename) }()

		if err := os.WriteFile(filename, []byte(content), 0o666); err != nil {
			t.Fatal(err)
		}

		app := newTestApp(t)
		app.config.aofFilename = filename
		app.config.aofLoadTruncated = true

		if err := app.loadAOF(); err != nil {
			t.Fatalf("loadAOF should tolerate a truncated tail: %v", err)
		}

		// Everything before the tear is preserved
		if !app.store.Exists("good_key") {
			t.Error("complete command before the tear was lost")
		}
		// The torn command is dropped, not half-applied
		if app.store.Exists("bad_key") {
			t.Error("partial command should not be applied")
		}
		// The journal is marked for a healing rewrite
		if !app.needsCompaction {
			t.Error("truncated load should schedule a compaction")
		}
	})

	t.Run("refuse to start", func(t *testing.T) {
		filename := "test_truncated_bad.aof"
		defer func() { _ = removeTestFile(filename) }()

		if err := os.WriteFile(filename, []byte(content), 0o666); err != nil {
			t.Fatal(err)
		}

		app := newTestApp(t)
		app.config.aofFilename = filename
		app.config.aofLoadTruncated = false

		err := app.loadAOF()
		if err == nil {
			t.Fatal("loadAOF should refuse a truncated journal")
		}
		if !strings.Contains(err.Error(), "truncated") {
			t.Errorf("error should mention truncation: %v", err)
		}
	})
}

// TestAOFCompaction proves the rewrite collapses a long command history into
// a compact snapshot that still restores the same state.
func TestAOFCompaction(t *testing.T) {
	filename := "test_compaction.aof"
	defer func() { _ = removeTestFile(filename) }()

	app := newTestApp(t)
	app.config.aofFilename = filename

	var err error
	app.aof, err = NewAOF(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = app.aof.Close() }()

	// A small sketch so the snapshot stays tiny next to the text bloat
	var buf bytes.Buffer
	app.handleCardCreate(&buf, []string{"spamky", "PRECISION", "8", "KIND", "packed"})
	buf.Reset()
	app.handleCardAdd(&buf, []string{"spamky", "alpha", "beta", "gamma"})
	buf.Reset()

	// The bloat phase: a long history of adds
	for i := 0; i < 1000; i++ {
		app.logCommand("CARD.ADD", []string{"spamky", fmt.Sprintf("element-%d", i)})
	}

	_ = app.aof.Fsync()

	statBefore, _ := os.Stat(filename)
	sizeBefore := statBefore.Size()
	if sizeBefore < 20000 {
		t.Fatalf("expected bloated log > 20KB, got %d bytes", sizeBefore)
	}
	t.Logf("log size before compaction: %d bytes (text)", sizeBefore)

	if err := app.CompactAOF(); err != nil {
		t.Fatalf("CompactAOF failed: %v", err)
	}

	statAfter, _ := os.Stat(filename)
	sizeAfter := statAfter.Size()
	t.Logf("log size after compaction:  %d bytes (snapshot)", sizeAfter)

	if sizeAfter > sizeBefore/10 {
		t.Errorf("compaction failed to reduce size significantly. Before: %d, After: %d",
			sizeBefore, sizeAfter)
	}

	// Reload and verify the state survived
	recoveryApp := newTestApp(t)
	recoveryApp.config.aofFilename = filename

	if err := recoveryApp.loadAOF(); err != nil {
		t.Fatalf("failed to load compacted AOF: %v", err)
	}

	val, exists := recoveryApp.store.Get("spamky")
	if !exists {
		t.Fatal("data lost after compaction, key 'spamky' missing")
	}
	if !hyperloglog.HasMagic(val) {
		t.Error("recovered value is not a serialized sketch")
	}
	if p, _ := hyperloglog.PeekPrecision(val); p != 8 {
		t.Errorf("recovered precision = %d, want 8", p)
	}
	if k, _ := hyperloglog.PeekKind(val); k != hyperloglog.KindPacked {
		t.Error("recovered kind is not packed")
	}
}

// TestCompactionPreservesCount runs the full cycle through the handlers:
// populate, count, compact, reload, count again. The two counts must match
// because compaction only rewrites the container, never the registers.
func TestCompactionPreservesCount(t *testing.T) {
	filename := "test_compaction_count.aof"
	defer func() { _ = removeTestFile(filename) }()

	app := newTestApp(t)
	app.config.aofFilename = filename

	var err error
	app.aof, err = NewAOF(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = app.aof.Close() }()

	var buf bytes.Buffer
	args := []string{"visitors"}
	for i := 0; i < 200; i++ {
		args = append(args, fmt.Sprintf("user-%d", i))
	}
	app.handleCardAdd(&buf, args)
	buf.Reset()

	app.handleCardCount(&buf, []string{"visitors"})
	countBefore := parseIntReply(t, buf.String())
	buf.Reset()

	if err := app.CompactAOF(); err != nil {
		t.Fatalf("CompactAOF failed: %v", err)
	}

	recoveryApp := newTestApp(t)
	recoveryApp.config.aofFilename = filename
	if err := recoveryApp.loadAOF(); err != nil {
		t.Fatalf("failed to load compacted AOF: %v", err)
	}

	recoveryApp.handleCardCount(&buf, []string{"visitors"})
	countAfter := parseIntReply(t, buf.String())

	if countBefore != countAfter {
		t.Errorf("count changed across compaction: %d then %d", countBefore, countAfter)
	}
}
