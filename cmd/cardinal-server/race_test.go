package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
)

// =============================================================================
// Store Concurrency Tests
// =============================================================================

// TestStoreConcurrentWritesSameKey verifies that concurrent writes to the same
// key don't cause data races or corruption.
func TestStoreConcurrentWritesSameKey(t *testing.T) {
	store := NewStore()
	const goroutines = 100
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				value := []byte(fmt.Sprintf("value-%d-%d", id, i))
				store.Set("contested_key", value)
			}
		}(g)
	}

	wg.Wait()

	val, found := store.Get("contested_key")
	if !found {
		t.Error("key missing after concurrent writes")
	}
	if len(val) == 0 {
		t.Error("value is empty after concurrent writes")
	}
}

// TestStoreConcurrentReadWrite verifies that concurrent reads and writes
// to the same key don't cause data races.
func TestStoreConcurrentReadWrite(t *testing.T) {
	store := NewStore()
	store.Set("rw_key", []byte("initial"))

	const goroutines = 50
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines * 2)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				value := []byte(fmt.Sprintf("value-%d-%d", id, i))
				store.Set("rw_key", value)
			}
		}(g)
	}

	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				val, found := store.Get("rw_key")
				if !found {
					t.Error("key disappeared during concurrent access")
					return
				}
				_ = len(val)
			}
		}()
	}

	wg.Wait()
}

// TestStoreConcurrentMutate verifies that read-modify-write cycles through
// Mutate never lose updates.
func TestStoreConcurrentMutate(t *testing.T) {
	store := NewStore()

	const goroutines = 100
	const iterations = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				store.Mutate("counter", func(data []byte) ([]byte, bool) {
					if data == nil {
						return []byte{0, 0, 0, 1}, true
					}
					// Big-endian increment
					n := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
					n++
					return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}, true
				})
			}
		}()
	}

	wg.Wait()

	val, found := store.Get("counter")
	if !found || len(val) != 4 {
		t.Fatal("counter key corrupted")
	}

	// Every increment must be visible: Mutate holds the shard lock across
	// the whole read-modify-write cycle.
	n := uint32(val[0])<<24 | uint32(val[1])<<16 | uint32(val[2])<<8 | uint32(val[3])
	if n != goroutines*iterations {
		t.Errorf("lost updates: counter = %d, want %d", n, goroutines*iterations)
	}
}

// TestStoreConcurrentDifferentKeys verifies that operations on different keys
// can proceed in parallel without blocking each other.
func TestStoreConcurrentDifferentKeys(t *testing.T) {
	store := NewStore()
	const goroutines = 100
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", id)
			for i := 0; i < iterations; i++ {
				value := []byte(fmt.Sprintf("value-%d", i))
				store.Set(key, value)
				_, _ = store.Get(key)
			}
		}(g)
	}

	wg.Wait()

	for g := 0; g < goroutines; g++ {
		key := fmt.Sprintf("key-%d", g)
		if _, found := store.Get(key); !found {
			t.Errorf("key %s missing after concurrent operations", key)
		}
	}
}

// TestStoreConcurrentDelete verifies that concurrent deletes don't cause races.
func TestStoreConcurrentDelete(t *testing.T) {
	store := NewStore()

	for i := 0; i < 100; i++ {
		store.Set(fmt.Sprintf("del-key-%d", i), []byte("value"))
	}

	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines * 2)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				store.Delete(fmt.Sprintf("del-key-%d", i))
			}
		}(g)
	}

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("del-key-%d", i)
				store.Get(key)
				store.Set(key, []byte("new-value"))
			}
		}(g)
	}

	wg.Wait()
}

// =============================================================================
// Snapshot Concurrency Tests
// =============================================================================

// TestSnapshotDuringWrites verifies that taking a snapshot while writes are
// happening produces a loadable file.
func TestSnapshotDuringWrites(t *testing.T) {
	store := NewStore()

	stopCh := make(chan struct{})
	var writerWg sync.WaitGroup

	const writers = 10
	writerWg.Add(writers)

	for w := 0; w < writers; w++ {
		go func(id int) {
			defer writerWg.Done()
			i := 0
			for {
				select {
				case <-stopCh:
					return
				default:
					key := fmt.Sprintf("writer-%d-key-%d", id, i%100)
					store.Set(key, []byte(fmt.Sprintf("value-%d", i)))
					i++
				}
			}
		}(w)
	}

	for s := 0; s < 5; s++ {
		var buf bytes.Buffer
		if err := store.SaveSnapshotToWriter(&buf); err != nil {
			t.Errorf("snapshot %d failed: %v", s, err)
		}

		newStore := NewStore()
		if err := newStore.LoadSnapshotFromReader(bufio.NewReader(&buf)); err != nil {
			t.Errorf("snapshot %d load failed: %v", s, err)
		}
	}

	close(stopCh)
	writerWg.Wait()
}

// =============================================================================
// Server Concurrency Tests
// =============================================================================

// TestServerConcurrentClients verifies that multiple clients can interact
// with the server simultaneously without races.
func TestServerConcurrentClients(t *testing.T) {
	app := newTestApp(t)
	app.config.maxConnections = 50
	app.connLimiter = make(chan struct{}, 50)

	go func() { _ = app.serve() }()
	<-app.readyCh
	defer func() { _ = app.listener.Close() }()

	const clients = 20
	const commandsPerClient = 50

	var wg sync.WaitGroup
	wg.Add(clients)

	errors := make(chan error, clients*commandsPerClient)

	for c := 0; c < clients; c++ {
		go func(clientID int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", app.listener.Addr().String())
			if err != nil {
				errors <- fmt.Errorf("client %d connect failed: %w", clientID, err)
				return
			}
			defer func() { _ = conn.Close() }()

			reader := bufio.NewReader(conn)

			for i := 0; i < commandsPerClient; i++ {
				// Alternate between a private key and a shared one
				var key string
				if i%2 == 0 {
					key = fmt.Sprintf("client-%d-key", clientID)
				} else {
					key = "shared_key"
				}

				cmd := fmt.Sprintf("CARD.ADD %s element-%d-%d\r\n", key, clientID, i)
				if _, err := conn.Write([]byte(cmd)); err != nil {
					errors <- fmt.Errorf("client %d write failed: %w", clientID, err)
					return
				}

				response, err := reader.ReadString('\n')
				if err != nil {
					errors <- fmt.Errorf("client %d read failed: %w", clientID, err)
					return
				}

				if response != ":0\r\n" && response != ":1\r\n" {
					errors <- fmt.Errorf("client %d unexpected response: %q", clientID, response)
				}
			}
		}(c)
	}

	wg.Wait()
	close(errors)

	for err := range errors {
		t.Error(err)
	}
}

// TestServerConcurrentAddMatchesSequential feeds the same element set to one
// server through many concurrent clients and to a second instance through a
// single sequential loop. Register updates are max operations, so the final
// estimates must be exactly equal no matter how the concurrent adds
// interleaved; any difference means an update was lost.
func TestServerConcurrentAddMatchesSequential(t *testing.T) {
	const clients = 8
	const perClient = 250

	// Concurrent instance, fed over TCP
	app := newTestApp(t)
	app.config.maxConnections = 50
	app.connLimiter = make(chan struct{}, 50)

	go func() { _ = app.serve() }()
	<-app.readyCh
	defer func() { _ = app.listener.Close() }()

	var wg sync.WaitGroup
	wg.Add(clients)

	for c := 0; c < clients; c++ {
		go func(clientID int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", app.listener.Addr().String())
			if err != nil {
				t.Errorf("client %d connect failed: %v", clientID, err)
				return
			}
			defer func() { _ = conn.Close() }()

			reader := bufio.NewReader(conn)

			for i := 0; i < perClient; i++ {
				element := fmt.Sprintf("payload-%d", clientID*perClient+i)
				cmd := fmt.Sprintf("CARD.ADD visitors %s\r\n", element)

				if _, err := conn.Write([]byte(cmd)); err != nil {
					t.Errorf("client %d write failed: %v", clientID, err)
					return
				}
				if _, err := reader.ReadString('\n'); err != nil {
					t.Errorf("client %d read failed: %v", clientID, err)
					return
				}
			}
		}(c)
	}

	wg.Wait()

	conn, err := net.Dial("tcp", app.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)
	_, _ = conn.Write([]byte("CARD.COUNT visitors\r\n"))
	response, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	concurrentCount := parseIntReply(t, response)

	// Sequential reference instance, same elements through direct handler
	// calls
	refApp := newTestApp(t)
	var buf bytes.Buffer
	for i := 0; i < clients*perClient; i++ {
		refApp.handleCardAdd(&buf, []string{"visitors", fmt.Sprintf("payload-%d", i)})
		buf.Reset()
	}
	refApp.handleCardCount(&buf, []string{"visitors"})
	sequentialCount := parseIntReply(t, buf.String())

	if concurrentCount != sequentialCount {
		t.Errorf("concurrent count %d != sequential count %d (lost register updates)",
			concurrentCount, sequentialCount)
	}
}

// TestServerConcurrentAddCount verifies that counting while adders are
// running never goes backwards: the estimate is monotone, so each client
// must see a non-decreasing sequence of replies.
func TestServerConcurrentAddCount(t *testing.T) {
	app := newTestApp(t)
	app.config.maxConnections = 50
	app.connLimiter = make(chan struct{}, 50)

	go func() { _ = app.serve() }()
	<-app.readyCh
	defer func() { _ = app.listener.Close() }()

	const adders = 4
	const counters = 2
	const elementsPerAdder = 200
	const countsPerCounter = 50

	var wg sync.WaitGroup
	wg.Add(adders + counters)

	for c := 0; c < adders; c++ {
		go func(clientID int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", app.listener.Addr().String())
			if err != nil {
				t.Errorf("adder %d connect failed: %v", clientID, err)
				return
			}
			defer func() { _ = conn.Close() }()

			reader := bufio.NewReader(conn)

			for i := 0; i < elementsPerAdder; i++ {
				cmd := fmt.Sprintf("CARD.ADD gate adder%d-elem%d\r\n", clientID, i)
				if _, err := conn.Write([]byte(cmd)); err != nil {
					t.Errorf("adder %d write failed: %v", clientID, err)
					return
				}
				if _, err := reader.ReadString('\n'); err != nil {
					t.Errorf("adder %d read failed: %v", clientID, err)
					return
				}
			}
		}(c)
	}

	for c := 0; c < counters; c++ {
		go func(clientID int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", app.listener.Addr().String())
			if err != nil {
				t.Errorf("counter %d connect failed: %v", clientID, err)
				return
			}
			defer func() { _ = conn.Close() }()

			reader := bufio.NewReader(conn)

			var last int64 = -1
			for i := 0; i < countsPerCounter; i++ {
				if _, err := conn.Write([]byte("CARD.COUNT gate\r\n")); err != nil {
					t.Errorf("counter %d write failed: %v", clientID, err)
					return
				}
				response, err := reader.ReadString('\n')
				if err != nil {
					t.Errorf("counter %d read failed: %v", clientID, err)
					return
				}

				count := parseIntReply(t, response)
				if count < last {
					t.Errorf("counter %d saw the estimate go backwards: %d then %d",
						clientID, last, count)
					return
				}
				last = count
			}
		}(c)
	}

	wg.Wait()
}

// =============================================================================
// AOF Concurrency Tests
// =============================================================================

// TestAOFConcurrentWrites verifies that concurrent command logging doesn't
// cause data races.
func TestAOFConcurrentWrites(t *testing.T) {
	filename := "test_concurrent_aof.aof"
	defer func() { _ = removeTestFile(filename) }()

	aof, err := NewAOF(filename)
	if err != nil {
		t.Fatalf("failed to create AOF: %v", err)
	}
	defer func() { _ = aof.Close() }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app := &application{
		aof:    aof,
		logger: logger,
	}

	const goroutines = 50
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				app.logCommand("CARD.ADD", []string{
					fmt.Sprintf("key-%d", id),
					fmt.Sprintf("value-%d", i),
				})
			}
		}(g)
	}

	wg.Wait()

	if err := aof.Fsync(); err != nil {
		t.Errorf("AOF fsync failed: %v", err)
	}
}

// TestCompactAOFDuringWrites verifies that compaction during active writes
// doesn't cause races.
func TestCompactAOFDuringWrites(t *testing.T) {
	filename := "test_compact_concurrent.aof"
	defer func() {
		_ = removeTestFile(filename)
		_ = removeTestFile(filename + ".tmp")
	}()

	app := newTestApp(t)
	app.config.aofFilename = filename

	var err error
	app.aof, err = NewAOF(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = app.aof.Close() }()

	stopCh := make(chan struct{})
	var writerWg sync.WaitGroup

	const writers = 5
	writerWg.Add(writers)

	for w := 0; w < writers; w++ {
		go func(id int) {
			defer writerWg.Done()
			i := 0
			for {
				select {
				case <-stopCh:
					return
				default:
					key := fmt.Sprintf("writer-%d-key", id)
					app.store.Set(key, []byte(fmt.Sprintf("value-%d", i)))
					app.logCommand("CARD.ADD", []string{key, fmt.Sprintf("value-%d", i)})
					i++
				}
			}
		}(w)
	}

	for c := 0; c < 3; c++ {
		if err := app.CompactAOF(); err != nil {
			t.Errorf("compaction %d failed: %v", c, err)
		}
	}

	close(stopCh)
	writerWg.Wait()
}
