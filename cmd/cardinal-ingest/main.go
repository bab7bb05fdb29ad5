// cardinal-ingest is a bulk loader: it streams a line-delimited file through
// a single estimator and prints the distinct-line estimate. It exists for the
// offline half of the workflow, counting a day of logs or a database export
// without standing up a server.
//
// Parallelism Model
// =================
//
// The file is split into byte ranges, one worker per range, but every worker
// feeds the SAME estimator. Register updates are maxima, so they commute:
// the final register state is identical whatever the interleaving, and a run
// with 8 workers produces exactly the same estimate as a run with 1. There
// is no per-worker sketch and no merge step.
//
// Usage Examples
// ==============
//
// Count distinct lines in a file:
//
//	cardinal-ingest -file access.log
//
// Use more workers and a packed sketch:
//
//	cardinal-ingest -file access.log -workers 8 -kind packed
//
// Count and store the finished sketch in a catalog for the HTTP gateway:
//
//	cardinal-ingest -file access.log -catalog catalog.db -name visitors
//
// Exit Codes
// ==========
//
// 0: Success.
// 1: The input could not be read or the catalog write failed.
// 2: Bad flags.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cardinal.lopezb.com/internal/cardinal/catalog"
	"cardinal.lopezb.com/internal/cardinal/hyperloglog"
	"cardinal.lopezb.com/internal/cardinal/oracle"
)

// progressBatch is how many consumed lines a worker accumulates locally
// before publishing them to the shared counter.
const progressBatch = 100000

type config struct {
	file        string
	precision   int
	kindName    string
	workers     int
	catalogPath string
	name        string
}

func main() {
	var cfg config

	flag.StringVar(&cfg.file, "file", "", "Input file, one element per line (required)")
	flag.IntVar(&cfg.precision, "precision", hyperloglog.DefaultPrecision, "Sketch precision (buckets = 2^b)")
	flag.StringVar(&cfg.kindName, "kind", "flat", "Sketch layout (flat or packed)")
	flag.IntVar(&cfg.workers, "workers", runtime.NumCPU(), "Number of parallel readers")
	flag.StringVar(&cfg.catalogPath, "catalog", "", "SQLite catalog to store the finished sketch in (optional)")
	flag.StringVar(&cfg.name, "name", "", "Sketch name for the catalog entry (required with -catalog)")
	flag.Parse()

	if cfg.file == "" {
		fmt.Fprintln(os.Stderr, "[err] -file is required")
		flag.Usage()
		os.Exit(2)
	}
	if cfg.precision < 0 || cfg.precision > 18 {
		fmt.Fprintln(os.Stderr, "[err] -precision must be between 0 and 18")
		os.Exit(2)
	}
	kind, err := hyperloglog.ParseKind(cfg.kindName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[err] -kind must be flat or packed")
		os.Exit(2)
	}
	if (cfg.catalogPath == "") != (cfg.name == "") {
		fmt.Fprintln(os.Stderr, "[err] -catalog and -name must be used together")
		os.Exit(2)
	}

	sk := newSketch(kind, cfg.precision)

	lines, elapsed, err := ingestFile(cfg.file, sk, cfg.workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[err] %v\n", err)
		os.Exit(1)
	}

	sk.ComputeCardinality()
	count := sk.Cardinality()

	fmt.Printf("Distinct (estimated): %d\n", count)
	fmt.Printf("Lines consumed:       %d\n", lines)
	fmt.Printf("Elapsed:              %v\n", elapsed.Round(time.Millisecond))
	if elapsed > 0 && lines > 0 {
		fmt.Printf("Rate:                 %.2f M lines/sec\n",
			float64(lines)/elapsed.Seconds()/1000000)
	}

	if cfg.catalogPath != "" {
		if err := storeSketch(cfg.catalogPath, cfg.name, kind, sk); err != nil {
			fmt.Fprintf(os.Stderr, "[err] catalog write failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Stored sketch %q in %s (cardinality %d)\n", cfg.name, cfg.catalogPath, count)
	}
}

// ingestFile splits the file into one byte range per worker and feeds every
// line through the shared estimator. It returns the number of non-empty
// lines consumed and the wall time spent.
func ingestFile(path string, sk sketch, workers int) (uint64, time.Duration, error) {
	start := time.Now()

	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	size := info.Size()

	if workers < 1 {
		workers = 1
	}
	chunk := size / int64(workers)
	if chunk == 0 {
		workers = 1
		chunk = size
	}

	fmt.Printf("Counting distinct lines in %s (%d bytes, %d worker(s))...\n", path, size, workers)

	var consumed atomic.Uint64

	// Progress ticker. Small files finish before the first tick and print
	// nothing, which is what you want.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				current := consumed.Load()
				if current > 0 {
					elapsed := time.Since(start)
					fmt.Printf("  progress: %d lines (%.2f M lines/sec)\n",
						current, float64(current)/elapsed.Seconds()/1000000)
				}
			case <-done:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		chunkStart := int64(i) * chunk
		chunkEnd := chunkStart + chunk
		if i == workers-1 {
			chunkEnd = size
		}

		wg.Add(1)
		go func(worker int, start, end int64) {
			defer wg.Done()
			errs[worker] = ingestChunk(path, start, end, sk, &consumed)
		}(i, chunkStart, chunkEnd)
	}

	wg.Wait()
	close(done)

	for i, err := range errs {
		if err != nil {
			return 0, 0, fmt.Errorf("worker %d: %w", i, err)
		}
	}

	return consumed.Load(), time.Since(start), nil
}

// ingestChunk reads one byte range of the file and adds its lines to the
// shared estimator.
func ingestChunk(path string, start, end int64, sk sketch, consumed *atomic.Uint64) error {
	// DESIGN
	// ------
	//
	// Byte ranges almost never fall on line boundaries, so the workers need
	// an ownership rule that covers every line exactly once. The rule here:
	// a worker owns the lines that START inside [start, end). It keeps
	// reading past `end` to finish the last line it started, and the next
	// worker skips whatever partial line its range begins inside.
	//
	// The subtle case is a range that begins exactly on a line boundary.
	// Skipping "to the next newline" from `start` would throw that whole
	// line away, and the previous worker didn't take it either (its start
	// position is not inside the previous range). So the realignment seeks
	// to start-1 and discards through the next newline instead: if byte
	// start-1 is itself the newline, the discard consumes exactly that one
	// byte and the reader lands on the line boundary, keeping the line.
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pos := start
	if start > 0 {
		if _, err := f.Seek(start-1, io.SeekStart); err != nil {
			return err
		}
	}

	r := bufio.NewReaderSize(f, 1024*1024)

	if start > 0 {
		skipped, err := r.ReadBytes('\n')
		if err == io.EOF {
			// The range begins inside the file's final unterminated line,
			// which the previous worker already consumed.
			return nil
		}
		if err != nil {
			return err
		}
		pos = start - 1 + int64(len(skipped))
	}

	local := uint64(0)

	for pos < end {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			pos += int64(len(line))

			element := strings.TrimSpace(line)
			if element != "" {
				sk.Add(element)
				local++
				if local%progressBatch == 0 {
					consumed.Add(progressBatch)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	if remainder := local % progressBatch; remainder > 0 {
		consumed.Add(remainder)
	}

	return nil
}

// storeSketch upserts the finished sketch into a catalog so the HTTP gateway
// can serve its count.
func storeSketch(path, name string, kind byte, sk sketch) error {
	cat, err := catalog.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	blob := sk.Serialize()
	return cat.Put(context.Background(), catalog.Entry{
		Name:        name,
		Kind:        hyperloglog.KindName(kind),
		Precision:   sk.Precision(),
		Cardinality: sk.Cardinality(),
		Data:        blob,
	})
}

// sketch is the loader-side view of an estimator, same shape as the servers'.
type sketch interface {
	Add(element string) bool
	ComputeCardinality()
	Cardinality() uint64
	Precision() int
	Serialize() []byte
}

func newSketch(kind byte, precision int) sketch {
	if kind == hyperloglog.KindPacked {
		return hyperloglog.NewPacked(precision, oracle.String())
	}
	return hyperloglog.NewFlat(precision, oracle.String())
}
