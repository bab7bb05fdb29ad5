// main.go is the cardinal-server entry point. It wires the store, the
// persistence layer and the network server together and owns the background
// maintenance tasks.
//
// Startup Sequence
// ================
//
// Order matters here. The empty store is created first; loadAOF() then
// replays the journal into it before any listener exists, so restore runs
// single-threaded and uncontended. Only after the state is back does the
// journal open for appending and the TCP listener start accepting.
//
// Durability Policy
// =================
//
// Appends are buffered and fsynced by a background ticker once per second
// instead of per write. Registered elements reach the physical disk within
// a second of being acknowledged; a power cut can cost at most that second.
// For a structure whose entire job is approximation, trading a bounded
// sliver of durability for an order of magnitude of throughput is the right
// deal.
//
// Background Maintenance
// ======================
//
// One goroutine owns three recurring jobs:
//
//   - fsync the journal every second (the durability policy above)
//   - run active expiration every 100ms so abandoned sketches with TTLs
//     actually release memory
//   - watch the journal size and kick off a compaction once it has grown
//     past the configured percentage over its post-compaction base size,
//     with -aof-min-size keeping tiny files from churning
//
// Graceful Shutdown
// =================
//
// On the way out the server compacts one last time, so the next startup
// replays nothing. Best-effort: a failed final compaction leaves a valid,
// merely longer journal.

package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"cardinal.lopezb.com/internal/cardinal/hyperloglog"
)

type config struct {
	port              int
	maxConnections    int
	shutdownTimeout   time.Duration
	idleTimeout       time.Duration
	defaultPrecision  int
	defaultKindName   string
	persistence       bool
	aofFilename       string
	aofMinSize        int64
	aofRewritePercent int
	aofLoadTruncated  bool
}

type application struct {
	config          config
	logger          *slog.Logger
	listener        net.Listener
	store           *Store
	router          *Router
	metrics         *Metrics
	defaultKind     byte
	readyCh         chan struct{}
	wg              sync.WaitGroup
	connLimiter     chan struct{}
	aof             *AOF
	aofBaseSize     atomic.Int64
	isRewriting     atomic.Bool
	needsCompaction bool
}

func main() {
	var cfg config

	flag.IntVar(&cfg.port, "port", 6439, "TCP server port")
	flag.IntVar(&cfg.maxConnections, "max-conn", 100, "Maximum concurrent connections")
	flag.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", 0, "Idle client connection timeout (0 for no timeout)")
	flag.IntVar(&cfg.defaultPrecision, "precision", hyperloglog.DefaultPrecision, "Default sketch precision for auto-created keys (buckets = 2^b)")
	flag.StringVar(&cfg.defaultKindName, "kind", "flat", "Default sketch layout for auto-created keys (flat or packed)")
	flag.BoolVar(&cfg.persistence, "persistence", true, "Enable AOF persistence (set false for in-memory only mode)")
	flag.StringVar(&cfg.aofFilename, "aof", "journal.aof", "Append Only File path")
	flag.Int64Var(&cfg.aofMinSize, "aof-min-size", 64*1024*1024, "Min size (bytes) to trigger AOF rewrite")
	flag.IntVar(&cfg.aofRewritePercent, "aof-rewrite-percent", 100, "Percentage growth to trigger AOF rewrite")
	flag.BoolVar(&cfg.aofLoadTruncated, "aof-load-truncated", true, "Auto-recover from truncated AOF (set false for strict mode)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Bad defaults should kill the process at startup, not surface as
	// errors on the first auto-created key.
	if cfg.defaultPrecision < 0 || cfg.defaultPrecision > 18 {
		logger.Error("invalid -precision, must be between 0 and 18", "precision", cfg.defaultPrecision)
		os.Exit(1)
	}
	defaultKind, err := hyperloglog.ParseKind(cfg.defaultKindName)
	if err != nil {
		logger.Error("invalid -kind, must be flat or packed", "kind", cfg.defaultKindName)
		os.Exit(1)
	}

	app := &application{
		config:      cfg,
		logger:      logger,
		store:       NewStore(),
		metrics:     NewMetrics(),
		defaultKind: defaultKind,
		connLimiter: make(chan struct{}, cfg.maxConnections),
	}

	app.router = app.commands()

	// Persistence setup: restore state, then open the journal for appends.
	// With -persistence=false the server runs memory-only.
	if cfg.persistence {
		if err := app.loadAOF(); err != nil {
			logger.Error("failed to load AOF", "error", err)
			os.Exit(1) // journal corruption means possible data loss, refuse to run
		}

		aof, err := NewAOF(cfg.aofFilename)
		if err != nil {
			logger.Error("failed to open AOF", "error", err)
			os.Exit(1)
		}
		app.aof = aof

		// Seed the growth baseline with the current file size.
		if stat, err := aof.file.Stat(); err == nil {
			app.aofBaseSize.Store(stat.Size())
		} else {
			app.aofBaseSize.Store(0)
		}

		// A truncated journal heals by compacting right away: the snapshot
		// replaces the damaged tail with clean state.
		if app.needsCompaction {
			logger.Info("AOF was truncated on load, triggering immediate compaction to heal the file...")
			if err := app.CompactAOF(); err != nil {
				logger.Error("failed to compact AOF after truncation recovery", "error", err)
				// Not fatal; the next compaction will heal it instead.
			} else {
				logger.Info("AOF healed successfully")
			}
		}
	} else {
		logger.Info("persistence disabled, running in memory-only mode")
	}

	// The maintenance loop. Runs for the life of the process.
	go func() {
		fsyncTicker := time.NewTicker(1 * time.Second)
		expiryTicker := time.NewTicker(100 * time.Millisecond)
		defer fsyncTicker.Stop()
		defer expiryTicker.Stop()

		for {
			select {
			case <-expiryTicker.C:
				app.store.DeleteExpiredKeys()

			case <-fsyncTicker.C:
				if app.aof == nil {
					continue
				}

				if err := app.aof.Fsync(); err != nil {
					logger.Error("background sync failed", "error", err)
				}

				// Compaction check. Stat is effectively free; the inode is
				// hot.
				stat, err := app.aof.file.Stat()
				if err != nil {
					continue
				}

				currentSize := stat.Size()
				baseSize := app.aofBaseSize.Load()

				// Small files never compact, whatever their growth ratio.
				// Rewriting a 2KB journal that doubled is pure churn.
				if currentSize < cfg.aofMinSize {
					continue
				}

				growthTarget := baseSize + (baseSize * int64(cfg.aofRewritePercent) / 100)

				if currentSize > growthTarget {
					if app.isRewriting.CompareAndSwap(false, true) {
						logger.Info("auto-rewrite triggered",
							"current_bytes", currentSize,
							"base_bytes", baseSize,
							"threshold_percent", cfg.aofRewritePercent)

						// Compaction must not block the loop or fsync ticks
						// would be missed.
						go func() {
							defer app.isRewriting.Store(false)

							start := time.Now()
							if err := app.CompactAOF(); err != nil {
								logger.Error("auto-rewrite failed", "error", err)
							} else {
								logger.Info("auto-rewrite completed", "duration", time.Since(start))
							}
						}()
					}
				}
			}
		}
	}()

	// Final compaction on the way out, so the next start replays nothing.
	defer func() {
		if app.aof == nil {
			logger.Info("shutting down...")
			return
		}
		logger.Info("shutting down, compacting AOF...")
		if err := app.CompactAOF(); err != nil {
			logger.Error("failed to compact AOF on exit", "error", err)
		}
		_ = app.aof.Close()
	}()

	if err := app.serve(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
