// cardinal-gateway is the HTTP face of the sketch family: named sketches in
// a SQLite catalog behind a small REST API, for environments that want
// durable distinct counts without running (or speaking to) the RESP server.
//
// Where the RESP server holds sketches in RAM and journals mutations, the
// gateway has no resident state at all: every request loads the sketch blob
// from SQLite, works on it, and writes it back. That makes the binary
// stateless and restartable at will, at the cost of a read-modify-write
// round trip per mutation. The intended workloads are low-rate: dashboards
// asking for counts, batch jobs depositing elements a few thousand at a
// time, the ingest tool dropping off a finished sketch.
//
// Concurrency
// ===========
//
// SQLite serializes writers globally, but that alone cannot protect a
// read-modify-write cycle: two concurrent adds to one sketch could both
// read version N and the second write would erase the first's registers.
// The gateway therefore holds a per-name mutex (striped, FNV-picked) across
// each full cycle, the same discipline the RESP server gets from its store's
// Mutate. Different names proceed in parallel; same names queue.
//
// Endpoints
// =========
//
//	GET    /health                      liveness probe
//	GET    /v1/sketches                 list all sketches (metadata only)
//	POST   /v1/sketches                 create (name, kind, precision)
//	GET    /v1/sketches/{name}          metadata for one sketch
//	DELETE /v1/sketches/{name}          remove a sketch
//	POST   /v1/sketches/{name}/elements add elements, reply changed count
//	GET    /v1/sketches/{name}/count    estimate, persisting a raised cache

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cardinal.lopezb.com/internal/cardinal/catalog"
	"cardinal.lopezb.com/internal/cardinal/hyperloglog"
)

type config struct {
	addr             string
	dbPath           string
	defaultPrecision int
	defaultKindName  string
	shutdownTimeout  time.Duration
}

type application struct {
	config      config
	logger      *slog.Logger
	catalog     *catalog.Catalog
	defaultKind byte
	nameLocks   nameLocks
}

func main() {
	var cfg config

	flag.StringVar(&cfg.addr, "addr", ":8439", "HTTP listen address")
	flag.StringVar(&cfg.dbPath, "db", "catalog.db", "SQLite catalog path")
	flag.IntVar(&cfg.defaultPrecision, "precision", hyperloglog.DefaultPrecision, "Default sketch precision when a create omits it (buckets = 2^b)")
	flag.StringVar(&cfg.defaultKindName, "kind", "flat", "Default sketch layout when a create omits it (flat or packed)")
	flag.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if cfg.defaultPrecision < 0 || cfg.defaultPrecision > 18 {
		logger.Error("invalid -precision, must be between 0 and 18", "precision", cfg.defaultPrecision)
		os.Exit(1)
	}
	defaultKind, err := hyperloglog.ParseKind(cfg.defaultKindName)
	if err != nil {
		logger.Error("invalid -kind, must be flat or packed", "kind", cfg.defaultKindName)
		os.Exit(1)
	}

	cat, err := catalog.Open(cfg.dbPath)
	if err != nil {
		logger.Error("failed to open catalog", "error", err, "path", cfg.dbPath)
		os.Exit(1)
	}
	defer func() { _ = cat.Close() }()

	app := &application{
		config:      cfg,
		logger:      logger,
		catalog:     cat,
		defaultKind: defaultKind,
	}

	srv := &http.Server{
		Addr:         cfg.addr,
		Handler:      app.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Shutdown mirrors the RESP server: a signal goroutine stops the
	// listener and drains in-flight requests under a timeout.
	shutdownError := make(chan error)
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		logger.Info("caught signal", "signal", s.String())
		logger.Info("shutting down gateway", "addr", cfg.addr)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()

		shutdownError <- srv.Shutdown(ctx)
	}()

	logger.Info("gateway starting", "addr", cfg.addr, "db", cfg.dbPath)

	err = srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		logger.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}

	if err := <-shutdownError; err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}
