// Package catalog persists named sketches in a SQLite database.
//
// The catalog is the durable home for sketches that live outside the RESP
// server: the HTTP gateway reads and writes them per request, and the bulk
// ingest tool can deposit a finished sketch for later queries. One row per
// sketch, keyed by name; the data column holds the estimator's serialized
// form (already compressed, see the hyperloglog codec).
//
// Timestamps are stored as Unix milliseconds to keep reads portable across
// drivers; SQLite's own datetime formats are never used.
//
// SQLite runs through the pure-Go modernc.org/sqlite driver, so binaries
// stay cgo-free. The database is opened with WAL journaling and a busy
// timeout, which is enough for the gateway's modest write concurrency; the
// gateway additionally serializes writers per sketch name.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a sketch name has no row.
var ErrNotFound = errors.New("catalog: sketch not found")

// Entry is one catalog row. Data is nil in List results; fetch a single
// sketch with Get to obtain the blob.
type Entry struct {
	Name        string
	Kind        string
	Precision   int
	Cardinality uint64
	Data        []byte
	Size        int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Catalog wraps the SQLite handle. Safe for concurrent use; SQLite's own
// locking plus the busy timeout arbitrate concurrent writers.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog: %s: %w", p, err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS sketches (
		name        TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		precision   INTEGER NOT NULL,
		cardinality INTEGER NOT NULL DEFAULT 0,
		data        BLOB NOT NULL,
		created_ms  INTEGER NOT NULL,
		updated_ms  INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: create schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close releases the database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Put inserts or replaces a sketch. On update the original creation time is
// preserved; everything else, including the blob, is overwritten.
func (c *Catalog) Put(ctx context.Context, e Entry) error {
	now := time.Now().UnixMilli()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sketches(name, kind, precision, cardinality, data, created_ms, updated_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind        = excluded.kind,
			precision   = excluded.precision,
			cardinality = excluded.cardinality,
			data        = excluded.data,
			updated_ms  = excluded.updated_ms`,
		e.Name, e.Kind, e.Precision, int64(e.Cardinality), e.Data, now, now)
	if err != nil {
		return fmt.Errorf("catalog: put %s: %w", e.Name, err)
	}
	return nil
}

// Get fetches one sketch with its blob. Returns ErrNotFound for unknown
// names.
func (c *Catalog) Get(ctx context.Context, name string) (*Entry, error) {
	var (
		e           Entry
		cardinality int64
		createdMs   int64
		updatedMs   int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT name, kind, precision, cardinality, data, created_ms, updated_ms
		FROM sketches WHERE name = ?`, name).
		Scan(&e.Name, &e.Kind, &e.Precision, &cardinality, &e.Data, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get %s: %w", name, err)
	}

	e.Cardinality = uint64(cardinality)
	e.Size = int64(len(e.Data))
	e.CreatedAt = time.UnixMilli(createdMs)
	e.UpdatedAt = time.UnixMilli(updatedMs)
	return &e, nil
}

// Delete removes a sketch and reports whether a row actually existed.
func (c *Catalog) Delete(ctx context.Context, name string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM sketches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("catalog: delete %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("catalog: delete %s: %w", name, err)
	}
	return n > 0, nil
}

/// List returns all sketches ordered by name, metadata only: Data is left
// nil and Size carries the blob length instead.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, kind, precision, cardinality, length(data), created_ms, updated_ms
		FROM sketches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e           Entry
			cardinality int64
			createdMs   int64
			updatedMs   int64
		)
		if err := rows.Scan(&e.Name, &e.Kind, &e.Precision, &cardinality,
			&e.Size, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("catalog: list scan: %w", err)
		}
		e.Cardinality = uint64(cardinality)
		e.CreatedAt = time.UnixMilli(createdMs)
		e.UpdatedAt = time.UnixMilli(updatedMs)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list rows: %w", err)
	}
	return out, nil
}
