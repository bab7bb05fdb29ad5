// handlers.go holds the REST handlers and the request plumbing around them.
//
// Every handler that writes follows the same shape: acquire the name lock,
// load the blob from the catalog, mutate a decoded estimator, store the new
// blob. The catalog row's metadata columns (kind, precision, cardinality)
// are always re-derived from the blob header on write, so the listing
// endpoints never need to decompress anything.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"cardinal.lopezb.com/internal/cardinal/catalog"
	"cardinal.lopezb.com/internal/cardinal/hyperloglog"
	"cardinal.lopezb.com/internal/cardinal/oracle"
)

type JSON map[string]any

// lockStripes bounds lock memory regardless of how many sketch names exist.
// Collisions just mean two unrelated names occasionally queue behind each
// other.
const lockStripes = 64

type nameLocks [lockStripes]sync.Mutex

// lockName acquires the stripe for a sketch name and returns the unlock.
func (nl *nameLocks) lockName(name string) func() {
	h := fnv.New32a()
	h.Write([]byte(name))
	mu := &nl[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (app *application) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", app.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/sketches", app.handleListSketches).Methods(http.MethodGet)
	r.HandleFunc("/v1/sketches", app.handleCreateSketch).Methods(http.MethodPost)
	r.HandleFunc("/v1/sketches/{name}", app.handleGetSketch).Methods(http.MethodGet)
	r.HandleFunc("/v1/sketches/{name}", app.handleDeleteSketch).Methods(http.MethodDelete)
	r.HandleFunc("/v1/sketches/{name}/elements", app.handleAddElements).Methods(http.MethodPost)
	r.HandleFunc("/v1/sketches/{name}/count", app.handleCount).Methods(http.MethodGet)

	r.Use(app.logRequests)

	return r
}

// logRequests is the one piece of middleware: a structured line per request.
func (app *application) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		app.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// entryJSON renders a catalog entry for the metadata endpoints. Timestamps
// go out as RFC 3339; the blob itself is never exposed over HTTP.
func entryJSON(e *catalog.Entry) JSON {
	return JSON{
		"name":        e.Name,
		"kind":        e.Kind,
		"precision":   e.Precision,
		"cardinality": e.Cardinality,
		"size_bytes":  e.Size,
		"created_at":  e.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":  e.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (app *application) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, JSON{"status": "ok"})
}

func (app *application) handleListSketches(w http.ResponseWriter, r *http.Request) {
	entries, err := app.catalog.List(r.Context())
	if err != nil {
		app.logger.Error("list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, JSON{"error": "catalog unavailable"})
		return
	}

	out := make([]JSON, 0, len(entries))
	for i := range entries {
		out = append(out, entryJSON(&entries[i]))
	}
	writeJSON(w, http.StatusOK, JSON{"sketches": out})
}

type createRequest struct {
	Name      string `json:"name"`
	Kind      string `json:"kind,omitempty"`
	Precision *int   `json:"precision,omitempty"`
}

func (app *application) handleCreateSketch(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "invalid json"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "name required"})
		return
	}

	precision := app.config.defaultPrecision
	if req.Precision != nil {
		precision = *req.Precision
	}
	if precision < 0 || precision > 18 {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "precision must be an integer between 0 and 18"})
		return
	}

	kind := app.defaultKind
	if req.Kind != "" {
		k, err := hyperloglog.ParseKind(req.Kind)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, JSON{"error": fmt.Sprintf("unknown sketch kind %q", req.Kind)})
			return
		}
		kind = k
	}

	unlock := app.nameLocks.lockName(req.Name)
	defer unlock()

	// Creation never overwrites; a reset goes through DELETE first.
	if _, err := app.catalog.Get(r.Context(), req.Name); err == nil {
		writeJSON(w, http.StatusConflict, JSON{"error": "sketch already exists"})
		return
	} else if !errors.Is(err, catalog.ErrNotFound) {
		app.logger.Error("create lookup failed", "error", err, "name", req.Name)
		writeJSON(w, http.StatusInternalServerError, JSON{"error": "catalog unavailable"})
		return
	}

	blob := newSketch(kind, precision).Serialize()
	entry := catalog.Entry{
		Name:      req.Name,
		Kind:      hyperloglog.KindName(kind),
		Precision: precision,
		Data:      blob,
	}
	if err := app.catalog.Put(r.Context(), entry); err != nil {
		app.logger.Error("create failed", "error", err, "name", req.Name)
		writeJSON(w, http.StatusInternalServerError, JSON{"error": "catalog unavailable"})
		return
	}

	writeJSON(w, http.StatusCreated, JSON{
		"name":      req.Name,
		"kind":      hyperloglog.KindName(kind),
		"precision": precision,
	})
}

func (app *application) handleGetSketch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	entry, err := app.catalog.Get(r.Context(), name)
	if errors.Is(err, catalog.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, JSON{"error": "sketch not found"})
		return
	}
	if err != nil {
		app.logger.Error("get failed", "error", err, "name", name)
		writeJSON(w, http.StatusInternalServerError, JSON{"error": "catalog unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, entryJSON(entry))
}

func (app *application) handleDeleteSketch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	unlock := app.nameLocks.lockName(name)
	defer unlock()

	existed, err := app.catalog.Delete(r.Context(), name)
	if err != nil {
		app.logger.Error("delete failed", "error", err, "name", name)
		writeJSON(w, http.StatusInternalServerError, JSON{"error": "catalog unavailable"})
		return
	}
	if !existed {
		writeJSON(w, http.StatusNotFound, JSON{"error": "sketch not found"})
		return
	}

	writeJSON(w, http.StatusOK, JSON{"deleted": name})
}

type addRequest struct {
	Elements []string `json:"elements"`
}

func (app *application) handleAddElements(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "invalid json"})
		return
	}
	if len(req.Elements) == 0 {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "elements required"})
		return
	}

	unlock := app.nameLocks.lockName(name)
	defer unlock()

	// Missing sketches are created with the gateway defaults, matching the
	// RESP server's add semantics.
	var sk sketch
	created := false

	entry, err := app.catalog.Get(r.Context(), name)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		sk = newSketch(app.defaultKind, app.config.defaultPrecision)
		created = true
	case err != nil:
		app.logger.Error("add lookup failed", "error", err, "name", name)
		writeJSON(w, http.StatusInternalServerError, JSON{"error": "catalog unavailable"})
		return
	default:
		sk, err = decodeSketch(entry.Data)
		if err != nil {
			app.logger.Error("stored sketch does not decode", "error", err, "name", name)
			writeJSON(w, http.StatusInternalServerError, JSON{"error": "stored sketch is corrupt"})
			return
		}
	}

	changed := 0
	for _, el := range req.Elements {
		if sk.Add(el) {
			changed++
		}
	}

	if changed > 0 || created {
		if err := app.putSketch(r, name, sk); err != nil {
			app.logger.Error("add store failed", "error", err, "name", name)
			writeJSON(w, http.StatusInternalServerError, JSON{"error": "catalog unavailable"})
			return
		}
	}

	writeJSON(w, http.StatusOK, JSON{"changed": changed, "created": created})
}

func (app *application) handleCount(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	// Counting writes back a raised cache, so it takes the name lock like
	// any other mutation.
	unlock := app.nameLocks.lockName(name)
	defer unlock()

	entry, err := app.catalog.Get(r.Context(), name)
	if errors.Is(err, catalog.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, JSON{"error": "sketch not found"})
		return
	}
	if err != nil {
		app.logger.Error("count lookup failed", "error", err, "name", name)
		writeJSON(w, http.StatusInternalServerError, JSON{"error": "catalog unavailable"})
		return
	}

	sk, err := decodeSketch(entry.Data)
	if err != nil {
		app.logger.Error("stored sketch does not decode", "error", err, "name", name)
		writeJSON(w, http.StatusInternalServerError, JSON{"error": "stored sketch is corrupt"})
		return
	}

	cachedBefore, _ := hyperloglog.PeekCardinality(entry.Data)

	sk.ComputeCardinality()
	count := sk.Cardinality()

	// Estimates never regress; equal means nothing to persist.
	if count != cachedBefore {
		if err := app.putSketch(r, name, sk); err != nil {
			app.logger.Error("count store failed", "error", err, "name", name)
			writeJSON(w, http.StatusInternalServerError, JSON{"error": "catalog unavailable"})
			return
		}
	}

	writeJSON(w, http.StatusOK, JSON{"name": name, "count": count})
}

// putSketch serializes an estimator and upserts its catalog row, deriving
// the metadata columns from the fresh blob's header.
func (app *application) putSketch(r *http.Request, name string, sk sketch) error {
	blob := sk.Serialize()
	kind, _ := hyperloglog.PeekKind(blob)
	cardinality, _ := hyperloglog.PeekCardinality(blob)

	return app.catalog.Put(r.Context(), catalog.Entry{
		Name:        name,
		Kind:        hyperloglog.KindName(kind),
		Precision:   sk.Precision(),
		Cardinality: cardinality,
		Data:        blob,
	})
}

// sketch is the handler-side view of a decoded estimator, same shape as the
// RESP server's.
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

func decodeSketch(data []byte) (sketch, error) {
	kind, ok := hyperloglog.PeekKind(data)
	if !ok {
		return nil, fmt.Errorf("not a sketch value")
	}
	if kind == hyperloglog.KindPacked {
		return hyperloglog.DeserializePacked(data, oracle.String())
	}
	return hyperloglog.DeserializeFlat(data, oracle.String())
}
